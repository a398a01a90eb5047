// Package gateway is the stateless HTTP surface in front of the registry and
// the content store. It authenticates every request by the principal's own
// signature, relays already-signed writes to the ledger and never hands out a
// wrapped key that belongs to someone other than the caller.
package gateway

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/synergy-labs/envelope/internal/api"
	"github.com/synergy-labs/envelope/pkg/auth"
	"github.com/synergy-labs/envelope/pkg/contentstore"
	"github.com/synergy-labs/envelope/pkg/registry"
)

// Header names of the signed-read scheme.
const (
	HeaderAddress   = "X-Synergy-Address"
	HeaderSignature = "X-Synergy-Signature"
	HeaderTimestamp = "X-Synergy-Timestamp"
	HeaderNetwork   = "X-Synergy-Network"
	HeaderRequestID = "X-Request-Id"
)

// DefaultReplayWindow is how old a signed request may be.
const DefaultReplayWindow = 120 * time.Second

type Server struct {
	mux      *http.ServeMux
	hub      *registry.Hub
	store    contentstore.Store
	verifier *auth.Verifier
	network  string
	log      logrus.FieldLogger
}

type Option func(*Server)

func WithLogger(log logrus.FieldLogger) Option { // HC
	return func(s *Server) {
		if log != nil {
			s.log = log
		}
	}
}

// WithVerifier replaces the default verifier (120s window,
// in-memory replay cache).
func WithVerifier(v *auth.Verifier) Option { // HC
	return func(s *Server) {
		if v != nil {
			s.verifier = v
		}
	}
}

// WithDefaultNetwork names the network used by unsigned
// reads that do not name one.
func WithDefaultNetwork(networkID string) Option { // HC
	return func(s *Server) { s.network = networkID }
}

func New(hub *registry.Hub, store contentstore.Store, opts ...Option) *Server { // A
	s := &Server{
		mux:   http.NewServeMux(),
		hub:   hub,
		store: store,
		log:   logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.verifier == nil {
		s.verifier = auth.NewVerifier(DefaultReplayWindow, nil, nil)
	}
	s.routes()
	return s
}

func (s *Server) routes() { // AC
	s.mux.HandleFunc("GET /healthz", s.handleHealth)

	s.mux.HandleFunc("POST /dataset", s.handlePublish)
	s.mux.HandleFunc("GET /dataset/{id}", s.handleGetDataset)
	s.mux.HandleFunc("PUT /dataset/{id}/metadata", s.handleUpdateMetadata)
	s.mux.HandleFunc("POST /dataset/{id}/access", s.handleAccess)
	s.mux.HandleFunc("GET /dataset/{id}/access", s.handleListAccess)
	s.mux.HandleFunc("GET /dataset/{id}/access/{principal}", s.handleCheckAccess)
	s.mux.HandleFunc("GET /dataset/{id}/key", s.handleGetKey)
	s.mux.HandleFunc("POST /dataset/{id}/rekey", s.handleRekey)
	s.mux.HandleFunc("POST /dataset/{id}/owner", s.handleTransferOwner)
	s.mux.HandleFunc("POST /dataset/{id}/retire", s.handleRetire)

	s.mux.HandleFunc("GET /principal/{address}/datasets", s.handleDatasetsByOwner)
	s.mux.HandleFunc("GET /principal/{address}/key", s.handlePublicKey)
	s.mux.HandleFunc("POST /principal/key", s.handleRegisterKey)

	s.mux.HandleFunc("POST /content", s.handlePutContent)
	s.mux.HandleFunc("GET /content/{cid}", s.handleGetContent)
	s.mux.HandleFunc("DELETE /content/{cid}", s.handleUnpinContent)
}

type ctxKey struct{}

// ServeHTTP tags every request with an id and a logger
// carrying it.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { // AC
	id := r.Header.Get(HeaderRequestID)
	if _, err := uuid.Parse(id); err != nil {
		id = uuid.NewString()
	}
	w.Header().Set(HeaderRequestID, id)

	log := s.log.WithFields(logrus.Fields{
		"request_id": id,
		"method":     r.Method,
		"path":       r.URL.Path,
	})
	start := time.Now()
	rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
	s.mux.ServeHTTP(rec, r.WithContext(context.WithValue(r.Context(), ctxKey{}, log)))
	log.WithFields(logrus.Fields{
		"status":   rec.status,
		"duration": time.Since(start).String(),
	}).Debug("request served")
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (s *Server) logFor(r *http.Request) logrus.FieldLogger {
	if log, ok := r.Context().Value(ctxKey{}).(logrus.FieldLogger); ok {
		return log
	}
	return s.log
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	api.WriteError(w, s.logFor(r), err)
}

type healthResponse struct {
	Status   string   `json:"status"`
	Networks []string `json:"networks"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) { // A
	api.WriteJSON(w, http.StatusOK, healthResponse{Status: "ok", Networks: s.hub.Networks()})
}
