package ledger

import (
	"net/http"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/sirupsen/logrus"

	"github.com/synergy-labs/envelope/internal/api"
	"github.com/synergy-labs/envelope/pkg/apperr"
	"github.com/synergy-labs/envelope/pkg/model"
)

// Server exposes a Ledger over JSON HTTP.
type Server struct {
	mux    *http.ServeMux
	ledger *Ledger
	log    logrus.FieldLogger
}

type ServerOption func(*Server)

func WithServerLogger(log logrus.FieldLogger) ServerOption { // HC
	return func(s *Server) {
		if log != nil {
			s.log = log
		}
	}
}

func NewServer(l *Ledger, opts ...ServerOption) *Server { // A
	s := &Server{
		mux:    http.NewServeMux(),
		ledger: l,
		log:    l.log,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.routes()
	return s
}

func (s *Server) routes() { // AC
	s.mux.HandleFunc("GET /healthz", s.handleHealth)
	s.mux.HandleFunc("POST /tx", s.handleSend)
	s.mux.HandleFunc("GET /tx/{hash}", s.handleTransaction)
	s.mux.HandleFunc("GET /tx/{hash}/receipt", s.handleReceipt)
	s.mux.HandleFunc("GET /head", s.handleHead)
	s.mux.HandleFunc("GET /block/{number}", s.handleBlock)
	s.mux.HandleFunc("GET /dataset/{id}", s.handleDataset)
	s.mux.HandleFunc("GET /dataset/{id}/access", s.handleAccessList)
	s.mux.HandleFunc("GET /dataset/{id}/access/{principal}", s.handleAccess)
	s.mux.HandleFunc("GET /dataset/{id}/key/{principal}", s.handleWrappedKey)
	s.mux.HandleFunc("GET /owner/{address}/datasets", s.handleByOwner)
	s.mux.HandleFunc("GET /pubkey/{address}", s.handlePublicKey)
	s.mux.HandleFunc("GET /content/{cid}/refs", s.handleContentRefs)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { // AC
	s.mux.ServeHTTP(w, r)
}

type sendResponse struct {
	TxHash common.Hash `json:"tx_hash"`
}

type headResponse struct {
	Number uint64 `json:"number"`
}

type levelResponse struct {
	Level model.AccessLevel `json:"level"`
}

type wrappedKeyResponse struct {
	WrappedKey hexutil.Bytes `json:"wrapped_key"`
}

type datasetsResponse struct {
	DatasetIDs []string `json:"dataset_ids"`
}

type publicKeyResponse struct {
	PublicKey hexutil.Bytes `json:"public_key"`
}

type healthResponse struct {
	Status    string `json:"status"`
	NetworkID string `json:"network_id"`
	Head      uint64 `json:"head"`
}

func (s *Server) fail(w http.ResponseWriter, err error) {
	api.WriteError(w, s.log, err)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) { // A
	head, err := s.ledger.Head(r.Context())
	if err != nil {
		s.fail(w, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, healthResponse{Status: "ok", NetworkID: s.ledger.NetworkID(), Head: head})
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) { // A
	var tx Transaction
	if err := api.DecodeBody(r, &tx); err != nil {
		s.fail(w, err)
		return
	}
	h, err := s.ledger.SendTransaction(r.Context(), &tx)
	if err != nil {
		s.fail(w, err)
		return
	}
	api.WriteJSON(w, http.StatusAccepted, sendResponse{TxHash: h})
}

func parseTxHash(v string) (common.Hash, error) {
	b, err := hexutil.Decode(v)
	if err != nil || len(b) != common.HashLength {
		return common.Hash{}, apperr.New(apperr.KindBadRequest, "invalid transaction hash %q", v)
	}
	return common.BytesToHash(b), nil
}

func (s *Server) handleTransaction(w http.ResponseWriter, r *http.Request) { // A
	h, err := parseTxHash(r.PathValue("hash"))
	if err != nil {
		s.fail(w, err)
		return
	}
	tx, err := s.ledger.Transaction(r.Context(), h)
	if err != nil {
		s.fail(w, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, tx)
}

func (s *Server) handleReceipt(w http.ResponseWriter, r *http.Request) { // A
	h, err := parseTxHash(r.PathValue("hash"))
	if err != nil {
		s.fail(w, err)
		return
	}
	rc, err := s.ledger.Receipt(r.Context(), h)
	if err != nil {
		s.fail(w, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, rc)
}

func (s *Server) handleHead(w http.ResponseWriter, r *http.Request) { // A
	n, err := s.ledger.Head(r.Context())
	if err != nil {
		s.fail(w, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, headResponse{Number: n})
}

func (s *Server) handleBlock(w http.ResponseWriter, r *http.Request) { // A
	n, err := strconv.ParseUint(r.PathValue("number"), 10, 64)
	if err != nil {
		s.fail(w, apperr.New(apperr.KindBadRequest, "invalid block number"))
		return
	}
	b, err := s.ledger.Block(r.Context(), n)
	if err != nil {
		s.fail(w, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, b)
}

func (s *Server) handleDataset(w http.ResponseWriter, r *http.Request) { // A
	ds, err := s.ledger.Dataset(r.Context(), r.PathValue("id"))
	if err != nil {
		s.fail(w, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, ds)
}

func (s *Server) handleContentRefs(w http.ResponseWriter, r *http.Request) { // A
	refs, err := s.ledger.ContentRefs(r.Context(), r.PathValue("cid"))
	if err != nil {
		s.fail(w, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, refs)
}

func (s *Server) handleAccessList(w http.ResponseWriter, r *http.Request) { // A
	entries, err := s.ledger.AccessList(r.Context(), r.PathValue("id"))
	if err != nil {
		s.fail(w, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, entries)
}

func (s *Server) handleAccess(w http.ResponseWriter, r *http.Request) { // A
	p, err := model.ParseAddress(r.PathValue("principal"))
	if err != nil {
		s.fail(w, err)
		return
	}
	level, err := s.ledger.Access(r.Context(), r.PathValue("id"), p)
	if err != nil {
		s.fail(w, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, levelResponse{Level: level})
}

func (s *Server) handleWrappedKey(w http.ResponseWriter, r *http.Request) { // A
	p, err := model.ParseAddress(r.PathValue("principal"))
	if err != nil {
		s.fail(w, err)
		return
	}
	wk, err := s.ledger.WrappedKey(r.Context(), r.PathValue("id"), p)
	if err != nil {
		s.fail(w, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, wrappedKeyResponse{WrappedKey: wk})
}

func (s *Server) handleByOwner(w http.ResponseWriter, r *http.Request) { // A
	owner, err := model.ParseAddress(r.PathValue("address"))
	if err != nil {
		s.fail(w, err)
		return
	}
	ids, err := s.ledger.DatasetsByOwner(r.Context(), owner)
	if err != nil {
		s.fail(w, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, datasetsResponse{DatasetIDs: ids})
}

func (s *Server) handlePublicKey(w http.ResponseWriter, r *http.Request) { // A
	p, err := model.ParseAddress(r.PathValue("address"))
	if err != nil {
		s.fail(w, err)
		return
	}
	pub, err := s.ledger.PublicKey(r.Context(), p)
	if err != nil {
		s.fail(w, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, publicKeyResponse{PublicKey: pub})
}
