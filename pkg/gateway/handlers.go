package gateway

import (
	"io"
	"net/http"
	"slices"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/sirupsen/logrus"

	"github.com/synergy-labs/envelope/internal/api"
	"github.com/synergy-labs/envelope/pkg/apperr"
	"github.com/synergy-labs/envelope/pkg/contentstore"
	"github.com/synergy-labs/envelope/pkg/model"
	"github.com/synergy-labs/envelope/pkg/policy"
	"github.com/synergy-labs/envelope/pkg/registry"
	"github.com/synergy-labs/envelope/pkg/sealcrypt"
)

type writeResponse struct {
	DatasetID string `json:"dataset_id,omitempty"`
	*registry.Outcome
}

type datasetResponse struct {
	Dataset    *model.Dataset    `json:"dataset"`
	Level      model.AccessLevel `json:"level"`
	WrappedKey hexutil.Bytes     `json:"wrapped_key,omitempty"`
}

type levelResponse struct {
	Level model.AccessLevel `json:"level"`
}

type accessListResponse struct {
	Entries []model.AccessEntry `json:"entries"`
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

type contentResponse struct {
	ContentID string `json:"content_id"`
}

// relay verifies a write, submits it and answers with the
// confirmed outcome.
func (s *Server) relay(
	w http.ResponseWriter,
	r *http.Request,
	body SignedBody,
	action model.Action,
	datasetID string,
	check func(*write) error,
) {
	wr, err := s.verifyWrite(r, body, action, datasetID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if check != nil {
		if err := check(wr); err != nil {
			s.fail(w, r, err)
			return
		}
	}
	out, err := wr.adapter.Submit(r.Context(), wr.req)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	target, _ := model.TargetOf(body.Args)
	s.logFor(r).WithFields(logrus.Fields{
		"action":  action,
		"caller":  model.FormatAddress(wr.req.Address),
		"dataset": target.DatasetID,
		"tx":      out.TxHash.Hex(),
	}).Info("write confirmed")
	api.WriteJSON(w, http.StatusOK, writeResponse{DatasetID: target.DatasetID, Outcome: out})
}

func (s *Server) simpleWrite(action model.Action, scoped bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := s.decodeWrite(r)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		id := ""
		if scoped {
			id = r.PathValue("id")
		}
		s.relay(w, r, body, action, id, nil)
	}
}

// handlePublish registers a dataset whose ciphertext the
// caller already uploaded. The dataset id must equal the
// content id.
func (s *Server) handlePublish(w http.ResponseWriter, r *http.Request) { // A
	body, err := s.decodeWrite(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.relay(w, r, body, model.ActionRegisterDataset, "", func(wr *write) error {
		args := wr.args.(*model.RegisterDatasetArgs)
		if args.DatasetID != args.ContentID {
			return apperr.New(apperr.KindBadRequest, "dataset id must equal the content id")
		}
		return nil
	})
}

func (s *Server) handleUpdateMetadata(w http.ResponseWriter, r *http.Request) { // A
	s.simpleWrite(model.ActionUpdateMetadata, true)(w, r)
}

func (s *Server) handleRekey(w http.ResponseWriter, r *http.Request) { // A
	s.simpleWrite(model.ActionRekey, true)(w, r)
}

func (s *Server) handleTransferOwner(w http.ResponseWriter, r *http.Request) { // A
	s.simpleWrite(model.ActionTransferOwner, true)(w, r)
}

func (s *Server) handleRetire(w http.ResponseWriter, r *http.Request) { // A
	s.simpleWrite(model.ActionRetire, true)(w, r)
}

func (s *Server) handleRegisterKey(w http.ResponseWriter, r *http.Request) { // A
	s.simpleWrite(model.ActionRegisterKey, false)(w, r)
}

// Operations accepted by POST /dataset/{id}/access.
const (
	OperationUpdate = "update"
	OperationGrant  = "grant"
	OperationRevoke = "revoke"
	OperationSetKey = "set_key"
)

var accessActions = map[string]model.Action{
	OperationUpdate: model.ActionUpdateACL,
	OperationGrant:  model.ActionGrant,
	OperationRevoke: model.ActionRevoke,
	OperationSetKey: model.ActionSetWrappedKey,
}

func (s *Server) handleAccess(w http.ResponseWriter, r *http.Request) { // A
	body, err := s.decodeWrite(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	action, ok := accessActions[body.Operation]
	if !ok {
		s.fail(w, r, apperr.New(apperr.KindBadRequest, "operation must be update, grant, revoke or set_key"))
		return
	}
	s.relay(w, r, body, action, r.PathValue("id"), nil)
}

// handleGetDataset returns the record, the caller's level
// and the caller's own wrapped key when there is one.
func (s *Server) handleGetDataset(w http.ResponseWriter, r *http.Request) { // A
	id := r.PathValue("id")
	rd, err := s.verifyRead(r, model.ActionGetDataset, model.ReadArgs{DatasetID: id})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	ctx := r.Context()
	ds, err := rd.adapter.GetDataset(ctx, id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	level, err := rd.adapter.CheckAccess(ctx, id, rd.caller)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	req := policy.Request{Dataset: ds, Caller: rd.caller, Stored: level}
	if err := policy.Check(policy.OpReadContent, req); err != nil {
		s.fail(w, r, err)
		return
	}
	resp := datasetResponse{Dataset: ds, Level: policy.Effective(ds, rd.caller, level)}
	if policy.Check(policy.OpReadKey, req) == nil {
		wrapped, err := rd.adapter.GetWrappedKey(ctx, id, rd.caller)
		switch {
		case err == nil:
			resp.WrappedKey = wrapped
		case apperr.KindOf(err) != apperr.KindNotFound:
			s.fail(w, r, err)
			return
		}
	}
	api.WriteJSON(w, http.StatusOK, resp)
}

// handleGetKey returns the caller's wrapped key and
// nobody else's.
func (s *Server) handleGetKey(w http.ResponseWriter, r *http.Request) { // A
	id := r.PathValue("id")
	rd, err := s.verifyRead(r, model.ActionGetKey, model.ReadArgs{DatasetID: id})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	ctx := r.Context()
	ds, err := rd.adapter.GetDataset(ctx, id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	level, err := rd.adapter.CheckAccess(ctx, id, rd.caller)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if err := policy.Check(policy.OpReadKey, policy.Request{Dataset: ds, Caller: rd.caller, Stored: level}); err != nil {
		s.fail(w, r, err)
		return
	}
	wrapped, err := rd.adapter.GetWrappedKey(ctx, id, rd.caller)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, wrappedKeyResponse{WrappedKey: wrapped})
}

// handleListAccess is the ADMIN view of the whole ACL.
func (s *Server) handleListAccess(w http.ResponseWriter, r *http.Request) { // A
	id := r.PathValue("id")
	rd, err := s.verifyRead(r, model.ActionListAccess, model.ReadArgs{DatasetID: id})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	ctx := r.Context()
	ds, err := rd.adapter.GetDataset(ctx, id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	level, err := rd.adapter.CheckAccess(ctx, id, rd.caller)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if err := policy.Check(policy.OpListAccess, policy.Request{Dataset: ds, Caller: rd.caller, Stored: level}); err != nil {
		s.fail(w, r, err)
		return
	}
	entries, err := rd.adapter.ListAccess(ctx, id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, accessListResponse{Entries: entries})
}

func (s *Server) handleCheckAccess(w http.ResponseWriter, r *http.Request) { // A
	p, err := model.ParseAddress(r.PathValue("principal"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	adapter, err := s.hub.Get(s.networkOf(r))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	level, err := adapter.CheckAccess(r.Context(), r.PathValue("id"), p)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, levelResponse{Level: level})
}

func (s *Server) handleDatasetsByOwner(w http.ResponseWriter, r *http.Request) { // A
	p, err := model.ParseAddress(r.PathValue("address"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	adapter, err := s.hub.Get(s.networkOf(r))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	ids, err := adapter.GetDatasetsByOwner(r.Context(), p)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, datasetsResponse{DatasetIDs: ids})
}

func (s *Server) handlePublicKey(w http.ResponseWriter, r *http.Request) { // A
	p, err := model.ParseAddress(r.PathValue("address"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	adapter, err := s.hub.Get(s.networkOf(r))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	pub, err := adapter.GetPublicKey(r.Context(), p)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, publicKeyResponse{PublicKey: pub})
}

// handlePutContent stores an uploaded ciphertext. The
// caller signs its content id.
func (s *Server) handlePutContent(w http.ResponseWriter, r *http.Request) { // A
	data, err := io.ReadAll(io.LimitReader(r.Body, contentstore.MaxObjectSize+1))
	if err != nil {
		s.fail(w, r, apperr.Wrap(apperr.KindBadRequest, err, "read body"))
		return
	}
	if len(data) > contentstore.MaxObjectSize {
		s.fail(w, r, apperr.New(apperr.KindBadRequest, "object exceeds %d bytes", contentstore.MaxObjectSize))
		return
	}
	id := sealcrypt.Hash(data)
	if _, err := s.verifyRead(r, model.ActionPutContent, model.ReadArgs{ContentID: id}); err != nil {
		s.fail(w, r, err)
		return
	}
	got, err := s.store.Put(r.Context(), data)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, contentResponse{ContentID: got})
}

// handleGetContent serves the current ciphertext of the
// dataset named by the dataset query parameter.
func (s *Server) handleGetContent(w http.ResponseWriter, r *http.Request) { // A
	cid := r.PathValue("cid")
	id := r.URL.Query().Get("dataset")
	if id == "" {
		id = cid
	}
	rd, err := s.verifyRead(r, model.ActionGetContent, model.ReadArgs{ContentID: cid, DatasetID: id})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	ctx := r.Context()
	ds, err := rd.adapter.GetDataset(ctx, id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if ds.ContentID != cid {
		s.fail(w, r, apperr.New(apperr.KindNotFound, "dataset %s does not reference %s", id, cid))
		return
	}
	level, err := rd.adapter.CheckAccess(ctx, id, rd.caller)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if err := policy.Check(policy.OpReadContent, policy.Request{Dataset: ds, Caller: rd.caller, Stored: level}); err != nil {
		s.fail(w, r, err)
		return
	}
	data, err := s.store.Get(ctx, cid)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(data); err != nil {
		s.logFor(r).WithError(err).Debug("write content")
	}
}

// handleUnpinContent releases ciphertext nobody needs. No
// live dataset may store it. Without a dataset it must be
// an upload no dataset ever referenced; with one it must be
// a ciphertext that dataset replaced, and the caller must
// administer the dataset.
func (s *Server) handleUnpinContent(w http.ResponseWriter, r *http.Request) { // A
	cid := r.PathValue("cid")
	id := r.URL.Query().Get("dataset")
	rd, err := s.verifyRead(r, model.ActionUnpinContent, model.ReadArgs{ContentID: cid, DatasetID: id})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	ctx := r.Context()
	refs, err := rd.adapter.ContentRefs(ctx, cid)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if len(refs.Current) > 0 {
		s.fail(w, r, apperr.New(apperr.KindConflict, "content %s is the current ciphertext of %s", cid, refs.Current[0]))
		return
	}
	if id == "" {
		if len(refs.Previous) > 0 {
			s.fail(w, r, apperr.New(apperr.KindConflict, "content %s belonged to %s", cid, refs.Previous[0]).
				WithHint("release it through that dataset"))
			return
		}
	} else {
		if !slices.Contains(refs.Previous, id) {
			s.fail(w, r, apperr.New(apperr.KindConflict, "content %s is not a previous ciphertext of %s", cid, id))
			return
		}
		ds, err := rd.adapter.GetDataset(ctx, id)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		level, err := rd.adapter.CheckAccess(ctx, id, rd.caller)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		if err := policy.Check(policy.OpRekey, policy.Request{Dataset: ds, Caller: rd.caller, Stored: level}); err != nil {
			s.fail(w, r, err)
			return
		}
	}
	if err := s.store.Unpin(ctx, cid); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
