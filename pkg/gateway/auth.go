package gateway

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/synergy-labs/envelope/internal/api"
	"github.com/synergy-labs/envelope/pkg/apperr"
	"github.com/synergy-labs/envelope/pkg/auth"
	"github.com/synergy-labs/envelope/pkg/model"
	"github.com/synergy-labs/envelope/pkg/registry"
)

// SignedBody is the envelope of every state-changing
// request. Operation selects the action on routes that
// carry more than one.
type SignedBody struct {
	Address   model.Address   `json:"address"`
	Signature hexutil.Bytes   `json:"signature"`
	Timestamp int64           `json:"timestamp"`
	NetworkID string          `json:"network_id"`
	Operation string          `json:"operation,omitempty"`
	Args      json.RawMessage `json:"args"`
}

// BodyFor wraps a signed request into its envelope.
func BodyFor(sr auth.SignedRequest, networkID string) SignedBody {
	return SignedBody{
		Address:   sr.Address,
		Signature: sr.Signature,
		Timestamp: sr.Timestamp,
		NetworkID: networkID,
		Args:      sr.Args,
	}
}

// write is a verified state-changing request.
type write struct {
	req     auth.SignedRequest
	args    any
	adapter *registry.Adapter
}

func (s *Server) decodeWrite(r *http.Request) (SignedBody, error) {
	var body SignedBody
	if err := api.DecodeBody(r, &body); err != nil {
		return SignedBody{}, err
	}
	if len(body.Signature) == 0 || body.Timestamp == 0 {
		return SignedBody{}, apperr.New(apperr.KindUnauthorized, "missing signature")
	}
	return body, nil
}

// verifyWrite authenticates body as action by its signer,
// refuses replays, and checks that the signed arguments
// address the dataset in the path and the envelope's
// network.
func (s *Server) verifyWrite(
	r *http.Request,
	body SignedBody,
	action model.Action,
	datasetID string,
) (*write, error) {
	sr := auth.SignedRequest{
		Request:   auth.Request{Action: action, Args: body.Args, Timestamp: body.Timestamp},
		Address:   body.Address,
		Signature: body.Signature,
	}
	if _, err := s.verifier.Verify(r.Context(), sr); err != nil {
		return nil, err
	}

	args, err := model.DecodeArgs(action, body.Args)
	if err != nil {
		return nil, err
	}
	target, err := model.TargetOf(body.Args)
	if err != nil {
		return nil, err
	}
	if target.NetworkID != body.NetworkID {
		return nil, apperr.New(apperr.KindBadRequest, "signed network %q does not match %q", target.NetworkID, body.NetworkID)
	}
	if datasetID != "" && target.DatasetID != datasetID {
		return nil, apperr.New(apperr.KindBadRequest, "signed dataset %q does not match path", target.DatasetID)
	}
	adapter, err := s.hub.Get(body.NetworkID)
	if err != nil {
		return nil, err
	}
	return &write{req: sr, args: args, adapter: adapter}, nil
}

// read is a verified signed read.
type read struct {
	caller  model.Address
	adapter *registry.Adapter
}

// SignReadHeaders sets the headers of a signed read on h.
func SignReadHeaders(h http.Header, sr auth.SignedRequest, networkID string) {
	h.Set(HeaderAddress, model.FormatAddress(sr.Address))
	h.Set(HeaderSignature, hexutil.Encode(sr.Signature))
	h.Set(HeaderTimestamp, strconv.FormatInt(sr.Timestamp, 10))
	h.Set(HeaderNetwork, networkID)
}

// verifyRead authenticates a header-signed read. The
// signed arguments are rebuilt from the path, so a
// signature only covers the resource it names.
func (s *Server) verifyRead(
	r *http.Request,
	action model.Action,
	args model.ReadArgs,
) (*read, error) {
	addrHex := r.Header.Get(HeaderAddress)
	sigHex := r.Header.Get(HeaderSignature)
	tsStr := r.Header.Get(HeaderTimestamp)
	if addrHex == "" || sigHex == "" || tsStr == "" {
		return nil, apperr.New(apperr.KindUnauthorized, "missing signature headers")
	}
	addr, err := model.ParseAddress(addrHex)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindUnauthorized, err, "address header")
	}
	sig, err := hexutil.Decode(sigHex)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindUnauthorized, err, "signature header")
	}
	ts, err := strconv.ParseInt(tsStr, 10, 64)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindUnauthorized, err, "timestamp header")
	}

	args.NetworkID = s.networkOf(r)
	req, err := auth.NewRequest(action, args, ts)
	if err != nil {
		return nil, err
	}
	sr := auth.SignedRequest{Request: req, Address: addr, Signature: sig}
	if _, err := s.verifier.VerifyRead(sr); err != nil {
		return nil, err
	}
	adapter, err := s.hub.Get(args.NetworkID)
	if err != nil {
		return nil, err
	}
	return &read{caller: addr, adapter: adapter}, nil
}

// networkOf picks the network of a read: the header, the
// network_id query parameter, then the default.
func (s *Server) networkOf(r *http.Request) string {
	if n := r.Header.Get(HeaderNetwork); n != "" {
		return n
	}
	if n := r.URL.Query().Get("network_id"); n != "" {
		return n
	}
	return s.network
}
