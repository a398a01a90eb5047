package gateway

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/synergy-labs/envelope/internal/api"
	"github.com/synergy-labs/envelope/pkg/apperr"
	"github.com/synergy-labs/envelope/pkg/auth"
	"github.com/synergy-labs/envelope/pkg/contentstore"
	"github.com/synergy-labs/envelope/pkg/events"
	"github.com/synergy-labs/envelope/pkg/model"
	"github.com/synergy-labs/envelope/pkg/registry"
	"github.com/synergy-labs/envelope/pkg/sealcrypt"
)

var _ contentstore.Store = (*Client)(nil)

// Client talks to a gateway on behalf of one principal. It
// serves as both the registry and the content store of an
// envelope service. Reads are signed by the principal the
// client was built for; writes are signed by whichever
// signer the call names.
type Client struct {
	base    string
	network string
	reader  auth.Signer
	http    *http.Client
	clock   auth.Clock
	log     logrus.FieldLogger

	mu        sync.Mutex
	lastWrite int64

	// datasets remembers which dataset a content id was
	// last seen in, so content requests can name it.
	datasets sync.Map
}

type ClientOption func(*Client)

func WithHTTPClient(h *http.Client) ClientOption { // HC
	return func(c *Client) {
		if h != nil {
			c.http = h
		}
	}
}

func WithClock(clock auth.Clock) ClientOption { // HC
	return func(c *Client) {
		if clock != nil {
			c.clock = clock
		}
	}
}

func WithClientLogger(log logrus.FieldLogger) ClientOption { // HC
	return func(c *Client) {
		if log != nil {
			c.log = log
		}
	}
}

func NewClient(baseURL, networkID string, reader auth.Signer, opts ...ClientOption) *Client { // A
	c := &Client{
		base:    baseURL,
		network: networkID,
		reader:  reader,
		http:    &http.Client{},
		clock:   auth.RealClock(),
		log:     logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) NetworkID() string { return c.network }

func (c *Client) url(path string, query url.Values) string {
	if len(query) == 0 {
		return c.base + path
	}
	return c.base + path + "?" + query.Encode()
}

// signedRead builds a GET-style request signed by the
// client's principal.
func (c *Client) signedRead(
	ctx context.Context,
	method, path string,
	query url.Values,
	action model.Action,
	args model.ReadArgs,
	body io.Reader,
) (*http.Request, error) {
	args.NetworkID = c.network
	sr, err := auth.SignAction(c.reader, action, args, c.clock.Now())
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, method, c.url(path, query), body)
	if err != nil {
		return nil, err
	}
	SignReadHeaders(req.Header, sr, c.network)
	return req, nil
}

func (c *Client) get(ctx context.Context, path string, dst any) error {
	req, err := api.NewJSONRequest(ctx, http.MethodGet, c.url(path, url.Values{"network_id": {c.network}}), nil)
	if err != nil {
		return err
	}
	return api.Do(c.http, req, dst)
}

func (c *Client) GetDataset(ctx context.Context, id string) (*model.Dataset, error) {
	resp, err := c.dataset(ctx, id)
	if err != nil {
		return nil, err
	}
	return resp.Dataset, nil
}

func (c *Client) dataset(ctx context.Context, id string) (*datasetResponse, error) {
	req, err := c.signedRead(ctx, http.MethodGet, "/dataset/"+url.PathEscape(id), nil,
		model.ActionGetDataset, model.ReadArgs{DatasetID: id}, nil)
	if err != nil {
		return nil, err
	}
	var resp datasetResponse
	if err := api.Do(c.http, req, &resp); err != nil {
		return nil, fmt.Errorf("get dataset %s: %w", id, err)
	}
	if resp.Dataset == nil {
		return nil, apperr.New(apperr.KindUnavailable, "gateway returned no dataset for %s", id)
	}
	c.datasets.Store(resp.Dataset.ContentID, id)
	return &resp, nil
}

func (c *Client) CheckAccess(ctx context.Context, id string, p model.Address) (model.AccessLevel, error) {
	var resp levelResponse
	path := "/dataset/" + url.PathEscape(id) + "/access/" + model.FormatAddress(p)
	if err := c.get(ctx, path, &resp); err != nil {
		return model.LevelNone, fmt.Errorf("check access: %w", err)
	}
	return resp.Level, nil
}

// GetWrappedKey returns p's wrapped content key. The gateway
// only ever hands a principal its own key, so asking for
// anyone else's is refused here.
func (c *Client) GetWrappedKey(ctx context.Context, id string, p model.Address) ([]byte, error) {
	if p != c.reader.Address() {
		return nil, apperr.New(apperr.KindForbidden, "only %s's own wrapped key can be fetched", model.FormatAddress(p))
	}
	req, err := c.signedRead(ctx, http.MethodGet, "/dataset/"+url.PathEscape(id)+"/key", nil,
		model.ActionGetKey, model.ReadArgs{DatasetID: id}, nil)
	if err != nil {
		return nil, err
	}
	var resp wrappedKeyResponse
	if err := api.Do(c.http, req, &resp); err != nil {
		return nil, fmt.Errorf("get wrapped key: %w", err)
	}
	return resp.WrappedKey, nil
}

func (c *Client) ListAccess(ctx context.Context, id string) ([]model.AccessEntry, error) {
	req, err := c.signedRead(ctx, http.MethodGet, "/dataset/"+url.PathEscape(id)+"/access", nil,
		model.ActionListAccess, model.ReadArgs{DatasetID: id}, nil)
	if err != nil {
		return nil, err
	}
	var resp accessListResponse
	if err := api.Do(c.http, req, &resp); err != nil {
		return nil, fmt.Errorf("list access: %w", err)
	}
	return resp.Entries, nil
}

func (c *Client) GetPublicKey(ctx context.Context, p model.Address) ([]byte, error) {
	var resp publicKeyResponse
	if err := c.get(ctx, "/principal/"+model.FormatAddress(p)+"/key", &resp); err != nil {
		return nil, fmt.Errorf("get public key: %w", err)
	}
	return resp.PublicKey, nil
}

func (c *Client) GetDatasetsByOwner(ctx context.Context, owner model.Address) ([]string, error) {
	var resp datasetsResponse
	if err := c.get(ctx, "/principal/"+model.FormatAddress(owner)+"/datasets", &resp); err != nil {
		return nil, fmt.Errorf("datasets by owner: %w", err)
	}
	return resp.DatasetIDs, nil
}

// writeTime returns a timestamp later than any write this
// client signed before. The gateway refuses a repeated
// signature, and a retry inside the same second would
// otherwise repeat one.
func (c *Client) writeTime() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	ts := auth.Timestamp(c.clock.Now())
	if ts <= c.lastWrite {
		ts = c.lastWrite + 1
	}
	c.lastWrite = ts
	return time.Unix(ts, 0)
}

// write signs args as action and relays them. An outcome the
// gateway could not confirm comes back as ErrOutcomeUnknown.
func (c *Client) write(
	ctx context.Context,
	s auth.Signer,
	method, path, operation string,
	action model.Action,
	args any,
) (*registry.Outcome, error) {
	sr, err := auth.SignAction(s, action, args, c.writeTime())
	if err != nil {
		return nil, err
	}
	body := BodyFor(sr, c.network)
	body.Operation = operation
	req, err := api.NewJSONRequest(ctx, method, c.url(path, nil), body)
	if err != nil {
		return nil, err
	}

	var resp writeResponse
	if err := api.Do(c.http, req, &resp); err != nil {
		if apperr.HintOf(err) == registry.OutcomeUnknownHint {
			return nil, apperr.Wrap(apperr.KindUnavailable, registry.ErrOutcomeUnknown, "%s", err.Error()).
				WithHint(registry.OutcomeUnknownHint)
		}
		return nil, err
	}
	if resp.Outcome == nil {
		return nil, apperr.New(apperr.KindUnavailable, "gateway returned no outcome for %s", action)
	}
	evs, err := events.DecodeAll(resp.Logs)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindUnavailable, err, "decode events of %s", resp.TxHash.Hex())
	}
	resp.Events = evs
	c.log.WithFields(logrus.Fields{"action": action, "tx": resp.TxHash.Hex()}).Debug("write confirmed")
	return resp.Outcome, nil
}

func datasetPath(id, suffix string) string {
	return "/dataset/" + url.PathEscape(id) + suffix
}

func (c *Client) RegisterDataset(ctx context.Context, s auth.Signer, args model.RegisterDatasetArgs) (*registry.Outcome, error) {
	args.NetworkID = c.network
	return c.write(ctx, s, http.MethodPost, "/dataset", "", model.ActionRegisterDataset, args)
}

func (c *Client) UpdateMetadata(ctx context.Context, s auth.Signer, args model.UpdateMetadataArgs) (*registry.Outcome, error) {
	args.NetworkID = c.network
	return c.write(ctx, s, http.MethodPut, datasetPath(args.DatasetID, "/metadata"), "", model.ActionUpdateMetadata, args)
}

func (c *Client) UpdateACL(ctx context.Context, s auth.Signer, args model.UpdateACLArgs) (*registry.Outcome, error) {
	args.NetworkID = c.network
	return c.write(ctx, s, http.MethodPost, datasetPath(args.DatasetID, "/access"), OperationUpdate, model.ActionUpdateACL, args)
}

func (c *Client) Grant(ctx context.Context, s auth.Signer, args model.GrantArgs) (*registry.Outcome, error) {
	args.NetworkID = c.network
	return c.write(ctx, s, http.MethodPost, datasetPath(args.DatasetID, "/access"), OperationGrant, model.ActionGrant, args)
}

func (c *Client) Revoke(ctx context.Context, s auth.Signer, args model.RevokeArgs) (*registry.Outcome, error) {
	args.NetworkID = c.network
	return c.write(ctx, s, http.MethodPost, datasetPath(args.DatasetID, "/access"), OperationRevoke, model.ActionRevoke, args)
}

func (c *Client) SetWrappedKey(ctx context.Context, s auth.Signer, args model.SetWrappedKeyArgs) (*registry.Outcome, error) {
	args.NetworkID = c.network
	return c.write(ctx, s, http.MethodPost, datasetPath(args.DatasetID, "/access"), OperationSetKey, model.ActionSetWrappedKey, args)
}

func (c *Client) Rekey(ctx context.Context, s auth.Signer, args model.RekeyArgs) (*registry.Outcome, error) {
	args.NetworkID = c.network
	return c.write(ctx, s, http.MethodPost, datasetPath(args.DatasetID, "/rekey"), "", model.ActionRekey, args)
}

func (c *Client) TransferOwner(ctx context.Context, s auth.Signer, args model.TransferOwnerArgs) (*registry.Outcome, error) {
	args.NetworkID = c.network
	return c.write(ctx, s, http.MethodPost, datasetPath(args.DatasetID, "/owner"), "", model.ActionTransferOwner, args)
}

func (c *Client) Retire(ctx context.Context, s auth.Signer, args model.RetireArgs) (*registry.Outcome, error) {
	args.NetworkID = c.network
	return c.write(ctx, s, http.MethodPost, datasetPath(args.DatasetID, "/retire"), "", model.ActionRetire, args)
}

func (c *Client) RegisterKey(ctx context.Context, s auth.Signer, args model.RegisterKeyArgs) (*registry.Outcome, error) {
	args.NetworkID = c.network
	return c.write(ctx, s, http.MethodPost, "/principal/key", "", model.ActionRegisterKey, args)
}

// Put uploads a ciphertext and returns its content id.
func (c *Client) Put(ctx context.Context, data []byte) (string, error) {
	if len(data) > contentstore.MaxObjectSize {
		return "", apperr.New(apperr.KindBadRequest, "object exceeds %d bytes", contentstore.MaxObjectSize)
	}
	id := sealcrypt.Hash(data)
	req, err := c.signedRead(ctx, http.MethodPost, "/content", nil,
		model.ActionPutContent, model.ReadArgs{ContentID: id}, bytes.NewReader(data))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	var resp contentResponse
	if err := api.Do(c.http, req, &resp); err != nil {
		return "", fmt.Errorf("put content: %w", err)
	}
	if resp.ContentID != id {
		return "", apperr.New(apperr.KindUnavailable, "gateway stored %s as %s", id, resp.ContentID)
	}
	return id, nil
}

// Get downloads cid as the dataset it was last seen in and
// checks it against its hash.
func (c *Client) Get(ctx context.Context, cid string) ([]byte, error) {
	id := cid
	if v, ok := c.datasets.Load(cid); ok {
		id = v.(string)
	}
	req, err := c.signedRead(ctx, http.MethodGet, "/content/"+url.PathEscape(cid),
		url.Values{"dataset": {id}}, model.ActionGetContent, model.ReadArgs{ContentID: cid, DatasetID: id}, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindUnavailable, err, "get content %s", cid)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("get content %s: %w", cid, api.ResponseError(resp))
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, contentstore.MaxObjectSize+1))
	if err != nil {
		return nil, apperr.Wrap(apperr.KindUnavailable, err, "read content %s", cid)
	}
	if got := sealcrypt.Hash(data); got != cid {
		return nil, apperr.New(apperr.KindUnavailable, "content %s arrived with hash %s", cid, got)
	}
	return data, nil
}

// Unpin releases cid. A ciphertext a dataset moved away from
// is released through that dataset.
func (c *Client) Unpin(ctx context.Context, cid string) error {
	var query url.Values
	id := ""
	if v, ok := c.datasets.Load(cid); ok {
		id = v.(string)
		query = url.Values{"dataset": {id}}
	}
	req, err := c.signedRead(ctx, http.MethodDelete, "/content/"+url.PathEscape(cid), query,
		model.ActionUnpinContent, model.ReadArgs{ContentID: cid, DatasetID: id}, nil)
	if err != nil {
		return err
	}
	if err := api.Do(c.http, req, nil); err != nil {
		return fmt.Errorf("unpin %s: %w", cid, err)
	}
	c.datasets.Delete(cid)
	return nil
}
