package ledger

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/synergy-labs/envelope/internal/api"
	"github.com/synergy-labs/envelope/pkg/model"
)

// Client talks to a ledger node's HTTP server. It offers the
// same read and write methods as *Ledger.
type Client struct {
	base string
	http *http.Client
}

func NewClient(rpcURL string, hc *http.Client) *Client { // A
	if hc == nil {
		hc = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{base: strings.TrimRight(rpcURL, "/"), http: hc}
}

func (c *Client) get(ctx context.Context, dst any, format string, args ...any) error {
	req, err := api.NewJSONRequest(ctx, http.MethodGet, c.base+fmt.Sprintf(format, args...), nil)
	if err != nil {
		return err
	}
	return api.Do(c.http, req, dst)
}

func seg(s string) string { return url.PathEscape(s) }

func addr(a model.Address) string { return model.FormatAddress(a) }

func (c *Client) SendTransaction(ctx context.Context, tx *Transaction) (common.Hash, error) {
	req, err := api.NewJSONRequest(ctx, http.MethodPost, c.base+"/tx", tx)
	if err != nil {
		return common.Hash{}, err
	}
	var resp sendResponse
	if err := api.Do(c.http, req, &resp); err != nil {
		return common.Hash{}, err
	}
	return resp.TxHash, nil
}

func (c *Client) Head(ctx context.Context) (uint64, error) {
	var resp headResponse
	err := c.get(ctx, &resp, "/head")
	return resp.Number, err
}

func (c *Client) Receipt(ctx context.Context, h common.Hash) (*model.Receipt, error) {
	var r model.Receipt
	if err := c.get(ctx, &r, "/tx/%s/receipt", h.Hex()); err != nil {
		return nil, err
	}
	return &r, nil
}

func (c *Client) Transaction(ctx context.Context, h common.Hash) (*Transaction, error) {
	var tx Transaction
	if err := c.get(ctx, &tx, "/tx/%s", h.Hex()); err != nil {
		return nil, err
	}
	return &tx, nil
}

func (c *Client) Block(ctx context.Context, n uint64) (*model.Block, error) {
	var b model.Block
	if err := c.get(ctx, &b, "/block/%d", n); err != nil {
		return nil, err
	}
	return &b, nil
}

func (c *Client) Dataset(ctx context.Context, id string) (*model.Dataset, error) {
	var ds model.Dataset
	if err := c.get(ctx, &ds, "/dataset/%s", seg(id)); err != nil {
		return nil, err
	}
	return &ds, nil
}

func (c *Client) Access(ctx context.Context, id string, p model.Address) (model.AccessLevel, error) {
	var resp levelResponse
	err := c.get(ctx, &resp, "/dataset/%s/access/%s", seg(id), addr(p))
	return resp.Level, err
}

func (c *Client) AccessList(ctx context.Context, id string) ([]model.AccessEntry, error) {
	var entries []model.AccessEntry
	err := c.get(ctx, &entries, "/dataset/%s/access", seg(id))
	return entries, err
}

func (c *Client) WrappedKey(ctx context.Context, id string, p model.Address) ([]byte, error) {
	var resp wrappedKeyResponse
	err := c.get(ctx, &resp, "/dataset/%s/key/%s", seg(id), addr(p))
	return resp.WrappedKey, err
}

func (c *Client) DatasetsByOwner(ctx context.Context, owner model.Address) ([]string, error) {
	var resp datasetsResponse
	err := c.get(ctx, &resp, "/owner/%s/datasets", addr(owner))
	return resp.DatasetIDs, err
}

func (c *Client) PublicKey(ctx context.Context, p model.Address) ([]byte, error) {
	var resp publicKeyResponse
	err := c.get(ctx, &resp, "/pubkey/%s", addr(p))
	return resp.PublicKey, err
}

func (c *Client) ContentRefs(ctx context.Context, cid string) (*model.ContentRefs, error) {
	var refs model.ContentRefs
	if err := c.get(ctx, &refs, "/content/%s/refs", seg(cid)); err != nil {
		return nil, err
	}
	return &refs, nil
}
