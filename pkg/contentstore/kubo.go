package contentstore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/synergy-labs/envelope/pkg/apperr"
	"github.com/synergy-labs/envelope/pkg/sealcrypt"
)

// Kubo talks to an IPFS node over its RPC API. Blocks are
// stored with the raw codec and sha2-256 so the node's CID
// equals the local content id of the same bytes.
type Kubo struct {
	base string
	http *http.Client
	log  logrus.FieldLogger
}

type KuboOption func(*Kubo)

func WithKuboHTTPClient(hc *http.Client) KuboOption {
	return func(k *Kubo) { k.http = hc }
}

func WithKuboLogger(log logrus.FieldLogger) KuboOption {
	return func(k *Kubo) { k.log = log }
}

// NewKubo returns a store for the RPC endpoint at baseURL,
// e.g. http://127.0.0.1:5001.
func NewKubo(baseURL string, opts ...KuboOption) *Kubo {
	k := &Kubo{
		base: strings.TrimRight(baseURL, "/"),
		http: &http.Client{Timeout: 2 * time.Minute},
		log:  logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(k)
	}
	return k
}

// kuboError is the body Kubo sends with a failed call.
type kuboError struct {
	Message string
	Code    int
	Type    string
}

type blockPutResponse struct {
	Key  string
	Size int
}

func (k *Kubo) call(
	ctx context.Context,
	cmd string,
	query url.Values,
	body io.Reader,
	contentType string,
) (*http.Response, error) {
	u := k.base + "/api/v0/" + cmd
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, body)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, err, "kubo %s", cmd)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := k.http.Do(req)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindUnavailable, err, "kubo %s", cmd)
	}
	if resp.StatusCode == http.StatusOK {
		return resp, nil
	}
	defer resp.Body.Close()
	var ke kuboError
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if json.Unmarshal(raw, &ke) != nil || ke.Message == "" {
		ke.Message = strings.TrimSpace(string(raw))
	}
	return nil, &kuboCallError{cmd: cmd, status: resp.StatusCode, msg: ke.Message}
}

type kuboCallError struct {
	cmd    string
	status int
	msg    string
}

func (e *kuboCallError) Error() string {
	return fmt.Sprintf("kubo %s: %d %s", e.cmd, e.status, e.msg)
}

func (k *Kubo) Put(ctx context.Context, data []byte) (string, error) {
	if len(data) > MaxObjectSize {
		return "", apperr.New(apperr.KindBadRequest, "object of %d bytes exceeds limit", len(data))
	}
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", "data")
	if err != nil {
		return "", apperr.Wrap(apperr.KindInternal, err, "kubo put")
	}
	if _, err := part.Write(data); err != nil {
		return "", apperr.Wrap(apperr.KindInternal, err, "kubo put")
	}
	if err := mw.Close(); err != nil {
		return "", apperr.Wrap(apperr.KindInternal, err, "kubo put")
	}

	q := url.Values{}
	q.Set("cid-codec", "raw")
	q.Set("mhtype", "sha2-256")
	q.Set("pin", "true")
	// Kubo refuses blocks over 1 MiB without this. Objects
	// are stored as one raw block so the CID stays the
	// plain sha2-256 content id.
	q.Set("allow-big-block", "true")
	resp, err := k.call(ctx, "block/put", q, &buf, mw.FormDataContentType())
	if err != nil {
		return "", asUnavailable(err)
	}
	defer resp.Body.Close()

	var out blockPutResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", apperr.Wrap(apperr.KindUnavailable, err, "kubo put: decode response")
	}
	want := sealcrypt.Hash(data)
	got, err := sealcrypt.ParseContentID(out.Key)
	if err != nil || got != want {
		return "", apperr.New(apperr.KindInternal, "kubo put returned %q, want %s", out.Key, want)
	}
	k.log.WithFields(logrus.Fields{"cid": want, "size": len(data)}).Debug("pinned block")
	return want, nil
}

func (k *Kubo) Get(ctx context.Context, contentID string) ([]byte, error) {
	if err := checkID(contentID); err != nil {
		return nil, err
	}
	resp, err := k.call(ctx, "block/get", url.Values{"arg": {contentID}}, nil, "")
	if err != nil {
		var ce *kuboCallError
		if errors.As(err, &ce) && strings.Contains(strings.ToLower(ce.msg), "not found") {
			return nil, apperr.New(apperr.KindNotFound, "content %s not found", contentID)
		}
		return nil, asUnavailable(err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, MaxObjectSize+1))
	if err != nil {
		return nil, apperr.Wrap(apperr.KindUnavailable, err, "kubo get %s", contentID)
	}
	if err := verify(contentID, data); err != nil {
		return nil, err
	}
	return data, nil
}

func (k *Kubo) Unpin(ctx context.Context, contentID string) error {
	if err := checkID(contentID); err != nil {
		return err
	}
	resp, err := k.call(ctx, "pin/rm", url.Values{"arg": {contentID}}, nil, "")
	if err != nil {
		var ce *kuboCallError
		if errors.As(err, &ce) && strings.Contains(ce.msg, "not pinned") {
			return nil
		}
		return asUnavailable(err)
	}
	resp.Body.Close()
	return nil
}

// asUnavailable leaves typed errors alone and makes node
// side failures transient.
func asUnavailable(err error) error {
	var ce *kuboCallError
	if errors.As(err, &ce) {
		return apperr.Wrap(apperr.KindUnavailable, ce, "content store")
	}
	return err
}
