// Package api holds the JSON-over-HTTP plumbing shared by
// the gateway and the ledger node: response writing, the
// error envelope, body decoding and graceful serving.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/synergy-labs/envelope/pkg/apperr"
)

// MaxBodySize bounds JSON request bodies.
const MaxBodySize = 16 << 20

// ErrorBody is the JSON shape of every error response.
type ErrorBody struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
	Hint  string `json:"hint,omitempty"`
}

func WriteJSON(w http.ResponseWriter, status int, payload any) { // A
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		logrus.WithError(err).Error("failed to encode response")
	}
}

// WriteError maps err to its status. Internal errors are
// logged and rendered without detail.
func WriteError(w http.ResponseWriter, log logrus.FieldLogger, err error) { // A
	kind := apperr.KindOf(err)
	body := ErrorBody{Kind: kind.String(), Hint: apperr.HintOf(err)}
	if kind == apperr.KindInternal {
		log.WithError(err).Error("internal error")
		body.Error = "internal error"
	} else {
		body.Error = err.Error()
	}
	WriteJSON(w, kind.HTTPStatus(), body)
}

// DecodeBody strictly decodes a JSON request body.
func DecodeBody(r *http.Request, dst any) error { // A
	dec := json.NewDecoder(io.LimitReader(r.Body, MaxBodySize))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return apperr.Wrap(apperr.KindBadRequest, err, "invalid request body")
	}
	return nil
}

// ResponseError rebuilds the typed error carried by a
// non-2xx response.
func ResponseError(resp *http.Response) error { // A
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	var body ErrorBody
	if err := json.Unmarshal(raw, &body); err != nil || body.Kind == "" {
		kind := apperr.KindInternal
		switch {
		case resp.StatusCode == http.StatusTooManyRequests:
			kind = apperr.KindBusy
		case resp.StatusCode >= 500:
			kind = apperr.KindUnavailable
		}
		return apperr.New(kind, "%s: %s", resp.Status, bytes.TrimSpace(raw))
	}
	e := apperr.New(apperr.ParseKind(body.Kind), "%s", body.Error)
	if body.Hint != "" {
		e = e.WithHint(body.Hint)
	}
	return e
}

// Do sends req and decodes a 2xx JSON body into dst. Transport
// failures are Unavailable.
func Do(client *http.Client, req *http.Request, dst any) error { // A
	resp, err := client.Do(req)
	if err != nil {
		if ctxErr := req.Context().Err(); ctxErr != nil {
			return apperr.Wrap(apperr.KindUnavailable, ctxErr, "%s %s", req.Method, req.URL.Path)
		}
		return apperr.Wrap(apperr.KindUnavailable, err, "%s %s", req.Method, req.URL.Path)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return ResponseError(resp)
	}
	if dst == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(dst); err != nil {
		return apperr.Wrap(apperr.KindUnavailable, err, "decode %s response", req.URL.Path)
	}
	return nil
}

// NewJSONRequest builds a request with a JSON body.
func NewJSONRequest(ctx context.Context, method, url string, body any) (*http.Request, error) { // A
	var rd io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode request: %w", err)
		}
		rd = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, rd)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	return req, nil
}

// Serve runs handler on addr until ctx is done, then shuts
// down gracefully.
func Serve(ctx context.Context, addr string, handler http.Handler, log logrus.FieldLogger) error { // HC
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		log.WithField("addr", addr).Info("listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
