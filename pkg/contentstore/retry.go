package contentstore

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/synergy-labs/envelope/pkg/retry"
)

// Retrying wraps a Store and retries Unavailable failures.
// NotFound and other definite answers return at once.
type Retrying struct {
	Store
	policy retry.Policy
	log    logrus.FieldLogger
}

func NewRetrying(s Store, p retry.Policy, log logrus.FieldLogger) *Retrying {
	return &Retrying{Store: s, policy: p, log: log}
}

func (r *Retrying) Put(ctx context.Context, data []byte) (string, error) {
	return retry.Do(ctx, r.policy, r.log, "content put", func() (string, error) {
		return r.Store.Put(ctx, data)
	})
}

func (r *Retrying) Get(ctx context.Context, contentID string) ([]byte, error) {
	return retry.Do(ctx, r.policy, r.log, "content get", func() ([]byte, error) {
		return r.Store.Get(ctx, contentID)
	})
}

func (r *Retrying) Unpin(ctx context.Context, contentID string) error {
	_, err := retry.Do(ctx, r.policy, r.log, "content unpin", func() (struct{}, error) {
		return struct{}{}, r.Store.Unpin(ctx, contentID)
	})
	return err
}
