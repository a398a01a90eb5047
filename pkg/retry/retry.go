// Package retry runs operations that fail with retryable
// apperr kinds under an exponential backoff.
package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/sirupsen/logrus"

	"github.com/synergy-labs/envelope/pkg/apperr"
)

// Policy bounds the exponential backoff.
type Policy struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	MaxTries        uint
	MaxElapsed      time.Duration
}

// Default gives up after five attempts or 30s.
func Default() Policy {
	return Policy{
		InitialInterval: 100 * time.Millisecond,
		MaxInterval:     5 * time.Second,
		MaxTries:        5,
		MaxElapsed:      30 * time.Second,
	}
}

func (p Policy) options(log logrus.FieldLogger, op string) []backoff.RetryOption {
	b := backoff.NewExponentialBackOff()
	if p.InitialInterval > 0 {
		b.InitialInterval = p.InitialInterval
	}
	if p.MaxInterval > 0 {
		b.MaxInterval = p.MaxInterval
	}
	opts := []backoff.RetryOption{
		backoff.WithBackOff(b),
		backoff.WithNotify(func(err error, next time.Duration) {
			log.WithFields(logrus.Fields{"op": op, "retry_in": next}).WithError(err).Debug("retrying")
		}),
	}
	if p.MaxTries > 0 {
		opts = append(opts, backoff.WithMaxTries(p.MaxTries))
	}
	if p.MaxElapsed > 0 {
		opts = append(opts, backoff.WithMaxElapsedTime(p.MaxElapsed))
	}
	return opts
}

// Do runs fn until it succeeds, fails with a kind that is
// not retryable, or the policy runs out.
func Do[T any](
	ctx context.Context,
	p Policy,
	log logrus.FieldLogger,
	op string,
	fn func() (T, error),
) (T, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}
	v, err := backoff.Retry(ctx, func() (T, error) {
		v, err := fn()
		if err != nil && !apperr.IsRetryable(err) {
			return v, backoff.Permanent(err)
		}
		return v, err
	}, p.options(log, op)...)
	if err != nil && apperr.KindOf(err) == apperr.KindInternal && ctx.Err() != nil {
		return v, apperr.Wrap(apperr.KindUnavailable, err, "%s", op)
	}
	return v, err
}

// Stop marks err as final so Do returns it without
// another attempt, whatever its kind.
func Stop(err error) error {
	if err == nil {
		return nil
	}
	return backoff.Permanent(err)
}
