// Package envelope composes the crypto primitives, the content store and the
// registry into the dataset protocols: publish, grant, revoke, rekey and
// fetch.
//
// The service runs client-side. It holds no keys of its own: every call takes
// the Principal it acts for, and content keys are unwrapped only by that
// principal. Off-chain preparation (encryption, upload, wrapping) always
// finishes before the single registry write that commits an operation, so a
// failed write leaves at most an unreferenced ciphertext behind.
package envelope

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/synergy-labs/envelope/pkg/apperr"
	"github.com/synergy-labs/envelope/pkg/auth"
	"github.com/synergy-labs/envelope/pkg/contentstore"
	"github.com/synergy-labs/envelope/pkg/model"
	"github.com/synergy-labs/envelope/pkg/registry"
	"github.com/synergy-labs/envelope/pkg/retry"
	"github.com/synergy-labs/envelope/pkg/sealcrypt"
)

// Principal is the capability a caller lends the service:
// it signs registry writes and unwraps its own content keys.
type Principal interface {
	auth.Signer
	PublicKey() []byte
	UnwrapKey(wrapped []byte) (sealcrypt.ContentKey, error)
}

// Registry is the registry surface the service uses.
// *registry.Adapter implements it against a ledger node and
// the gateway client implements it over HTTP.
type Registry interface {
	GetDataset(ctx context.Context, id string) (*model.Dataset, error)
	CheckAccess(ctx context.Context, id string, p model.Address) (model.AccessLevel, error)
	GetWrappedKey(ctx context.Context, id string, p model.Address) ([]byte, error)
	ListAccess(ctx context.Context, id string) ([]model.AccessEntry, error)
	GetPublicKey(ctx context.Context, p model.Address) ([]byte, error)

	RegisterDataset(ctx context.Context, s auth.Signer, args model.RegisterDatasetArgs) (*registry.Outcome, error)
	UpdateMetadata(ctx context.Context, s auth.Signer, args model.UpdateMetadataArgs) (*registry.Outcome, error)
	UpdateACL(ctx context.Context, s auth.Signer, args model.UpdateACLArgs) (*registry.Outcome, error)
	Grant(ctx context.Context, s auth.Signer, args model.GrantArgs) (*registry.Outcome, error)
	Revoke(ctx context.Context, s auth.Signer, args model.RevokeArgs) (*registry.Outcome, error)
	Rekey(ctx context.Context, s auth.Signer, args model.RekeyArgs) (*registry.Outcome, error)
	TransferOwner(ctx context.Context, s auth.Signer, args model.TransferOwnerArgs) (*registry.Outcome, error)
	Retire(ctx context.Context, s auth.Signer, args model.RetireArgs) (*registry.Outcome, error)
	RegisterKey(ctx context.Context, s auth.Signer, args model.RegisterKeyArgs) (*registry.Outcome, error)
}

var (
	_ Registry  = (*registry.Adapter)(nil)
	_ Principal = (*auth.KeySigner)(nil)
)

type Config struct {
	Retry retry.Policy
	// WrapConcurrency bounds parallel key wrapping.
	WrapConcurrency int
	// ReconcileTimeout bounds the re-read after a write
	// whose outcome is unknown.
	ReconcileTimeout time.Duration
	// RekeyAttempts bounds how often rekey re-reads the
	// access list when grants race with it.
	RekeyAttempts int
	Log           logrus.FieldLogger
}

func (c *Config) setDefaults() {
	if c.Retry == (retry.Policy{}) {
		c.Retry = retry.Default()
	}
	if c.WrapConcurrency <= 0 {
		c.WrapConcurrency = 8
	}
	if c.ReconcileTimeout <= 0 {
		c.ReconcileTimeout = 10 * time.Second
	}
	if c.RekeyAttempts <= 0 {
		c.RekeyAttempts = 3
	}
	if c.Log == nil {
		c.Log = logrus.StandardLogger()
	}
}

type Service struct {
	reg   Registry
	store contentstore.Store
	cfg   Config
	log   logrus.FieldLogger
}

func New(reg Registry, store contentstore.Store, cfg Config) *Service {
	cfg.setDefaults()
	return &Service{
		reg:   reg,
		store: store,
		cfg:   cfg,
		log:   cfg.Log.WithField("component", "envelope"),
	}
}

// read retries a registry or store read on Busy and
// Unavailable.
func read[T any](
	ctx context.Context,
	s *Service,
	op string,
	fn func() (T, error),
) (T, error) {
	return retry.Do(ctx, s.cfg.Retry, s.log, op, fn)
}

// submit runs one registry write. Transient rejections are
// retried; a write whose outcome is unknown is not resent
// but reconciled by re-reading state with landed.
func (s *Service) submit(
	ctx context.Context,
	op string,
	write func() (*registry.Outcome, error),
	landed func(ctx context.Context) (bool, error),
) (*registry.Outcome, error) {
	out, err := retry.Do(ctx, s.cfg.Retry, s.log, op, func() (*registry.Outcome, error) {
		out, err := write()
		if errors.Is(err, registry.ErrOutcomeUnknown) {
			return nil, retry.Stop(err)
		}
		return out, err
	})
	if err == nil || !errors.Is(err, registry.ErrOutcomeUnknown) || landed == nil {
		return out, err
	}

	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.ReconcileTimeout)
	defer cancel()
	ok, rerr := landed(rctx)
	if rerr != nil || !ok {
		s.log.WithFields(logrus.Fields{"op": op}).WithError(err).Warn("write outcome unknown")
		return nil, err
	}
	s.log.WithField("op", op).Info("write confirmed by re-read")
	return &registry.Outcome{Reconciled: true}, nil
}

// unpinOrphan releases ciphertext unless a dataset still
// carries its id. Failures are logged only.
func (s *Service) unpinOrphan(ctx context.Context, contentID string) {
	uctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.ReconcileTimeout)
	defer cancel()
	if _, err := s.reg.GetDataset(uctx, contentID); apperr.KindOf(err) != apperr.KindNotFound {
		return
	}
	if err := s.store.Unpin(uctx, contentID); err != nil {
		s.log.WithField("cid", contentID).WithError(err).Warn("unpin orphan ciphertext")
	}
}

func (s *Service) access(ctx context.Context, id string, p model.Address) (*model.Dataset, model.AccessLevel, error) {
	ds, err := read(ctx, s, "get dataset", func() (*model.Dataset, error) {
		return s.reg.GetDataset(ctx, id)
	})
	if err != nil {
		return nil, model.LevelNone, err
	}
	level, err := read(ctx, s, "check access", func() (model.AccessLevel, error) {
		return s.reg.CheckAccess(ctx, id, p)
	})
	if err != nil {
		return nil, model.LevelNone, err
	}
	return ds, level, nil
}

func orphanHint(contentID string) string {
	return "orphan content id " + contentID
}

func asBadRequest(err error, format string, args ...any) error {
	var ae *apperr.Error
	if errors.As(err, &ae) {
		return err
	}
	return apperr.Wrap(apperr.KindBadRequest, err, format, args...)
}
