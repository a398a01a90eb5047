// Package registry is the typed view over the dataset
// registry held by a ledger node. Reads go straight to the
// node; writes are signed, submitted and awaited until they
// are buried under the configured confirmation depth.
package registry

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/synergy-labs/envelope/pkg/apperr"
	"github.com/synergy-labs/envelope/pkg/auth"
	"github.com/synergy-labs/envelope/pkg/events"
	"github.com/synergy-labs/envelope/pkg/ledger"
	"github.com/synergy-labs/envelope/pkg/model"
)

// ErrOutcomeUnknown marks a write whose deadline expired
// after submission. The write may still land; callers
// reconcile by re-reading.
var ErrOutcomeUnknown = errors.New("registry: transaction outcome unknown")

// OutcomeUnknownHint is the hint carried by ErrOutcomeUnknown
// errors, so it survives a trip over HTTP.
const OutcomeUnknownHint = "re-read the dataset to learn whether the write landed"

// Chain is what the adapter needs from a ledger node.
// *ledger.Ledger and *ledger.Client implement it.
type Chain interface {
	SendTransaction(ctx context.Context, tx *ledger.Transaction) (common.Hash, error)
	Head(ctx context.Context) (uint64, error)
	Receipt(ctx context.Context, h common.Hash) (*model.Receipt, error)
	Dataset(ctx context.Context, id string) (*model.Dataset, error)
	Access(ctx context.Context, id string, p model.Address) (model.AccessLevel, error)
	AccessList(ctx context.Context, id string) ([]model.AccessEntry, error)
	WrappedKey(ctx context.Context, id string, p model.Address) ([]byte, error)
	DatasetsByOwner(ctx context.Context, owner model.Address) ([]string, error)
	PublicKey(ctx context.Context, p model.Address) ([]byte, error)
	ContentRefs(ctx context.Context, cid string) (*model.ContentRefs, error)
}

type Config struct {
	NetworkID     string
	Confirmations uint64
	PollInterval  time.Duration
	// WaitTimeout bounds the confirmation wait when the
	// caller's context has no deadline.
	WaitTimeout time.Duration
	WriteRate   rate.Limit
	WriteBurst  int
	// MaxLimiters caps the per-address limiters kept in
	// memory. Least recently used ones go first.
	MaxLimiters int
	// LimiterIdle drops a limiter that has not been used for
	// this long. It should exceed WriteBurst/WriteRate so a
	// dropped limiter would have refilled anyway.
	LimiterIdle time.Duration
	// Relayer, when set, co-signs every submitted
	// transaction.
	Relayer ledger.MessageSigner
	Log     logrus.FieldLogger
	Clock   auth.Clock
}

func (c *Config) setDefaults() {
	if c.PollInterval <= 0 {
		c.PollInterval = 250 * time.Millisecond
	}
	if c.WaitTimeout <= 0 {
		c.WaitTimeout = 2 * time.Minute
	}
	if c.WriteRate <= 0 {
		c.WriteRate = 5
	}
	if c.WriteBurst <= 0 {
		c.WriteBurst = 10
	}
	if c.MaxLimiters <= 0 {
		c.MaxLimiters = 10000
	}
	if c.LimiterIdle <= 0 {
		c.LimiterIdle = 10 * time.Minute
	}
	if c.Log == nil {
		c.Log = logrus.New()
	}
	if c.Clock == nil {
		c.Clock = auth.RealClock()
	}
}

// Outcome is a confirmed write.
type Outcome struct {
	TxHash      common.Hash    `json:"tx_hash"`
	BlockNumber uint64         `json:"block_number"`
	Events      []events.Event `json:"-"`
	Logs        []model.Log    `json:"events"`
	// Reconciled is set when the write's confirmation was
	// lost and a re-read showed it had landed.
	Reconciled bool `json:"reconciled,omitempty"`
}

// Adapter is bound to one network.
type Adapter struct {
	chain Chain
	cfg   Config
	log   logrus.FieldLogger

	mu       sync.Mutex
	limiters *expirable.LRU[model.Address, *rate.Limiter]
}

func New(chain Chain, cfg Config) *Adapter {
	cfg.setDefaults()
	return &Adapter{
		chain:    chain,
		cfg:      cfg,
		log:      cfg.Log.WithFields(logrus.Fields{"component": "registry", "network": cfg.NetworkID}),
		limiters: expirable.NewLRU[model.Address, *rate.Limiter](cfg.MaxLimiters, nil, cfg.LimiterIdle),
	}
}

func (a *Adapter) NetworkID() string { return a.cfg.NetworkID }

// GetDataset returns Gone for retired datasets.
func (a *Adapter) GetDataset(ctx context.Context, id string) (*model.Dataset, error) {
	ds, err := a.chain.Dataset(ctx, id)
	if err != nil {
		return nil, err
	}
	if ds.Retired {
		return nil, apperr.New(apperr.KindGone, "dataset %s is retired", id)
	}
	return ds, nil
}

func (a *Adapter) GetAccess(ctx context.Context, id string, p model.Address) (model.AccessLevel, error) {
	return a.chain.Access(ctx, id, p)
}

// CheckAccess is GetAccess, named for permission checks.
func (a *Adapter) CheckAccess(ctx context.Context, id string, p model.Address) (model.AccessLevel, error) {
	return a.GetAccess(ctx, id, p)
}

func (a *Adapter) GetDatasetsByOwner(ctx context.Context, owner model.Address) ([]string, error) {
	return a.chain.DatasetsByOwner(ctx, owner)
}

func (a *Adapter) GetWrappedKey(ctx context.Context, id string, p model.Address) ([]byte, error) {
	return a.chain.WrappedKey(ctx, id, p)
}

// ListAccess returns every principal with access, the
// owner included.
func (a *Adapter) ListAccess(ctx context.Context, id string) ([]model.AccessEntry, error) {
	return a.chain.AccessList(ctx, id)
}

func (a *Adapter) GetPublicKey(ctx context.Context, p model.Address) ([]byte, error) {
	return a.chain.PublicKey(ctx, p)
}

// ContentRefs lists the datasets that store cid now or
// replaced it in a rekey.
func (a *Adapter) ContentRefs(ctx context.Context, cid string) (*model.ContentRefs, error) {
	return a.chain.ContentRefs(ctx, cid)
}

func (a *Adapter) RegisterDataset(ctx context.Context, s auth.Signer, args model.RegisterDatasetArgs) (*Outcome, error) {
	args.NetworkID = a.cfg.NetworkID
	return a.write(ctx, s, model.ActionRegisterDataset, args)
}

func (a *Adapter) UpdateMetadata(ctx context.Context, s auth.Signer, args model.UpdateMetadataArgs) (*Outcome, error) {
	args.NetworkID = a.cfg.NetworkID
	return a.write(ctx, s, model.ActionUpdateMetadata, args)
}

func (a *Adapter) UpdateACL(ctx context.Context, s auth.Signer, args model.UpdateACLArgs) (*Outcome, error) {
	args.NetworkID = a.cfg.NetworkID
	return a.write(ctx, s, model.ActionUpdateACL, args)
}

// Grant stores the entry and, for encrypted datasets, the
// wrap in one transaction.
func (a *Adapter) Grant(ctx context.Context, s auth.Signer, args model.GrantArgs) (*Outcome, error) {
	args.NetworkID = a.cfg.NetworkID
	return a.write(ctx, s, model.ActionGrant, args)
}

func (a *Adapter) Revoke(ctx context.Context, s auth.Signer, args model.RevokeArgs) (*Outcome, error) {
	args.NetworkID = a.cfg.NetworkID
	return a.write(ctx, s, model.ActionRevoke, args)
}

func (a *Adapter) SetWrappedKey(ctx context.Context, s auth.Signer, args model.SetWrappedKeyArgs) (*Outcome, error) {
	args.NetworkID = a.cfg.NetworkID
	return a.write(ctx, s, model.ActionSetWrappedKey, args)
}

func (a *Adapter) Rekey(ctx context.Context, s auth.Signer, args model.RekeyArgs) (*Outcome, error) {
	args.NetworkID = a.cfg.NetworkID
	return a.write(ctx, s, model.ActionRekey, args)
}

func (a *Adapter) TransferOwner(ctx context.Context, s auth.Signer, args model.TransferOwnerArgs) (*Outcome, error) {
	args.NetworkID = a.cfg.NetworkID
	return a.write(ctx, s, model.ActionTransferOwner, args)
}

func (a *Adapter) Retire(ctx context.Context, s auth.Signer, args model.RetireArgs) (*Outcome, error) {
	args.NetworkID = a.cfg.NetworkID
	return a.write(ctx, s, model.ActionRetire, args)
}

func (a *Adapter) RegisterKey(ctx context.Context, s auth.Signer, args model.RegisterKeyArgs) (*Outcome, error) {
	args.NetworkID = a.cfg.NetworkID
	return a.write(ctx, s, model.ActionRegisterKey, args)
}

func (a *Adapter) write(ctx context.Context, s auth.Signer, action model.Action, args any) (*Outcome, error) {
	sr, err := auth.SignAction(s, action, args, a.cfg.Clock.Now())
	if err != nil {
		return nil, err
	}
	return a.Submit(ctx, sr)
}

func (a *Adapter) limiter(p model.Address) *rate.Limiter {
	a.mu.Lock()
	defer a.mu.Unlock()
	l, ok := a.limiters.Get(p)
	if !ok {
		l = rate.NewLimiter(a.cfg.WriteRate, a.cfg.WriteBurst)
	}
	// re-adding restarts the idle timer
	a.limiters.Add(p, l)
	return l
}

// Submit relays a request the principal already signed and
// waits for it to be confirmed. A failed transaction
// returns its typed error.
func (a *Adapter) Submit(ctx context.Context, sr auth.SignedRequest) (*Outcome, error) {
	if !a.limiter(sr.Address).Allow() {
		return nil, apperr.New(apperr.KindBusy, "too many writes from %s", model.FormatAddress(sr.Address)).
			WithHint("retry after a short delay")
	}

	tx := &ledger.Transaction{Request: sr}
	if a.cfg.Relayer != nil {
		if err := tx.CoSign(a.cfg.Relayer); err != nil {
			return nil, apperr.Wrap(apperr.KindInternal, err, "relayer co-sign")
		}
	}
	h, err := a.chain.SendTransaction(ctx, tx)
	if err != nil {
		return nil, err
	}
	log := a.log.WithFields(logrus.Fields{"tx": h.Hex(), "action": sr.Action})
	log.Debug("transaction submitted")

	receipt, err := a.waitConfirmed(ctx, h)
	if err != nil {
		return nil, err
	}
	if receipt.Status != model.ReceiptSuccess {
		log.WithField("kind", receipt.ErrorKind).Info("transaction failed")
		return nil, receipt.Err()
	}
	evs, err := events.DecodeAll(receipt.Logs)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, err, "decode events of %s", h.Hex())
	}
	log.WithField("block", receipt.BlockNumber).Debug("transaction confirmed")
	return &Outcome{TxHash: h, BlockNumber: receipt.BlockNumber, Events: evs, Logs: receipt.Logs}, nil
}

// waitConfirmed polls until h is included and the head is
// Confirmations blocks past it.
func (a *Adapter) waitConfirmed(ctx context.Context, h common.Hash) (*model.Receipt, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.cfg.WaitTimeout)
		defer cancel()
	}
	ticker := time.NewTicker(a.cfg.PollInterval)
	defer ticker.Stop()

	var receipt *model.Receipt
	for {
		if receipt == nil {
			r, err := a.chain.Receipt(ctx, h)
			switch {
			case err == nil:
				receipt = r
			case apperr.KindOf(err) == apperr.KindNotFound, apperr.IsRetryable(err):
			default:
				return nil, err
			}
		}
		if receipt != nil {
			head, err := a.chain.Head(ctx)
			if err != nil && !apperr.IsRetryable(err) {
				return nil, err
			}
			if err == nil && head >= receipt.BlockNumber+a.cfg.Confirmations {
				return receipt, nil
			}
		}

		select {
		case <-ctx.Done():
			return nil, apperr.Wrap(apperr.KindUnavailable, ErrOutcomeUnknown, "waiting for %s", h.Hex()).
				WithHint(OutcomeUnknownHint)
		case <-ticker.C:
		}
	}
}
