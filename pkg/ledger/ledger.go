// Package ledger is the registry's source of truth: a
// single node that orders principal-signed transactions
// into blocks and applies the dataset contract to a
// key-value state.
package ledger

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/sirupsen/logrus"

	"github.com/synergy-labs/envelope/pkg/apperr"
	"github.com/synergy-labs/envelope/pkg/auth"
	"github.com/synergy-labs/envelope/pkg/keyValStore"
	"github.com/synergy-labs/envelope/pkg/model"
	"github.com/synergy-labs/envelope/pkg/sealcrypt"
)

// DefaultTimestampWindow matches the gateway's replay window.
const DefaultTimestampWindow = 120 * time.Second

type Config struct {
	NetworkID     string
	BlockInterval time.Duration
	MaxPending    int
	// Relayers, when set, restricts which relayers may
	// co-sign transactions.
	Relayers []model.Address
	// TimestampWindow is how far a transaction's signed
	// timestamp may sit from the ledger clock.
	TimestampWindow time.Duration
	Log             logrus.FieldLogger
	Clock           auth.Clock
}

func (c *Config) setDefaults() {
	if c.BlockInterval <= 0 {
		c.BlockInterval = time.Second
	}
	if c.MaxPending <= 0 {
		c.MaxPending = 1024
	}
	if c.TimestampWindow <= 0 {
		c.TimestampWindow = DefaultTimestampWindow
	}
	if c.Log == nil {
		c.Log = logrus.New()
	}
	if c.Clock == nil {
		c.Clock = auth.RealClock()
	}
}

// Ledger orders and applies transactions.
type Ledger struct {
	kv       keyValStore.KV
	cfg      Config
	log      logrus.FieldLogger
	relayers map[model.Address]struct{}

	mu      sync.Mutex // serializes mining and admission
	pending []pendingTx
	queued  map[common.Hash]struct{}
}

type pendingTx struct {
	hash   common.Hash
	tx     *Transaction
	sender model.Address
	pub    *ecdsa.PublicKey
	args   any
}

var errDiscard = errors.New("discard")

func New(kv keyValStore.KV, cfg Config) *Ledger {
	cfg.setDefaults()
	relayers := make(map[model.Address]struct{}, len(cfg.Relayers))
	for _, r := range cfg.Relayers {
		relayers[r] = struct{}{}
	}
	return &Ledger{
		kv:       kv,
		cfg:      cfg,
		log:      cfg.Log.WithField("component", "ledger"),
		relayers: relayers,
		queued:   make(map[common.Hash]struct{}),
	}
}

// NetworkID returns the network this ledger serves.
func (l *Ledger) NetworkID() string { return l.cfg.NetworkID }

// SendTransaction verifies tx, simulates it against the
// current state plus everything already queued, and
// queues it for the next block. Resubmitting a known
// transaction inside the timestamp window returns its hash
// without queueing it again; outside the window it is
// refused as stale.
func (l *Ledger) SendTransaction(_ context.Context, tx *Transaction) (common.Hash, error) {
	if tx == nil {
		return common.Hash{}, apperr.New(apperr.KindBadRequest, "empty transaction")
	}
	if !tx.Request.Action.IsWrite() {
		return common.Hash{}, apperr.New(apperr.KindBadRequest, "%s is not a ledger write", tx.Request.Action)
	}
	if err := l.checkTimestamp(tx.Request.Timestamp); err != nil {
		return common.Hash{}, err
	}
	pub, err := auth.VerifyRequest(tx.Request)
	if err != nil {
		return common.Hash{}, err
	}
	h, err := tx.Hash()
	if err != nil {
		return common.Hash{}, err
	}
	if err := tx.verifyRelayer(h, l.relayers); err != nil {
		return common.Hash{}, err
	}
	args, err := model.DecodeArgs(tx.Request.Action, tx.Request.Args)
	if err != nil {
		return common.Hash{}, err
	}
	target, err := model.TargetOf(tx.Request.Args)
	if err != nil {
		return common.Hash{}, err
	}
	if target.NetworkID != l.cfg.NetworkID {
		return common.Hash{}, apperr.New(apperr.KindBadRequest,
			"transaction for network %q sent to %q", target.NetworkID, l.cfg.NetworkID)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.queued[h]; ok {
		return h, nil
	}
	known, err := l.hasReceipt(h)
	if err != nil {
		return common.Hash{}, err
	}
	if known {
		return h, nil
	}
	if len(l.pending) >= l.cfg.MaxPending {
		return common.Hash{}, apperr.New(apperr.KindBusy, "transaction pool full")
	}

	ptx := pendingTx{hash: h, tx: tx, sender: tx.Request.Address, pub: pub, args: args}
	if err := l.simulate(ptx); err != nil {
		return common.Hash{}, err
	}
	l.pending = append(l.pending, ptx)
	l.queued[h] = struct{}{}
	l.log.WithFields(logrus.Fields{
		"tx":     h.Hex(),
		"action": tx.Request.Action,
		"sender": model.FormatAddress(ptx.sender),
	}).Debug("transaction queued")
	return h, nil
}

func (l *Ledger) checkTimestamp(ts int64) error {
	now := auth.Timestamp(l.cfg.Clock.Now())
	skew := now - ts
	if skew < 0 {
		skew = -skew
	}
	if skew > int64(l.cfg.TimestampWindow/time.Second) {
		return apperr.Wrap(apperr.KindUnauthorized, auth.ErrStale, "timestamp %d, ledger time %d", ts, now)
	}
	return nil
}

func (l *Ledger) hasReceipt(h common.Hash) (bool, error) {
	var ok bool
	err := l.kv.View(func(txn keyValStore.Txn) error {
		var err error
		_, ok, err = state{txn: txn}.receipt(h)
		return err
	})
	return ok, err
}

// simulate applies the queue and then ptx in a
// transaction that is always discarded. Must be called
// with mu held.
func (l *Ledger) simulate(ptx pendingTx) error {
	now := l.cfg.Clock.Now().Unix()
	var result error
	err := l.kv.Update(func(txn keyValStore.Txn) error {
		for _, p := range l.pending {
			ov := keyValStore.NewOverlay(txn)
			if _, err := apply(ov, p.sender, p.tx.Request.Action, p.args, now); err == nil {
				if err := ov.Flush(); err != nil {
					return err
				}
			}
		}
		_, result = apply(keyValStore.NewOverlay(txn), ptx.sender, ptx.tx.Request.Action, ptx.args, now)
		return errDiscard
	})
	if err != nil && !errors.Is(err, errDiscard) {
		return err
	}
	return result
}

// Start mines a block every BlockInterval until ctx is
// done. Blocks are mined even when empty so that
// confirmation depth keeps growing.
func (l *Ledger) Start(ctx context.Context) {
	ticker := time.NewTicker(l.cfg.BlockInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := l.MineBlock(); err != nil {
				l.log.WithError(err).Error("mine block")
			}
		}
	}
}

// MineBlock applies every queued transaction in arrival
// order and appends a block. Each transaction commits or
// fails on its own; a failed transaction still gets a
// receipt.
func (l *Ledger) MineBlock() (*model.Block, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	batch := l.pending
	now := l.cfg.Clock.Now().Unix()
	var block *model.Block

	err := l.kv.Update(func(txn keyValStore.Txn) error {
		st := state{txn: txn}
		head, err := st.head()
		if err != nil {
			return err
		}
		block = &model.Block{Number: head + 1, Timestamp: now, TxHashes: make([]common.Hash, 0, len(batch))}

		for _, p := range batch {
			receipt := model.Receipt{TxHash: p.hash, BlockNumber: block.Number, Logs: []model.Log{}}
			ov := keyValStore.NewOverlay(txn)
			logs, applyErr := apply(ov, p.sender, p.tx.Request.Action, p.args, now)
			if applyErr == nil {
				if err := ov.Flush(); err != nil {
					return err
				}
				receipt.Status = model.ReceiptSuccess
				receipt.Logs = logs
			} else {
				receipt.Status = model.ReceiptFailed
				receipt.ErrorKind = apperr.KindOf(applyErr).String()
				receipt.Error = publicMessage(applyErr)
			}
			if err := l.recordSender(st, p); err != nil {
				return err
			}
			if err := st.putJSON(txKey(p.hash), p.tx); err != nil {
				return err
			}
			if err := st.putJSON(receiptKey(p.hash), receipt); err != nil {
				return err
			}
			block.TxHashes = append(block.TxHashes, p.hash)
		}
		if err := st.putJSON(blockKey(block.Number), block); err != nil {
			return err
		}
		return st.setHead(block.Number)
	})
	if err != nil {
		return nil, fmt.Errorf("mine block: %w", err)
	}

	l.pending = nil
	l.queued = make(map[common.Hash]struct{})
	if len(batch) > 0 {
		l.log.WithFields(logrus.Fields{
			"block": block.Number,
			"txs":   len(batch),
		}).Info("mined block")
	}
	return block, nil
}

// recordSender stores the sender's public key the first
// time it signs anything.
func (l *Ledger) recordSender(st state, p pendingTx) error {
	_, err := st.txn.Get(pubKeyKey(p.sender))
	if err == nil {
		return nil
	}
	if !errors.Is(err, keyValStore.ErrKeyNotFound) {
		return err
	}
	return st.txn.Set(pubKeyKey(p.sender), crypto.FromECDSAPub(p.pub))
}

func publicMessage(err error) string {
	var e *apperr.Error
	if errors.As(err, &e) && e.Kind != apperr.KindInternal {
		return e.Msg
	}
	return "internal error"
}

func (l *Ledger) view(fn func(st state) error) error {
	return l.kv.View(func(txn keyValStore.Txn) error { return fn(state{txn: txn}) })
}

// Head returns the number of the latest block.
func (l *Ledger) Head(_ context.Context) (uint64, error) {
	var n uint64
	err := l.view(func(st state) (err error) {
		n, err = st.head()
		return err
	})
	return n, err
}

// Receipt returns NotFound until the transaction is mined.
func (l *Ledger) Receipt(_ context.Context, h common.Hash) (*model.Receipt, error) {
	var r *model.Receipt
	err := l.view(func(st state) error {
		got, ok, err := st.receipt(h)
		if err != nil {
			return err
		}
		if !ok {
			return apperr.New(apperr.KindNotFound, "no receipt for %s", h.Hex())
		}
		r = got
		return nil
	})
	return r, err
}

// Transaction returns a mined transaction.
func (l *Ledger) Transaction(_ context.Context, h common.Hash) (*Transaction, error) {
	var tx Transaction
	err := l.view(func(st state) error {
		ok, err := st.getJSON(txKey(h), &tx)
		if err != nil {
			return err
		}
		if !ok {
			return apperr.New(apperr.KindNotFound, "no transaction %s", h.Hex())
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &tx, nil
}

func (l *Ledger) Block(_ context.Context, n uint64) (*model.Block, error) {
	var b model.Block
	err := l.view(func(st state) error {
		ok, err := st.getJSON(blockKey(n), &b)
		if err != nil {
			return err
		}
		if !ok {
			return apperr.New(apperr.KindNotFound, "no block %d", n)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &b, nil
}

// Dataset returns the record even when retired; callers
// decide how to treat the Retired flag.
func (l *Ledger) Dataset(_ context.Context, id string) (*model.Dataset, error) {
	var ds *model.Dataset
	err := l.view(func(st state) (err error) {
		ds, err = st.dataset(id)
		return err
	})
	return ds, err
}

// Access returns p's effective level, ADMIN for the owner.
func (l *Ledger) Access(_ context.Context, id string, p model.Address) (model.AccessLevel, error) {
	var level model.AccessLevel
	err := l.view(func(st state) error {
		ds, err := st.liveDataset(id)
		if err != nil {
			return err
		}
		stored, err := st.stored(id, p)
		if err != nil {
			return err
		}
		if ds.Owner == p {
			level = model.LevelAdmin
		} else {
			level = stored
		}
		return nil
	})
	return level, err
}

// AccessList returns the stored entries plus an implicit
// ADMIN entry for the owner, in address order.
func (l *Ledger) AccessList(_ context.Context, id string) ([]model.AccessEntry, error) {
	var out []model.AccessEntry
	err := l.view(func(st state) error {
		ds, err := st.liveDataset(id)
		if err != nil {
			return err
		}
		entries, err := st.entries(id)
		if err != nil {
			return err
		}
		out = append(out, model.AccessEntry{
			DatasetID: id, Principal: ds.Owner, Level: model.LevelAdmin, GrantedAt: ds.CreatedAt,
		})
		for _, e := range entries {
			if e.Principal != ds.Owner {
				out = append(out, e)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sortEntries(out)
	return out, nil
}

// WrappedKey returns the wrap stored for p.
func (l *Ledger) WrappedKey(_ context.Context, id string, p model.Address) ([]byte, error) {
	var w []byte
	err := l.view(func(st state) error {
		if _, err := st.liveDataset(id); err != nil {
			return err
		}
		got, ok, err := st.wrap(id, p)
		if err != nil {
			return err
		}
		if !ok {
			return apperr.New(apperr.KindNotFound, "no wrapped key for %s on %s", model.FormatAddress(p), id)
		}
		w = got
		return nil
	})
	return w, err
}

// DatasetsByOwner lists ids owned by owner, retired ones
// included.
func (l *Ledger) DatasetsByOwner(_ context.Context, owner model.Address) ([]string, error) {
	var ids []string
	err := l.view(func(st state) (err error) {
		ids, err = st.datasetsByOwner(owner)
		return err
	})
	if ids == nil {
		ids = []string{}
	}
	return ids, err
}

// ContentRefs reports which datasets store cid now and
// which replaced it in a rekey.
func (l *Ledger) ContentRefs(_ context.Context, cid string) (*model.ContentRefs, error) {
	if _, err := sealcrypt.ParseContentID(cid); err != nil {
		return nil, apperr.Wrap(apperr.KindBadRequest, err, "content id")
	}
	var refs *model.ContentRefs
	err := l.view(func(st state) (err error) {
		refs, err = st.contentRefs(cid)
		return err
	})
	return refs, err
}

// PublicKey returns p's uncompressed secp256k1 key.
func (l *Ledger) PublicKey(_ context.Context, p model.Address) ([]byte, error) {
	var pub []byte
	err := l.view(func(st state) (err error) {
		pub, err = st.pubKey(p)
		return err
	})
	return pub, err
}

func sortEntries(entries []model.AccessEntry) {
	addrs := make([]model.Address, len(entries))
	byAddr := make(map[model.Address]model.AccessEntry, len(entries))
	for i, e := range entries {
		addrs[i] = e.Principal
		byAddr[e.Principal] = e
	}
	model.SortAddresses(addrs)
	for i, a := range addrs {
		entries[i] = byAddr[a]
	}
}
