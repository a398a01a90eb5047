package contentstore

import (
	"context"
	"errors"

	"github.com/synergy-labs/envelope/pkg/apperr"
	"github.com/synergy-labs/envelope/pkg/keyValStore"
	"github.com/synergy-labs/envelope/pkg/sealcrypt"
)

const localPrefix = "c/"

// Local keeps pinned content in a key-value store: a
// keyValStore.MemoryStore for tests or a badger-backed
// keyValStore.KeyValStore on disk.
type Local struct {
	kv keyValStore.KV
}

func NewLocal(kv keyValStore.KV) *Local {
	return &Local{kv: kv}
}

// NewMemory is a Local store that lives in memory.
func NewMemory() *Local {
	return NewLocal(keyValStore.NewMemoryStore())
}

func localKey(contentID string) []byte { return []byte(localPrefix + contentID) }

func (l *Local) Put(ctx context.Context, data []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", apperr.Wrap(apperr.KindUnavailable, err, "put")
	}
	if len(data) > MaxObjectSize {
		return "", apperr.New(apperr.KindBadRequest, "object of %d bytes exceeds limit", len(data))
	}
	id := sealcrypt.Hash(data)
	err := l.kv.Update(func(txn keyValStore.Txn) error {
		if _, err := txn.Get(localKey(id)); err == nil {
			return nil
		} else if !errors.Is(err, keyValStore.ErrKeyNotFound) {
			return err
		}
		return txn.Set(localKey(id), data)
	})
	if err != nil {
		return "", apperr.Wrap(apperr.KindUnavailable, err, "put %s", id)
	}
	return id, nil
}

func (l *Local) Get(ctx context.Context, contentID string) ([]byte, error) {
	if err := checkID(contentID); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, apperr.Wrap(apperr.KindUnavailable, err, "get %s", contentID)
	}
	var data []byte
	err := l.kv.View(func(txn keyValStore.Txn) error {
		v, err := txn.Get(localKey(contentID))
		data = v
		return err
	})
	if errors.Is(err, keyValStore.ErrKeyNotFound) {
		return nil, apperr.New(apperr.KindNotFound, "content %s not found", contentID)
	}
	if err != nil {
		return nil, apperr.Wrap(apperr.KindUnavailable, err, "get %s", contentID)
	}
	if err := verify(contentID, data); err != nil {
		return nil, err
	}
	return data, nil
}

func (l *Local) Unpin(_ context.Context, contentID string) error {
	if err := checkID(contentID); err != nil {
		return err
	}
	return l.kv.Update(func(txn keyValStore.Txn) error {
		return txn.Delete(localKey(contentID))
	})
}
