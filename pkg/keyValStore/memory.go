package keyValStore

import (
	"bytes"
	"errors"
	"sync"
)

// MemoryStore keeps everything in a map. Used by tests
// and by ledgerd -memory.
type MemoryStore struct {
	mu   sync.RWMutex
	data map[string][]byte
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[string][]byte)}
}

type memTxn struct {
	data map[string][]byte
}

func (t memTxn) Get(key []byte) ([]byte, error) {
	v, ok := t.data[string(key)]
	if !ok {
		return nil, ErrKeyNotFound
	}
	return v, nil
}

func (t memTxn) Set(key, value []byte) error {
	t.data[string(key)] = append([]byte(nil), value...)
	return nil
}

func (t memTxn) Delete(key []byte) error {
	delete(t.data, string(key))
	return nil
}

func (t memTxn) Scan(prefix []byte, fn func(key, value []byte) error) error {
	matched := make(map[string][]byte)
	for k, v := range t.data {
		if bytes.HasPrefix([]byte(k), prefix) {
			matched[k] = v
		}
	}
	return scanSorted(matched, fn)
}

func (m *MemoryStore) View(fn func(Txn) error) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return fn(readOnly{memTxn{data: m.data}})
}

func (m *MemoryStore) Update(fn func(Txn) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ov := NewOverlay(memTxn{data: m.data})
	if err := fn(ov); err != nil {
		return err
	}
	return ov.Flush()
}

func (m *MemoryStore) Close() error { return nil }

var errReadOnly = errors.New("write in read-only transaction")

type readOnly struct{ Txn }

func (readOnly) Set(_, _ []byte) error { return errReadOnly }
func (readOnly) Delete(_ []byte) error { return errReadOnly }
