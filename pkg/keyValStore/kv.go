package keyValStore

import (
	"bytes"
	"errors"
	"sort"
)

// ErrKeyNotFound is returned by Txn.Get for absent keys.
var ErrKeyNotFound = errors.New("key not found")

// Txn is a read-write view of a store. Values
// returned by Get and Scan may be retained by the caller.
type Txn interface {
	Get(key []byte) ([]byte, error)
	Set(key, value []byte) error
	Delete(key []byte) error
	// Scan calls fn for every key with prefix in ascending
	// key order.
	Scan(prefix []byte, fn func(key, value []byte) error) error
}

// KV is a transactional ordered key-value store. Update applies fn
// atomically: all of its writes or none.
type KV interface {
	View(fn func(Txn) error) error
	Update(fn func(Txn) error) error
	Close() error
}

// Overlay buffers writes on top of a parent Txn. Flush
// pushes them down; dropping the overlay discards them.
type Overlay struct {
	parent Txn
	writes map[string][]byte
	// nil value marks a delete
}

func NewOverlay(parent Txn) *Overlay {
	return &Overlay{parent: parent, writes: make(map[string][]byte)}
}

func (o *Overlay) Get(key []byte) ([]byte, error) {
	if v, ok := o.writes[string(key)]; ok {
		if v == nil {
			return nil, ErrKeyNotFound
		}
		return v, nil
	}
	return o.parent.Get(key)
}

func (o *Overlay) Set(key, value []byte) error {
	if value == nil {
		value = []byte{}
	}
	o.writes[string(key)] = append([]byte(nil), value...)
	return nil
}

func (o *Overlay) Delete(key []byte) error {
	o.writes[string(key)] = nil
	return nil
}

func (o *Overlay) Scan(prefix []byte, fn func(key, value []byte) error) error {
	merged := make(map[string][]byte)
	err := o.parent.Scan(prefix, func(k, v []byte) error {
		merged[string(k)] = v
		return nil
	})
	if err != nil {
		return err
	}
	for k, v := range o.writes {
		if !bytes.HasPrefix([]byte(k), prefix) {
			continue
		}
		if v == nil {
			delete(merged, k)
			continue
		}
		merged[k] = v
	}
	return scanSorted(merged, fn)
}

func (o *Overlay) Flush() error {
	keys := make([]string, 0, len(o.writes))
	for k := range o.writes {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		v := o.writes[k]
		var err error
		if v == nil {
			err = o.parent.Delete([]byte(k))
		} else {
			err = o.parent.Set([]byte(k), v)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func scanSorted(m map[string][]byte, fn func(key, value []byte) error) error {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if err := fn([]byte(k), m[k]); err != nil {
			return err
		}
	}
	return nil
}
