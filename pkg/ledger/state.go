package ledger

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"github.com/synergy-labs/envelope/pkg/apperr"
	"github.com/synergy-labs/envelope/pkg/keyValStore"
	"github.com/synergy-labs/envelope/pkg/model"
)

// Key layout:
//
//	d/<dataset>              dataset record
//	a/<dataset>/<principal>  access entry
//	w/<dataset>/<principal>  wrapped key
//	o/<owner>/<dataset>      owner index
//	k/<principal>            uncompressed public key
//	c/<content>/<dataset>    content a live dataset stores now
//	p/<content>/<dataset>    content a dataset replaced in a rekey
//	t/<tx hash>              transaction
//	r/<tx hash>              receipt
//	b/<number>               block
//	h                        head block number
const (
	prefixDataset = "d/"
	prefixAccess  = "a/"
	prefixWrap    = "w/"
	prefixOwner   = "o/"
	prefixPubKey  = "k/"
	prefixContent = "c/"
	prefixPrior   = "p/"
	prefixTx      = "t/"
	prefixReceipt = "r/"
	prefixBlock   = "b/"
	keyHead       = "h"
	maxDatasetID  = 128
)

func addrKey(a model.Address) string { return model.FormatAddress(a) }

func datasetKey(id string) []byte { return []byte(prefixDataset + id) }

func accessKey(id string, p model.Address) []byte {
	return []byte(prefixAccess + id + "/" + addrKey(p))
}

func wrapKey(id string, p model.Address) []byte {
	return []byte(prefixWrap + id + "/" + addrKey(p))
}

func ownerKey(owner model.Address, id string) []byte {
	return []byte(prefixOwner + addrKey(owner) + "/" + id)
}

func pubKeyKey(p model.Address) []byte { return []byte(prefixPubKey + addrKey(p)) }

func contentKey(cid, id string) []byte { return []byte(prefixContent + cid + "/" + id) }

func priorKey(cid, id string) []byte { return []byte(prefixPrior + cid + "/" + id) }

func txKey(h common.Hash) []byte { return []byte(prefixTx + h.Hex()) }

func receiptKey(h common.Hash) []byte { return []byte(prefixReceipt + h.Hex()) }

func blockKey(n uint64) []byte { return []byte(fmt.Sprintf("%s%020d", prefixBlock, n)) }

// validDatasetID rejects ids that would break the key
// layout.
func validDatasetID(id string) error {
	if id == "" || len(id) > maxDatasetID {
		return apperr.New(apperr.KindBadRequest, "dataset_id must be 1..%d bytes", maxDatasetID)
	}
	if strings.ContainsAny(id, "/\x00") {
		return apperr.New(apperr.KindBadRequest, "dataset_id must not contain '/'")
	}
	return nil
}

// state wraps a Txn with typed accessors.
type state struct {
	txn keyValStore.Txn
}

func (s state) getJSON(key []byte, dst any) (bool, error) {
	raw, err := s.txn.Get(key)
	if errors.Is(err, keyValStore.ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return false, fmt.Errorf("decode %s: %w", key, err)
	}
	return true, nil
}

func (s state) putJSON(key []byte, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.txn.Set(key, raw)
}

// dataset returns NotFound for unknown ids. Retired
// datasets are returned as they are.
func (s state) dataset(id string) (*model.Dataset, error) {
	var ds model.Dataset
	ok, err := s.getJSON(datasetKey(id), &ds)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, apperr.New(apperr.KindNotFound, "dataset %s not found", id)
	}
	return &ds, nil
}

// liveDataset is dataset plus Gone for retired datasets.
func (s state) liveDataset(id string) (*model.Dataset, error) {
	ds, err := s.dataset(id)
	if err != nil {
		return nil, err
	}
	if ds.Retired {
		return nil, apperr.New(apperr.KindGone, "dataset %s is retired", id)
	}
	return ds, nil
}

func (s state) putDataset(ds *model.Dataset) error {
	return s.putJSON(datasetKey(ds.ID), ds)
}

func (s state) entry(id string, p model.Address) (model.AccessEntry, bool, error) {
	var e model.AccessEntry
	ok, err := s.getJSON(accessKey(id, p), &e)
	return e, ok, err
}

func (s state) stored(id string, p model.Address) (model.AccessLevel, error) {
	e, ok, err := s.entry(id, p)
	if err != nil || !ok {
		return model.LevelNone, err
	}
	return e.Level, nil
}

func (s state) putEntry(e model.AccessEntry) error {
	return s.putJSON(accessKey(e.DatasetID, e.Principal), e)
}

func (s state) deleteEntry(id string, p model.Address) error {
	return s.txn.Delete(accessKey(id, p))
}

func (s state) entries(id string) ([]model.AccessEntry, error) {
	var out []model.AccessEntry
	err := s.txn.Scan([]byte(prefixAccess+id+"/"), func(_, v []byte) error {
		var e model.AccessEntry
		if err := json.Unmarshal(v, &e); err != nil {
			return err
		}
		out = append(out, e)
		return nil
	})
	return out, err
}

func (s state) wrap(id string, p model.Address) ([]byte, bool, error) {
	v, err := s.txn.Get(wrapKey(id, p))
	if errors.Is(err, keyValStore.ErrKeyNotFound) {
		return nil, false, nil
	}
	return v, err == nil, err
}

func (s state) putWrap(id string, p model.Address, wrapped []byte) error {
	return s.txn.Set(wrapKey(id, p), wrapped)
}

func (s state) deleteWrap(id string, p model.Address) error {
	return s.txn.Delete(wrapKey(id, p))
}

func (s state) wrapHolders(id string) ([]model.Address, error) {
	prefix := prefixWrap + id + "/"
	var out []model.Address
	err := s.txn.Scan([]byte(prefix), func(k, _ []byte) error {
		out = append(out, common.HexToAddress(string(k[len(prefix):])))
		return nil
	})
	return out, err
}

func (s state) datasetsByOwner(owner model.Address) ([]string, error) {
	prefix := prefixOwner + addrKey(owner) + "/"
	var out []string
	err := s.txn.Scan([]byte(prefix), func(k, _ []byte) error {
		out = append(out, string(k[len(prefix):]))
		return nil
	})
	return out, err
}

// setContent moves id from its current content to next.
// The old content, if any, is remembered as a prior one.
func (s state) setContent(id, old, next string) error {
	if old != "" {
		if err := s.txn.Delete(contentKey(old, id)); err != nil {
			return err
		}
		if err := s.txn.Set(priorKey(old, id), nil); err != nil {
			return err
		}
	}
	if err := s.txn.Delete(priorKey(next, id)); err != nil {
		return err
	}
	return s.txn.Set(contentKey(next, id), nil)
}

func (s state) contentRefs(cid string) (*model.ContentRefs, error) {
	refs := &model.ContentRefs{ContentID: cid, Current: []string{}, Previous: []string{}}
	scan := func(prefix string, dst *[]string) error {
		p := prefix + cid + "/"
		return s.txn.Scan([]byte(p), func(k, _ []byte) error {
			*dst = append(*dst, string(k[len(p):]))
			return nil
		})
	}
	if err := scan(prefixContent, &refs.Current); err != nil {
		return nil, err
	}
	if err := scan(prefixPrior, &refs.Previous); err != nil {
		return nil, err
	}
	return refs, nil
}

func (s state) pubKey(p model.Address) ([]byte, error) {
	v, err := s.txn.Get(pubKeyKey(p))
	if errors.Is(err, keyValStore.ErrKeyNotFound) {
		return nil, apperr.New(apperr.KindNotFound, "no public key for %s", addrKey(p))
	}
	return v, err
}

func (s state) head() (uint64, error) {
	v, err := s.txn.Get([]byte(keyHead))
	if errors.Is(err, keyValStore.ErrKeyNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	if len(v) != 8 {
		return 0, fmt.Errorf("corrupt head of %d bytes", len(v))
	}
	return binary.BigEndian.Uint64(v), nil
}

func (s state) setHead(n uint64) error {
	return s.txn.Set([]byte(keyHead), binary.BigEndian.AppendUint64(nil, n))
}

func (s state) receipt(h common.Hash) (*model.Receipt, bool, error) {
	var r model.Receipt
	ok, err := s.getJSON(receiptKey(h), &r)
	if err != nil || !ok {
		return nil, ok, err
	}
	return &r, true, nil
}
