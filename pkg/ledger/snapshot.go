package ledger

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/ulikunitz/xz"

	"github.com/synergy-labs/envelope/pkg/apperr"
	"github.com/synergy-labs/envelope/pkg/keyValStore"
)

const snapshotMagic = "SYLEDGER1"

// importBatch bounds the writes of one Update so badger
// does not reject the transaction as too big.
const importBatch = 1000

// Export writes every key of kv as an xz-compressed
// stream of length-prefixed key/value pairs.
func Export(kv keyValStore.KV, w io.Writer) (int, error) {
	xw, err := xz.NewWriter(w)
	if err != nil {
		return 0, fmt.Errorf("xz writer: %w", err)
	}
	bw := bufio.NewWriter(xw)
	if _, err := bw.WriteString(snapshotMagic); err != nil {
		return 0, err
	}

	count := 0
	err = kv.View(func(txn keyValStore.Txn) error {
		return txn.Scan(nil, func(k, v []byte) error {
			count++
			if err := writeChunk(bw, k); err != nil {
				return err
			}
			return writeChunk(bw, v)
		})
	})
	if err != nil {
		return count, fmt.Errorf("export: %w", err)
	}
	if err := bw.Flush(); err != nil {
		return count, err
	}
	return count, xw.Close()
}

// Import loads a snapshot written by Export into an empty
// kv.
func Import(kv keyValStore.KV, r io.Reader) (int, error) {
	empty := true
	err := kv.View(func(txn keyValStore.Txn) error {
		return txn.Scan(nil, func(_, _ []byte) error {
			empty = false
			return errDiscard
		})
	})
	if err != nil && !errors.Is(err, errDiscard) {
		return 0, err
	}
	if !empty {
		return 0, apperr.New(apperr.KindConflict, "import target is not empty")
	}

	xr, err := xz.NewReader(r)
	if err != nil {
		return 0, apperr.Wrap(apperr.KindBadRequest, err, "snapshot is not xz")
	}
	br := bufio.NewReader(xr)
	magic := make([]byte, len(snapshotMagic))
	if _, err := io.ReadFull(br, magic); err != nil || string(magic) != snapshotMagic {
		return 0, apperr.New(apperr.KindBadRequest, "not a ledger snapshot")
	}

	count := 0
	for {
		batch := make([][2][]byte, 0, importBatch)
		for len(batch) < importBatch {
			k, err := readChunk(br)
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				return count, apperr.Wrap(apperr.KindBadRequest, err, "snapshot key")
			}
			v, err := readChunk(br)
			if err != nil {
				return count, apperr.Wrap(apperr.KindBadRequest, err, "snapshot value")
			}
			batch = append(batch, [2][]byte{k, v})
		}
		if len(batch) == 0 {
			return count, nil
		}
		err := kv.Update(func(txn keyValStore.Txn) error {
			for _, kv := range batch {
				if err := txn.Set(kv[0], kv[1]); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			return count, fmt.Errorf("import: %w", err)
		}
		count += len(batch)
		if len(batch) < importBatch {
			return count, nil
		}
	}
}

func writeChunk(w *bufio.Writer, b []byte) error {
	var lenBuf [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(lenBuf[:], uint64(len(b)))
	if _, err := w.Write(lenBuf[:n]); err != nil {
		return err
	}
	_, err := w.Write(b)
	return err
}

func readChunk(r *bufio.Reader) ([]byte, error) {
	n, err := binary.ReadUvarint(r)
	if err != nil {
		return nil, err
	}
	if n > 64<<20 {
		return nil, fmt.Errorf("chunk of %d bytes", n)
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return nil, io.ErrUnexpectedEOF
	}
	return b, nil
}
