package keyValStore

import (
	"errors"
	"fmt"
	"os"

	"github.com/dgraph-io/badger/v4"
	"github.com/shirou/gopsutil/disk"
	"github.com/sirupsen/logrus"
)

type StoreConfig struct {
	Path             string
	InMemory         bool
	MinimumFreeSpace int // in GB
	SyncWrites       bool
	Logger           logrus.FieldLogger
}

// KeyValStore is a KV on a badger database.
type KeyValStore struct {
	config StoreConfig
	db     *badger.DB
	log    logrus.FieldLogger
}

func NewKeyValStore(config StoreConfig) (*KeyValStore, error) {
	if config.Logger == nil {
		config.Logger = logrus.New()
	}

	var opts badger.Options
	if config.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := config.checkConfig(); err != nil {
			return nil, fmt.Errorf("error checking config for KeyValStore: %w", err)
		}
		opts = badger.DefaultOptions(config.Path)
		opts.ValueLogFileSize = 1024 * 1024 * 100 // Set max size of each value log file to 100MB
	}
	opts.Logger = nil
	opts.SyncWrites = config.SyncWrites

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger at %q: %w", config.Path, err)
	}

	k := &KeyValStore{config: config, db: db, log: config.Logger}
	if !config.InMemory {
		k.logDiskUsage()
	}
	return k, nil
}

func (sc *StoreConfig) checkConfig() error {
	if sc.Path == "" {
		return errors.New("no path provided in configuration")
	}
	info, err := os.Stat(sc.Path)
	if os.IsNotExist(err) {
		if err := os.MkdirAll(sc.Path, 0o750); err != nil {
			return fmt.Errorf("create %s: %w", sc.Path, err)
		}
		info, err = os.Stat(sc.Path)
	}
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return errors.New("path is not a directory")
	}

	usage, err := disk.Usage(sc.Path)
	if err != nil {
		return fmt.Errorf("disk usage of %s: %w", sc.Path, err)
	}
	if int(usage.Free/(1024*1024*1024)) < sc.MinimumFreeSpace {
		return errors.New("not enough space available on disk")
	}
	return nil
}

func (k *KeyValStore) logDiskUsage() {
	usage, err := disk.Usage(k.config.Path)
	if err != nil {
		k.log.WithField("path", k.config.Path).Warnf("Error retrieving disk usage stats: %v", err)
		return
	}
	lsm, vlog := k.db.Size()
	k.log.WithFields(logrus.Fields{
		"path":       k.config.Path,
		"total_gb":   fmt.Sprintf("%.2f", float64(usage.Total)/1e9),
		"free_gb":    fmt.Sprintf("%.2f", float64(usage.Free)/1e9),
		"used_pct":   fmt.Sprintf("%.1f", usage.UsedPercent),
		"db_lsm_mb":  fmt.Sprintf("%.2f", float64(lsm)/1e6),
		"db_vlog_mb": fmt.Sprintf("%.2f", float64(vlog)/1e6),
	}).Info("Disk Usage")
}

type badgerTxn struct {
	txn *badger.Txn
}

func (t badgerTxn) Get(key []byte) ([]byte, error) {
	item, err := t.txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrKeyNotFound
	}
	if err != nil {
		return nil, err
	}
	return item.ValueCopy(nil)
}

func (t badgerTxn) Set(key, value []byte) error {
	return t.txn.Set(append([]byte(nil), key...), append([]byte(nil), value...))
}

func (t badgerTxn) Delete(key []byte) error {
	return t.txn.Delete(append([]byte(nil), key...))
}

func (t badgerTxn) Scan(prefix []byte, fn func(key, value []byte) error) error {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = prefix
	it := t.txn.NewIterator(opts)
	defer it.Close()

	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		item := it.Item()
		v, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		if err := fn(item.KeyCopy(nil), v); err != nil {
			return err
		}
	}
	return nil
}

func (k *KeyValStore) View(fn func(Txn) error) error {
	return k.db.View(func(txn *badger.Txn) error {
		return fn(readOnly{badgerTxn{txn: txn}})
	})
}

func (k *KeyValStore) Update(fn func(Txn) error) error {
	return k.db.Update(func(txn *badger.Txn) error {
		return fn(badgerTxn{txn: txn})
	})
}

// Clean syncs and garbage collects the value log.
func (k *KeyValStore) Clean() error {
	if k.config.InMemory {
		return nil
	}
	if err := k.db.Sync(); err != nil {
		return fmt.Errorf("error syncing db: %w", err)
	}
	err := k.db.RunValueLogGC(0.5)
	if err != nil && !errors.Is(err, badger.ErrNoRewrite) {
		return fmt.Errorf("error cleaning db: %w", err)
	}
	return nil
}

func (k *KeyValStore) Close() error {
	if err := k.Clean(); err != nil {
		k.log.WithError(err).Warn("clean before close")
	}
	return k.db.Close()
}
