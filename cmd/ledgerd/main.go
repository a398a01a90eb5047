package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/synergy-labs/envelope/internal/api"
	"github.com/synergy-labs/envelope/pkg/keyValStore"
	"github.com/synergy-labs/envelope/pkg/ledger"
	"github.com/synergy-labs/envelope/pkg/logging"
	"github.com/synergy-labs/envelope/pkg/model"
)

// ledgerdConfig holds the parsed command line configuration.
type ledgerdConfig struct { // A
	listenAddr      string
	dataPath        string
	networkID       string
	blockInterval   time.Duration
	timestampWindow time.Duration
	relayers        string
	minFreeGB       int
	exportPath      string
	importPath      string
	logLevel        string
	logFormat       string
}

func parseFlags() ledgerdConfig { // A
	cfg := ledgerdConfig{}

	flag.StringVar(&cfg.listenAddr, "listen", ":8545",
		"Address to serve the ledger RPC on")
	flag.StringVar(&cfg.dataPath, "data", "",
		"Badger directory for ledger state (empty keeps state in memory)")
	flag.StringVar(&cfg.networkID, "network", "synergy-local",
		"Network id this ledger accepts transactions for")
	flag.DurationVar(&cfg.blockInterval, "block-interval", time.Second,
		"Time between blocks")
	flag.DurationVar(&cfg.timestampWindow, "timestamp-window", ledger.DefaultTimestampWindow,
		"How far a transaction timestamp may drift from the ledger clock")
	flag.StringVar(&cfg.relayers, "relayers", "",
		"Comma separated relayer addresses allowed to co-sign (empty accepts any)")
	flag.IntVar(&cfg.minFreeGB, "min-free-gb", 1,
		"Refuse to open a data directory with less free space")
	flag.StringVar(&cfg.exportPath, "export", "",
		"Write an xz snapshot of the ledger state to this file and exit")
	flag.StringVar(&cfg.importPath, "import", "",
		"Load an xz snapshot into an empty data directory and exit")
	flag.StringVar(&cfg.logLevel, "log-level", "info", "Log level")
	flag.StringVar(&cfg.logFormat, "log-format", "text", "Log format, text or json")

	flag.Parse()
	return cfg
}

func main() { // A
	cfg := parseFlags()
	log, err := logging.New(cfg.logLevel, cfg.logFormat)
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "ledgerd: %v\n", err)
		os.Exit(2)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfg, log); err != nil {
		log.WithError(err).Error("ledgerd stopped")
		os.Exit(1)
	}
}

func openKV(cfg ledgerdConfig, log logrus.FieldLogger) (keyValStore.KV, error) { // A
	if cfg.dataPath == "" {
		log.Warn("ledger state is kept in memory")
		return keyValStore.NewMemoryStore(), nil
	}
	return keyValStore.NewKeyValStore(keyValStore.StoreConfig{
		Path:             cfg.dataPath,
		MinimumFreeSpace: cfg.minFreeGB,
		SyncWrites:       true,
		Logger:           log,
	})
}

func parseRelayers(s string) ([]model.Address, error) { // A
	if s == "" {
		return nil, nil
	}
	var out []model.Address
	for _, part := range strings.Split(s, ",") {
		a, err := model.ParseAddress(strings.TrimSpace(part))
		if err != nil {
			return nil, fmt.Errorf("relayer %q: %w", part, err)
		}
		out = append(out, a)
	}
	return out, nil
}

func run(ctx context.Context, cfg ledgerdConfig, log *logrus.Logger) error { // A
	kv, err := openKV(cfg, log)
	if err != nil {
		return fmt.Errorf("open state: %w", err)
	}
	defer func() {
		if err := kv.Close(); err != nil {
			log.WithError(err).Warn("close state")
		}
	}()

	switch {
	case cfg.exportPath != "":
		return exportTo(kv, cfg.exportPath, log)
	case cfg.importPath != "":
		return importFrom(kv, cfg.importPath, log)
	}

	relayers, err := parseRelayers(cfg.relayers)
	if err != nil {
		return err
	}
	l := ledger.New(kv, ledger.Config{
		NetworkID:     cfg.networkID,
		BlockInterval:   cfg.blockInterval,
		TimestampWindow: cfg.timestampWindow,
		Relayers:        relayers,
		Log:             log,
	})
	go l.Start(ctx)

	log.WithFields(logrus.Fields{
		"network":        cfg.networkID,
		"block_interval": cfg.blockInterval.String(),
		"relayers":       len(relayers),
	}).Info("ledger started")
	return api.Serve(ctx, cfg.listenAddr, ledger.NewServer(l, ledger.WithServerLogger(log)), log)
}

func exportTo(kv keyValStore.KV, path string, log logrus.FieldLogger) error { // A
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create snapshot: %w", err)
	}
	n, err := ledger.Export(kv, f)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return err
	}
	log.WithFields(logrus.Fields{"path": path, "keys": n}).Info("snapshot written")
	return nil
}

func importFrom(kv keyValStore.KV, path string, log logrus.FieldLogger) error { // A
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open snapshot: %w", err)
	}
	defer f.Close()
	n, err := ledger.Import(kv, f)
	if err != nil {
		return err
	}
	log.WithFields(logrus.Fields{"path": path, "keys": n}).Info("snapshot loaded")
	return nil
}
