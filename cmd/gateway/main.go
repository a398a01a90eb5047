package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/synergy-labs/envelope/internal/api"
	"github.com/synergy-labs/envelope/internal/config"
	"github.com/synergy-labs/envelope/pkg/apperr"
	"github.com/synergy-labs/envelope/pkg/auth"
	"github.com/synergy-labs/envelope/pkg/gateway"
	"github.com/synergy-labs/envelope/pkg/ledger"
	"github.com/synergy-labs/envelope/pkg/logging"
	"github.com/synergy-labs/envelope/pkg/registry"
)

func main() { // A
	configPath := flag.String("config", "", "path to a YAML config file (default ./config.yaml if present)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "gateway: %v\n", err)
		os.Exit(2)
	}
	log, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "gateway: %v\n", err)
		os.Exit(2)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	log.WithFields(cfg.Fields()).Info("starting gateway")
	if err := run(ctx, cfg, log); err != nil {
		log.WithError(err).Error("gateway stopped")
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, log *logrus.Logger) error { // A
	var relayer *auth.KeySigner
	if cfg.GatewaySigningKey != "" {
		k, err := auth.KeySignerFromHex(cfg.GatewaySigningKey)
		if err != nil {
			return fmt.Errorf("gateway signing key: %w", err)
		}
		relayer = k
		log.WithField("relayer", k.Address().Hex()).Info("relaying with co-signature")
	}

	chain := ledger.NewClient(cfg.RPCURL, nil)
	hub := registry.NewHub(func(networkID string) (*registry.Adapter, error) {
		if cfg.NetworkID != "" && networkID != cfg.NetworkID {
			return nil, apperr.New(apperr.KindNotFound, "network %q is not served here", networkID)
		}
		rc := registry.Config{
			NetworkID:     networkID,
			Confirmations: cfg.Confirmations,
			Log:           log,
		}
		if relayer != nil {
			rc.Relayer = relayer
		}
		log.WithField("network", networkID).Info("registry adapter created")
		return registry.New(chain, rc), nil
	})

	var replay auth.ReplayCache
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis %s: %w", cfg.RedisAddr, err)
		}
		replay = auth.NewRedisReplayCache(rdb, "", 2*cfg.ReplayWindow())
	}

	store, closeStore, err := openStore(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer func() {
		if err := closeStore(); err != nil {
			log.WithError(err).Warn("close content store")
		}
	}()

	gw := gateway.New(hub, store,
		gateway.WithLogger(log),
		gateway.WithVerifier(auth.NewVerifier(cfg.ReplayWindow(), nil, replay)),
		gateway.WithDefaultNetwork(cfg.NetworkID),
	)
	if err := api.Serve(ctx, cfg.ListenAddr, gw, log); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("serve: %w", err)
	}
	return nil
}
