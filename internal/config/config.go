package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v2"
)

// DefaultPath is read when no path is given and the file exists.
const DefaultPath = "config.yaml"

type Config struct {
	ListenAddr string `yaml:"listen_addr"`
	NetworkID  string `yaml:"network_id"`
	// RPCURL is the ledger node the registry adapters talk to.
	RPCURL string `yaml:"rpc_url"`
	// ContentGatewayURL is a kubo RPC endpoint. Empty selects
	// S3 when S3Bucket is set, else the local store.
	ContentGatewayURL string `yaml:"content_gateway_url"`
	// GatewaySigningKey is the relayer key, hex. Never logged.
	GatewaySigningKey string `yaml:"gateway_signing_key"`
	Confirmations     uint64 `yaml:"confirmations"`
	ReplayWindowSecs  int    `yaml:"replay_window_seconds"`
	RedisAddr         string `yaml:"redis_addr"`
	S3Bucket          string `yaml:"s3_bucket"`
	S3Prefix          string `yaml:"s3_prefix"`
	// DataPath holds the local content store. Empty keeps
	// content in memory.
	DataPath      string `yaml:"data_path"`
	MinimumFreeGB int    `yaml:"minimum_free_gb"`
	LogLevel      string `yaml:"log_level"`
	LogFormat     string `yaml:"log_format"`
}

func defaults() Config {
	return Config{
		ListenAddr:       ":8080",
		RPCURL:           "http://localhost:8545",
		Confirmations:    2,
		ReplayWindowSecs: 120,
		MinimumFreeGB:    1,
		LogLevel:         "info",
		LogFormat:        "text",
	}
}

// Load reads the YAML file at path over the defaults and
// applies environment overrides. A missing DefaultPath is
// not an error; a missing explicit path is.
func Load(path string) (Config, error) {
	cfg := defaults()

	explicit := path != ""
	if !explicit {
		path = DefaultPath
	}
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.UnmarshalStrict(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse %s: %w", path, err)
		}
	case errors.Is(err, os.ErrNotExist) && !explicit:
	default:
		return Config{}, fmt.Errorf("read config: %w", err)
	}

	if err := cfg.applyEnv(); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	strs := map[string]*string{
		"LISTEN_ADDR":         &c.ListenAddr,
		"NETWORK_ID":          &c.NetworkID,
		"RPC_URL":             &c.RPCURL,
		"CONTENT_GATEWAY_URL": &c.ContentGatewayURL,
		"GATEWAY_SIGNING_KEY": &c.GatewaySigningKey,
		"REDIS_ADDR":          &c.RedisAddr,
		"S3_BUCKET":           &c.S3Bucket,
		"S3_PREFIX":           &c.S3Prefix,
		"DATA_PATH":           &c.DataPath,
		"LOG_LEVEL":           &c.LogLevel,
		"LOG_FORMAT":          &c.LogFormat,
	}
	for name, dst := range strs {
		if v, ok := os.LookupEnv(name); ok {
			*dst = v
		}
	}

	if v, ok := os.LookupEnv("CONFIRMATIONS"); ok {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return fmt.Errorf("CONFIRMATIONS: %w", err)
		}
		c.Confirmations = n
	}
	if v, ok := os.LookupEnv("REPLAY_WINDOW_SECONDS"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("REPLAY_WINDOW_SECONDS: %w", err)
		}
		c.ReplayWindowSecs = n
	}
	return nil
}

func (c Config) Validate() error {
	if c.ReplayWindowSecs <= 0 {
		return fmt.Errorf("replay window must be positive, got %d", c.ReplayWindowSecs)
	}
	if c.ListenAddr == "" {
		return errors.New("listen address is required")
	}
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("log level: %w", err)
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("log format must be text or json, got %q", c.LogFormat)
	}
	return nil
}

func (c Config) ReplayWindow() time.Duration {
	return time.Duration(c.ReplayWindowSecs) * time.Second
}

// Fields describes c for a startup log line. The signing key
// is reported only as present or absent.
func (c Config) Fields() logrus.Fields {
	return logrus.Fields{
		"listen_addr":     c.ListenAddr,
		"network_id":      c.NetworkID,
		"rpc_url":         c.RPCURL,
		"content_url":     c.ContentGatewayURL,
		"relayer":         c.GatewaySigningKey != "",
		"confirmations":   c.Confirmations,
		"replay_window":   c.ReplayWindow().String(),
		"redis":           c.RedisAddr != "",
		"s3_bucket":       c.S3Bucket,
		"data_path":       c.DataPath,
		"minimum_free_gb": c.MinimumFreeGB,
	}
}
