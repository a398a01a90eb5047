package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestDefaultsFromEmptyFile(t *testing.T) {
	cfg, err := Load(writeFile(t, ""))
	require.NoError(t, err)
	assert.Equal(t, uint64(2), cfg.Confirmations)
	assert.Equal(t, 120*time.Second, cfg.ReplayWindow())
	assert.Equal(t, "info", cfg.LogLevel)
}

func TestFileThenEnv(t *testing.T) {
	path := writeFile(t, `
listen_addr: ":9000"
network_id: testnet
confirmations: 4
s3_bucket: from-file
`)
	t.Setenv("S3_BUCKET", "from-env")
	t.Setenv("REPLAY_WINDOW_SECONDS", "30")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":9000", cfg.ListenAddr)
	assert.Equal(t, "testnet", cfg.NetworkID)
	assert.Equal(t, uint64(4), cfg.Confirmations)
	assert.Equal(t, "from-env", cfg.S3Bucket)
	assert.Equal(t, 30*time.Second, cfg.ReplayWindow())
}

func TestUnknownKeyIsRejected(t *testing.T) {
	path := writeFile(t, "listen_adr: \":9000\"\n")
	_, err := Load(path)
	assert.Error(t, err)
}

func TestMissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestBadEnvNumbers(t *testing.T) {
	t.Setenv("CONFIRMATIONS", "two")
	_, err := Load(writeFile(t, ""))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	cfg := defaults()
	cfg.ReplayWindowSecs = 0
	assert.Error(t, cfg.Validate())

	cfg = defaults()
	cfg.LogLevel = "loud"
	assert.Error(t, cfg.Validate())

	cfg = defaults()
	cfg.LogFormat = "xml"
	assert.Error(t, cfg.Validate())
}

func TestFieldsHideSigningKey(t *testing.T) {
	cfg := defaults()
	cfg.GatewaySigningKey = "deadbeef"
	f := cfg.Fields()
	assert.Equal(t, true, f["relayer"])
	for _, v := range f {
		assert.NotEqual(t, "deadbeef", v)
	}
}
