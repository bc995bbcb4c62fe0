package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, ":8080", cfg.Listen)
	require.Equal(t, "nats://127.0.0.1:4222", cfg.NATS.URL)
	require.Equal(t, 15*time.Second, cfg.Fanout.HeartbeatInterval.Duration)
	require.Equal(t, "relay", cfg.Relay.Checkpoint)
}

func TestLoad_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "backbone.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
listen = ":9999"

[nats]
url = "nats://broker:4222"
subject_prefix = "acme.es"

[fanout]
heartbeat_interval = "5s"

[relay]
dedup_window = "1m"
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, ":9999", cfg.Listen)
	require.Equal(t, "nats://broker:4222", cfg.NATS.URL)
	require.Equal(t, "acme.es", cfg.NATS.SubjectPrefix)
	require.Equal(t, 5*time.Second, cfg.Fanout.HeartbeatInterval.Duration)
	require.Equal(t, time.Minute, cfg.Relay.DedupWindow.Duration)

	// defaults survive partial files
	require.Equal(t, ":9090", cfg.MetricsListen)
}

func TestLoad_EnvOverride(t *testing.T) {
	t.Setenv("NATS_URL", "nats://elsewhere:4222")
	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, "nats://elsewhere:4222", cfg.NATS.URL)
}

func TestLoad_BadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.toml")
	require.NoError(t, os.WriteFile(path, []byte("listen = [42"), 0o600))
	_, err := Load(path)
	require.Error(t, err)
}
