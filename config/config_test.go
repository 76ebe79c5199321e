package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/quantpulse/streamcore/internal/feed"
)

func TestLoadMissingDefaultFileFallsBackToDefaults(t *testing.T) {
	t.Setenv("STREAMCORE_CONFIG", "")
	t.Chdir(t.TempDir())

	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, ":8443", cfg.Server.Addr)
}

func TestLoadExplicitMissingFileFails(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
}

func TestLoadParsesAndValidates(t *testing.T) {
	doc := `
environment: dev
server:
  addr: ":9000"
fetch:
  maxConcurrent: 4
  retries: 2
broadcast:
  queueSize: 32
  heartbeatInterval: 10s
  pingTimeout: 30s
feed:
  interval: 2s
  sources:
    - symbol: AAPL
      url: https://quotes.example.com/aapl
`
	path := filepath.Join(t.TempDir(), "streamcore.yaml")
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, EnvDev, cfg.Environment)
	require.Equal(t, ":9000", cfg.Server.Addr)
	require.Equal(t, 4, cfg.Fetch.MaxConcurrent)
	require.Equal(t, 2*time.Second, cfg.Feed.Interval)
	require.Len(t, cfg.Feed.Sources, 1)
}

func TestValidateRejectsBadValues(t *testing.T) {
	for _, tc := range []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad environment", func(c *Config) { c.Environment = "qa" }},
		{"empty addr", func(c *Config) { c.Server.Addr = " " }},
		{"heartbeat exceeds ping timeout", func(c *Config) {
			c.Broadcast.HeartbeatInterval = time.Minute
			c.Broadcast.PingTimeout = time.Second
		}},
		{"telemetry enabled without endpoint", func(c *Config) {
			c.Telemetry.Enabled = true
			c.Telemetry.Endpoint = ""
		}},
		{"source without symbol", func(c *Config) {
			c.Feed.Sources = []feed.Source{{URL: "https://example.com"}}
		}},
		{"source with bad scheme", func(c *Config) {
			c.Feed.Sources = []feed.Source{{Symbol: "AAPL", URL: "ftp://example.com"}}
		}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(&cfg)
			require.Error(t, cfg.Validate())
		})
	}
}
