package onchat

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadConfig_FileThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "onchat.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
url = "ws://localhost:9000/chat"
reconnect_delay = "5s"
echo_window = "1s"
recent_contact_limit = 20

[store]
backend = "sqlite"
path = "/tmp/onchat.db"
`), 0o600))
	t.Setenv("ONCHAT_ECHO_WINDOW", "2s")
	t.Setenv("ONCHAT_RECONNECT_POLICY", "exponential")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	require.Equal(t, "ws://localhost:9000/chat", cfg.URL)
	require.Equal(t, 5*time.Second, cfg.ReconnectDelay)
	require.Equal(t, 2*time.Second, cfg.EchoWindow)
	require.Equal(t, ReconnectExponential, cfg.ReconnectPolicy)
	require.Equal(t, 20, cfg.RecentContactLimit)
	require.Equal(t, StoreConfig{Backend: StoreSQLite, Path: "/tmp/onchat.db"}, cfg.Store)

	// Untouched fields keep their defaults.
	require.Equal(t, DefaultConfig().PendingTimeout, cfg.PendingTimeout)
	require.True(t, cfg.AutoReconnect)
}

func TestLoadConfig_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "absent.toml"))
	require.NoError(t, err)
	require.Equal(t, DefaultConfig(), cfg)
}

func TestLoadConfig_BadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.toml")
	require.NoError(t, os.WriteFile(path, []byte("url = "), 0o600))

	_, err := LoadConfig(path)
	require.Error(t, err)
	require.True(t, hasCode(err, ErrorInvalidConfig))
}

func TestConfigValidate(t *testing.T) {
	cases := map[string]func(*Config){
		"http scheme":      func(c *Config) { c.URL = "http://example.com" },
		"empty url":        func(c *Config) { c.URL = "" },
		"unknown policy":   func(c *Config) { c.ReconnectPolicy = "linear" },
		"zero delay":       func(c *Config) { c.ReconnectDelay = 0 },
		"pebble no path":   func(c *Config) { c.Store.Backend = StorePebble },
		"unknown backend":  func(c *Config) { c.Store.Backend = "redis" },
		"negative history": func(c *Config) { c.HistoryCacheLimit = -1 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := DefaultConfig()
			mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			require.True(t, hasCode(err, ErrorInvalidConfig))
		})
	}

	require.NoError(t, DefaultConfig().Validate())
}
