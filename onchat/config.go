package onchat

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/caarlos0/env/v6"
)

// Reconnect policies.
const (
	ReconnectConstant    = "constant"
	ReconnectExponential = "exponential"
)

// Store backends understood by store.Open.
const (
	StoreMemory = "memory"
	StorePebble = "pebble"
	StoreSQLite = "sqlite"
)

// Config controls how the SDK connects.
type Config struct {
	URL              string        `toml:"url" env:"ONCHAT_URL"`
	HandshakeTimeout time.Duration `toml:"handshake_timeout" env:"ONCHAT_HANDSHAKE_TIMEOUT"`
	ReadTimeout      time.Duration `toml:"read_timeout" env:"ONCHAT_READ_TIMEOUT"` // 0 disables; a read timeout closes the socket
	WriteTimeout     time.Duration `toml:"write_timeout" env:"ONCHAT_WRITE_TIMEOUT"`

	AutoReconnect     bool          `toml:"auto_reconnect" env:"ONCHAT_AUTO_RECONNECT"`
	ReconnectDelay    time.Duration `toml:"reconnect_delay" env:"ONCHAT_RECONNECT_DELAY"`
	ReconnectPolicy   string        `toml:"reconnect_policy" env:"ONCHAT_RECONNECT_POLICY"`
	MaxReconnectDelay time.Duration `toml:"max_reconnect_delay" env:"ONCHAT_MAX_RECONNECT_DELAY"`

	// PendingTimeout bounds how long an unanswered request blocks a duplicate.
	PendingTimeout time.Duration `toml:"pending_timeout" env:"ONCHAT_PENDING_TIMEOUT"`
	// EchoWindow is how long a local echo waits for the server copy of the same message.
	EchoWindow time.Duration `toml:"echo_window" env:"ONCHAT_ECHO_WINDOW"`

	RecentContactLimit int `toml:"recent_contact_limit" env:"ONCHAT_RECENT_CONTACT_LIMIT"`
	HistoryCacheLimit  int `toml:"history_cache_limit" env:"ONCHAT_HISTORY_CACHE_LIMIT"`

	Store    StoreConfig `toml:"store"`
	LogLevel string      `toml:"log_level" env:"ONCHAT_LOG_LEVEL"`
}

// StoreConfig selects the Local Persistence Bridge backend.
type StoreConfig struct {
	Backend string `toml:"backend" env:"ONCHAT_STORE_BACKEND"`
	Path    string `toml:"path" env:"ONCHAT_STORE_PATH"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		URL:                "wss://chat.longapp.site/chat/chat",
		HandshakeTimeout:   10 * time.Second,
		WriteTimeout:       10 * time.Second,
		AutoReconnect:      true,
		ReconnectDelay:     3 * time.Second,
		ReconnectPolicy:    ReconnectConstant,
		MaxReconnectDelay:  30 * time.Second,
		PendingTimeout:     10 * time.Second,
		EchoWindow:         5 * time.Second,
		RecentContactLimit: 50,
		HistoryCacheLimit:  100,
		Store:              StoreConfig{Backend: StoreMemory},
		LogLevel:           "info",
	}
}

// LoadConfig starts from DefaultConfig, overlays the TOML file at path (if
// path is non-empty and exists), then ONCHAT_* environment variables.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				return cfg, WrapError(ErrorInvalidConfig, "decode "+path, err)
			}
		}
	}
	if err := env.Parse(&cfg); err != nil {
		return cfg, WrapError(ErrorInvalidConfig, "parse environment", err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate reports the first invalid field.
func (c Config) Validate() error {
	if c.URL == "" {
		return NewError(ErrorInvalidConfig, "empty URL")
	}
	u, err := url.Parse(c.URL)
	if err != nil {
		return WrapError(ErrorInvalidConfig, "parse URL", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return NewError(ErrorInvalidConfig, fmt.Sprintf("unsupported URL scheme %q", u.Scheme))
	}
	switch c.ReconnectPolicy {
	case "", ReconnectConstant, ReconnectExponential:
	default:
		return NewError(ErrorInvalidConfig, fmt.Sprintf("unknown reconnect policy %q", c.ReconnectPolicy))
	}
	if c.AutoReconnect && c.ReconnectDelay <= 0 {
		return NewError(ErrorInvalidConfig, "reconnect delay must be positive")
	}
	switch c.Store.Backend {
	case "", StoreMemory:
	case StorePebble, StoreSQLite:
		if c.Store.Path == "" {
			return NewError(ErrorInvalidConfig, c.Store.Backend+" store needs a path")
		}
	default:
		return NewError(ErrorInvalidConfig, fmt.Sprintf("unknown store backend %q", c.Store.Backend))
	}
	if c.RecentContactLimit < 0 || c.HistoryCacheLimit < 0 {
		return NewError(ErrorInvalidConfig, "limits must not be negative")
	}
	return nil
}
