// Package config loads client settings from the environment, an optional .env file and flags.
package config

import (
	"flag"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	env "github.com/Netflix/go-env"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

// Store kinds.
const (
	StoreFile   = "file"
	StoreBadger = "badger"
	StoreMemory = "memory"
)

// Config is the client configuration. Flags bound with BindFlags override env values.
type Config struct {
	ServerURL        string        `env:"TM_SERVER_URL,default=http://localhost:8080" validate:"required,url"`
	WSURL            string        `env:"TM_WS_URL" validate:"omitempty,url"`
	RoomID           int64         `env:"TM_ROOM_ID,default=1" validate:"gt=0"`
	HistorySize      int           `env:"TM_HISTORY_SIZE,default=50" validate:"gt=0,lte=200"`
	ReconnectDelay   time.Duration `env:"TM_RECONNECT_DELAY,default=2s" validate:"gt=0"`
	SubscribeReceipt bool          `env:"TM_SUBSCRIBE_RECEIPT,default=false"`
	Store            string        `env:"TM_STORE,default=file" validate:"oneof=file badger memory"`
	ConfigDir        string        `env:"TM_CONFIG_DIR"`
	StorePassphrase  string        `env:"TM_STORE_PASSPHRASE"`
	LogLevel         string        `env:"TM_LOG_LEVEL,default=warn" validate:"oneof=debug info warn error"`
	MetricsAddr      string        `env:"TM_METRICS_ADDR"`
	HTTPTimeout      time.Duration `env:"TM_HTTP_TIMEOUT,default=15s" validate:"gt=0"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Load reads envFiles (default .env, missing files are ignored) and then the process environment.
func Load(envFiles ...string) (Config, error) {
	_ = godotenv.Load(envFiles...)

	var c Config
	if _, err := env.UnmarshalFromEnviron(&c); err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	return c, nil
}

// BindFlags registers override flags on fs using the current values as defaults.
func (c *Config) BindFlags(fs *flag.FlagSet) {
	fs.StringVar(&c.ServerURL, "server", c.ServerURL, "REST base URL")
	fs.StringVar(&c.WSURL, "ws", c.WSURL, "WebSocket URL (default derived from -server)")
	fs.Int64Var(&c.RoomID, "room", c.RoomID, "room id")
	fs.IntVar(&c.HistorySize, "history-size", c.HistorySize, "history backfill size")
	fs.DurationVar(&c.ReconnectDelay, "reconnect-delay", c.ReconnectDelay, "delay between reconnect attempts")
	fs.BoolVar(&c.SubscribeReceipt, "subscribe-receipt", c.SubscribeReceipt, "wait for broker RECEIPT before backfilling")
	fs.StringVar(&c.Store, "store", c.Store, "token store: file|badger|memory")
	fs.StringVar(&c.ConfigDir, "config-dir", c.ConfigDir, "directory for persisted session state")
	fs.StringVar(&c.LogLevel, "log-level", c.LogLevel, "debug|info|warn|error")
	fs.StringVar(&c.MetricsAddr, "metrics-addr", c.MetricsAddr, "serve /metrics on this address")
	fs.DurationVar(&c.HTTPTimeout, "http-timeout", c.HTTPTimeout, "REST request timeout")
}

// Validate fills derived defaults and checks the result.
func (c *Config) Validate() error {
	c.ServerURL = strings.TrimRight(c.ServerURL, "/")
	if c.WSURL == "" {
		ws, err := DeriveWSURL(c.ServerURL)
		if err != nil {
			return fmt.Errorf("config: %w", err)
		}
		c.WSURL = ws
	}
	if c.ConfigDir == "" {
		c.ConfigDir = DefaultDir()
	}
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

// DeriveWSURL maps http(s)://host/base to ws(s)://host/base/ws.
func DeriveWSURL(server string) (string, error) {
	u, err := url.Parse(server)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported server scheme %q", u.Scheme)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws"
	return u.String(), nil
}

// DefaultDir returns $XDG_CONFIG_HOME/turtle, falling back to ~/.config/turtle.
func DefaultDir() string {
	if x := os.Getenv("XDG_CONFIG_HOME"); x != "" {
		return filepath.Join(x, "turtle")
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "turtle")
}
