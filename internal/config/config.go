// Package config loads the YAML configuration file and applies environment
// variable overrides on top of built-in defaults.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// ---------------------------------------------------------------------------
// Configuration structs
// ---------------------------------------------------------------------------

// Config is the top-level configuration for the jib trading core.
type Config struct {
	Broker    Broker    `yaml:"broker"`
	Alpaca    Alpaca    `yaml:"alpaca"`
	Reconnect Reconnect `yaml:"reconnect"`
	Heartbeat Heartbeat `yaml:"heartbeat"`
	Risk      Risk      `yaml:"risk"`
	State     State     `yaml:"state"`
	Storage   Storage   `yaml:"storage"`
	Server    Server    `yaml:"server"`
	Logging   Logging   `yaml:"logging"`
	Symbols   []string  `yaml:"symbols"`
}

// Broker selects the session driver and trading mode.
type Broker struct {
	// Driver is "alpaca" or "simulator".
	Driver string `yaml:"driver"`
	// PaperTrading selects the paper environment. Live trading additionally
	// requires risk.allow_live_trading.
	PaperTrading bool `yaml:"paper_trading"`
}

// Alpaca holds credentials and endpoints for the Alpaca broker API. When
// BaseURL is empty it is derived from the paper/live flag.
type Alpaca struct {
	APIKey    string `yaml:"api_key"`
	APISecret string `yaml:"api_secret"`
	BaseURL   string `yaml:"base_url"`
	Feed      string `yaml:"feed"`
}

// Reconnect shapes the reconnect loop.
type Reconnect struct {
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	BackoffBase    time.Duration `yaml:"backoff_base"`
	BackoffMax     time.Duration `yaml:"backoff_max"`
	BackoffJitter  float64       `yaml:"backoff_jitter"`
	MaxAttempts    int           `yaml:"max_attempts"`
}

// Heartbeat sets the liveness thresholds.
type Heartbeat struct {
	Grace   time.Duration `yaml:"grace"`
	Timeout time.Duration `yaml:"timeout"`
}

// Risk defines the pre-trade limits.
type Risk struct {
	MaxOrderNotional   float64 `yaml:"max_order_notional"`
	MaxPositionSize    float64 `yaml:"max_position_size"`
	MaxDailyLoss       float64 `yaml:"max_daily_loss"`
	AllowLiveTrading   bool    `yaml:"allow_live_trading"`
	OrderRatePerMinute int     `yaml:"order_rate_per_minute"`
}

// State tunes the event fold and staleness detection.
type State struct {
	GapWindow  time.Duration `yaml:"gap_window"`
	StaleAfter time.Duration `yaml:"stale_after"`
}

// Storage holds paths for data persistence. Empty paths disable the
// corresponding store.
type Storage struct {
	DataDir    string        `yaml:"data_dir"`
	SQLitePath string        `yaml:"sqlite_path"`
	FlushEvery time.Duration `yaml:"flush_every"`
}

// Server holds the HTTP listener configuration.
type Server struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// Logging configures the application logger.
type Logging struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// ---------------------------------------------------------------------------
// Loading
// ---------------------------------------------------------------------------

// Default returns the configuration used when no file is given: simulator
// driver, paper mode, conservative risk limits.
func Default() *Config {
	return &Config{
		Broker: Broker{Driver: "simulator", PaperTrading: true},
		Reconnect: Reconnect{
			ConnectTimeout: 10 * time.Second,
			BackoffBase:    500 * time.Millisecond,
			BackoffMax:     30 * time.Second,
			BackoffJitter:  0.2,
			MaxAttempts:    10,
		},
		Heartbeat: Heartbeat{Grace: 5 * time.Second, Timeout: 15 * time.Second},
		Risk: Risk{
			MaxOrderNotional: 25000,
			MaxPositionSize:  1000,
			MaxDailyLoss:     5000,
		},
		State:   State{GapWindow: 2 * time.Second, StaleAfter: 10 * time.Second},
		Storage: Storage{FlushEvery: 30 * time.Second},
		Server:  Server{Host: "127.0.0.1", Port: 8090},
		Logging: Logging{Level: "info", Format: "json"},
	}
}

// Load reads the YAML configuration file at the given path on top of the
// defaults, then applies environment variable overrides. An empty path
// falls back to $JIB_CONFIG, and to defaults-plus-overrides when that is
// unset too.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		path = os.Getenv("JIB_CONFIG")
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config: %w", err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// AlpacaBaseURL resolves the trading endpoint: an explicit base_url wins,
// otherwise the paper/live flag selects the environment.
func (c *Config) AlpacaBaseURL() string {
	if c.Alpaca.BaseURL != "" {
		return c.Alpaca.BaseURL
	}
	if c.Broker.PaperTrading {
		return "https://paper-api.alpaca.markets"
	}
	return "https://api.alpaca.markets"
}

func (c *Config) validate() error {
	switch c.Broker.Driver {
	case "simulator", "alpaca":
	default:
		return fmt.Errorf("unknown broker driver %q", c.Broker.Driver)
	}
	if c.Reconnect.MaxAttempts <= 0 {
		return fmt.Errorf("reconnect.max_attempts must be positive")
	}
	if c.Heartbeat.Timeout <= c.Heartbeat.Grace {
		return fmt.Errorf("heartbeat.timeout must exceed heartbeat.grace")
	}
	return nil
}

// applyEnvOverrides checks well-known environment variables and overrides
// the corresponding configuration fields when they are set.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("JIB_BROKER_DRIVER"); v != "" {
		cfg.Broker.Driver = v
	}
	// IB_PAPER_TRADING is the name the original deployment used; JIB_ wins
	// when both are set.
	for _, key := range []string{"IB_PAPER_TRADING", "JIB_PAPER_TRADING"} {
		if v := os.Getenv(key); v != "" {
			if b, err := strconv.ParseBool(v); err == nil {
				cfg.Broker.PaperTrading = b
			}
		}
	}

	if v := os.Getenv("DATA_DIR"); v != "" {
		cfg.Storage.DataDir = v
	}
	if v := os.Getenv("SQLITE_PATH"); v != "" {
		cfg.Storage.SQLitePath = v
	}

	if v := os.Getenv("ALPACA_API_KEY"); v != "" {
		cfg.Alpaca.APIKey = v
	}
	if v := os.Getenv("ALPACA_API_SECRET"); v != "" {
		cfg.Alpaca.APISecret = v
	}
	if v := os.Getenv("ALPACA_BASE_URL"); v != "" {
		cfg.Alpaca.BaseURL = v
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}

	// Standard Alpaca env vars (highest priority — canonical names used by SDK).
	if v := os.Getenv("APCA_API_KEY_ID"); v != "" {
		cfg.Alpaca.APIKey = v
	}
	if v := os.Getenv("APCA_API_SECRET_KEY"); v != "" {
		cfg.Alpaca.APISecret = v
	}
}
