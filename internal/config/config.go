// Package config loads and watches the agent configuration. Every tuning
// knob of the exchange core (cadence, batching thresholds, backoff curve,
// store limits) lives here rather than in code: the values are deployment
// tuned, not protocol mandated.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/outpost-sys/outpost/internal/otel"
)

// ServerConfig holds the remote management server endpoint settings.
type ServerConfig struct {
	// URL is the message exchange endpoint.
	URL string `yaml:"url"`
	// CAFile optionally pins the server certificate authority.
	CAFile string `yaml:"ca_file"`
	// ComputerTitle is the human-readable name reported on registration.
	ComputerTitle string `yaml:"computer_title"`
	// ConnectTimeout bounds the TCP/TLS handshake.
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	// ExchangeTimeout bounds one whole exchange request.
	ExchangeTimeout time.Duration `yaml:"exchange_timeout"`
}

// ExchangeConfig tunes the exchange state machine.
type ExchangeConfig struct {
	// Interval between regular exchanges.
	Interval time.Duration `yaml:"interval"`
	// UrgentInterval is the short delay used when an urgent exchange is
	// scheduled (operation results, plugin requests).
	UrgentInterval time.Duration `yaml:"urgent_interval"`
	// MaxMessages caps the number of messages in one payload.
	MaxMessages int `yaml:"max_messages"`
	// MaxPayloadBytes caps the serialized size of one payload.
	MaxPayloadBytes int `yaml:"max_payload_bytes"`
	// BackoffInitial is the first retry delay after a transport failure.
	BackoffInitial time.Duration `yaml:"backoff_initial"`
	// BackoffMax bounds the exponential retry delay.
	BackoffMax time.Duration `yaml:"backoff_max"`
	// ClockSkewThreshold is how far the server clock may drift from ours
	// before a clock-skew event is emitted.
	ClockSkewThreshold time.Duration `yaml:"clock_skew_threshold"`
}

// StoreConfig tunes the durable message store.
type StoreConfig struct {
	// MaxCount bounds how many unsent messages are retained; beyond it the
	// oldest unsent messages are rotated out (logged, never silent).
	MaxCount int `yaml:"max_count"`
	// MaxBytes bounds the total serialized size of retained messages.
	MaxBytes int64 `yaml:"max_bytes"`
	// MaxMessageBytes bounds one message; larger adds are rejected.
	MaxMessageBytes int `yaml:"max_message_bytes"`
}

// HashIDConfig tunes hash=>id request bookkeeping.
type HashIDConfig struct {
	// RequestTimeout is how long a delivered request may stay unanswered
	// before it is dropped and re-requested.
	RequestTimeout time.Duration `yaml:"request_timeout"`
	// MaxHashesPerRequest splits large lookups into several requests.
	MaxHashesPerRequest int `yaml:"max_hashes_per_request"`
}

// ScriptConfig tunes server-requested script execution.
type ScriptConfig struct {
	// TimeLimit is the wall-clock limit for one script run.
	TimeLimit time.Duration `yaml:"time_limit"`
	// OutputLimitBytes caps accumulated stdout+stderr.
	OutputLimitBytes int `yaml:"output_limit_bytes"`
	// AllowedUsers restricts which users scripts may run as. Empty means
	// only the agent's own user.
	AllowedUsers []string `yaml:"allowed_users"`
}

// BrokerConfig tunes the local RPC surface exposed to the monitor and
// manager processes.
type BrokerConfig struct {
	// Listen is the local listener address, e.g. "127.0.0.1:9099".
	Listen string `yaml:"listen"`
}

// PluginConfig holds per-plugin schedule overrides.
type PluginConfig struct {
	// Disabled plugins are registered but never scheduled.
	Disabled []string `yaml:"disabled"`
	// Intervals maps plugin name to run interval.
	Intervals map[string]time.Duration `yaml:"intervals"`
	// CronSchedules maps plugin name to a cron expression; takes precedence
	// over Intervals for plugins that support windowed sampling.
	CronSchedules map[string]string `yaml:"cron_schedules"`
}

// Config is the root agent configuration.
type Config struct {
	DataDir  string         `yaml:"data_dir"`
	LogLevel string         `yaml:"log_level"`
	Server   ServerConfig   `yaml:"server"`
	Exchange ExchangeConfig `yaml:"exchange"`
	Store    StoreConfig    `yaml:"store"`
	HashID   HashIDConfig   `yaml:"hash_id"`
	Script   ScriptConfig   `yaml:"script"`
	Broker   BrokerConfig   `yaml:"broker"`
	Plugins  PluginConfig   `yaml:"plugins"`
	OTel     otel.Config    `yaml:"otel"`
}

// DefaultDataDir returns the default data directory.
func DefaultDataDir() string {
	if env := os.Getenv("OUTPOST_HOME"); env != "" {
		return env
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".outpost")
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		DataDir:  DefaultDataDir(),
		LogLevel: "info",
		Server: ServerConfig{
			ConnectTimeout:  30 * time.Second,
			ExchangeTimeout: 2 * time.Minute,
		},
		Exchange: ExchangeConfig{
			Interval:           15 * time.Minute,
			UrgentInterval:     10 * time.Second,
			MaxMessages:        100,
			MaxPayloadBytes:    512 * 1024,
			BackoffInitial:     30 * time.Second,
			BackoffMax:         15 * time.Minute,
			ClockSkewThreshold: 5 * time.Minute,
		},
		Store: StoreConfig{
			MaxCount:        10000,
			MaxBytes:        16 * 1024 * 1024,
			MaxMessageBytes: 1024 * 1024,
		},
		HashID: HashIDConfig{
			RequestTimeout:      time.Hour,
			MaxHashesPerRequest: 500,
		},
		Script: ScriptConfig{
			TimeLimit:        5 * time.Minute,
			OutputLimitBytes: 512 * 1024,
		},
		Broker: BrokerConfig{
			Listen: "127.0.0.1:9099",
		},
	}
}

// Path returns the config file path under the data dir.
func Path(dataDir string) string {
	return filepath.Join(dataDir, "config.yaml")
}

// Load reads the config file, applies defaults for unset values and then
// environment overrides. A missing file yields the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			applyEnvOverrides(&cfg)
			return cfg, nil
		}
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	applyEnvOverrides(&cfg)
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate rejects configurations the exchange core cannot operate with.
func (c Config) Validate() error {
	if c.Exchange.UrgentInterval <= 0 {
		return fmt.Errorf("exchange.urgent_interval must be positive")
	}
	if c.Exchange.Interval < c.Exchange.UrgentInterval {
		return fmt.Errorf("exchange.interval (%s) must not be shorter than urgent_interval (%s)",
			c.Exchange.Interval, c.Exchange.UrgentInterval)
	}
	if c.Exchange.MaxMessages <= 0 {
		return fmt.Errorf("exchange.max_messages must be positive")
	}
	if c.Store.MaxMessageBytes <= 0 {
		return fmt.Errorf("store.max_message_bytes must be positive")
	}
	if c.HashID.MaxHashesPerRequest <= 0 {
		return fmt.Errorf("hash_id.max_hashes_per_request must be positive")
	}
	return nil
}

// Save writes the config file with restrictive permissions.
func Save(path string, cfg Config) error {
	raw, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	return os.WriteFile(path, raw, 0o600)
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("OUTPOST_HOME"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("OUTPOST_URL"); v != "" {
		cfg.Server.URL = v
	}
	if v := os.Getenv("OUTPOST_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("OUTPOST_EXCHANGE_INTERVAL"); v != "" {
		if d, err := parseDurationOrSeconds(v); err == nil {
			cfg.Exchange.Interval = d
		}
	}
	if v := os.Getenv("OUTPOST_URGENT_EXCHANGE_INTERVAL"); v != "" {
		if d, err := parseDurationOrSeconds(v); err == nil {
			cfg.Exchange.UrgentInterval = d
		}
	}
	if v := os.Getenv("OUTPOST_BROKER_LISTEN"); v != "" {
		cfg.Broker.Listen = v
	}
}

// parseDurationOrSeconds accepts either a Go duration ("90s") or a bare
// number of seconds ("90"), the form older deployments used.
func parseDurationOrSeconds(v string) (time.Duration, error) {
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second, nil
	}
	return time.ParseDuration(v)
}
