// Package config loads the server settings and the broker/user account
// registry consumed by the session layer.
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

// Config is the top-level configuration for the mervalmcp server.
type Config struct {
	Server  Server  `yaml:"server"`
	Logging Logging `yaml:"logging"`
	Gateway Gateway `yaml:"gateway"`
	Trading Trading `yaml:"trading"`

	// Broker/user registry loaded from Gateway.BrokerConfigPath. Nil when
	// the file is absent.
	brokers *BrokerFile
}

// Server holds network listener configuration.
type Server struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// Logging configures the application logger.
type Logging struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Gateway holds parameters for talking to the trading gateway.
type Gateway struct {
	BrokerConfigPath      string `yaml:"broker_config_path"`
	RequestTimeoutSeconds int    `yaml:"request_timeout_seconds"`
	RequestsPerMinute     int    `yaml:"requests_per_minute"`
}

// Trading defines session and MEP execution parameters.
type Trading struct {
	CommissionRate        float64 `yaml:"commission_rate"`
	CommissionMode        string  `yaml:"commission_mode"`
	SessionTTLHours       int     `yaml:"session_ttl_hours"`
	QuoteFreshnessSeconds int     `yaml:"quote_freshness_seconds"`
	OrderRetentionSeconds int     `yaml:"order_retention_seconds"`
}

// Commission modes: how the configured commission rate is split across the
// two MEP legs. "combined" applies the full rate once to the pair, matching
// the broker's published reference rate.
const (
	CommissionModeCombined = "combined"
	CommissionModeSplit    = "split"
	CommissionModeBuyLeg   = "buy-leg"
	CommissionModeSellLeg  = "sell-leg"
)

// ---------------------------------------------------------------------------
// Loading
// ---------------------------------------------------------------------------

// Default returns a Config populated with production defaults.
func Default() *Config {
	return &Config{
		Server:  Server{Host: "127.0.0.1", Port: 8910},
		Logging: Logging{Level: "info", Format: "json"},
		Gateway: Gateway{
			BrokerConfigPath:      "broker_config.json",
			RequestTimeoutSeconds: 10,
			RequestsPerMinute:     60,
		},
		Trading: Trading{
			CommissionRate:        0.005,
			CommissionMode:        CommissionModeCombined,
			SessionTTLHours:       8,
			QuoteFreshnessSeconds: 10,
			OrderRetentionSeconds: 300,
		},
	}
}

// Load reads the YAML configuration file at the given path, applies
// environment variable overrides, loads the broker registry, and validates
// the result. An empty path yields the defaults (still subject to env
// overrides).
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, err
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	// The broker registry is optional at startup; sessions for unknown
	// users fail later with a ConfigurationError instead.
	if cfg.Gateway.BrokerConfigPath != "" {
		brokers, err := LoadBrokers(cfg.Gateway.BrokerConfigPath)
		if err == nil {
			cfg.brokers = brokers
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("broker registry %s: %w", cfg.Gateway.BrokerConfigPath, err)
		}
	}

	return cfg, nil
}

// applyEnvOverrides checks well-known environment variables and overrides
// the corresponding configuration fields when they are set.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}
	if v := os.Getenv("MERVALMCP_HOST"); v != "" {
		cfg.Server.Host = v
	}
	if v := os.Getenv("MERVALMCP_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = p
		}
	}
	if v := os.Getenv("BROKER_CONFIG_PATH"); v != "" {
		cfg.Gateway.BrokerConfigPath = v
	}
	if v := os.Getenv("GATEWAY_TIMEOUT_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Gateway.RequestTimeoutSeconds = n
		}
	}
	if v := os.Getenv("COMMISSION_RATE"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Trading.CommissionRate = f
		}
	}
	if v := os.Getenv("COMMISSION_MODE"); v != "" {
		cfg.Trading.CommissionMode = v
	}
	if v := os.Getenv("SESSION_TTL_HOURS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Trading.SessionTTLHours = n
		}
	}
}

// Validate checks consistency of the loaded configuration.
func (c *Config) Validate() error {
	if c.Trading.CommissionRate < 0 {
		return fmt.Errorf("commission_rate must not be negative")
	}
	switch c.Trading.CommissionMode {
	case CommissionModeCombined, CommissionModeSplit, CommissionModeBuyLeg, CommissionModeSellLeg:
	default:
		return fmt.Errorf("unknown commission_mode %q", c.Trading.CommissionMode)
	}
	if c.Trading.SessionTTLHours <= 0 {
		return fmt.Errorf("session_ttl_hours must be positive")
	}
	if c.Gateway.RequestTimeoutSeconds <= 0 {
		return fmt.Errorf("request_timeout_seconds must be positive")
	}
	if c.Trading.QuoteFreshnessSeconds <= 0 {
		return fmt.Errorf("quote_freshness_seconds must be positive")
	}
	return nil
}

// SessionTTL returns the absolute session lifetime.
func (c *Config) SessionTTL() time.Duration {
	return time.Duration(c.Trading.SessionTTLHours) * time.Hour
}

// QuoteFreshness returns the freshness bound for MEP previews.
func (c *Config) QuoteFreshness() time.Duration {
	return time.Duration(c.Trading.QuoteFreshnessSeconds) * time.Second
}

// OrderRetention returns how long terminal orders stay queryable.
func (c *Config) OrderRetention() time.Duration {
	return time.Duration(c.Trading.OrderRetentionSeconds) * time.Second
}

// RequestTimeout returns the per-request gateway timeout.
func (c *Config) RequestTimeout() time.Duration {
	return time.Duration(c.Gateway.RequestTimeoutSeconds) * time.Second
}

// ListenAddr returns the host:port pair for the HTTP listener.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}
