// Package config loads the stampd runtime configuration from a TOML file
// with environment-variable overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// APIKey describes a single key + secret pair accepted by the HTTP API.
type APIKey struct {
	Key    string `toml:"Key"`
	Secret string `toml:"Secret"`
}

// Config captures runtime configuration for the stampd service.
type Config struct {
	ListenAddress string `toml:"ListenAddress"`
	Environment   string `toml:"Environment"`

	// DatabaseURL is a Postgres DSN. When empty, SQLitePath is used instead,
	// which keeps development and tests self-contained.
	DatabaseURL string `toml:"DatabaseURL"`
	SQLitePath  string `toml:"SQLitePath"`

	APIKeys              []APIKey `toml:"APIKeys"`
	AllowedTimestampSkew duration `toml:"AllowedTimestampSkew"`
	RateLimitPerMinute   int      `toml:"RateLimitPerMinute"`

	SettleInterval duration `toml:"SettleInterval"`
	EscrowTTL      duration `toml:"EscrowTTL"`

	SignupGrant          int64 `toml:"SignupGrant"`
	DailyEarnCap         int64 `toml:"DailyEarnCap"`
	DailyDrip            int64 `toml:"DailyDrip"`
	ReplyBonus           int64 `toml:"ReplyBonus"`
	AllowNegativeBalance bool  `toml:"AllowNegativeBalance"`
	ReceivePriceMin      int64 `toml:"ReceivePriceMin"`
	ReceivePriceMax      int64 `toml:"ReceivePriceMax"`
}

type duration struct {
	time.Duration
}

func (d *duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = parsed
	return nil
}

// Default returns the configuration used when no file or environment
// overrides are present.
func Default() *Config {
	return &Config{
		ListenAddress:        ":8090",
		Environment:          "dev",
		SQLitePath:           "stampd.db",
		AllowedTimestampSkew: duration{2 * time.Minute},
		RateLimitPerMinute:   120,
		SettleInterval:       duration{time.Minute},
		EscrowTTL:            duration{72 * time.Hour},
		SignupGrant:          10,
		DailyEarnCap:         30,
		DailyDrip:            1,
		ReplyBonus:           2,
		ReceivePriceMin:      1,
		ReceivePriceMax:      10,
	}
}

// Load reads the configuration file at path when it exists, then applies
// environment overrides, then validates. An empty path skips the file step.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if _, err := toml.DecodeFile(path, cfg); err != nil {
				return nil, fmt.Errorf("decode config %s: %w", path, err)
			}
		} else if !os.IsNotExist(err) {
			return nil, err
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	if v := strings.TrimSpace(os.Getenv("STAMPD_LISTEN")); v != "" {
		c.ListenAddress = v
	}
	if v := strings.TrimSpace(os.Getenv("STAMPD_ENV")); v != "" {
		c.Environment = v
	}
	if v := strings.TrimSpace(os.Getenv("STAMPD_DB_URL")); v != "" {
		c.DatabaseURL = v
	}
	if v := strings.TrimSpace(os.Getenv("STAMPD_SQLITE_PATH")); v != "" {
		c.SQLitePath = v
	}
	if v := strings.TrimSpace(os.Getenv("STAMPD_SETTLE_INTERVAL")); v != "" {
		dur, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("parse STAMPD_SETTLE_INTERVAL: %w", err)
		}
		c.SettleInterval = duration{dur}
	}
	if v := strings.TrimSpace(os.Getenv("STAMPD_ESCROW_TTL")); v != "" {
		dur, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("parse STAMPD_ESCROW_TTL: %w", err)
		}
		c.EscrowTTL = duration{dur}
	}
	if v := strings.TrimSpace(os.Getenv("STAMPD_ALLOW_NEGATIVE_BALANCE")); v != "" {
		parsed, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("parse STAMPD_ALLOW_NEGATIVE_BALANCE: %w", err)
		}
		c.AllowNegativeBalance = parsed
	}
	if v := strings.TrimSpace(os.Getenv("STAMPD_API_KEYS")); v != "" {
		// Comma-separated key:secret pairs for container deployments.
		keys, err := parseAPIKeys(v)
		if err != nil {
			return err
		}
		c.APIKeys = keys
	}
	return nil
}

func parseAPIKeys(raw string) ([]APIKey, error) {
	var keys []APIKey
	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		parts := strings.SplitN(pair, ":", 2)
		if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
			return nil, fmt.Errorf("invalid STAMPD_API_KEYS entry %q", pair)
		}
		keys = append(keys, APIKey{Key: parts[0], Secret: parts[1]})
	}
	return keys, nil
}

// Validate checks internal consistency of the configuration.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.ListenAddress) == "" {
		return fmt.Errorf("ListenAddress is required")
	}
	if c.DatabaseURL == "" && strings.TrimSpace(c.SQLitePath) == "" {
		return fmt.Errorf("one of DatabaseURL or SQLitePath is required")
	}
	if c.SettleInterval.Duration <= 0 {
		return fmt.Errorf("SettleInterval must be positive")
	}
	if c.EscrowTTL.Duration <= 0 {
		return fmt.Errorf("EscrowTTL must be positive")
	}
	if c.SignupGrant < 0 || c.DailyDrip < 0 || c.ReplyBonus < 0 {
		return fmt.Errorf("grant amounts must be non-negative")
	}
	if c.ReceivePriceMin < 0 || c.ReceivePriceMax < c.ReceivePriceMin {
		return fmt.Errorf("receive price bounds are inconsistent")
	}
	for _, key := range c.APIKeys {
		if strings.TrimSpace(key.Key) == "" || strings.TrimSpace(key.Secret) == "" {
			return fmt.Errorf("API keys require both key and secret")
		}
	}
	return nil
}

// SettleEvery returns the scheduler interval.
func (c *Config) SettleEvery() time.Duration { return c.SettleInterval.Duration }

// EscrowLifetime returns how long a stake stays pending before timing out.
func (c *Config) EscrowLifetime() time.Duration { return c.EscrowTTL.Duration }

// TimestampSkew returns the allowed HMAC timestamp skew.
func (c *Config) TimestampSkew() time.Duration { return c.AllowedTimestampSkew.Duration }
