// Package config loads and validates the TOML configuration.
package config

import (
	"fmt"
	"time"

	"github.com/BurntSushi/toml"
)

type Config struct {
	Server  ServerConfig  `toml:"server"`
	Log     LogConfig     `toml:"log"`
	Storage StorageConfig `toml:"storage"`
	Redis   RedisConfig   `toml:"redis"`
	Monitor MonitorConfig `toml:"monitor"`
	Feeds   FeedsConfig   `toml:"feeds"`
	Notify  NotifyConfig  `toml:"notify"`
}

type ServerConfig struct {
	Addr string `toml:"addr"`
}

type LogConfig struct {
	Level      string `toml:"level"`
	Console    bool   `toml:"console"`
	File       string `toml:"file"`
	MaxSizeMB  int    `toml:"max_size_mb"`
	MaxBackups int    `toml:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days"`
}

type StorageConfig struct {
	Driver      string `toml:"driver"` // sqlite | postgres
	SQLitePath  string `toml:"sqlite_path"`
	PostgresDSN string `toml:"postgres_dsn"`
}

type RedisConfig struct {
	Enabled  bool   `toml:"enabled"`
	Addr     string `toml:"addr"`
	Password string `toml:"password"`
	DB       int    `toml:"db"`
}

type MonitorConfig struct {
	ReconcileIntervalSecs int `toml:"reconcile_interval_secs"`
	CheckIntervalSecs     int `toml:"check_interval_secs"`
}

func (m MonitorConfig) ReconcileInterval() time.Duration {
	return time.Duration(m.ReconcileIntervalSecs) * time.Second
}

func (m MonitorConfig) CheckInterval() time.Duration {
	return time.Duration(m.CheckIntervalSecs) * time.Second
}

type FeedsConfig struct {
	Finnhub FinnhubConfig `toml:"finnhub"`
	Fugle   FugleConfig   `toml:"fugle"`
	Sinopac SinopacConfig `toml:"sinopac"`
	Polygon PolygonConfig `toml:"polygon"`
}

type FinnhubConfig struct {
	Enabled bool   `toml:"enabled"`
	URL     string `toml:"url"`
	APIKey  string `toml:"api_key"`
}

type FugleConfig struct {
	Enabled bool   `toml:"enabled"`
	URL     string `toml:"url"`
	APIKey  string `toml:"api_key"`
}

type SinopacConfig struct {
	Enabled   bool   `toml:"enabled"`
	URL       string `toml:"url"`
	APIKey    string `toml:"api_key"`
	SecretKey string `toml:"secret_key"`
}

type PolygonConfig struct {
	Enabled bool   `toml:"enabled"`
	BaseURL string `toml:"base_url"`
	APIKey  string `toml:"api_key"`
}

type NotifyConfig struct {
	TelegramToken string `toml:"telegram_token"`
	LineToken     string `toml:"line_token"`
}

func Load(path string) (*Config, error) {
	var cfg Config
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, fmt.Errorf("config: decode %s: %w", path, err)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.Addr == "" {
		c.Server.Addr = ":8087"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.MaxSizeMB <= 0 {
		c.Log.MaxSizeMB = 100
	}
	if c.Log.MaxBackups <= 0 {
		c.Log.MaxBackups = 5
	}
	if c.Log.MaxAgeDays <= 0 {
		c.Log.MaxAgeDays = 30
	}
	if c.Storage.Driver == "" {
		c.Storage.Driver = "sqlite"
	}
	if c.Storage.SQLitePath == "" {
		c.Storage.SQLitePath = "data/stockwatch.db"
	}
	if c.Redis.Addr == "" {
		c.Redis.Addr = "localhost:6379"
	}
	if c.Monitor.ReconcileIntervalSecs <= 0 {
		c.Monitor.ReconcileIntervalSecs = 300
	}
	if c.Monitor.CheckIntervalSecs <= 0 {
		c.Monitor.CheckIntervalSecs = 60
	}
}

func (c *Config) validate() error {
	switch c.Storage.Driver {
	case "sqlite":
	case "postgres":
		if c.Storage.PostgresDSN == "" {
			return fmt.Errorf("config: storage.postgres_dsn required for postgres driver")
		}
	default:
		return fmt.Errorf("config: unknown storage driver %q", c.Storage.Driver)
	}

	f := c.Feeds
	if !f.Finnhub.Enabled && !f.Fugle.Enabled && !f.Sinopac.Enabled && !f.Polygon.Enabled {
		return fmt.Errorf("config: no feed enabled, nothing to watch")
	}
	if f.Finnhub.Enabled && f.Finnhub.APIKey == "" {
		return fmt.Errorf("config: feeds.finnhub.api_key required")
	}
	if f.Fugle.Enabled && f.Fugle.APIKey == "" {
		return fmt.Errorf("config: feeds.fugle.api_key required")
	}
	if f.Sinopac.Enabled && (f.Sinopac.URL == "" || f.Sinopac.APIKey == "" || f.Sinopac.SecretKey == "") {
		return fmt.Errorf("config: feeds.sinopac needs url, api_key and secret_key")
	}
	if f.Polygon.Enabled && f.Polygon.APIKey == "" {
		return fmt.Errorf("config: feeds.polygon.api_key required")
	}
	return nil
}
