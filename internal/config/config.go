// Package config loads and exposes application configuration (TOML).
package config

import (
	"os"
	"time"

	"github.com/BurntSushi/toml"
)

// Default configuration values used when a field is missing in TOML.
const (
	DefaultConfigPath       = "config.toml"
	DefaultHTTPAddr         = ":8080"
	DefaultPGHost           = "127.0.0.1"
	DefaultPGPort           = 5432
	DefaultPGUser           = "postgres"
	DefaultPGDatabase       = "chatdock"
	DefaultPGSSLMode        = "disable"
	DefaultRedisAddr        = "127.0.0.1:6379"
	DefaultIngestWorkers    = 4
	DefaultIngestAttempts   = 8
	DefaultOutboundRetries  = 6
	DefaultOutboundWorkers  = 8
	DefaultJobTimeout       = "30s"
	DefaultLockTTL          = "15s"
	DefaultLockWait         = "2s"
	DefaultBackoffBase      = "500ms"
	DefaultBackoffCap       = "5m"
	DefaultPollInterval     = "250ms"
	DefaultReaperSchedule   = "@every 1m"
	DefaultNotifyTimeout    = "3s"
	DefaultReplyTimeout     = "60s"
	DefaultOutboundSendRate = 10.0
)

// Config is the root application configuration loaded from TOML.
type Config struct {
	Log       LogConfig       `toml:"log"`
	Server    ServerConfig    `toml:"server"`
	Postgres  PostgresConfig  `toml:"postgres"`
	Redis     RedisConfig     `toml:"redis"`
	Vault     VaultConfig     `toml:"vault"`
	Ingest    IngestConfig    `toml:"ingest"`
	Outbound  OutboundConfig  `toml:"outbound"`
	Providers ProvidersConfig `toml:"providers"`
	Notify    NotifyConfig    `toml:"notify"`
	Reply     ReplyConfig     `toml:"reply"`
}

// LogConfig holds logging level and format (e.g. level=info, format=text).
type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// ServerConfig holds the HTTP server listen address and admin-API JWT secret.
type ServerConfig struct {
	Addr      string `toml:"addr"`
	JWTSecret string `toml:"jwt_secret"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	Host     string `toml:"host"`
	Port     int    `toml:"port"`
	User     string `toml:"user"`
	Password string `toml:"password"`
	Database string `toml:"database"`
	SSLMode  string `toml:"sslmode"`
}

// RedisConfig holds the Redis connection used by the lock coordinator and the
// outbound task queue.
type RedisConfig struct {
	Addr     string `toml:"addr"`
	Password string `toml:"password"`
	DB       int    `toml:"db"`
}

// VaultConfig holds the base64-encoded 32-byte master key that seals channel credentials.
type VaultConfig struct {
	MasterKey string `toml:"master_key"`
}

// IngestConfig controls the ingestion queue and delivery workers.
type IngestConfig struct {
	Workers        int    `toml:"workers"`
	MaxAttempts    int    `toml:"max_attempts"`
	JobTimeout     string `toml:"job_timeout"`
	LockTTL        string `toml:"lock_ttl"`
	LockWait       string `toml:"lock_wait"`
	BackoffBase    string `toml:"backoff_base"`
	BackoffCap     string `toml:"backoff_cap"`
	PollInterval   string `toml:"poll_interval"`
	ReaperSchedule string `toml:"reaper_schedule"`
}

// OutboundConfig controls the outbound dispatcher.
type OutboundConfig struct {
	Concurrency int     `toml:"concurrency"`
	MaxRetries  int     `toml:"max_retries"`
	SendRate    float64 `toml:"send_rate"`
}

// ProviderAppConfig holds the application-level webhook secret for providers
// that sign deliveries with one shared app secret (Graph-style APIs).
type ProviderAppConfig struct {
	AppSecret   string `toml:"app_secret"`
	VerifyToken string `toml:"verify_token"`
}

// ProvidersConfig holds per-provider application settings.
type ProvidersConfig struct {
	Messenger ProviderAppConfig `toml:"messenger"`
	Instagram ProviderAppConfig `toml:"instagram"`
}

// NotifyConfig holds the realtime-notification collaborator endpoint.
type NotifyConfig struct {
	BaseURL string `toml:"base_url"`
	Token   string `toml:"token"`
	Timeout string `toml:"timeout"`
}

// ReplyConfig holds the AI-response collaborator endpoint.
type ReplyConfig struct {
	BaseURL string `toml:"base_url"`
	Token   string `toml:"token"`
	Timeout string `toml:"timeout"`
}

// Duration parses s and falls back to def when s is empty or invalid.
func Duration(s, def string) time.Duration {
	if d, err := time.ParseDuration(s); err == nil && d > 0 {
		return d
	}
	d, _ := time.ParseDuration(def)
	return d
}

// Load reads and parses the TOML config file at path and applies default values for missing fields.
func Load(path string) (Config, error) {
	cfg := Config{
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Server: ServerConfig{
			Addr: DefaultHTTPAddr,
		},
		Postgres: PostgresConfig{
			Host:     DefaultPGHost,
			Port:     DefaultPGPort,
			User:     DefaultPGUser,
			Database: DefaultPGDatabase,
			SSLMode:  DefaultPGSSLMode,
		},
		Redis: RedisConfig{
			Addr: DefaultRedisAddr,
		},
		Ingest: IngestConfig{
			Workers:        DefaultIngestWorkers,
			MaxAttempts:    DefaultIngestAttempts,
			JobTimeout:     DefaultJobTimeout,
			LockTTL:        DefaultLockTTL,
			LockWait:       DefaultLockWait,
			BackoffBase:    DefaultBackoffBase,
			BackoffCap:     DefaultBackoffCap,
			PollInterval:   DefaultPollInterval,
			ReaperSchedule: DefaultReaperSchedule,
		},
		Outbound: OutboundConfig{
			Concurrency: DefaultOutboundWorkers,
			MaxRetries:  DefaultOutboundRetries,
			SendRate:    DefaultOutboundSendRate,
		},
		Notify: NotifyConfig{
			Timeout: DefaultNotifyTimeout,
		},
		Reply: ReplyConfig{
			Timeout: DefaultReplyTimeout,
		},
	}

	if path == "" {
		path = DefaultConfigPath
	}

	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, err
	}

	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return cfg, err
	}

	return cfg, nil
}
