package config

import (
	"log"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Auth        AuthConfig        `mapstructure:"auth"`
	Database    DatabaseConfig    `mapstructure:"database"`
	Redis       RedisConfig       `mapstructure:"redis"`
	Vault       VaultConfig       `mapstructure:"vault"`
	Poller      PollerConfig      `mapstructure:"poller"`
	Diagnostics DiagnosticsConfig `mapstructure:"diagnostics"`
	Brokers     BrokersConfig     `mapstructure:"brokers"`
	Metrics     MetricsConfig     `mapstructure:"metrics"`
	Audit       AuditConfig       `mapstructure:"audit"`
	RateLimit   RateLimitConfig   `mapstructure:"rate_limit"`
}

type ServerConfig struct {
	Port     string `mapstructure:"port"`
	ReadOnly bool   `mapstructure:"read_only"`
}

type AuthConfig struct {
	RequireAPIKey bool   `mapstructure:"require_api_key"`
	APIKey        string `mapstructure:"api_key"` // single-user mode fallback
	AdminKey      string `mapstructure:"admin_key"`
}

type DatabaseConfig struct {
	DSN string `mapstructure:"dsn"`
}

type RedisConfig struct {
	Addr                  string `mapstructure:"addr"`
	Password              string `mapstructure:"password"`
	DB                    int    `mapstructure:"db"`
	IdempotencyTTLSeconds int    `mapstructure:"idempotency_ttl_seconds"`
	AuditListKey          string `mapstructure:"audit_list_key"`
	AuditListMax          int    `mapstructure:"audit_list_max"`
}

type VaultConfig struct {
	Key string `mapstructure:"key"`
}

type PollerConfig struct {
	IntervalSeconds        int `mapstructure:"interval_seconds"`
	BackoffBaseSeconds     int `mapstructure:"backoff_base_seconds"`
	BackoffMaxSeconds      int `mapstructure:"backoff_max_seconds"`
	MaxAttempts            int `mapstructure:"max_attempts"`
	ShutdownTimeoutSeconds int `mapstructure:"shutdown_timeout_seconds"`
}

func (p PollerConfig) Interval() time.Duration {
	return time.Duration(p.IntervalSeconds) * time.Second
}

func (p PollerConfig) BackoffBase() time.Duration {
	return time.Duration(p.BackoffBaseSeconds) * time.Second
}

func (p PollerConfig) BackoffMax() time.Duration {
	return time.Duration(p.BackoffMaxSeconds) * time.Second
}

func (p PollerConfig) ShutdownTimeout() time.Duration {
	return time.Duration(p.ShutdownTimeoutSeconds) * time.Second
}

type DiagnosticsConfig struct {
	ExpiryWarningMinutes int `mapstructure:"expiry_warning_minutes"`
}

func (d DiagnosticsConfig) ExpiryWarning() time.Duration {
	return time.Duration(d.ExpiryWarningMinutes) * time.Minute
}

type BrokersConfig struct {
	AngelOneBaseURL string `mapstructure:"angelone_base_url"`
	UpstoxBaseURL   string `mapstructure:"upstox_base_url"`
	AlpacaBaseURL   string `mapstructure:"alpaca_base_url"`
	AlpacaStream    bool   `mapstructure:"alpaca_stream"`
	AlpacaStreamURL string `mapstructure:"alpaca_stream_url"`
	// Per-broker outbound QPS against the upstream API.
	QPS   float64 `mapstructure:"qps"`
	Burst int     `mapstructure:"burst"`
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

type AuditConfig struct {
	Dir string `mapstructure:"dir"`
}

type RateLimitConfig struct {
	QPS   float64 `mapstructure:"qps"`
	Burst int     `mapstructure:"burst"`
}

func Load() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./configs")

	// Environment variables support
	// e.g. BROKERGATE_VAULT_KEY
	viper.SetEnvPrefix("brokergate")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	// Defaults
	viper.SetDefault("server.port", "8080")
	viper.SetDefault("server.read_only", false)
	viper.SetDefault("auth.require_api_key", false)
	viper.SetDefault("auth.admin_key", "")
	viper.SetDefault("redis.idempotency_ttl_seconds", 86400)
	viper.SetDefault("redis.audit_list_key", "audit_logs")
	viper.SetDefault("redis.audit_list_max", 10000)
	viper.SetDefault("poller.interval_seconds", 15)
	viper.SetDefault("poller.backoff_base_seconds", 2)
	viper.SetDefault("poller.backoff_max_seconds", 60)
	viper.SetDefault("poller.max_attempts", 5)
	viper.SetDefault("poller.shutdown_timeout_seconds", 10)
	viper.SetDefault("diagnostics.expiry_warning_minutes", 30)
	viper.SetDefault("brokers.angelone_base_url", "https://apiconnect.angelbroking.com")
	viper.SetDefault("brokers.upstox_base_url", "https://api.upstox.com/v2")
	viper.SetDefault("brokers.alpaca_base_url", "https://paper-api.alpaca.markets")
	viper.SetDefault("brokers.alpaca_stream", false)
	viper.SetDefault("brokers.alpaca_stream_url", "wss://paper-api.alpaca.markets/stream")
	viper.SetDefault("brokers.qps", 3)
	viper.SetDefault("brokers.burst", 5)
	viper.SetDefault("metrics.enabled", true)
	viper.SetDefault("metrics.path", "/metrics")
	viper.SetDefault("audit.dir", "./logs")
	viper.SetDefault("rate_limit.qps", 10)
	viper.SetDefault("rate_limit.burst", 20)

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			log.Println("No config file found, using defaults and env vars")
		} else {
			return nil, err
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}
