package config

import (
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Log       LogConfig       `mapstructure:"log"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Redis     RedisConfig     `mapstructure:"redis"`
	NATS      NATSConfig      `mapstructure:"nats"`
	Chains    []ChainConfig   `mapstructure:"chains"`
	Quote     QuoteConfig     `mapstructure:"quote"`
	PriceFeed PriceFeedConfig `mapstructure:"price_feed"`
	Reconcile ReconcileConfig `mapstructure:"reconcile"`
	Confirm   ConfirmConfig   `mapstructure:"confirm"`
}

type ServerConfig struct {
	Port         string  `mapstructure:"port"`
	RateLimitQPS float64 `mapstructure:"rate_limit_qps"`
	RateBurst    int     `mapstructure:"rate_burst"`
	MetricsPath  string  `mapstructure:"metrics_path"`
	// ReadOnly refuses every non-admin write, for maintenance windows.
	ReadOnly bool `mapstructure:"read_only"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
	// File enables rotated file output in addition to stdout.
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	// AuditFile receives one JSON line per audited request.
	AuditFile string `mapstructure:"audit_file"`
}

type AuthConfig struct {
	// AdminKey guards agent-only routes (approve, reconcile, audit).
	AdminKey string `mapstructure:"admin_key"`
}

type DatabaseConfig struct {
	Driver                    string `mapstructure:"driver"` // postgres | sqlite
	DSN                       string `mapstructure:"dsn"`
	MaxOpenConns              int    `mapstructure:"max_open_conns"`
	IdempotencyRetentionHours int    `mapstructure:"idempotency_retention_hours"`
	AuditRetentionDays        int    `mapstructure:"audit_retention_days"`
}

type RedisConfig struct {
	Addr                  string `mapstructure:"addr"`
	Password              string `mapstructure:"password"`
	DB                    int    `mapstructure:"db"`
	IdempotencyTTLSeconds int    `mapstructure:"idempotency_ttl_seconds"`
	QuoteCacheTTLSeconds  int    `mapstructure:"quote_cache_ttl_seconds"`
}

type NATSConfig struct {
	URL           string `mapstructure:"url"`
	SubjectPrefix string `mapstructure:"subject_prefix"`
	TimeoutSec    int    `mapstructure:"timeout_sec"`
}

// ChainConfig describes one escrow deployment. Each adapter receives its own copy.
type ChainConfig struct {
	Name    string `mapstructure:"name"`
	Family  string `mapstructure:"family"` // evm | solana
	RPCURL  string `mapstructure:"rpc_url"`
	ChainID int64  `mapstructure:"chain_id"`

	// EVM: OTC contract address. Solana: program id.
	EscrowAddress string `mapstructure:"escrow_address"`
	// Solana only: desk account of the program.
	DeskAddress string `mapstructure:"desk_address"`

	// Operator key used for agent-side instructions (approve, cancel, claim).
	// Hex for EVM, base58 64-byte secret for Solana.
	OperatorKey string `mapstructure:"operator_key"`

	MinConfirmations  uint64 `mapstructure:"min_confirmations"`
	MaxSubmitAttempts int    `mapstructure:"max_submit_attempts"`
	NativeDecimals    int32  `mapstructure:"native_decimals"`

	// Pool oracle (EVM): Uniswap v3 style factory and the quote token to pair with.
	PoolFactory    string `mapstructure:"pool_factory"`
	PoolQuoteToken string `mapstructure:"pool_quote_token"`

	// ResetDetection compares block heights between reconcile runs. Local/test networks only.
	ResetDetection bool `mapstructure:"reset_detection"`
}

type QuoteConfig struct {
	ExpirySeconds int `mapstructure:"expiry_seconds"`
}

type PriceFeedConfig struct {
	URL             string            `mapstructure:"url"`
	MaxAgeSeconds   int               `mapstructure:"max_age_seconds"`
	StaticPrices    map[string]string `mapstructure:"static_prices"`
	NativeUSDPrices map[string]string `mapstructure:"native_usd_prices"`
}

type ReconcileConfig struct {
	IntervalSeconds       int `mapstructure:"interval_seconds"`
	PendingTimeoutSeconds int `mapstructure:"pending_timeout_seconds"`
	BatchSize             int `mapstructure:"batch_size"`
}

type ConfirmConfig struct {
	InitialIntervalMs int     `mapstructure:"initial_interval_ms"`
	MaxIntervalMs     int     `mapstructure:"max_interval_ms"`
	Multiplier        float64 `mapstructure:"multiplier"`
	MaxPolls          int     `mapstructure:"max_polls"`
}

func (c ReconcileConfig) Interval() time.Duration {
	return time.Duration(c.IntervalSeconds) * time.Second
}

func (c ReconcileConfig) PendingTimeout() time.Duration {
	return time.Duration(c.PendingTimeoutSeconds) * time.Second
}

// Chain returns the named chain entry.
func (c *Config) Chain(name string) (ChainConfig, bool) {
	for _, ch := range c.Chains {
		if strings.EqualFold(ch.Name, name) {
			return ch, true
		}
	}
	return ChainConfig{}, false
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./configs")

	// e.g. OTCGATE_DATABASE_DSN
	v.SetEnvPrefix("otcgate")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			log.Println("No config file found, using defaults and env vars")
		} else {
			return nil, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	if err := cfg.normalize(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", "8080")
	v.SetDefault("server.rate_limit_qps", 20)
	v.SetDefault("server.rate_burst", 40)
	v.SetDefault("server.metrics_path", "/metrics")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.max_size_mb", 100)
	v.SetDefault("log.max_backups", 5)
	v.SetDefault("log.max_age_days", 14)
	v.SetDefault("database.driver", "postgres")
	v.SetDefault("database.dsn", "")
	v.SetDefault("database.max_open_conns", 50)
	v.SetDefault("database.idempotency_retention_hours", 168)
	v.SetDefault("database.audit_retention_days", 30)
	v.SetDefault("redis.idempotency_ttl_seconds", 86400)
	v.SetDefault("redis.quote_cache_ttl_seconds", 300)
	v.SetDefault("nats.subject_prefix", "otc")
	v.SetDefault("nats.timeout_sec", 10)
	v.SetDefault("quote.expiry_seconds", 1800)
	v.SetDefault("price_feed.max_age_seconds", 60)
	v.SetDefault("reconcile.interval_seconds", 30)
	v.SetDefault("reconcile.pending_timeout_seconds", 600)
	v.SetDefault("reconcile.batch_size", 200)
	v.SetDefault("confirm.initial_interval_ms", 2000)
	v.SetDefault("confirm.max_interval_ms", 10000)
	v.SetDefault("confirm.multiplier", 1.5)
	v.SetDefault("confirm.max_polls", 15)
}

func (c *Config) normalize() error {
	seen := make(map[string]bool, len(c.Chains))
	for i := range c.Chains {
		ch := &c.Chains[i]
		ch.Name = strings.ToLower(strings.TrimSpace(ch.Name))
		ch.Family = strings.ToLower(strings.TrimSpace(ch.Family))
		if ch.Name == "" {
			return fmt.Errorf("chains[%d]: name is required", i)
		}
		if seen[ch.Name] {
			return fmt.Errorf("chains[%d]: duplicate chain %q", i, ch.Name)
		}
		seen[ch.Name] = true
		switch ch.Family {
		case "evm", "solana":
		case "":
			if ch.Name == "solana" {
				ch.Family = "solana"
			} else {
				ch.Family = "evm"
			}
		default:
			return fmt.Errorf("chain %s: unknown family %q", ch.Name, ch.Family)
		}
		if ch.MinConfirmations == 0 {
			ch.MinConfirmations = 1
		}
		if ch.MaxSubmitAttempts <= 0 {
			ch.MaxSubmitAttempts = 3
		}
		if ch.NativeDecimals == 0 {
			if ch.Family == "solana" {
				ch.NativeDecimals = 9
			} else {
				ch.NativeDecimals = 18
			}
		}
	}
	return nil
}
