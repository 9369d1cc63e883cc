package config

import (
	"io/ioutil"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config top-level struct
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Postgres  PostgresConfig  `yaml:"postgres"`
	Redis     RedisConfig     `yaml:"redis"`
	Kafka     KafkaConfig     `yaml:"kafka"`
	Ledger    LedgerConfig    `yaml:"ledger"`
	Sync      SyncConfig      `yaml:"sync"`
	Wallet    WalletConfig    `yaml:"wallet"`
	RateLimit RateLimitConfig `yaml:"ratelimit"`
}

type ServerConfig struct {
	Port     int    `yaml:"port"`
	LogLevel string `yaml:"log_level"`
}

type PostgresConfig struct {
	DSN string `yaml:"dsn"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type KafkaConfig struct {
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

// LedgerConfig points at the remote ledger API.
type LedgerConfig struct {
	BaseURL        string `yaml:"base_url"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

// Timeout returns the per-request timeout.
func (c LedgerConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// SyncConfig tunes the drain coordinator.
type SyncConfig struct {
	IntervalSeconds      int `yaml:"interval_seconds"`
	ProbeIntervalSeconds int `yaml:"probe_interval_seconds"`
	BatchSize            int `yaml:"batch_size"`
	BackoffFloorSeconds  int `yaml:"backoff_floor_seconds"`
	BackoffCapSeconds    int `yaml:"backoff_cap_seconds"`
}

func (c SyncConfig) Interval() time.Duration {
	return time.Duration(c.IntervalSeconds) * time.Second
}

func (c SyncConfig) ProbeInterval() time.Duration {
	return time.Duration(c.ProbeIntervalSeconds) * time.Second
}

func (c SyncConfig) BackoffFloor() time.Duration {
	return time.Duration(c.BackoffFloorSeconds) * time.Second
}

func (c SyncConfig) BackoffCap() time.Duration {
	return time.Duration(c.BackoffCapSeconds) * time.Second
}

// WalletConfig carries wallet policy defaults.
type WalletConfig struct {
	// DefaultOfflineDailyLimit seeds the cap for wallets with no usage
	// row yet, in major currency units (e.g. "100.00").
	DefaultOfflineDailyLimit string `yaml:"default_offline_daily_limit"`
}

type RateLimitConfig struct {
	RPS   int `yaml:"rps"`
	Burst int `yaml:"burst"`
}

// Load reads yaml file
func Load(path string) (*Config, error) {
	data, err := ioutil.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	// override DSN password from env if present
	if pw := os.Getenv("POSTGRES_PASSWORD"); pw != "" {
		cfg.Postgres.DSN = cfg.Postgres.DSN + " password=" + pw
	}
	applyDefaults(&cfg)
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Ledger.TimeoutSeconds <= 0 {
		cfg.Ledger.TimeoutSeconds = 10
	}
	if cfg.Sync.IntervalSeconds <= 0 {
		cfg.Sync.IntervalSeconds = 30
	}
	if cfg.Sync.ProbeIntervalSeconds <= 0 {
		cfg.Sync.ProbeIntervalSeconds = 15
	}
	if cfg.Sync.BackoffFloorSeconds <= 0 {
		cfg.Sync.BackoffFloorSeconds = 5
	}
	if cfg.Sync.BackoffCapSeconds <= 0 {
		cfg.Sync.BackoffCapSeconds = 300
	}
	if cfg.Wallet.DefaultOfflineDailyLimit == "" {
		cfg.Wallet.DefaultOfflineDailyLimit = "100.00"
	}
}
