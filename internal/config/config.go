// File: internal/config/config.go
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type RuntimeConfig struct {
	Dev bool
}

type LogConfig struct {
	Level    string `yaml:"level"`    // trace|debug|info|warn|error
	Format   string `yaml:"format"`   // json|console
	Sampling bool   `yaml:"sampling"` // enable sampling in prod
}

type DatabaseConfig struct {
	URL      string `yaml:"url"`
	MaxConns int32  `yaml:"max_conns"`
}

type RedisConfig struct {
	URL      string `yaml:"url"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	// LockTTL bounds how long one replica may hold a tenant's cadence lock.
	// It must be at least scheduler.tick_timeout.
	LockTTL time.Duration `yaml:"lock_ttl"`
}

type ProviderConfig struct {
	Mock           bool          `yaml:"mock"`
	APIKey         string        `yaml:"api_key"`
	BaseURL        string        `yaml:"base_url"`
	Model          string        `yaml:"model"`
	RequestTimeout time.Duration `yaml:"request_timeout"` // per provider call
	// MockStageDuration is how long the mock gateway spends in each status stage.
	MockStageDuration time.Duration `yaml:"mock_stage_duration"`
	// MaxConcurrentCalls caps in-flight provider calls across all tenants.
	MaxConcurrentCalls int `yaml:"max_concurrent_calls"`
}

type BatchConfig struct {
	MinBatchSize          int           `yaml:"min_batch_size"`
	MaxBatchSize          int           `yaml:"max_batch_size"`
	MaxWait               time.Duration `yaml:"max_wait"`
	MaxBatchTokens        int           `yaml:"max_batch_tokens"`
	RetryBatchSize        int           `yaml:"retry_batch_size"`
	IndividualMaxAttempts int           `yaml:"individual_max_attempts"`
}

type RetryConfig struct {
	MaxRetries int           `yaml:"max_retries"`
	BaseDelay  time.Duration `yaml:"base_delay"`
	Multiplier float64       `yaml:"multiplier"`
	MaxDelay   time.Duration `yaml:"max_delay"`
}

type BreakerConfig struct {
	Threshold int           `yaml:"threshold"`
	Timeout   time.Duration `yaml:"timeout"`
}

type SchedulerConfig struct {
	Enabled              bool          `yaml:"enabled"`
	CreateInterval       time.Duration `yaml:"create_interval"`
	StatusInterval       time.Duration `yaml:"status_interval"`
	ReconcileInterval    time.Duration `yaml:"reconcile_interval"`
	RetryInterval        time.Duration `yaml:"retry_interval"`
	MaxConsecutiveErrors int           `yaml:"max_consecutive_errors"`
	ErrorPause           time.Duration `yaml:"error_pause"`
	BatchTimeout         time.Duration `yaml:"batch_timeout"`
	MaxConcurrentTenants int           `yaml:"max_concurrent_tenants"`
	TenantCacheTTL       time.Duration `yaml:"tenant_cache_ttl"`
	TickTimeout          time.Duration `yaml:"tick_timeout"`
}

type OpsConfig struct {
	Port      int           `yaml:"port"`
	JWTSecret string        `yaml:"jwt_secret"`
	TokenTTL  time.Duration `yaml:"token_ttl"`
	// ForceBatchLimit manual force-batch calls are allowed per tenant per ForceBatchWindow.
	ForceBatchLimit  int           `yaml:"force_batch_limit"`
	ForceBatchWindow time.Duration `yaml:"force_batch_window"`
}

type AlertConfig struct {
	TelegramToken  string `yaml:"telegram_token"`
	TelegramChatID int64  `yaml:"telegram_chat_id"`
	Prefix         string `yaml:"prefix"`
}

type Config struct {
	Log       LogConfig       `yaml:"log"`
	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	Provider  ProviderConfig  `yaml:"provider"`
	Batch     BatchConfig     `yaml:"batch"`
	Retry     RetryConfig     `yaml:"retry"`
	Breaker   BreakerConfig   `yaml:"breaker"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Ops       OpsConfig       `yaml:"ops"`
	Alert     AlertConfig     `yaml:"alert"`

	Runtime RuntimeConfig `yaml:"-"`
}

// LoadConfig reads the YAML file at path, applies env overrides and defaults,
// and validates the result.
func LoadConfig(path string, dev bool) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(b, dev)
}

// Parse is LoadConfig without the file read.
func Parse(b []byte, dev bool) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.Runtime.Dev = dev
	applyEnv(&cfg)
	applyDefaults(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Database.URL = v
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		cfg.Redis.URL = v
	}
	if v := os.Getenv("OPENAI_API_KEY"); v != "" {
		cfg.Provider.APIKey = v
	}
	if v := os.Getenv("OPS_JWT_SECRET"); v != "" {
		cfg.Ops.JWTSecret = v
	}
	if v := os.Getenv("TELEGRAM_ALERT_TOKEN"); v != "" {
		cfg.Alert.TelegramToken = v
	}
}

func applyDefaults(cfg *Config) {
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "json"
	}
	if cfg.Database.MaxConns <= 0 {
		cfg.Database.MaxConns = 10
	}

	if cfg.Provider.Model == "" {
		cfg.Provider.Model = "gpt-4o-mini"
	}
	if cfg.Provider.BaseURL == "" {
		cfg.Provider.BaseURL = "https://api.openai.com/v1"
	}
	if cfg.Provider.RequestTimeout <= 0 {
		cfg.Provider.RequestTimeout = 60 * time.Second
	}
	if cfg.Provider.MockStageDuration <= 0 {
		cfg.Provider.MockStageDuration = 30 * time.Second
	}
	if cfg.Provider.MaxConcurrentCalls <= 0 {
		cfg.Provider.MaxConcurrentCalls = 4
	}

	if cfg.Batch.MinBatchSize <= 0 {
		cfg.Batch.MinBatchSize = 10
	}
	if cfg.Batch.MaxBatchSize <= 0 {
		cfg.Batch.MaxBatchSize = 500
	}
	if cfg.Batch.MaxWait <= 0 {
		cfg.Batch.MaxWait = 30 * time.Minute
	}
	if cfg.Batch.MaxBatchTokens <= 0 {
		cfg.Batch.MaxBatchTokens = 2_000_000
	}
	if cfg.Batch.RetryBatchSize <= 0 {
		cfg.Batch.RetryBatchSize = 20
	}
	if cfg.Batch.IndividualMaxAttempts <= 0 {
		cfg.Batch.IndividualMaxAttempts = 3
	}

	if cfg.Retry.MaxRetries <= 0 {
		cfg.Retry.MaxRetries = 3
	}
	if cfg.Retry.BaseDelay <= 0 {
		cfg.Retry.BaseDelay = time.Second
	}
	if cfg.Retry.Multiplier < 1 {
		cfg.Retry.Multiplier = 2
	}
	if cfg.Retry.MaxDelay <= 0 {
		cfg.Retry.MaxDelay = 30 * time.Second
	}

	if cfg.Breaker.Threshold <= 0 {
		cfg.Breaker.Threshold = 5
	}
	if cfg.Breaker.Timeout <= 0 {
		cfg.Breaker.Timeout = 5 * time.Minute
	}

	s := &cfg.Scheduler
	if s.CreateInterval <= 0 {
		s.CreateInterval = 5 * time.Minute
	}
	if s.StatusInterval <= 0 {
		s.StatusInterval = 2 * time.Minute
	}
	if s.ReconcileInterval <= 0 {
		s.ReconcileInterval = time.Minute
	}
	if s.RetryInterval <= 0 {
		s.RetryInterval = 10 * time.Minute
	}
	if s.MaxConsecutiveErrors <= 0 {
		s.MaxConsecutiveErrors = 5
	}
	if s.ErrorPause <= 0 {
		s.ErrorPause = 15 * time.Minute
	}
	if s.BatchTimeout <= 0 {
		s.BatchTimeout = 24 * time.Hour
	}
	if s.MaxConcurrentTenants <= 0 {
		s.MaxConcurrentTenants = 5
	}
	if s.TenantCacheTTL <= 0 {
		s.TenantCacheTTL = 5 * time.Minute
	}
	if s.TickTimeout <= 0 {
		s.TickTimeout = 10 * time.Minute
	}
	// a tenant lock must outlive the longest tick holding it
	if cfg.Redis.LockTTL <= 0 {
		cfg.Redis.LockTTL = s.TickTimeout + time.Minute
	}

	if cfg.Ops.Port == 0 {
		cfg.Ops.Port = 8081
	}
	if cfg.Ops.TokenTTL <= 0 {
		cfg.Ops.TokenTTL = 12 * time.Hour
	}
	if cfg.Ops.ForceBatchLimit <= 0 {
		cfg.Ops.ForceBatchLimit = 6
	}
	if cfg.Ops.ForceBatchWindow <= 0 {
		cfg.Ops.ForceBatchWindow = time.Hour
	}
	if cfg.Alert.Prefix == "" {
		cfg.Alert.Prefix = "[chat-insights]"
	}
}

// Validate enforces the minimum needed to start. In dev mode a missing database
// falls back to the in-memory store and a missing API key requires the mock provider.
func (c *Config) Validate() error {
	if c.Database.URL == "" && !c.Runtime.Dev {
		return errors.New("database.url is required")
	}
	if !c.Provider.Mock && c.Provider.APIKey == "" {
		return errors.New("provider.api_key is required unless provider.mock is set")
	}
	if c.Batch.MaxBatchSize < c.Batch.MinBatchSize {
		return fmt.Errorf("batch.max_batch_size (%d) must be >= batch.min_batch_size (%d)", c.Batch.MaxBatchSize, c.Batch.MinBatchSize)
	}
	if c.Redis.LockTTL < c.Scheduler.TickTimeout {
		return fmt.Errorf("redis.lock_ttl (%s) must be >= scheduler.tick_timeout (%s)", c.Redis.LockTTL, c.Scheduler.TickTimeout)
	}
	if c.Ops.JWTSecret != "" && len(c.Ops.JWTSecret) < 32 {
		return errors.New("ops.jwt_secret must be at least 32 bytes")
	}
	return nil
}
