// Copyright 2025 James Ross
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Redis struct {
	Addr               string        `mapstructure:"addr"`
	Username           string        `mapstructure:"username"`
	Password           string        `mapstructure:"password"`
	DB                 int           `mapstructure:"db"`
	PoolSizeMultiplier int           `mapstructure:"pool_size_multiplier"`
	MinIdleConns       int           `mapstructure:"min_idle_conns"`
	DialTimeout        time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout        time.Duration `mapstructure:"read_timeout"`
	WriteTimeout       time.Duration `mapstructure:"write_timeout"`
	MaxRetries         int           `mapstructure:"max_retries"`
}

// Queue holds the job queue's dequeue and deadline settings (spec §6.5).
type Queue struct {
	Name              string        `mapstructure:"name"`
	KeyPrefix         string        `mapstructure:"key_prefix"`
	WorkerConcurrency int           `mapstructure:"worker_concurrency"`
	PopTimeout        time.Duration `mapstructure:"pop_timeout"`
	JobTimeoutSeconds int           `mapstructure:"job_timeout_seconds"`
	RecordTTL         time.Duration `mapstructure:"record_ttl"`
}

func (q Queue) JobTimeout() time.Duration {
	return time.Duration(q.JobTimeoutSeconds) * time.Second
}

// Backend configures the ComfyUI-shaped generative backend client (C3).
type Backend struct {
	URL               string        `mapstructure:"url"`
	SubmitTimeout     time.Duration `mapstructure:"submit_timeout"`
	PollTimeout       time.Duration `mapstructure:"poll_timeout"`
	ArtifactTimeout   time.Duration `mapstructure:"artifact_timeout"`
	PollIntervalBase  time.Duration `mapstructure:"poll_interval_base"`
	PollIntervalCap   time.Duration `mapstructure:"poll_interval_cap"`
	HealthAttempts    int           `mapstructure:"health_attempts"`
	HealthBackoff     time.Duration `mapstructure:"health_backoff"`
	RequestsPerSecond float64       `mapstructure:"requests_per_second"`
	Burst             int           `mapstructure:"burst"`
}

// ObjectStore configures the S3-compatible blob store adapter (C2).
type ObjectStore struct {
	Bucket          string        `mapstructure:"bucket"`
	Region          string        `mapstructure:"region"`
	Endpoint        string        `mapstructure:"endpoint"`
	AccessKeyID     string        `mapstructure:"access_key_id"`
	SecretAccessKey string        `mapstructure:"secret_access_key"`
	ForcePathStyle  bool          `mapstructure:"force_path_style"`
	ArtifactTTL     time.Duration `mapstructure:"artifact_ttl_seconds"`
	UploadTimeout   time.Duration `mapstructure:"upload_timeout"`
}

// RoleQuota is the (daily, concurrent, per-minute) triple spec.md §3/§6.5 assigns per role.
type RoleQuota struct {
	DailyLimit      int  `mapstructure:"daily_limit"`
	ConcurrentLimit int  `mapstructure:"concurrent_limit"`
	PerMinuteLimit  int  `mapstructure:"per_minute_limit"`
	MaxBatchSize    int  `mapstructure:"max_batch_size"`
	Unlimited       bool `mapstructure:"unlimited"`
}

type RateLimit struct {
	Enabled       bool   `mapstructure:"enabled"`
	Algorithm     string `mapstructure:"algorithm"` // "fixed_window" | "token_bucket"
	WindowSeconds int    `mapstructure:"window_seconds"`
}

func (r RateLimit) Window() time.Duration {
	return time.Duration(r.WindowSeconds) * time.Second
}

type Auth struct {
	Enabled bool `mapstructure:"enabled"`
}

type Observability struct {
	MetricsPort int     `mapstructure:"metrics_port"`
	LogLevel    string  `mapstructure:"log_level"`
	Tracing     Tracing `mapstructure:"tracing"`
}

// Tracing configures the optional OTLP exporter. Disabled (or with an
// empty Endpoint) means obs.MaybeInitTracing returns a nil provider, otel's
// default no-op global tracer stays in place, and every StartJobSpan call
// is nearly free, matching the teacher's
// opt-in-collector shape.
type Tracing struct {
	Enabled          bool    `mapstructure:"enabled"`
	Endpoint         string  `mapstructure:"endpoint"`
	Environment      string  `mapstructure:"environment"`
	SamplingStrategy string  `mapstructure:"sampling_strategy"` // "always" | "never" | "probabilistic"
	SamplingRate     float64 `mapstructure:"sampling_rate"`
}

// Recovery configures C9's startup pass and the supplemental periodic sweep.
type Recovery struct {
	DeadlineGrace  time.Duration `mapstructure:"deadline_grace"`
	SweepCron      string        `mapstructure:"sweep_cron"`
	QuotaCleanCron string        `mapstructure:"quota_clean_cron"`
}

type Config struct {
	Redis         Redis                `mapstructure:"redis"`
	Queue         Queue                `mapstructure:"queue"`
	Backend       Backend              `mapstructure:"backend"`
	ObjectStore   ObjectStore          `mapstructure:"object_store"`
	RateLimit     RateLimit            `mapstructure:"rate_limit"`
	RoleQuotas    map[string]RoleQuota `mapstructure:"role_quotas"`
	Auth          Auth                 `mapstructure:"auth"`
	Observability Observability        `mapstructure:"observability"`
	Recovery      Recovery             `mapstructure:"recovery"`
}

func defaultConfig() *Config {
	return &Config{
		Redis: Redis{
			Addr:               "localhost:6379",
			PoolSizeMultiplier: 10,
			MinIdleConns:       5,
			DialTimeout:        5 * time.Second,
			ReadTimeout:        3 * time.Second,
			WriteTimeout:       3 * time.Second,
			MaxRetries:         3,
		},
		Queue: Queue{
			Name:              "generate",
			KeyPrefix:         "cq",
			WorkerConcurrency: 2,
			PopTimeout:        5 * time.Second,
			JobTimeoutSeconds: 600,
			RecordTTL:         24 * time.Hour,
		},
		Backend: Backend{
			URL:               "http://localhost:8188",
			SubmitTimeout:     30 * time.Second,
			PollTimeout:       10 * time.Second,
			ArtifactTimeout:   60 * time.Second,
			PollIntervalBase:  300 * time.Millisecond,
			PollIntervalCap:   2 * time.Second,
			HealthAttempts:    5,
			HealthBackoff:     600 * time.Millisecond,
			RequestsPerSecond: 5,
			Burst:             10,
		},
		ObjectStore: ObjectStore{
			Bucket:         "comfyqueue-artifacts",
			Region:         "us-east-1",
			ForcePathStyle: false,
			ArtifactTTL:    time.Hour,
			UploadTimeout:  30 * time.Second,
		},
		RateLimit: RateLimit{
			Enabled:       true,
			Algorithm:     "fixed_window",
			WindowSeconds: 60,
		},
		RoleQuotas: map[string]RoleQuota{
			"free":     {DailyLimit: 10, ConcurrentLimit: 1, PerMinuteLimit: 6, MaxBatchSize: 1},
			"pro":      {DailyLimit: 500, ConcurrentLimit: 5, PerMinuteLimit: 20, MaxBatchSize: 4},
			"internal": {Unlimited: true, MaxBatchSize: 8},
		},
		Auth: Auth{Enabled: false},
		Observability: Observability{
			MetricsPort: 9090,
			LogLevel:    "info",
			Tracing: Tracing{
				Enabled:          false,
				Environment:      "development",
				SamplingStrategy: "probabilistic",
				SamplingRate:     0.1,
			},
		},
		Recovery: Recovery{
			DeadlineGrace:  60 * time.Second,
			SweepCron:      "@every 30s",
			QuotaCleanCron: "@every 1h",
		},
	}
}

// Load reads configuration from a YAML file and environment overrides, the
// same pattern as the teacher: viper defaults, optional file, AutomaticEnv.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvPrefix("")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	def := defaultConfig()
	v.SetDefault("redis.addr", def.Redis.Addr)
	v.SetDefault("redis.pool_size_multiplier", def.Redis.PoolSizeMultiplier)
	v.SetDefault("redis.min_idle_conns", def.Redis.MinIdleConns)
	v.SetDefault("redis.dial_timeout", def.Redis.DialTimeout)
	v.SetDefault("redis.read_timeout", def.Redis.ReadTimeout)
	v.SetDefault("redis.write_timeout", def.Redis.WriteTimeout)
	v.SetDefault("redis.max_retries", def.Redis.MaxRetries)

	v.SetDefault("queue.name", def.Queue.Name)
	v.SetDefault("queue.key_prefix", def.Queue.KeyPrefix)
	v.SetDefault("queue.worker_concurrency", def.Queue.WorkerConcurrency)
	v.SetDefault("queue.pop_timeout", def.Queue.PopTimeout)
	v.SetDefault("queue.job_timeout_seconds", def.Queue.JobTimeoutSeconds)
	v.SetDefault("queue.record_ttl", def.Queue.RecordTTL)

	v.SetDefault("backend.url", def.Backend.URL)
	v.SetDefault("backend.submit_timeout", def.Backend.SubmitTimeout)
	v.SetDefault("backend.poll_timeout", def.Backend.PollTimeout)
	v.SetDefault("backend.artifact_timeout", def.Backend.ArtifactTimeout)
	v.SetDefault("backend.poll_interval_base", def.Backend.PollIntervalBase)
	v.SetDefault("backend.poll_interval_cap", def.Backend.PollIntervalCap)
	v.SetDefault("backend.health_attempts", def.Backend.HealthAttempts)
	v.SetDefault("backend.health_backoff", def.Backend.HealthBackoff)
	v.SetDefault("backend.requests_per_second", def.Backend.RequestsPerSecond)
	v.SetDefault("backend.burst", def.Backend.Burst)

	v.SetDefault("object_store.bucket", def.ObjectStore.Bucket)
	v.SetDefault("object_store.region", def.ObjectStore.Region)
	v.SetDefault("object_store.force_path_style", def.ObjectStore.ForcePathStyle)
	v.SetDefault("object_store.artifact_ttl_seconds", def.ObjectStore.ArtifactTTL)
	v.SetDefault("object_store.upload_timeout", def.ObjectStore.UploadTimeout)

	v.SetDefault("rate_limit.enabled", def.RateLimit.Enabled)
	v.SetDefault("rate_limit.algorithm", def.RateLimit.Algorithm)
	v.SetDefault("rate_limit.window_seconds", def.RateLimit.WindowSeconds)

	v.SetDefault("role_quotas", map[string]interface{}{})

	v.SetDefault("auth.enabled", def.Auth.Enabled)

	v.SetDefault("observability.metrics_port", def.Observability.MetricsPort)
	v.SetDefault("observability.log_level", def.Observability.LogLevel)
	v.SetDefault("observability.tracing.enabled", def.Observability.Tracing.Enabled)
	v.SetDefault("observability.tracing.endpoint", def.Observability.Tracing.Endpoint)
	v.SetDefault("observability.tracing.environment", def.Observability.Tracing.Environment)
	v.SetDefault("observability.tracing.sampling_strategy", def.Observability.Tracing.SamplingStrategy)
	v.SetDefault("observability.tracing.sampling_rate", def.Observability.Tracing.SamplingRate)

	v.SetDefault("recovery.deadline_grace", def.Recovery.DeadlineGrace)
	v.SetDefault("recovery.sweep_cron", def.Recovery.SweepCron)
	v.SetDefault("recovery.quota_clean_cron", def.Recovery.QuotaCleanCron)

	if _, err := os.Stat(path); err == nil {
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if len(cfg.RoleQuotas) == 0 {
		cfg.RoleQuotas = def.RoleQuotas
	}
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks config constraints and returns an error on invalid settings.
func Validate(cfg *Config) error {
	if cfg.Queue.WorkerConcurrency < 1 {
		return fmt.Errorf("queue.worker_concurrency must be >= 1")
	}
	if cfg.Queue.Name == "" {
		return fmt.Errorf("queue.name must be non-empty")
	}
	if cfg.Queue.KeyPrefix == "" {
		return fmt.Errorf("queue.key_prefix must be non-empty")
	}
	if cfg.Queue.JobTimeoutSeconds < 1 {
		return fmt.Errorf("queue.job_timeout_seconds must be >= 1")
	}
	if cfg.Queue.PopTimeout <= 0 {
		return fmt.Errorf("queue.pop_timeout must be > 0")
	}
	if cfg.Backend.URL == "" {
		return fmt.Errorf("backend.url must be non-empty")
	}
	if cfg.ObjectStore.Bucket == "" {
		return fmt.Errorf("object_store.bucket must be non-empty")
	}
	if cfg.RateLimit.WindowSeconds < 1 {
		return fmt.Errorf("rate_limit.window_seconds must be >= 1")
	}
	if cfg.RateLimit.Algorithm != "fixed_window" && cfg.RateLimit.Algorithm != "token_bucket" {
		return fmt.Errorf("rate_limit.algorithm must be fixed_window or token_bucket")
	}
	if cfg.Observability.MetricsPort <= 0 || cfg.Observability.MetricsPort > 65535 {
		return fmt.Errorf("observability.metrics_port must be 1..65535")
	}
	if cfg.Observability.Tracing.Enabled {
		if cfg.Observability.Tracing.Endpoint == "" {
			return fmt.Errorf("observability.tracing.endpoint must be set when tracing is enabled")
		}
		if cfg.Observability.Tracing.SamplingRate < 0 || cfg.Observability.Tracing.SamplingRate > 1 {
			return fmt.Errorf("observability.tracing.sampling_rate must be 0..1")
		}
	}
	for role, q := range cfg.RoleQuotas {
		if !q.Unlimited && q.ConcurrentLimit < 1 {
			return fmt.Errorf("role_quotas[%s].concurrent_limit must be >= 1 unless unlimited", role)
		}
	}
	return nil
}
