package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the orchestrator process.
type Config struct {
	Database     DatabaseConfig     `yaml:"database"`
	Redis        RedisConfig        `yaml:"redis"`
	HTTP         HTTPConfig         `yaml:"http"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator"`
	Worker       WorkerConfig       `yaml:"worker"`
	Scheduler    SchedulerConfig    `yaml:"scheduler"`
	SES          SESConfig          `yaml:"ses"`
	SMTP         SMTPConfig         `yaml:"smtp"`
	Log          LogConfig          `yaml:"log"`
}

// DatabaseConfig holds PostgreSQL connection settings.
type DatabaseConfig struct {
	URL             string `yaml:"url"`
	MaxOpenConns    int    `yaml:"max_open_conns"`
	MaxIdleConns    int    `yaml:"max_idle_conns"`
	ConnMaxLifetime int    `yaml:"conn_max_lifetime_minutes"`
}

// RedisConfig holds the optional Redis connection used for the send
// throttle and distributed job locks. Empty URL disables both; the
// scheduler then falls back to PG advisory locks.
type RedisConfig struct {
	URL string `yaml:"url"`
}

// HTTPConfig holds settings for the operational HTTP surface
// (health, status, metrics).
type HTTPConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// OrchestratorConfig holds supervisor timing and crash-loop settings.
type OrchestratorConfig struct {
	ReconcileIntervalSeconds   int `yaml:"reconcile_interval_seconds"`
	HealthCheckIntervalSeconds int `yaml:"health_check_interval_seconds"`
	GraceTimeoutSeconds        int `yaml:"grace_timeout_seconds"`
	MaxRestarts                int `yaml:"max_restarts"`
	RestartWindowMinutes       int `yaml:"restart_window_minutes"`
	RestartBackoffCapSeconds   int `yaml:"restart_backoff_cap_seconds"`
	HeartbeatTimeoutSeconds    int `yaml:"heartbeat_timeout_seconds"`
}

// WorkerConfig holds per-account send loop settings.
type WorkerConfig struct {
	BatchSize            int     `yaml:"batch_size"`
	MaxRetries           int     `yaml:"max_retries"`
	IdleSleepSeconds     int     `yaml:"idle_sleep_seconds"`
	SendsPerSecond       float64 `yaml:"sends_per_second"`
	SendTimeoutSeconds   int     `yaml:"send_timeout_seconds"`
	RetryBackoffBaseMins int     `yaml:"retry_backoff_base_minutes"`
}

// SchedulerConfig holds cron expressions and thresholds for the
// maintenance jobs.
type SchedulerConfig struct {
	DailyResetCron      string  `yaml:"daily_reset_cron"`
	WarmupCron          string  `yaml:"warmup_cron"`
	BounceCheckCron     string  `yaml:"bounce_check_cron"`
	LogRetentionCron    string  `yaml:"log_retention_cron"`
	BounceRateThreshold float64 `yaml:"bounce_rate_threshold"`
	LogRetentionDays    int     `yaml:"log_retention_days"`
}

// SESConfig holds AWS SES credentials for API-provider accounts.
type SESConfig struct {
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Region    string `yaml:"region"`
}

// SMTPConfig holds defaults for SMTP-provider accounts. Per-account
// credentials live on the sender_accounts row; these are fallbacks.
type SMTPConfig struct {
	Host           string `yaml:"host"`
	Port           int    `yaml:"port"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

// LogConfig controls the structured logger.
type LogConfig struct {
	Level     string `yaml:"level"`
	RedactPII *bool  `yaml:"redact_pii"`
}

// Load reads configuration from a YAML file and applies defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	cfg.applyDefaults()
	return &cfg, nil
}

// LoadFromEnv loads config from a YAML file (if present), then overlays
// environment variables. A missing file is not an error: everything can
// be supplied via environment.
func LoadFromEnv(path string) (*Config, error) {
	// Load .env if present (development convenience)
	_ = godotenv.Load()

	var cfg *Config
	if _, err := os.Stat(path); err == nil {
		cfg, err = Load(path)
		if err != nil {
			return nil, fmt.Errorf("load config %s: %w", path, err)
		}
	} else {
		cfg = &Config{}
		cfg.applyDefaults()
	}

	if dbURL := os.Getenv("DATABASE_URL"); dbURL != "" {
		cfg.Database.URL = dbURL
	}
	if redisURL := os.Getenv("REDIS_URL"); redisURL != "" {
		cfg.Redis.URL = redisURL
	}
	if accessKey := os.Getenv("AWS_SES_ACCESS_KEY"); accessKey != "" {
		cfg.SES.AccessKey = accessKey
	}
	if secretKey := os.Getenv("AWS_SES_SECRET_KEY"); secretKey != "" {
		cfg.SES.SecretKey = secretKey
	}
	if region := os.Getenv("AWS_SES_REGION"); region != "" {
		cfg.SES.Region = region
	}
	if host := os.Getenv("SMTP_HOST"); host != "" {
		cfg.SMTP.Host = host
	}
	if level := os.Getenv("LOG_LEVEL"); level != "" {
		cfg.Log.Level = level
	}

	return cfg, nil
}

func (cfg *Config) applyDefaults() {
	if cfg.Database.MaxOpenConns == 0 {
		cfg.Database.MaxOpenConns = 50
	}
	if cfg.Database.MaxIdleConns == 0 {
		cfg.Database.MaxIdleConns = 10
	}
	if cfg.Database.ConnMaxLifetime == 0 {
		cfg.Database.ConnMaxLifetime = 5
	}
	if cfg.HTTP.Host == "" {
		cfg.HTTP.Host = "localhost"
	}
	if cfg.HTTP.Port == 0 {
		cfg.HTTP.Port = 8085
	}
	if cfg.Orchestrator.ReconcileIntervalSeconds == 0 {
		cfg.Orchestrator.ReconcileIntervalSeconds = 60
	}
	if cfg.Orchestrator.HealthCheckIntervalSeconds == 0 {
		cfg.Orchestrator.HealthCheckIntervalSeconds = 30
	}
	if cfg.Orchestrator.GraceTimeoutSeconds == 0 {
		cfg.Orchestrator.GraceTimeoutSeconds = 10
	}
	if cfg.Orchestrator.MaxRestarts == 0 {
		cfg.Orchestrator.MaxRestarts = 5
	}
	if cfg.Orchestrator.RestartWindowMinutes == 0 {
		cfg.Orchestrator.RestartWindowMinutes = 60
	}
	if cfg.Orchestrator.RestartBackoffCapSeconds == 0 {
		cfg.Orchestrator.RestartBackoffCapSeconds = 30
	}
	if cfg.Orchestrator.HeartbeatTimeoutSeconds == 0 {
		cfg.Orchestrator.HeartbeatTimeoutSeconds = 120
	}
	if cfg.Worker.BatchSize == 0 {
		cfg.Worker.BatchSize = 50
	}
	if cfg.Worker.MaxRetries == 0 {
		cfg.Worker.MaxRetries = 5
	}
	if cfg.Worker.IdleSleepSeconds == 0 {
		cfg.Worker.IdleSleepSeconds = 5
	}
	if cfg.Worker.SendsPerSecond == 0 {
		cfg.Worker.SendsPerSecond = 2
	}
	if cfg.Worker.SendTimeoutSeconds == 0 {
		cfg.Worker.SendTimeoutSeconds = 30
	}
	if cfg.Worker.RetryBackoffBaseMins == 0 {
		cfg.Worker.RetryBackoffBaseMins = 5
	}
	if cfg.Scheduler.DailyResetCron == "" {
		cfg.Scheduler.DailyResetCron = "0 0 * * *"
	}
	if cfg.Scheduler.WarmupCron == "" {
		cfg.Scheduler.WarmupCron = "10 0 * * *"
	}
	if cfg.Scheduler.BounceCheckCron == "" {
		cfg.Scheduler.BounceCheckCron = "0 * * * *"
	}
	if cfg.Scheduler.LogRetentionCron == "" {
		cfg.Scheduler.LogRetentionCron = "30 2 1 * *"
	}
	if cfg.Scheduler.BounceRateThreshold == 0 {
		cfg.Scheduler.BounceRateThreshold = 0.05
	}
	if cfg.Scheduler.LogRetentionDays == 0 {
		cfg.Scheduler.LogRetentionDays = 90
	}
	if cfg.SES.Region == "" {
		cfg.SES.Region = "us-east-1"
	}
	if cfg.SMTP.Port == 0 {
		cfg.SMTP.Port = 587
	}
	if cfg.SMTP.TimeoutSeconds == 0 {
		cfg.SMTP.TimeoutSeconds = 30
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
}

// ReconcileInterval returns the orchestrator reconcile interval as a Duration.
func (c OrchestratorConfig) ReconcileInterval() time.Duration {
	return time.Duration(c.ReconcileIntervalSeconds) * time.Second
}

// HealthCheckInterval returns the health-check interval as a Duration.
func (c OrchestratorConfig) HealthCheckInterval() time.Duration {
	return time.Duration(c.HealthCheckIntervalSeconds) * time.Second
}

// GraceTimeout returns the graceful-stop timeout as a Duration.
func (c OrchestratorConfig) GraceTimeout() time.Duration {
	return time.Duration(c.GraceTimeoutSeconds) * time.Second
}

// RestartWindow returns the crash-loop sliding window as a Duration.
func (c OrchestratorConfig) RestartWindow() time.Duration {
	return time.Duration(c.RestartWindowMinutes) * time.Minute
}

// RestartBackoffCap returns the maximum restart backoff as a Duration.
func (c OrchestratorConfig) RestartBackoffCap() time.Duration {
	return time.Duration(c.RestartBackoffCapSeconds) * time.Second
}

// HeartbeatTimeout returns how long a worker may go without a heartbeat
// before the health check considers it hung.
func (c OrchestratorConfig) HeartbeatTimeout() time.Duration {
	return time.Duration(c.HeartbeatTimeoutSeconds) * time.Second
}

// IdleSleep returns the empty-batch sleep as a Duration.
func (c WorkerConfig) IdleSleep() time.Duration {
	return time.Duration(c.IdleSleepSeconds) * time.Second
}

// SendTimeout returns the per-send timeout as a Duration.
func (c WorkerConfig) SendTimeout() time.Duration {
	return time.Duration(c.SendTimeoutSeconds) * time.Second
}

// RetryBackoffBase returns the base retry backoff as a Duration.
func (c WorkerConfig) RetryBackoffBase() time.Duration {
	return time.Duration(c.RetryBackoffBaseMins) * time.Minute
}
