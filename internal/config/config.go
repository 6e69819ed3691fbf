// Package config loads and validates application configuration from environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all application configuration.
type Config struct {
	// Server settings.
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	// Storage settings. DatabaseURL wins over SQLitePath; with neither set
	// sessions live in memory.
	DatabaseURL string
	SQLitePath  string

	// Extension registry. Empty means process-local.
	RedisURL string

	// JWT settings.
	JWTPrivateKeyPath string // Path to Ed25519 private key PEM file.
	JWTPublicKeyPath  string // Path to Ed25519 public key PEM file.
	JWTExpiration     time.Duration

	// Session budget.
	DefaultTimeLimit   time.Duration
	MaxTimeLimit       time.Duration
	ExtensionGrant     time.Duration
	ExtensionSignalTTL time.Duration

	// Worker and sweeper cadence.
	WorkerPollInterval time.Duration
	SweepInterval      time.Duration
	SweepGrace         time.Duration

	// Paced demo stepper, used when no Stepper is injected.
	StepDuration time.Duration
	Steps        int

	// Per-user limit on state-changing requests. RateLimitRPS 0 disables it.
	RateLimitRPS   int
	RateLimitBurst int

	// OTEL settings.
	OTELEndpoint string
	ServiceName  string
	OTELInsecure bool
	// OTELBatchTimeout is how long spans are batched before export.
	OTELBatchTimeout time.Duration
	// OTELMetricInterval is the metric export period.
	OTELMetricInterval time.Duration

	// Operational settings.
	LogLevel            string
	MaxRequestBodyBytes int64 // Maximum request body size in bytes.

	// Shutdown phases. Zero waits without a deadline.
	ShutdownHTTPTimeout   time.Duration
	ShutdownWorkerTimeout time.Duration
}

// loader accumulates parse errors so Load can report every bad variable at once.
type loader struct {
	errs []error
}

func (l *loader) strVar(key, defaultVal string) string {
	return envStr(key, defaultVal)
}

func (l *loader) intVar(key string, defaultVal int) int {
	v, err := envInt(key, defaultVal)
	if err != nil {
		l.errs = append(l.errs, err)
	}
	return v
}

func (l *loader) boolVar(key string, defaultVal bool) bool {
	v, err := envBool(key, defaultVal)
	if err != nil {
		l.errs = append(l.errs, err)
	}
	return v
}

func (l *loader) durationVar(key string, defaultVal time.Duration) time.Duration {
	v, err := envDuration(key, defaultVal)
	if err != nil {
		l.errs = append(l.errs, err)
	}
	return v
}

// Load reads configuration from environment variables with sensible defaults.
func Load() (Config, error) {
	var l loader
	cfg := Config{
		Port:                l.intVar("DEEPRESEARCH_PORT", 8080),
		ReadTimeout:         l.durationVar("DEEPRESEARCH_READ_TIMEOUT", 30*time.Second),
		WriteTimeout:        l.durationVar("DEEPRESEARCH_WRITE_TIMEOUT", 30*time.Second),
		DatabaseURL:         l.strVar("DATABASE_URL", ""),
		SQLitePath:          l.strVar("DEEPRESEARCH_SQLITE_PATH", ""),
		RedisURL:            l.strVar("REDIS_URL", ""),
		JWTPrivateKeyPath:   l.strVar("DEEPRESEARCH_JWT_PRIVATE_KEY", ""),
		JWTPublicKeyPath:    l.strVar("DEEPRESEARCH_JWT_PUBLIC_KEY", ""),
		JWTExpiration:       l.durationVar("DEEPRESEARCH_JWT_EXPIRATION", 24*time.Hour),
		DefaultTimeLimit:    l.durationVar("DEEPRESEARCH_DEFAULT_TIME_LIMIT", 270*time.Second),
		MaxTimeLimit:        l.durationVar("DEEPRESEARCH_MAX_TIME_LIMIT", time.Hour),
		ExtensionGrant:      l.durationVar("DEEPRESEARCH_EXTENSION_GRANT", 300*time.Second),
		ExtensionSignalTTL:  l.durationVar("DEEPRESEARCH_EXTENSION_SIGNAL_TTL", time.Hour),
		WorkerPollInterval:  l.durationVar("DEEPRESEARCH_WORKER_POLL_INTERVAL", 2*time.Second),
		SweepInterval:       l.durationVar("DEEPRESEARCH_SWEEP_INTERVAL", 30*time.Second),
		SweepGrace:          l.durationVar("DEEPRESEARCH_SWEEP_GRACE", 30*time.Second),
		StepDuration:        l.durationVar("DEEPRESEARCH_STEP_DURATION", 5*time.Second),
		Steps:               l.intVar("DEEPRESEARCH_STEPS", 12),
		RateLimitRPS:        l.intVar("DEEPRESEARCH_RATE_LIMIT_RPS", 5),
		RateLimitBurst:      l.intVar("DEEPRESEARCH_RATE_LIMIT_BURST", 20),
		OTELEndpoint:        l.strVar("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		ServiceName:         l.strVar("OTEL_SERVICE_NAME", "deepresearch"),
		OTELInsecure:        l.boolVar("DEEPRESEARCH_OTEL_INSECURE", false),
		OTELBatchTimeout:    l.durationVar("DEEPRESEARCH_OTEL_BATCH_TIMEOUT", 5*time.Second),
		OTELMetricInterval:  l.durationVar("DEEPRESEARCH_OTEL_METRIC_INTERVAL", 15*time.Second),
		LogLevel:            l.strVar("DEEPRESEARCH_LOG_LEVEL", "info"),
		MaxRequestBodyBytes: int64(l.intVar("DEEPRESEARCH_MAX_REQUEST_BODY_BYTES", 1*1024*1024)), // 1 MB default

		ShutdownHTTPTimeout:   l.durationVar("DEEPRESEARCH_SHUTDOWN_HTTP_TIMEOUT", 10*time.Second),
		ShutdownWorkerTimeout: l.durationVar("DEEPRESEARCH_SHUTDOWN_WORKER_TIMEOUT", 30*time.Second),
	}
	if len(l.errs) > 0 {
		return Config{}, fmt.Errorf("config: %w", errors.Join(l.errs...))
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks that the configuration is usable.
func (c Config) Validate() error {
	var errs []error
	positive := func(name string, d time.Duration) {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", name))
		}
	}
	if c.Port <= 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("DEEPRESEARCH_PORT must be between 1 and 65535"))
	}
	positive("DEEPRESEARCH_DEFAULT_TIME_LIMIT", c.DefaultTimeLimit)
	positive("DEEPRESEARCH_MAX_TIME_LIMIT", c.MaxTimeLimit)
	positive("DEEPRESEARCH_EXTENSION_GRANT", c.ExtensionGrant)
	positive("DEEPRESEARCH_EXTENSION_SIGNAL_TTL", c.ExtensionSignalTTL)
	positive("DEEPRESEARCH_WORKER_POLL_INTERVAL", c.WorkerPollInterval)
	positive("DEEPRESEARCH_SWEEP_INTERVAL", c.SweepInterval)
	positive("DEEPRESEARCH_STEP_DURATION", c.StepDuration)
	if c.SweepGrace < 0 {
		errs = append(errs, fmt.Errorf("DEEPRESEARCH_SWEEP_GRACE must not be negative"))
	}
	if c.DefaultTimeLimit > c.MaxTimeLimit {
		errs = append(errs, fmt.Errorf("DEEPRESEARCH_DEFAULT_TIME_LIMIT (%s) exceeds DEEPRESEARCH_MAX_TIME_LIMIT (%s)",
			c.DefaultTimeLimit, c.MaxTimeLimit))
	}
	if c.Steps <= 0 {
		errs = append(errs, fmt.Errorf("DEEPRESEARCH_STEPS must be positive"))
	}
	if c.RateLimitRPS < 0 {
		errs = append(errs, fmt.Errorf("DEEPRESEARCH_RATE_LIMIT_RPS must not be negative"))
	}
	if c.RateLimitRPS > 0 && c.RateLimitBurst <= 0 {
		errs = append(errs, fmt.Errorf("DEEPRESEARCH_RATE_LIMIT_BURST must be positive when rate limiting is enabled"))
	}
	if c.MaxRequestBodyBytes <= 0 {
		errs = append(errs, fmt.Errorf("DEEPRESEARCH_MAX_REQUEST_BODY_BYTES must be positive"))
	}
	if c.OTELEndpoint != "" {
		positive("DEEPRESEARCH_OTEL_BATCH_TIMEOUT", c.OTELBatchTimeout)
		positive("DEEPRESEARCH_OTEL_METRIC_INTERVAL", c.OTELMetricInterval)
	}
	if c.ShutdownHTTPTimeout < 0 || c.ShutdownWorkerTimeout < 0 {
		errs = append(errs, fmt.Errorf("shutdown timeouts must not be negative"))
	}
	if (c.JWTPrivateKeyPath == "") != (c.JWTPublicKeyPath == "") {
		errs = append(errs, fmt.Errorf("DEEPRESEARCH_JWT_PRIVATE_KEY and DEEPRESEARCH_JWT_PUBLIC_KEY must be set together"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return nil
}

// StorageKind names the backend this configuration selects.
func (c Config) StorageKind() string {
	switch {
	case c.DatabaseURL != "":
		return "postgres"
	case c.SQLitePath != "":
		return "sqlite"
	default:
		return "memory"
	}
}

// RegistryKind names the extension signal registry this configuration selects.
func (c Config) RegistryKind() string {
	if c.RedisURL != "" {
		return "redis"
	}
	return "memory"
}

func envStr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal, fmt.Errorf("%s=%q is not a valid integer", key, v)
	}
	return n, nil
}

func envBool(key string, defaultVal bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultVal, fmt.Errorf("%s=%q is not a valid boolean", key, v)
	}
	return b, nil
}

func envDuration(key string, defaultVal time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal, fmt.Errorf("%s=%q is not a valid duration", key, v)
	}
	return d, nil
}
