package internal

import (
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Config holds Redis connection and cache policy configuration
type Config struct {
	// Redis connection settings
	RedisAddr     string `json:"redis_addr" yaml:"redis_addr"`         // Redis server address (host:port)
	RedisUsername string `json:"redis_username" yaml:"redis_username"` // Redis ACL username (optional)
	RedisPassword string `json:"redis_password" yaml:"redis_password"` // Redis password (optional)
	RedisDB       int    `json:"redis_db" yaml:"redis_db"`             // Redis database number

	// Connection pool settings
	MaxRetries   int           `json:"max_retries" yaml:"max_retries"`     // Per-command retries inside go-redis
	DialTimeout  time.Duration `json:"dial_timeout" yaml:"dial_timeout"`   // Timeout for establishing connection
	ReadTimeout  time.Duration `json:"read_timeout" yaml:"read_timeout"`   // Timeout for socket reads
	WriteTimeout time.Duration `json:"write_timeout" yaml:"write_timeout"` // Timeout for socket writes
	PoolSize     int           `json:"pool_size" yaml:"pool_size"`         // Maximum number of socket connections

	// Namespace settings
	Environment string `json:"environment" yaml:"environment"` // dev, test, prod...
	KeyPrefix   string `json:"key_prefix" yaml:"key_prefix"`   // Overrides the "<environment>:" prefix when set

	// Cache settings
	DefaultTTL   time.Duration `json:"default_ttl" yaml:"default_ttl"`       // Applied when a caller passes no TTL
	MaxValueSize int           `json:"max_value_size" yaml:"max_value_size"` // Upper bound of a serialized value in bytes

	// Session settings
	SessionTTL       time.Duration `json:"session_ttl" yaml:"session_ttl"`
	SessionExtension time.Duration `json:"session_extension" yaml:"session_extension"`

	// Lifecycle settings
	ConnectTimeout        time.Duration `json:"connect_timeout" yaml:"connect_timeout"`
	HealthCheckInterval   time.Duration `json:"health_check_interval" yaml:"health_check_interval"`
	FallbackSweepInterval time.Duration `json:"fallback_sweep_interval" yaml:"fallback_sweep_interval"`

	// Observability settings
	SlowOperationThreshold time.Duration `json:"slow_operation_threshold" yaml:"slow_operation_threshold"`
	MetricsWindowSize      int           `json:"metrics_window_size" yaml:"metrics_window_size"`

	// Resilience settings
	RetryConfig *RetryConfig `json:"retry_config" yaml:"retry_config"` // Reconnection schedule
}

// RetryConfig defines the reconnection schedule with exponential backoff
type RetryConfig struct {
	MaxAttempts  int           `json:"max_attempts" yaml:"max_attempts"`   // Reconnection attempts before giving up
	InitialDelay time.Duration `json:"initial_delay" yaml:"initial_delay"` // Delay before the first attempt
	MaxDelay     time.Duration `json:"max_delay" yaml:"max_delay"`         // Maximum delay between attempts
	Multiplier   float64       `json:"multiplier" yaml:"multiplier"`       // Backoff multiplier
	Jitter       bool          `json:"jitter" yaml:"jitter"`               // Whether to add random jitter
}

// DefaultRetryConfig returns a RetryConfig with sensible default values
func DefaultRetryConfig() *RetryConfig {
	return &RetryConfig{
		MaxAttempts:  10,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     60 * time.Second,
		Multiplier:   2.0,
		Jitter:       false,
	}
}

// DefaultConfig returns a Config with sensible default values
func DefaultConfig() *Config {
	return &Config{
		RedisAddr:              "localhost:6379",
		RedisPassword:          "",
		RedisDB:                0,
		MaxRetries:             0,
		DialTimeout:            5 * time.Second,
		ReadTimeout:            3 * time.Second,
		WriteTimeout:           3 * time.Second,
		PoolSize:               10,
		Environment:            "dev",
		DefaultTTL:             30 * time.Minute,
		MaxValueSize:           1024 * 1024,
		SessionTTL:             24 * time.Hour,
		SessionExtension:       time.Hour,
		ConnectTimeout:         10 * time.Second,
		HealthCheckInterval:    30 * time.Second,
		FallbackSweepInterval:  60 * time.Second,
		SlowOperationThreshold: 100 * time.Millisecond,
		MetricsWindowSize:      1000,
		RetryConfig:            DefaultRetryConfig(),
	}
}

// Namespace returns the prefix prepended to every logical key
func (c *Config) Namespace() string {
	if c.KeyPrefix != "" {
		return c.KeyPrefix
	}
	if c.Environment == "" {
		return ""
	}
	return c.Environment + ":"
}

// ValidateConfig validates the configuration parameters. A failure is a
// configuration error and is only expected at startup.
func ValidateConfig(config *Config) error {
	if config == nil {
		return NewConfigurationError("configuration cannot be nil", nil)
	}

	if err := validateConfig(config); err != nil {
		return NewConfigurationError("invalid configuration", err)
	}

	return nil
}

func validateConfig(config *Config) error {
	if config.RedisAddr == "" {
		return fmt.Errorf("redis address cannot be empty")
	}

	if config.RedisDB < 0 || config.RedisDB > 15 {
		return fmt.Errorf("redis database must be between 0 and 15, got %d", config.RedisDB)
	}

	if config.MaxRetries < 0 {
		return fmt.Errorf("max retries cannot be negative, got %d", config.MaxRetries)
	}

	if config.DialTimeout <= 0 {
		return fmt.Errorf("dial timeout must be positive, got %v", config.DialTimeout)
	}

	if config.ReadTimeout <= 0 {
		return fmt.Errorf("read timeout must be positive, got %v", config.ReadTimeout)
	}

	if config.WriteTimeout <= 0 {
		return fmt.Errorf("write timeout must be positive, got %v", config.WriteTimeout)
	}

	if config.PoolSize <= 0 {
		return fmt.Errorf("pool size must be positive, got %d", config.PoolSize)
	}

	if config.DefaultTTL <= 0 {
		return fmt.Errorf("default TTL must be positive, got %v", config.DefaultTTL)
	}

	if config.MaxValueSize <= 0 {
		return fmt.Errorf("max value size must be positive, got %d", config.MaxValueSize)
	}

	if config.SessionTTL <= 0 {
		return fmt.Errorf("session TTL must be positive, got %v", config.SessionTTL)
	}

	if config.SessionExtension <= 0 {
		return fmt.Errorf("session extension must be positive, got %v", config.SessionExtension)
	}

	if config.ConnectTimeout <= 0 {
		return fmt.Errorf("connect timeout must be positive, got %v", config.ConnectTimeout)
	}

	if config.HealthCheckInterval <= 0 {
		return fmt.Errorf("health check interval must be positive, got %v", config.HealthCheckInterval)
	}

	if config.FallbackSweepInterval <= 0 {
		return fmt.Errorf("fallback sweep interval must be positive, got %v", config.FallbackSweepInterval)
	}

	if config.SlowOperationThreshold < 0 {
		return fmt.Errorf("slow operation threshold cannot be negative, got %v", config.SlowOperationThreshold)
	}

	if config.MetricsWindowSize <= 0 {
		return fmt.Errorf("metrics window size must be positive, got %d", config.MetricsWindowSize)
	}

	// Validate retry configuration if provided
	if config.RetryConfig != nil {
		if err := validateRetryConfig(config.RetryConfig); err != nil {
			return fmt.Errorf("invalid retry configuration: %w", err)
		}
	}

	return nil
}

// validateRetryConfig validates the retry configuration parameters
func validateRetryConfig(config *RetryConfig) error {
	if config.MaxAttempts < 0 {
		return fmt.Errorf("max attempts cannot be negative, got %d", config.MaxAttempts)
	}

	if config.InitialDelay <= 0 {
		return fmt.Errorf("initial delay must be positive, got %v", config.InitialDelay)
	}

	if config.MaxDelay <= 0 {
		return fmt.Errorf("max delay must be positive, got %v", config.MaxDelay)
	}

	if config.Multiplier < 1.0 {
		return fmt.Errorf("multiplier must be >= 1.0, got %f", config.Multiplier)
	}

	if config.InitialDelay > config.MaxDelay {
		return fmt.Errorf("initial delay (%v) cannot be greater than max delay (%v)", config.InitialDelay, config.MaxDelay)
	}

	return nil
}

// NewBackOff builds the reconnection schedule. Without jitter the n-th delay
// (zero based) is min(InitialDelay * Multiplier^n, MaxDelay). The schedule
// never stops on its own; MaxAttempts is enforced by the caller.
func (rc *RetryConfig) NewBackOff() *backoff.ExponentialBackOff {
	b := &backoff.ExponentialBackOff{
		InitialInterval:     rc.InitialDelay,
		RandomizationFactor: 0,
		Multiplier:          rc.Multiplier,
		MaxInterval:         rc.MaxDelay,
		MaxElapsedTime:      0,
		Stop:                backoff.Stop,
		Clock:               backoff.SystemClock,
	}
	if rc.Jitter {
		b.RandomizationFactor = 0.1
	}
	b.Reset()
	return b
}
