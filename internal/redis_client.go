package internal

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisClientInterface defines the interface for Redis client operations
type RedisClientInterface interface {
	Health(ctx context.Context) error
	Client() redis.UniversalClient
	Config() *Config
	PoolStats() *redis.PoolStats
	Close() error
}

// RedisClient wraps the go-redis client with additional functionality
type RedisClient struct {
	client *redis.Client
	config *Config
}

// NewRedisClient creates a new Redis client with the provided configuration
func NewRedisClient(config *Config) (*RedisClient, error) {
	if config == nil {
		config = DefaultConfig()
	}

	// Validate configuration
	if err := ValidateConfig(config); err != nil {
		return nil, err
	}

	// Create Redis client options
	opts := &redis.Options{
		Addr:         config.RedisAddr,
		Username:     config.RedisUsername,
		Password:     config.RedisPassword,
		DB:           config.RedisDB,
		MaxRetries:   config.MaxRetries,
		DialTimeout:  config.DialTimeout,
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
		PoolSize:     config.PoolSize,
	}
	// go-redis treats 0 as "use default of 3"; -1 disables retries so a
	// dropped connection surfaces immediately.
	if config.MaxRetries == 0 {
		opts.MaxRetries = -1
	}

	redisClient := &RedisClient{
		client: redis.NewClient(opts),
		config: config,
	}

	return redisClient, nil
}

// Health performs a health check on the Redis connection
func (rc *RedisClient) Health(ctx context.Context) error {
	// Use PING command to check if Redis is responsive
	pong, err := rc.client.Ping(ctx).Result()
	if err != nil {
		return ClassifyRedisError("", fmt.Errorf("redis health check failed: %w", err))
	}

	if pong != "PONG" {
		return NewConnectionError(fmt.Sprintf("unexpected ping response: %s", pong), nil)
	}

	return nil
}

// Client returns the underlying Redis client for direct access
func (rc *RedisClient) Client() redis.UniversalClient {
	return rc.client
}

// Config returns the Redis client configuration
func (rc *RedisClient) Config() *Config {
	return rc.config
}

// PoolStats returns the connection pool statistics
func (rc *RedisClient) PoolStats() *redis.PoolStats {
	return rc.client.PoolStats()
}

// Close closes the Redis client connection
func (rc *RedisClient) Close() error {
	return rc.client.Close()
}

// GetConnectionInfo returns information about the current Redis connection
func GetConnectionInfo(rc RedisClientInterface) map[string]interface{} {
	info := make(map[string]interface{})
	if rc == nil {
		return info
	}

	if cfg := rc.Config(); cfg != nil {
		info["addr"] = cfg.RedisAddr
		info["db"] = cfg.RedisDB
		info["pool_size"] = cfg.PoolSize
	}

	if poolStats := rc.PoolStats(); poolStats != nil {
		info["pool_hits"] = poolStats.Hits
		info["pool_misses"] = poolStats.Misses
		info["pool_timeouts"] = poolStats.Timeouts
		info["pool_total_conns"] = poolStats.TotalConns
		info["pool_idle_conns"] = poolStats.IdleConns
		info["pool_stale_conns"] = poolStats.StaleConns
	}

	return info
}
