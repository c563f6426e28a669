package cache

import (
	"context"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/mock"

	"github.com/kengibson1111/go-ticketing-cache/internal"
)

// MockRedisClient is a mock implementation of the RedisClientInterface for testing
type MockRedisClient struct {
	mock.Mock
}

// NewMockRedisClient creates a new mock Redis client
func NewMockRedisClient() *MockRedisClient {
	return &MockRedisClient{}
}

// Health mocks the Health method. The return value may be a
// func(context.Context) error evaluated on every call.
func (m *MockRedisClient) Health(ctx context.Context) error {
	args := m.Called(ctx)
	if fn, ok := args.Get(0).(func(context.Context) error); ok {
		return fn(ctx)
	}
	return args.Error(0)
}

// Client mocks the Client method
func (m *MockRedisClient) Client() redis.UniversalClient {
	args := m.Called()
	if args.Get(0) == nil {
		return nil
	}
	return args.Get(0).(redis.UniversalClient)
}

// Config mocks the Config method
func (m *MockRedisClient) Config() *Config {
	args := m.Called()
	if args.Get(0) == nil {
		return nil
	}
	return args.Get(0).(*Config)
}

// PoolStats mocks the PoolStats method
func (m *MockRedisClient) PoolStats() *redis.PoolStats {
	args := m.Called()
	if args.Get(0) == nil {
		return nil
	}
	return args.Get(0).(*redis.PoolStats)
}

// Close mocks the Close method
func (m *MockRedisClient) Close() error {
	args := m.Called()
	return args.Error(0)
}

// MockClientFactory returns a ClientFactory that always hands out client
func MockClientFactory(client internal.RedisClientInterface) ClientFactory {
	return func(*Config) (internal.RedisClientInterface, error) {
		return client, nil
	}
}

var _ internal.RedisClientInterface = (*MockRedisClient)(nil)
