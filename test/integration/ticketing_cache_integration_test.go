package integration

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kengibson1111/go-ticketing-cache/cache"
	"github.com/kengibson1111/go-ticketing-cache/internal"
)

type services struct {
	conn     *cache.ConnectionManager
	store    *cache.KeyValueStore
	sessions *cache.SessionStore
	limiter  *cache.RateLimiter
}

// setupTestServices wires every service against REDIS_ADDR
// Returns the services and a cleanup function
func setupTestServices(t *testing.T) (*services, func()) {
	config := internal.DefaultConfig()
	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		config.RedisAddr = addr
	}
	config.RedisDB = 15 // Use a different DB for tests
	config.Environment = fmt.Sprintf("integration-%d", time.Now().UnixNano())
	config.ConnectTimeout = time.Second

	conn, err := cache.NewConnectionManager(config, nil)
	require.NoError(t, err)

	// Test Redis connection
	ctx := context.Background()
	if !conn.Initialize(ctx) {
		_ = conn.Disconnect()
		t.Skip("Redis not available for testing at", config.RedisAddr)
	}

	store := cache.NewKeyValueStore(conn, nil, nil)
	s := &services{
		conn:     conn,
		store:    store,
		sessions: cache.NewSessionStore(store, nil),
		limiter:  cache.NewRateLimiter(conn, store.Metrics(), nil),
	}

	cleanup := func() {
		// Clean up any test data in this run's namespace
		store.DeletePattern(context.Background(), "*")
		s.limiter.Close()
		_ = conn.Disconnect()
	}
	return s, cleanup
}

func TestKeyValueStore_Integration(t *testing.T) {
	s, cleanup := setupTestServices(t)
	defer cleanup()

	ctx := context.Background()

	tests := []struct {
		name  string
		key   string
		value interface{}
		ttl   time.Duration
	}{
		{name: "object", key: "event:1", value: map[string]interface{}{"name": "Concert", "seats": float64(120)}, ttl: time.Hour},
		{name: "default TTL", key: "event:2", value: "plain string", ttl: 0},
		{name: "list", key: "venue:1:sections", value: []interface{}{"A", "B"}, ttl: time.Minute},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.True(t, s.store.Set(ctx, tt.key, tt.value, tt.ttl))

			var got interface{}
			require.True(t, s.store.Get(ctx, tt.key, &got))
			assert.Equal(t, tt.value, got)
			assert.Greater(t, s.store.TTL(ctx, tt.key), int64(0))
		})
	}

	assert.ElementsMatch(t, []string{"event:1", "event:2"}, s.store.Keys(ctx, "event:*"))
	assert.Equal(t, int64(2), s.store.DeletePattern(ctx, "event:*"))
	assert.False(t, s.store.Exists(ctx, "event:1"))
	assert.Equal(t, int64(-2), s.store.TTL(ctx, "event:1"))
}

func TestSessionStore_Integration(t *testing.T) {
	s, cleanup := setupTestServices(t)
	defer cleanup()

	ctx := context.Background()

	id := s.sessions.CreateSession(ctx, cache.SessionData{UserID: "u1", Role: "customer"}, time.Minute)
	require.NotEmpty(t, id)

	session := s.sessions.ValidateSession(ctx, id)
	require.NotNil(t, session)
	assert.Equal(t, "customer", session.Role)
	assert.Greater(t, s.store.TTL(ctx, "session:"+id), int64(60), "validation slides the default extension")

	second := s.sessions.CreateSession(ctx, cache.SessionData{UserID: "u1"}, time.Minute)
	assert.ElementsMatch(t, []string{id, second}, s.sessions.GetAllSessions(ctx, "u1"))

	assert.Equal(t, 2, s.sessions.DestroyByUserID(ctx, "u1"))
	assert.Nil(t, s.sessions.GetAllSessions(ctx, "u1"))
}

func TestRateLimiter_Integration(t *testing.T) {
	s, cleanup := setupTestServices(t)
	defer cleanup()

	ctx := context.Background()

	for i := 1; i <= 5; i++ {
		result, err := s.limiter.CheckLimit(ctx, "login:203.0.113.1", 5, time.Minute)
		require.NoError(t, err)
		assert.True(t, result.Allowed, "request %d", i)
	}

	result, err := s.limiter.CheckLimit(ctx, "login:203.0.113.1", 5, time.Minute)
	require.NoError(t, err)
	assert.False(t, result.Allowed)
	assert.Equal(t, 6, result.Current)

	require.True(t, s.limiter.ResetLimit(ctx, "login:203.0.113.1"))
	result, err = s.limiter.CheckLimit(ctx, "login:203.0.113.1", 5, time.Minute)
	require.NoError(t, err)
	assert.True(t, result.Allowed)
}

func TestHealth_Integration(t *testing.T) {
	s, cleanup := setupTestServices(t)
	defer cleanup()

	health := s.store.Health(context.Background())
	assert.Equal(t, cache.StatusHealthy, health.Status)
	assert.True(t, health.Connected)
	assert.NotEmpty(t, health.Pool)
}
