package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
	"go.uber.org/zap/zapcore"

	"github.com/kengibson1111/go-ticketing-cache/internal"
)

// testConfig returns a configuration with short timeouts pointed at mr
func testConfig(mr *miniredis.Miniredis) *Config {
	config := DefaultConfig()
	config.RedisAddr = mr.Addr()
	config.Environment = "test"
	config.DialTimeout = 200 * time.Millisecond
	config.ReadTimeout = 200 * time.Millisecond
	config.WriteTimeout = 200 * time.Millisecond
	config.ConnectTimeout = 500 * time.Millisecond
	config.HealthCheckInterval = time.Hour
	config.RetryConfig = &RetryConfig{
		MaxAttempts:  1000,
		InitialDelay: 10 * time.Millisecond,
		MaxDelay:     50 * time.Millisecond,
		Multiplier:   2.0,
	}
	return config
}

type testEnv struct {
	mr       *miniredis.Miniredis
	conn     *ConnectionManager
	metrics  *MetricsCollector
	store    *KeyValueStore
	sessions *SessionStore
	limiter  *RateLimiter
	logs     *observer.ObservedLogs
}

// newTestEnv wires every service against a fresh miniredis
func newTestEnv(t *testing.T, configure ...func(*Config)) *testEnv {
	t.Helper()

	mr := miniredis.RunT(t)
	config := testConfig(mr)
	for _, fn := range configure {
		fn(config)
	}

	core, logs := observer.New(zapcore.DebugLevel)
	logger := zap.New(core)

	conn, err := NewConnectionManager(config, logger)
	require.NoError(t, err)

	metrics := NewMetricsCollector(config.MetricsWindowSize, logger)
	store := NewKeyValueStore(conn, metrics, logger)
	limiter := NewRateLimiter(conn, metrics, logger)
	t.Cleanup(func() {
		limiter.Close()
		_ = conn.Disconnect()
	})

	require.True(t, conn.Initialize(context.Background()))

	return &testEnv{
		mr:       mr,
		conn:     conn,
		metrics:  metrics,
		store:    store,
		sessions: NewSessionStore(store, logger),
		limiter:  limiter,
		logs:     logs,
	}
}

// breakStore stops the server and reports the failure the way a failed
// operation would
func (e *testEnv) breakStore(t *testing.T) {
	t.Helper()
	e.mr.Close()
	e.conn.ReportError(errStoreDown)
	require.NotEqual(t, StateReady, e.conn.State())
}

// restoreStore restarts the server and waits for the reconnection timer
func (e *testEnv) restoreStore(t *testing.T) {
	t.Helper()
	require.NoError(t, e.mr.Restart())
	waitForState(t, e.conn, StateReady)
	// Subscribers learn about the transition right after the manager does
	require.Eventually(t, func() bool {
		return e.store.state.ready() && e.limiter.state.ready()
	}, time.Second, time.Millisecond)
}

var errStoreDown = internal.NewConnectionError("store down", nil)

func waitForState(t *testing.T, conn *ConnectionManager, want ConnectionState) {
	t.Helper()
	require.Eventually(t, func() bool {
		return conn.State() == want
	}, 3*time.Second, 5*time.Millisecond, "expected state %s, got %s", want, conn.State())
}
