package cache

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/kengibson1111/go-ticketing-cache/internal"
)

// ConnectionState is the lifecycle state of the shared store connection
type ConnectionState int32

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateReady
	StateFallback
)

// String returns the string representation of ConnectionState
func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateReady:
		return "ready"
	case StateFallback:
		return "fallback"
	default:
		return "unknown"
	}
}

// StateHandler is notified after every state transition. Handlers run one
// at a time, in transition order. They may read the manager's state but must
// not trigger transitions themselves.
type StateHandler func(from, to ConnectionState)

// ClientFactory creates the store client used by a ConnectionManager
type ClientFactory func(config *Config) (internal.RedisClientInterface, error)

func defaultClientFactory(config *Config) (internal.RedisClientInterface, error) {
	return internal.NewRedisClient(config)
}

// ConnectionManager owns the single connection to the shared store. It
// tracks the connection state, reconnects with exponential backoff and
// broadcasts state changes to subscribers. Connection failures only ever
// change state; they are never returned to callers of the cache layer.
type ConnectionManager struct {
	config    *Config
	logger    *zap.Logger
	newClient ClientFactory

	mu             sync.Mutex
	client         internal.RedisClientInterface
	state          ConnectionState
	attempts       int
	backoff        *backoff.ExponentialBackOff
	reconnectTimer *time.Timer
	healthRunning  bool
	closed         bool
	ctx            context.Context
	cancel         context.CancelFunc
	handlers       []StateHandler

	// handler callbacks are delivered in transition order
	nextTicket uint64
	notifyMu   sync.Mutex
	notifyCond *sync.Cond
	serving    uint64

	wg sync.WaitGroup
}

// NewConnectionManager creates a ConnectionManager. The connection is not
// attempted until Initialize is called. Invalid configuration is reported
// here, at startup, and nowhere else.
func NewConnectionManager(config *Config, logger *zap.Logger) (*ConnectionManager, error) {
	return NewConnectionManagerWithFactory(config, defaultClientFactory, logger)
}

// NewConnectionManagerWithFactory creates a ConnectionManager with an injected client factory for testing
func NewConnectionManagerWithFactory(config *Config, factory ClientFactory, logger *zap.Logger) (*ConnectionManager, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if config.RetryConfig == nil {
		config.RetryConfig = DefaultRetryConfig()
	}
	if err := internal.ValidateConfig(config); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	ctx, cancel := context.WithCancel(context.Background())
	cm := &ConnectionManager{
		config:    config,
		logger:    logger.Named("cache.connection"),
		newClient: factory,
		state:     StateDisconnected,
		backoff:   config.RetryConfig.NewBackOff(),
		ctx:       ctx,
		cancel:    cancel,
	}
	cm.notifyCond = sync.NewCond(&cm.notifyMu)
	return cm, nil
}

// Config returns the configuration the manager was built with
func (cm *ConnectionManager) Config() *Config {
	return cm.config
}

// Initialize connects to the store within Config.ConnectTimeout. On success
// the state becomes ready; on failure it becomes fallback and reconnection
// is scheduled. Calling Initialize again after reconnection gave up starts
// a fresh cycle.
func (cm *ConnectionManager) Initialize(ctx context.Context) bool {
	cm.mu.Lock()
	if cm.state == StateReady && !cm.closed {
		cm.mu.Unlock()
		return true
	}

	if cm.closed || cm.ctx.Err() != nil {
		cm.ctx, cm.cancel = context.WithCancel(context.Background())
		cm.closed = false
	}

	if cm.client == nil {
		client, err := cm.newClient(cm.config)
		if err != nil {
			cm.mu.Unlock()
			cm.logger.Error("failed to create store client", zap.Error(err))
			return false
		}
		cm.client = client
	}

	cm.stopReconnectTimerLocked()
	cm.attempts = 0
	cm.backoff.Reset()
	if !cm.healthRunning {
		cm.healthRunning = true
		cm.wg.Add(1)
		go cm.healthLoop(cm.ctx)
	}

	client := cm.client
	cm.commitLocked(StateConnecting)

	pingCtx, cancel := context.WithTimeout(ctx, cm.config.ConnectTimeout)
	err := client.Health(pingCtx)
	cancel()

	cm.mu.Lock()
	if cm.closed {
		cm.mu.Unlock()
		return false
	}

	if err == nil {
		cm.logger.Info("connected to store", zap.String("addr", cm.config.RedisAddr))
		cm.commitLocked(StateReady)
		return true
	}

	cm.logger.Warn("store unavailable, entering fallback mode",
		zap.String("addr", cm.config.RedisAddr),
		zap.Error(err))
	cm.scheduleReconnectLocked()
	cm.commitLocked(StateFallback)
	return false
}

// IsReady reports whether operations should use the shared store
func (cm *ConnectionManager) IsReady() bool {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return cm.state == StateReady
}

// State returns the current connection state
func (cm *ConnectionManager) State() ConnectionState {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return cm.state
}

// ReconnectAttempts returns the number of reconnection attempts since the last success
func (cm *ConnectionManager) ReconnectAttempts() int {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return cm.attempts
}

// OnStateChange registers a handler for future transitions and returns the
// state at registration time, so a subscriber never misses a transition.
func (cm *ConnectionManager) OnStateChange(handler StateHandler) ConnectionState {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.handlers = append(cm.handlers, handler)
	return cm.state
}

// Client returns the underlying go-redis client, or nil when no connection exists
func (cm *ConnectionManager) Client() redis.UniversalClient {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	if cm.client == nil {
		return nil
	}
	return cm.client.Client()
}

// ReportError is called by store users when an operation fails. A
// connection-class error moves a ready connection into fallback mode.
func (cm *ConnectionManager) ReportError(err error) {
	if err == nil {
		return
	}
	if !internal.IsConnectionClass(internal.ClassifyRedisError("", err)) {
		return
	}
	cm.markFailed(err)
}

// ReportFailure is ReportError for an operation that ran under ctx. When ctx
// itself is done the failure came from the caller, not the store, and the
// connection state is left alone.
func (cm *ConnectionManager) ReportFailure(ctx context.Context, err error) {
	if ctx != nil && ctx.Err() != nil {
		return
	}
	cm.ReportError(err)
}

// Disconnect cancels the reconnection timer and the health check, waits for
// them to finish and then closes the client. No timer fires against a closed
// connection.
func (cm *ConnectionManager) Disconnect() error {
	cm.mu.Lock()
	cm.closed = true
	cm.cancel()
	cm.stopReconnectTimerLocked()
	client := cm.client
	cm.client = nil
	cm.healthRunning = false
	cm.mu.Unlock()

	cm.wg.Wait()

	var err error
	if client != nil {
		err = client.Close()
	}

	cm.mu.Lock()
	cm.attempts = 0
	cm.commitLocked(StateDisconnected)

	cm.logger.Info("disconnected from store")
	return err
}

// connectionInfo returns pool statistics for health reporting
func (cm *ConnectionManager) connectionInfo() map[string]interface{} {
	cm.mu.Lock()
	client := cm.client
	cm.mu.Unlock()
	if client == nil {
		return nil
	}
	return internal.GetConnectionInfo(client)
}

func (cm *ConnectionManager) markFailed(err error) {
	cm.mu.Lock()
	if cm.closed || cm.state != StateReady {
		cm.mu.Unlock()
		return
	}

	cm.logger.Warn("store connection lost, entering fallback mode", zap.Error(err))
	cm.scheduleReconnectLocked()
	cm.commitLocked(StateFallback)
}

// scheduleReconnectLocked replaces any pending reconnection timer. Must be
// called with cm.mu held.
func (cm *ConnectionManager) scheduleReconnectLocked() {
	cm.stopReconnectTimerLocked()

	if cm.attempts >= cm.config.RetryConfig.MaxAttempts {
		cm.logger.Error("reconnection attempts exhausted, re-initialization required",
			zap.Int("attempts", cm.attempts))
		return
	}

	delay := cm.backoff.NextBackOff()
	cm.attempts++
	cm.logger.Debug("scheduling reconnection",
		zap.Int("attempt", cm.attempts),
		zap.Duration("delay", delay))

	cm.wg.Add(1)
	cm.reconnectTimer = time.AfterFunc(delay, func() {
		defer cm.wg.Done()
		cm.attemptReconnect()
	})
}

// stopReconnectTimerLocked must be called with cm.mu held
func (cm *ConnectionManager) stopReconnectTimerLocked() {
	if cm.reconnectTimer != nil && cm.reconnectTimer.Stop() {
		// The callback will never run, release its slot
		cm.wg.Done()
	}
	cm.reconnectTimer = nil
}

func (cm *ConnectionManager) attemptReconnect() {
	cm.mu.Lock()
	if cm.closed || cm.state != StateFallback || cm.client == nil {
		cm.mu.Unlock()
		return
	}
	client := cm.client
	ctx := cm.ctx
	attempt := cm.attempts
	cm.reconnectTimer = nil
	cm.commitLocked(StateConnecting)

	pingCtx, cancel := context.WithTimeout(ctx, cm.config.ConnectTimeout)
	err := client.Health(pingCtx)
	cancel()

	cm.mu.Lock()
	if cm.closed {
		cm.mu.Unlock()
		return
	}

	if err == nil {
		cm.logger.Info("reconnected to store", zap.Int("attempt", attempt))
		cm.attempts = 0
		cm.backoff.Reset()
		cm.commitLocked(StateReady)
		return
	}

	cm.logger.Warn("reconnection attempt failed",
		zap.Int("attempt", attempt),
		zap.Error(err))
	cm.scheduleReconnectLocked()
	cm.commitLocked(StateFallback)
}

func (cm *ConnectionManager) healthLoop(ctx context.Context) {
	defer cm.wg.Done()

	ticker := time.NewTicker(cm.config.HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cm.checkHealth(ctx)
		}
	}
}

// checkHealth detects a broken connection even when no foreground traffic
// would have noticed it
func (cm *ConnectionManager) checkHealth(ctx context.Context) {
	cm.mu.Lock()
	if cm.closed || cm.state != StateReady || cm.client == nil {
		cm.mu.Unlock()
		return
	}
	client := cm.client
	cm.mu.Unlock()

	pingCtx, cancel := context.WithTimeout(ctx, cm.config.ConnectTimeout)
	defer cancel()

	if err := client.Health(pingCtx); err != nil {
		if ctx.Err() != nil {
			return
		}
		cm.logger.Warn("health check failed", zap.Error(err))
		cm.markFailed(err)
	}
}

// commitLocked sets the new state and notifies handlers. It must be called
// with cm.mu held and releases it. Each transition takes a ticket under
// cm.mu and handlers run strictly in ticket order without holding cm.mu.
func (cm *ConnectionManager) commitLocked(to ConnectionState) {
	from := cm.state
	if from == to {
		cm.mu.Unlock()
		return
	}
	cm.state = to
	handlers := make([]StateHandler, len(cm.handlers))
	copy(handlers, cm.handlers)
	ticket := cm.nextTicket
	cm.nextTicket++
	cm.mu.Unlock()

	cm.notifyMu.Lock()
	for cm.serving != ticket {
		cm.notifyCond.Wait()
	}
	cm.notifyMu.Unlock()

	cm.logger.Debug("connection state changed",
		zap.Stringer("from", from),
		zap.Stringer("to", to))

	for _, handler := range handlers {
		cm.safeNotify(handler, from, to)
	}

	cm.notifyMu.Lock()
	cm.serving++
	cm.notifyCond.Broadcast()
	cm.notifyMu.Unlock()
}

func (cm *ConnectionManager) safeNotify(handler StateHandler, from, to ConnectionState) {
	defer func() {
		if r := recover(); r != nil {
			cm.logger.Error("state handler panicked", zap.Any("panic", r))
		}
	}()
	handler(from, to)
}

// stateView keeps the last state broadcast by a ConnectionManager so
// subscribers pick a backend without querying the manager on every call
type stateView struct {
	state atomic.Int32
}

const stateUnknown = -1

func newStateView(cm *ConnectionManager) *stateView {
	v := &stateView{}
	v.state.Store(stateUnknown)
	initial := cm.OnStateChange(func(_, to ConnectionState) {
		v.state.Store(int32(to))
	})
	// A transition delivered before this point is newer than initial
	v.state.CompareAndSwap(stateUnknown, int32(initial))
	return v
}

func (v *stateView) current() ConnectionState {
	return ConnectionState(v.state.Load())
}

func (v *stateView) ready() bool {
	return v.current() == StateReady
}
