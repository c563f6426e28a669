package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/kengibson1111/go-ticketing-cache/internal"
)

// Backend names used in logs and metrics
const (
	backendRedis  = "redis"
	backendMemory = "memory"
)

// RateLimitResult is the decision for one request
type RateLimitResult struct {
	Allowed   bool      `json:"allowed"`
	Limit     int       `json:"limit"`
	Remaining int       `json:"remaining"`
	Current   int       `json:"current"`
	ResetTime time.Time `json:"resetTime"`
}

// RetryAfter returns how long a denied caller should wait, rounded up to
// whole seconds and never less than one
func (r RateLimitResult) RetryAfter(now time.Time) time.Duration {
	wait := r.ResetTime.Sub(now)
	secs := int64((wait + time.Second - 1) / time.Second)
	if secs < 1 {
		secs = 1
	}
	return time.Duration(secs) * time.Second
}

// limitStrategy is one rate-limit backend. Both backends report the same
// result shape and deny the limit+1-th request of a window.
type limitStrategy interface {
	check(ctx context.Context, key string, limit int, window time.Duration, now time.Time) (RateLimitResult, error)
	reset(ctx context.Context, key string) error
	name() string
}

// slidingWindowScript keeps one sorted-set member per allowed request,
// scored by its time in ms. A denied request is not recorded.
// Returns {allowed, count before this request, reset time ms}.
var slidingWindowScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])

redis.call('ZREMRANGEBYSCORE', key, '-inf', now - window)
local count = redis.call('ZCARD', key)
local allowed = 0
if count + 1 <= limit then
	redis.call('ZADD', key, now, ARGV[4])
	allowed = 1
end
redis.call('PEXPIRE', key, window)

local reset = now + window
local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
if oldest[2] then
	reset = tonumber(oldest[2]) + window
end
return {allowed, count, reset}
`)

// redisWindow is the sliding-window strategy over the shared store
type redisWindow struct {
	client func() redis.UniversalClient
}

func (w *redisWindow) name() string { return backendRedis }

func (w *redisWindow) check(ctx context.Context, key string, limit int, window time.Duration, now time.Time) (RateLimitResult, error) {
	client := w.client()
	if client == nil {
		return RateLimitResult{}, internal.NewConnectionError("store client is closed", redis.ErrClosed)
	}

	nowMs := now.UnixMilli()
	member := fmt.Sprintf("%d-%s", nowMs, uuid.NewString())
	reply, err := slidingWindowScript.Run(ctx, client, []string{key},
		nowMs, window.Milliseconds(), limit, member).Int64Slice()
	if err != nil {
		return RateLimitResult{}, internal.ClassifyRedisError(key, err)
	}
	if len(reply) != 3 {
		return RateLimitResult{}, internal.NewSerializationError(key, fmt.Sprintf("unexpected rate-limit reply of %d values", len(reply)), nil)
	}

	allowed := reply[0] == 1
	current := int(reply[1]) + 1
	return newRateLimitResult(allowed, limit, current, time.UnixMilli(reply[2])), nil
}

func (w *redisWindow) reset(ctx context.Context, key string) error {
	client := w.client()
	if client == nil {
		return internal.NewConnectionError("store client is closed", redis.ErrClosed)
	}
	if err := client.Del(ctx, key).Err(); err != nil {
		return internal.ClassifyRedisError(key, err)
	}
	return nil
}

func newRateLimitResult(allowed bool, limit, current int, resetTime time.Time) RateLimitResult {
	remaining := limit - current
	if remaining < 0 {
		remaining = 0
	}
	return RateLimitResult{
		Allowed:   allowed,
		Limit:     limit,
		Remaining: remaining,
		Current:   current,
		ResetTime: resetTime,
	}
}

// RateLimiter decides whether a request is within its limit. It uses the
// sliding window in the shared store while the connection is ready and a
// per-process fixed window otherwise.
type RateLimiter struct {
	conn      *ConnectionManager
	keyGen    internal.KeyGenerator
	validator *internal.InputValidator
	metrics   *MetricsCollector
	logger    *zap.Logger
	state     *stateView
	now       func() time.Time

	primary  limitStrategy
	fallback *memoryWindow
}

// NewRateLimiter creates a limiter bound to conn and starts the fallback
// sweeper. Close stops it.
func NewRateLimiter(conn *ConnectionManager, metrics *MetricsCollector, logger *zap.Logger) *RateLimiter {
	if logger == nil {
		logger = zap.NewNop()
	}
	config := conn.Config()
	if metrics == nil {
		metrics = NewMetricsCollector(config.MetricsWindowSize, logger)
	}

	rl := &RateLimiter{
		conn:      conn,
		keyGen:    internal.NewKeyGenerator(config.Namespace()),
		validator: internal.NewInputValidator(config.MaxValueSize),
		metrics:   metrics,
		logger:    logger.Named("cache.ratelimit"),
		state:     newStateView(conn),
		now:       time.Now,
		primary:   &redisWindow{client: conn.Client},
		fallback:  newMemoryWindow(config.FallbackSweepInterval),
	}
	return rl
}

// CheckLimit counts one request for identifier against limit per window. An
// error is returned only for invalid arguments, a done ctx or an unexpected
// store reply; an unreachable store is answered by the fallback window.
func (rl *RateLimiter) CheckLimit(ctx context.Context, identifier string, limit int, window time.Duration) (RateLimitResult, error) {
	if err := rl.validator.ValidateContext(ctx); err != nil {
		return RateLimitResult{}, err
	}
	if err := rl.validator.ValidateIdentifier(identifier, "rate-limit identifier"); err != nil {
		return RateLimitResult{}, err
	}
	if err := rl.validator.ValidateLimit(limit, window); err != nil {
		return RateLimitResult{}, err
	}

	logical := rl.keyGen.RateLimitKey(identifier)
	key := rl.keyGen.Key(logical)
	now := rl.now()

	strategy := rl.strategy()
	result, err := strategy.check(ctx, key, limit, window, now)
	if err != nil && strategy == rl.primary && internal.IsConnectionClass(err) && ctx.Err() == nil {
		rl.logger.Warn("rate-limit store unreachable, using fallback window",
			zap.String("identifier", identifier),
			zap.Error(err))
		rl.metrics.RecordError(logical)
		rl.conn.ReportError(err)

		strategy = rl.fallback
		result, err = strategy.check(ctx, key, limit, window, now)
	}
	if err != nil {
		rl.metrics.RecordError(logical)
		return RateLimitResult{}, err
	}

	rl.metrics.RecordRateLimit(strategy.name(), result.Allowed)
	if !result.Allowed {
		rl.logger.Debug("rate limit exceeded",
			zap.String("identifier", identifier),
			zap.String("backend", strategy.name()),
			zap.Int("limit", limit),
			zap.Int("current", result.Current))
	}
	return result, nil
}

// ResetLimit forgets all recorded requests for identifier in both backends
func (rl *RateLimiter) ResetLimit(ctx context.Context, identifier string) bool {
	if err := rl.validator.ValidateIdentifier(identifier, "rate-limit identifier"); err != nil {
		rl.logger.Warn("invalid rate-limit identifier", zap.Error(err))
		return false
	}

	key := rl.keyGen.Key(rl.keyGen.RateLimitKey(identifier))
	_ = rl.fallback.reset(ctx, key)

	if !rl.state.ready() {
		return true
	}
	if err := rl.primary.reset(ctx, key); err != nil {
		rl.logger.Warn("failed to reset rate limit", zap.String("identifier", identifier), zap.Error(err))
		rl.conn.ReportFailure(ctx, err)
		return false
	}
	return true
}

// Close stops the fallback sweeper
func (rl *RateLimiter) Close() {
	rl.fallback.close()
}

func (rl *RateLimiter) strategy() limitStrategy {
	if rl.state.ready() {
		return rl.primary
	}
	return rl.fallback
}
