package cache

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/kengibson1111/go-ticketing-cache/internal"
)

// Re-export configuration and error types so callers never import internal
type (
	Config      = internal.Config
	RetryConfig = internal.RetryConfig
	CacheError  = internal.CacheError
	ErrorType   = internal.ErrorType
)

var (
	DefaultConfig      = internal.DefaultConfig
	DefaultRetryConfig = internal.DefaultRetryConfig

	IsConnectionError    = internal.IsConnectionError
	IsTimeoutError       = internal.IsTimeoutError
	IsNotFoundError      = internal.IsNotFoundError
	IsSerializationError = internal.IsSerializationError
	IsValidationError    = internal.IsValidationError
	IsConfigurationError = internal.IsConfigurationError
)

// Loader produces the value for a cache-aside miss
type Loader func(ctx context.Context) (interface{}, error)

// Cache is the key/value contract used by web collaborators. Every method is
// safe to call in any connection state and reports failure through its
// return value only.
type Cache interface {
	// Single-key operations
	Get(ctx context.Context, key string, dest interface{}) bool
	GetRaw(ctx context.Context, key string) (json.RawMessage, bool)
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) bool
	Replace(ctx context.Context, key string, value interface{}) bool
	Del(ctx context.Context, key string) bool
	Exists(ctx context.Context, key string) bool
	TTL(ctx context.Context, key string) int64
	Expire(ctx context.Context, key string, ttl time.Duration) bool

	// Batched operations
	MGet(ctx context.Context, keys []string) map[string]json.RawMessage
	MSet(ctx context.Context, values map[string]interface{}, ttl time.Duration) bool
	MDel(ctx context.Context, keys []string) int64

	// Pattern invalidation
	Keys(ctx context.Context, pattern string) []string
	DeletePattern(ctx context.Context, pattern string) int64

	GetOrLoad(ctx context.Context, key string, dest interface{}, ttl time.Duration, loader Loader) error
	Health(ctx context.Context) HealthStatus
}

// Sessions is the session contract used by web collaborators
type Sessions interface {
	CreateSession(ctx context.Context, data SessionData, ttl time.Duration) string
	Get(ctx context.Context, sessionID string) *Session
	Set(ctx context.Context, sessionID string, session *Session, ttl time.Duration) bool
	Touch(ctx context.Context, sessionID string, extension time.Duration) bool
	Destroy(ctx context.Context, sessionID string) bool
	DestroyByUserID(ctx context.Context, userID string) int
	GetAllSessions(ctx context.Context, userID string) []string
	ValidateSession(ctx context.Context, sessionID string) *Session
}

// Limiter is the rate-limit contract used by web collaborators
type Limiter interface {
	CheckLimit(ctx context.Context, identifier string, limit int, window time.Duration) (RateLimitResult, error)
	ResetLimit(ctx context.Context, identifier string) bool
	Middleware(opts RateLimitOptions) func(http.Handler) http.Handler
	Close()
}

var (
	_ Cache    = (*KeyValueStore)(nil)
	_ Sessions = (*SessionStore)(nil)
	_ Limiter  = (*RateLimiter)(nil)
)
