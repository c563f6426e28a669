// Package cache provides a Redis-backed cache, session store and rate limiter
// for the ticketing platform that keeps serving while Redis is unreachable.
//
// This package implements a resilient data layer that supports:
//   - Namespaced JSON key-value caching with TTLs, batch and pattern operations
//   - Sessions with a sliding lifetime and a per-user index
//   - Sliding-window rate limiting with a per-process fallback window
//   - Hit, miss and latency metrics grouped by key pattern
//   - Automatic reconnection with exponential backoff
//
// # Connection States
//
// A ConnectionManager owns the Redis client and moves through four states:
//
//	disconnected -> connecting -> ready
//	                    ^           |
//	                    |           v
//	                    +------ fallback
//
// While the connection is not ready every operation answers immediately with
// its degraded value: reads miss, writes report false and counts are zero.
// Nothing blocks on the network and nothing returns a connection error.
// Rate-limit checks keep working against a fixed window held in memory.
//
// # Basic Usage
//
//	config := cache.DefaultConfig()
//	config.RedisAddr = "localhost:6379"
//	config.Environment = "prod" // keys are stored as "prod:<key>"
//
//	conn, err := cache.NewConnectionManager(config, logger)
//	if err != nil {
//	    log.Fatal(err) // invalid configuration
//	}
//	defer conn.Disconnect()
//	conn.Initialize(ctx) // false means the service starts in fallback mode
//
//	store := cache.NewKeyValueStore(conn, nil, logger)
//	sessions := cache.NewSessionStore(store, logger)
//	limiter := cache.NewRateLimiter(conn, store.Metrics(), logger)
//	defer limiter.Close()
//
// Read through the cache:
//
//	var ev Event
//	err = store.GetOrLoad(ctx, "event:42", &ev, 5*time.Minute, func(ctx context.Context) (interface{}, error) {
//	    return db.LoadEvent(ctx, 42)
//	})
//
// Gate an HTTP handler:
//
//	mux.Handle("/api/", limiter.Middleware(cache.RateLimitOptions{Limit: 100, Window: time.Minute}))
//
// # Key Layout
//
// Logical keys are prefixed with the configured namespace before they reach
// Redis:
//   - Sessions: session:<session_id>
//   - Session index: sessions:user:<user_id>
//   - Rate-limit windows: ratelimit:<identifier>
//
// Keys and DeletePattern never match outside the namespace.
//
// # Errors
//
// Operations report failure through their return value. Errors are returned
// only where a caller must act on them: invalid configuration, invalid
// rate-limit arguments and GetOrLoad loader failures. Use IsValidationError,
// IsConfigurationError and the other helpers to classify them.
package cache
