package cache

import (
	"encoding/json"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Rate-limit response headers
const (
	HeaderRateLimitLimit     = "X-RateLimit-Limit"
	HeaderRateLimitRemaining = "X-RateLimit-Remaining"
	HeaderRateLimitReset     = "X-RateLimit-Reset"
	HeaderRetryAfter         = "Retry-After"
)

// RateLimitOptions configures a rate-limit middleware
type RateLimitOptions struct {
	Limit  int
	Window time.Duration
	// Scope separates independent limits on the same identifier, e.g. "login"
	Scope string
	// KeyFunc identifies the caller. Middleware defaults to the socket
	// address and GinMiddleware to gin's ClientIP, which honors forwarded
	// headers only from the engine's trusted proxies.
	KeyFunc func(r *http.Request) string
	// Skip exempts a request from limiting
	Skip func(r *http.Request) bool
}

func (o RateLimitOptions) withDefaults() RateLimitOptions {
	if o.Limit <= 0 {
		o.Limit = 100
	}
	if o.Window <= 0 {
		o.Window = time.Minute
	}
	if o.Scope == "" {
		o.Scope = "global"
	}
	return o
}

// deniedResponse is the body of a 429 response
type deniedResponse struct {
	Allowed    bool      `json:"allowed"`
	Limit      int       `json:"limit"`
	Current    int       `json:"current"`
	ResetTime  time.Time `json:"resetTime"`
	RetryAfter int64     `json:"retryAfter"`
}

// Middleware gates requests with CheckLimit. Limiter failures let the
// request through.
func (rl *RateLimiter) Middleware(opts RateLimitOptions) func(http.Handler) http.Handler {
	opts = opts.withDefaults()
	keyFunc := opts.KeyFunc
	if keyFunc == nil {
		keyFunc = ClientIP
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if opts.Skip != nil && opts.Skip(r) {
				next.ServeHTTP(w, r)
				return
			}

			result, ok := rl.decide(r, opts, keyFunc(r))
			if !ok {
				next.ServeHTTP(w, r)
				return
			}

			setRateLimitHeaders(w.Header(), result)
			if !result.Allowed {
				body, retryAfter := rl.denial(result)
				w.Header().Set(HeaderRetryAfter, strconv.FormatInt(retryAfter, 10))
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusTooManyRequests)
				_ = json.NewEncoder(w).Encode(body)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// GinMiddleware is Middleware for gin routers
func (rl *RateLimiter) GinMiddleware(opts RateLimitOptions) gin.HandlerFunc {
	opts = opts.withDefaults()

	return func(c *gin.Context) {
		if opts.Skip != nil && opts.Skip(c.Request) {
			c.Next()
			return
		}

		caller := c.ClientIP()
		if opts.KeyFunc != nil {
			caller = opts.KeyFunc(c.Request)
		}

		result, ok := rl.decide(c.Request, opts, caller)
		if !ok {
			c.Next()
			return
		}

		setRateLimitHeaders(c.Writer.Header(), result)
		if !result.Allowed {
			body, retryAfter := rl.denial(result)
			c.Header(HeaderRetryAfter, strconv.FormatInt(retryAfter, 10))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, body)
			return
		}

		c.Next()
	}
}

// decide returns false when the limiter could not decide
func (rl *RateLimiter) decide(r *http.Request, opts RateLimitOptions, caller string) (RateLimitResult, bool) {
	identifier := opts.Scope + ":" + caller
	result, err := rl.CheckLimit(r.Context(), identifier, opts.Limit, opts.Window)
	if err != nil {
		rl.logger.Warn("rate limiter failed, allowing request",
			zap.String("identifier", identifier),
			zap.String("path", r.URL.Path),
			zap.Error(err))
		return RateLimitResult{}, false
	}
	return result, true
}

func (rl *RateLimiter) denial(result RateLimitResult) (deniedResponse, int64) {
	retryAfter := int64(result.RetryAfter(rl.now()) / time.Second)
	return deniedResponse{
		Allowed:    false,
		Limit:      result.Limit,
		Current:    result.Current,
		ResetTime:  result.ResetTime,
		RetryAfter: retryAfter,
	}, retryAfter
}

func setRateLimitHeaders(h http.Header, result RateLimitResult) {
	h.Set(HeaderRateLimitLimit, strconv.Itoa(result.Limit))
	h.Set(HeaderRateLimitRemaining, strconv.Itoa(result.Remaining))
	h.Set(HeaderRateLimitReset, strconv.FormatInt(result.ResetTime.Unix(), 10))
}

// ClientIP returns the host part of the socket address of r. Forwarding
// headers are ignored since any client can set them.
func ClientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// ForwardedClientIP prefers X-Forwarded-For and X-Real-IP over the socket
// address. Use it as KeyFunc only when every request arrives through a proxy
// that overwrites those headers.
func ForwardedClientIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		first, _, _ := strings.Cut(forwarded, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	if realIP := strings.TrimSpace(r.Header.Get("X-Real-IP")); realIP != "" {
		return realIP
	}
	return ClientIP(r)
}
