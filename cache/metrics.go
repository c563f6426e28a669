package cache

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/kengibson1111/go-ticketing-cache/internal"
)

// Outcome classifies a recorded cache operation
type Outcome string

const (
	OutcomeHit    Outcome = "hit"
	OutcomeMiss   Outcome = "miss"
	OutcomeWrite  Outcome = "write"
	OutcomeDelete Outcome = "delete"
)

// PatternFunc reduces a logical key to the pattern metrics are grouped by
type PatternFunc func(key string) string

// OverallMetrics aggregates every recorded operation
type OverallMetrics struct {
	Hits                int64   `json:"hits"`
	Misses              int64   `json:"misses"`
	Operations          int64   `json:"operations"`
	Errors              int64   `json:"errors"`
	SlowOperations      int64   `json:"slowOperations"`
	HitRate             float64 `json:"hitRate"`
	MissRate            float64 `json:"missRate"`
	AvgResponseTimeMs   float64 `json:"avgResponseTimeMs"`
	OperationsPerMinute float64 `json:"operationsPerMinute"`
}

// PatternMetrics aggregates operations on keys sharing a pattern
type PatternMetrics struct {
	Hits              int64   `json:"hits"`
	Misses            int64   `json:"misses"`
	Operations        int64   `json:"operations"`
	HitRate           float64 `json:"hitRate"`
	AvgResponseTimeMs float64 `json:"avgResponseTimeMs"`
}

// Metrics is a point-in-time snapshot of the collector
type Metrics struct {
	Overall   OverallMetrics            `json:"overall"`
	ByPattern map[string]PatternMetrics `json:"byPattern"`
}

type patternStats struct {
	hits          int64
	misses        int64
	operations    int64
	totalDuration time.Duration
}

// maxPatterns bounds the per-pattern breakdown and the pattern label
const maxPatterns = 200

// OverflowPattern collects operations on keys whose pattern arrived after the
// pattern limit was reached
const OverflowPattern = "other"

// MetricsCollector counts cache operations globally and per key pattern.
// Hit and miss rates are percentages. Bookkeeping never fails an operation:
// any panic inside the collector is recovered and dropped.
type MetricsCollector struct {
	mu     sync.Mutex
	logger *zap.Logger

	patternFunc PatternFunc
	now         func() time.Time
	startedAt   time.Time

	hits       int64
	misses     int64
	operations int64
	errors     int64
	slow       int64
	patterns   map[string]*patternStats

	// every pattern ever labelled, kept across Reset since Prometheus
	// series are never removed
	known       map[string]struct{}
	maxPatterns int

	// rolling window of the most recent durations
	durations []time.Duration
	next      int
	filled    bool

	// Own Prometheus registry
	registry          *prometheus.Registry
	operationsTotal   *prometheus.CounterVec
	errorsTotal       *prometheus.CounterVec
	slowTotal         prometheus.Counter
	operationDuration *prometheus.HistogramVec
	rateLimitTotal    *prometheus.CounterVec
}

// NewMetricsCollector creates a collector keeping the last windowSize
// durations for latency averages
func NewMetricsCollector(windowSize int, logger *zap.Logger) *MetricsCollector {
	if windowSize <= 0 {
		windowSize = 1000
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	mc := &MetricsCollector{
		logger:      logger.Named("cache.metrics"),
		patternFunc: internal.KeyPattern,
		now:         time.Now,
		patterns:    make(map[string]*patternStats),
		known:       make(map[string]struct{}),
		maxPatterns: maxPatterns,
		durations:   make([]time.Duration, windowSize),
		registry:    prometheus.NewRegistry(),
	}
	mc.startedAt = mc.now()

	mc.operationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ticketing_cache_operations_total",
		Help: "Cache operations by key pattern and outcome.",
	}, []string{"pattern", "outcome"})
	mc.errorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ticketing_cache_errors_total",
		Help: "Failed cache operations by key pattern.",
	}, []string{"pattern"})
	mc.slowTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ticketing_cache_slow_operations_total",
		Help: "Cache operations slower than the configured threshold.",
	})
	mc.operationDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ticketing_cache_operation_duration_seconds",
		Help:    "Cache operation latency.",
		Buckets: []float64{0.0005, 0.001, 0.002, 0.005, 0.01, 0.02, 0.05, 0.1, 0.2, 0.5, 1},
	}, []string{"outcome"})
	mc.rateLimitTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ticketing_cache_rate_limit_decisions_total",
		Help: "Rate-limit decisions by backend.",
	}, []string{"backend", "decision"})

	mc.registry.MustRegister(
		mc.operationsTotal,
		mc.errorsTotal,
		mc.slowTotal,
		mc.operationDuration,
		mc.rateLimitTotal,
	)

	return mc
}

// SetPatternFunc replaces the key classifier. A nil function restores the default.
func (mc *MetricsCollector) SetPatternFunc(fn PatternFunc) {
	if fn == nil {
		fn = internal.KeyPattern
	}
	mc.mu.Lock()
	defer mc.mu.Unlock()
	mc.patternFunc = fn
}

// RecordOperation records one completed operation on key
func (mc *MetricsCollector) RecordOperation(key string, outcome Outcome, duration time.Duration) {
	defer mc.recoverPanic("RecordOperation")

	pattern := mc.recordOperation(key, outcome, duration)
	mc.operationsTotal.WithLabelValues(pattern, string(outcome)).Inc()
	mc.operationDuration.WithLabelValues(string(outcome)).Observe(duration.Seconds())
}

// RecordError records a failed operation on key. Failures count as operations.
func (mc *MetricsCollector) RecordError(key string) {
	defer mc.recoverPanic("RecordError")

	pattern := mc.recordError(key)
	mc.errorsTotal.WithLabelValues(pattern).Inc()
}

// RecordSlow flags an operation that exceeded the slow-operation threshold
func (mc *MetricsCollector) RecordSlow(key string) {
	defer mc.recoverPanic("RecordSlow")

	mc.mu.Lock()
	defer mc.mu.Unlock()
	mc.slow++

	mc.slowTotal.Inc()
}

// RecordRateLimit records a rate-limit decision taken by the given backend
func (mc *MetricsCollector) RecordRateLimit(backend string, allowed bool) {
	defer mc.recoverPanic("RecordRateLimit")

	decision := "denied"
	if allowed {
		decision = "allowed"
	}
	mc.rateLimitTotal.WithLabelValues(backend, decision).Inc()
}

// GetMetrics returns a snapshot of the collected metrics
func (mc *MetricsCollector) GetMetrics() (m Metrics) {
	defer mc.recoverPanic("GetMetrics")

	mc.mu.Lock()
	defer mc.mu.Unlock()

	m.Overall = OverallMetrics{
		Hits:              mc.hits,
		Misses:            mc.misses,
		Operations:        mc.operations,
		Errors:            mc.errors,
		SlowOperations:    mc.slow,
		HitRate:           percentage(mc.hits, mc.hits+mc.misses),
		MissRate:          percentage(mc.misses, mc.hits+mc.misses),
		AvgResponseTimeMs: mc.rollingAverageLocked(),
	}
	if minutes := mc.now().Sub(mc.startedAt).Minutes(); minutes > 0 {
		m.Overall.OperationsPerMinute = float64(mc.operations) / minutes
	}

	m.ByPattern = make(map[string]PatternMetrics, len(mc.patterns))
	for pattern, stats := range mc.patterns {
		pm := PatternMetrics{
			Hits:       stats.hits,
			Misses:     stats.misses,
			Operations: stats.operations,
			HitRate:    percentage(stats.hits, stats.hits+stats.misses),
		}
		if stats.operations > 0 {
			pm.AvgResponseTimeMs = durationMs(stats.totalDuration) / float64(stats.operations)
		}
		m.ByPattern[pattern] = pm
	}

	return m
}

// Reset clears all in-process counters and restarts the throughput clock.
// Prometheus counters are monotonic and are not reset.
func (mc *MetricsCollector) Reset() {
	defer mc.recoverPanic("Reset")

	mc.mu.Lock()
	defer mc.mu.Unlock()

	mc.hits, mc.misses, mc.operations, mc.errors, mc.slow = 0, 0, 0, 0, 0
	mc.patterns = make(map[string]*patternStats)
	mc.durations = make([]time.Duration, len(mc.durations))
	mc.next = 0
	mc.filled = false
	mc.startedAt = mc.now()
}

// Registry returns the collector's Prometheus registry
func (mc *MetricsCollector) Registry() *prometheus.Registry {
	return mc.registry
}

// Handler serves the collector's Prometheus metrics
func (mc *MetricsCollector) Handler() http.Handler {
	return promhttp.HandlerFor(mc.registry, promhttp.HandlerOpts{})
}

func (mc *MetricsCollector) recordOperation(key string, outcome Outcome, duration time.Duration) string {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	pattern := mc.patternLocked(key)
	stats := mc.statsLocked(pattern)

	mc.operations++
	stats.operations++
	stats.totalDuration += duration
	switch outcome {
	case OutcomeHit:
		mc.hits++
		stats.hits++
	case OutcomeMiss:
		mc.misses++
		stats.misses++
	}

	mc.durations[mc.next] = duration
	mc.next = (mc.next + 1) % len(mc.durations)
	if mc.next == 0 {
		mc.filled = true
	}
	return pattern
}

func (mc *MetricsCollector) recordError(key string) string {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	pattern := mc.patternLocked(key)
	mc.statsLocked(pattern).operations++
	mc.operations++
	mc.errors++
	return pattern
}

// patternLocked classifies key. Once maxPatterns distinct patterns have been
// seen, new ones are counted under OverflowPattern.
func (mc *MetricsCollector) patternLocked(key string) string {
	pattern := mc.patternFunc(key)
	if _, ok := mc.known[pattern]; ok {
		return pattern
	}
	if len(mc.known) >= mc.maxPatterns {
		return OverflowPattern
	}
	mc.known[pattern] = struct{}{}
	return pattern
}

func (mc *MetricsCollector) statsLocked(pattern string) *patternStats {
	stats, ok := mc.patterns[pattern]
	if !ok {
		stats = &patternStats{}
		mc.patterns[pattern] = stats
	}
	return stats
}

func (mc *MetricsCollector) rollingAverageLocked() float64 {
	n := mc.next
	if mc.filled {
		n = len(mc.durations)
	}
	if n == 0 {
		return 0
	}

	var total time.Duration
	for i := 0; i < n; i++ {
		total += mc.durations[i]
	}
	return durationMs(total) / float64(n)
}

func (mc *MetricsCollector) recoverPanic(op string) {
	if r := recover(); r != nil {
		mc.logger.Error("metrics bookkeeping failed", zap.String("op", op), zap.Any("panic", r))
	}
}

func percentage(part, total int64) float64 {
	if total == 0 {
		return 0
	}
	return float64(part) / float64(total) * 100
}

func durationMs(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
