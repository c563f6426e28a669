package cache

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Health status values
const (
	StatusHealthy      = "healthy"
	StatusDegraded     = "degraded"
	StatusConnecting   = "connecting"
	StatusDisconnected = "disconnected"
)

// HealthStatus is reported on the service health endpoint
type HealthStatus struct {
	Connected         bool                   `json:"connected"`
	FallbackMode      bool                   `json:"fallbackMode"`
	ReconnectAttempts int                    `json:"reconnectAttempts"`
	Status            string                 `json:"status"`
	Metrics           Metrics                `json:"metrics"`
	Pool              map[string]interface{} `json:"pool,omitempty"`
	CheckedAt         time.Time              `json:"checkedAt"`
}

// Health pings the store when the connection is believed ready, so a broken
// connection is reported as degraded on the first health request after it
// breaks
func (s *KeyValueStore) Health(ctx context.Context) HealthStatus {
	if s.conn.IsReady() {
		if client := s.conn.Client(); client != nil {
			pingCtx, cancel := context.WithTimeout(ctx, s.config.ConnectTimeout)
			err := client.Ping(pingCtx).Err()
			cancel()
			if err != nil {
				s.logger.Warn("health ping failed", zap.Error(err))
				s.conn.ReportFailure(ctx, err)
			}
		}
	}

	state := s.conn.State()
	return HealthStatus{
		Connected:         state == StateReady,
		FallbackMode:      state == StateFallback,
		ReconnectAttempts: s.conn.ReconnectAttempts(),
		Status:            statusFor(state),
		Metrics:           s.metrics.GetMetrics(),
		Pool:              s.conn.connectionInfo(),
		CheckedAt:         time.Now().UTC(),
	}
}

func statusFor(state ConnectionState) string {
	switch state {
	case StateReady:
		return StatusHealthy
	case StateFallback:
		return StatusDegraded
	case StateConnecting:
		return StatusConnecting
	default:
		return StatusDisconnected
	}
}
