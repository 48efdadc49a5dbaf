package quiry

import (
	"context"
	"fmt"
	"time"

	badgerdb "github.com/dgraph-io/badger/v4"
	"github.com/poiesic/quiry/ai"
	"github.com/sony/gobreaker"
)

// HealthStatus is the state of one service or of the whole system.
type HealthStatus string

const (
	HealthHealthy   HealthStatus = "healthy"
	HealthDegraded  HealthStatus = "degraded"
	HealthUnhealthy HealthStatus = "unhealthy"
)

// ServiceHealth is the outcome of checking one dependency.
type ServiceHealth struct {
	Status         HealthStatus `json:"status"`
	Message        string       `json:"message,omitempty"`
	ResponseTimeMs int64        `json:"response_time_ms"`
}

// HealthReport aggregates the service checks. Status is the worst of them.
type HealthReport struct {
	Status    HealthStatus             `json:"status"`
	Timestamp time.Time                `json:"timestamp"`
	Services  map[string]ServiceHealth `json:"services"`
}

// Healthy reports whether every service is healthy.
func (r *HealthReport) Healthy() bool {
	return r.Status == HealthHealthy
}

// Health checks the broker, the chunk store and the embedder circuit breaker.
func (s *System) Health(ctx context.Context) *HealthReport {
	report := &HealthReport{
		Status:    HealthHealthy,
		Timestamp: time.Now().UTC(),
		Services: map[string]ServiceHealth{
			"broker":   timed(func() ServiceHealth { return s.brokerHealth(ctx) }),
			"storage":  timed(s.storageHealth),
			"embedder": timed(s.embedderHealth),
		},
	}
	for name, svc := range report.Services {
		if rank(svc.Status) > rank(report.Status) {
			report.Status = svc.Status
		}
		if svc.Status != HealthHealthy {
			s.logger.Warn("health check failed", "service", name, "status", svc.Status, "message", svc.Message)
		}
	}
	return report
}

func (s *System) brokerHealth(ctx context.Context) ServiceHealth {
	backlog, err := s.pipeline.Backlog(ctx)
	if err != nil {
		return ServiceHealth{Status: HealthUnhealthy, Message: err.Error()}
	}
	return ServiceHealth{Status: HealthHealthy, Message: fmt.Sprintf("%d messages pending", backlog)}
}

func (s *System) storageHealth() ServiceHealth {
	if s.backend.IsClosed() {
		return ServiceHealth{Status: HealthUnhealthy, Message: "storage is closed"}
	}
	if err := s.backend.View(func(_ *badgerdb.Txn) error { return nil }); err != nil {
		return ServiceHealth{Status: HealthUnhealthy, Message: err.Error()}
	}
	return ServiceHealth{Status: HealthHealthy}
}

func (s *System) embedderHealth() ServiceHealth {
	resilient, ok := s.embedder.(*ai.Resilient)
	if !ok {
		return ServiceHealth{Status: HealthHealthy, Message: "no circuit breaker"}
	}
	switch state := resilient.State(); state {
	case gobreaker.StateOpen:
		return ServiceHealth{Status: HealthUnhealthy, Message: "circuit breaker open"}
	case gobreaker.StateHalfOpen:
		return ServiceHealth{Status: HealthDegraded, Message: "circuit breaker half-open"}
	default:
		return ServiceHealth{Status: HealthHealthy, Message: "circuit breaker " + state.String()}
	}
}

func timed(check func() ServiceHealth) ServiceHealth {
	started := time.Now()
	svc := check()
	svc.ResponseTimeMs = time.Since(started).Milliseconds()
	return svc
}

func rank(status HealthStatus) int {
	switch status {
	case HealthUnhealthy:
		return 2
	case HealthDegraded:
		return 1
	default:
		return 0
	}
}
