package schedule

import (
	"context"
	"time"

	"github.com/teranos/pulsecron/errors"
)

// HealthStatus is the coarse scheduler state.
type HealthStatus string

const (
	HealthHealthy   HealthStatus = "healthy"   // storage reachable, nothing stale
	HealthDegraded  HealthStatus = "degraded"  // stale claims or overdue jobs
	HealthUnhealthy HealthStatus = "unhealthy" // storage unreachable
)

// HealthReport is the result of one probe.
type HealthReport struct {
	Status    HealthStatus  `json:"status"`
	StaleJobs int64         `json:"stale_jobs"`
	Latency   time.Duration `json:"latency_ns"`
	Error     string        `json:"error,omitempty"`
}

// Err is nil unless the report is unhealthy, in which case it wraps
// errors.ErrServiceUnavailable.
func (r HealthReport) Err() error {
	if r.Status != HealthUnhealthy {
		return nil
	}
	return errors.Wrapf(errors.ErrServiceUnavailable, "storage unreachable: %s", r.Error)
}

// HealthProbe reports scheduler health from storage.
type HealthProbe struct {
	store     Storage
	threshold time.Duration
}

// NewHealthProbe creates a probe using the stale job threshold.
func NewHealthProbe(store Storage, threshold time.Duration) *HealthProbe {
	return &HealthProbe{store: store, threshold: threshold}
}

// Check queries the stale job count.
func (h *HealthProbe) Check(ctx context.Context) HealthReport {
	start := time.Now()
	count, err := h.store.GetStaleJobCount(ctx, h.threshold)
	report := HealthReport{Latency: time.Since(start)}

	switch {
	case err != nil:
		report.Status = HealthUnhealthy
		report.Error = err.Error()
	case count > 0:
		report.Status = HealthDegraded
		report.StaleJobs = count
	default:
		report.Status = HealthHealthy
	}
	return report
}
