// Package health polls the backend /health endpoint on a schedule.
package health

import (
	"context"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/pkg/errors"

	"github.com/dj-oyu/cloud-monitor/internal/api"
	"github.com/dj-oyu/cloud-monitor/internal/logger"
	"github.com/dj-oyu/cloud-monitor/internal/metrics"
	"github.com/dj-oyu/cloud-monitor/internal/views"
)

const (
	DefaultInterval = 5 * time.Minute
	checkTimeout    = 10 * time.Second
)

// Checker is the health call of the backend API.
type Checker interface {
	Health(ctx context.Context) (*api.HealthStatus, error)
}

// Monitor keeps the latest backend health and refreshes it periodically.
type Monitor struct {
	checker   Checker
	interval  time.Duration
	metrics   *metrics.Metrics
	scheduler gocron.Scheduler

	mu        sync.RWMutex
	last      *api.HealthStatus
	lastErr   error
	checkedAt time.Time
	onChange  func(*api.HealthStatus)
}

// NewMonitor creates a monitor; call Start to begin polling.
func NewMonitor(checker Checker, interval time.Duration, m *metrics.Metrics) (*Monitor, error) {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if m == nil {
		m = metrics.New()
	}
	scheduler, err := gocron.NewScheduler()
	if err != nil {
		return nil, errors.Wrap(err, "create health scheduler")
	}
	return &Monitor{
		checker:   checker,
		interval:  interval,
		metrics:   m,
		scheduler: scheduler,
	}, nil
}

// OnChange registers fn to run whenever the healthy flag or missing keys change.
func (m *Monitor) OnChange(fn func(*api.HealthStatus)) {
	m.mu.Lock()
	m.onChange = fn
	m.mu.Unlock()
}

// Start checks immediately, then every interval. Checks never overlap.
func (m *Monitor) Start() error {
	_, err := m.scheduler.NewJob(
		gocron.DurationJob(m.interval),
		gocron.NewTask(func() {
			m.CheckNow(context.Background())
		}),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
		gocron.WithStartAt(gocron.WithStartImmediately()),
	)
	if err != nil {
		return errors.Wrap(err, "schedule health check")
	}
	m.scheduler.Start()
	logger.Info("Health", "Checking backend health every %v", m.interval)
	return nil
}

// Shutdown stops the scheduler.
func (m *Monitor) Shutdown() error {
	return m.scheduler.Shutdown()
}

// CheckNow calls the backend and records the result. A failed call counts
// as unhealthy with no known missing keys.
func (m *Monitor) CheckNow(ctx context.Context) *api.HealthStatus {
	ctx, cancel := context.WithTimeout(ctx, checkTimeout)
	defer cancel()

	st, err := m.checker.Health(ctx)
	if err != nil {
		logger.Warn("Health", "Health check failed: %v", err)
		st = &api.HealthStatus{Healthy: false}
	}
	if !st.Healthy {
		m.metrics.HealthFails.Add(1)
	}

	m.mu.Lock()
	prev := m.last
	m.last = st
	m.lastErr = err
	m.checkedAt = time.Now()
	onChange := m.onChange
	m.mu.Unlock()

	if changed(prev, st) {
		if st.Healthy {
			logger.Info("Health", "Backend healthy")
		} else {
			logger.Warn("Health", "Backend unhealthy, missing keys: %v", st.MissingKeys)
		}
		if onChange != nil {
			onChange(st)
		}
	}
	return st
}

func changed(prev, cur *api.HealthStatus) bool {
	if prev == nil || prev.Healthy != cur.Healthy || len(prev.MissingKeys) != len(cur.MissingKeys) {
		return true
	}
	for i := range prev.MissingKeys {
		if prev.MissingKeys[i] != cur.MissingKeys[i] {
			return true
		}
	}
	return false
}

// Status returns the latest result, or nil before the first check completes.
func (m *Monitor) Status() *api.HealthStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.last
}

// LastError is the error of the latest check, if it failed.
func (m *Monitor) LastError() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastErr
}

// CheckedAt is when the latest check finished.
func (m *Monitor) CheckedAt() time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.checkedAt
}

// Banner renders the configuration warning for the latest result.
func (m *Monitor) Banner() views.HealthBanner {
	return views.NewHealthBanner(m.Status())
}
