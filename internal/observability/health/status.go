// Package health reports whether the checkpoint store and the gamma
// calibration a run depends on are usable.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// HealthStatus represents the health status
type HealthStatus string

const (
	StatusHealthy   HealthStatus = "healthy"
	StatusDegraded  HealthStatus = "degraded"
	StatusUnhealthy HealthStatus = "unhealthy"
)

const defaultCheckTimeout = 5 * time.Second

// HealthCheck defines a health check
type HealthCheck interface {
	Name() string
	Check(ctx context.Context) HealthResult
	Critical() bool
}

// HealthResult represents the result of a health check
type HealthResult struct {
	Status    HealthStatus      `json:"status"`
	Message   string            `json:"message,omitempty"`
	Duration  time.Duration     `json:"duration"`
	Timestamp time.Time         `json:"timestamp"`
	Details   map[string]string `json:"details,omitempty"`
}

// SystemStatus represents overall health
type SystemStatus struct {
	OverallStatus  HealthStatus            `json:"overall_status"`
	CheckResults   map[string]HealthResult `json:"check_results"`
	CriticalIssues []string                `json:"critical_issues,omitempty"`
	LastCheck      time.Time               `json:"last_check"`
	Uptime         time.Duration           `json:"uptime"`
}

// BasicHealthCheck turns a function into a HealthCheck. A failing critical
// check is unhealthy; a failing non-critical one is degraded.
type BasicHealthCheck struct {
	name      string
	checkFunc func(ctx context.Context) (map[string]string, error)
	critical  bool
	timeout   time.Duration
}

// NewBasicHealthCheck creates a check with the default timeout
func NewBasicHealthCheck(name string, critical bool, fn func(ctx context.Context) (map[string]string, error)) *BasicHealthCheck {
	return &BasicHealthCheck{
		name:      name,
		checkFunc: fn,
		critical:  critical,
		timeout:   defaultCheckTimeout,
	}
}

// WithTimeout overrides the check timeout
func (bhc *BasicHealthCheck) WithTimeout(d time.Duration) *BasicHealthCheck {
	bhc.timeout = d
	return bhc
}

func (bhc *BasicHealthCheck) Name() string   { return bhc.name }
func (bhc *BasicHealthCheck) Critical() bool { return bhc.critical }

// Check runs the function under the check timeout
func (bhc *BasicHealthCheck) Check(ctx context.Context) HealthResult {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, bhc.timeout)
	defer cancel()

	details, err := bhc.checkFunc(ctx)
	result := HealthResult{
		Status:    StatusHealthy,
		Duration:  time.Since(start),
		Timestamp: start,
		Details:   details,
	}
	if err != nil {
		result.Status = StatusDegraded
		if bhc.critical {
			result.Status = StatusUnhealthy
		}
		result.Message = err.Error()
	}
	return result
}

// HealthMonitor runs registered checks on demand
type HealthMonitor struct {
	logger    *logrus.Logger
	mu        sync.RWMutex
	checks    map[string]HealthCheck
	startTime time.Time
}

// NewHealthMonitor creates a new health monitor
func NewHealthMonitor(logger *logrus.Logger) *HealthMonitor {
	if logger == nil {
		logger = logrus.New()
	}
	return &HealthMonitor{
		logger:    logger,
		checks:    make(map[string]HealthCheck),
		startTime: time.Now(),
	}
}

// RegisterCheck adds or replaces a check by name
func (hm *HealthMonitor) RegisterCheck(check HealthCheck) {
	hm.mu.Lock()
	defer hm.mu.Unlock()
	hm.checks[check.Name()] = check
}

// CheckAll runs every check concurrently. The overall status is unhealthy
// if any critical check fails, degraded if any other check fails.
func (hm *HealthMonitor) CheckAll(ctx context.Context) *SystemStatus {
	hm.mu.RLock()
	checks := make([]HealthCheck, 0, len(hm.checks))
	for _, c := range hm.checks {
		checks = append(checks, c)
	}
	hm.mu.RUnlock()

	results := make([]HealthResult, len(checks))
	var g errgroup.Group
	for i, c := range checks {
		g.Go(func() error {
			results[i] = c.Check(ctx)
			return nil
		})
	}
	_ = g.Wait()

	status := &SystemStatus{
		OverallStatus: StatusHealthy,
		CheckResults:  make(map[string]HealthResult, len(checks)),
		LastCheck:     time.Now(),
		Uptime:        time.Since(hm.startTime),
	}
	for i, c := range checks {
		r := results[i]
		status.CheckResults[c.Name()] = r

		switch r.Status {
		case StatusUnhealthy:
			status.OverallStatus = StatusUnhealthy
			status.CriticalIssues = append(status.CriticalIssues, c.Name())
		case StatusDegraded:
			if status.OverallStatus == StatusHealthy {
				status.OverallStatus = StatusDegraded
			}
		}

		if r.Status != StatusHealthy {
			hm.logger.WithFields(logrus.Fields{
				"check":  c.Name(),
				"status": r.Status,
				"error":  r.Message,
			}).Warn("Health check failed")
		}
	}
	sort.Strings(status.CriticalIssues)

	return status
}

// Handler serves the system status as JSON: 200 unless unhealthy, then 503
func (hm *HealthMonitor) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		status := hm.CheckAll(r.Context())

		code := http.StatusOK
		if status.OverallStatus == StatusUnhealthy {
			code = http.StatusServiceUnavailable
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		if err := json.NewEncoder(w).Encode(status); err != nil {
			hm.logger.WithError(err).Error("Failed to encode health status")
		}
	})
}
