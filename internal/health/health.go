// Package health provides health check endpoints for rdmamon.
//
// The package implements Kubernetes-compatible health checks:
//
//   - /health/live: Liveness probe (is the process running?)
//   - /health/ready: Readiness probe (are the monitor loops serving?)
//   - /health/detailed: Full per-component breakdown
//
// Each check returns JSON status with component health details:
//
//	{
//	  "status": "healthy",
//	  "checks": {
//	    "transport": "healthy",
//	    "monitors": "healthy",
//	    "journal": "healthy"
//	  }
//	}
//
// Use these endpoints with container orchestrators for automatic restart
// and traffic routing based on service health.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/piwi3910/rdmamon/internal/journal"
	"github.com/piwi3910/rdmamon/internal/monitor"
	"github.com/piwi3910/rdmamon/internal/transport/rdma"
)

// Status represents the overall health status.
type Status string

const (
	// StatusHealthy indicates all checks passed.
	StatusHealthy Status = "healthy"
	// StatusDegraded indicates some checks failed but core functionality works.
	StatusDegraded Status = "degraded"
	// StatusUnhealthy indicates critical failures.
	StatusUnhealthy Status = "unhealthy"
)

// Check represents a single health check result.
type Check struct {
	Status  Status `json:"status"`
	Message string `json:"message,omitempty"`
}

// HealthStatus represents the complete health status of the system.
type HealthStatus struct {
	Timestamp time.Time        `json:"timestamp"`
	Checks    map[string]Check `json:"checks"`
	Status    Status           `json:"status"`
}

// Checker performs health checks on the system.
type Checker struct {
	cacheExpiry  time.Time
	transport    *rdma.Transport
	registry     *monitor.Registry
	journal      *journal.Journal
	cachedStatus *HealthStatus
	cacheTTL     time.Duration
	mu           sync.RWMutex
}

// NewChecker creates a new health checker. The journal may be nil when
// journalling is disabled.
func NewChecker(transport *rdma.Transport, registry *monitor.Registry, jn *journal.Journal) *Checker {
	return &Checker{
		transport: transport,
		registry:  registry,
		journal:   jn,
		cacheTTL:  5 * time.Second, // Cache health checks for 5 seconds
	}
}

// Check performs all health checks and returns the overall status.
func (c *Checker) Check(ctx context.Context) *HealthStatus {
	// Check cache first
	c.mu.RLock()

	if c.cachedStatus != nil && time.Now().Before(c.cacheExpiry) {
		status := c.cachedStatus
		c.mu.RUnlock()

		return status
	}

	c.mu.RUnlock()

	// Perform checks
	checks := make(map[string]Check)

	// Run checks in parallel
	var (
		wg       sync.WaitGroup
		checksMu sync.Mutex
	)

	wg.Add(3)

	go func() {
		defer wg.Done()

		check := c.CheckTransport(ctx)

		checksMu.Lock()

		checks["transport"] = check

		checksMu.Unlock()
	}()

	go func() {
		defer wg.Done()

		check := c.CheckMonitors(ctx)

		checksMu.Lock()

		checks["monitors"] = check

		checksMu.Unlock()
	}()

	go func() {
		defer wg.Done()

		check := c.CheckJournal(ctx)

		checksMu.Lock()

		checks["journal"] = check

		checksMu.Unlock()
	}()

	wg.Wait()

	// Determine overall status
	status := c.determineOverallStatus(checks)

	healthStatus := &HealthStatus{
		Status:    status,
		Checks:    checks,
		Timestamp: time.Now(),
	}

	// Cache the result
	c.mu.Lock()
	c.cachedStatus = healthStatus
	c.cacheExpiry = time.Now().Add(c.cacheTTL)
	c.mu.Unlock()

	return healthStatus
}

// CheckTransport checks the RDMA transport state.
func (c *Checker) CheckTransport(ctx context.Context) Check {
	if c.transport == nil {
		return Check{
			Status:  StatusUnhealthy,
			Message: "transport not initialized",
		}
	}

	return Check{
		Status:  StatusHealthy,
		Message: "device " + c.transport.Device() + " is operational",
	}
}

// CheckMonitors checks the monitor loops serving the supervised connections.
func (c *Checker) CheckMonitors(ctx context.Context) Check {
	if c.registry == nil {
		return Check{
			Status:  StatusUnhealthy,
			Message: "monitor registry not initialized",
		}
	}

	ctrls := c.registry.Controllers()
	if len(ctrls) == 0 {
		return Check{
			Status:  StatusHealthy,
			Message: "no connections under monitoring",
		}
	}

	failed := 0

	for _, ctrl := range ctrls {
		if ctrl.Err() != nil {
			failed++
		}
	}

	switch {
	case failed == len(ctrls):
		return Check{
			Status:  StatusUnhealthy,
			Message: "all monitor loops stopped with errors",
		}
	case failed > 0:
		return Check{
			Status:  StatusDegraded,
			Message: fmt.Sprintf("%d of %d monitor loops stopped with errors", failed, len(ctrls)),
		}
	}

	return Check{
		Status:  StatusHealthy,
		Message: fmt.Sprintf("%d connections monitored", c.registry.Len()),
	}
}

// CheckJournal checks the message journal.
func (c *Checker) CheckJournal(ctx context.Context) Check {
	if c.journal == nil {
		return Check{
			Status:  StatusHealthy,
			Message: "journal disabled",
		}
	}

	// Try a simple read operation
	if _, err := c.journal.Recent(1); err != nil {
		return Check{
			Status:  StatusUnhealthy,
			Message: "journal check failed: " + err.Error(),
		}
	}

	return Check{
		Status:  StatusHealthy,
		Message: fmt.Sprintf("journal holding %d messages", c.journal.Len()),
	}
}

// IsReady checks if the service is ready to accept requests.
func (c *Checker) IsReady(ctx context.Context) bool {
	if c.transport == nil || c.registry == nil {
		return false
	}

	// A monitor loop that stopped with an error means the receive path
	// is no longer primed for its connections.
	for _, ctrl := range c.registry.Controllers() {
		if ctrl.Err() != nil {
			return false
		}
	}

	return true
}

// IsLive checks if the service is alive.
func (c *Checker) IsLive(ctx context.Context) bool {
	// Basic liveness check - if we can execute this, we're alive
	return true
}

// determineOverallStatus determines the overall health status based on individual checks.
func (c *Checker) determineOverallStatus(checks map[string]Check) Status {
	hasUnhealthy := false
	hasDegraded := false

	for _, check := range checks {
		switch check.Status {
		case StatusUnhealthy:
			hasUnhealthy = true
		case StatusDegraded:
			hasDegraded = true
		}
	}

	if hasUnhealthy {
		return StatusUnhealthy
	}

	if hasDegraded {
		return StatusDegraded
	}

	return StatusHealthy
}

// Handler creates HTTP handlers for health endpoints.
type Handler struct {
	checker *Checker
}

// NewHandler creates a new health handler.
func NewHandler(checker *Checker) *Handler {
	return &Handler{checker: checker}
}

// HealthHandler handles basic health check requests (for load balancers).
func (h *Handler) HealthHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	status := h.checker.Check(ctx)

	w.Header().Set("Content-Type", "application/json")

	if status.Status == StatusUnhealthy {
		w.WriteHeader(http.StatusServiceUnavailable)
	} else {
		w.WriteHeader(http.StatusOK)
	}

	json.NewEncoder(w).Encode(map[string]string{
		"status": string(status.Status),
	})
}

// LivenessHandler handles Kubernetes liveness probe requests.
func (h *Handler) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if h.checker.IsLive(ctx) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ok"}`))
	} else {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte(`{"status":"not ok"}`))
	}
}

// ReadinessHandler handles Kubernetes readiness probe requests.
func (h *Handler) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if h.checker.IsReady(ctx) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ready"}`))
	} else {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte(`{"status":"not ready"}`))
	}
}

// DetailedHandler handles detailed health check requests.
func (h *Handler) DetailedHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	status := h.checker.Check(ctx)

	w.Header().Set("Content-Type", "application/json")

	switch status.Status {
	case StatusUnhealthy:
		w.WriteHeader(http.StatusServiceUnavailable)
	case StatusDegraded:
		w.WriteHeader(http.StatusOK) // Return 200 for degraded but include status in body
	default:
		w.WriteHeader(http.StatusOK)
	}

	json.NewEncoder(w).Encode(status)
}
