// Package health provides the liveness and readiness probes.
package health

import (
	"context"
	"sync"
	"time"
)

// Probe reports whether one dependency can serve work. runner.Runner
// implements it.
type Probe interface {
	Ready(ctx context.Context) error
}

// ProbeFunc adapts a function to Probe.
type ProbeFunc func(ctx context.Context) error

// Ready calls f.
func (f ProbeFunc) Ready(ctx context.Context) error { return f(ctx) }

// Check is a named readiness probe. A failing optional check degrades the
// service without taking it out of rotation.
type Check struct {
	Name     string
	Probe    Probe
	Optional bool
}

// Status represents the health status of a component.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusUnhealthy Status = "unhealthy"
	StatusDegraded  Status = "degraded"
)

// CheckResult contains the result of a health check.
type CheckResult struct {
	Status  Status `json:"status"`
	Message string `json:"message,omitempty"`
}

// Response is the health check response.
type Response struct {
	Status Status                 `json:"status"`
	Checks map[string]CheckResult `json:"checks,omitempty"`
}

// IsHealthy returns true if the overall status is healthy.
func (r *Response) IsHealthy() bool {
	return r.Status == StatusHealthy
}

// IsReady returns true unless a required check failed.
func (r *Response) IsReady() bool {
	return r.Status != StatusUnhealthy
}

// Checker runs readiness checks, caching the result for a short period.
type Checker struct {
	checks  []Check
	timeout time.Duration
	ttl     time.Duration

	mu           sync.RWMutex
	lastCheck    time.Time
	cachedReady  *Response
	shuttingDown bool
}

// NewChecker creates a checker. With no checks the service is never ready.
func NewChecker(checks ...Check) *Checker {
	return &Checker{
		checks:  checks,
		timeout: 5 * time.Second,
		ttl:     time.Second,
	}
}

// Liveness reports that the process is alive. It checks no dependencies.
func (c *Checker) Liveness(_ context.Context) *Response {
	return &Response{Status: StatusHealthy}
}

// Readiness runs every check, or returns the cached result of a recent run.
func (c *Checker) Readiness(ctx context.Context) *Response {
	c.mu.RLock()
	if c.shuttingDown {
		c.mu.RUnlock()
		return &Response{
			Status: StatusUnhealthy,
			Checks: map[string]CheckResult{
				"shutdown": {Status: StatusUnhealthy, Message: "service is shutting down"},
			},
		}
	}
	if c.cachedReady != nil && time.Since(c.lastCheck) < c.ttl {
		cached := c.cachedReady
		c.mu.RUnlock()
		return cached
	}
	c.mu.RUnlock()

	response := c.run(ctx)

	c.mu.Lock()
	c.cachedReady = response
	c.lastCheck = time.Now()
	c.mu.Unlock()

	return response
}

func (c *Checker) run(ctx context.Context) *Response {
	if len(c.checks) == 0 {
		return &Response{
			Status: StatusUnhealthy,
			Checks: map[string]CheckResult{
				"runner": {Status: StatusUnhealthy, Message: "no readiness checks configured"},
			},
		}
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	results := make([]CheckResult, len(c.checks))
	var wg sync.WaitGroup
	for i, check := range c.checks {
		wg.Go(func() {
			results[i] = probe(ctx, check)
		})
	}
	wg.Wait()

	response := &Response{Status: StatusHealthy, Checks: make(map[string]CheckResult, len(c.checks))}
	for i, check := range c.checks {
		res := results[i]
		response.Checks[check.Name] = res
		switch {
		case res.Status == StatusHealthy:
		case check.Optional:
			if response.Status == StatusHealthy {
				response.Status = StatusDegraded
			}
		default:
			response.Status = StatusUnhealthy
		}
	}
	return response
}

func probe(ctx context.Context, check Check) CheckResult {
	if check.Probe == nil {
		return CheckResult{Status: StatusUnhealthy, Message: "not configured"}
	}
	if err := check.Probe.Ready(ctx); err != nil {
		status := StatusUnhealthy
		if check.Optional {
			status = StatusDegraded
		}
		return CheckResult{Status: status, Message: err.Error()}
	}
	return CheckResult{Status: StatusHealthy}
}

// SetShuttingDown fails every later readiness check so load balancers stop
// routing new traffic here.
func (c *Checker) SetShuttingDown() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.shuttingDown = true
	c.cachedReady = nil
}
