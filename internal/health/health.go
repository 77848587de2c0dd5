// Package health implements liveness and readiness probes.
package health

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Status represents the health status of a component
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusUnhealthy Status = "unhealthy"
	StatusDegraded  Status = "degraded"
)

// ComponentHealth represents the health of a single component
type ComponentHealth struct {
	Status   Status `json:"status"`
	Message  string `json:"message,omitempty"`
	Duration string `json:"duration,omitempty"`
}

// HealthResponse represents the full health check response
type HealthResponse struct {
	Status     Status                     `json:"status"`
	Timestamp  string                     `json:"timestamp"`
	Version    string                     `json:"version,omitempty"`
	Components map[string]ComponentHealth `json:"components,omitempty"`
}

// Check is one named readiness probe. A failing Critical check makes the
// service unhealthy; any other failing check only degrades it.
type Check struct {
	Name     string
	Run      func(ctx context.Context) error
	Critical bool
}

// Checker performs health checks on various components
type Checker struct {
	checks       []Check
	version      string
	checkTimeout time.Duration
}

// CheckerConfig holds configuration for the health checker. DB and Redis are
// optional backends: when nil they are left out of the report.
type CheckerConfig struct {
	DB      *sql.DB
	Redis   *redis.Client
	Checks  []Check
	Version string
	Timeout time.Duration
}

// NewChecker creates a new health checker
func NewChecker(cfg *CheckerConfig) *Checker {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 5 * time.Second
	}

	checks := append([]Check(nil), cfg.Checks...)
	if cfg.DB != nil {
		checks = append(checks, Check{Name: "database", Run: dbCheck(cfg.DB)})
	}
	if cfg.Redis != nil {
		checks = append(checks, Check{Name: "redis", Run: func(ctx context.Context) error {
			return cfg.Redis.Ping(ctx).Err()
		}})
	}

	return &Checker{
		checks:       checks,
		version:      cfg.Version,
		checkTimeout: timeout,
	}
}

func dbCheck(db *sql.DB) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		var result int
		return db.QueryRowContext(ctx, "SELECT 1").Scan(&result)
	}
}

func (c *Checker) run(ctx context.Context, check Check) ComponentHealth {
	start := time.Now()

	ctx, cancel := context.WithTimeout(ctx, c.checkTimeout)
	defer cancel()

	if err := check.Run(ctx); err != nil {
		status := StatusDegraded
		if check.Critical {
			status = StatusUnhealthy
		}
		return ComponentHealth{
			Status:   status,
			Message:  check.Name + " check failed: " + err.Error(),
			Duration: time.Since(start).String(),
		}
	}

	return ComponentHealth{
		Status:   StatusHealthy,
		Duration: time.Since(start).String(),
	}
}

// Check performs a basic health check (liveness)
func (c *Checker) Check(ctx context.Context) *HealthResponse {
	return &HealthResponse{
		Status:    StatusHealthy,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Version:   c.version,
	}
}

// DeepCheck performs a comprehensive health check (readiness)
func (c *Checker) DeepCheck(ctx context.Context) *HealthResponse {
	response := &HealthResponse{
		Status:     StatusHealthy,
		Timestamp:  time.Now().UTC().Format(time.RFC3339),
		Version:    c.version,
		Components: make(map[string]ComponentHealth, len(c.checks)),
	}

	// Run checks in parallel
	var wg sync.WaitGroup
	var mu sync.Mutex

	for _, check := range c.checks {
		wg.Add(1)
		go func() {
			defer wg.Done()
			result := c.run(ctx, check)
			mu.Lock()
			response.Components[check.Name] = result
			mu.Unlock()
		}()
	}

	wg.Wait()

	for _, comp := range response.Components {
		if comp.Status == StatusUnhealthy {
			response.Status = StatusUnhealthy
			break
		} else if comp.Status == StatusDegraded && response.Status == StatusHealthy {
			response.Status = StatusDegraded
		}
	}

	return response
}

// Handler provides HTTP handlers for health endpoints
type Handler struct {
	checker *Checker
}

// NewHandler creates a new health handler
func NewHandler(checker *Checker) *Handler {
	return &Handler{checker: checker}
}

// LivenessHandler handles liveness probe requests
func (h *Handler) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	writeResponse(w, h.checker.Check(r.Context()))
}

// ReadinessHandler handles readiness probe requests. Degraded still accepts
// traffic.
func (h *Handler) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	writeResponse(w, h.checker.DeepCheck(r.Context()))
}

func writeResponse(w http.ResponseWriter, response *HealthResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	if response.Status == StatusUnhealthy {
		w.WriteHeader(http.StatusServiceUnavailable)
	} else {
		w.WriteHeader(http.StatusOK)
	}
	json.NewEncoder(w).Encode(response)
}
