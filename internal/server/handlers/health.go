package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	apperrors "github.com/3leaps/jobtally/internal/errors"
)

const checkTimeout = 2 * time.Second

// HealthChecker reports whether one dependency is usable.
type HealthChecker interface {
	CheckHealth(ctx context.Context) error
}

// HealthResponse is the body of a passing health check.
type HealthResponse struct {
	Status    string            `json:"status"`
	Version   string            `json:"version"`
	Timestamp time.Time         `json:"timestamp"`
	Checks    map[string]string `json:"checks,omitempty"`
}

// HealthManager runs registered checkers for the health endpoints.
type HealthManager struct {
	version  string
	started  time.Time
	mu       sync.RWMutex
	checkers map[string]HealthChecker
}

func NewHealthManager(version string) *HealthManager {
	return &HealthManager{
		version:  version,
		started:  time.Now().UTC(),
		checkers: make(map[string]HealthChecker),
	}
}

// RegisterChecker adds or replaces a named checker.
func (m *HealthManager) RegisterChecker(name string, c HealthChecker) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checkers[name] = c
}

func (m *HealthManager) runChecks(ctx context.Context) map[string]string {
	m.mu.RLock()
	checkers := make(map[string]HealthChecker, len(m.checkers))
	for name, c := range m.checkers {
		checkers[name] = c
	}
	m.mu.RUnlock()

	results := make(map[string]string, len(checkers))
	for name, c := range checkers {
		cctx, cancel := context.WithTimeout(ctx, checkTimeout)
		err := c.CheckHealth(cctx)
		switch {
		case err == nil:
			results[name] = "healthy"
		case cctx.Err() == context.DeadlineExceeded:
			results[name] = "timeout"
		default:
			results[name] = "unhealthy"
		}
		cancel()
	}
	return results
}

func (m *HealthManager) determineOverallStatus(results map[string]string) string {
	status := "healthy"
	for _, r := range results {
		switch r {
		case "unhealthy":
			return "unhealthy"
		case "timeout":
			status = "degraded"
		}
	}
	return status
}

// HealthHandler runs every checker. Any unhealthy check yields 503.
func (m *HealthManager) HealthHandler(w http.ResponseWriter, r *http.Request) {
	results := m.runChecks(r.Context())
	status := m.determineOverallStatus(results)
	if status == "unhealthy" {
		apperrors.Write(w, r, http.StatusServiceUnavailable, apperrors.HTTPError{
			Code:    apperrors.CodeServiceUnavailable,
			Message: "one or more health checks failed",
			Details: map[string]any{"checks": results},
		})
		return
	}
	m.write(w, status, results)
}

// LivenessHandler reports that the process is serving.
func (m *HealthManager) LivenessHandler(w http.ResponseWriter, _ *http.Request) {
	m.write(w, "healthy", nil)
}

// ReadinessHandler is HealthHandler: the service is ready when its
// dependencies are.
func (m *HealthManager) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	m.HealthHandler(w, r)
}

// StartupHandler reports that initialization finished.
func (m *HealthManager) StartupHandler(w http.ResponseWriter, _ *http.Request) {
	m.write(w, "healthy", map[string]string{"started_at": m.started.Format(time.RFC3339)})
}

func (m *HealthManager) write(w http.ResponseWriter, status string, checks map[string]string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(HealthResponse{
		Status:    status,
		Version:   m.version,
		Timestamp: time.Now().UTC(),
		Checks:    checks,
	})
}

var globalHealthManager *HealthManager

// InitHealthManager installs the process-wide manager used by the package
// level handlers.
func InitHealthManager(version string) *HealthManager {
	globalHealthManager = NewHealthManager(version)
	return globalHealthManager
}

func GetHealthManager() *HealthManager {
	return globalHealthManager
}

func notInitialized(w http.ResponseWriter, r *http.Request) {
	apperrors.Write(w, r, http.StatusServiceUnavailable, apperrors.HTTPError{
		Code:    apperrors.CodeServiceUnavailable,
		Message: "health manager not initialized",
	})
}

func HealthHandler(w http.ResponseWriter, r *http.Request) {
	if m := globalHealthManager; m != nil {
		m.HealthHandler(w, r)
		return
	}
	notInitialized(w, r)
}

func LivenessHandler(w http.ResponseWriter, r *http.Request) {
	if m := globalHealthManager; m != nil {
		m.LivenessHandler(w, r)
		return
	}
	notInitialized(w, r)
}

func ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	if m := globalHealthManager; m != nil {
		m.ReadinessHandler(w, r)
		return
	}
	notInitialized(w, r)
}

func StartupHandler(w http.ResponseWriter, r *http.Request) {
	if m := globalHealthManager; m != nil {
		m.StartupHandler(w, r)
		return
	}
	notInitialized(w, r)
}
