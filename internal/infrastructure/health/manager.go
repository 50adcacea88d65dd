package health

import (
	"encoding/json"
	"net/http"
	"sort"
	"sync"

	"marketfeed/internal/core"
)

// Manager aggregates health checks from the engine, venue and relay
type Manager struct {
	logger core.ILogger
	mu     sync.RWMutex
	checks map[string]func() error
}

// NewManager creates a manager with no checks; a nil logger disables logging
func NewManager(logger core.ILogger) *Manager {
	m := &Manager{checks: make(map[string]func() error)}
	if logger != nil {
		m.logger = logger.WithField("component", "health")
	}
	return m
}

// Register adds or replaces the check for component
func (m *Manager) Register(component string, check func() error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checks[component] = check
}

// Status runs every check and reports "healthy" or "unhealthy: <reason>" per component
func (m *Manager) Status() map[string]string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	status := make(map[string]string, len(m.checks))
	for component, check := range m.checks {
		if err := check(); err != nil {
			status[component] = "unhealthy: " + err.Error()
		} else {
			status[component] = "healthy"
		}
	}
	return status
}

// IsHealthy reports whether every registered check passes
func (m *Manager) IsHealthy() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, check := range m.checks {
		if err := check(); err != nil {
			return false
		}
	}
	return true
}

// Components returns the registered component names, sorted
func (m *Manager) Components() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	names := make([]string, 0, len(m.checks))
	for name := range m.checks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ServeHTTP writes the component status as JSON, with 503 when any check fails
func (m *Manager) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	status := m.Status()
	healthy := true
	for _, s := range status {
		if s != "healthy" {
			healthy = false
			break
		}
	}

	w.Header().Set("Content-Type", "application/json")
	code, overall := http.StatusOK, "ok"
	if !healthy {
		code, overall = http.StatusServiceUnavailable, "degraded"
		if m.logger != nil {
			m.logger.Warn("Health check failing", "status", status)
		}
	}
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"status":     overall,
		"components": status,
	})
}
