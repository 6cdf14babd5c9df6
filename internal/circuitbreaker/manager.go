package circuitbreaker

import (
	"sort"
	"sync"

	"github.com/sirupsen/logrus"
)

// Manager owns the named breakers of a process so they can be reported
// together.
type Manager struct {
	mu       sync.RWMutex
	breakers map[string]*CircuitBreaker
	logger   *logrus.Logger
}

func NewManager(logger *logrus.Logger) *Manager {
	return &Manager{
		breakers: make(map[string]*CircuitBreaker),
		logger:   logger,
	}
}

// GetOrCreate returns the breaker called name, creating it from cfg on
// first use. cfg is ignored for an existing breaker.
func (m *Manager) GetOrCreate(name string, cfg Config) *CircuitBreaker {
	m.mu.Lock()
	defer m.mu.Unlock()

	if cb, ok := m.breakers[name]; ok {
		return cb
	}
	cfg.Name = name
	cb := New(cfg, m.logger)
	m.breakers[name] = cb

	m.logger.WithFields(logrus.Fields{
		"circuit_breaker": name,
		"max_failures":    cb.cfg.MaxFailures,
		"open_timeout":    cb.cfg.OpenTimeout.String(),
	}).Info("Circuit breaker created")
	return cb
}

func (m *Manager) Get(name string) *CircuitBreaker {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.breakers[name]
}

// Snapshot reports every breaker, sorted by name.
func (m *Manager) Snapshot() []Counts {
	m.mu.RLock()
	out := make([]Counts, 0, len(m.breakers))
	for _, cb := range m.breakers {
		out = append(out, cb.Counts())
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (m *Manager) ResetAll() {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, cb := range m.breakers {
		cb.Reset()
	}
	m.logger.Info("All circuit breakers reset")
}
