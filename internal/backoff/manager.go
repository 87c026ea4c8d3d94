package backoff

import (
	"sync"
	"time"
)

// ManagerConfig holds the per-key defaults a Manager hands out.
type ManagerConfig struct {
	BaseDelay        time.Duration
	MaxDelay         time.Duration
	Factor           float64
	FailureThreshold int
	OpenTimeout      time.Duration
}

// DefaultManagerConfig mirrors the connection-management defaults.
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		BaseDelay:        time.Second,
		MaxDelay:         60 * time.Second,
		Factor:           2.0,
		FailureThreshold: 5,
		OpenTimeout:      120 * time.Second,
	}
}

// Manager owns backoff and breaker state keyed per logical connection or
// operation (symbol, service). State is process-local: a restart forgets
// recent failure history.
type Manager struct {
	cfg ManagerConfig

	mu       sync.Mutex
	backoffs map[string]*ConnectionBackoff
	breakers map[string]*CircuitBreaker
}

// NewManager creates a keyed backoff/breaker manager.
func NewManager(cfg ManagerConfig) *Manager {
	return &Manager{
		cfg:      cfg,
		backoffs: make(map[string]*ConnectionBackoff),
		breakers: make(map[string]*CircuitBreaker),
	}
}

// Backoff returns the backoff for key, creating it on first use.
func (m *Manager) Backoff(key string) *ConnectionBackoff {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.backoffs[key]
	if !ok {
		b = NewConnectionBackoff(m.cfg.BaseDelay, m.cfg.MaxDelay, m.cfg.Factor)
		m.backoffs[key] = b
	}
	return b
}

// Breaker returns the circuit breaker for key, creating it on first use.
func (m *Manager) Breaker(key string) *CircuitBreaker {
	m.mu.Lock()
	defer m.mu.Unlock()

	cb, ok := m.breakers[key]
	if !ok {
		cb = NewCircuitBreaker(m.cfg.FailureThreshold, m.cfg.OpenTimeout)
		m.breakers[key] = cb
	}
	return cb
}

// States reports the breaker state per key for status documents.
func (m *Manager) States() map[string]string {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[string]string, len(m.breakers))
	for k, cb := range m.breakers {
		out[k] = cb.State().String()
	}
	return out
}
