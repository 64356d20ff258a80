package circuitbreaker

import "sync"

// Manager keeps one breaker per upstream so collaborators share trip
// state: if the CRM is down for the worker pool it is down for the
// outbound gateway too.
type Manager struct {
	mu       sync.RWMutex
	breakers map[string]*Breaker
	defaults Settings
}

// NewManager creates a manager; defaults apply to breakers created by Get.
func NewManager(defaults Settings) *Manager {
	return &Manager{
		breakers: make(map[string]*Breaker),
		defaults: defaults,
	}
}

// Get returns the breaker for name, creating it with the manager defaults
// on first use.
func (m *Manager) Get(name string) *Breaker {
	m.mu.RLock()
	b, ok := m.breakers[name]
	m.mu.RUnlock()
	if ok {
		return b
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if b, ok = m.breakers[name]; ok {
		return b
	}
	settings := m.defaults
	settings.Name = name
	b = New(settings)
	m.breakers[name] = b
	return b
}

// BreakerStatus is one breaker's snapshot for the stats endpoint.
type BreakerStatus struct {
	State  string `json:"state"`
	Counts Counts `json:"counts"`
}

// Status snapshots every breaker, keyed by name.
func (m *Manager) Status() map[string]BreakerStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]BreakerStatus, len(m.breakers))
	for name, b := range m.breakers {
		out[name] = BreakerStatus{State: b.State().String(), Counts: b.Counts()}
	}
	return out
}
