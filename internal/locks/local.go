package locks

import (
	"sync"
	"time"
)

// localTable is the in-process fallback used while the shared store is
// down. It gives correct exclusion within one process only; a pruner
// evicts expired entries so a crashed goroutine cannot wedge a name
// forever.
type localTable struct {
	mu      sync.Mutex
	entries map[string]localEntry
	stop    chan struct{}
	once    sync.Once
}

type localEntry struct {
	token     string
	expiresAt time.Time
}

func newLocalTable(pruneEvery time.Duration) *localTable {
	t := &localTable{
		entries: make(map[string]localEntry),
		stop:    make(chan struct{}),
	}
	go t.prune(pruneEvery)
	return t
}

func (t *localTable) prune(every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-t.stop:
			return
		case <-ticker.C:
			now := time.Now()
			t.mu.Lock()
			for name, e := range t.entries {
				if now.After(e.expiresAt) {
					delete(t.entries, name)
				}
			}
			t.mu.Unlock()
		}
	}
}

func (t *localTable) tryAcquire(name, token string, ttl time.Duration) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if e, ok := t.entries[name]; ok && time.Now().Before(e.expiresAt) {
		return false
	}
	t.entries[name] = localEntry{token: token, expiresAt: time.Now().Add(ttl)}
	return true
}

func (t *localTable) release(name, token string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[name]
	if !ok || e.token != token || time.Now().After(e.expiresAt) {
		return false
	}
	delete(t.entries, name)
	return true
}

func (t *localTable) renew(name, token string, additional time.Duration) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[name]
	if !ok || e.token != token || time.Now().After(e.expiresAt) {
		return false
	}
	e.expiresAt = time.Now().Add(additional)
	t.entries[name] = e
	return true
}

func (t *localTable) close() {
	t.once.Do(func() { close(t.stop) })
}
