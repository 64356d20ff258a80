package telemetry

import (
	"context"
	"sync"
	"time"
)

const defaultAuditRing = 512

// AuditEntry is one append-only operational record: who did what to which
// target. Payload carries the small structured remainder (reason codes,
// counts, fingerprints), never message bodies.
type AuditEntry struct {
	At         time.Time              `json:"at"`
	Actor      string                 `json:"actor"`
	Action     string                 `json:"action"`
	TargetType string                 `json:"target_type"`
	TargetID   string                 `json:"target_id"`
	Payload    map[string]interface{} `json:"payload,omitempty"`
	TraceID    string                 `json:"trace_id,omitempty"`
}

// AuditSink receives every recorded entry. Implementations must not block;
// slow sinks drop rather than stall recorders.
type AuditSink interface {
	Emit(entry AuditEntry)
}

// AuditLog keeps a bounded in-memory ring of recent entries for /admin/stats
// and the operator stream, and fans each entry out to registered sinks
// (persistent store, Pub/Sub exporter, websocket tail).
type AuditLog struct {
	mu      sync.RWMutex
	ring    []AuditEntry
	next    int
	filled  bool
	sinks   []AuditSink
	written uint64
}

// NewAuditLog creates a log retaining the last size entries in memory.
func NewAuditLog(size int) *AuditLog {
	if size <= 0 {
		size = defaultAuditRing
	}
	return &AuditLog{ring: make([]AuditEntry, size)}
}

// AddSink registers a fan-out target. Not safe to call after recording
// starts from multiple goroutines other than under the same lock, so Core
// wires sinks during startup only.
func (a *AuditLog) AddSink(sink AuditSink) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sinks = append(a.sinks, sink)
}

// Record appends an entry, stamping time and the trace id from ctx when the
// entry does not carry one.
func (a *AuditLog) Record(ctx context.Context, entry AuditEntry) {
	if entry.At.IsZero() {
		entry.At = time.Now().UTC()
	}
	if entry.TraceID == "" {
		entry.TraceID = TraceFrom(ctx).TraceID
	}

	a.mu.Lock()
	a.ring[a.next] = entry
	a.next++
	if a.next == len(a.ring) {
		a.next = 0
		a.filled = true
	}
	a.written++
	sinks := a.sinks
	a.mu.Unlock()

	for _, s := range sinks {
		s.Emit(entry)
	}
}

// Recent returns up to n entries, newest first.
func (a *AuditLog) Recent(n int) []AuditEntry {
	a.mu.RLock()
	defer a.mu.RUnlock()

	size := len(a.ring)
	count := a.next
	if a.filled {
		count = size
	}
	if n <= 0 || n > count {
		n = count
	}

	out := make([]AuditEntry, 0, n)
	for i := 0; i < n; i++ {
		idx := (a.next - 1 - i + size) % size
		out = append(out, a.ring[idx])
	}
	return out
}

// Written reports the total number of entries recorded since startup.
func (a *AuditLog) Written() uint64 {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.written
}
