package store

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/kisslabs/platform/internal/telemetry"
)

// AuditSink persists telemetry audit entries into the long-term trail.
// Emit never blocks the recorder: entries flow through a bounded channel
// and a single writer goroutine; when the channel is full the entry is
// dropped (the in-memory ring still has it).
type AuditSink struct {
	st     Store
	logger *slog.Logger
	ch     chan telemetry.AuditEntry
	done   chan struct{}
}

// NewAuditSink starts the writer goroutine. Callers Close it on shutdown.
func NewAuditSink(st Store, logger *slog.Logger) *AuditSink {
	s := &AuditSink{
		st:     st,
		logger: logger,
		ch:     make(chan telemetry.AuditEntry, 256),
		done:   make(chan struct{}),
	}
	go s.drain()
	return s
}

// Emit implements telemetry.AuditSink.
func (s *AuditSink) Emit(entry telemetry.AuditEntry) {
	select {
	case s.ch <- entry:
	default:
		s.logger.Warn("audit sink backlog full, entry dropped", "action", entry.Action)
	}
}

// Close stops the writer after the backlog drains.
func (s *AuditSink) Close() {
	close(s.ch)
	<-s.done
}

func (s *AuditSink) drain() {
	defer close(s.done)
	for entry := range s.ch {
		var payload json.RawMessage
		if len(entry.Payload) > 0 {
			payload, _ = json.Marshal(entry.Payload)
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := s.st.InsertAudit(ctx, entry.At, entry.Actor, entry.Action,
			entry.TargetType, entry.TargetID, payload)
		cancel()
		if err != nil {
			s.logger.Error("audit trail write failed", "action", entry.Action, "error", err)
		}
	}
}
