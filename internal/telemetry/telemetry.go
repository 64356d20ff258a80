// Package telemetry bundles the observability surface handed into every
// component: structured logging, Prometheus metrics, the append-only audit
// log, and trace-context propagation from webhook ingress to worker.
//
// Components never reach for a global logger; they receive a *Telemetry at
// construction time and derive per-operation loggers from it.
package telemetry

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"log/slog"
	"os"
)

// Telemetry is the observability bundle owned by the Core and shared by all
// components. The zero value is not usable; construct with New or Nop.
type Telemetry struct {
	Logger  *slog.Logger
	Metrics *Metrics
	Audit   *AuditLog
}

// New builds a Telemetry for the named service. Logs go to stderr as JSON so
// they land in the log collector unmangled.
func New(service string) *Telemetry {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})).With("service", service)

	metrics := NewMetrics()
	audit := NewAuditLog(defaultAuditRing)
	return &Telemetry{Logger: logger, Metrics: metrics, Audit: audit}
}

// Nop returns a Telemetry that discards logs and registers metrics on a
// private registry. Used by tests and as a safe default.
func Nop() *Telemetry {
	logger := slog.New(slog.NewTextHandler(discard{}, &slog.HandlerOptions{
		Level: slog.LevelError + 1,
	}))
	return &Telemetry{Logger: logger, Metrics: NewMetrics(), Audit: NewAuditLog(64)}
}

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }

// =============================================================================
// Trace context
// =============================================================================

// TraceContext identifies one causal chain from webhook ingress through the
// queue to the worker. It is serialized into Job metadata and re-attached on
// the consumer side.
type TraceContext struct {
	TraceID string `json:"trace_id"`
	SpanID  string `json:"span_id"`
}

// NewTrace starts a fresh trace, typically at webhook ingress.
func NewTrace() TraceContext {
	return TraceContext{TraceID: randomHex(16), SpanID: randomHex(8)}
}

// Child derives a new span within the same trace, typically when a worker
// picks up a job.
func (tc TraceContext) Child() TraceContext {
	if tc.TraceID == "" {
		return NewTrace()
	}
	return TraceContext{TraceID: tc.TraceID, SpanID: randomHex(8)}
}

// Valid reports whether the context carries a trace id.
func (tc TraceContext) Valid() bool { return tc.TraceID != "" }

type traceCtxKey struct{}

// WithTrace stores the trace context on a context.Context.
func WithTrace(ctx context.Context, tc TraceContext) context.Context {
	return context.WithValue(ctx, traceCtxKey{}, tc)
}

// TraceFrom extracts the trace context, if any, from a context.Context.
func TraceFrom(ctx context.Context) TraceContext {
	tc, _ := ctx.Value(traceCtxKey{}).(TraceContext)
	return tc
}

// LoggerFor returns the bundle logger annotated with the trace fields found
// on ctx. Handlers call this once and pass the result down.
func (t *Telemetry) LoggerFor(ctx context.Context) *slog.Logger {
	tc := TraceFrom(ctx)
	if !tc.Valid() {
		return t.Logger
	}
	return t.Logger.With("trace_id", tc.TraceID, "span_id", tc.SpanID)
}

func randomHex(n int) string {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		// crypto/rand read failure means the process is in serious trouble;
		// a constant id keeps telemetry flowing rather than panicking.
		return "0000000000000000"
	}
	return hex.EncodeToString(b)
}
