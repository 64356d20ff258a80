package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTraceContextPropagation(t *testing.T) {
	tc := NewTrace()
	require.True(t, tc.Valid())
	require.NotEmpty(t, tc.TraceID)
	require.NotEmpty(t, tc.SpanID)

	child := tc.Child()
	assert.Equal(t, tc.TraceID, child.TraceID, "child keeps trace id")
	assert.NotEqual(t, tc.SpanID, child.SpanID, "child gets a fresh span")

	ctx := WithTrace(context.Background(), tc)
	assert.Equal(t, tc, TraceFrom(ctx))
	assert.False(t, TraceFrom(context.Background()).Valid())
}

func TestChildOfEmptyTraceStartsFresh(t *testing.T) {
	child := TraceContext{}.Child()
	assert.True(t, child.Valid())
}

func TestAuditRingRetainsNewestFirst(t *testing.T) {
	log := NewAuditLog(4)
	ctx := context.Background()

	for _, action := range []string{"a", "b", "c", "d", "e", "f"} {
		log.Record(ctx, AuditEntry{Actor: "test", Action: action})
	}

	recent := log.Recent(0)
	require.Len(t, recent, 4, "ring holds only the last 4")
	assert.Equal(t, "f", recent[0].Action)
	assert.Equal(t, "e", recent[1].Action)
	assert.Equal(t, "c", recent[3].Action)
	assert.EqualValues(t, 6, log.Written())
}

func TestAuditRecordStampsTraceFromContext(t *testing.T) {
	log := NewAuditLog(8)
	tc := NewTrace()
	ctx := WithTrace(context.Background(), tc)

	log.Record(ctx, AuditEntry{Actor: "system", Action: "lock_orphaned"})

	recent := log.Recent(1)
	require.Len(t, recent, 1)
	assert.Equal(t, tc.TraceID, recent[0].TraceID)
	assert.False(t, recent[0].At.IsZero())
}

type captureSink struct{ entries []AuditEntry }

func (c *captureSink) Emit(e AuditEntry) { c.entries = append(c.entries, e) }

func TestAuditFansOutToSinks(t *testing.T) {
	log := NewAuditLog(8)
	sink := &captureSink{}
	log.AddSink(sink)

	log.Record(context.Background(), AuditEntry{Actor: "ops", Action: "dlq_retry", TargetID: "job-1"})

	require.Len(t, sink.entries, 1)
	assert.Equal(t, "dlq_retry", sink.entries[0].Action)
}

func TestNopTelemetryIsUsable(t *testing.T) {
	tel := Nop()
	require.NotNil(t, tel.Logger)
	require.NotNil(t, tel.Metrics)
	require.NotNil(t, tel.Audit)

	// Two instances must not collide on metric registration.
	other := Nop()
	require.NotNil(t, other.Metrics.Registry())
	tel.Metrics.JobsEnqueued.WithLabelValues("conversations").Inc()
	other.Metrics.JobsEnqueued.WithLabelValues("conversations").Inc()
}
