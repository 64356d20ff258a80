package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kisslabs/platform/internal/cases"
	"github.com/kisslabs/platform/internal/detector"
	"github.com/kisslabs/platform/internal/kv"
	"github.com/kisslabs/platform/internal/locks"
	"github.com/kisslabs/platform/internal/queue"
	"github.com/kisslabs/platform/internal/ratelimit"
	"github.com/kisslabs/platform/internal/store"
	"github.com/kisslabs/platform/internal/telemetry"
)

type noopLoader struct{}

func (noopLoader) Load(context.Context, []string, store.Scope) (*detector.Inputs, error) {
	return &detector.Inputs{Products: map[string][]detector.Row{
		"daily_sales": {{"branch": "centro", "sales": 100.0, "baseline": 1000.0}},
	}}, nil
}

func newScheduler(t *testing.T) (*Scheduler, *store.Memory, *queue.Queue) {
	t.Helper()
	kvs := kv.NewMemoryStore()
	t.Cleanup(func() { kvs.Close() })
	mem := store.NewMemory()
	limiter := ratelimit.New(kvs, telemetry.Nop())
	t.Cleanup(limiter.Close)
	lm := locks.NewManager(kvs, telemetry.Nop())
	t.Cleanup(lm.Close)

	caseSvc := cases.NewService(mem, lm, telemetry.Nop())
	runner := detector.NewRunner(mem, noopLoader{}, caseSvc, limiter, telemetry.Nop())
	runner.Register(detector.NewSalesDrop(detector.Spec{
		ID: "sales-drop", Schedule: "0 7 * * *", Active: true,
		InputDataProducts: []string{"daily_sales"},
		Thresholds:        map[string]float64{"drop_pct": 30},
		OutputType:        detector.OutputAlert,
	}))

	q := queue.New("detectors", kvs, telemetry.Nop(), queue.Options{})
	t.Cleanup(q.Close)
	return New(q, runner, limiter, telemetry.Nop(), Options{Location: time.UTC}), mem, q
}

func TestTriggerRunsDetectorThroughQueue(t *testing.T) {
	ctx := context.Background()
	s, mem, _ := newScheduler(t)

	require.NoError(t, s.Start(nil))
	t.Cleanup(func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		s.Stop(stopCtx)
	})

	_, err := s.Trigger(ctx, "sales-drop", store.Scope{DateFrom: "2026-08-24"})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		alerts, err := mem.ListAlerts(ctx, store.AlertActive, 10)
		return err == nil && len(alerts) == 1
	}, 5*time.Second, 50*time.Millisecond)
}

func TestTriggerUnknownDetector(t *testing.T) {
	s, _, _ := newScheduler(t)
	_, err := s.Trigger(context.Background(), "nope", store.Scope{})
	assert.Error(t, err)
}

func TestScheduledFireCollapsesAcrossReplicas(t *testing.T) {
	ctx := context.Background()
	s, _, q := newScheduler(t)

	// Two replicas firing inside the same minute enqueue one job.
	s.fire("sales-drop")
	s.fire("sales-drop")

	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Waiting)
}

func TestStartGovernorSkipsTicks(t *testing.T) {
	s, _, q := newScheduler(t)
	s.opts.StartsPerMinute = 1

	s.fire("sales-drop")
	// Governor denies the second start this minute; a different minute
	// key is irrelevant because the tick itself is skipped.
	s.opts.Location = time.FixedZone("shift", 3600)
	s.fire("sales-drop")

	stats, err := q.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Waiting)
}
