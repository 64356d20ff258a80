package queue

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kisslabs/platform/internal/kv"
	"github.com/kisslabs/platform/internal/telemetry"
)

func newTestQueue(t *testing.T, opts Options) *Queue {
	t.Helper()
	store := kv.NewMemoryStore()
	q := New("test", store, telemetry.Nop(), opts)
	t.Cleanup(func() {
		q.Close()
		store.Close()
	})
	return q
}

func stopConsumer(t *testing.T, c *Consumer) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, c.Stop(ctx))
}

func TestAddAndConsume(t *testing.T) {
	q := newTestQueue(t, Options{})
	ctx := context.Background()

	handled := make(chan string, 3)
	c := q.Consume(func(ctx context.Context, job *Job) error {
		handled <- job.ID
		return nil
	}, ConsumerOptions{Concurrency: 2, PollInterval: 10 * time.Millisecond})
	defer stopConsumer(t, c)

	var want []string
	for i := 0; i < 3; i++ {
		id, err := q.Add(ctx, "process-message", []byte(`{"n":1}`), AddOptions{})
		require.NoError(t, err)
		want = append(want, id)
	}

	got := map[string]bool{}
	for i := 0; i < 3; i++ {
		select {
		case id := <-handled:
			got[id] = true
		case <-time.After(3 * time.Second):
			t.Fatal("jobs were not consumed in time")
		}
	}
	for _, id := range want {
		assert.True(t, got[id], "job %s should have run", id)
	}

	require.Eventually(t, func() bool {
		s, err := q.Stats(ctx)
		return err == nil && s.Completed == 3 && s.Waiting == 0 && s.Active == 0
	}, 3*time.Second, 20*time.Millisecond)
}

func TestIdempotentAdd(t *testing.T) {
	q := newTestQueue(t, Options{})
	ctx := context.Background()

	id1, err := q.Add(ctx, "process-message", []byte(`{}`), AddOptions{JobID: "evt-42"})
	require.NoError(t, err)
	id2, err := q.Add(ctx, "process-message", []byte(`{"other":true}`), AddOptions{JobID: "evt-42"})
	require.NoError(t, err)
	assert.Equal(t, id1, id2)

	s, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), s.Waiting, "duplicate add must not enqueue twice")

	var runs atomic.Int32
	c := q.Consume(func(ctx context.Context, job *Job) error {
		runs.Add(1)
		return nil
	}, ConsumerOptions{Concurrency: 1, PollInterval: 10 * time.Millisecond})
	defer stopConsumer(t, c)

	require.Eventually(t, func() bool { return runs.Load() == 1 },
		2*time.Second, 10*time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(1), runs.Load(), "job must run exactly once")
}

func TestDelayedJobWaitsOutDelay(t *testing.T) {
	q := newTestQueue(t, Options{})
	ctx := context.Background()

	ran := make(chan time.Time, 1)
	c := q.Consume(func(ctx context.Context, job *Job) error {
		ran <- time.Now()
		return nil
	}, ConsumerOptions{Concurrency: 1, PollInterval: 10 * time.Millisecond})
	defer stopConsumer(t, c)

	enqueued := time.Now()
	_, err := q.Add(ctx, "reminder", []byte(`{}`), AddOptions{Delay: 150 * time.Millisecond})
	require.NoError(t, err)

	s, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), s.Delayed)

	select {
	case at := <-ran:
		assert.GreaterOrEqual(t, at.Sub(enqueued), 100*time.Millisecond,
			"job must not run before its delay")
	case <-time.After(3 * time.Second):
		t.Fatal("delayed job never ran")
	}
}

func TestRetriesThenDeadLetter(t *testing.T) {
	q := newTestQueue(t, Options{MaxAttempts: 2, BackoffBase: 20 * time.Millisecond})
	ctx := context.Background()

	var runs atomic.Int32
	c := q.Consume(func(ctx context.Context, job *Job) error {
		runs.Add(1)
		return errors.New("downstream unavailable")
	}, ConsumerOptions{Concurrency: 1, PollInterval: 10 * time.Millisecond})
	defer stopConsumer(t, c)

	id, err := q.Add(ctx, "doomed", []byte(`{}`), AddOptions{})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return runs.Load() == 2 },
		3*time.Second, 10*time.Millisecond, "both attempts should run")

	require.Eventually(t, func() bool {
		s, err := q.Stats(ctx)
		return err == nil && s.Failed == 1
	}, 3*time.Second, 20*time.Millisecond)

	// Terminal failure must leave no live copy anywhere.
	s, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.Zero(t, s.Waiting)
	assert.Zero(t, s.Active)
	assert.Zero(t, s.Delayed)

	entries, err := q.ListDLQ(ctx, ListOptions{})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, id, entries[0].ID)
	assert.Equal(t, 2, entries[0].Job.AttemptsMade)
	assert.Contains(t, entries[0].Error, "downstream unavailable")
}

func TestRetryBackoffDoubles(t *testing.T) {
	q := newTestQueue(t, Options{MaxAttempts: 3, BackoffBase: 40 * time.Millisecond})
	ctx := context.Background()

	_, err := q.Add(ctx, "j", []byte(`{}`), AddOptions{JobID: "backoff"})
	require.NoError(t, err)

	jobs, err := q.fetch(ctx, 1)
	require.NoError(t, err)
	require.Len(t, jobs, 1)

	before := time.Now()
	require.NoError(t, q.fail(ctx, jobs[0], errors.New("x")))

	job, ok, err := q.readJob(ctx, "backoff")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 1, job.AttemptsMade)
	d1 := job.NextRunAt.Sub(before)
	assert.InDelta(t, (40 * time.Millisecond).Seconds(), d1.Seconds(), 0.03)

	// Second failure doubles the delay.
	before = time.Now()
	require.NoError(t, q.store.ZAdd(ctx, q.key("active"), float64(before.UnixMilli()), job.ID))
	require.NoError(t, q.fail(ctx, job, errors.New("x")))

	job, ok, err = q.readJob(ctx, "backoff")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 2, job.AttemptsMade)
	d2 := job.NextRunAt.Sub(before)
	assert.InDelta(t, (80 * time.Millisecond).Seconds(), d2.Seconds(), 0.03)
}

func TestStalledJobReclaimed(t *testing.T) {
	q := newTestQueue(t, Options{MaxAttempts: 3, LeaseTTL: 30 * time.Millisecond})
	ctx := context.Background()

	_, err := q.Add(ctx, "sleepy", []byte(`{}`), AddOptions{JobID: "stall-1"})
	require.NoError(t, err)

	jobs, err := q.fetch(ctx, 1)
	require.NoError(t, err)
	require.Len(t, jobs, 1)

	// Lease still live: nothing to reap.
	q.reapStalled(ctx)
	s, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), s.Active)

	time.Sleep(50 * time.Millisecond)
	q.reapStalled(ctx)

	s, err = q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), s.Waiting, "expired lease must requeue the job")
	assert.Zero(t, s.Active)

	job, ok, err := q.readJob(ctx, "stall-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 1, job.AttemptsMade, "a stall counts as a failed attempt")
}

func TestStalledJobExhaustsToDLQ(t *testing.T) {
	q := newTestQueue(t, Options{MaxAttempts: 1, LeaseTTL: 20 * time.Millisecond})
	ctx := context.Background()

	_, err := q.Add(ctx, "sleepy", []byte(`{}`), AddOptions{JobID: "stall-2"})
	require.NoError(t, err)

	_, err = q.fetch(ctx, 1)
	require.NoError(t, err)
	time.Sleep(40 * time.Millisecond)
	q.reapStalled(ctx)

	entries, err := q.ListDLQ(ctx, ListOptions{})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Contains(t, entries[0].Error, "stalled")
}

func TestDLQRetryResetsAttempts(t *testing.T) {
	q := newTestQueue(t, Options{MaxAttempts: 1})
	ctx := context.Background()

	_, err := q.Add(ctx, "flaky", []byte(`{"v":1}`), AddOptions{JobID: "dl-1"})
	require.NoError(t, err)
	jobs, err := q.fetch(ctx, 1)
	require.NoError(t, err)
	require.NoError(t, q.fail(ctx, jobs[0], errors.New("boom")))

	newID, err := q.RetryDLQ(ctx, "dl-1")
	require.NoError(t, err)
	assert.Equal(t, "retry:dl-1", newID, "retry id must be derived from the dead letter id")

	entries, err := q.ListDLQ(ctx, ListOptions{})
	require.NoError(t, err)
	assert.Empty(t, entries, "retried entry must leave the DLQ")

	job, ok, err := q.readJob(ctx, newID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Zero(t, job.AttemptsMade, "retry starts with a fresh attempt budget")
	assert.Equal(t, "flaky", job.Name)
	assert.JSONEq(t, `{"v":1}`, string(job.Data))
}

func TestDLQRetryIdempotentAfterPartialCrash(t *testing.T) {
	q := newTestQueue(t, Options{MaxAttempts: 1})
	ctx := context.Background()

	_, err := q.Add(ctx, "flaky", []byte(`{}`), AddOptions{JobID: "dl-2"})
	require.NoError(t, err)
	jobs, err := q.fetch(ctx, 1)
	require.NoError(t, err)
	require.NoError(t, q.fail(ctx, jobs[0], errors.New("boom")))

	// Simulate a crash after the re-enqueue but before DLQ removal: the
	// retry job already exists when RetryDLQ runs.
	_, err = q.Add(ctx, "flaky", []byte(`{}`), AddOptions{JobID: "retry:dl-2"})
	require.NoError(t, err)

	newID, err := q.RetryDLQ(ctx, "dl-2")
	require.NoError(t, err)
	assert.Equal(t, "retry:dl-2", newID)

	s, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), s.Waiting, "retrying the retry must not enqueue a second copy")
	assert.Zero(t, s.Failed)
}

func TestDLQRetryAll(t *testing.T) {
	q := newTestQueue(t, Options{MaxAttempts: 1})
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		_, err := q.Add(ctx, "flaky", []byte(`{}`), AddOptions{JobID: id})
		require.NoError(t, err)
	}
	jobs, err := q.fetch(ctx, 3)
	require.NoError(t, err)
	for _, j := range jobs {
		require.NoError(t, q.fail(ctx, j, errors.New("boom")))
	}

	n, err := q.RetryAllDLQ(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	s, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), s.Waiting)
	assert.Zero(t, s.Failed)
}

func TestDLQDiscardAndClear(t *testing.T) {
	q := newTestQueue(t, Options{MaxAttempts: 1})
	ctx := context.Background()

	for _, id := range []string{"x", "y"} {
		_, err := q.Add(ctx, "flaky", []byte(`{}`), AddOptions{JobID: id})
		require.NoError(t, err)
	}
	jobs, err := q.fetch(ctx, 2)
	require.NoError(t, err)
	for _, j := range jobs {
		require.NoError(t, q.fail(ctx, j, errors.New("boom")))
	}

	require.NoError(t, q.DiscardDLQ(ctx, "x"))
	entries, err := q.ListDLQ(ctx, ListOptions{})
	require.NoError(t, err)
	require.Len(t, entries, 1)

	_, err = q.ClearDLQ(ctx, "wrong-token")
	assert.ErrorIs(t, err, ErrConfirmation)

	n, err := q.ClearDLQ(ctx, q.ClearConfirmation())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	entries, err = q.ListDLQ(ctx, ListOptions{})
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestRetryMissingDeadLetter(t *testing.T) {
	q := newTestQueue(t, Options{})
	_, err := q.RetryDLQ(context.Background(), "no-such-entry")
	assert.ErrorIs(t, err, ErrNotInDLQ)
}

func TestPanickingHandlerFailsJob(t *testing.T) {
	q := newTestQueue(t, Options{MaxAttempts: 1})
	ctx := context.Background()

	c := q.Consume(func(ctx context.Context, job *Job) error {
		panic("handler bug")
	}, ConsumerOptions{Concurrency: 1, PollInterval: 10 * time.Millisecond})
	defer stopConsumer(t, c)

	_, err := q.Add(ctx, "buggy", []byte(`{}`), AddOptions{})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		entries, err := q.ListDLQ(ctx, ListOptions{})
		return err == nil && len(entries) == 1
	}, 3*time.Second, 20*time.Millisecond)

	entries, _ := q.ListDLQ(ctx, ListOptions{})
	assert.Contains(t, entries[0].Error, "handler panic")
}

func TestFallbackWhenStoreDown(t *testing.T) {
	inner := kv.NewMemoryStore()
	t.Cleanup(func() { inner.Close() })
	down := &flakyStore{Store: inner}
	down.up.Store(false)

	q := New("test", down, telemetry.Nop(), Options{})
	t.Cleanup(q.Close)
	ctx := context.Background()

	require.NotNil(t, q.fb, "non-memory stores get a fallback side")

	_, err := q.Add(ctx, "volatile", []byte(`{}`), AddOptions{})
	require.NoError(t, err)

	s, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.True(t, s.Fallback)
	assert.Equal(t, int64(1), s.FallbackJobs)
	assert.Equal(t, int64(1), s.Waiting)

	var runs atomic.Int32
	c := q.Consume(func(ctx context.Context, job *Job) error {
		runs.Add(1)
		return nil
	}, ConsumerOptions{Concurrency: 1, PollInterval: 10 * time.Millisecond})
	defer stopConsumer(t, c)

	require.Eventually(t, func() bool { return runs.Load() == 1 },
		2*time.Second, 10*time.Millisecond, "fallback jobs must still be consumed")
}

func TestTracePropagatesThroughJob(t *testing.T) {
	q := newTestQueue(t, Options{})

	parent := telemetry.NewTrace()
	ctx := telemetry.WithTrace(context.Background(), parent)

	traced := make(chan telemetry.TraceContext, 1)
	c := q.Consume(func(ctx context.Context, job *Job) error {
		traced <- telemetry.TraceFrom(ctx)
		return nil
	}, ConsumerOptions{Concurrency: 1, PollInterval: 10 * time.Millisecond})
	defer stopConsumer(t, c)

	_, err := q.Add(ctx, "traced", []byte(`{}`), AddOptions{})
	require.NoError(t, err)

	select {
	case tc := <-traced:
		assert.Equal(t, parent.TraceID, tc.TraceID,
			"trace id must survive the enqueue/consume hop")
		assert.NotEqual(t, parent.SpanID, tc.SpanID,
			"the consumer runs in a child span")
	case <-time.After(2 * time.Second):
		t.Fatal("job never ran")
	}
}

// flakyStore lets tests flip availability at will.
type flakyStore struct {
	kv.Store
	up atomic.Bool
}

func (f *flakyStore) Available() bool { return f.up.Load() }
