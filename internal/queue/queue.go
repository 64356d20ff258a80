// Package queue implements a durable job queue on the KV store's sorted
// sets: delayed delivery, exponential-backoff retries, stalled-job
// recovery through lease expiry, and a dead-letter queue for terminal
// failures.
//
// Layout per queue name:
//
//	q:<name>:waiting   zset, score = enqueue time (ms)    ready to run
//	q:<name>:delayed   zset, score = next_run_at (ms)     waiting out a delay or backoff
//	q:<name>:active    zset, score = lease expiry (ms)    claimed by a consumer
//	q:<name>:dlq       zset, score = failed_at (ms)       terminal failures
//	q:<name>:job:<id>  json payload, present while the job is non-terminal
//
// When the shared store goes down mid-flight, new jobs land in an
// in-process fallback queue with identical semantics. Fallback jobs are
// lost on restart; Stats surfaces that they exist.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/kisslabs/platform/internal/kv"
	"github.com/kisslabs/platform/internal/telemetry"
)

// Job is the unit of work. Data is opaque to the queue; producers and
// consumers agree on its shape per job name.
type Job struct {
	ID           string                 `json:"job_id"`
	Name         string                 `json:"name"`
	Data         json.RawMessage        `json:"data"`
	AttemptsMade int                    `json:"attempts_made"`
	MaxAttempts  int                    `json:"max_attempts"`
	BackoffBase  time.Duration          `json:"backoff_ns"`
	NextRunAt    time.Time              `json:"next_run_at"`
	EnqueuedAt   time.Time              `json:"enqueued_at"`
	Trace        telemetry.TraceContext `json:"trace_context"`

	// Queue identifies which storage side the job was fetched from, so
	// completion lands on the same side. Not serialized.
	queue *Queue
}

// Options tune a queue. Zero values take the defaults noted per field.
type Options struct {
	MaxAttempts   int           // per-job attempts before the DLQ; default 3
	BackoffBase   time.Duration // first retry delay, doubles per attempt; default 5s
	LeaseTTL      time.Duration // how long a claimed job may run before it counts as stalled; default 90s
	ReapInterval  time.Duration // how often stalled leases are reclaimed; default 15s
	KeepCompleted time.Duration // retention for completed payloads; 0 deletes immediately
}

func (o Options) withDefaults() Options {
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 3
	}
	if o.BackoffBase <= 0 {
		o.BackoffBase = 5 * time.Second
	}
	if o.LeaseTTL <= 0 {
		o.LeaseTTL = 90 * time.Second
	}
	if o.ReapInterval <= 0 {
		o.ReapInterval = 15 * time.Second
	}
	return o
}

// AddOptions tune a single enqueue.
type AddOptions struct {
	// JobID makes the enqueue idempotent: if a job with this id is
	// already waiting, delayed, or active, Add is a no-op that returns
	// the existing id.
	JobID string
	// Delay defers the first run.
	Delay time.Duration
	// MaxAttempts and Backoff override the queue defaults for this job.
	MaxAttempts int
	Backoff     time.Duration
}

// Queue is one named job queue.
type Queue struct {
	name  string
	store kv.Store
	tel   *telemetry.Telemetry
	opts  Options

	// fb is the in-process fallback engaged while store is unreachable.
	// It is itself a Queue over a MemoryStore, so both sides share all
	// queue logic. Nil when the primary store is already in-memory.
	fb      *Queue
	fbStore *kv.MemoryStore

	mu      sync.Mutex
	downLog time.Time
	paused  atomic.Bool
}

// New creates a queue. Queues backed by Redis get an in-process fallback
// side for outages; queues already on a MemoryStore do not need one.
func New(name string, store kv.Store, tel *telemetry.Telemetry, opts Options) *Queue {
	if tel == nil {
		tel = telemetry.Nop()
	}
	q := &Queue{name: name, store: store, tel: tel, opts: opts.withDefaults()}
	if _, inMemory := store.(*kv.MemoryStore); !inMemory {
		q.fbStore = kv.NewMemoryStore()
		q.fb = &Queue{name: name, store: q.fbStore, tel: tel, opts: q.opts}
	}
	return q
}

// Close releases the fallback store. The primary store belongs to the
// caller.
func (q *Queue) Close() {
	if q.fbStore != nil {
		q.fbStore.Close()
	}
}

func (q *Queue) Name() string { return q.name }

// Pause stops consumers from claiming new jobs. In-flight handlers run
// to completion; Add keeps accepting jobs, they just wait.
func (q *Queue) Pause() {
	if q.paused.CompareAndSwap(false, true) {
		q.tel.Logger.Warn("queue paused", "queue", q.name)
	}
}

// Resume lets consumers claim jobs again.
func (q *Queue) Resume() {
	if q.paused.CompareAndSwap(true, false) {
		q.tel.Logger.Info("queue resumed", "queue", q.name)
	}
}

// Paused reports whether consumption is currently paused.
func (q *Queue) Paused() bool { return q.paused.Load() }

func (q *Queue) key(parts ...string) string {
	k := "q:" + q.name
	for _, p := range parts {
		k += ":" + p
	}
	return k
}

func (q *Queue) jobKey(id string) string { return q.key("job", id) }

// liveSide picks where writes go right now.
func (q *Queue) liveSide() *Queue {
	if q.fb == nil || q.store.Available() {
		return q
	}
	q.mu.Lock()
	if time.Since(q.downLog) > time.Minute {
		q.downLog = time.Now()
		q.tel.Logger.Warn("queue on in-process fallback, jobs are volatile", "queue", q.name)
	}
	q.mu.Unlock()
	return q.fb
}

// sides lists the storage sides a consumer should poll: the primary when
// it is reachable, and the fallback always (it is cheap when empty).
func (q *Queue) sides() []*Queue {
	if q.fb == nil {
		return []*Queue{q}
	}
	if q.store.Available() {
		return []*Queue{q, q.fb}
	}
	return []*Queue{q.fb}
}

// Add enqueues a job. With AddOptions.JobID set, re-adding an id that is
// still non-terminal returns the existing id without a second enqueue.
func (q *Queue) Add(ctx context.Context, name string, data []byte, opts AddOptions) (string, error) {
	side := q.liveSide()
	id, err := side.addLocal(ctx, name, data, opts)
	if err == nil {
		q.tel.Metrics.JobsEnqueued.WithLabelValues(q.name).Inc()
	}
	return id, err
}

func (q *Queue) addLocal(ctx context.Context, name string, data []byte, opts AddOptions) (string, error) {
	id := opts.JobID
	if id == "" {
		id = uuid.NewString()
	}

	// Fast no-op path for idempotent re-enqueue.
	if _, exists, err := q.store.Get(ctx, q.jobKey(id)); err == nil && exists {
		return id, nil
	}

	now := time.Now().UTC()
	job := Job{
		ID:          id,
		Name:        name,
		Data:        data,
		MaxAttempts: q.opts.MaxAttempts,
		BackoffBase: q.opts.BackoffBase,
		NextRunAt:   now,
		EnqueuedAt:  now,
		Trace:       telemetry.TraceFrom(ctx),
	}
	if opts.MaxAttempts > 0 {
		job.MaxAttempts = opts.MaxAttempts
	}
	if opts.Backoff > 0 {
		job.BackoffBase = opts.Backoff
	}
	if !job.Trace.Valid() {
		job.Trace = telemetry.NewTrace()
	}
	if opts.Delay > 0 {
		job.NextRunAt = now.Add(opts.Delay)
	}

	payload, err := json.Marshal(job)
	if err != nil {
		return "", fmt.Errorf("queue %s: marshal job: %w", q.name, err)
	}

	// Set membership first: a popped id with no payload is dropped as a
	// phantom, while a payload with no set entry would be a silent loss.
	if opts.Delay > 0 {
		err = q.store.ZAdd(ctx, q.key("delayed"), float64(job.NextRunAt.UnixMilli()), id)
	} else {
		err = q.store.ZAdd(ctx, q.key("waiting"), float64(now.UnixMilli()), id)
	}
	if err != nil {
		return "", fmt.Errorf("queue %s: enqueue %s: %w", q.name, id, err)
	}

	created, err := q.store.SetIfAbsent(ctx, q.jobKey(id), string(payload), 0)
	if err != nil {
		return "", fmt.Errorf("queue %s: write job %s: %w", q.name, id, err)
	}
	if !created {
		// Lost a race with a concurrent Add of the same id; theirs won.
		return id, nil
	}
	return id, nil
}

// readJob loads and decodes a job payload. ok=false means the payload is
// gone (completed elsewhere or a phantom set entry).
func (q *Queue) readJob(ctx context.Context, id string) (*Job, bool, error) {
	raw, ok, err := q.store.Get(ctx, q.jobKey(id))
	if err != nil || !ok {
		return nil, false, err
	}
	var job Job
	if err := json.Unmarshal([]byte(raw), &job); err != nil {
		return nil, false, fmt.Errorf("queue %s: decode job %s: %w", q.name, id, err)
	}
	job.queue = q
	return &job, true, nil
}

func (q *Queue) writeJob(ctx context.Context, job *Job) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("queue %s: marshal job: %w", q.name, err)
	}
	return q.store.SetWithTTL(ctx, q.jobKey(job.ID), string(payload), 0)
}

// promoteDelayed moves due delayed jobs into waiting. Called from the
// consumer loop.
func (q *Queue) promoteDelayed(ctx context.Context) error {
	now := time.Now().UnixMilli()
	_, err := q.store.ZMoveByScore(ctx, q.key("delayed"), q.key("waiting"),
		float64(now), float64(now), 100)
	return err
}

// fetch claims up to n ready jobs, moving them to active under a lease.
func (q *Queue) fetch(ctx context.Context, n int) ([]*Job, error) {
	now := time.Now()
	lease := now.Add(q.opts.LeaseTTL)
	ids, err := q.store.ZMoveByScore(ctx, q.key("waiting"), q.key("active"),
		float64(now.UnixMilli()), float64(lease.UnixMilli()), int64(n))
	if err != nil {
		return nil, err
	}

	jobs := make([]*Job, 0, len(ids))
	for _, id := range ids {
		job, ok, err := q.readJob(ctx, id)
		if err != nil {
			q.tel.Logger.Error("unreadable job dropped", "queue", q.name, "job", id, "error", err)
			q.store.ZRem(ctx, q.key("active"), id)
			continue
		}
		if !ok {
			// Phantom: enqueue crashed between set-add and payload write.
			q.store.ZRem(ctx, q.key("active"), id)
			continue
		}
		q.tel.Metrics.QueueWait.WithLabelValues(q.name).Observe(now.Sub(job.EnqueuedAt).Seconds())
		jobs = append(jobs, job)
	}
	return jobs, nil
}

// complete finishes a successful job.
func (q *Queue) complete(ctx context.Context, job *Job) error {
	if q.opts.KeepCompleted > 0 {
		payload, err := json.Marshal(job)
		if err == nil {
			q.store.SetWithTTL(ctx, q.jobKey(job.ID), string(payload), q.opts.KeepCompleted)
		}
	} else {
		if err := q.store.Delete(ctx, q.jobKey(job.ID)); err != nil {
			return fmt.Errorf("queue %s: complete %s: %w", q.name, job.ID, err)
		}
	}
	if _, err := q.store.ZRem(ctx, q.key("active"), job.ID); err != nil {
		return fmt.Errorf("queue %s: complete %s: %w", q.name, job.ID, err)
	}
	q.store.IncrementBy(ctx, q.key("completed"), 1, 0)
	q.tel.Metrics.JobsCompleted.WithLabelValues(q.name).Inc()
	return nil
}

// fail records a failed attempt: either schedules the retry with
// exponential backoff or moves the job to the dead letter queue.
func (q *Queue) fail(ctx context.Context, job *Job, cause error) error {
	job.AttemptsMade++
	if job.AttemptsMade >= job.MaxAttempts {
		return q.moveToDLQ(ctx, job, cause, "active")
	}

	backoff := job.BackoffBase * time.Duration(math.Pow(2, float64(job.AttemptsMade-1)))
	job.NextRunAt = time.Now().UTC().Add(backoff)

	if err := q.writeJob(ctx, job); err != nil {
		return err
	}
	if err := q.store.ZAdd(ctx, q.key("delayed"), float64(job.NextRunAt.UnixMilli()), job.ID); err != nil {
		return fmt.Errorf("queue %s: schedule retry %s: %w", q.name, job.ID, err)
	}
	if _, err := q.store.ZRem(ctx, q.key("active"), job.ID); err != nil {
		return fmt.Errorf("queue %s: schedule retry %s: %w", q.name, job.ID, err)
	}

	q.tel.Metrics.JobsRetried.WithLabelValues(q.name).Inc()
	q.tel.Logger.Warn("job failed, retry scheduled",
		"queue", q.name, "job", job.ID, "name", job.Name,
		"attempt", job.AttemptsMade, "of", job.MaxAttempts,
		"backoff", backoff, "error", cause)
	return nil
}

// reapStalled reclaims jobs whose lease expired: the consumer died or ran
// past its lease. A stall counts as a failed attempt.
func (q *Queue) reapStalled(ctx context.Context) {
	now := time.Now().UnixMilli()
	ids, err := q.store.ZMoveByScore(ctx, q.key("active"), q.key("waiting"),
		float64(now), float64(now), 100)
	if err != nil {
		if !errors.Is(err, kv.ErrUnavailable) {
			q.tel.Logger.Error("stall reaper failed", "queue", q.name, "error", err)
		}
		return
	}

	for _, id := range ids {
		q.tel.Metrics.JobsStalled.WithLabelValues(q.name).Inc()
		job, ok, err := q.readJob(ctx, id)
		if err != nil || !ok {
			q.store.ZRem(ctx, q.key("waiting"), id)
			continue
		}

		job.AttemptsMade++
		if job.AttemptsMade >= job.MaxAttempts {
			if err := q.moveToDLQ(ctx, job, errors.New("stalled: lease expired"), "waiting"); err != nil {
				q.tel.Logger.Error("stalled job DLQ move failed", "queue", q.name, "job", id, "error", err)
			}
			continue
		}
		if err := q.writeJob(ctx, job); err != nil {
			q.tel.Logger.Error("stalled job update failed", "queue", q.name, "job", id, "error", err)
			continue
		}
		q.tel.Logger.Warn("stalled job reclaimed",
			"queue", q.name, "job", id, "attempt", job.AttemptsMade, "of", job.MaxAttempts)
	}
}

// Stats reports queue depths across both storage sides.
type Stats struct {
	Waiting   int64 `json:"waiting"`
	Active    int64 `json:"active"`
	Delayed   int64 `json:"delayed"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`

	// Fallback reports that the in-process side is engaged or holds
	// jobs; those jobs do not survive a restart.
	Fallback     bool  `json:"fallback"`
	FallbackJobs int64 `json:"fallback_jobs"`

	Paused bool `json:"paused"`
}

func (q *Queue) Stats(ctx context.Context) (Stats, error) {
	var s Stats

	if q.store.Available() {
		local, err := q.statsLocal(ctx)
		if err != nil {
			return s, err
		}
		s = local
	} else if q.fb != nil {
		s.Fallback = true
	}

	if q.fb != nil {
		fbs, err := q.fb.statsLocal(ctx)
		if err != nil {
			return s, err
		}
		s.Waiting += fbs.Waiting
		s.Active += fbs.Active
		s.Delayed += fbs.Delayed
		s.Completed += fbs.Completed
		s.Failed += fbs.Failed
		s.FallbackJobs = fbs.Waiting + fbs.Active + fbs.Delayed
		if s.FallbackJobs > 0 {
			s.Fallback = true
		}
	}

	s.Paused = q.paused.Load()

	q.tel.Metrics.QueueDepth.WithLabelValues(q.name, "waiting").Set(float64(s.Waiting))
	q.tel.Metrics.QueueDepth.WithLabelValues(q.name, "active").Set(float64(s.Active))
	q.tel.Metrics.QueueDepth.WithLabelValues(q.name, "delayed").Set(float64(s.Delayed))
	q.tel.Metrics.QueueDepth.WithLabelValues(q.name, "failed").Set(float64(s.Failed))
	return s, nil
}

func (q *Queue) statsLocal(ctx context.Context) (Stats, error) {
	var s Stats
	var err error
	if s.Waiting, err = q.store.ZCard(ctx, q.key("waiting")); err != nil {
		return s, fmt.Errorf("queue %s: stats: %w", q.name, err)
	}
	if s.Active, err = q.store.ZCard(ctx, q.key("active")); err != nil {
		return s, fmt.Errorf("queue %s: stats: %w", q.name, err)
	}
	if s.Delayed, err = q.store.ZCard(ctx, q.key("delayed")); err != nil {
		return s, fmt.Errorf("queue %s: stats: %w", q.name, err)
	}
	if s.Failed, err = q.store.ZCard(ctx, q.key("dlq")); err != nil {
		return s, fmt.Errorf("queue %s: stats: %w", q.name, err)
	}
	if raw, ok, err := q.store.Get(ctx, q.key("completed")); err == nil && ok {
		if n, perr := strconv.ParseInt(raw, 10, 64); perr == nil {
			s.Completed = n
		}
	}
	return s, nil
}
