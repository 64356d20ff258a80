// Package scheduler turns detector specs into cron-triggered queue
// jobs. The cron side only enqueues; execution happens in queue
// consumers, so detector work survives restarts, retries with backoff,
// and dead-letters like any other job. Job ids are derived from the
// fire time, so several instances running the same schedules enqueue
// one job between them.
package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/kisslabs/platform/internal/detector"
	"github.com/kisslabs/platform/internal/queue"
	"github.com/kisslabs/platform/internal/ratelimit"
	"github.com/kisslabs/platform/internal/store"
	"github.com/kisslabs/platform/internal/telemetry"
)

// JobName is the queue job type carrying one detector run request.
const JobName = "detector.run"

// RunRequest is the job payload.
type RunRequest struct {
	DetectorID string      `json:"detector_id"`
	Scope      store.Scope `json:"scope"`
	Manual     bool        `json:"manual,omitempty"`
}

// Options tune the scheduler.
type Options struct {
	// Location is the process-wide timezone all schedules fire in.
	// Defaults to America/Mexico_City.
	Location *time.Location
	// Concurrency bounds parallel detector executions. Default 3.
	Concurrency int
	// StartsPerMinute caps total detector starts across all schedules.
	// Default 10.
	StartsPerMinute int64
}

func (o Options) withDefaults() Options {
	if o.Location == nil {
		loc, err := time.LoadLocation("America/Mexico_City")
		if err != nil {
			loc = time.UTC
		}
		o.Location = loc
	}
	if o.Concurrency <= 0 {
		o.Concurrency = 3
	}
	if o.StartsPerMinute <= 0 {
		o.StartsPerMinute = 10
	}
	return o
}

// Scheduler owns the cron table and the detectors queue consumer.
type Scheduler struct {
	q       *queue.Queue
	runner  *detector.Runner
	limiter *ratelimit.Limiter
	tel     *telemetry.Telemetry
	opts    Options

	cron     *cron.Cron
	consumer *queue.Consumer
}

// New wires the scheduler over the detectors queue.
func New(q *queue.Queue, runner *detector.Runner, limiter *ratelimit.Limiter, tel *telemetry.Telemetry, opts Options) *Scheduler {
	if tel == nil {
		tel = telemetry.Nop()
	}
	opts = opts.withDefaults()
	return &Scheduler{
		q: q, runner: runner, limiter: limiter, tel: tel, opts: opts,
		cron: cron.New(cron.WithLocation(opts.Location)),
	}
}

// Start registers cron entries for every active spec and begins
// consuming the detectors queue.
func (s *Scheduler) Start(specs []detector.Spec) error {
	for _, spec := range specs {
		if !spec.Active || spec.Schedule == "" {
			continue
		}
		spec := spec
		if _, err := s.cron.AddFunc(spec.Schedule, func() { s.fire(spec.ID) }); err != nil {
			return fmt.Errorf("scheduler: schedule %q for %s: %w", spec.Schedule, spec.ID, err)
		}
		s.tel.Logger.Info("detector scheduled",
			"detector", spec.ID, "schedule", spec.Schedule, "tz", s.opts.Location.String())
	}

	s.consumer = s.q.Consume(s.handleJob, queue.ConsumerOptions{
		Concurrency: s.opts.Concurrency,
	})
	s.cron.Start()
	return nil
}

// Stop halts the cron table, then drains the consumer.
func (s *Scheduler) Stop(ctx context.Context) error {
	cronCtx := s.cron.Stop()
	select {
	case <-cronCtx.Done():
	case <-ctx.Done():
	}
	if s.consumer != nil {
		return s.consumer.Stop(ctx)
	}
	return nil
}

// fire enqueues one scheduled run. The job id folds in the fire minute,
// so replicas firing the same schedule collapse to a single job.
func (s *Scheduler) fire(detectorID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	ok, err := s.limiter.Allow(ctx, "detector_starts", "global", s.opts.StartsPerMinute, time.Minute)
	if err == nil && !ok {
		s.tel.Logger.Warn("detector start governor engaged, tick skipped", "detector", detectorID)
		return
	}

	minute := time.Now().In(s.opts.Location).Format("200601021504")
	if _, err := s.enqueue(ctx, RunRequest{DetectorID: detectorID}, "det:"+detectorID+":"+minute); err != nil {
		s.tel.Logger.Error("detector enqueue failed", "detector", detectorID, "error", err)
	}
}

// Trigger enqueues a manual run, bypassing the schedule and the start
// governor.
func (s *Scheduler) Trigger(ctx context.Context, detectorID string, scope store.Scope) (string, error) {
	if _, ok := s.runner.Get(detectorID); !ok {
		return "", fmt.Errorf("scheduler: unknown detector %q", detectorID)
	}
	return s.enqueue(ctx, RunRequest{DetectorID: detectorID, Scope: scope, Manual: true}, "")
}

func (s *Scheduler) enqueue(ctx context.Context, req RunRequest, jobID string) (string, error) {
	data, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("scheduler: marshal run request: %w", err)
	}
	id, err := s.q.Add(ctx, JobName, data, queue.AddOptions{JobID: jobID})
	if err != nil {
		return "", fmt.Errorf("scheduler: enqueue %s: %w", req.DetectorID, err)
	}
	return id, nil
}

func (s *Scheduler) handleJob(ctx context.Context, job *queue.Job) error {
	var req RunRequest
	if err := json.Unmarshal(job.Data, &req); err != nil {
		return fmt.Errorf("scheduler: bad run request payload: %w", err)
	}
	_, err := s.runner.Execute(ctx, req.DetectorID, req.Scope)
	return err
}
