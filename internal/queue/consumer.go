package queue

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/kisslabs/platform/internal/telemetry"
)

// Handler processes one job. A nil return completes the job; an error
// return schedules a retry or, once attempts are exhausted, the DLQ.
type Handler func(ctx context.Context, job *Job) error

// ConsumerOptions tune a consumer.
type ConsumerOptions struct {
	Concurrency  int           // parallel handlers; default 4
	PollInterval time.Duration // how often waiting jobs are fetched; default 200ms
}

// Consumer pulls jobs from a queue and runs them through a handler.
type Consumer struct {
	q       *Queue
	handler Handler
	opts    ConsumerOptions

	sem  chan struct{}
	stop chan struct{}
	done chan struct{}
	wg   sync.WaitGroup
	once sync.Once
}

// Consume starts a consumer. Callers own its lifecycle and must Stop it
// on shutdown.
func (q *Queue) Consume(handler Handler, opts ConsumerOptions) *Consumer {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 4
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 200 * time.Millisecond
	}
	c := &Consumer{
		q:       q,
		handler: handler,
		opts:    opts,
		sem:     make(chan struct{}, opts.Concurrency),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	go c.loop()
	q.tel.Logger.Info("queue consumer started",
		"queue", q.name, "concurrency", opts.Concurrency)
	return c
}

func (c *Consumer) loop() {
	defer close(c.done)

	poll := time.NewTicker(c.opts.PollInterval)
	defer poll.Stop()
	reap := time.NewTicker(c.q.opts.ReapInterval)
	defer reap.Stop()

	for {
		select {
		case <-c.stop:
			return
		case <-reap.C:
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			for _, side := range c.q.sides() {
				side.reapStalled(ctx)
			}
			c.q.Stats(ctx) // refreshes depth gauges
			cancel()
		case <-poll.C:
			c.tick()
		}
	}
}

// tick claims as many ready jobs as free handler slots allow.
func (c *Consumer) tick() {
	if c.q.Paused() {
		return
	}
	free := cap(c.sem) - len(c.sem)
	if free <= 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	for _, side := range c.q.sides() {
		if free <= 0 {
			return
		}
		if err := side.promoteDelayed(ctx); err != nil {
			continue
		}
		jobs, err := side.fetch(ctx, free)
		if err != nil {
			continue
		}
		for _, job := range jobs {
			free--
			c.sem <- struct{}{}
			c.wg.Add(1)
			go c.run(job)
		}
	}
}

func (c *Consumer) run(job *Job) {
	defer func() {
		<-c.sem
		c.wg.Done()
	}()

	ctx := telemetry.WithTrace(context.Background(), job.Trace.Child())
	log := c.q.tel.LoggerFor(ctx)

	err := c.invoke(ctx, job)

	// Lifecycle writes get their own context: the job context may be
	// done, but the completion must still land.
	fctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err != nil {
		if ferr := job.queue.fail(fctx, job, err); ferr != nil {
			log.Error("job failure handling errored",
				"queue", c.q.name, "job", job.ID, "error", ferr)
		}
		return
	}
	if cerr := job.queue.complete(fctx, job); cerr != nil {
		log.Error("job completion errored",
			"queue", c.q.name, "job", job.ID, "error", cerr)
	}
}

// invoke runs the handler with panic containment; a panicking handler
// fails the job instead of killing the consumer.
func (c *Consumer) invoke(ctx context.Context, job *Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
			c.q.tel.Logger.Error("job handler panicked",
				"queue", c.q.name, "job", job.ID, "panic", r,
				"stack", string(debug.Stack()))
		}
	}()
	return c.handler(ctx, job)
}

// Stop halts fetching and waits for in-flight handlers to finish, up to
// the context deadline. Jobs still running at the deadline keep their
// active lease and are reclaimed as stalled after restart.
func (c *Consumer) Stop(ctx context.Context) error {
	c.once.Do(func() { close(c.stop) })
	<-c.done

	finished := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(finished)
	}()
	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("queue %s: drain: %w", c.q.name, ctx.Err())
	}
}
