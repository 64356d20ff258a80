// Package worker turns queued message jobs into conversation turns. One
// job is one inbound message; the pipeline gates on the CRM state, takes
// the conversation lock, hydrates history and flow state, routes, and
// runs the matching handler. Everything a handler touches happens under
// the lock, so per-conversation effects are serialized across the fleet.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/kisslabs/platform/internal/blocklist"
	"github.com/kisslabs/platform/internal/crm"
	"github.com/kisslabs/platform/internal/dispatch"
	"github.com/kisslabs/platform/internal/flowstate"
	"github.com/kisslabs/platform/internal/history"
	"github.com/kisslabs/platform/internal/locks"
	"github.com/kisslabs/platform/internal/outbound"
	"github.com/kisslabs/platform/internal/queue"
	"github.com/kisslabs/platform/internal/telemetry"
)

// JobName is the queue job type carrying an inbound message event.
const JobName = "message.process"

// PolicySource supplies the routing tables and localized texts. The
// registry implements it; tests and bare deployments get the built-in
// defaults.
type PolicySource interface {
	RoutingPolicies(ctx context.Context) dispatch.Policies
	FAQAnswer(key string) (string, bool)
	GreetingFor(name string) string
	FallbackReply() string
}

// Handler processes one routed turn.
type Handler func(ctx context.Context, t *Turn) error

// Deps are the collaborators a worker needs. CRM and Outbound are
// required; nil Policies falls back to the built-in tables.
type Deps struct {
	Locks     *locks.Manager
	Flows     *flowstate.Service
	History   *history.Cache
	Blocklist *blocklist.Service
	Policies  PolicySource
	Outbound  *outbound.Gateway
	CRM       crm.Client
	Telemetry *telemetry.Telemetry
}

// Options tune the per-job budgets.
type Options struct {
	// LockTTL and LockWait bound the conversation lock. Defaults 30s/15s.
	LockTTL  time.Duration
	LockWait time.Duration
	// Deadline caps one job's processing. Default 45s.
	Deadline time.Duration
	// QueueName labels the worker's timing metrics. Default "messages".
	QueueName string
}

func (o Options) withDefaults() Options {
	if o.LockTTL <= 0 {
		o.LockTTL = 30 * time.Second
	}
	if o.LockWait <= 0 {
		o.LockWait = 15 * time.Second
	}
	if o.Deadline <= 0 {
		o.Deadline = 45 * time.Second
	}
	if o.QueueName == "" {
		o.QueueName = "messages"
	}
	return o
}

// Worker is the message pipeline. Register replaces a route handler;
// the defaults cover every route so a bare worker is already complete.
type Worker struct {
	deps Deps
	tel  *telemetry.Telemetry
	opts Options

	mu       sync.RWMutex
	handlers map[string]Handler
}

// New builds a worker with the default handler set.
func New(deps Deps, opts Options) *Worker {
	if deps.Telemetry == nil {
		deps.Telemetry = telemetry.Nop()
	}
	if deps.Policies == nil {
		deps.Policies = builtinPolicies{}
	}
	w := &Worker{
		deps:     deps,
		tel:      deps.Telemetry,
		opts:     opts.withDefaults(),
		handlers: make(map[string]Handler),
	}
	w.registerDefaults()
	return w
}

// Register installs or replaces the handler for a route name. The core
// uses this to swap the agentic fallback for the real agent integration.
func (w *Worker) Register(route string, h Handler) {
	w.mu.Lock()
	w.handlers[route] = h
	w.mu.Unlock()
}

func (w *Worker) handler(route string) (Handler, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	h, ok := w.handlers[route]
	return h, ok
}

// HandleJob is the queue.Handler for message jobs.
func (w *Worker) HandleJob(ctx context.Context, job *queue.Job) error {
	var event dispatch.Event
	if err := json.Unmarshal(job.Data, &event); err != nil {
		return fmt.Errorf("worker: decode job %s: %w", job.ID, err)
	}

	ctx, cancel := context.WithTimeout(ctx, w.opts.Deadline)
	defer cancel()

	// A conversation owned by a human agent (or with the bot switched
	// off) is skipped, not failed. CRM errors fail open: see crm.ShouldDefer.
	if deferIt, reason, err := crm.ShouldDefer(ctx, w.deps.CRM, event.AccountID, event.ConversationID); err != nil {
		w.tel.Logger.Warn("conversation gate unavailable, continuing",
			"conversation", event.ConversationID, "error", err)
	} else if deferIt {
		w.tel.Logger.Info("message deferred to human",
			"conversation", event.ConversationID, "reason", string(reason))
		w.tel.Audit.Record(ctx, telemetry.AuditEntry{
			Actor:      "worker",
			Action:     "message.deferred",
			TargetType: "conversation",
			TargetID:   event.ConversationID,
			Payload:    map[string]any{"reason": string(reason)},
		})
		return nil
	}

	lockOpts := locks.Options{TTL: w.opts.LockTTL, WaitTimeout: w.opts.LockWait}
	outcome, err := w.deps.Locks.WithLock(ctx, event.LockName(), lockOpts, func(ctx context.Context) error {
		return w.handleTurn(ctx, job, event)
	})
	if errors.Is(err, locks.ErrNotAcquired) {
		// Another worker is mid-turn on this conversation. Expected under
		// bursts; the job completes as skipped.
		w.tel.Logger.Info("conversation busy, job skipped",
			"job", job.ID, "conversation", event.ConversationID, "reason", "lock_timeout")
		return nil
	}
	if outcome.Stale {
		w.tel.Audit.Record(ctx, telemetry.AuditEntry{
			Actor:      "worker",
			Action:     "lock.stale_completion",
			TargetType: "conversation",
			TargetID:   event.ConversationID,
			Payload:    map[string]any{"held_ms": outcome.Held.Milliseconds(), "job_id": job.ID},
		})
	}
	if err != nil {
		return err
	}

	if !event.ReceivedAt.IsZero() {
		w.tel.Metrics.EndToEnd.WithLabelValues(w.opts.QueueName).Observe(time.Since(event.ReceivedAt).Seconds())
	}
	return nil
}

// handleTurn runs under the conversation lock.
func (w *Worker) handleTurn(ctx context.Context, job *queue.Job, event dispatch.Event) error {
	flow, err := w.deps.Flows.Hydrate(ctx, event.ConversationID)
	if err != nil {
		return fmt.Errorf("worker: flow state for %s: %w", event.ConversationID, err)
	}
	if _, err := w.deps.History.Hydrate(ctx, event.AccountID, event.ConversationID); err != nil {
		// History enriches replies but is not load-bearing; a cold start
		// beats burning retries on a CRM blip.
		w.tel.Logger.Warn("history hydrate failed, starting cold",
			"conversation", event.ConversationID, "error", err)
	}
	w.deps.History.AddUser(event.ConversationID, event.Content)

	pol := w.deps.Policies.RoutingPolicies(ctx)
	if w.deps.Blocklist != nil {
		if blocked, src, err := w.deps.Blocklist.Check(ctx, event.Contact); err == nil && blocked {
			pol.Blocked, pol.BlockedBy = true, string(src)
		}
	}

	route := dispatch.Decide(event, flow, pol)
	start := time.Now()
	defer func() {
		w.tel.Metrics.ProcessingTime.WithLabelValues(w.opts.QueueName, route.Name()).Observe(time.Since(start).Seconds())
	}()

	h, ok := w.handler(route.Name())
	if !ok {
		return fmt.Errorf("worker: no handler registered for route %s", route.Name())
	}

	w.tel.Logger.Info("processing turn",
		"job", job.ID, "conversation", event.ConversationID,
		"route", route.Name(), "attempt", job.AttemptsMade+1)

	if err := h(ctx, &Turn{Event: event, Route: route, Flow: flow, w: w}); err != nil {
		return fmt.Errorf("worker: route %s on %s: %w", route.Name(), event.ConversationID, err)
	}
	return nil
}

// Turn is one message being handled. Handlers use its methods so that
// replies land in history and flow mutations stay on this conversation.
type Turn struct {
	Event dispatch.Event
	Route dispatch.Route
	Flow  flowstate.State

	w *Worker
}

// Reply sends text back into the conversation and records it in history.
func (t *Turn) Reply(ctx context.Context, text string) error {
	res, err := t.w.deps.Outbound.Send(ctx, outbound.Message{
		Recipient:      t.Event.Contact,
		Channel:        "crm",
		Category:       outbound.CategoryReply,
		Body:           text,
		AccountID:      t.Event.AccountID,
		ConversationID: t.Event.ConversationID,
	})
	if err != nil {
		return err
	}
	if res.Sent {
		t.w.deps.History.AddAssistant(t.Event.ConversationID, text)
	}
	return nil
}

// Note posts a private CRM note visible to agents only.
func (t *Turn) Note(ctx context.Context, text string) error {
	_, err := t.w.deps.CRM.SendMessage(ctx, t.Event.AccountID, t.Event.ConversationID, text, true)
	return err
}

// Typing flips the typing indicator. Best effort.
func (t *Turn) Typing(ctx context.Context) {
	if err := t.w.deps.CRM.TouchConversation(ctx, t.Event.AccountID, t.Event.ConversationID); err != nil {
		t.w.tel.Logger.Debug("typing indicator failed",
			"conversation", t.Event.ConversationID, "error", err)
	}
}

// BeginFlow enters a flow at its first step.
func (t *Turn) BeginFlow(ctx context.Context, ft flowstate.FlowType) error {
	st, err := t.w.deps.Flows.Begin(ctx, t.Event.ConversationID, ft)
	if err != nil {
		return err
	}
	t.Flow = st
	return nil
}

// SetFlow moves the conversation's flow; the conversation id is pinned
// to this turn's conversation.
func (t *Turn) SetFlow(ctx context.Context, st flowstate.State) error {
	st.ConversationID = t.Event.ConversationID
	if err := t.w.deps.Flows.Set(ctx, st); err != nil {
		return err
	}
	t.Flow = t.w.deps.Flows.Get(t.Event.ConversationID)
	return nil
}

// ClearFlow ends the conversation's flow.
func (t *Turn) ClearFlow(ctx context.Context) error {
	t.Flow = flowstate.State{}
	return t.w.deps.Flows.Clear(ctx, t.Event.ConversationID)
}

func (t *Turn) audit(ctx context.Context, action string, payload map[string]any) {
	t.w.tel.Audit.Record(ctx, telemetry.AuditEntry{
		Actor:      "worker",
		Action:     action,
		TargetType: "conversation",
		TargetID:   t.Event.ConversationID,
		Payload:    payload,
	})
}
