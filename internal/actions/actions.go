// Package actions is the bus every proposed operational effect goes
// through: propose, gate on the action type's autonomy level, collect
// whatever approval that level demands, then execute exactly once.
//
// Two layers of idempotency protect external systems. Propose is
// content-addressed: the same (type, canonical payload, requester,
// idempotency key) always resolves to the same action row. Execution is
// fingerprinted: the fingerprint row is written before any external
// effect, so a retried execution short-circuits to the recorded result.
package actions

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/kisslabs/platform/internal/ratelimit"
	"github.com/kisslabs/platform/internal/store"
	"github.com/kisslabs/platform/internal/telemetry"
)

var (
	// ErrTerminal is returned when a mutation targets an action in a
	// terminal state.
	ErrTerminal = errors.New("actions: action is terminal")

	// ErrNeeds2FA is returned by Approve for CRITICAL actions; callers
	// must go through Verify2FAAndApprove.
	ErrNeeds2FA = errors.New("actions: critical action requires 2FA approval")

	// ErrBadCode is returned when the 2FA code does not verify.
	ErrBadCode = errors.New("actions: 2FA code rejected")

	// ErrUnknownType is returned when no configuration exists for the
	// proposed action type.
	ErrUnknownType = errors.New("actions: unknown action type")

	// ErrInFlight is returned when an execution fingerprint is claimed
	// by a live execution that has not finished yet.
	ErrInFlight = errors.New("actions: execution in flight")

	// ErrNotApprover is returned when the approver is the requester and
	// the type demands separation of duties.
	ErrNotApprover = errors.New("actions: requester cannot approve own action")
)

// TypeConfig is the per-action-type policy, normally loaded from the
// registry.
type TypeConfig struct {
	Autonomy    store.Autonomy `json:"autonomy"`
	Handler     string         `json:"handler"`
	MaxPerHour  int64          `json:"max_per_hour"`
	MaxPerDay   int64          `json:"max_per_day"`
	ExpiresIn   time.Duration  `json:"expires_in"`
	SelfApprove bool           `json:"self_approve"`
}

// Handler executes one action type. Plan reports what Execute would do
// without doing it (DryRun).
type Handler interface {
	Execute(ctx context.Context, a *store.Action) (json.RawMessage, error)
	Plan(ctx context.Context, a *store.Action) (json.RawMessage, error)
}

// Persistence is the slice of the store the bus writes through.
type Persistence interface {
	CreateAction(ctx context.Context, a *store.Action) error
	GetAction(ctx context.Context, id string) (*store.Action, error)
	GetActionByContentKey(ctx context.Context, key string) (*store.Action, error)
	UpdateAction(ctx context.Context, a *store.Action) error
	ListExpiredPending(ctx context.Context, now time.Time) ([]*store.Action, error)
	ReserveExecution(ctx context.Context, fingerprint, actionID string) (bool, *store.Execution, error)
	CompleteExecution(ctx context.Context, fingerprint string, result json.RawMessage) error
}

// Options tune the bus.
type Options struct {
	// Types maps action type names to their policy. Replaceable at
	// runtime via SetTypes (registry hot reload).
	Types map[string]TypeConfig
	// InFlightGrace is how old an unfinished execution fingerprint must
	// be before a retry may reclaim it. Default 5m.
	InFlightGrace time.Duration
	// DefaultExpiry bounds how long a PENDING action waits for its
	// approval before ProcessExpired reaps it. Default 72h.
	DefaultExpiry time.Duration
}

// Bus gates and executes actions.
type Bus struct {
	db      Persistence
	limiter *ratelimit.Limiter
	twoFA   *TwoFactor
	tel     *telemetry.Telemetry
	opts    Options

	handlers map[string]Handler
	types    map[string]TypeConfig
}

// New wires the bus. Handlers are registered afterwards, before any
// Propose call.
func New(db Persistence, limiter *ratelimit.Limiter, twoFA *TwoFactor, tel *telemetry.Telemetry, opts Options) *Bus {
	if tel == nil {
		tel = telemetry.Nop()
	}
	if opts.InFlightGrace <= 0 {
		opts.InFlightGrace = 5 * time.Minute
	}
	if opts.DefaultExpiry <= 0 {
		opts.DefaultExpiry = 72 * time.Hour
	}
	types := opts.Types
	if types == nil {
		types = map[string]TypeConfig{}
	}
	return &Bus{
		db: db, limiter: limiter, twoFA: twoFA, tel: tel, opts: opts,
		handlers: make(map[string]Handler), types: types,
	}
}

// RegisterHandler binds a dispatch key to its executor.
func (b *Bus) RegisterHandler(name string, h Handler) { b.handlers[name] = h }

// SetTypes swaps the type policy table (registry refresh).
func (b *Bus) SetTypes(types map[string]TypeConfig) {
	if types != nil {
		b.types = types
	}
}

// Proposal describes one requested effect.
type Proposal struct {
	CaseID         string
	Type           string
	Payload        json.RawMessage
	RequestedBy    string
	IdempotencyKey string
}

// Decision is what Propose resolved the proposal to.
type Decision struct {
	Action *store.Action
	// Reused means the content key matched an existing action and no new
	// row was created.
	Reused bool
	// Executed means the AUTO path ran to a terminal state during this
	// call.
	Executed bool
}

// ContentKey derives the deterministic identity of a proposal.
func ContentKey(p Proposal) string {
	h := sha256.New()
	h.Write([]byte(p.Type))
	h.Write([]byte{0})
	h.Write(canonicalJSON(p.Payload))
	h.Write([]byte{0})
	h.Write([]byte(p.RequestedBy))
	h.Write([]byte{0})
	h.Write([]byte(p.IdempotencyKey))
	return hex.EncodeToString(h.Sum(nil))
}

// canonicalJSON re-marshals the payload so key order and whitespace do
// not change the identity. Invalid JSON hashes as raw bytes.
func canonicalJSON(raw json.RawMessage) []byte {
	if len(raw) == 0 {
		return nil
	}
	var v interface{}
	if err := json.Unmarshal(raw, &v); err != nil {
		return raw
	}
	out, err := marshalSorted(v)
	if err != nil {
		return raw
	}
	return out
}

// marshalSorted is encoding/json's object marshaling (which already
// sorts map keys) applied recursively; arrays keep their order.
func marshalSorted(v interface{}) ([]byte, error) {
	switch t := v.(type) {
	case map[string]interface{}:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		var buf bytes.Buffer
		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			kb, _ := json.Marshal(k)
			buf.Write(kb)
			buf.WriteByte(':')
			vb, err := marshalSorted(t[k])
			if err != nil {
				return nil, err
			}
			buf.Write(vb)
		}
		buf.WriteByte('}')
		return buf.Bytes(), nil
	case []interface{}:
		var buf bytes.Buffer
		buf.WriteByte('[')
		for i, e := range t {
			if i > 0 {
				buf.WriteByte(',')
			}
			eb, err := marshalSorted(e)
			if err != nil {
				return nil, err
			}
			buf.Write(eb)
		}
		buf.WriteByte(']')
		return buf.Bytes(), nil
	default:
		return json.Marshal(v)
	}
}

// Propose records the action and runs the autonomy gate. AUTO actions
// execute before Propose returns; every other level parks in PENDING.
func (b *Bus) Propose(ctx context.Context, p Proposal) (*Decision, error) {
	cfg, ok := b.types[p.Type]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownType, p.Type)
	}

	key := ContentKey(p)
	if existing, err := b.db.GetActionByContentKey(ctx, key); err == nil {
		return &Decision{Action: existing, Reused: true}, nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("actions: propose lookup: %w", err)
	}

	now := time.Now().UTC()
	expiry := cfg.ExpiresIn
	if expiry <= 0 {
		expiry = b.opts.DefaultExpiry
	}
	expiresAt := now.Add(expiry)

	a := &store.Action{
		ID:          "act-" + uuid.NewString(),
		CaseID:      p.CaseID,
		Type:        p.Type,
		Payload:     p.Payload,
		Autonomy:    cfg.Autonomy,
		State:       store.ActionPending,
		RequestedBy: p.RequestedBy,
		ContentKey:  key,
		ExpiresAt:   &expiresAt,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := b.db.CreateAction(ctx, a); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			// Lost a race on the content key; the winner's row is ours.
			if existing, gerr := b.db.GetActionByContentKey(ctx, key); gerr == nil {
				return &Decision{Action: existing, Reused: true}, nil
			}
		}
		return nil, fmt.Errorf("actions: propose: %w", err)
	}

	b.audit(ctx, p.RequestedBy, "action_proposed", a, map[string]interface{}{
		"type": a.Type, "autonomy": string(a.Autonomy),
	})

	if cfg.Autonomy != store.AutonomyAuto {
		b.tel.Metrics.ActionDecisions.WithLabelValues(string(cfg.Autonomy), "pending").Inc()
		return &Decision{Action: a}, nil
	}

	// AUTO path: per-type limits first; a denied auto action does not
	// execute, it waits for a human like an APPROVAL one.
	if allowed, reason := b.withinLimits(ctx, p.Type, cfg); !allowed {
		b.tel.Metrics.ActionDecisions.WithLabelValues(string(cfg.Autonomy), "limited").Inc()
		b.audit(ctx, "actions", "action_auto_limited", a, map[string]interface{}{"reason": reason})
		return &Decision{Action: a}, nil
	}

	if err := b.execute(ctx, a, "auto"); err != nil {
		return &Decision{Action: a}, err
	}
	b.tel.Metrics.ActionDecisions.WithLabelValues(string(cfg.Autonomy), string(a.State)).Inc()
	return &Decision{Action: a, Executed: true}, nil
}

func (b *Bus) withinLimits(ctx context.Context, actionType string, cfg TypeConfig) (bool, string) {
	if b.limiter == nil {
		return true, ""
	}
	if cfg.MaxPerHour > 0 {
		ok, err := b.limiter.Allow(ctx, "action_hourly", actionType, cfg.MaxPerHour, time.Hour)
		if err == nil && !ok {
			return false, "max_per_hour"
		}
	}
	if cfg.MaxPerDay > 0 {
		ok, err := b.limiter.Allow(ctx, "action_daily", actionType, cfg.MaxPerDay, 24*time.Hour)
		if err == nil && !ok {
			return false, "max_per_day"
		}
	}
	return true, ""
}

// Confirm moves a DRAFT action to APPROVED and executes it.
func (b *Bus) Confirm(ctx context.Context, actionID, actor string) (*store.Action, error) {
	return b.approveAndRun(ctx, actionID, actor, store.AutonomyDraft)
}

// Approve moves an APPROVAL action to APPROVED and executes it.
// CRITICAL actions refuse plain approval.
func (b *Bus) Approve(ctx context.Context, actionID, actor string) (*store.Action, error) {
	a, err := b.db.GetAction(ctx, actionID)
	if err != nil {
		return nil, fmt.Errorf("actions: approve: %w", err)
	}
	if a.Autonomy == store.AutonomyCritical {
		b.audit(ctx, actor, "action_2fa_required", a, nil)
		return nil, ErrNeeds2FA
	}
	return b.approveAndRun(ctx, actionID, actor, a.Autonomy)
}

// Verify2FAAndApprove checks the actor's second factor, then approves
// and executes a CRITICAL action. Calling it again after execution is a
// no-op returning the executed action.
func (b *Bus) Verify2FAAndApprove(ctx context.Context, actionID, actor, code string) (*store.Action, error) {
	a, err := b.db.GetAction(ctx, actionID)
	if err != nil {
		return nil, fmt.Errorf("actions: 2fa approve: %w", err)
	}
	if a.State == store.ActionExecuted {
		return a, nil
	}
	if b.twoFA == nil || !b.twoFA.Verify(actor, code) {
		b.audit(ctx, actor, "action_2fa_rejected", a, nil)
		return nil, ErrBadCode
	}
	return b.approveAndRun(ctx, actionID, actor, store.AutonomyCritical)
}

func (b *Bus) approveAndRun(ctx context.Context, actionID, actor string, level store.Autonomy) (*store.Action, error) {
	a, err := b.db.GetAction(ctx, actionID)
	if err != nil {
		return nil, fmt.Errorf("actions: approve: %w", err)
	}
	if a.State == store.ActionExecuted {
		// Repeat approval of a finished action is an idempotent no-op.
		return a, nil
	}
	if a.State.Terminal() {
		return nil, fmt.Errorf("%w: %s is %s", ErrTerminal, a.ID, a.State)
	}
	if a.Autonomy != level {
		return nil, fmt.Errorf("actions: %s is %s, approval path mismatch", a.ID, a.Autonomy)
	}
	cfg := b.types[a.Type]
	if !cfg.SelfApprove && actor == a.RequestedBy && a.Autonomy != store.AutonomyDraft {
		return nil, ErrNotApprover
	}

	a.State = store.ActionApproved
	a.ApprovedBy = actor
	if err := b.db.UpdateAction(ctx, a); err != nil {
		return nil, fmt.Errorf("actions: approve: %w", err)
	}
	b.audit(ctx, actor, "action_approved", a, map[string]interface{}{"autonomy": string(a.Autonomy)})

	if err := b.execute(ctx, a, actor); err != nil {
		return a, err
	}
	b.tel.Metrics.ActionDecisions.WithLabelValues(string(a.Autonomy), string(a.State)).Inc()
	return a, nil
}

// Reject terminates a PENDING action.
func (b *Bus) Reject(ctx context.Context, actionID, actor, reason string) (*store.Action, error) {
	a, err := b.db.GetAction(ctx, actionID)
	if err != nil {
		return nil, fmt.Errorf("actions: reject: %w", err)
	}
	if a.State.Terminal() {
		return nil, fmt.Errorf("%w: %s is %s", ErrTerminal, a.ID, a.State)
	}
	a.State = store.ActionRejected
	a.RejectedFor = reason
	a.ApprovedBy = ""
	if err := b.db.UpdateAction(ctx, a); err != nil {
		return nil, fmt.Errorf("actions: reject: %w", err)
	}
	b.tel.Metrics.ActionDecisions.WithLabelValues(string(a.Autonomy), "rejected").Inc()
	b.audit(ctx, actor, "action_rejected", a, map[string]interface{}{"reason": reason})
	return a, nil
}

// DryRun resolves the proposal's handler and returns its plan without
// persisting anything or emitting effects.
func (b *Bus) DryRun(ctx context.Context, p Proposal) (json.RawMessage, error) {
	cfg, ok := b.types[p.Type]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownType, p.Type)
	}
	h, ok := b.handlers[cfg.Handler]
	if !ok {
		return nil, fmt.Errorf("actions: no handler %q for type %s", cfg.Handler, p.Type)
	}
	return h.Plan(ctx, &store.Action{
		Type: p.Type, Payload: p.Payload, Autonomy: cfg.Autonomy,
		RequestedBy: p.RequestedBy,
	})
}

// ProcessExpired marks PENDING actions past their expiry as EXPIRED.
func (b *Bus) ProcessExpired(ctx context.Context) (int, error) {
	expired, err := b.db.ListExpiredPending(ctx, time.Now().UTC())
	if err != nil {
		return 0, fmt.Errorf("actions: expire scan: %w", err)
	}
	var n int
	for _, a := range expired {
		a.State = store.ActionExpired
		if err := b.db.UpdateAction(ctx, a); err != nil {
			b.tel.Logger.Error("expire update failed", "action", a.ID, "error", err)
			continue
		}
		n++
		b.tel.Metrics.ActionDecisions.WithLabelValues(string(a.Autonomy), "expired").Inc()
		b.audit(ctx, "actions", "action_expired", a, nil)
	}
	return n, nil
}

// executionFingerprint identifies one action execution regardless of how
// many times callers retry it.
func executionFingerprint(a *store.Action) string {
	h := sha256.New()
	h.Write([]byte(a.ID))
	h.Write([]byte{0})
	h.Write(canonicalJSON(a.Payload))
	return hex.EncodeToString(h.Sum(nil))
}

// execute runs the action's handler exactly once per fingerprint. The
// fingerprint row is reserved before any external effect.
func (b *Bus) execute(ctx context.Context, a *store.Action, actor string) error {
	cfg := b.types[a.Type]
	h, ok := b.handlers[cfg.Handler]
	if !ok {
		a.State = store.ActionFailed
		a.Result = mustJSON(map[string]string{"error": "no handler " + cfg.Handler})
		_ = b.db.UpdateAction(ctx, a)
		return fmt.Errorf("actions: no handler %q for type %s", cfg.Handler, a.Type)
	}

	fp := executionFingerprint(a)
	created, prior, err := b.db.ReserveExecution(ctx, fp, a.ID)
	if err != nil {
		return fmt.Errorf("actions: reserve execution: %w", err)
	}
	if !created {
		if prior.Done {
			// Already executed; adopt the recorded result.
			if a.State != store.ActionExecuted {
				now := time.Now().UTC()
				a.State = store.ActionExecuted
				a.Result = prior.Result
				a.ExecutedAt = &now
				_ = b.db.UpdateAction(ctx, a)
			}
			return nil
		}
		if time.Since(prior.At) < b.opts.InFlightGrace {
			return fmt.Errorf("%w: fingerprint %s", ErrInFlight, fp)
		}
		// Stale unfinished reservation: a previous process died between
		// reserve and complete. Proceed; handlers are expected to be
		// idempotent at the integration level for exactly this window.
		b.tel.Logger.Warn("reclaiming stale execution reservation",
			"action", a.ID, "age", time.Since(prior.At))
	}

	a.State = store.ActionExecuting
	if err := b.db.UpdateAction(ctx, a); err != nil {
		return fmt.Errorf("actions: execute: %w", err)
	}

	result, execErr := h.Execute(ctx, a)
	now := time.Now().UTC()
	if execErr != nil {
		a.State = store.ActionFailed
		a.Result = mustJSON(map[string]string{"error": execErr.Error()})
		if err := b.db.UpdateAction(ctx, a); err != nil {
			b.tel.Logger.Error("failed-state write lost", "action", a.ID, "error", err)
		}
		_ = b.db.CompleteExecution(ctx, fp, a.Result)
		b.audit(ctx, actor, "action_failed", a, map[string]interface{}{"error": execErr.Error()})
		return fmt.Errorf("actions: execute %s: %w", a.ID, execErr)
	}

	a.State = store.ActionExecuted
	a.Result = result
	a.ExecutedAt = &now
	if err := b.db.UpdateAction(ctx, a); err != nil {
		return fmt.Errorf("actions: record result: %w", err)
	}
	if err := b.db.CompleteExecution(ctx, fp, result); err != nil {
		b.tel.Logger.Error("execution completion write failed", "action", a.ID, "error", err)
	}
	b.audit(ctx, actor, "action_executed", a, nil)
	return nil
}

// Get returns one action.
func (b *Bus) Get(ctx context.Context, actionID string) (*store.Action, error) {
	return b.db.GetAction(ctx, actionID)
}

func (b *Bus) audit(ctx context.Context, actor, action string, a *store.Action, payload map[string]interface{}) {
	b.tel.Audit.Record(ctx, telemetry.AuditEntry{
		Actor: actor, Action: action,
		TargetType: "action", TargetID: a.ID,
		Payload: payload,
	})
}

func mustJSON(v interface{}) json.RawMessage {
	out, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage(`{}`)
	}
	return out
}
