package cases

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/kisslabs/platform/internal/locks"
	"github.com/kisslabs/platform/internal/store"
	"github.com/kisslabs/platform/internal/telemetry"
)

// Persistence is the slice of the store the case service writes through.
type Persistence interface {
	CreateCase(ctx context.Context, c *store.Case) error
	GetCase(ctx context.Context, id string) (*store.Case, error)
	UpdateCase(ctx context.Context, c *store.Case) error
	AppendTransition(ctx context.Context, t *store.Transition) error
	ListTransitions(ctx context.Context, caseID string) ([]*store.Transition, error)
}

// Context is the optional structured payload accompanying a transition.
// Non-empty fields are folded into the case; the whole thing lands in
// the transition record.
type Context struct {
	Note       string          `json:"note,omitempty"`
	Evidence   json.RawMessage `json:"evidence,omitempty"`
	Hypothesis string          `json:"hypothesis,omitempty"`
	Diagnosis  string          `json:"diagnosis,omitempty"`
}

// Service advances cases through the lifecycle graph. All writes to one
// case are serialized by a short case-scoped lock, so the version check
// in the store only fires when a writer outside this service races us.
type Service struct {
	db    Persistence
	locks *locks.Manager
	tel   *telemetry.Telemetry
}

// NewService wires the case service.
func NewService(db Persistence, lm *locks.Manager, tel *telemetry.Telemetry) *Service {
	if tel == nil {
		tel = telemetry.Nop()
	}
	return &Service{db: db, locks: lm, tel: tel}
}

// OpenParams describes a new case.
type OpenParams struct {
	Type        string
	Severity    store.Severity
	Title       string
	Description string
	Scope       store.Scope
	DetectorID  string
	RunID       string
	Evidence    json.RawMessage
}

// Open creates a case in OPEN and returns it.
func (s *Service) Open(ctx context.Context, p OpenParams) (*store.Case, error) {
	now := time.Now().UTC()
	c := &store.Case{
		ID:          "case-" + uuid.NewString(),
		Type:        p.Type,
		Severity:    p.Severity,
		Title:       p.Title,
		Description: p.Description,
		Scope:       p.Scope,
		State:       string(StateOpen),
		DetectorID:  p.DetectorID,
		RunID:       p.RunID,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if len(p.Evidence) > 0 {
		c.Evidence = []json.RawMessage{p.Evidence}
	}
	if err := s.db.CreateCase(ctx, c); err != nil {
		return nil, fmt.Errorf("cases: create: %w", err)
	}

	source := p.DetectorID
	if source == "" {
		source = "manual"
	}
	s.tel.Metrics.CasesCreated.WithLabelValues(source).Inc()
	s.tel.Audit.Record(ctx, telemetry.AuditEntry{
		Actor: source, Action: "case_opened",
		TargetType: "case", TargetID: c.ID,
		Payload: map[string]interface{}{"type": c.Type, "severity": string(c.Severity)},
	})
	return c, nil
}

// lockName scopes the short transition lock to one case.
func lockName(caseID string) string { return "case:" + caseID }

// Transition validates and applies one event, appends the transition
// record, and returns the updated case. The error is an
// *InvalidTransitionError when the event is not legal from the current
// state.
func (s *Service) Transition(ctx context.Context, caseID string, event Event, actor string, tctx Context) (*store.Case, error) {
	var out *store.Case
	outcome, err := s.locks.WithLock(ctx, lockName(caseID), locks.Options{
		TTL:         5 * time.Second,
		WaitTimeout: 2 * time.Second,
	}, func(ctx context.Context) error {
		var err error
		out, err = s.transitionLocked(ctx, caseID, event, actor, tctx)
		return err
	})
	if err != nil {
		return nil, err
	}
	if outcome.Stale {
		// The lock expired mid-transition. The write is committed; the
		// audit trail flags it so operators can review the race.
		s.tel.Audit.Record(ctx, telemetry.AuditEntry{
			Actor: actor, Action: "case_transition_stale",
			TargetType: "case", TargetID: caseID,
			Payload: map[string]interface{}{"event": string(event)},
		})
	}
	return out, nil
}

func (s *Service) transitionLocked(ctx context.Context, caseID string, event Event, actor string, tctx Context) (*store.Case, error) {
	for attempt := 0; ; attempt++ {
		c, err := s.db.GetCase(ctx, caseID)
		if err != nil {
			return nil, fmt.Errorf("cases: transition %s: %w", caseID, err)
		}

		from := State(c.State)
		to, err := Next(from, event)
		if err != nil {
			s.tel.Logger.Warn("illegal case transition rejected",
				"case", caseID, "from", string(from), "event", string(event))
			return nil, err
		}

		c.State = string(to)
		if len(tctx.Evidence) > 0 {
			c.Evidence = append(c.Evidence, tctx.Evidence)
		}
		if tctx.Hypothesis != "" {
			c.Hypotheses = append(c.Hypotheses, tctx.Hypothesis)
		}
		if tctx.Diagnosis != "" {
			c.Diagnosis = tctx.Diagnosis
		}

		if err := s.db.UpdateCase(ctx, c); err != nil {
			// A writer outside the case lock moved the version. Re-read
			// and re-validate once; a second conflict is surfaced.
			if errors.Is(err, store.ErrVersionConflict) && attempt == 0 {
				continue
			}
			return nil, fmt.Errorf("cases: transition %s: %w", caseID, err)
		}

		record := &store.Transition{
			CaseID:    caseID,
			FromState: string(from),
			ToState:   string(to),
			Event:     string(event),
			Actor:     actor,
			At:        time.Now().UTC(),
		}
		if tctx.Note != "" || tctx.Hypothesis != "" || tctx.Diagnosis != "" || len(tctx.Evidence) > 0 {
			if raw, err := json.Marshal(tctx); err == nil {
				record.Context = raw
			}
		}
		if err := s.db.AppendTransition(ctx, record); err != nil {
			return nil, fmt.Errorf("cases: transition log %s: %w", caseID, err)
		}

		s.tel.Metrics.CaseTransitions.WithLabelValues(string(event)).Inc()
		s.tel.Audit.Record(ctx, telemetry.AuditEntry{
			Actor: actor, Action: "case_transition",
			TargetType: "case", TargetID: caseID,
			Payload: map[string]interface{}{
				"from": string(from), "to": string(to), "event": string(event),
			},
		})
		return c, nil
	}
}

// History returns the transition log, oldest first.
func (s *Service) History(ctx context.Context, caseID string) ([]*store.Transition, error) {
	return s.db.ListTransitions(ctx, caseID)
}
