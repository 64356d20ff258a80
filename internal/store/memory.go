package store

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"time"
)

// Memory is the in-process Store. Tests run against it, and a platform
// started without a database address gets it as a degraded mode: fully
// functional, nothing survives a restart.
type Memory struct {
	mu sync.RWMutex

	runs        map[string]*Run
	lastRuns    map[string][2]string // detector -> {run id, status}
	findings    map[string]*Finding
	alerts      map[string]*Alert
	cases       map[string]*Case
	transitions map[string][]*Transition
	actions     map[string]*Action
	byContent   map[string]string // content key -> action id
	executions  map[string]*Execution
	optOuts     map[string]time.Time // recipient|category
	payments    map[string]*PaymentLink
	audits      []auditRow
}

type auditRow struct {
	at         time.Time
	actor      string
	action     string
	targetType string
	targetID   string
	payload    json.RawMessage
}

// NewMemory creates an empty in-process store.
func NewMemory() *Memory {
	return &Memory{
		runs:        make(map[string]*Run),
		lastRuns:    make(map[string][2]string),
		findings:    make(map[string]*Finding),
		alerts:      make(map[string]*Alert),
		cases:       make(map[string]*Case),
		transitions: make(map[string][]*Transition),
		actions:     make(map[string]*Action),
		byContent:   make(map[string]string),
		executions:  make(map[string]*Execution),
		optOuts:     make(map[string]time.Time),
		payments:    make(map[string]*PaymentLink),
	}
}

func (m *Memory) Ping(context.Context) error { return nil }
func (m *Memory) Close() error               { return nil }

// ---- runs ----

func (m *Memory) CreateRun(_ context.Context, r *Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.runs[r.ID]; ok {
		return ErrDuplicate
	}
	cp := *r
	m.runs[r.ID] = &cp
	return nil
}

func (m *Memory) FinishRun(_ context.Context, r *Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.runs[r.ID]; !ok {
		return ErrNotFound
	}
	cp := *r
	m.runs[r.ID] = &cp
	return nil
}

func (m *Memory) GetRun(_ context.Context, id string) (*Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.runs[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (m *Memory) SetDetectorLastRun(_ context.Context, detectorID, runID string, status RunStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastRuns[detectorID] = [2]string{runID, string(status)}
	return nil
}

func (m *Memory) GetDetectorLastRun(_ context.Context, detectorID string) (string, RunStatus, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	lr, ok := m.lastRuns[detectorID]
	if !ok {
		return "", "", ErrNotFound
	}
	return lr[0], RunStatus(lr[1]), nil
}

// ---- findings ----

func (m *Memory) InsertFindings(_ context.Context, findings []*Finding) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, f := range findings {
		cp := *f
		m.findings[f.ID] = &cp
	}
	return nil
}

func (m *Memory) UpdateFindingStatus(_ context.Context, id string, status FindingStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.findings[id]
	if !ok {
		return ErrNotFound
	}
	f.Status = status
	return nil
}

func (m *Memory) ListFindings(_ context.Context, runID string) ([]*Finding, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Finding
	for _, f := range m.findings {
		if f.RunID == runID {
			cp := *f
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// ---- alerts ----

func (m *Memory) CreateAlert(_ context.Context, a *Alert) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.alerts[a.ID]; ok {
		return ErrDuplicate
	}
	cp := *a
	m.alerts[a.ID] = &cp
	return nil
}

func (m *Memory) UpdateAlertState(_ context.Context, id string, state AlertState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.alerts[id]
	if !ok {
		return ErrNotFound
	}
	a.State = state
	return nil
}

func (m *Memory) ListAlerts(_ context.Context, state AlertState, limit int) ([]*Alert, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Alert
	for _, a := range m.alerts {
		if state == "" || a.State == state {
			cp := *a
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ---- cases ----

func (m *Memory) CreateCase(_ context.Context, c *Case) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.cases[c.ID]; ok {
		return ErrDuplicate
	}
	cp := *c
	m.cases[c.ID] = &cp
	return nil
}

func (m *Memory) GetCase(_ context.Context, id string) (*Case, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.cases[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (m *Memory) UpdateCase(_ context.Context, c *Case) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.cases[c.ID]
	if !ok {
		return ErrNotFound
	}
	if cur.Version != c.Version {
		return ErrVersionConflict
	}
	cp := *c
	cp.Version++
	cp.UpdatedAt = time.Now().UTC()
	m.cases[c.ID] = &cp
	c.Version = cp.Version
	c.UpdatedAt = cp.UpdatedAt
	return nil
}

func (m *Memory) FindOpenCaseByScope(_ context.Context, scopeKey string, since time.Time) (*Case, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, c := range m.cases {
		if c.State != "CLOSED" && c.Scope.Key() == scopeKey && c.CreatedAt.After(since) {
			cp := *c
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *Memory) ListCases(_ context.Context, state string, limit int) ([]*Case, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Case
	for _, c := range m.cases {
		if state == "" || c.State == state {
			cp := *c
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) AppendTransition(_ context.Context, t *Transition) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *t
	m.transitions[t.CaseID] = append(m.transitions[t.CaseID], &cp)
	return nil
}

func (m *Memory) ListTransitions(_ context.Context, caseID string) ([]*Transition, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	src := m.transitions[caseID]
	out := make([]*Transition, len(src))
	for i, t := range src {
		cp := *t
		out[i] = &cp
	}
	return out, nil
}

// ---- actions ----

func (m *Memory) CreateAction(_ context.Context, a *Action) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.actions[a.ID]; ok {
		return ErrDuplicate
	}
	if id, ok := m.byContent[a.ContentKey]; ok && a.ContentKey != "" {
		_ = id
		return ErrDuplicate
	}
	cp := *a
	m.actions[a.ID] = &cp
	if a.ContentKey != "" {
		m.byContent[a.ContentKey] = a.ID
	}
	return nil
}

func (m *Memory) GetAction(_ context.Context, id string) (*Action, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.actions[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func (m *Memory) GetActionByContentKey(_ context.Context, key string) (*Action, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.byContent[key]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *m.actions[id]
	return &cp, nil
}

func (m *Memory) UpdateAction(_ context.Context, a *Action) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.actions[a.ID]; !ok {
		return ErrNotFound
	}
	cp := *a
	cp.UpdatedAt = time.Now().UTC()
	m.actions[a.ID] = &cp
	a.UpdatedAt = cp.UpdatedAt
	return nil
}

func (m *Memory) ListExpiredPending(_ context.Context, now time.Time) ([]*Action, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Action
	for _, a := range m.actions {
		if a.State == ActionPending && a.ExpiresAt != nil && a.ExpiresAt.Before(now) {
			cp := *a
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *Memory) ReserveExecution(_ context.Context, fingerprint, actionID string) (bool, *Execution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.executions[fingerprint]; ok {
		cp := *e
		return false, &cp, nil
	}
	e := &Execution{Fingerprint: fingerprint, ActionID: actionID, At: time.Now().UTC()}
	m.executions[fingerprint] = e
	return true, nil, nil
}

func (m *Memory) CompleteExecution(_ context.Context, fingerprint string, result json.RawMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.executions[fingerprint]
	if !ok {
		return ErrNotFound
	}
	e.Done = true
	e.Result = append(json.RawMessage(nil), result...)
	return nil
}

// ---- opt-outs ----

func optOutKey(recipient, category string) string {
	return strings.ToLower(recipient) + "|" + category
}

func (m *Memory) IsOptedOut(_ context.Context, recipient, category string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if _, ok := m.optOuts[optOutKey(recipient, category)]; ok {
		return true, nil
	}
	// A blanket opt-out covers every category.
	_, ok := m.optOuts[optOutKey(recipient, "all")]
	return ok, nil
}

func (m *Memory) SetOptOut(_ context.Context, recipient, category string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.optOuts[optOutKey(recipient, category)] = time.Now().UTC()
	return nil
}

func (m *Memory) RemoveOptOut(_ context.Context, recipient, category string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.optOuts, optOutKey(recipient, category))
	return nil
}

// ---- payment links ----

func paymentKey(provider, externalID string) string { return provider + "|" + externalID }

func (m *Memory) UpsertPaymentLink(_ context.Context, p *PaymentLink) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *p
	cp.UpdatedAt = time.Now().UTC()
	m.payments[paymentKey(p.Provider, p.ExternalID)] = &cp
	return nil
}

func (m *Memory) GetPaymentByExternalID(_ context.Context, provider, externalID string) (*PaymentLink, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.payments[paymentKey(provider, externalID)]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *p
	return &cp, nil
}

// ---- audit trail ----

func (m *Memory) InsertAudit(_ context.Context, at time.Time, actor, action, targetType, targetID string, payload json.RawMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.audits = append(m.audits, auditRow{
		at: at, actor: actor, action: action,
		targetType: targetType, targetID: targetID,
		payload: append(json.RawMessage(nil), payload...),
	})
	return nil
}

// AuditCount reports how many audit rows were written. Test helper.
func (m *Memory) AuditCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.audits)
}
