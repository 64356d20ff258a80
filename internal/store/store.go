// Package store is the relational persistence layer behind the
// intelligence tier and the payment flow: detector runs, findings,
// alerts, cases and their transition log, actions and their execution
// records, opt-outs, and payment links.
//
// Two implementations share the Store interface: Postgres for
// production and Memory for tests and for running the platform without
// a database. The hot-path coordination state (locks, rate windows,
// queues) never lives here; that is the KV store's job.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when the requested record does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrVersionConflict is returned by UpdateCase when the case row
	// changed since it was read. Callers re-read and retry.
	ErrVersionConflict = errors.New("store: version conflict")

	// ErrDuplicate is returned when a unique constraint rejects a write.
	ErrDuplicate = errors.New("store: duplicate")
)

// Severity ranks findings, alerts, and cases.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Scope pins a record to the slice of the business it concerns.
type Scope struct {
	Branch   string `json:"branch,omitempty"`
	Employee string `json:"employee,omitempty"`
	Product  string `json:"product,omitempty"`
	DateFrom string `json:"date_from,omitempty"`
	DateTo   string `json:"date_to,omitempty"`
}

// Key flattens the scope into a stable string used for case suppression
// and alert fingerprints. Date range is intentionally excluded: two runs
// over different days looking at the same branch/employee/product are
// the same investigation subject.
func (s Scope) Key() string {
	return s.Branch + "|" + s.Employee + "|" + s.Product
}

// RunStatus is the lifecycle of one detector execution.
type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
	RunCancelled RunStatus = "cancelled"
)

// Run is one detector execution with its outcome counters.
type Run struct {
	ID            string     `json:"run_id"`
	DetectorID    string     `json:"detector_id"`
	Scope         Scope      `json:"scope"`
	StartedAt     time.Time  `json:"started_at"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
	Status        RunStatus  `json:"status"`
	DurationMS    int64      `json:"duration_ms"`
	InputRowCount int        `json:"input_row_count"`
	FindingsCount int        `json:"findings_count"`
	AlertsCreated int        `json:"alerts_created"`
	CasesCreated  int        `json:"cases_created"`
	Error         string     `json:"error,omitempty"`
}

// FindingStatus tracks what became of a finding.
type FindingStatus string

const (
	FindingNew          FindingStatus = "new"
	FindingLabeled      FindingStatus = "labeled"
	FindingConverted    FindingStatus = "converted"
	FindingDismissed    FindingStatus = "dismissed"
	FindingAcknowledged FindingStatus = "acknowledged"
)

// MetricSnapshot freezes the measured value a finding is about.
type MetricSnapshot struct {
	ID           string  `json:"id"`
	Value        float64 `json:"value"`
	Baseline     float64 `json:"baseline"`
	DeviationPct float64 `json:"deviation_pct"`
}

// Finding is one analytical observation emitted by a detector run.
type Finding struct {
	ID          string          `json:"finding_id"`
	RunID       string          `json:"run_id"`
	DetectorID  string          `json:"detector_id"`
	Type        string          `json:"finding_type"`
	Severity    Severity        `json:"severity"`
	Confidence  float64         `json:"confidence"`
	Title       string          `json:"title"`
	Description string          `json:"description"`
	Evidence    json.RawMessage `json:"evidence,omitempty"`
	Scope       Scope           `json:"scope"`
	Metric      MetricSnapshot  `json:"metric"`
	Status      FindingStatus   `json:"status"`
	CreatedAt   time.Time       `json:"created_at"`
}

// AlertState is the lifecycle of a user-visible alert.
type AlertState string

const (
	AlertActive       AlertState = "active"
	AlertAcknowledged AlertState = "acknowledged"
	AlertResolved     AlertState = "resolved"
	AlertExpired      AlertState = "expired"
)

// Alert is a user-visible notification promoted from a finding.
type Alert struct {
	ID          string     `json:"alert_id"`
	DetectorID  string     `json:"detector_id"`
	Severity    Severity   `json:"severity"`
	Title       string     `json:"title"`
	Message     string     `json:"message"`
	Scope       Scope      `json:"scope"`
	State       AlertState `json:"state"`
	Fingerprint string     `json:"fingerprint"`
	CreatedAt   time.Time  `json:"created_at"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
}

// Case is a long-running investigation. State values and the legal
// transitions between them are owned by the cases package; the store
// persists them as opaque strings and guards concurrent writers with
// the Version column.
type Case struct {
	ID          string            `json:"case_id"`
	Type        string            `json:"case_type"`
	Severity    Severity          `json:"severity"`
	Title       string            `json:"title"`
	Description string            `json:"description"`
	Scope       Scope             `json:"scope"`
	State       string            `json:"state"`
	Evidence    []json.RawMessage `json:"evidence,omitempty"`
	Hypotheses  []string          `json:"hypotheses,omitempty"`
	Diagnosis   string            `json:"diagnosis,omitempty"`
	DetectorID  string            `json:"detector_id,omitempty"`
	RunID       string            `json:"run_id,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
	Version     int64             `json:"version"`
}

// Transition is one append-only case state change.
type Transition struct {
	CaseID    string          `json:"case_id"`
	FromState string          `json:"from_state"`
	ToState   string          `json:"to_state"`
	Event     string          `json:"event"`
	Actor     string          `json:"actor"`
	Context   json.RawMessage `json:"context,omitempty"`
	At        time.Time       `json:"at"`
}

// Autonomy is how much human sign-off an action needs before execution.
type Autonomy string

const (
	AutonomyAuto     Autonomy = "AUTO"
	AutonomyDraft    Autonomy = "DRAFT"
	AutonomyApproval Autonomy = "APPROVAL"
	AutonomyCritical Autonomy = "CRITICAL"
)

// ActionState is the lifecycle of a proposed action.
type ActionState string

const (
	ActionPending   ActionState = "PENDING"
	ActionApproved  ActionState = "APPROVED"
	ActionRejected  ActionState = "REJECTED"
	ActionExecuting ActionState = "EXECUTING"
	ActionExecuted  ActionState = "EXECUTED"
	ActionFailed    ActionState = "FAILED"
	ActionExpired   ActionState = "EXPIRED"
	ActionCancelled ActionState = "CANCELLED"
)

// Terminal reports whether the state admits no further mutation.
func (s ActionState) Terminal() bool {
	switch s {
	case ActionExecuted, ActionFailed, ActionRejected, ActionExpired, ActionCancelled:
		return true
	}
	return false
}

// Action is one proposed operational effect, gated by autonomy level.
// ContentKey is the deterministic hash of (type, canonical payload,
// requested_by, idempotency key) that makes Propose idempotent.
type Action struct {
	ID          string          `json:"action_id"`
	CaseID      string          `json:"case_id,omitempty"`
	Type        string          `json:"action_type"`
	Payload     json.RawMessage `json:"payload"`
	Autonomy    Autonomy        `json:"autonomy_level"`
	State       ActionState     `json:"state"`
	RequestedBy string          `json:"requested_by"`
	ApprovedBy  string          `json:"approved_by,omitempty"`
	RejectedFor string          `json:"rejected_for,omitempty"`
	ContentKey  string          `json:"content_key"`
	ExecutedAt  *time.Time      `json:"executed_at,omitempty"`
	Result      json.RawMessage `json:"result,omitempty"`
	ExpiresAt   *time.Time      `json:"expires_at,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// Execution is the idempotency record written before an action's
// external effect. Done flips once the result is known; a crash in
// between leaves Done=false, which a repeat execution may claim.
type Execution struct {
	Fingerprint string          `json:"fingerprint"`
	ActionID    string          `json:"action_id"`
	Done        bool            `json:"done"`
	Result      json.RawMessage `json:"result,omitempty"`
	At          time.Time       `json:"at"`
}

// PaymentLink ties a provider payment to an order and a conversation.
type PaymentLink struct {
	OrderID        string     `json:"order_id"`
	Provider       string     `json:"provider"`
	ExternalID     string     `json:"external_id"`
	URL            string     `json:"url"`
	Status         string     `json:"status"`
	AmountCents    int64      `json:"amount_cents"`
	AccountID      string     `json:"account_id"`
	ConversationID string     `json:"conversation_id"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
	ExpiresAt      *time.Time `json:"expires_at,omitempty"`
}

// Store is the persistence surface the core consumes. Every method is
// safe for concurrent use.
type Store interface {
	Ping(ctx context.Context) error
	Close() error

	// Runs
	CreateRun(ctx context.Context, r *Run) error
	FinishRun(ctx context.Context, r *Run) error
	GetRun(ctx context.Context, id string) (*Run, error)
	SetDetectorLastRun(ctx context.Context, detectorID, runID string, status RunStatus) error
	GetDetectorLastRun(ctx context.Context, detectorID string) (runID string, status RunStatus, err error)

	// Findings
	InsertFindings(ctx context.Context, findings []*Finding) error
	UpdateFindingStatus(ctx context.Context, id string, status FindingStatus) error
	ListFindings(ctx context.Context, runID string) ([]*Finding, error)

	// Alerts
	CreateAlert(ctx context.Context, a *Alert) error
	UpdateAlertState(ctx context.Context, id string, state AlertState) error
	ListAlerts(ctx context.Context, state AlertState, limit int) ([]*Alert, error)

	// Cases
	CreateCase(ctx context.Context, c *Case) error
	GetCase(ctx context.Context, id string) (*Case, error)
	// UpdateCase writes the case iff the stored version still equals
	// c.Version, then increments it. ErrVersionConflict otherwise.
	UpdateCase(ctx context.Context, c *Case) error
	FindOpenCaseByScope(ctx context.Context, scopeKey string, since time.Time) (*Case, error)
	ListCases(ctx context.Context, state string, limit int) ([]*Case, error)
	AppendTransition(ctx context.Context, t *Transition) error
	ListTransitions(ctx context.Context, caseID string) ([]*Transition, error)

	// Actions
	CreateAction(ctx context.Context, a *Action) error
	GetAction(ctx context.Context, id string) (*Action, error)
	GetActionByContentKey(ctx context.Context, key string) (*Action, error)
	UpdateAction(ctx context.Context, a *Action) error
	ListExpiredPending(ctx context.Context, now time.Time) ([]*Action, error)
	// ReserveExecution claims the fingerprint. created=false returns the
	// existing record so callers can short-circuit to its result.
	ReserveExecution(ctx context.Context, fingerprint, actionID string) (created bool, prior *Execution, err error)
	CompleteExecution(ctx context.Context, fingerprint string, result json.RawMessage) error

	// Opt-outs
	IsOptedOut(ctx context.Context, recipient, category string) (bool, error)
	SetOptOut(ctx context.Context, recipient, category string) error
	RemoveOptOut(ctx context.Context, recipient, category string) error

	// Payment links
	UpsertPaymentLink(ctx context.Context, p *PaymentLink) error
	GetPaymentByExternalID(ctx context.Context, provider, externalID string) (*PaymentLink, error)

	// Audit trail (long-term; the in-memory ring in telemetry is the
	// short-term view)
	InsertAudit(ctx context.Context, at time.Time, actor, action, targetType, targetID string, payload json.RawMessage) error
}
