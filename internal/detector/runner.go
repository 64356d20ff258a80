package detector

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kisslabs/platform/internal/cases"
	"github.com/kisslabs/platform/internal/ratelimit"
	"github.com/kisslabs/platform/internal/store"
	"github.com/kisslabs/platform/internal/telemetry"
)

// caseSuppressionWindow is how far back a non-closed case for the same
// scope suppresses a new one.
const caseSuppressionWindow = 7 * 24 * time.Hour

// Persistence is the slice of the store the runner writes through.
type Persistence interface {
	CreateRun(ctx context.Context, r *store.Run) error
	FinishRun(ctx context.Context, r *store.Run) error
	SetDetectorLastRun(ctx context.Context, detectorID, runID string, status store.RunStatus) error
	InsertFindings(ctx context.Context, findings []*store.Finding) error
	UpdateFindingStatus(ctx context.Context, id string, status store.FindingStatus) error
	CreateAlert(ctx context.Context, a *store.Alert) error
	FindOpenCaseByScope(ctx context.Context, scopeKey string, since time.Time) (*store.Case, error)
}

// Runner executes detectors and promotes their findings.
type Runner struct {
	db      Persistence
	loader  InputLoader
	cases   *cases.Service
	limiter *ratelimit.Limiter
	tel     *telemetry.Telemetry

	mu        sync.RWMutex
	detectors map[string]Detector
}

// NewRunner wires the runner. Detectors register afterwards.
func NewRunner(db Persistence, loader InputLoader, caseSvc *cases.Service, limiter *ratelimit.Limiter, tel *telemetry.Telemetry) *Runner {
	if tel == nil {
		tel = telemetry.Nop()
	}
	return &Runner{
		db: db, loader: loader, cases: caseSvc, limiter: limiter, tel: tel,
		detectors: make(map[string]Detector),
	}
}

// Register adds a detector. Later registrations with the same id win,
// so a registry refresh can swap implementations.
func (r *Runner) Register(d Detector) {
	r.mu.Lock()
	r.detectors[d.Spec().ID] = d
	r.mu.Unlock()
}

// Get resolves a registered detector.
func (r *Runner) Get(id string) (Detector, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.detectors[id]
	return d, ok
}

// IDs lists registered detector ids, sorted.
func (r *Runner) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.detectors))
	for id := range r.detectors {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Execute runs one detector over a scope. The returned Run reflects the
// final state; a failed analysis returns both the failed Run and the
// error; nothing is swallowed.
func (r *Runner) Execute(ctx context.Context, detectorID string, scope store.Scope) (*store.Run, error) {
	d, ok := r.Get(detectorID)
	if !ok {
		return nil, fmt.Errorf("detector: unknown detector %q", detectorID)
	}
	spec := d.Spec()

	run := &store.Run{
		ID:         "run-" + uuid.NewString(),
		DetectorID: spec.ID,
		Scope:      scope,
		StartedAt:  time.Now().UTC(),
		Status:     store.RunRunning,
	}
	if err := r.db.CreateRun(ctx, run); err != nil {
		return nil, fmt.Errorf("detector %s: create run: %w", spec.ID, err)
	}

	logger := r.tel.LoggerFor(ctx).With("detector", spec.ID, "run", run.ID)
	logger.Info("detector run started", "scope", scope.Key())

	if err := r.runOnce(ctx, d, spec, run, logger); err != nil {
		r.finalize(ctx, run, store.RunFailed, err)
		r.tel.Metrics.DetectorRuns.WithLabelValues(spec.ID, "failed").Inc()
		return run, err
	}

	r.finalize(ctx, run, store.RunCompleted, nil)
	r.tel.Metrics.DetectorRuns.WithLabelValues(spec.ID, "completed").Inc()
	r.tel.Metrics.DetectorDuration.WithLabelValues(spec.ID).Observe(float64(run.DurationMS) / 1000)
	logger.Info("detector run completed",
		"findings", run.FindingsCount, "alerts", run.AlertsCreated,
		"cases", run.CasesCreated, "duration_ms", run.DurationMS)
	return run, nil
}

func (r *Runner) runOnce(ctx context.Context, d Detector, spec Spec, run *store.Run, logger *slog.Logger) error {
	inputs, err := r.loader.Load(ctx, spec.InputDataProducts, run.Scope)
	if err != nil {
		return fmt.Errorf("detector %s: load inputs: %w", spec.ID, err)
	}
	run.InputRowCount = inputs.RowCount()

	findings, err := d.Analyze(ctx, inputs, run.Scope)
	if err != nil {
		return fmt.Errorf("detector %s: analyze: %w", spec.ID, err)
	}

	now := time.Now().UTC()
	for _, f := range findings {
		if f.ID == "" {
			f.ID = "fnd-" + uuid.NewString()
		}
		f.RunID = run.ID
		f.DetectorID = spec.ID
		if f.Status == "" {
			f.Status = store.FindingNew
		}
		if f.CreatedAt.IsZero() {
			f.CreatedAt = now
		}
		r.tel.Metrics.FindingsEmitted.WithLabelValues(spec.ID, string(f.Severity)).Inc()
	}
	if err := r.db.InsertFindings(ctx, findings); err != nil {
		return fmt.Errorf("detector %s: persist findings: %w", spec.ID, err)
	}
	run.FindingsCount = len(findings)

	for _, f := range findings {
		promoted, err := r.promote(ctx, spec, run, f)
		if err != nil {
			// Promotion failures degrade to un-promoted findings rather
			// than failing the run; the finding row is already durable.
			logger.Warn("finding promotion failed", "finding", f.ID, "error", err)
			continue
		}
		if promoted {
			if err := r.db.UpdateFindingStatus(ctx, f.ID, store.FindingConverted); err != nil {
				logger.Warn("finding status update failed", "finding", f.ID, "error", err)
			}
		}
	}
	return nil
}

// fingerprint is the deterministic dedupe key for an alert: detector,
// finding type, and scope, not the measured values, which wobble.
func fingerprint(detectorID string, f *store.Finding) string {
	h := sha256.New()
	h.Write([]byte(detectorID))
	h.Write([]byte{0})
	h.Write([]byte(f.Type))
	h.Write([]byte{0})
	h.Write([]byte(f.Scope.Key()))
	return hex.EncodeToString(h.Sum(nil))[:16]
}

func (r *Runner) promote(ctx context.Context, spec Spec, run *store.Run, f *store.Finding) (bool, error) {
	if f.Status == store.FindingConverted {
		return false, nil
	}
	var promoted bool

	wantAlert := spec.OutputType == OutputAlert ||
		f.Severity == store.SeverityHigh || f.Severity == store.SeverityCritical
	if wantAlert {
		ok, err := r.promoteAlert(ctx, spec, run, f)
		if err != nil {
			return promoted, err
		}
		if ok {
			run.AlertsCreated++
			promoted = true
		}
	}

	wantCase := spec.OutputType == OutputCase || f.Severity == store.SeverityCritical
	if wantCase {
		ok, err := r.promoteCase(ctx, spec, run, f)
		if err != nil {
			return promoted, err
		}
		if ok {
			run.CasesCreated++
			promoted = true
		}
	}
	return promoted, nil
}

func (r *Runner) promoteAlert(ctx context.Context, spec Spec, run *store.Run, f *store.Finding) (bool, error) {
	fp := fingerprint(spec.ID, f)

	cooldown := time.Duration(spec.CooldownHours) * time.Hour
	if cooldown <= 0 {
		cooldown = 24 * time.Hour
	}
	ok, err := r.limiter.Allow(ctx, "alert_cooldown", spec.ID+":"+fp, 1, cooldown)
	if err != nil {
		return false, fmt.Errorf("alert cooldown: %w", err)
	}
	if !ok {
		return false, nil
	}

	if spec.MaxAlertsPerDay > 0 {
		ok, err := r.limiter.Allow(ctx, "alert_daily", spec.ID, int64(spec.MaxAlertsPerDay), 24*time.Hour)
		if err != nil {
			return false, fmt.Errorf("alert daily cap: %w", err)
		}
		if !ok {
			r.tel.LoggerFor(ctx).Warn("alert daily cap hit", "detector", spec.ID)
			return false, nil
		}
	}

	alert := &store.Alert{
		ID:          "alr-" + uuid.NewString(),
		DetectorID:  spec.ID,
		Severity:    f.Severity,
		Title:       f.Title,
		Message:     f.Description,
		Scope:       f.Scope,
		State:       store.AlertActive,
		Fingerprint: fp,
		CreatedAt:   time.Now().UTC(),
	}
	if err := r.db.CreateAlert(ctx, alert); err != nil {
		return false, fmt.Errorf("create alert: %w", err)
	}
	r.tel.Metrics.AlertsCreated.WithLabelValues(spec.ID).Inc()
	r.tel.Audit.Record(ctx, telemetry.AuditEntry{
		Actor: spec.ID, Action: "alert_created",
		TargetType: "alert", TargetID: alert.ID,
		Payload: map[string]interface{}{"fingerprint": fp, "severity": string(f.Severity)},
	})
	return true, nil
}

func (r *Runner) promoteCase(ctx context.Context, spec Spec, run *store.Run, f *store.Finding) (bool, error) {
	since := time.Now().UTC().Add(-caseSuppressionWindow)
	if existing, err := r.db.FindOpenCaseByScope(ctx, f.Scope.Key(), since); err == nil {
		r.tel.LoggerFor(ctx).Info("case suppressed by open case",
			"detector", spec.ID, "existing_case", existing.ID)
		return false, nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return false, fmt.Errorf("case suppression check: %w", err)
	}

	_, err := r.cases.Open(ctx, cases.OpenParams{
		Type:        f.Type,
		Severity:    f.Severity,
		Title:       f.Title,
		Description: f.Description,
		Scope:       f.Scope,
		DetectorID:  spec.ID,
		RunID:       run.ID,
		Evidence:    f.Evidence,
	})
	if err != nil {
		return false, fmt.Errorf("open case: %w", err)
	}
	return true, nil
}

func (r *Runner) finalize(ctx context.Context, run *store.Run, status store.RunStatus, cause error) {
	now := time.Now().UTC()
	run.CompletedAt = &now
	run.Status = status
	run.DurationMS = now.Sub(run.StartedAt).Milliseconds()
	if cause != nil {
		run.Error = cause.Error()
	}

	// Finalization must not mask the analysis error, so failures here
	// only log.
	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := r.db.FinishRun(fctx, run); err != nil {
		r.tel.Logger.Error("run finalize failed", "run", run.ID, "error", err)
	}
	if err := r.db.SetDetectorLastRun(fctx, run.DetectorID, run.ID, status); err != nil {
		r.tel.Logger.Error("detector last-run update failed", "detector", run.DetectorID, "error", err)
	}
}
