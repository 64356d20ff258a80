package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// Postgres implements Store on a Postgres database via lib/pq.
type Postgres struct {
	db *sql.DB
}

// OpenPostgres connects, verifies the connection, and ensures the schema
// exists. The DSN is a standard lib/pq connection string.
func OpenPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: open: %w", err)
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}

	p := &Postgres{db: db}
	if err := p.bootstrap(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return p, nil
}

func (p *Postgres) bootstrap(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := p.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("postgres: bootstrap: %w", err)
		}
	}
	return nil
}

func (p *Postgres) Ping(ctx context.Context) error { return p.db.PingContext(ctx) }
func (p *Postgres) Close() error                   { return p.db.Close() }

func mapErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	var pqe *pq.Error
	if errors.As(err, &pqe) && pqe.Code == "23505" {
		return ErrDuplicate
	}
	return err
}

func jsonCol(v any) ([]byte, error) {
	if v == nil {
		return []byte("null"), nil
	}
	return json.Marshal(v)
}

// ---- runs ----

func (p *Postgres) CreateRun(ctx context.Context, r *Run) error {
	scope, err := jsonCol(r.Scope)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO runs (run_id, detector_id, scope, scope_key, started_at, status)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		r.ID, r.DetectorID, scope, r.Scope.Key(), r.StartedAt, r.Status)
	return mapErr(err)
}

func (p *Postgres) FinishRun(ctx context.Context, r *Run) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE runs SET completed_at = $2, status = $3, duration_ms = $4,
			input_row_count = $5, findings_count = $6, alerts_created = $7,
			cases_created = $8, error = $9
		WHERE run_id = $1`,
		r.ID, r.CompletedAt, r.Status, r.DurationMS, r.InputRowCount,
		r.FindingsCount, r.AlertsCreated, r.CasesCreated, nullIfEmpty(r.Error))
	if err != nil {
		return mapErr(err)
	}
	return noneUpdated(res)
}

func (p *Postgres) GetRun(ctx context.Context, id string) (*Run, error) {
	var r Run
	var scope []byte
	var errMsg sql.NullString
	err := p.db.QueryRowContext(ctx, `
		SELECT run_id, detector_id, scope, started_at, completed_at, status,
			duration_ms, input_row_count, findings_count, alerts_created,
			cases_created, error
		FROM runs WHERE run_id = $1`, id).Scan(
		&r.ID, &r.DetectorID, &scope, &r.StartedAt, &r.CompletedAt, &r.Status,
		&r.DurationMS, &r.InputRowCount, &r.FindingsCount, &r.AlertsCreated,
		&r.CasesCreated, &errMsg)
	if err != nil {
		return nil, mapErr(err)
	}
	if err := json.Unmarshal(scope, &r.Scope); err != nil {
		return nil, fmt.Errorf("postgres: run scope: %w", err)
	}
	r.Error = errMsg.String
	return &r, nil
}

func (p *Postgres) SetDetectorLastRun(ctx context.Context, detectorID, runID string, status RunStatus) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO detector_state (detector_id, last_run_id, last_run_status, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (detector_id) DO UPDATE
			SET last_run_id = EXCLUDED.last_run_id,
			    last_run_status = EXCLUDED.last_run_status,
			    updated_at = now()`,
		detectorID, runID, status)
	return mapErr(err)
}

func (p *Postgres) GetDetectorLastRun(ctx context.Context, detectorID string) (string, RunStatus, error) {
	var runID string
	var status RunStatus
	err := p.db.QueryRowContext(ctx, `
		SELECT last_run_id, last_run_status FROM detector_state WHERE detector_id = $1`,
		detectorID).Scan(&runID, &status)
	if err != nil {
		return "", "", mapErr(err)
	}
	return runID, status, nil
}

// ---- findings ----

func (p *Postgres) InsertFindings(ctx context.Context, findings []*Finding) error {
	if len(findings) == 0 {
		return nil
	}
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return mapErr(err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO findings (finding_id, run_id, detector_id, finding_type,
			severity, confidence, title, description, evidence, scope,
			scope_key, metric, status, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)`)
	if err != nil {
		return mapErr(err)
	}
	defer stmt.Close()

	for _, f := range findings {
		scope, err := jsonCol(f.Scope)
		if err != nil {
			return err
		}
		metric, err := jsonCol(f.Metric)
		if err != nil {
			return err
		}
		evidence := []byte(f.Evidence)
		if len(evidence) == 0 {
			evidence = []byte("null")
		}
		if _, err := stmt.ExecContext(ctx, f.ID, f.RunID, f.DetectorID,
			f.Type, f.Severity, f.Confidence, f.Title, f.Description,
			evidence, scope, f.Scope.Key(), metric, f.Status, f.CreatedAt); err != nil {
			return mapErr(err)
		}
	}
	return mapErr(tx.Commit())
}

func (p *Postgres) UpdateFindingStatus(ctx context.Context, id string, status FindingStatus) error {
	res, err := p.db.ExecContext(ctx,
		`UPDATE findings SET status = $2 WHERE finding_id = $1`, id, status)
	if err != nil {
		return mapErr(err)
	}
	return noneUpdated(res)
}

func (p *Postgres) ListFindings(ctx context.Context, runID string) ([]*Finding, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT finding_id, run_id, detector_id, finding_type, severity,
			confidence, title, description, evidence, scope, metric, status,
			created_at
		FROM findings WHERE run_id = $1 ORDER BY finding_id`, runID)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()

	var out []*Finding
	for rows.Next() {
		var f Finding
		var evidence, scope, metric []byte
		if err := rows.Scan(&f.ID, &f.RunID, &f.DetectorID, &f.Type,
			&f.Severity, &f.Confidence, &f.Title, &f.Description,
			&evidence, &scope, &metric, &f.Status, &f.CreatedAt); err != nil {
			return nil, mapErr(err)
		}
		if string(evidence) != "null" {
			f.Evidence = evidence
		}
		if err := json.Unmarshal(scope, &f.Scope); err != nil {
			return nil, fmt.Errorf("postgres: finding scope: %w", err)
		}
		if err := json.Unmarshal(metric, &f.Metric); err != nil {
			return nil, fmt.Errorf("postgres: finding metric: %w", err)
		}
		out = append(out, &f)
	}
	return out, rows.Err()
}

// ---- alerts ----

func (p *Postgres) CreateAlert(ctx context.Context, a *Alert) error {
	scope, err := jsonCol(a.Scope)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO alerts (alert_id, detector_id, severity, title, message,
			scope, state, fingerprint, created_at, expires_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		a.ID, a.DetectorID, a.Severity, a.Title, a.Message, scope,
		a.State, a.Fingerprint, a.CreatedAt, a.ExpiresAt)
	return mapErr(err)
}

func (p *Postgres) UpdateAlertState(ctx context.Context, id string, state AlertState) error {
	res, err := p.db.ExecContext(ctx,
		`UPDATE alerts SET state = $2 WHERE alert_id = $1`, id, state)
	if err != nil {
		return mapErr(err)
	}
	return noneUpdated(res)
}

func (p *Postgres) ListAlerts(ctx context.Context, state AlertState, limit int) ([]*Alert, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT alert_id, detector_id, severity, title, message, scope, state,
			fingerprint, created_at, expires_at
		FROM alerts
		WHERE ($1 = '' OR state = $1)
		ORDER BY created_at DESC LIMIT $2`, string(state), limit)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()

	var out []*Alert
	for rows.Next() {
		var a Alert
		var scope []byte
		if err := rows.Scan(&a.ID, &a.DetectorID, &a.Severity, &a.Title,
			&a.Message, &scope, &a.State, &a.Fingerprint, &a.CreatedAt,
			&a.ExpiresAt); err != nil {
			return nil, mapErr(err)
		}
		if err := json.Unmarshal(scope, &a.Scope); err != nil {
			return nil, fmt.Errorf("postgres: alert scope: %w", err)
		}
		out = append(out, &a)
	}
	return out, rows.Err()
}

// ---- cases ----

func (p *Postgres) CreateCase(ctx context.Context, c *Case) error {
	scope, err := jsonCol(c.Scope)
	if err != nil {
		return err
	}
	evidence, err := jsonCol(c.Evidence)
	if err != nil {
		return err
	}
	hypotheses, err := jsonCol(c.Hypotheses)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO cases (case_id, case_type, severity, title, description,
			scope, scope_key, state, evidence, hypotheses, diagnosis,
			detector_id, run_id, created_at, updated_at, version)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)`,
		c.ID, c.Type, c.Severity, c.Title, c.Description, scope,
		c.Scope.Key(), c.State, evidence, hypotheses,
		nullIfEmpty(c.Diagnosis), nullIfEmpty(c.DetectorID),
		nullIfEmpty(c.RunID), c.CreatedAt, c.UpdatedAt, c.Version)
	return mapErr(err)
}

func (p *Postgres) GetCase(ctx context.Context, id string) (*Case, error) {
	return p.scanCase(p.db.QueryRowContext(ctx, caseSelect+` WHERE case_id = $1`, id))
}

const caseSelect = `
	SELECT case_id, case_type, severity, title, description, scope, state,
		evidence, hypotheses, diagnosis, detector_id, run_id, created_at,
		updated_at, version
	FROM cases`

type rowScanner interface{ Scan(dest ...any) error }

func (p *Postgres) scanCase(row rowScanner) (*Case, error) {
	var c Case
	var scope, evidence, hypotheses []byte
	var diagnosis, detectorID, runID sql.NullString
	err := row.Scan(&c.ID, &c.Type, &c.Severity, &c.Title, &c.Description,
		&scope, &c.State, &evidence, &hypotheses, &diagnosis,
		&detectorID, &runID, &c.CreatedAt, &c.UpdatedAt, &c.Version)
	if err != nil {
		return nil, mapErr(err)
	}
	if err := json.Unmarshal(scope, &c.Scope); err != nil {
		return nil, fmt.Errorf("postgres: case scope: %w", err)
	}
	if string(evidence) != "null" {
		if err := json.Unmarshal(evidence, &c.Evidence); err != nil {
			return nil, fmt.Errorf("postgres: case evidence: %w", err)
		}
	}
	if string(hypotheses) != "null" {
		if err := json.Unmarshal(hypotheses, &c.Hypotheses); err != nil {
			return nil, fmt.Errorf("postgres: case hypotheses: %w", err)
		}
	}
	c.Diagnosis = diagnosis.String
	c.DetectorID = detectorID.String
	c.RunID = runID.String
	return &c, nil
}

func (p *Postgres) UpdateCase(ctx context.Context, c *Case) error {
	scope, err := jsonCol(c.Scope)
	if err != nil {
		return err
	}
	evidence, err := jsonCol(c.Evidence)
	if err != nil {
		return err
	}
	hypotheses, err := jsonCol(c.Hypotheses)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	res, err := p.db.ExecContext(ctx, `
		UPDATE cases SET severity = $2, title = $3, description = $4,
			scope = $5, scope_key = $6, state = $7, evidence = $8,
			hypotheses = $9, diagnosis = $10, updated_at = $11,
			version = version + 1
		WHERE case_id = $1 AND version = $12`,
		c.ID, c.Severity, c.Title, c.Description, scope, c.Scope.Key(),
		c.State, evidence, hypotheses, nullIfEmpty(c.Diagnosis), now, c.Version)
	if err != nil {
		return mapErr(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return mapErr(err)
	}
	if n == 0 {
		// Either the row is gone or the version moved under us.
		if _, gerr := p.GetCase(ctx, c.ID); gerr != nil {
			return gerr
		}
		return ErrVersionConflict
	}
	c.Version++
	c.UpdatedAt = now
	return nil
}

func (p *Postgres) FindOpenCaseByScope(ctx context.Context, scopeKey string, since time.Time) (*Case, error) {
	return p.scanCase(p.db.QueryRowContext(ctx, caseSelect+`
		WHERE scope_key = $1 AND state <> 'CLOSED' AND created_at > $2
		ORDER BY created_at DESC LIMIT 1`, scopeKey, since))
}

func (p *Postgres) ListCases(ctx context.Context, state string, limit int) ([]*Case, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := p.db.QueryContext(ctx, caseSelect+`
		WHERE ($1 = '' OR state = $1)
		ORDER BY created_at DESC LIMIT $2`, state, limit)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()

	var out []*Case
	for rows.Next() {
		c, err := p.scanCase(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (p *Postgres) AppendTransition(ctx context.Context, t *Transition) error {
	ctxCol := []byte(t.Context)
	if len(ctxCol) == 0 {
		ctxCol = []byte("null")
	}
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO case_transitions (case_id, from_state, to_state, event,
			actor, context, at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		t.CaseID, t.FromState, t.ToState, t.Event, t.Actor, ctxCol, t.At)
	return mapErr(err)
}

func (p *Postgres) ListTransitions(ctx context.Context, caseID string) ([]*Transition, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT case_id, from_state, to_state, event, actor, context, at
		FROM case_transitions WHERE case_id = $1 ORDER BY at, id`, caseID)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()

	var out []*Transition
	for rows.Next() {
		var t Transition
		var ctxCol []byte
		if err := rows.Scan(&t.CaseID, &t.FromState, &t.ToState, &t.Event,
			&t.Actor, &ctxCol, &t.At); err != nil {
			return nil, mapErr(err)
		}
		if string(ctxCol) != "null" {
			t.Context = ctxCol
		}
		out = append(out, &t)
	}
	return out, rows.Err()
}

// ---- actions ----

func (p *Postgres) CreateAction(ctx context.Context, a *Action) error {
	payload := []byte(a.Payload)
	if len(payload) == 0 {
		payload = []byte("null")
	}
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO actions (action_id, case_id, action_type, payload,
			autonomy_level, state, requested_by, content_key, expires_at,
			created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		a.ID, nullIfEmpty(a.CaseID), a.Type, payload, a.Autonomy, a.State,
		a.RequestedBy, a.ContentKey, a.ExpiresAt, a.CreatedAt, a.UpdatedAt)
	return mapErr(err)
}

const actionSelect = `
	SELECT action_id, case_id, action_type, payload, autonomy_level, state,
		requested_by, approved_by, rejected_for, content_key, executed_at,
		result, expires_at, created_at, updated_at
	FROM actions`

func (p *Postgres) scanAction(row rowScanner) (*Action, error) {
	var a Action
	var caseID, approvedBy, rejectedFor sql.NullString
	var payload, result []byte
	err := row.Scan(&a.ID, &caseID, &a.Type, &payload, &a.Autonomy,
		&a.State, &a.RequestedBy, &approvedBy, &rejectedFor, &a.ContentKey,
		&a.ExecutedAt, &result, &a.ExpiresAt, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, mapErr(err)
	}
	a.CaseID = caseID.String
	a.ApprovedBy = approvedBy.String
	a.RejectedFor = rejectedFor.String
	if string(payload) != "null" {
		a.Payload = payload
	}
	if len(result) > 0 && string(result) != "null" {
		a.Result = result
	}
	return &a, nil
}

func (p *Postgres) GetAction(ctx context.Context, id string) (*Action, error) {
	return p.scanAction(p.db.QueryRowContext(ctx, actionSelect+` WHERE action_id = $1`, id))
}

func (p *Postgres) GetActionByContentKey(ctx context.Context, key string) (*Action, error) {
	return p.scanAction(p.db.QueryRowContext(ctx, actionSelect+` WHERE content_key = $1`, key))
}

func (p *Postgres) UpdateAction(ctx context.Context, a *Action) error {
	result := []byte(a.Result)
	if len(result) == 0 {
		result = []byte("null")
	}
	now := time.Now().UTC()
	res, err := p.db.ExecContext(ctx, `
		UPDATE actions SET state = $2, approved_by = $3, rejected_for = $4,
			executed_at = $5, result = $6, updated_at = $7
		WHERE action_id = $1`,
		a.ID, a.State, nullIfEmpty(a.ApprovedBy), nullIfEmpty(a.RejectedFor),
		a.ExecutedAt, result, now)
	if err != nil {
		return mapErr(err)
	}
	a.UpdatedAt = now
	return noneUpdated(res)
}

func (p *Postgres) ListExpiredPending(ctx context.Context, now time.Time) ([]*Action, error) {
	rows, err := p.db.QueryContext(ctx, actionSelect+`
		WHERE state = 'PENDING' AND expires_at IS NOT NULL AND expires_at < $1`, now)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()

	var out []*Action
	for rows.Next() {
		a, err := p.scanAction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (p *Postgres) ReserveExecution(ctx context.Context, fingerprint, actionID string) (bool, *Execution, error) {
	res, err := p.db.ExecContext(ctx, `
		INSERT INTO action_executions (fingerprint, action_id, done, at)
		VALUES ($1, $2, false, now())
		ON CONFLICT (fingerprint) DO NOTHING`, fingerprint, actionID)
	if err != nil {
		return false, nil, mapErr(err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return true, nil, nil
	}

	var e Execution
	var result []byte
	err = p.db.QueryRowContext(ctx, `
		SELECT fingerprint, action_id, done, result, at
		FROM action_executions WHERE fingerprint = $1`, fingerprint).Scan(
		&e.Fingerprint, &e.ActionID, &e.Done, &result, &e.At)
	if err != nil {
		return false, nil, mapErr(err)
	}
	if len(result) > 0 && string(result) != "null" {
		e.Result = result
	}
	return false, &e, nil
}

func (p *Postgres) CompleteExecution(ctx context.Context, fingerprint string, result json.RawMessage) error {
	col := []byte(result)
	if len(col) == 0 {
		col = []byte("null")
	}
	res, err := p.db.ExecContext(ctx, `
		UPDATE action_executions SET done = true, result = $2
		WHERE fingerprint = $1`, fingerprint, col)
	if err != nil {
		return mapErr(err)
	}
	return noneUpdated(res)
}

// ---- opt-outs ----

func (p *Postgres) IsOptedOut(ctx context.Context, recipient, category string) (bool, error) {
	var n int
	err := p.db.QueryRowContext(ctx, `
		SELECT count(*) FROM opt_outs
		WHERE recipient = lower($1) AND category IN ($2, 'all')`,
		recipient, category).Scan(&n)
	if err != nil {
		return false, mapErr(err)
	}
	return n > 0, nil
}

func (p *Postgres) SetOptOut(ctx context.Context, recipient, category string) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO opt_outs (recipient, category, at)
		VALUES (lower($1), $2, now())
		ON CONFLICT (recipient, category) DO NOTHING`, recipient, category)
	return mapErr(err)
}

func (p *Postgres) RemoveOptOut(ctx context.Context, recipient, category string) error {
	_, err := p.db.ExecContext(ctx, `
		DELETE FROM opt_outs WHERE recipient = lower($1) AND category = $2`,
		recipient, category)
	return mapErr(err)
}

// ---- payment links ----

func (p *Postgres) UpsertPaymentLink(ctx context.Context, link *PaymentLink) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO payment_links (order_id, provider, external_id, url,
			status, amount_cents, account_id, conversation_id, created_at,
			updated_at, expires_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,now(),$10)
		ON CONFLICT (provider, external_id) DO UPDATE
			SET status = EXCLUDED.status, url = EXCLUDED.url,
			    updated_at = now()`,
		link.OrderID, link.Provider, link.ExternalID, link.URL, link.Status,
		link.AmountCents, link.AccountID, link.ConversationID,
		link.CreatedAt, link.ExpiresAt)
	return mapErr(err)
}

func (p *Postgres) GetPaymentByExternalID(ctx context.Context, provider, externalID string) (*PaymentLink, error) {
	var link PaymentLink
	err := p.db.QueryRowContext(ctx, `
		SELECT order_id, provider, external_id, url, status, amount_cents,
			account_id, conversation_id, created_at, updated_at, expires_at
		FROM payment_links WHERE provider = $1 AND external_id = $2`,
		provider, externalID).Scan(
		&link.OrderID, &link.Provider, &link.ExternalID, &link.URL,
		&link.Status, &link.AmountCents, &link.AccountID,
		&link.ConversationID, &link.CreatedAt, &link.UpdatedAt,
		&link.ExpiresAt)
	if err != nil {
		return nil, mapErr(err)
	}
	return &link, nil
}

// ---- audit trail ----

func (p *Postgres) InsertAudit(ctx context.Context, at time.Time, actor, action, targetType, targetID string, payload json.RawMessage) error {
	col := []byte(payload)
	if len(col) == 0 {
		col = []byte("null")
	}
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO audit_trail (at, actor, action, target_type, target_id, payload)
		VALUES ($1,$2,$3,$4,$5,$6)`,
		at, actor, action, targetType, targetID, col)
	return mapErr(err)
}

// ---- helpers ----

func nullIfEmpty(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func noneUpdated(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return mapErr(err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
