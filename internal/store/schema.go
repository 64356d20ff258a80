package store

// schema is applied statement by statement at startup. Every statement
// is idempotent so repeated boots are safe.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS runs (
		run_id          text PRIMARY KEY,
		detector_id     text NOT NULL,
		scope           jsonb NOT NULL,
		scope_key       text NOT NULL,
		started_at      timestamptz NOT NULL,
		completed_at    timestamptz,
		status          text NOT NULL,
		duration_ms     bigint NOT NULL DEFAULT 0,
		input_row_count integer NOT NULL DEFAULT 0,
		findings_count  integer NOT NULL DEFAULT 0,
		alerts_created  integer NOT NULL DEFAULT 0,
		cases_created   integer NOT NULL DEFAULT 0,
		error           text
	)`,
	`CREATE INDEX IF NOT EXISTS runs_detector_idx ON runs (detector_id, started_at DESC)`,

	`CREATE TABLE IF NOT EXISTS detector_state (
		detector_id     text PRIMARY KEY,
		last_run_id     text NOT NULL,
		last_run_status text NOT NULL,
		updated_at      timestamptz NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS findings (
		finding_id   text PRIMARY KEY,
		run_id       text NOT NULL,
		detector_id  text NOT NULL,
		finding_type text NOT NULL,
		severity     text NOT NULL,
		confidence   double precision NOT NULL,
		title        text NOT NULL,
		description  text NOT NULL DEFAULT '',
		evidence     jsonb,
		scope        jsonb NOT NULL,
		scope_key    text NOT NULL,
		metric       jsonb NOT NULL,
		status       text NOT NULL,
		created_at   timestamptz NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS findings_run_idx ON findings (run_id)`,

	`CREATE TABLE IF NOT EXISTS alerts (
		alert_id    text PRIMARY KEY,
		detector_id text NOT NULL,
		severity    text NOT NULL,
		title       text NOT NULL,
		message     text NOT NULL DEFAULT '',
		scope       jsonb NOT NULL,
		state       text NOT NULL,
		fingerprint text NOT NULL,
		created_at  timestamptz NOT NULL,
		expires_at  timestamptz
	)`,
	`CREATE INDEX IF NOT EXISTS alerts_fingerprint_idx ON alerts (detector_id, fingerprint)`,

	`CREATE TABLE IF NOT EXISTS cases (
		case_id     text PRIMARY KEY,
		case_type   text NOT NULL,
		severity    text NOT NULL,
		title       text NOT NULL,
		description text NOT NULL DEFAULT '',
		scope       jsonb NOT NULL,
		scope_key   text NOT NULL,
		state       text NOT NULL,
		evidence    jsonb,
		hypotheses  jsonb,
		diagnosis   text,
		detector_id text,
		run_id      text,
		created_at  timestamptz NOT NULL,
		updated_at  timestamptz NOT NULL,
		version     bigint NOT NULL DEFAULT 0
	)`,
	`CREATE INDEX IF NOT EXISTS cases_scope_idx ON cases (scope_key, state)`,

	`CREATE TABLE IF NOT EXISTS case_transitions (
		id         bigserial PRIMARY KEY,
		case_id    text NOT NULL,
		from_state text NOT NULL,
		to_state   text NOT NULL,
		event      text NOT NULL,
		actor      text NOT NULL,
		context    jsonb,
		at         timestamptz NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS case_transitions_case_idx ON case_transitions (case_id, at)`,

	`CREATE TABLE IF NOT EXISTS actions (
		action_id      text PRIMARY KEY,
		case_id        text,
		action_type    text NOT NULL,
		payload        jsonb,
		autonomy_level text NOT NULL,
		state          text NOT NULL,
		requested_by   text NOT NULL,
		approved_by    text,
		rejected_for   text,
		content_key    text NOT NULL UNIQUE,
		executed_at    timestamptz,
		result         jsonb,
		expires_at     timestamptz,
		created_at     timestamptz NOT NULL,
		updated_at     timestamptz NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS actions_pending_idx ON actions (state, expires_at)`,

	`CREATE TABLE IF NOT EXISTS action_executions (
		fingerprint text PRIMARY KEY,
		action_id   text NOT NULL,
		done        boolean NOT NULL DEFAULT false,
		result      jsonb,
		at          timestamptz NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS opt_outs (
		recipient text NOT NULL,
		category  text NOT NULL,
		at        timestamptz NOT NULL,
		PRIMARY KEY (recipient, category)
	)`,

	`CREATE TABLE IF NOT EXISTS payment_links (
		order_id        text NOT NULL,
		provider        text NOT NULL,
		external_id     text NOT NULL,
		url             text NOT NULL,
		status          text NOT NULL,
		amount_cents    bigint NOT NULL DEFAULT 0,
		account_id      text NOT NULL DEFAULT '',
		conversation_id text NOT NULL DEFAULT '',
		created_at      timestamptz NOT NULL,
		updated_at      timestamptz NOT NULL,
		expires_at      timestamptz,
		PRIMARY KEY (provider, external_id)
	)`,

	`CREATE TABLE IF NOT EXISTS audit_trail (
		id          bigserial PRIMARY KEY,
		at          timestamptz NOT NULL,
		actor       text NOT NULL,
		action      text NOT NULL,
		target_type text NOT NULL,
		target_id   text NOT NULL,
		payload     jsonb
	)`,
}
