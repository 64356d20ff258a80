package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"time"

	"github.com/kisslabs/platform/internal/telemetry"
)

// ErrConfirmation is returned by Clear when the confirmation token does
// not match; it exists so a fat-fingered admin call cannot purge a DLQ.
var ErrConfirmation = errors.New("queue: confirmation token mismatch")

// ErrNotInDLQ is returned when the referenced dead letter does not exist.
var ErrNotInDLQ = errors.New("queue: not in dead letter queue")

// DLQEntry is a terminally failed job plus its failure metadata.
type DLQEntry struct {
	ID       string    `json:"dlq_id"`
	Job      Job       `json:"job"`
	Error    string    `json:"error"`
	FailedAt time.Time `json:"failed_at"`
	Host     string    `json:"host"`
	Storage  string    `json:"storage,omitempty"`
}

func (q *Queue) dlqKey(id string) string { return q.key("dlqjob", id) }

// moveToDLQ retires a job that exhausted its attempts. The live job is
// removed before the dead letter is written: a crash in between loses the
// job, which is preferred over it existing in both places.
func (q *Queue) moveToDLQ(ctx context.Context, job *Job, cause error, fromSet string) error {
	if _, err := q.store.ZRem(ctx, q.key(fromSet), job.ID); err != nil {
		return fmt.Errorf("queue %s: dlq move %s: %w", q.name, job.ID, err)
	}
	if err := q.store.Delete(ctx, q.jobKey(job.ID)); err != nil {
		return fmt.Errorf("queue %s: dlq move %s: %w", q.name, job.ID, err)
	}

	host, _ := os.Hostname()
	entry := DLQEntry{
		ID:       job.ID,
		Job:      *job,
		Error:    cause.Error(),
		FailedAt: time.Now().UTC(),
		Host:     host,
	}
	payload, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("queue %s: dlq move %s: %w", q.name, job.ID, err)
	}
	if err := q.store.SetWithTTL(ctx, q.dlqKey(job.ID), string(payload), 0); err != nil {
		return fmt.Errorf("queue %s: dlq move %s: %w", q.name, job.ID, err)
	}
	if err := q.store.ZAdd(ctx, q.key("dlq"), float64(entry.FailedAt.UnixMilli()), job.ID); err != nil {
		return fmt.Errorf("queue %s: dlq move %s: %w", q.name, job.ID, err)
	}

	q.tel.Metrics.JobsToDLQ.WithLabelValues(q.name).Inc()
	q.tel.Audit.Record(ctx, telemetry.AuditEntry{
		Actor:      "queue:" + q.name,
		Action:     "job.dead_lettered",
		TargetType: "job",
		TargetID:   job.ID,
		Payload: map[string]any{
			"name":     job.Name,
			"attempts": job.AttemptsMade,
			"error":    cause.Error(),
		},
	})
	q.tel.Logger.Error("job moved to dead letter queue",
		"queue", q.name, "job", job.ID, "name", job.Name,
		"attempts", job.AttemptsMade, "error", cause)
	return nil
}

// ListOptions page through dead letters by failure time.
type ListOptions struct {
	Start  time.Time // zero = beginning of time
	End    time.Time // zero = now
	Offset int64
	Limit  int64 // default 100
}

// ListDLQ returns dead letters in failure-time order across both storage
// sides.
func (q *Queue) ListDLQ(ctx context.Context, opts ListOptions) ([]DLQEntry, error) {
	if opts.Limit <= 0 {
		opts.Limit = 100
	}
	min := math.Inf(-1)
	if !opts.Start.IsZero() {
		min = float64(opts.Start.UnixMilli())
	}
	max := math.Inf(1)
	if !opts.End.IsZero() {
		max = float64(opts.End.UnixMilli())
	}

	var out []DLQEntry
	for _, side := range q.sides() {
		ids, err := side.store.ZRangeByScore(ctx, side.key("dlq"), min, max, opts.Offset, opts.Limit)
		if err != nil {
			return nil, fmt.Errorf("queue %s: list dlq: %w", q.name, err)
		}
		for _, m := range ids {
			raw, ok, err := side.store.Get(ctx, side.dlqKey(m.Member))
			if err != nil || !ok {
				continue
			}
			var entry DLQEntry
			if err := json.Unmarshal([]byte(raw), &entry); err != nil {
				continue
			}
			entry.Storage = side.store.Name()
			out = append(out, entry)
			if int64(len(out)) >= opts.Limit {
				return out, nil
			}
		}
	}
	return out, nil
}

// RetryDLQ re-enqueues a dead letter with a fresh attempt budget. The new
// job id is derived from the dead letter id, so if the process dies
// between enqueue and removal, calling RetryDLQ again enqueues nothing
// extra and just finishes the removal.
func (q *Queue) RetryDLQ(ctx context.Context, dlqID string) (string, error) {
	side, entry, err := q.findDeadLetter(ctx, dlqID)
	if err != nil {
		return "", err
	}

	newID, err := q.Add(ctx, entry.Job.Name, entry.Job.Data, AddOptions{
		JobID:       "retry:" + dlqID,
		MaxAttempts: entry.Job.MaxAttempts,
		Backoff:     entry.Job.BackoffBase,
	})
	if err != nil {
		return "", fmt.Errorf("queue %s: retry dlq %s: %w", q.name, dlqID, err)
	}

	if _, err := side.store.ZRem(ctx, side.key("dlq"), dlqID); err != nil {
		return newID, fmt.Errorf("queue %s: retry dlq %s: %w", q.name, dlqID, err)
	}
	if err := side.store.Delete(ctx, side.dlqKey(dlqID)); err != nil {
		return newID, fmt.Errorf("queue %s: retry dlq %s: %w", q.name, dlqID, err)
	}

	q.tel.Audit.Record(ctx, telemetry.AuditEntry{
		Actor:      "queue:" + q.name,
		Action:     "dlq.retried",
		TargetType: "job",
		TargetID:   dlqID,
		Payload:    map[string]any{"new_job_id": newID},
	})
	return newID, nil
}

// RetryAllDLQ re-enqueues every dead letter. Returns how many were
// retried; errors are joined, and entries that error stay in the DLQ.
func (q *Queue) RetryAllDLQ(ctx context.Context) (int, error) {
	retried := 0
	var errs []error
	for {
		entries, err := q.ListDLQ(ctx, ListOptions{Limit: 100})
		if err != nil {
			errs = append(errs, err)
			break
		}
		if len(entries) == 0 {
			break
		}
		progressed := false
		for _, e := range entries {
			if _, err := q.RetryDLQ(ctx, e.ID); err != nil {
				errs = append(errs, err)
				continue
			}
			retried++
			progressed = true
		}
		if !progressed {
			break
		}
	}
	return retried, errors.Join(errs...)
}

// DiscardDLQ drops a dead letter without retrying it.
func (q *Queue) DiscardDLQ(ctx context.Context, dlqID string) error {
	side, _, err := q.findDeadLetter(ctx, dlqID)
	if err != nil {
		return err
	}
	if _, err := side.store.ZRem(ctx, side.key("dlq"), dlqID); err != nil {
		return fmt.Errorf("queue %s: discard dlq %s: %w", q.name, dlqID, err)
	}
	if err := side.store.Delete(ctx, side.dlqKey(dlqID)); err != nil {
		return fmt.Errorf("queue %s: discard dlq %s: %w", q.name, dlqID, err)
	}
	q.tel.Audit.Record(ctx, telemetry.AuditEntry{
		Actor:      "queue:" + q.name,
		Action:     "dlq.discarded",
		TargetType: "job",
		TargetID:   dlqID,
	})
	return nil
}

// ClearConfirmation is the token ClearDLQ demands: "purge:<queue name>".
func (q *Queue) ClearConfirmation() string { return "purge:" + q.name }

// ClearDLQ drops every dead letter. The confirmation token must match
// ClearConfirmation exactly.
func (q *Queue) ClearDLQ(ctx context.Context, confirmation string) (int, error) {
	if confirmation != q.ClearConfirmation() {
		return 0, ErrConfirmation
	}

	cleared := 0
	for _, side := range q.sides() {
		for {
			ids, err := side.store.ZRangeByScore(ctx, side.key("dlq"),
				math.Inf(-1), math.Inf(1), 0, 100)
			if err != nil {
				return cleared, fmt.Errorf("queue %s: clear dlq: %w", q.name, err)
			}
			if len(ids) == 0 {
				break
			}
			for _, m := range ids {
				side.store.Delete(ctx, side.dlqKey(m.Member))
				side.store.ZRem(ctx, side.key("dlq"), m.Member)
				cleared++
			}
		}
	}

	q.tel.Audit.Record(ctx, telemetry.AuditEntry{
		Actor:      "queue:" + q.name,
		Action:     "dlq.cleared",
		TargetType: "queue",
		TargetID:   q.name,
		Payload:    map[string]any{"count": cleared},
	})
	return cleared, nil
}

func (q *Queue) findDeadLetter(ctx context.Context, dlqID string) (*Queue, *DLQEntry, error) {
	for _, side := range q.sides() {
		raw, ok, err := side.store.Get(ctx, side.dlqKey(dlqID))
		if err != nil {
			return nil, nil, fmt.Errorf("queue %s: find dlq %s: %w", q.name, dlqID, err)
		}
		if !ok {
			continue
		}
		var entry DLQEntry
		if err := json.Unmarshal([]byte(raw), &entry); err != nil {
			return nil, nil, fmt.Errorf("queue %s: decode dlq %s: %w", q.name, dlqID, err)
		}
		return side, &entry, nil
	}
	return nil, nil, ErrNotInDLQ
}
