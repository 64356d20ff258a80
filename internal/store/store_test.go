package store

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryCaseVersioning(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	c := &Case{
		ID: "case-1", Type: "margin_leak", Severity: SeverityHigh,
		Title: "margin down", State: "OPEN",
		Scope:     Scope{Branch: "centro"},
		CreatedAt: time.Now().UTC(), UpdatedAt: time.Now().UTC(),
	}
	require.NoError(t, m.CreateCase(ctx, c))
	assert.ErrorIs(t, m.CreateCase(ctx, c), ErrDuplicate)

	a, err := m.GetCase(ctx, "case-1")
	require.NoError(t, err)
	b, err := m.GetCase(ctx, "case-1")
	require.NoError(t, err)

	a.State = "INVESTIGATING"
	require.NoError(t, m.UpdateCase(ctx, a))
	assert.Equal(t, int64(1), a.Version)

	// b still carries version 0; its write must lose.
	b.State = "CLOSED"
	assert.ErrorIs(t, m.UpdateCase(ctx, b), ErrVersionConflict)

	got, err := m.GetCase(ctx, "case-1")
	require.NoError(t, err)
	assert.Equal(t, "INVESTIGATING", got.State)
}

func TestMemoryFindOpenCaseByScope(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	now := time.Now().UTC()

	require.NoError(t, m.CreateCase(ctx, &Case{
		ID: "old", State: "CLOSED", Scope: Scope{Branch: "norte"},
		CreatedAt: now.Add(-time.Hour),
	}))
	_, err := m.FindOpenCaseByScope(ctx, Scope{Branch: "norte"}.Key(), now.Add(-24*time.Hour))
	assert.ErrorIs(t, err, ErrNotFound, "closed cases do not suppress")

	require.NoError(t, m.CreateCase(ctx, &Case{
		ID: "live", State: "OPEN", Scope: Scope{Branch: "norte"},
		CreatedAt: now.Add(-time.Hour),
	}))
	got, err := m.FindOpenCaseByScope(ctx, Scope{Branch: "norte"}.Key(), now.Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, "live", got.ID)
}

func TestMemoryReserveExecution(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	created, prior, err := m.ReserveExecution(ctx, "fp-1", "act-1")
	require.NoError(t, err)
	assert.True(t, created)
	assert.Nil(t, prior)

	require.NoError(t, m.CompleteExecution(ctx, "fp-1", json.RawMessage(`{"ok":true}`)))

	created, prior, err = m.ReserveExecution(ctx, "fp-1", "act-1")
	require.NoError(t, err)
	assert.False(t, created)
	require.NotNil(t, prior)
	assert.True(t, prior.Done)
	assert.JSONEq(t, `{"ok":true}`, string(prior.Result))
}

func TestMemoryOptOutBlanket(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	require.NoError(t, m.SetOptOut(ctx, "+5215512345678", "marketing"))
	out, err := m.IsOptedOut(ctx, "+5215512345678", "marketing")
	require.NoError(t, err)
	assert.True(t, out)

	out, err = m.IsOptedOut(ctx, "+5215512345678", "transactional")
	require.NoError(t, err)
	assert.False(t, out)

	require.NoError(t, m.SetOptOut(ctx, "+5215599999999", "all"))
	out, err = m.IsOptedOut(ctx, "+5215599999999", "transactional")
	require.NoError(t, err)
	assert.True(t, out, "blanket opt-out covers every category")
}

func TestMemoryActionContentKey(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	now := time.Now().UTC()

	a := &Action{
		ID: "act-1", Type: "adjust_price", State: ActionPending,
		Autonomy: AutonomyApproval, RequestedBy: "detector:margin",
		ContentKey: "ck-1", CreatedAt: now, UpdatedAt: now,
	}
	require.NoError(t, m.CreateAction(ctx, a))

	dup := *a
	dup.ID = "act-2"
	assert.ErrorIs(t, m.CreateAction(ctx, &dup), ErrDuplicate)

	got, err := m.GetActionByContentKey(ctx, "ck-1")
	require.NoError(t, err)
	assert.Equal(t, "act-1", got.ID)
}
