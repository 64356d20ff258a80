package cases

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kisslabs/platform/internal/kv"
	"github.com/kisslabs/platform/internal/locks"
	"github.com/kisslabs/platform/internal/store"
	"github.com/kisslabs/platform/internal/telemetry"
)

func newService(t *testing.T) (*Service, *store.Memory) {
	t.Helper()
	mem := store.NewMemory()
	kvs := kv.NewMemoryStore()
	t.Cleanup(func() { kvs.Close() })
	lm := locks.NewManager(kvs, telemetry.Nop())
	t.Cleanup(lm.Close)
	return NewService(mem, lm, telemetry.Nop()), mem
}

func TestCasePathToRejectedRecommendation(t *testing.T) {
	ctx := context.Background()
	svc, _ := newService(t)

	c, err := svc.Open(ctx, OpenParams{
		Type: "margin_leak", Severity: store.SeverityHigh,
		Title: "margin down at centro", Scope: store.Scope{Branch: "centro"},
	})
	require.NoError(t, err)
	assert.Equal(t, string(StateOpen), c.State)

	path := []Event{EventStartInvestigation, EventDiagnose, EventRecommendAction, EventRejectAction}
	for _, ev := range path {
		c, err = svc.Transition(ctx, c.ID, ev, "analyst", Context{})
		require.NoError(t, err, "event %s", ev)
	}
	assert.Equal(t, string(StateDiagnosed), c.State)

	log, err := svc.History(ctx, c.ID)
	require.NoError(t, err)
	require.Len(t, log, 4)
	assert.Equal(t, string(EventRejectAction), log[3].Event)

	// From DIAGNOSED, EXECUTION_SUCCESS is not an edge.
	_, err = svc.Transition(ctx, c.ID, EventExecutionSuccess, "analyst", Context{})
	var ite *InvalidTransitionError
	require.ErrorAs(t, err, &ite)
	assert.Equal(t, []Event{EventCloseNoActionNeeded, EventRecommendAction}, ite.LegalEvents)
}

func TestTransitionFoldsContextIntoCase(t *testing.T) {
	ctx := context.Background()
	svc, _ := newService(t)

	c, err := svc.Open(ctx, OpenParams{Type: "waste", Severity: store.SeverityMedium, Title: "waste spike"})
	require.NoError(t, err)

	c, err = svc.Transition(ctx, c.ID, EventStartInvestigation, "analyst", Context{
		Hypothesis: "new hire over-portioning",
	})
	require.NoError(t, err)

	c, err = svc.Transition(ctx, c.ID, EventAddEvidence, "analyst", Context{
		Evidence: []byte(`{"shift":"evening","waste_pct":9.2}`),
	})
	require.NoError(t, err)

	c, err = svc.Transition(ctx, c.ID, EventDiagnose, "analyst", Context{
		Diagnosis: "portioning drift on evening shift",
	})
	require.NoError(t, err)

	assert.Equal(t, string(StateDiagnosed), c.State)
	assert.Equal(t, []string{"new hire over-portioning"}, c.Hypotheses)
	require.Len(t, c.Evidence, 1)
	assert.Equal(t, "portioning drift on evening shift", c.Diagnosis)

	log, err := svc.History(ctx, c.ID)
	require.NoError(t, err)
	require.Len(t, log, 3)
	assert.NotEmpty(t, log[1].Context)
}

func TestReopenGoesToInvestigating(t *testing.T) {
	ctx := context.Background()
	svc, _ := newService(t)

	c, err := svc.Open(ctx, OpenParams{Type: "noise", Severity: store.SeverityLow, Title: "blip"})
	require.NoError(t, err)

	c, err = svc.Transition(ctx, c.ID, EventCloseAsNoise, "analyst", Context{})
	require.NoError(t, err)
	assert.Equal(t, string(StateClosed), c.State)

	c, err = svc.Transition(ctx, c.ID, EventReopen, "analyst", Context{Note: "recurred"})
	require.NoError(t, err)
	assert.Equal(t, string(StateInvestigating), c.State)
}
