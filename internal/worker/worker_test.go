package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kisslabs/platform/internal/blocklist"
	"github.com/kisslabs/platform/internal/crm"
	"github.com/kisslabs/platform/internal/dispatch"
	"github.com/kisslabs/platform/internal/flowstate"
	"github.com/kisslabs/platform/internal/history"
	"github.com/kisslabs/platform/internal/kv"
	"github.com/kisslabs/platform/internal/locks"
	"github.com/kisslabs/platform/internal/outbound"
	"github.com/kisslabs/platform/internal/queue"
	"github.com/kisslabs/platform/internal/ratelimit"
	"github.com/kisslabs/platform/internal/telemetry"
)

type fakeCRM struct {
	mu      sync.Mutex
	conv    *crm.Conversation
	convErr error
	backlog []crm.Message
	notes   []string
	typing  int
}

func (f *fakeCRM) SendMessage(ctx context.Context, accountID, conversationID, text string, private bool) (*crm.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if private {
		f.notes = append(f.notes, text)
	}
	return &crm.Message{ID: int64(len(f.notes)), Content: text}, nil
}

func (f *fakeCRM) FetchMessages(ctx context.Context, accountID, conversationID string, limit int) ([]crm.Message, error) {
	return f.backlog, nil
}

func (f *fakeCRM) TouchConversation(ctx context.Context, accountID, conversationID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.typing++
	return nil
}

func (f *fakeCRM) GetConversation(ctx context.Context, accountID, conversationID string) (*crm.Conversation, error) {
	if f.convErr != nil {
		return nil, f.convErr
	}
	return f.conv, nil
}

type recordingChannel struct {
	mu        sync.Mutex
	delivered []outbound.Message
}

func (r *recordingChannel) Name() string { return "crm" }

func (r *recordingChannel) Deliver(ctx context.Context, msg outbound.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.delivered = append(r.delivered, msg)
	return nil
}

func (r *recordingChannel) bodies() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.delivered))
	for i, m := range r.delivered {
		out[i] = m.Body
	}
	return out
}

type fixture struct {
	worker *Worker
	crm    *fakeCRM
	ch     *recordingChannel
	flows  *flowstate.Service
	hist   *history.Cache
	bl     *blocklist.Service
	lm     *locks.Manager
	tel    *telemetry.Telemetry
	seq    int
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := kv.NewMemoryStore()
	t.Cleanup(func() { store.Close() })
	tel := telemetry.Nop()

	lm := locks.NewManager(store, tel)
	t.Cleanup(lm.Close)
	limiter := ratelimit.New(store, tel)
	t.Cleanup(limiter.Close)

	fake := &fakeCRM{conv: &crm.Conversation{ID: "7", Status: "open"}}
	hist, err := history.New(fake, history.Options{})
	require.NoError(t, err)
	flows := flowstate.NewService(store, tel, time.Hour)
	bl := blocklist.New(store, tel, nil, nil)

	gw := outbound.New(store, limiter, queue.New("outbound", store, tel, queue.Options{}), nil, tel, outbound.Options{})
	ch := &recordingChannel{}
	gw.Register(ch)

	w := New(Deps{
		Locks:     lm,
		Flows:     flows,
		History:   hist,
		Blocklist: bl,
		Outbound:  gw,
		CRM:       fake,
		Telemetry: tel,
	}, Options{LockTTL: 2 * time.Second, LockWait: 200 * time.Millisecond})

	return &fixture{worker: w, crm: fake, ch: ch, flows: flows, hist: hist, bl: bl, lm: lm, tel: tel}
}

func (f *fixture) deliver(t *testing.T, content string) error {
	t.Helper()
	f.seq++
	ev := dispatch.Event{
		Source:         "whatsapp",
		AccountID:      "1",
		ConversationID: "conv-7",
		MessageID:      fmt.Sprintf("msg-%d", f.seq),
		Contact:        "+525512345678",
		Content:        content,
		ReceivedAt:     time.Now().UTC(),
	}
	data, err := json.Marshal(ev)
	require.NoError(t, err)
	return f.worker.HandleJob(context.Background(), &queue.Job{
		ID:   fmt.Sprintf("job-%d", f.seq),
		Name: JobName,
		Data: data,
	})
}

func TestGreetingTurn(t *testing.T) {
	f := newFixture(t)

	require.NoError(t, f.deliver(t, "hola!"))

	bodies := f.ch.bodies()
	require.Len(t, bodies, 1)
	assert.Contains(t, bodies[0], "Hola")

	entries, ok := f.hist.Get("conv-7")
	require.True(t, ok)
	require.Len(t, entries, 2)
	assert.Equal(t, history.RoleUser, entries[0].Role)
	assert.Equal(t, history.RoleAssistant, entries[1].Role)
}

func TestFAQTurn(t *testing.T) {
	f := newFixture(t)

	require.NoError(t, f.deliver(t, "¿cuál es su horario?"))

	bodies := f.ch.bodies()
	require.Len(t, bodies, 1)
	assert.Contains(t, bodies[0], "9:00")
}

func TestDeferredWhenHumanAssigned(t *testing.T) {
	f := newFixture(t)
	agent := int64(42)
	f.crm.conv.AssigneeID = &agent

	require.NoError(t, f.deliver(t, "hola"))

	assert.Empty(t, f.ch.bodies(), "bot must stay quiet on assigned conversations")
	recent := f.tel.Audit.Recent(5)
	require.NotEmpty(t, recent)
	assert.Equal(t, "message.deferred", recent[0].Action)
}

func TestGateErrorFailsOpen(t *testing.T) {
	f := newFixture(t)
	f.crm.convErr = errors.New("crm 503")

	require.NoError(t, f.deliver(t, "hola"))
	assert.Len(t, f.ch.bodies(), 1, "CRM outage must not silence the bot")
}

func TestBusyConversationSkips(t *testing.T) {
	f := newFixture(t)

	held, err := f.lm.Acquire(context.Background(), "conversation:conv-7", locks.Options{TTL: 5 * time.Second})
	require.NoError(t, err)
	defer f.lm.Release(context.Background(), held)

	require.NoError(t, f.deliver(t, "hola"), "lock timeout completes the job, no error")
	assert.Empty(t, f.ch.bodies())
}

func TestBlockedContactDropped(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.bl.Add(context.Background(), "+525512345678", "abuse", 0))

	require.NoError(t, f.deliver(t, "hola"))

	assert.Empty(t, f.ch.bodies())
	recent := f.tel.Audit.Recent(5)
	require.NotEmpty(t, recent)
	assert.Equal(t, "message.dropped", recent[0].Action)
}

func TestMalformedJobPayload(t *testing.T) {
	f := newFixture(t)

	err := f.worker.HandleJob(context.Background(), &queue.Job{ID: "job-x", Name: JobName, Data: []byte("{")})
	require.Error(t, err)
}

func TestHandlerErrorAnnotatedAndRethrown(t *testing.T) {
	f := newFixture(t)
	f.worker.Register("greeting", func(ctx context.Context, turn *Turn) error {
		return errors.New("downstream 500")
	})

	err := f.deliver(t, "hola")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "route greeting")
	assert.Contains(t, err.Error(), "downstream 500")
}

func TestHandoffClearsFlowAndNotesAgents(t *testing.T) {
	f := newFixture(t)
	_, err := f.flows.Begin(context.Background(), "conv-7", flowstate.FlowOrderCreate)
	require.NoError(t, err)

	require.NoError(t, f.deliver(t, "mejor pásame con una persona"))

	assert.False(t, f.flows.Get("conv-7").Active(), "handoff ends the flow")
	require.Len(t, f.crm.notes, 1)
	assert.Contains(t, f.crm.notes[0], "persona")
	require.Len(t, f.ch.bodies(), 1)
}

func TestFrustrationEscalation(t *testing.T) {
	f := newFixture(t)

	require.NoError(t, f.deliver(t, "PESIMO SERVICIO, SIGO ESPERANDO!!"))

	require.Len(t, f.crm.notes, 1)
	assert.Contains(t, f.crm.notes[0], "frustrado")
	require.Len(t, f.ch.bodies(), 1)
	assert.Contains(t, f.ch.bodies()[0], "Lamento")
}

func TestOrderCreateFlowProgression(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.deliver(t, "quiero ordenar"))
	assert.Equal(t, flowstate.StepCollectingItems, f.flows.Get("conv-7").Step)

	require.NoError(t, f.deliver(t, "2 tacos al pastor"))
	assert.Equal(t, "2 tacos al pastor", f.flows.Get("conv-7").Draft["items"])

	require.NoError(t, f.deliver(t, "y un agua de horchata"))
	assert.Contains(t, f.flows.Get("conv-7").Draft["items"], "horchata")

	require.NoError(t, f.deliver(t, "es todo"))
	assert.Equal(t, flowstate.StepConfirming, f.flows.Get("conv-7").Step)

	require.NoError(t, f.deliver(t, "sí, correcto"))
	assert.Equal(t, flowstate.StepAwaitingPayment, f.flows.Get("conv-7").Step)

	bodies := f.ch.bodies()
	require.Len(t, bodies, 5)
	assert.Contains(t, bodies[3], "tacos", "confirmation repeats the order")
	assert.Contains(t, bodies[4], "pago")

	// The confirmation left an audit trail.
	var sawConfirm bool
	for _, e := range f.tel.Audit.Recent(10) {
		if e.Action == "order.confirmed" {
			sawConfirm = true
		}
	}
	assert.True(t, sawConfirm)
	_ = ctx
}

func TestOrderStatusTurn(t *testing.T) {
	f := newFixture(t)

	require.NoError(t, f.deliver(t, "donde esta mi pedido #48213"))

	bodies := f.ch.bodies()
	require.Len(t, bodies, 1)
	assert.Contains(t, bodies[0], "#48213")
	require.Len(t, f.crm.notes, 1)
	assert.False(t, f.flows.Get("conv-7").Active(), "inquiry answered, flow closed")
}

func TestOrderModifyFlow(t *testing.T) {
	f := newFixture(t)

	require.NoError(t, f.deliver(t, "quiero cambiar mi pedido #555123"))
	assert.Equal(t, flowstate.StepCollectingChanges, f.flows.Get("conv-7").Step)

	require.NoError(t, f.deliver(t, "que sea sin cebolla"))
	assert.Equal(t, flowstate.StepConfirmingChanges, f.flows.Get("conv-7").Step)

	require.NoError(t, f.deliver(t, "sí"))
	assert.False(t, f.flows.Get("conv-7").Active())

	require.NotEmpty(t, f.crm.notes, "agents get the change request")
	assert.Contains(t, f.crm.notes[len(f.crm.notes)-1], "555123")
	assert.Contains(t, f.crm.notes[len(f.crm.notes)-1], "cebolla")
}

func TestAgenticFallback(t *testing.T) {
	f := newFixture(t)

	require.NoError(t, f.deliver(t, "me pueden recomendar algo sin gluten?"))

	require.Len(t, f.ch.bodies(), 1)
	require.Len(t, f.crm.notes, 1, "fallback flags the conversation for review")
}

func TestRepeatedContentStillAnswered(t *testing.T) {
	f := newFixture(t)

	require.NoError(t, f.deliver(t, "gracias"))
	require.NoError(t, f.deliver(t, "gracias"))

	// Webhook-level dedupe catches redeliveries of the same message id;
	// a user genuinely repeating themselves gets answered again.
	assert.Len(t, f.ch.bodies(), 2)
	entries, ok := f.hist.Get("conv-7")
	require.True(t, ok)
	assert.Len(t, entries, 4)
}
