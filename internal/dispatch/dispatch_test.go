package dispatch

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kisslabs/platform/internal/flowstate"
)

func ev(content string) Event {
	return Event{
		Source:         "whatsapp",
		ConversationID: "conv-1",
		MessageID:      "msg-1",
		Contact:        "+525512345678",
		Content:        content,
	}
}

func activeFlow(t flowstate.FlowType, step flowstate.Step) flowstate.State {
	return flowstate.State{ConversationID: "conv-1", Type: t, Step: step}
}

func TestDecideBlockedShortCircuits(t *testing.T) {
	pol := DefaultPolicies()
	pol.Blocked = true
	pol.BlockedBy = "live"

	route := Decide(ev("hola, quiero ordenar"), flowstate.State{}, pol)
	drop, ok := route.(Drop)
	require.True(t, ok, "got %T", route)
	assert.Equal(t, "blocklist:live", drop.Reason)
}

func TestDecideHandoffBeatsFlowPin(t *testing.T) {
	flow := activeFlow(flowstate.FlowOrderCreate, flowstate.StepConfirming)

	route := Decide(ev("mejor pásame con un agente"), flow, DefaultPolicies())
	assert.IsType(t, HandoffHuman{}, route)
}

func TestDecideCancelInsideFlowClearsIt(t *testing.T) {
	flow := activeFlow(flowstate.FlowOrderCreate, flowstate.StepCollectingItems)

	route := Decide(ev("mejor cancela todo"), flow, DefaultPolicies())
	reply, ok := route.(SimpleReply)
	require.True(t, ok, "got %T", route)
	assert.True(t, reply.ClearFlow)
	assert.NotEmpty(t, reply.Response)
}

func TestDecideCancelOrderWithoutFlow(t *testing.T) {
	route := Decide(ev("quiero cancelar mi pedido"), flowstate.State{}, DefaultPolicies())
	assert.IsType(t, FlowOrderModify{}, route)
}

func TestDecideFlowPinContinues(t *testing.T) {
	flow := activeFlow(flowstate.FlowOrderCreate, flowstate.StepCollectingItems)

	// Even a greeting stays inside the flow once one is active.
	route := Decide(ev("hola, también unas quesadillas"), flow, DefaultPolicies())
	create, ok := route.(FlowOrderCreate)
	require.True(t, ok, "got %T", route)
	assert.True(t, create.Continue)
}

func TestDecideStatusFlowPicksUpBareOrderID(t *testing.T) {
	flow := activeFlow(flowstate.FlowOrderStatus, flowstate.StepIdentifyingOrder)

	route := Decide(ev("es el 48213"), flow, DefaultPolicies())
	status, ok := route.(FlowOrderStatus)
	require.True(t, ok, "got %T", route)
	assert.True(t, status.Continue)
	assert.Equal(t, "48213", status.OrderID)
}

func TestDecideStatusFlowFallsBackToDraftOrderID(t *testing.T) {
	flow := activeFlow(flowstate.FlowOrderStatus, flowstate.StepReporting)
	flow.Draft = map[string]string{"order_id": "777123"}

	route := Decide(ev("y ahora?"), flow, DefaultPolicies())
	status, ok := route.(FlowOrderStatus)
	require.True(t, ok, "got %T", route)
	assert.Equal(t, "777123", status.OrderID)
}

func TestDecideFrustrationEscalates(t *testing.T) {
	route := Decide(ev("PESIMO SERVICIO, SIGO ESPERANDO!!"), flowstate.State{}, DefaultPolicies())
	esc, ok := route.(EscalateFrustration)
	require.True(t, ok, "got %T", route)
	assert.GreaterOrEqual(t, esc.Level, 2)
}

func TestDecideMildComplaintDoesNotEscalate(t *testing.T) {
	route := Decide(ev("esto es terrible"), flowstate.State{}, DefaultPolicies())
	assert.NotEqual(t, "escalate_frustration", route.Name())
}

func TestDecideCannedThanks(t *testing.T) {
	route := Decide(ev("mil gracias!"), flowstate.State{}, DefaultPolicies())
	reply, ok := route.(SimpleReply)
	require.True(t, ok, "got %T", route)
	assert.False(t, reply.ClearFlow)
	assert.Contains(t, reply.Response, "gusto")
}

func TestDecideGreeting(t *testing.T) {
	route := Decide(ev("hola!"), flowstate.State{}, DefaultPolicies())
	assert.IsType(t, Greeting{}, route)

	// Long messages that happen to open with a salutation are not greetings.
	long := "hola, fíjate que la semana pasada hice un pedido y nunca llegó nada de nada"
	route = Decide(ev(long), flowstate.State{}, DefaultPolicies())
	assert.NotEqual(t, "greeting", route.Name())
}

func TestDecideFAQ(t *testing.T) {
	route := Decide(ev("¿cuál es su horario los domingos?"), flowstate.State{}, DefaultPolicies())
	faq, ok := route.(FAQ)
	require.True(t, ok, "got %T", route)
	assert.Equal(t, "hours", faq.Key)
}

func TestDecideOrderStatusWithID(t *testing.T) {
	route := Decide(ev("donde esta mi pedido #48213?"), flowstate.State{}, DefaultPolicies())
	status, ok := route.(FlowOrderStatus)
	require.True(t, ok, "got %T", route)
	assert.False(t, status.Continue)
	assert.Equal(t, "48213", status.OrderID)
}

func TestDecideOrderCreate(t *testing.T) {
	route := Decide(ev("quiero ordenar dos pizzas grandes"), flowstate.State{}, DefaultPolicies())
	create, ok := route.(FlowOrderCreate)
	require.True(t, ok, "got %T", route)
	assert.False(t, create.Continue)
	assert.Contains(t, create.Hints, "ordenar")
}

func TestDecideOrderModify(t *testing.T) {
	route := Decide(ev("necesito cambiar la dirección de mi orden"), flowstate.State{}, DefaultPolicies())
	assert.IsType(t, FlowOrderModify{}, route)
}

func TestDecideFallsBackToAgentic(t *testing.T) {
	route := Decide(ev("me pueden recomendar algo sin gluten?"), flowstate.State{}, DefaultPolicies())
	assert.IsType(t, AgenticFlow{}, route)
}

func TestDecideIsDeterministic(t *testing.T) {
	// Message matching two canned triggers must resolve identically on
	// every call.
	pol := DefaultPolicies()
	msg := ev("thanks, gracias!")
	first := Decide(msg, flowstate.State{}, pol)
	for i := 0; i < 20; i++ {
		assert.Equal(t, first, Decide(msg, flowstate.State{}, pol))
	}
}

func TestDedupeAndLockKeys(t *testing.T) {
	e := ev("hola")
	assert.Equal(t, "msg:whatsapp:msg-1", e.DedupeKey())
	assert.Equal(t, "conversation:conv-1", e.LockName())
}
