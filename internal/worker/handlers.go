package worker

import (
	"context"
	"fmt"
	"strings"
	"unicode"

	"github.com/kisslabs/platform/internal/dispatch"
	"github.com/kisslabs/platform/internal/flowstate"
)

func (w *Worker) registerDefaults() {
	w.Register("drop", w.handleDrop)
	w.Register("simple_reply", w.handleSimpleReply)
	w.Register("greeting", w.handleGreeting)
	w.Register("faq", w.handleFAQ)
	w.Register("handoff_human", w.handleHandoff)
	w.Register("escalate_frustration", w.handleFrustration)
	w.Register("flow_order_create", w.handleOrderCreate)
	w.Register("flow_order_status", w.handleOrderStatus)
	w.Register("flow_order_modify", w.handleOrderModify)
	w.Register("agentic_flow", w.handleAgentic)
}

func (w *Worker) handleDrop(ctx context.Context, t *Turn) error {
	drop := t.Route.(dispatch.Drop)
	t.audit(ctx, "message.dropped", map[string]any{
		"reason":     drop.Reason,
		"message_id": t.Event.MessageID,
	})
	return nil
}

func (w *Worker) handleSimpleReply(ctx context.Context, t *Turn) error {
	reply := t.Route.(dispatch.SimpleReply)
	t.Typing(ctx)
	if err := t.Reply(ctx, reply.Response); err != nil {
		return err
	}
	if reply.ClearFlow && t.Flow.Active() {
		return t.ClearFlow(ctx)
	}
	return nil
}

func (w *Worker) handleGreeting(ctx context.Context, t *Turn) error {
	t.Typing(ctx)
	return t.Reply(ctx, w.deps.Policies.GreetingFor(t.Event.ContactName))
}

func (w *Worker) handleFAQ(ctx context.Context, t *Turn) error {
	faq := t.Route.(dispatch.FAQ)
	answer, ok := w.deps.Policies.FAQAnswer(faq.Key)
	if !ok {
		// Config drift: the routing table knows a key the answer table
		// lost. The agentic fallback still gives the user something.
		w.tel.Logger.Warn("faq key without answer", "key", faq.Key)
		return w.handleAgentic(ctx, t)
	}
	t.Typing(ctx)
	return t.Reply(ctx, answer)
}

func (w *Worker) handleHandoff(ctx context.Context, t *Turn) error {
	if err := t.Note(ctx, "El cliente pidió hablar con una persona. Bot en pausa para esta conversación."); err != nil {
		return err
	}
	if err := t.Reply(ctx, "Claro, en un momento te atiende una persona del equipo."); err != nil {
		return err
	}
	t.audit(ctx, "conversation.handoff", map[string]any{"requested_by": "user"})
	if t.Flow.Active() {
		return t.ClearFlow(ctx)
	}
	return nil
}

func (w *Worker) handleFrustration(ctx context.Context, t *Turn) error {
	esc := t.Route.(dispatch.EscalateFrustration)
	if err := t.Note(ctx, fmt.Sprintf("Cliente frustrado (nivel %d). Conviene que lo tome una persona.", esc.Level)); err != nil {
		return err
	}
	if err := t.Reply(ctx, "Lamento mucho la experiencia. Ya avisé al equipo para que lo revisen contigo de inmediato."); err != nil {
		return err
	}
	t.audit(ctx, "conversation.frustration", map[string]any{"level": esc.Level})
	return nil
}

// Conversational texts for the order flows. The registry can localize
// these via PolicySource later; the handlers only decide which one fits
// the current step.
const (
	askItems       = "¡Va! ¿Qué te gustaría ordenar?"
	askMoreItems   = "Anotado. ¿Algo más? Cuando termines dime \"es todo\"."
	askConfirm     = "Confirmo tu pedido: %s. ¿Es correcto?"
	askPayment     = "Perfecto. En un momento te llega la liga de pago para cerrar tu pedido."
	stillPayment   = "Seguimos esperando la confirmación de tu pago. Te aviso en cuanto entre."
	orderDone      = "Tu pedido ya quedó confirmado. ¡Gracias!"
	askOrderNumber = "¿Me compartes tu número de pedido? Lo encuentras en tu confirmación."
	statusAck      = "Dame un momento, reviso el pedido %s y te aviso aquí mismo."
	askChanges     = "Claro, ¿qué quieres cambiar de tu pedido?"
	confirmChanges = "Entonces quedaría así: %s. ¿Lo aplico?"
	changesApplied = "Listo, apliqué los cambios a tu pedido."
)

var confirmWords = []string{"si", "correcto", "confirmo", "ok", "sale", "va", "yes"}
var doneWords = []string{"es todo", "eso es todo", "ya es todo", "nada mas", "listo", "seria todo"}
var negativeWords = []string{"no", "nel", "espera", "aun no"}

// saysAny matches single words against whole tokens (so "bueno" never
// matches "no") and multi-word phrases as substrings. Text is folded the
// same way the dispatcher folds it.
func saysAny(content string, phrases []string) bool {
	folded := dispatch.Fold(content)
	tokens := make(map[string]struct{})
	for _, f := range strings.FieldsFunc(folded, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	}) {
		tokens[f] = struct{}{}
	}
	for _, p := range phrases {
		if strings.ContainsRune(p, ' ') {
			if strings.Contains(folded, p) {
				return true
			}
			continue
		}
		if _, ok := tokens[p]; ok {
			return true
		}
	}
	return false
}

func (w *Worker) handleOrderCreate(ctx context.Context, t *Turn) error {
	route := t.Route.(dispatch.FlowOrderCreate)
	t.Typing(ctx)

	if !route.Continue || !t.Flow.Active() {
		if err := t.BeginFlow(ctx, flowstate.FlowOrderCreate); err != nil {
			return err
		}
		return t.Reply(ctx, askItems)
	}

	switch t.Flow.Step {
	case flowstate.StepCollectingItems:
		if saysAny(t.Event.Content, doneWords) {
			items := t.Flow.Draft["items"]
			if items == "" {
				return t.Reply(ctx, askItems)
			}
			next := t.Flow
			next.Step = flowstate.StepConfirming
			if err := t.SetFlow(ctx, next); err != nil {
				return err
			}
			return t.Reply(ctx, fmt.Sprintf(askConfirm, items))
		}
		next := t.Flow
		next.Step = flowstate.StepCollectingItems
		next.Draft = cloneDraft(t.Flow.Draft)
		next.Draft["items"] = appendItem(t.Flow.Draft["items"], t.Event.Content)
		if err := t.SetFlow(ctx, next); err != nil {
			return err
		}
		return t.Reply(ctx, askMoreItems)

	case flowstate.StepConfirming:
		if saysAny(t.Event.Content, confirmWords) && !saysAny(t.Event.Content, negativeWords) {
			next := t.Flow
			next.Step = flowstate.StepAwaitingPayment
			if err := t.SetFlow(ctx, next); err != nil {
				return err
			}
			t.audit(ctx, "order.confirmed", map[string]any{"items": t.Flow.Draft["items"]})
			return t.Reply(ctx, askPayment)
		}
		next := t.Flow
		next.Step = flowstate.StepCollectingItems
		if err := t.SetFlow(ctx, next); err != nil {
			return err
		}
		return t.Reply(ctx, "Va, ¿qué ajustamos?")

	case flowstate.StepAwaitingPayment:
		return t.Reply(ctx, stillPayment)

	case flowstate.StepCompleted:
		if err := t.Reply(ctx, orderDone); err != nil {
			return err
		}
		return t.ClearFlow(ctx)
	}
	return nil
}

func (w *Worker) handleOrderStatus(ctx context.Context, t *Turn) error {
	route := t.Route.(dispatch.FlowOrderStatus)
	t.Typing(ctx)

	if !t.Flow.Active() {
		if err := t.BeginFlow(ctx, flowstate.FlowOrderStatus); err != nil {
			return err
		}
	}
	if route.OrderID == "" {
		return t.Reply(ctx, askOrderNumber)
	}

	next := t.Flow
	next.Step = flowstate.StepReporting
	next.Draft = cloneDraft(t.Flow.Draft)
	next.Draft["order_id"] = route.OrderID
	if err := t.SetFlow(ctx, next); err != nil {
		return err
	}
	if err := t.Note(ctx, fmt.Sprintf("Consulta de estatus del pedido %s.", route.OrderID)); err != nil {
		return err
	}
	if err := t.Reply(ctx, fmt.Sprintf(statusAck, "#"+route.OrderID)); err != nil {
		return err
	}
	// Inquiry answered; the conversation is free for whatever comes next.
	return t.ClearFlow(ctx)
}

func (w *Worker) handleOrderModify(ctx context.Context, t *Turn) error {
	route := t.Route.(dispatch.FlowOrderModify)
	t.Typing(ctx)

	if !route.Continue || !t.Flow.Active() {
		if err := t.BeginFlow(ctx, flowstate.FlowOrderModify); err != nil {
			return err
		}
		if route.OrderID == "" {
			return t.Reply(ctx, askOrderNumber)
		}
	}

	switch t.Flow.Step {
	case flowstate.StepIdentifyingOrder:
		if route.OrderID == "" {
			return t.Reply(ctx, askOrderNumber)
		}
		next := t.Flow
		next.Step = flowstate.StepCollectingChanges
		next.Draft = cloneDraft(t.Flow.Draft)
		next.Draft["order_id"] = route.OrderID
		if err := t.SetFlow(ctx, next); err != nil {
			return err
		}
		return t.Reply(ctx, askChanges)

	case flowstate.StepCollectingChanges:
		next := t.Flow
		next.Step = flowstate.StepConfirmingChanges
		next.Draft = cloneDraft(t.Flow.Draft)
		next.Draft["changes"] = appendItem(t.Flow.Draft["changes"], t.Event.Content)
		if err := t.SetFlow(ctx, next); err != nil {
			return err
		}
		return t.Reply(ctx, fmt.Sprintf(confirmChanges, next.Draft["changes"]))

	case flowstate.StepConfirmingChanges:
		if saysAny(t.Event.Content, confirmWords) && !saysAny(t.Event.Content, negativeWords) {
			next := t.Flow
			next.Step = flowstate.StepApplied
			if err := t.SetFlow(ctx, next); err != nil {
				return err
			}
			note := fmt.Sprintf("Aplicar cambios al pedido %s: %s", t.Flow.Draft["order_id"], t.Flow.Draft["changes"])
			if err := t.Note(ctx, note); err != nil {
				return err
			}
			t.audit(ctx, "order.modified", map[string]any{"order_id": t.Flow.Draft["order_id"]})
			if err := t.Reply(ctx, changesApplied); err != nil {
				return err
			}
			return t.ClearFlow(ctx)
		}
		next := t.Flow
		next.Step = flowstate.StepCollectingChanges
		if err := t.SetFlow(ctx, next); err != nil {
			return err
		}
		return t.Reply(ctx, askChanges)

	case flowstate.StepApplied:
		if err := t.Reply(ctx, changesApplied); err != nil {
			return err
		}
		return t.ClearFlow(ctx)
	}
	return nil
}

// handleAgentic is the fallback when no deterministic route matches. The
// default keeps the conversation moving and flags it for an agent; the
// real assistant integration replaces this handler via Register.
func (w *Worker) handleAgentic(ctx context.Context, t *Turn) error {
	t.Typing(ctx)
	if err := t.Reply(ctx, w.deps.Policies.FallbackReply()); err != nil {
		return err
	}
	return t.Note(ctx, "Mensaje fuera de los flujos deterministas; revisar si el cliente necesita ayuda.")
}

func appendItem(existing, item string) string {
	item = strings.TrimSpace(item)
	if existing == "" {
		return item
	}
	return existing + "; " + item
}

func cloneDraft(d map[string]string) map[string]string {
	out := make(map[string]string, len(d)+1)
	for k, v := range d {
		out[k] = v
	}
	return out
}

// builtinPolicies is the zero-config PolicySource.
type builtinPolicies struct{}

func (builtinPolicies) RoutingPolicies(context.Context) dispatch.Policies {
	return dispatch.DefaultPolicies()
}

var builtinFAQ = map[string]string{
	"hours":     "Abrimos todos los días de 9:00 a 21:00.",
	"locations": "Estamos en Roma Norte, Condesa y Polanco. ¿Cuál te queda mejor?",
	"delivery":  "Sí hacemos envíos a domicilio, sin costo en pedidos mayores a $200.",
	"billing":   "Para facturar, mándanos tu constancia fiscal y el número de pedido.",
}

func (builtinPolicies) FAQAnswer(key string) (string, bool) {
	answer, ok := builtinFAQ[key]
	return answer, ok
}

func (builtinPolicies) GreetingFor(name string) string {
	if name != "" {
		return fmt.Sprintf("¡Hola, %s! ¿En qué te puedo ayudar hoy?", name)
	}
	return "¡Hola! ¿En qué te puedo ayudar hoy?"
}

func (builtinPolicies) FallbackReply() string {
	return "Déjame revisarlo y te respondo en un momento."
}
