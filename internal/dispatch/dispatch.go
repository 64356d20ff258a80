// Package dispatch decides what to do with an inbound message. Decide is
// a pure function over the event text, the conversation's flow state and
// the resolved policies: no I/O, no model calls, same inputs same route.
package dispatch

import (
	"regexp"
	"sort"
	"strings"
	"time"
	"unicode"

	"github.com/kisslabs/platform/internal/flowstate"
)

// Event is one inbound message after webhook validation and filtering.
type Event struct {
	Source         string    `json:"source"`
	AccountID      string    `json:"account_id"`
	ConversationID string    `json:"conversation_id"`
	MessageID      string    `json:"message_id"`
	Contact        string    `json:"contact"`
	ContactName    string    `json:"contact_name,omitempty"`
	Content        string    `json:"content"`
	ReceivedAt     time.Time `json:"received_at"`
}

// DedupeKey identifies this message across webhook redeliveries.
func (e Event) DedupeKey() string { return "msg:" + e.Source + ":" + e.MessageID }

// LockName is the per-conversation mutual exclusion key.
func (e Event) LockName() string { return "conversation:" + e.ConversationID }

// Route is the dispatcher's verdict. The set is closed: handlers switch
// over these types and nothing else.
type Route interface {
	Name() string
	route()
}

// SimpleReply answers with a deterministic canned response.
type SimpleReply struct {
	Response  string
	ClearFlow bool
}

// Greeting hands the event to the greeting handler: fresh conversation,
// short salutation, no canned match.
type Greeting struct{}

// FAQ resolves a canonical question to its localized answer.
type FAQ struct {
	Key string
}

// HandoffHuman parks the bot and pages a human agent.
type HandoffHuman struct{}

// EscalateFrustration routes to the de-escalation handler. Level counts
// the frustration signals observed in the message.
type EscalateFrustration struct {
	Level int
}

// FlowOrderCreate begins or continues the ordering flow.
type FlowOrderCreate struct {
	Continue bool
	Hints    []string
}

// FlowOrderStatus begins or continues a status inquiry.
type FlowOrderStatus struct {
	Continue bool
	OrderID  string
}

// FlowOrderModify begins or continues modifying an existing order.
type FlowOrderModify struct {
	Continue bool
	OrderID  string
}

// AgenticFlow is the fallback: the free-form assistant takes over.
type AgenticFlow struct{}

// Drop discards the event without reply.
type Drop struct {
	Reason string
}

func (SimpleReply) Name() string         { return "simple_reply" }
func (Greeting) Name() string            { return "greeting" }
func (FAQ) Name() string                 { return "faq" }
func (HandoffHuman) Name() string        { return "handoff_human" }
func (EscalateFrustration) Name() string { return "escalate_frustration" }
func (FlowOrderCreate) Name() string     { return "flow_order_create" }
func (FlowOrderStatus) Name() string     { return "flow_order_status" }
func (FlowOrderModify) Name() string     { return "flow_order_modify" }
func (AgenticFlow) Name() string         { return "agentic_flow" }
func (Drop) Name() string                { return "drop" }

func (SimpleReply) route()         {}
func (Greeting) route()            {}
func (FAQ) route()                 {}
func (HandoffHuman) route()        {}
func (EscalateFrustration) route() {}
func (FlowOrderCreate) route()     {}
func (FlowOrderStatus) route()     {}
func (FlowOrderModify) route()     {}
func (AgenticFlow) route()         {}
func (Drop) route()                {}

// Policies is the plain data the dispatcher consults: resolved blocklist
// verdict plus the routing tables from the registry snapshot. Callers do
// the I/O; Decide only reads.
type Policies struct {
	Blocked              bool
	BlockedBy            string
	CannedReplies        map[string]string
	CancelReply          string
	FAQ                  map[string]string
	FrustrationThreshold int
}

// DefaultPolicies returns the baked-in routing tables used when the
// registry has nothing better.
func DefaultPolicies() Policies {
	return Policies{
		FrustrationThreshold: 2,
		CancelReply:          "De acuerdo, lo dejamos ahí. Cuando quieras retomamos.",
		CannedReplies: map[string]string{
			"gracias": "¡Con gusto! ¿Algo más en lo que te pueda ayudar?",
			"thanks":  "You're welcome! Anything else I can help with?",
		},
		FAQ: map[string]string{
			"horario":     "hours",
			"horarios":    "hours",
			"abierto":     "hours",
			"hours":       "hours",
			"sucursal":    "locations",
			"sucursales":  "locations",
			"ubicacion":   "locations",
			"location":    "locations",
			"domicilio":   "delivery",
			"envio":       "delivery",
			"delivery":    "delivery",
			"factura":     "billing",
			"facturacion": "billing",
		},
	}
}

var (
	handoffWords = []string{
		"humano", "persona", "agente", "asesor", "representante",
		"gerente", "supervisor", "human", "agent",
	}
	cancelWords = []string{
		"cancelar", "cancela", "cancel", "olvidalo", "dejalo",
	}
	greetingWords = []string{
		"hola", "buenas", "hello", "hi", "hey", "saludos",
	}
	frustrationWords = []string{
		"molesto", "molesta", "enojado", "enojada", "furioso", "furiosa",
		"pesimo", "pesima", "terrible", "horrible", "inaceptable",
		"queja", "harto", "harta", "fraude", "estafa",
		"angry", "furious", "unacceptable", "awful", "worst", "scam",
	}
	createWords = []string{
		"ordenar", "pedir", "antojo", "menu", "order",
	}
	statusWords = []string{
		"estatus", "status", "rastrear", "seguimiento", "track", "tardado",
		"donde esta", "cuando llega", "ya viene",
	}
	modifyWords = []string{
		"cambiar", "cambia", "modificar", "modifica", "agregar", "agrega",
		"quitar", "quita", "corregir", "change", "modify",
	}
	orderNouns = []string{"pedido", "orden", "order"}
)

var orderIDPattern = regexp.MustCompile(`(?:#|\bpedido\s+|\borden\s+|\border\s+)(\d{3,})`)
var bareOrderID = regexp.MustCompile(`\b(\d{4,})\b`)

// Decide maps one event to its route. Tie-break: an active flow pins the
// route to that flow's continuation unless the message is an explicit
// cancellation or an explicit request for a human.
func Decide(event Event, flow flowstate.State, pol Policies) Route {
	if pol.Blocked {
		reason := "blocklist"
		if pol.BlockedBy != "" {
			reason = "blocklist:" + pol.BlockedBy
		}
		return Drop{Reason: reason}
	}

	text := Fold(event.Content)
	tokens := tokenize(text)

	if matchesAny(text, tokens, handoffWords) {
		return HandoffHuman{}
	}
	if matchesAny(text, tokens, cancelWords) {
		if flow.Active() {
			return SimpleReply{Response: pol.CancelReply, ClearFlow: true}
		}
		if matchesAny(text, tokens, orderNouns) {
			return FlowOrderModify{OrderID: extractOrderID(text, false)}
		}
		return SimpleReply{Response: pol.CancelReply}
	}

	if flow.Active() {
		return continueFlow(flow, text, tokens)
	}

	if level := frustrationLevel(event.Content, text, tokens); level >= threshold(pol) {
		return EscalateFrustration{Level: level}
	}

	if reply, ok := cannedMatch(tokens, pol.CannedReplies); ok {
		return SimpleReply{Response: reply}
	}
	if isGreeting(text, tokens) {
		return Greeting{}
	}
	if key, ok := faqMatch(tokens, pol.FAQ); ok {
		return FAQ{Key: key}
	}

	if matchesAny(text, tokens, modifyWords) && matchesAny(text, tokens, orderNouns) {
		return FlowOrderModify{OrderID: extractOrderID(text, false)}
	}
	if id := extractOrderID(text, false); id != "" || matchesAny(text, tokens, statusWords) {
		return FlowOrderStatus{OrderID: id}
	}
	if matchesAny(text, tokens, createWords) {
		return FlowOrderCreate{Hints: intersect(tokens, createWords)}
	}

	return AgenticFlow{}
}

func continueFlow(flow flowstate.State, text string, tokens map[string]struct{}) Route {
	switch flow.Type {
	case flowstate.FlowOrderCreate:
		return FlowOrderCreate{Continue: true, Hints: intersect(tokens, createWords)}
	case flowstate.FlowOrderStatus:
		id := extractOrderID(text, true)
		if id == "" {
			id = flow.Draft["order_id"]
		}
		return FlowOrderStatus{Continue: true, OrderID: id}
	case flowstate.FlowOrderModify:
		id := extractOrderID(text, true)
		if id == "" {
			id = flow.Draft["order_id"]
		}
		return FlowOrderModify{Continue: true, OrderID: id}
	default:
		return AgenticFlow{}
	}
}

func threshold(pol Policies) int {
	if pol.FrustrationThreshold > 0 {
		return pol.FrustrationThreshold
	}
	return 2
}

// frustrationLevel counts independent signals: anger vocabulary, stacked
// exclamation marks, and shouting (mostly upper-case text).
func frustrationLevel(raw, folded string, tokens map[string]struct{}) int {
	level := len(intersect(tokens, frustrationWords))
	if strings.Contains(folded, "!!") {
		level++
	}
	if isShouting(raw) {
		level++
	}
	return level
}

func isShouting(raw string) bool {
	var letters, upper int
	for _, r := range raw {
		if unicode.IsLetter(r) {
			letters++
			if unicode.IsUpper(r) {
				upper++
			}
		}
	}
	return letters >= 8 && upper*10 >= letters*7
}

func isGreeting(text string, tokens map[string]struct{}) bool {
	if len(tokens) > 5 || len(text) > 48 {
		return false
	}
	for _, w := range greetingWords {
		if _, ok := tokens[w]; ok {
			return true
		}
	}
	return false
}

// cannedMatch and faqMatch walk their tables in sorted key order so that a
// message hitting several triggers always resolves the same way.
func cannedMatch(tokens map[string]struct{}, replies map[string]string) (string, bool) {
	for _, trigger := range sortedKeys(replies) {
		if _, ok := tokens[Fold(trigger)]; ok {
			return replies[trigger], true
		}
	}
	return "", false
}

func faqMatch(tokens map[string]struct{}, faq map[string]string) (string, bool) {
	for _, keyword := range sortedKeys(faq) {
		if _, ok := tokens[Fold(keyword)]; ok {
			return faq[keyword], true
		}
	}
	return "", false
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func extractOrderID(text string, allowBare bool) string {
	if m := orderIDPattern.FindStringSubmatch(text); m != nil {
		return m[1]
	}
	if allowBare {
		if m := bareOrderID.FindStringSubmatch(text); m != nil {
			return m[1]
		}
	}
	return ""
}

// accentFold maps the accented letters that show up in es-MX chat onto
// their base forms so keyword tables stay accent-free.
var accentFold = strings.NewReplacer(
	"á", "a", "é", "e", "í", "i", "ó", "o", "ú", "u", "ü", "u", "ñ", "n",
)

// Fold lower-cases, trims, and strips the es-MX accents so keyword
// tables and callers match on one canonical form.
func Fold(s string) string {
	return accentFold.Replace(strings.ToLower(strings.TrimSpace(s)))
}

func tokenize(folded string) map[string]struct{} {
	fields := strings.FieldsFunc(folded, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	set := make(map[string]struct{}, len(fields))
	for _, f := range fields {
		set[f] = struct{}{}
	}
	return set
}

// matchesAny checks single words against the token set and multi-word
// phrases as substrings.
func matchesAny(text string, tokens map[string]struct{}, words []string) bool {
	for _, w := range words {
		if strings.ContainsRune(w, ' ') {
			if strings.Contains(text, w) {
				return true
			}
			continue
		}
		if _, ok := tokens[w]; ok {
			return true
		}
	}
	return false
}

func intersect(tokens map[string]struct{}, words []string) []string {
	var out []string
	for _, w := range words {
		if _, ok := tokens[w]; ok {
			out = append(out, w)
		}
	}
	return out
}
