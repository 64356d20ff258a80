// Package flowstate tracks where each conversation stands inside a
// multi-turn flow (ordering, status inquiry, modification). State lives
// in memory for speed and is mirrored to the KV store so a restarted
// instance can pick a conversation back up mid-flow.
package flowstate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/kisslabs/platform/internal/kv"
	"github.com/kisslabs/platform/internal/telemetry"
)

// FlowType names a multi-turn flow. The empty value means "no active
// flow" and is what Get reports for fresh conversations.
type FlowType string

const (
	FlowNone        FlowType = ""
	FlowOrderCreate FlowType = "ORDER_CREATE"
	FlowOrderStatus FlowType = "ORDER_STATUS"
	FlowOrderModify FlowType = "ORDER_MODIFY"
)

// Step is a position within a flow.
type Step string

const (
	// ORDER_CREATE
	StepCollectingItems Step = "collecting_items"
	StepConfirming      Step = "confirming"
	StepAwaitingPayment Step = "awaiting_payment"
	StepCompleted       Step = "completed"

	// ORDER_STATUS
	StepIdentifyingOrder Step = "identifying_order"
	StepReporting        Step = "reporting"

	// ORDER_MODIFY
	StepCollectingChanges Step = "collecting_changes"
	StepConfirmingChanges Step = "confirming_changes"
	StepApplied           Step = "applied"
)

// flowGraphs defines the legal step transitions per flow. A step may
// always re-enter itself (draft updates); edges list the moves forward
// and the explicit backtracks.
var flowGraphs = map[FlowType]map[Step][]Step{
	FlowOrderCreate: {
		StepCollectingItems: {StepConfirming},
		StepConfirming:      {StepCollectingItems, StepAwaitingPayment},
		StepAwaitingPayment: {StepConfirming, StepCompleted},
		StepCompleted:       {},
	},
	FlowOrderStatus: {
		StepIdentifyingOrder: {StepReporting},
		StepReporting:        {},
	},
	FlowOrderModify: {
		StepIdentifyingOrder:  {StepCollectingChanges},
		StepCollectingChanges: {StepConfirmingChanges},
		StepConfirmingChanges: {StepCollectingChanges, StepApplied},
		StepApplied:           {},
	},
}

// flowEntry is the step a flow begins at.
var flowEntry = map[FlowType]Step{
	FlowOrderCreate: StepCollectingItems,
	FlowOrderStatus: StepIdentifyingOrder,
	FlowOrderModify: StepIdentifyingOrder,
}

const (
	maxDraftFields   = 16
	maxDraftValueLen = 4096
)

// State is one conversation's flow position.
type State struct {
	ConversationID string            `json:"conversation_id"`
	Type           FlowType          `json:"type"`
	Step           Step              `json:"step"`
	Draft          map[string]string `json:"draft,omitempty"`
	Meta           map[string]string `json:"meta,omitempty"`
	UpdatedAt      time.Time         `json:"updated_at"`
}

// Active reports whether the conversation is inside a flow.
func (s State) Active() bool { return s.Type != FlowNone }

// ErrUnknownFlow is returned for a FlowType with no step graph.
var ErrUnknownFlow = errors.New("flowstate: unknown flow type")

// ErrDraftTooLarge is returned when a draft exceeds its field or size
// bounds.
var ErrDraftTooLarge = errors.New("flowstate: draft exceeds bounds")

// InvalidStepError reports an illegal step move along with the moves that
// would have been legal.
type InvalidStepError struct {
	Type  FlowType
	From  Step
	To    Step
	Legal []Step
}

func (e *InvalidStepError) Error() string {
	return fmt.Sprintf("flowstate: %s cannot move %s -> %s (legal: %v)", e.Type, e.From, e.To, e.Legal)
}

// Service holds flow states with a KV mirror.
type Service struct {
	store kv.Store
	tel   *telemetry.Telemetry
	ttl   time.Duration

	mu    sync.RWMutex
	cache map[string]State
}

// NewService creates the flow state service. ttl bounds how long an
// abandoned flow survives in the mirror; default 24h.
func NewService(store kv.Store, tel *telemetry.Telemetry, ttl time.Duration) *Service {
	if tel == nil {
		tel = telemetry.Nop()
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Service{
		store: store,
		tel:   tel,
		ttl:   ttl,
		cache: make(map[string]State),
	}
}

func mirrorKey(conversationID string) string { return "flow:" + conversationID }

// Get returns the in-memory state. A zero State means no active flow;
// callers that might be on a fresh instance should Hydrate instead.
func (s *Service) Get(conversationID string) State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cache[conversationID]
}

// Hydrate returns the state, rebuilding the in-memory copy from the
// mirror when this instance has none.
func (s *Service) Hydrate(ctx context.Context, conversationID string) (State, error) {
	s.mu.RLock()
	st, ok := s.cache[conversationID]
	s.mu.RUnlock()
	if ok {
		return st, nil
	}

	raw, found, err := s.store.Get(ctx, mirrorKey(conversationID))
	if err != nil {
		if errors.Is(err, kv.ErrUnavailable) {
			return State{}, nil // mirror down: treat as no flow
		}
		return State{}, fmt.Errorf("flowstate: hydrate %s: %w", conversationID, err)
	}
	if !found {
		return State{}, nil
	}

	if err := json.Unmarshal([]byte(raw), &st); err != nil {
		return State{}, fmt.Errorf("flowstate: decode %s: %w", conversationID, err)
	}
	s.mu.Lock()
	s.cache[conversationID] = st
	s.mu.Unlock()
	return st, nil
}

// Begin enters a flow at its entry step.
func (s *Service) Begin(ctx context.Context, conversationID string, flow FlowType) (State, error) {
	entry, ok := flowEntry[flow]
	if !ok {
		return State{}, ErrUnknownFlow
	}
	st := State{ConversationID: conversationID, Type: flow, Step: entry}
	if err := s.Set(ctx, st); err != nil {
		return State{}, err
	}
	return s.Get(conversationID), nil
}

// Set validates the step move against the current state and writes the
// new state to memory and the mirror.
func (s *Service) Set(ctx context.Context, next State) error {
	if next.ConversationID == "" {
		return errors.New("flowstate: conversation id required")
	}
	if !next.Active() {
		return errors.New("flowstate: use Clear to end a flow")
	}
	graph, ok := flowGraphs[next.Type]
	if !ok {
		return ErrUnknownFlow
	}
	if err := checkDraft(next.Draft); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	current := s.cache[next.ConversationID]
	if err := validateMove(graph, current, next); err != nil {
		s.tel.Logger.Warn("illegal flow step rejected",
			"conversation", next.ConversationID, "flow", string(next.Type),
			"from", string(current.Step), "to", string(next.Step))
		return err
	}

	next.UpdatedAt = time.Now().UTC()
	s.cache[next.ConversationID] = next

	payload, err := json.Marshal(next)
	if err != nil {
		return fmt.Errorf("flowstate: marshal %s: %w", next.ConversationID, err)
	}
	if err := s.store.SetWithTTL(ctx, mirrorKey(next.ConversationID), string(payload), s.ttl); err != nil {
		if errors.Is(err, kv.ErrUnavailable) {
			// Memory holds the truth until the mirror recovers.
			return nil
		}
		return fmt.Errorf("flowstate: mirror %s: %w", next.ConversationID, err)
	}
	return nil
}

func validateMove(graph map[Step][]Step, current, next State) error {
	// Entering a flow (fresh conversation or switching flows) lands on
	// the entry step.
	if !current.Active() || current.Type != next.Type {
		if next.Step != flowEntry[next.Type] {
			return &InvalidStepError{
				Type: next.Type, From: "", To: next.Step,
				Legal: []Step{flowEntry[next.Type]},
			}
		}
		return nil
	}

	// Same step: draft/meta update.
	if current.Step == next.Step {
		return nil
	}
	for _, legal := range graph[current.Step] {
		if legal == next.Step {
			return nil
		}
	}
	return &InvalidStepError{
		Type: next.Type, From: current.Step, To: next.Step,
		Legal: graph[current.Step],
	}
}

func checkDraft(draft map[string]string) error {
	if len(draft) > maxDraftFields {
		return ErrDraftTooLarge
	}
	for _, v := range draft {
		if len(v) > maxDraftValueLen {
			return ErrDraftTooLarge
		}
	}
	return nil
}

// Clear ends the conversation's flow everywhere.
func (s *Service) Clear(ctx context.Context, conversationID string) error {
	s.mu.Lock()
	delete(s.cache, conversationID)
	s.mu.Unlock()

	if err := s.store.Delete(ctx, mirrorKey(conversationID)); err != nil && !errors.Is(err, kv.ErrUnavailable) {
		return fmt.Errorf("flowstate: clear %s: %w", conversationID, err)
	}
	return nil
}

// Len reports in-memory flows, for stats.
func (s *Service) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.cache)
}
