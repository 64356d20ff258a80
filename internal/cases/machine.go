// Package cases owns the investigation state machine: the closed set of
// case states, the events that move between them, and the validated
// transition service that appends to the case's transition log.
package cases

import (
	"fmt"
	"sort"
)

// State is one node of the case lifecycle graph.
type State string

const (
	StateOpen          State = "OPEN"
	StateInvestigating State = "INVESTIGATING"
	StateDiagnosed     State = "DIAGNOSED"
	StateRecommended   State = "RECOMMENDED"
	StateApproved      State = "APPROVED"
	StateExecuting     State = "EXECUTING"
	StateExecuted      State = "EXECUTED"
	StateMeasuring     State = "MEASURING"
	StateMeasured      State = "MEASURED"
	StateClosed        State = "CLOSED"
)

// Event is one edge label of the lifecycle graph.
type Event string

const (
	EventStartInvestigation   Event = "START_INVESTIGATION"
	EventCloseAsNoise         Event = "CLOSE_AS_NOISE"
	EventAddEvidence          Event = "ADD_EVIDENCE"
	EventNeedMoreInfo         Event = "NEED_MORE_INFO"
	EventDiagnose             Event = "DIAGNOSE"
	EventCloseFalsePositive   Event = "CLOSE_AS_FALSE_POSITIVE"
	EventRecommendAction      Event = "RECOMMEND_ACTION"
	EventCloseNoActionNeeded  Event = "CLOSE_NO_ACTION_NEEDED"
	EventApproveAction        Event = "APPROVE_ACTION"
	EventRejectAction         Event = "REJECT_ACTION"
	EventModifyRecommendation Event = "MODIFY_RECOMMENDATION"
	EventStartExecution       Event = "START_EXECUTION"
	EventCancel               Event = "CANCEL"
	EventExecutionSuccess     Event = "EXECUTION_SUCCESS"
	EventExecutionFailed      Event = "EXECUTION_FAILED"
	EventStartMeasurement     Event = "START_MEASUREMENT"
	EventSkipMeasurement      Event = "SKIP_MEASUREMENT"
	EventMeasurementComplete  Event = "MEASUREMENT_COMPLETE"
	EventCloseWithLearnings   Event = "CLOSE_WITH_LEARNINGS"
	EventReopen               Event = "REOPEN"
)

// transitions is the complete edge set. Lookup is (state, event) -> next.
var transitions = map[State]map[Event]State{
	StateOpen: {
		EventStartInvestigation: StateInvestigating,
		EventCloseAsNoise:       StateClosed,
	},
	StateInvestigating: {
		EventAddEvidence:        StateInvestigating,
		EventNeedMoreInfo:       StateInvestigating,
		EventDiagnose:           StateDiagnosed,
		EventCloseFalsePositive: StateClosed,
	},
	StateDiagnosed: {
		EventRecommendAction:     StateRecommended,
		EventCloseNoActionNeeded: StateClosed,
	},
	StateRecommended: {
		EventApproveAction:        StateApproved,
		EventRejectAction:         StateDiagnosed,
		EventModifyRecommendation: StateRecommended,
	},
	StateApproved: {
		EventStartExecution: StateExecuting,
		EventCancel:         StateClosed,
	},
	StateExecuting: {
		EventExecutionSuccess: StateExecuted,
		EventExecutionFailed:  StateApproved,
	},
	StateExecuted: {
		EventStartMeasurement: StateMeasuring,
		EventSkipMeasurement:  StateClosed,
	},
	StateMeasuring: {
		EventMeasurementComplete: StateMeasured,
	},
	StateMeasured: {
		EventCloseWithLearnings: StateClosed,
	},
	StateClosed: {
		EventReopen: StateInvestigating,
	},
}

// InvalidTransitionError reports an event that is not an edge from the
// current state, carrying the events that would have been legal.
type InvalidTransitionError struct {
	From        State
	Event       Event
	LegalEvents []Event
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("cases: no transition %s --%s-->; legal events: %v",
		e.From, e.Event, e.LegalEvents)
}

// Next resolves one transition. The error is always an
// *InvalidTransitionError when the edge does not exist.
func Next(from State, event Event) (State, error) {
	if to, ok := transitions[from][event]; ok {
		return to, nil
	}
	return "", &InvalidTransitionError{From: from, Event: event, LegalEvents: LegalEvents(from)}
}

// LegalEvents lists the events accepted in the given state, sorted.
func LegalEvents(from State) []Event {
	edges := transitions[from]
	out := make([]Event, 0, len(edges))
	for ev := range edges {
		out = append(out, ev)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// States lists every state, sorted.
func States() []State {
	out := make([]State, 0, len(transitions))
	for s := range transitions {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func init() {
	if err := auditGraph(); err != nil {
		panic(err)
	}
}

// backtrackEvents are the declared retreat edges: rejecting a
// recommendation and a failed execution both send the case to an earlier
// state on purpose. The graph audit excludes them from the cycle check
// but verifies they really do go backwards.
var backtrackEvents = map[Event]bool{
	EventRejectAction:    true,
	EventExecutionFailed: true,
}

// auditGraph asserts the shape the lifecycle depends on: ignoring
// self-loops, declared backtrack edges, and the single REOPEN edge, the
// graph is acyclic, so a case always makes forward progress toward
// CLOSED. Runs once at init so an edited table cannot drift silently.
func auditGraph() error {
	var reopens int
	forward := make(map[State][]State)
	type backEdge struct{ from, to State }
	var backtracks []backEdge
	for from, edges := range transitions {
		for ev, to := range edges {
			if to == from {
				continue
			}
			if ev == EventReopen {
				reopens++
				if from != StateClosed || to != StateInvestigating {
					return fmt.Errorf("cases: REOPEN must be CLOSED -> INVESTIGATING, got %s -> %s", from, to)
				}
				continue
			}
			if backtrackEvents[ev] {
				backtracks = append(backtracks, backEdge{from, to})
				continue
			}
			forward[from] = append(forward[from], to)
		}
	}
	if reopens != 1 {
		return fmt.Errorf("cases: expected exactly one REOPEN edge, found %d", reopens)
	}

	// A backtrack edge must point at a state that can reach its source
	// through forward edges; otherwise it is a mislabeled forward edge.
	for _, b := range backtracks {
		if !reaches(forward, b.to, b.from) {
			return fmt.Errorf("cases: backtrack edge %s -> %s does not go backwards", b.from, b.to)
		}
	}

	const (
		unvisited = 0
		inStack   = 1
		done      = 2
	)
	color := make(map[State]int)
	var visit func(State) error
	visit = func(s State) error {
		color[s] = inStack
		for _, next := range forward[s] {
			switch color[next] {
			case inStack:
				return fmt.Errorf("cases: transition graph has a cycle through %s -> %s", s, next)
			case unvisited:
				if err := visit(next); err != nil {
					return err
				}
			}
		}
		color[s] = done
		return nil
	}
	for s := range transitions {
		if color[s] == unvisited {
			if err := visit(s); err != nil {
				return err
			}
		}
	}
	return nil
}

func reaches(edges map[State][]State, from, to State) bool {
	seen := map[State]bool{from: true}
	stack := []State{from}
	for len(stack) > 0 {
		s := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if s == to {
			return true
		}
		for _, next := range edges[s] {
			if !seen[next] {
				seen[next] = true
				stack = append(stack, next)
			}
		}
	}
	return false
}
