// Package deploy holds the per-project deployment status ledger. It is the
// single admission gate for new deployment attempts: at most one pipeline
// may be in flight per project at any time.
package deploy

import (
	"errors"
	"fmt"
)

// State is the durable last-known status of a project's deployment
// pipeline.
type State string

const (
	StateIdle      State = "idle"
	StatePreparing State = "preparing"
	StateDeploying State = "deploying"
	StateDeployed  State = "deployed"
	StateFailed    State = "failed"
)

// Event advances a project's state.
type Event string

const (
	EventRequest  Event = "request"  // new build/deploy request submitted
	EventPrepared Event = "prepared" // preparation completed
	EventSucceed  Event = "succeed"  // deployment succeeded
	EventFail     Event = "fail"     // deployment failed
	EventRollback Event = "rollback" // rollback performed
)

// ErrConflict is returned when admission is rejected because a pipeline is
// already in flight. It is a control-flow signal the caller handles
// explicitly, distinct from I/O failures; the caller retries later.
var ErrConflict = errors.New("deployment already in progress")

// transitions is the full table. Any (state, event) pair not listed is
// rejected, never silently absorbed.
var transitions = map[State]map[Event]State{
	StateIdle: {
		EventRequest: StatePreparing,
	},
	StatePreparing: {
		EventPrepared: StateDeploying,
	},
	StateDeploying: {
		EventSucceed: StateDeployed,
		EventFail:    StateFailed,
	},
	StateDeployed: {
		EventRequest:  StatePreparing,
		EventRollback: StateIdle,
	},
	StateFailed: {
		EventRequest:  StatePreparing,
		EventRollback: StateIdle,
	},
}

// Edges returns the from → to pairs for ev. Stores use this to build an
// atomic conditional update covering every state that admits the event.
func Edges(ev Event) map[State]State {
	out := make(map[State]State)
	for from, row := range transitions {
		if to, ok := row[ev]; ok {
			out[from] = to
		}
	}
	return out
}

// Valid reports whether s is a known state.
func (s State) Valid() bool {
	_, ok := transitions[s]
	return ok
}

// Blocking reports whether s refuses new deploy requests.
func (s State) Blocking() bool {
	return s == StatePreparing || s == StateDeploying
}

// Next returns the state reached by applying ev to s.
func Next(s State, ev Event) (State, error) {
	row, ok := transitions[s]
	if !ok {
		return s, fmt.Errorf("unknown state %q", s)
	}
	next, ok := row[ev]
	if !ok {
		if ev == EventRequest && s.Blocking() {
			return s, ErrConflict
		}
		return s, fmt.Errorf("event %q not allowed in state %q", ev, s)
	}
	return next, nil
}
