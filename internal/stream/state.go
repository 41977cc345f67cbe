package stream

import "fmt"

// State is a session's position in its lifecycle.
type State string

const (
	StateOpening    State = "opening"
	StateConfigured State = "configured"
	StateActive     State = "active"
	StateResponding State = "responding"
	StateClosing    State = "closing"
	StateClosed     State = "closed"
	StateError      State = "error"
)

// transitions lists the permitted next states. StateError is reachable from
// every non-closed state and is handled separately.
var transitions = map[State][]State{
	StateOpening:    {StateConfigured, StateClosing},
	StateConfigured: {StateActive, StateClosing},
	StateActive:     {StateResponding, StateClosing},
	StateResponding: {StateActive, StateClosing},
	StateClosing:    {StateClosed},
	StateClosed:     {},
	StateError:      {StateClosing},
}

// canTransition reports whether from→to is a legal move.
func canTransition(from, to State) bool {
	if to == StateError {
		return from != StateClosed
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// ErrInvalidTransition reports an illegal state change request.
type ErrInvalidTransition struct {
	From, To State
}

func (e *ErrInvalidTransition) Error() string {
	return fmt.Sprintf("stream: invalid transition %s -> %s", e.From, e.To)
}
