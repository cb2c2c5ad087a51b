package webhook

import "fmt"

// State is the lifecycle position of one unit of webhook work
type State string

const (
	StateReceived     State = "RECEIVED"
	StateValidated    State = "VALIDATED"
	StateEnqueued     State = "ENQUEUED"
	StateProcessed    State = "PROCESSED"
	StateRetried      State = "RETRIED"
	StateDeadLettered State = "DEAD_LETTERED"
	StateRejected     State = "REJECTED"
)

var transitions = map[State][]State{
	StateReceived:  {StateValidated, StateRejected},
	StateValidated: {StateEnqueued},
	StateEnqueued:  {StateProcessed, StateRetried, StateDeadLettered},
	StateRetried:   {StateProcessed, StateRetried, StateDeadLettered},
}

// IsTerminal returns true when no further transition is possible
func (s State) IsTerminal() bool {
	return s == StateProcessed || s == StateDeadLettered || s == StateRejected
}

// CanTransitionTo reports whether moving from s to next is allowed
func (s State) CanTransitionTo(next State) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Transition returns next if the move is allowed
func (s State) Transition(next State) (State, error) {
	if !s.CanTransitionTo(next) {
		return s, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, s, next)
	}
	return next, nil
}

func (s State) String() string {
	return string(s)
}
