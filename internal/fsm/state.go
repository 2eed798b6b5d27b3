package fsm

import "fmt"

// State is a conversation lifecycle phase. The set is closed; every
// move between values is validated by Machine.Check.
type State string

const (
	// StateStarted is the initial state of a freshly created session.
	StateStarted State = "STARTED"
	// StateAwaitingInput means the bot is waiting for the next user turn.
	StateAwaitingInput State = "AWAITING_INPUT"
	// StateProcessing means a turn is being worked on.
	StateProcessing State = "PROCESSING"
	// StateAwaitingConfirmation means the bot asked the user to confirm.
	StateAwaitingConfirmation State = "AWAITING_CONFIRMATION"
	// StateCompleted is terminal. No transition leaves it.
	StateCompleted State = "COMPLETED"
	// StateError is the forced destination after critical failures.
	StateError State = "ERROR"
	// StateReset is the fresh-session escape hatch.
	StateReset State = "RESET"
)

// allStates is the closed enumeration, in declaration order.
var allStates = []State{
	StateStarted,
	StateAwaitingInput,
	StateProcessing,
	StateAwaitingConfirmation,
	StateCompleted,
	StateError,
	StateReset,
}

// successors maps each state to its allowed non-escape successors.
// ERROR and RESET are additionally reachable from every non-terminal
// state (see ValidateTransition). COMPLETED has no outgoing edges at
// all, escapes included.
var successors = map[State][]State{
	StateStarted:              {StateAwaitingInput, StateProcessing},
	StateAwaitingInput:        {StateProcessing},
	StateProcessing:           {StateAwaitingInput, StateAwaitingConfirmation, StateCompleted},
	StateAwaitingConfirmation: {StateAwaitingInput, StateProcessing, StateCompleted},
	StateCompleted:            {},
	StateError:                {StateAwaitingInput},
	StateReset:                {StateStarted, StateAwaitingInput},
}

// Valid reports whether s is a member of the closed enumeration.
func (s State) Valid() bool {
	for _, known := range allStates {
		if s == known {
			return true
		}
	}
	return false
}

// Terminal reports whether s admits no outgoing transitions.
func (s State) Terminal() bool {
	return s == StateCompleted
}

// ParseState converts a stored string into a State.
func ParseState(raw string) (State, error) {
	s := State(raw)
	if !s.Valid() {
		return "", fmt.Errorf("unknown conversation state %q", raw)
	}
	return s, nil
}

// States returns a copy of the full enumeration.
func States() []State {
	out := make([]State, len(allStates))
	copy(out, allStates)
	return out
}
