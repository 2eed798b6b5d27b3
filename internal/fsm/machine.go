// Package fsm defines the conversation lifecycle state machine.
//
// The machine is pure data: it owns the closed state enumeration, the
// static transition table, and the idle-expiry policy. It never touches
// storage and never mutates a session; callers apply the resulting
// transition themselves (the session package owns record copies and the
// store owns version increments).
package fsm

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrIllegalTransition indicates the requested state is not an
	// allowed successor of the current state.
	ErrIllegalTransition = errors.New("illegal state transition")

	// ErrSessionExpired indicates the session sat idle past the
	// configured threshold. Only RESET (or COMPLETED) is accepted after
	// expiry.
	ErrSessionExpired = errors.New("session expired")

	// ErrUnknownState indicates a state outside the closed enumeration.
	ErrUnknownState = errors.New("unknown conversation state")
)

// Config configures the state machine.
type Config struct {
	// IdleTimeout is the idle window after which only RESET or
	// COMPLETED transitions are accepted. Zero disables expiry.
	IdleTimeout time.Duration

	// StateTimeouts overrides IdleTimeout for specific states.
	StateTimeouts map[State]time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		IdleTimeout: 30 * time.Minute,
	}
}

// Machine validates conversation state transitions.
type Machine struct {
	cfg Config
}

// NewMachine creates a state machine with the given configuration.
func NewMachine(cfg Config) *Machine {
	return &Machine{cfg: cfg}
}

// ValidateTransition reports whether current -> requested is in the
// transition table. ERROR and RESET are reachable from every state
// except the terminal COMPLETED.
func (m *Machine) ValidateTransition(current, requested State) bool {
	if !current.Valid() || !requested.Valid() {
		return false
	}
	if current.Terminal() {
		return false
	}
	if requested == StateError || requested == StateReset {
		return true
	}
	for _, next := range successors[current] {
		if next == requested {
			return true
		}
	}
	return false
}

// Check validates a transition attempt against both the transition
// table and the idle-expiry policy. It returns nil when the transition
// may be applied, ErrIllegalTransition when the table forbids it, and
// ErrSessionExpired when the session idled out and the target is not an
// expiry escape.
func (m *Machine) Check(current, requested State, lastActivity, now time.Time) error {
	if !current.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownState, current)
	}
	if !requested.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownState, requested)
	}
	if !m.ValidateTransition(current, requested) {
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, current, requested)
	}
	if m.expired(current, lastActivity, now) && requested != StateReset && requested != StateCompleted {
		return fmt.Errorf("%w: idle since %s", ErrSessionExpired, lastActivity.UTC().Format(time.RFC3339))
	}
	return nil
}

// expired reports whether the session idled past its threshold.
func (m *Machine) expired(current State, lastActivity, now time.Time) bool {
	timeout := m.cfg.IdleTimeout
	if override, ok := m.cfg.StateTimeouts[current]; ok {
		timeout = override
	}
	if timeout <= 0 || lastActivity.IsZero() {
		return false
	}
	return now.Sub(lastActivity) > timeout
}
