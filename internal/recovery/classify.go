package recovery

import (
	"context"
	"errors"

	"github.com/cortexbot/sessiond/internal/conversation"
	"github.com/cortexbot/sessiond/internal/fsm"
	"github.com/cortexbot/sessiond/internal/session"
)

// Kind is the classification of a failed conversation turn.
type Kind string

const (
	// KindAuth covers authorization failures. Reported without a
	// forced transition; the turn is retryable in its current state.
	KindAuth Kind = "AUTH"
	// KindTimeout covers deadline expiry and idle-session expiry.
	// Drives the state machine's expiry path to RESET.
	KindTimeout Kind = "TIMEOUT"
	// KindSystem covers uncategorized internal failures. Forces an
	// ERROR transition with a pre-error checkpoint.
	KindSystem Kind = "SYSTEM"
	// KindValidation covers malformed requests and lost version races
	// that exhausted retries. No forced transition.
	KindValidation Kind = "VALIDATION"
	// KindState covers illegal transitions. Forces an ERROR transition
	// with a pre-error checkpoint.
	KindState Kind = "STATE"
)

// Classify maps an error raised during a conversation turn to its
// recovery kind. Unknown errors are SYSTEM.
func Classify(err error) Kind {
	switch {
	case errors.Is(err, fsm.ErrIllegalTransition):
		return KindState
	case errors.Is(err, fsm.ErrSessionExpired),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, context.Canceled):
		return KindTimeout
	case errors.Is(err, conversation.ErrUnauthorized):
		return KindAuth
	case errors.Is(err, conversation.ErrInvalidRequest),
		errors.Is(err, fsm.ErrUnknownState),
		errors.Is(err, session.ErrNotFound),
		errors.Is(err, session.ErrConflict):
		return KindValidation
	default:
		return KindSystem
	}
}
