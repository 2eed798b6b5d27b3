package conversation

import "errors"

var (
	// ErrInvalidRequest indicates a malformed turn request (missing
	// conversation id, unknown target state).
	ErrInvalidRequest = errors.New("invalid turn request")

	// ErrUnauthorized indicates the caller is not allowed to act on
	// the conversation. Raised by upstream collaborators and carried
	// here so the recovery middleware can classify it.
	ErrUnauthorized = errors.New("not authorized for conversation")
)
