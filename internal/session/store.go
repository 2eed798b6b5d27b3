package session

import (
	"context"
	"errors"
)

var (
	// ErrNotFound indicates no record exists for the conversation id.
	ErrNotFound = errors.New("session not found")

	// ErrConflict indicates an optimistic-concurrency loss: the stored
	// version did not match the caller's expected version. The caller
	// must reload and reapply.
	ErrConflict = errors.New("session version conflict")

	// ErrClosed indicates the store has been closed.
	ErrClosed = errors.New("session store is closed")
)

// Store is durable CRUD persistence for session records, keyed by
// conversation identifier. All implementations honor the same
// optimistic-concurrency contract: Put succeeds only when the stored
// version equals expectedVersion, and the successful record's version
// is expectedVersion+1. A Put with expectedVersion 0 creates the
// record at version 1 and conflicts if one already exists.
//
// Every operation respects the caller's context deadline.
type Store interface {
	// Get returns the record for the conversation id, decrypting
	// sensitive fields. Per-field decrypt failures are merged into the
	// record as unreadable-field sentinels, never a whole-read failure.
	Get(ctx context.Context, conversationID string) (*Record, error)

	// Put persists the record if the stored version matches
	// expectedVersion, returning the stored record with its new
	// version. Returns ErrConflict on a version mismatch, leaving the
	// stored record untouched.
	Put(ctx context.Context, rec *Record, expectedVersion int64) (*Record, error)

	// Delete removes the record. Used only for explicit session
	// termination; expiry is an external retention policy.
	Delete(ctx context.Context, conversationID string) error

	// Close releases backing resources.
	Close() error
}
