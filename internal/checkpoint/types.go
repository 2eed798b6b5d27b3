package checkpoint

import (
	"time"

	"github.com/cortexbot/sessiond/internal/session"
)

// Reason records why a checkpoint was captured.
type Reason string

const (
	// ReasonScheduled marks a periodic checkpoint taken every Nth
	// successful transition.
	ReasonScheduled Reason = "SCHEDULED"
	// ReasonPreError marks a last-known-good snapshot taken before a
	// forced ERROR transition.
	ReasonPreError Reason = "PRE_ERROR"
	// ReasonManual marks an on-demand checkpoint.
	ReasonManual Reason = "MANUAL"
)

// Valid reports whether r is a known capture reason.
func (r Reason) Valid() bool {
	switch r {
	case ReasonScheduled, ReasonPreError, ReasonManual:
		return true
	}
	return false
}

// Checkpoint is an immutable point-in-time snapshot of a session.
// It is write-once: restoring derives a new session record from the
// captured state, never a mutation of the checkpoint itself.
type Checkpoint struct {
	// ID is the unique identifier for this checkpoint.
	ID string `json:"id"`

	// ConversationID is the session this checkpoint belongs to.
	ConversationID string `json:"conversationId"`

	// Captured is a deep copy of the session record as of its version
	// at capture time.
	Captured *session.Record `json:"-"`

	// CapturedAt is when this checkpoint was created.
	CapturedAt time.Time `json:"capturedAt"`

	// Reason records why the checkpoint was taken.
	Reason Reason `json:"reason"`
}

// Clone returns a deep copy of the checkpoint.
func (c *Checkpoint) Clone() *Checkpoint {
	cp := *c
	if c.Captured != nil {
		cp.Captured = c.Captured.Clone()
	}
	return &cp
}
