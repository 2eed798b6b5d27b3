// Package session provides the durable conversation-session store.
//
// A Record is the unit of persistence, one per conversation identifier.
// Records are value objects: transitions produce a new copy and the
// Store owns the version increment at persist time. Sensitive fields
// are held as plaintext in memory only; the store routes them through
// the fieldcrypt codec before anything touches disk.
package session

import (
	"errors"
	"fmt"
	"time"

	"github.com/cortexbot/sessiond/internal/fsm"
)

// MaxHistory bounds the retained state-history window per record.
const MaxHistory = 50

// Unreadable-field sentinel reasons, set when a sensitive field cannot
// be decrypted on read. The field surfaces as a missing value; the rest
// of the record is unaffected.
const (
	UnreadableTampered    = "tampered"
	UnreadableKeyMismatch = "key_mismatch"
)

// HistoryEntry is one step of a record's state history.
type HistoryEntry struct {
	State     fsm.State `json:"state"`
	EnteredAt time.Time `json:"enteredAt"`
}

// Record is the authoritative state of one conversation.
type Record struct {
	// ConversationID is the immutable platform-assigned key.
	ConversationID string

	// CurrentState is the conversation's lifecycle phase.
	CurrentState fsm.State

	// StateHistory is append-only and bounded to MaxHistory entries.
	// Its last entry always matches CurrentState.
	StateHistory []HistoryEntry

	// LastActivity is refreshed on every successful transition.
	LastActivity time.Time

	// ErrorCount is the consecutive-failure counter. Any successful
	// non-ERROR transition resets it to zero.
	ErrorCount int

	// Sensitive maps field names to plaintext values. Never persisted
	// as-is; the store encrypts on write and decrypts on read.
	Sensitive map[string][]byte

	// Unreadable maps field names that failed decryption on read to a
	// sentinel reason (UnreadableTampered or UnreadableKeyMismatch).
	Unreadable map[string]string

	// Version is the optimistic-concurrency counter. Incremented by
	// exactly one on every successful Put.
	Version int64
}

// NewRecord creates a fresh record in STARTED with seeded history.
// Version is zero until the first successful Put.
func NewRecord(conversationID string, now time.Time) (*Record, error) {
	if conversationID == "" {
		return nil, errors.New("conversation id is required")
	}
	return &Record{
		ConversationID: conversationID,
		CurrentState:   fsm.StateStarted,
		StateHistory:   []HistoryEntry{{State: fsm.StateStarted, EnteredAt: now}},
		LastActivity:   now,
		Sensitive:      make(map[string][]byte),
	}, nil
}

// Apply validates the requested transition against the machine and
// returns a new record with the transition applied. The receiver is
// never mutated; on failure it is returned unchanged semantics-wise
// (the caller keeps using the original). Version is left untouched;
// the store increments it at persist time.
func (r *Record) Apply(m *fsm.Machine, requested fsm.State, now time.Time) (*Record, error) {
	if err := m.Check(r.CurrentState, requested, r.LastActivity, now); err != nil {
		return nil, err
	}

	next := r.Clone()
	next.CurrentState = requested
	next.LastActivity = now
	next.StateHistory = append(next.StateHistory, HistoryEntry{State: requested, EnteredAt: now})
	if len(next.StateHistory) > MaxHistory {
		next.StateHistory = next.StateHistory[len(next.StateHistory)-MaxHistory:]
	}
	if requested != fsm.StateError {
		next.ErrorCount = 0
	}
	return next, nil
}

// Clone returns a deep copy of the record.
func (r *Record) Clone() *Record {
	cp := &Record{
		ConversationID: r.ConversationID,
		CurrentState:   r.CurrentState,
		LastActivity:   r.LastActivity,
		ErrorCount:     r.ErrorCount,
		Version:        r.Version,
	}
	cp.StateHistory = make([]HistoryEntry, len(r.StateHistory))
	copy(cp.StateHistory, r.StateHistory)
	if r.Sensitive != nil {
		cp.Sensitive = make(map[string][]byte, len(r.Sensitive))
		for k, v := range r.Sensitive {
			val := make([]byte, len(v))
			copy(val, v)
			cp.Sensitive[k] = val
		}
	}
	if r.Unreadable != nil {
		cp.Unreadable = make(map[string]string, len(r.Unreadable))
		for k, v := range r.Unreadable {
			cp.Unreadable[k] = v
		}
	}
	return cp
}

// Validate checks the record's structural invariants.
func (r *Record) Validate() error {
	if r.ConversationID == "" {
		return errors.New("conversation id is required")
	}
	if !r.CurrentState.Valid() {
		return fmt.Errorf("invalid current state %q", r.CurrentState)
	}
	if len(r.StateHistory) == 0 {
		return errors.New("state history is empty")
	}
	if last := r.StateHistory[len(r.StateHistory)-1].State; last != r.CurrentState {
		return fmt.Errorf("state history ends in %s, current state is %s", last, r.CurrentState)
	}
	if r.ErrorCount < 0 {
		return fmt.Errorf("negative error count %d", r.ErrorCount)
	}
	return nil
}
