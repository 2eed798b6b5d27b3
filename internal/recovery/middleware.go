// Package recovery classifies errors raised during conversation
// processing and drives the resulting state transitions: pre-error
// checkpoints, forced ERROR transitions, the expiry path, and the
// auto-reset policy after repeated failures.
//
// The middleware is the only surface the chat transport calls. It
// never returns raw internal errors and never logs decrypted sensitive
// fields; callers see the final session record and a sanitized notice
// with a reference id.
package recovery

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/cortexbot/sessiond/internal/checkpoint"
	"github.com/cortexbot/sessiond/internal/conversation"
	"github.com/cortexbot/sessiond/internal/fsm"
	"github.com/cortexbot/sessiond/internal/session"
)

// FailureState describes a conversation's standing with the auto-reset
// policy.
type FailureState string

const (
	// Normal means no consecutive failures.
	Normal FailureState = "NORMAL"
	// Degraded means some failures, below the lockout threshold.
	Degraded FailureState = "DEGRADED"
	// LockedOut means the threshold was reached; the next classified
	// failure forces a reset.
	LockedOut FailureState = "LOCKED_OUT"
)

// User-safe notices. These are the only messages the transport ever
// relays to end users.
const (
	noticeReset     = "session was reset"
	noticeExpired   = "session expired"
	noticeRetry     = "please retry"
	noticeInvalid   = "request invalid"
	noticeAuthorize = "not authorized"
)

// SanitizedError is the classified, user-safe form of a turn failure.
type SanitizedError struct {
	Kind        Kind
	Notice      string
	ReferenceID string
}

// Error implements error.
func (e *SanitizedError) Error() string {
	return fmt.Sprintf("%s (ref %s)", e.Notice, e.ReferenceID)
}

// Config configures the recovery middleware.
type Config struct {
	// MaxErrors is the consecutive-failure count that triggers a
	// forced reset.
	MaxErrors int

	// WriteRetries bounds conflict retries on the middleware's own
	// error-count writes.
	WriteRetries int
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{MaxErrors: 3, WriteRetries: 3}
}

// Middleware wraps the turn service with error classification and
// recovery.
type Middleware struct {
	cfg         Config
	inner       *conversation.Service
	machine     *fsm.Machine
	store       session.Store
	checkpoints *checkpoint.Manager
	logger      *zap.Logger

	now func() time.Time
}

// NewMiddleware creates the recovery middleware around a turn service.
func NewMiddleware(cfg Config, inner *conversation.Service, machine *fsm.Machine, store session.Store, checkpoints *checkpoint.Manager, logger *zap.Logger) (*Middleware, error) {
	if inner == nil {
		return nil, errors.New("turn service is required")
	}
	if machine == nil {
		return nil, errors.New("state machine is required")
	}
	if store == nil {
		return nil, errors.New("session store is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxErrors <= 0 {
		cfg.MaxErrors = DefaultConfig().MaxErrors
	}
	if cfg.WriteRetries <= 0 {
		cfg.WriteRetries = DefaultConfig().WriteRetries
	}
	return &Middleware{
		cfg:         cfg,
		inner:       inner,
		machine:     machine,
		store:       store,
		checkpoints: checkpoints,
		logger:      logger,
		now:         time.Now,
	}, nil
}

// ProcessTurn runs a conversation turn and converts any failure into a
// recovery action plus a sanitized error. The returned record is the
// session's state after recovery (nil only when no record exists).
func (m *Middleware) ProcessTurn(ctx context.Context, conversationID string, requested fsm.State, payload map[string][]byte) (*session.Record, *SanitizedError) {
	rec, err := m.inner.ProcessTurn(ctx, conversationID, requested, payload)
	if err == nil {
		return rec, nil
	}
	return m.recover(ctx, conversationID, err)
}

// Standing reports the failure standing of a record under the
// configured threshold.
func (m *Middleware) Standing(rec *session.Record) FailureState {
	switch {
	case rec == nil || rec.ErrorCount == 0:
		return Normal
	case rec.ErrorCount >= m.cfg.MaxErrors:
		return LockedOut
	default:
		return Degraded
	}
}

// recover classifies the failure, updates the session accordingly, and
// produces the sanitized error.
func (m *Middleware) recover(ctx context.Context, conversationID string, cause error) (*session.Record, *SanitizedError) {
	kind := Classify(cause)
	refID := newReferenceID(m.now())

	observeFailure(kind)

	rec, getErr := m.store.Get(ctx, conversationID)
	if getErr != nil {
		// Nothing to recover; report the classification alone.
		m.logger.Error("turn failed with no recoverable session",
			zap.String("conversation_id", conversationID),
			zap.String("error_kind", string(kind)),
			zap.String("reference_id", refID),
			zap.Error(cause))
		return nil, &SanitizedError{Kind: kind, Notice: noticeFor(kind, cause), ReferenceID: refID}
	}

	lockout := rec.ErrorCount+1 >= m.cfg.MaxErrors

	var (
		target  fsm.State
		updated *session.Record
		notice  = noticeFor(kind, cause)
	)

	switch {
	case lockout:
		// Threshold reached: force a reset. RESET is a fresh-session
		// transition, so the counter clears atomically with it.
		target = fsm.StateReset
		notice = noticeReset
		updated = m.forceTransition(ctx, rec, target, false)
		observeReset()
	case kind == KindState || kind == KindSystem:
		if m.checkpoints != nil {
			if _, cpErr := m.checkpoints.Create(ctx, conversationID, checkpoint.ReasonPreError); cpErr != nil {
				m.logger.Warn("pre-error checkpoint failed",
					zap.String("conversation_id", conversationID),
					zap.Error(cpErr))
			}
		}
		target = fsm.StateError
		updated = m.forceTransition(ctx, rec, target, true)
	case kind == KindTimeout:
		// Expiry path: RESET is the only transition an expired
		// session accepts.
		target = fsm.StateReset
		updated = m.forceTransition(ctx, rec, target, false)
	default:
		// AUTH and VALIDATION: retryable in the current state, but the
		// failure still counts toward the threshold.
		updated = m.bumpErrorCount(ctx, rec)
	}

	if updated == nil {
		updated = rec
	}

	m.logger.Error("conversation turn failed",
		zap.String("conversation_id", conversationID),
		zap.String("error_kind", string(kind)),
		zap.String("reference_id", refID),
		zap.String("state", string(updated.CurrentState)),
		zap.Int("error_count", updated.ErrorCount))

	return updated, &SanitizedError{Kind: kind, Notice: notice, ReferenceID: refID}
}

// forceTransition applies target to the record and persists it through
// the normal optimistic-concurrency path, reloading on conflicts. When
// countFailure is set the consecutive-failure counter is incremented
// as part of the same write.
func (m *Middleware) forceTransition(ctx context.Context, rec *session.Record, target fsm.State, countFailure bool) *session.Record {
	for attempt := 0; attempt <= m.cfg.WriteRetries; attempt++ {
		next, err := rec.Apply(m.machine, target, m.now())
		if err != nil {
			// Terminal or otherwise untransitionable; leave as-is.
			m.logger.Warn("forced transition rejected",
				zap.String("conversation_id", rec.ConversationID),
				zap.String("target", string(target)),
				zap.Error(err))
			return nil
		}
		if countFailure {
			next.ErrorCount = rec.ErrorCount + 1
		}

		stored, err := m.store.Put(ctx, next, rec.Version)
		if err == nil {
			return stored
		}
		if !errors.Is(err, session.ErrConflict) {
			m.logger.Error("forced transition write failed",
				zap.String("conversation_id", rec.ConversationID),
				zap.Error(err))
			return nil
		}
		reloaded, getErr := m.store.Get(ctx, rec.ConversationID)
		if getErr != nil {
			return nil
		}
		rec = reloaded
	}
	return nil
}

// bumpErrorCount increments the consecutive-failure counter without a
// state change, through the normal write path.
func (m *Middleware) bumpErrorCount(ctx context.Context, rec *session.Record) *session.Record {
	for attempt := 0; attempt <= m.cfg.WriteRetries; attempt++ {
		next := rec.Clone()
		next.ErrorCount++

		stored, err := m.store.Put(ctx, next, rec.Version)
		if err == nil {
			return stored
		}
		if !errors.Is(err, session.ErrConflict) {
			m.logger.Error("error-count write failed",
				zap.String("conversation_id", rec.ConversationID),
				zap.Error(err))
			return nil
		}
		reloaded, getErr := m.store.Get(ctx, rec.ConversationID)
		if getErr != nil {
			return nil
		}
		rec = reloaded
	}
	return nil
}

// noticeFor maps a classification to its user-safe notice.
func noticeFor(kind Kind, cause error) string {
	switch kind {
	case KindTimeout:
		return noticeExpired
	case KindAuth:
		return noticeAuthorize
	case KindValidation:
		if errors.Is(cause, session.ErrConflict) {
			return noticeRetry
		}
		return noticeInvalid
	default:
		return noticeRetry
	}
}

// newReferenceID builds a support handle users can quote without
// seeing internals.
func newReferenceID(now time.Time) string {
	return "ERR-" + now.UTC().Format("20060102-150405.000")
}
