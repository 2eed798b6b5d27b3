// Package conversation executes conversation turns against the session
// store: load or lazily create the record, run the requested transition
// through the state machine, and persist on write. Optimistic-
// concurrency conflicts are retried here with a reload-and-reapply
// loop; everything else propagates to the recovery middleware.
package conversation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/cortexbot/sessiond/internal/checkpoint"
	"github.com/cortexbot/sessiond/internal/events"
	"github.com/cortexbot/sessiond/internal/fsm"
	"github.com/cortexbot/sessiond/internal/session"
)

// Config configures the turn service.
type Config struct {
	// ConflictRetries is how many times a lost optimistic-concurrency
	// race is retried (reload and reapply) before surfacing.
	ConflictRetries int

	// CheckpointEvery takes a SCHEDULED checkpoint after every Nth
	// successful persisted transition. Zero disables scheduled
	// checkpoints.
	CheckpointEvery int64
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		ConflictRetries: 3,
		CheckpointEvery: 10,
	}
}

// Service processes conversation turns.
type Service struct {
	cfg         Config
	machine     *fsm.Machine
	store       session.Store
	checkpoints *checkpoint.Manager
	publisher   events.Publisher
	logger      *zap.Logger

	// now is injectable for tests.
	now func() time.Time
}

// NewService creates a turn service. The checkpoint manager and
// publisher are optional; scheduled checkpoints and eventing are
// disabled when absent.
func NewService(cfg Config, machine *fsm.Machine, store session.Store, checkpoints *checkpoint.Manager, publisher events.Publisher, logger *zap.Logger) (*Service, error) {
	if machine == nil {
		return nil, errors.New("state machine is required")
	}
	if store == nil {
		return nil, errors.New("session store is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if publisher == nil {
		publisher = events.NopPublisher{}
	}
	if cfg.ConflictRetries <= 0 {
		cfg.ConflictRetries = DefaultConfig().ConflictRetries
	}
	return &Service{
		cfg:         cfg,
		machine:     machine,
		store:       store,
		checkpoints: checkpoints,
		publisher:   publisher,
		logger:      logger,
		now:         time.Now,
	}, nil
}

// ProcessTurn loads (or lazily creates) the session record, applies
// the requested transition, and persists the result. On a version
// conflict the record is reloaded and the transition reapplied, up to
// the configured retry budget.
func (s *Service) ProcessTurn(ctx context.Context, conversationID string, requested fsm.State, payload map[string][]byte) (*session.Record, error) {
	if conversationID == "" {
		return nil, fmt.Errorf("%w: conversation id is required", ErrInvalidRequest)
	}
	if !requested.Valid() {
		return nil, fmt.Errorf("%w: unknown state %q", ErrInvalidRequest, requested)
	}

	var lastErr error
	for attempt := 0; attempt <= s.cfg.ConflictRetries; attempt++ {
		rec, err := s.loadOrCreate(ctx, conversationID)
		if err != nil {
			return nil, err
		}

		for name, value := range payload {
			rec.Sensitive[name] = value
		}

		next, err := rec.Apply(s.machine, requested, s.now())
		if err != nil {
			return nil, err
		}

		stored, err := s.store.Put(ctx, next, rec.Version)
		if errors.Is(err, session.ErrConflict) {
			lastErr = err
			s.logger.Debug("turn lost version race, retrying",
				zap.String("conversation_id", conversationID),
				zap.Int("attempt", attempt+1))
			continue
		}
		if err != nil {
			return nil, err
		}

		s.afterPersist(ctx, rec.CurrentState, stored)
		return stored, nil
	}
	return nil, fmt.Errorf("turn for %s exhausted %d conflict retries: %w",
		conversationID, s.cfg.ConflictRetries, lastErr)
}

// Get returns the current record for a conversation.
func (s *Service) Get(ctx context.Context, conversationID string) (*session.Record, error) {
	return s.store.Get(ctx, conversationID)
}

// Terminate explicitly ends a session, removing its record. Checkpoint
// retention is unaffected.
func (s *Service) Terminate(ctx context.Context, conversationID string) error {
	if err := s.store.Delete(ctx, conversationID); err != nil {
		return err
	}
	s.logger.Info("session terminated", zap.String("conversation_id", conversationID))
	return nil
}

// loadOrCreate fetches the record, creating it at STARTED on first
// contact. A create race falls back to reading the winner's record.
func (s *Service) loadOrCreate(ctx context.Context, conversationID string) (*session.Record, error) {
	rec, err := s.store.Get(ctx, conversationID)
	if err == nil {
		return rec, nil
	}
	if !errors.Is(err, session.ErrNotFound) {
		return nil, err
	}

	fresh, err := session.NewRecord(conversationID, s.now())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	stored, err := s.store.Put(ctx, fresh, 0)
	if err == nil {
		s.logger.Info("session created",
			zap.String("conversation_id", conversationID),
			zap.String("state", string(stored.CurrentState)))
		return stored, nil
	}
	if errors.Is(err, session.ErrConflict) {
		return s.store.Get(ctx, conversationID)
	}
	return nil, err
}

// afterPersist handles best-effort work that must never fail a turn:
// scheduled checkpoints and transition events.
func (s *Service) afterPersist(ctx context.Context, from fsm.State, stored *session.Record) {
	if s.checkpoints != nil && s.cfg.CheckpointEvery > 0 && stored.Version%s.cfg.CheckpointEvery == 0 {
		if _, err := s.checkpoints.Create(ctx, stored.ConversationID, checkpoint.ReasonScheduled); err != nil {
			s.logger.Warn("scheduled checkpoint failed",
				zap.String("conversation_id", stored.ConversationID),
				zap.Error(err))
		}
	}

	ev := events.TransitionEvent{
		ConversationID: stored.ConversationID,
		From:           string(from),
		To:             string(stored.CurrentState),
		Version:        stored.Version,
		OccurredAt:     stored.LastActivity,
	}
	if err := s.publisher.PublishTransition(ctx, ev); err != nil {
		s.logger.Warn("transition event publish failed",
			zap.String("conversation_id", stored.ConversationID),
			zap.Error(err))
	}
}
