// Package checkpoint creates, validates, and restores point-in-time
// snapshots of conversation sessions.
//
// A checkpoint is read-only after creation. Restore derives a new
// session record from the captured state and writes it through the
// session store's optimistic-concurrency path, so a restore can never
// silently clobber a newer, unrelated write.
package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/cortexbot/sessiond/internal/session"
)

const instrumentationName = "github.com/cortexbot/sessiond/internal/checkpoint"

var (
	// ErrInvalidCheckpoint indicates the checkpoint failed structural
	// validation and must not be restored. Validation fails closed.
	ErrInvalidCheckpoint = errors.New("checkpoint failed validation")

	// ErrConcurrentModification indicates the session advanced between
	// capture and restore; the caller must re-read and retry.
	ErrConcurrentModification = errors.New("session modified concurrently with restore")
)

// Config configures the checkpoint manager.
type Config struct {
	// MaxAge is how long a checkpoint remains restorable. Zero
	// disables the age check.
	MaxAge time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{MaxAge: 24 * time.Hour}
}

// Manager provides checkpoint operations over a session store and a
// checkpoint archive.
type Manager struct {
	cfg     Config
	store   session.Store
	archive Archive
	logger  *zap.Logger

	tracer         trace.Tracer
	meter          metric.Meter
	createCounter  metric.Int64Counter
	restoreCounter metric.Int64Counter
}

// NewManager creates a checkpoint manager.
func NewManager(cfg Config, store session.Store, archive Archive, logger *zap.Logger) (*Manager, error) {
	if store == nil {
		return nil, errors.New("session store is required")
	}
	if archive == nil {
		return nil, errors.New("checkpoint archive is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	m := &Manager{
		cfg:     cfg,
		store:   store,
		archive: archive,
		logger:  logger,
		tracer:  otel.Tracer(instrumentationName),
		meter:   otel.Meter(instrumentationName),
	}
	m.initMetrics()
	return m, nil
}

func (m *Manager) initMetrics() {
	var err error

	m.createCounter, err = m.meter.Int64Counter(
		"sessiond.checkpoint.creates_total",
		metric.WithDescription("Total number of checkpoints created"),
		metric.WithUnit("{checkpoint}"),
	)
	if err != nil {
		m.logger.Warn("failed to create checkpoint counter", zap.Error(err))
	}

	m.restoreCounter, err = m.meter.Int64Counter(
		"sessiond.checkpoint.restores_total",
		metric.WithDescription("Total number of checkpoint restores"),
		metric.WithUnit("{restore}"),
	)
	if err != nil {
		m.logger.Warn("failed to create restore counter", zap.Error(err))
	}
}

// Create reads the current session record and captures an immutable
// deep copy tagged with the reason. The live record is not mutated.
func (m *Manager) Create(ctx context.Context, conversationID string, reason Reason) (*Checkpoint, error) {
	ctx, span := m.tracer.Start(ctx, "checkpoint.create")
	defer span.End()

	span.SetAttributes(
		attribute.String("conversation_id", conversationID),
		attribute.String("reason", string(reason)),
	)

	if !reason.Valid() {
		return nil, fmt.Errorf("invalid checkpoint reason %q", reason)
	}

	rec, err := m.store.Get(ctx, conversationID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	cp := &Checkpoint{
		ID:             uuid.New().String(),
		ConversationID: conversationID,
		Captured:       rec.Clone(),
		CapturedAt:     time.Now().UTC(),
		Reason:         reason,
	}

	if err := m.archive.Save(ctx, cp); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	if m.createCounter != nil {
		m.createCounter.Add(ctx, 1, metric.WithAttributes(
			attribute.String("reason", string(reason)),
		))
	}

	m.logger.Info("created checkpoint",
		zap.String("checkpoint_id", cp.ID),
		zap.String("conversation_id", conversationID),
		zap.String("reason", string(reason)),
		zap.Int64("captured_version", rec.Version))

	span.SetAttributes(attribute.String("checkpoint_id", cp.ID))
	return cp, nil
}

// Validate checks a checkpoint's structural integrity: the captured
// state is a legal enum value, the history is non-empty and ends in
// the current state, every sensitive field decrypted cleanly, and the
// checkpoint has not aged out. Any failure renders the checkpoint
// unusable for restore.
func (m *Manager) Validate(cp *Checkpoint) error {
	if cp == nil || cp.Captured == nil {
		return fmt.Errorf("%w: empty checkpoint", ErrInvalidCheckpoint)
	}
	if cp.ConversationID == "" || cp.ConversationID != cp.Captured.ConversationID {
		return fmt.Errorf("%w: conversation id mismatch", ErrInvalidCheckpoint)
	}
	if !cp.Reason.Valid() {
		return fmt.Errorf("%w: unknown reason %q", ErrInvalidCheckpoint, cp.Reason)
	}
	if err := cp.Captured.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidCheckpoint, err)
	}
	if len(cp.Captured.Unreadable) > 0 {
		return fmt.Errorf("%w: %d undecryptable fields", ErrInvalidCheckpoint, len(cp.Captured.Unreadable))
	}
	if m.cfg.MaxAge > 0 && time.Since(cp.CapturedAt) > m.cfg.MaxAge {
		return fmt.Errorf("%w: captured %s ago", ErrInvalidCheckpoint, time.Since(cp.CapturedAt).Round(time.Second))
	}
	return nil
}

// Restore writes a new session record derived from the checkpoint's
// captured state, using the current stored version as the expected
// version. On a version conflict it returns ErrConcurrentModification
// and the caller must re-read and retry.
func (m *Manager) Restore(ctx context.Context, cp *Checkpoint) (*session.Record, error) {
	ctx, span := m.tracer.Start(ctx, "checkpoint.restore")
	defer span.End()

	if err := m.Validate(cp); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	span.SetAttributes(
		attribute.String("checkpoint_id", cp.ID),
		attribute.String("conversation_id", cp.ConversationID),
	)

	var expectedVersion int64
	current, err := m.store.Get(ctx, cp.ConversationID)
	switch {
	case err == nil:
		expectedVersion = current.Version
	case errors.Is(err, session.ErrNotFound):
		// Session was terminated; restore recreates it.
		expectedVersion = 0
	default:
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	derived := cp.Captured.Clone()
	restored, err := m.store.Put(ctx, derived, expectedVersion)
	if err != nil {
		if errors.Is(err, session.ErrConflict) {
			return nil, fmt.Errorf("%w: %v", ErrConcurrentModification, err)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	if m.restoreCounter != nil {
		m.restoreCounter.Add(ctx, 1, metric.WithAttributes(
			attribute.String("reason", string(cp.Reason)),
		))
	}

	m.logger.Info("restored checkpoint",
		zap.String("checkpoint_id", cp.ID),
		zap.String("conversation_id", cp.ConversationID),
		zap.String("state", string(restored.CurrentState)),
		zap.Int64("version", restored.Version))

	return restored, nil
}

// Get fetches a checkpoint from the archive by id.
func (m *Manager) Get(ctx context.Context, checkpointID string) (*Checkpoint, error) {
	return m.archive.Get(ctx, checkpointID)
}

// List fetches the newest checkpoints for a conversation.
func (m *Manager) List(ctx context.Context, conversationID string, limit int) ([]*Checkpoint, error) {
	return m.archive.List(ctx, conversationID, limit)
}
