package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/cortexbot/sessiond/internal/fieldcrypt"
)

// MemoryStore is the in-memory Store backend, intended for development
// and tests. It stores the same encrypted document form as the durable
// backend so the codec path is exercised identically.
type MemoryStore struct {
	codec  *fieldcrypt.Codec
	logger *zap.Logger

	mu      sync.RWMutex
	entries map[string]memoryEntry
	closed  bool
}

type memoryEntry struct {
	doc     []byte
	version int64
}

// NewMemoryStore creates an in-memory session store.
func NewMemoryStore(codec *fieldcrypt.Codec, logger *zap.Logger) (*MemoryStore, error) {
	if codec == nil {
		return nil, fmt.Errorf("codec is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MemoryStore{
		codec:   codec,
		logger:  logger,
		entries: make(map[string]memoryEntry),
	}, nil
}

// Get implements Store.
func (s *MemoryStore) Get(ctx context.Context, conversationID string) (rec *Record, err error) {
	defer func(start time.Time) { observeOp("get", start, err) }(time.Now())

	if err = ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	entry, ok := s.entries[conversationID]
	closed := s.closed
	s.mu.RUnlock()

	if closed {
		return nil, ErrClosed
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, conversationID)
	}

	rec, err = DecodeRecord(s.codec, entry.doc)
	if err != nil {
		return nil, err
	}
	observeUnreadable(rec)
	return rec, nil
}

// Put implements Store.
func (s *MemoryStore) Put(ctx context.Context, rec *Record, expectedVersion int64) (stored *Record, err error) {
	defer func(start time.Time) { observeOp("put", start, err) }(time.Now())

	if err = ctx.Err(); err != nil {
		return nil, err
	}
	if expectedVersion < 0 {
		return nil, fmt.Errorf("expected version must be >= 0, got %d", expectedVersion)
	}

	next := rec.Clone()
	next.Version = expectedVersion + 1
	doc, err := EncodeRecord(s.codec, next)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrClosed
	}
	current, exists := s.entries[rec.ConversationID]
	switch {
	case expectedVersion == 0 && exists:
		return nil, fmt.Errorf("%w: %s already exists at version %d", ErrConflict, rec.ConversationID, current.version)
	case expectedVersion > 0 && !exists:
		return nil, fmt.Errorf("%w: %s", ErrNotFound, rec.ConversationID)
	case expectedVersion > 0 && current.version != expectedVersion:
		return nil, fmt.Errorf("%w: %s expected version %d, stored %d",
			ErrConflict, rec.ConversationID, expectedVersion, current.version)
	}

	s.entries[rec.ConversationID] = memoryEntry{doc: doc, version: next.Version}

	s.logger.Debug("session persisted",
		zap.String("conversation_id", rec.ConversationID),
		zap.String("state", string(next.CurrentState)),
		zap.Int64("version", next.Version))

	return next, nil
}

// Delete implements Store.
func (s *MemoryStore) Delete(ctx context.Context, conversationID string) (err error) {
	defer func(start time.Time) { observeOp("delete", start, err) }(time.Now())

	if err = ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	if _, ok := s.entries[conversationID]; !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, conversationID)
	}
	delete(s.entries, conversationID)
	return nil
}

// Close implements Store.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
