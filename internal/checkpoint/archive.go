package checkpoint

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cortexbot/sessiond/internal/fieldcrypt"
	"github.com/cortexbot/sessiond/internal/session"
)

var (
	// ErrCheckpointNotFound indicates no checkpoint exists for the id.
	ErrCheckpointNotFound = errors.New("checkpoint not found")
)

// Archive persists checkpoints. Checkpoints are write-once; the
// archive never updates a saved checkpoint, and retention/purging is
// an external policy.
type Archive interface {
	Save(ctx context.Context, cp *Checkpoint) error
	Get(ctx context.Context, checkpointID string) (*Checkpoint, error)
	List(ctx context.Context, conversationID string, limit int) ([]*Checkpoint, error)
	Close() error
}

// MemoryArchive is the in-memory Archive backend for development.
type MemoryArchive struct {
	mu      sync.RWMutex
	entries map[string]*Checkpoint
}

// NewMemoryArchive creates an in-memory checkpoint archive.
func NewMemoryArchive() *MemoryArchive {
	return &MemoryArchive{entries: make(map[string]*Checkpoint)}
}

// Save implements Archive.
func (a *MemoryArchive) Save(ctx context.Context, cp *Checkpoint) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, exists := a.entries[cp.ID]; exists {
		return fmt.Errorf("checkpoint %s already exists", cp.ID)
	}
	a.entries[cp.ID] = cp.Clone()
	return nil
}

// Get implements Archive.
func (a *MemoryArchive) Get(ctx context.Context, checkpointID string) (*Checkpoint, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	a.mu.RLock()
	defer a.mu.RUnlock()
	cp, ok := a.entries[checkpointID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrCheckpointNotFound, checkpointID)
	}
	return cp.Clone(), nil
}

// List implements Archive. Results are newest-first.
func (a *MemoryArchive) List(ctx context.Context, conversationID string, limit int) ([]*Checkpoint, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	a.mu.RLock()
	defer a.mu.RUnlock()

	var out []*Checkpoint
	for _, cp := range a.entries {
		if cp.ConversationID == conversationID {
			out = append(out, cp.Clone())
		}
	}
	sortNewestFirst(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Close implements Archive.
func (a *MemoryArchive) Close() error { return nil }

const archiveSchema = `
CREATE TABLE IF NOT EXISTS checkpoints (
	id              TEXT PRIMARY KEY,
	conversation_id TEXT NOT NULL,
	reason          TEXT NOT NULL,
	captured_at     TIMESTAMP NOT NULL,
	doc             TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_checkpoints_conversation
	ON checkpoints (conversation_id, captured_at DESC);
`

// SQLiteArchive is the durable Archive backend. It shares a database
// handle with the session store; the captured record is stored in the
// same encrypted document form the store writes.
type SQLiteArchive struct {
	db    *sql.DB
	codec *fieldcrypt.Codec
}

// NewSQLiteArchive creates a durable checkpoint archive on the given
// database handle.
func NewSQLiteArchive(db *sql.DB, codec *fieldcrypt.Codec) (*SQLiteArchive, error) {
	if db == nil {
		return nil, fmt.Errorf("database handle is required")
	}
	if codec == nil {
		return nil, fmt.Errorf("codec is required")
	}
	if _, err := db.Exec(archiveSchema); err != nil {
		return nil, fmt.Errorf("initializing checkpoint schema: %w", err)
	}
	return &SQLiteArchive{db: db, codec: codec}, nil
}

// Save implements Archive.
func (a *SQLiteArchive) Save(ctx context.Context, cp *Checkpoint) error {
	doc, err := session.EncodeRecord(a.codec, cp.Captured)
	if err != nil {
		return fmt.Errorf("encoding checkpoint %s: %w", cp.ID, err)
	}
	_, err = a.db.ExecContext(ctx,
		`INSERT INTO checkpoints (id, conversation_id, reason, captured_at, doc) VALUES (?, ?, ?, ?, ?)`,
		cp.ID, cp.ConversationID, string(cp.Reason), cp.CapturedAt.UTC(), doc)
	if err != nil {
		return fmt.Errorf("saving checkpoint %s: %w", cp.ID, err)
	}
	return nil
}

// Get implements Archive.
func (a *SQLiteArchive) Get(ctx context.Context, checkpointID string) (*Checkpoint, error) {
	row := a.db.QueryRowContext(ctx,
		`SELECT id, conversation_id, reason, captured_at, doc FROM checkpoints WHERE id = ?`,
		checkpointID)
	cp, err := a.scan(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrCheckpointNotFound, checkpointID)
		}
		return nil, fmt.Errorf("reading checkpoint %s: %w", checkpointID, err)
	}
	return cp, nil
}

// List implements Archive. Results are newest-first.
func (a *SQLiteArchive) List(ctx context.Context, conversationID string, limit int) ([]*Checkpoint, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := a.db.QueryContext(ctx,
		`SELECT id, conversation_id, reason, captured_at, doc FROM checkpoints
		 WHERE conversation_id = ? ORDER BY captured_at DESC LIMIT ?`,
		conversationID, limit)
	if err != nil {
		return nil, fmt.Errorf("listing checkpoints for %s: %w", conversationID, err)
	}
	defer rows.Close()

	var out []*Checkpoint
	for rows.Next() {
		cp, err := a.scan(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("listing checkpoints for %s: %w", conversationID, err)
		}
		out = append(out, cp)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("listing checkpoints for %s: %w", conversationID, err)
	}
	return out, nil
}

// Close implements Archive. The shared database handle is owned by the
// caller.
func (a *SQLiteArchive) Close() error { return nil }

func (a *SQLiteArchive) scan(scan func(dest ...any) error) (*Checkpoint, error) {
	var (
		cp         Checkpoint
		reason     string
		capturedAt time.Time
		doc        []byte
	)
	if err := scan(&cp.ID, &cp.ConversationID, &reason, &capturedAt, &doc); err != nil {
		return nil, err
	}
	cp.Reason = Reason(reason)
	cp.CapturedAt = capturedAt
	rec, err := session.DecodeRecord(a.codec, doc)
	if err != nil {
		return nil, err
	}
	cp.Captured = rec
	return &cp, nil
}

func sortNewestFirst(cps []*Checkpoint) {
	sort.Slice(cps, func(i, j int) bool {
		return cps[i].CapturedAt.After(cps[j].CapturedAt)
	})
}
