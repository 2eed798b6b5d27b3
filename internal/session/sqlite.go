package session

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/cortexbot/sessiond/internal/fieldcrypt"
)

const sessionSchema = `
CREATE TABLE IF NOT EXISTS sessions (
	conversation_id TEXT PRIMARY KEY,
	doc             TEXT NOT NULL,
	version         INTEGER NOT NULL,
	updated_at      TIMESTAMP NOT NULL
);
`

// SQLiteStore is the durable Store backend. Each record is one row;
// the version column carries the optimistic-concurrency counter and
// every write is a single atomic statement, so a cancelled operation
// never leaves a partial write behind.
type SQLiteStore struct {
	db     *sql.DB
	codec  *fieldcrypt.Codec
	logger *zap.Logger
}

// NewSQLiteStore creates a durable session store on the given database
// handle. The handle may be shared with the checkpoint archive.
func NewSQLiteStore(db *sql.DB, codec *fieldcrypt.Codec, logger *zap.Logger) (*SQLiteStore, error) {
	if db == nil {
		return nil, fmt.Errorf("database handle is required")
	}
	if codec == nil {
		return nil, fmt.Errorf("codec is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if _, err := db.Exec(sessionSchema); err != nil {
		return nil, fmt.Errorf("initializing session schema: %w", err)
	}
	return &SQLiteStore{db: db, codec: codec, logger: logger}, nil
}

// Get implements Store.
func (s *SQLiteStore) Get(ctx context.Context, conversationID string) (rec *Record, err error) {
	defer func(start time.Time) { observeOp("get", start, err) }(time.Now())

	var doc []byte
	row := s.db.QueryRowContext(ctx,
		`SELECT doc FROM sessions WHERE conversation_id = ?`, conversationID)
	if err = row.Scan(&doc); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, conversationID)
		}
		return nil, fmt.Errorf("reading session %s: %w", conversationID, err)
	}

	rec, err = DecodeRecord(s.codec, doc)
	if err != nil {
		return nil, err
	}
	observeUnreadable(rec)
	return rec, nil
}

// Put implements Store.
func (s *SQLiteStore) Put(ctx context.Context, rec *Record, expectedVersion int64) (stored *Record, err error) {
	defer func(start time.Time) { observeOp("put", start, err) }(time.Now())

	if expectedVersion < 0 {
		return nil, fmt.Errorf("expected version must be >= 0, got %d", expectedVersion)
	}

	next := rec.Clone()
	next.Version = expectedVersion + 1
	doc, err := EncodeRecord(s.codec, next)
	if err != nil {
		return nil, err
	}

	if expectedVersion == 0 {
		_, err = s.db.ExecContext(ctx,
			`INSERT INTO sessions (conversation_id, doc, version, updated_at) VALUES (?, ?, ?, ?)`,
			rec.ConversationID, doc, next.Version, next.LastActivity.UTC())
		if err != nil {
			var sqliteErr sqlite3.Error
			if errors.As(err, &sqliteErr) && sqliteErr.Code == sqlite3.ErrConstraint {
				return nil, fmt.Errorf("%w: %s already exists", ErrConflict, rec.ConversationID)
			}
			return nil, fmt.Errorf("creating session %s: %w", rec.ConversationID, err)
		}
	} else {
		res, err := s.db.ExecContext(ctx,
			`UPDATE sessions SET doc = ?, version = ?, updated_at = ? WHERE conversation_id = ? AND version = ?`,
			doc, next.Version, next.LastActivity.UTC(), rec.ConversationID, expectedVersion)
		if err != nil {
			return nil, fmt.Errorf("updating session %s: %w", rec.ConversationID, err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return nil, fmt.Errorf("updating session %s: %w", rec.ConversationID, err)
		}
		if affected == 0 {
			// Either the row is gone or someone else won the version.
			var current int64
			row := s.db.QueryRowContext(ctx,
				`SELECT version FROM sessions WHERE conversation_id = ?`, rec.ConversationID)
			if scanErr := row.Scan(&current); scanErr != nil {
				if errors.Is(scanErr, sql.ErrNoRows) {
					return nil, fmt.Errorf("%w: %s", ErrNotFound, rec.ConversationID)
				}
				return nil, fmt.Errorf("updating session %s: %w", rec.ConversationID, scanErr)
			}
			return nil, fmt.Errorf("%w: %s expected version %d, stored %d",
				ErrConflict, rec.ConversationID, expectedVersion, current)
		}
	}

	s.logger.Debug("session persisted",
		zap.String("conversation_id", rec.ConversationID),
		zap.String("state", string(next.CurrentState)),
		zap.Int64("version", next.Version))

	return next, nil
}

// Delete implements Store.
func (s *SQLiteStore) Delete(ctx context.Context, conversationID string) (err error) {
	defer func(start time.Time) { observeOp("delete", start, err) }(time.Now())

	res, err := s.db.ExecContext(ctx,
		`DELETE FROM sessions WHERE conversation_id = ?`, conversationID)
	if err != nil {
		return fmt.Errorf("deleting session %s: %w", conversationID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("deleting session %s: %w", conversationID, err)
	}
	if affected == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, conversationID)
	}
	return nil
}

// Close implements Store. The shared database handle is owned by the
// caller; Close here is a no-op so the checkpoint archive can keep
// using it.
func (s *SQLiteStore) Close() error {
	return nil
}
