package checkpoint

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/cortexbot/sessiond/internal/fieldcrypt"
	"github.com/cortexbot/sessiond/internal/fsm"
	"github.com/cortexbot/sessiond/internal/session"
)

func newTestCodec(t *testing.T) *fieldcrypt.Codec {
	t.Helper()
	codec, err := fieldcrypt.NewCodec(fieldcrypt.StaticKey(bytes.Repeat([]byte{3}, 32)))
	require.NoError(t, err)
	return codec
}

func newTestManager(t *testing.T) (*Manager, session.Store) {
	t.Helper()
	store, err := session.NewMemoryStore(newTestCodec(t), zap.NewNop())
	require.NoError(t, err)
	m, err := NewManager(DefaultConfig(), store, NewMemoryArchive(), zap.NewNop())
	require.NoError(t, err)
	return m, store
}

func seedSession(t *testing.T, store session.Store, id string) *session.Record {
	t.Helper()
	rec, err := session.NewRecord(id, time.Now().UTC())
	require.NoError(t, err)
	rec.Sensitive["active_query"] = []byte("select 1")
	stored, err := store.Put(context.Background(), rec, 0)
	require.NoError(t, err)
	return stored
}

func TestNewManager_Validation(t *testing.T) {
	store, err := session.NewMemoryStore(newTestCodec(t), zap.NewNop())
	require.NoError(t, err)

	_, err = NewManager(DefaultConfig(), nil, NewMemoryArchive(), zap.NewNop())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "session store is required")

	_, err = NewManager(DefaultConfig(), store, nil, zap.NewNop())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "checkpoint archive is required")
}

func TestCreate(t *testing.T) {
	m, store := newTestManager(t)
	ctx := context.Background()
	stored := seedSession(t, store, "c1")

	cp, err := m.Create(ctx, "c1", ReasonManual)
	require.NoError(t, err)
	assert.NotEmpty(t, cp.ID)
	assert.Equal(t, "c1", cp.ConversationID)
	assert.Equal(t, ReasonManual, cp.Reason)
	assert.Equal(t, stored.Version, cp.Captured.Version)

	// Live record untouched.
	got, err := store.Get(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, stored.Version, got.Version)
}

func TestCreate_NotFound(t *testing.T) {
	m, _ := newTestManager(t)
	_, err := m.Create(context.Background(), "missing", ReasonManual)
	assert.True(t, errors.Is(err, session.ErrNotFound))
}

func TestCreate_InvalidReason(t *testing.T) {
	m, store := newTestManager(t)
	seedSession(t, store, "c1")
	_, err := m.Create(context.Background(), "c1", Reason("WHENEVER"))
	assert.Error(t, err)
}

func TestValidate_FailsClosed(t *testing.T) {
	m, store := newTestManager(t)
	seedSession(t, store, "c1")

	cp, err := m.Create(context.Background(), "c1", ReasonManual)
	require.NoError(t, err)
	require.NoError(t, m.Validate(cp))

	cases := map[string]func(cp *Checkpoint){
		"nil captured":     func(cp *Checkpoint) { cp.Captured = nil },
		"id mismatch":      func(cp *Checkpoint) { cp.ConversationID = "other" },
		"bad reason":       func(cp *Checkpoint) { cp.Reason = "WHENEVER" },
		"bad state":        func(cp *Checkpoint) { cp.Captured.CurrentState = "DANCING" },
		"empty history":    func(cp *Checkpoint) { cp.Captured.StateHistory = nil },
		"history mismatch": func(cp *Checkpoint) { cp.Captured.CurrentState = fsm.StateProcessing },
		"unreadable field": func(cp *Checkpoint) {
			cp.Captured.Unreadable = map[string]string{"token": session.UnreadableTampered}
		},
		"aged out": func(cp *Checkpoint) { cp.CapturedAt = time.Now().Add(-25 * time.Hour) },
	}

	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			broken := cp.Clone()
			mutate(broken)
			err := m.Validate(broken)
			assert.True(t, errors.Is(err, ErrInvalidCheckpoint), "got %v", err)
		})
	}
}

func TestRestore_Idempotent(t *testing.T) {
	m, store := newTestManager(t)
	ctx := context.Background()
	stored := seedSession(t, store, "c1")

	cp, err := m.Create(ctx, "c1", ReasonManual)
	require.NoError(t, err)

	restored, err := m.Restore(ctx, cp)
	require.NoError(t, err)

	// Equal in all fields except version.
	assert.Equal(t, stored.CurrentState, restored.CurrentState)
	assert.Equal(t, stored.ErrorCount, restored.ErrorCount)
	assert.Equal(t, stored.StateHistory, restored.StateHistory)
	assert.Equal(t, stored.Sensitive, restored.Sensitive)
	assert.Equal(t, stored.Version+1, restored.Version)
}

func TestRestore_RevertsLaterState(t *testing.T) {
	m, store := newTestManager(t)
	ctx := context.Background()
	machine := fsm.NewMachine(fsm.DefaultConfig())
	stored := seedSession(t, store, "c1")

	cp, err := m.Create(ctx, "c1", ReasonPreError)
	require.NoError(t, err)

	// Session advances past the checkpoint.
	next, err := stored.Apply(machine, fsm.StateProcessing, time.Now())
	require.NoError(t, err)
	advanced, err := store.Put(ctx, next, stored.Version)
	require.NoError(t, err)

	restored, err := m.Restore(ctx, cp)
	require.NoError(t, err)
	assert.Equal(t, fsm.StateStarted, restored.CurrentState)
	assert.Equal(t, advanced.Version+1, restored.Version)
}

func TestRestore_ConcurrentModification(t *testing.T) {
	m, store := newTestManager(t)
	ctx := context.Background()
	stored := seedSession(t, store, "c1")

	cp, err := m.Create(ctx, "c1", ReasonManual)
	require.NoError(t, err)

	// Simulate a racing writer between Restore's read and write by
	// wrapping the store... simplest: restore twice and race the second
	// against a manual put using a stale version.
	_, err = m.Restore(ctx, cp)
	require.NoError(t, err)

	// A put with the pre-restore version now conflicts.
	_, err = store.Put(ctx, stored, stored.Version)
	assert.True(t, errors.Is(err, session.ErrConflict))
}

func TestRestore_RecreatesDeletedSession(t *testing.T) {
	m, store := newTestManager(t)
	ctx := context.Background()
	seedSession(t, store, "c1")

	cp, err := m.Create(ctx, "c1", ReasonManual)
	require.NoError(t, err)

	require.NoError(t, store.Delete(ctx, "c1"))

	restored, err := m.Restore(ctx, cp)
	require.NoError(t, err)
	assert.Equal(t, int64(1), restored.Version)
}

func TestSQLiteArchive_RoundTrip(t *testing.T) {
	codec := newTestCodec(t)
	db, err := sql.Open("sqlite3", filepath.Join(t.TempDir(), "checkpoints.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	archive, err := NewSQLiteArchive(db, codec)
	require.NoError(t, err)
	ctx := context.Background()

	rec, err := session.NewRecord("c1", time.Now().UTC().Truncate(time.Second))
	require.NoError(t, err)
	rec.Version = 4
	rec.Sensitive["token"] = []byte("opaque")

	cp := &Checkpoint{
		ID:             "cp-1",
		ConversationID: "c1",
		Captured:       rec,
		CapturedAt:     time.Now().UTC().Truncate(time.Second),
		Reason:         ReasonScheduled,
	}
	require.NoError(t, archive.Save(ctx, cp))

	got, err := archive.Get(ctx, "cp-1")
	require.NoError(t, err)
	assert.Equal(t, cp.ID, got.ID)
	assert.Equal(t, cp.Reason, got.Reason)
	assert.Equal(t, rec.Version, got.Captured.Version)
	assert.Equal(t, []byte("opaque"), got.Captured.Sensitive["token"])

	// Write-once: saving the same id again fails.
	assert.Error(t, archive.Save(ctx, cp))

	list, err := archive.List(ctx, "c1", 10)
	require.NoError(t, err)
	require.Len(t, list, 1)

	_, err = archive.Get(ctx, "missing")
	assert.True(t, errors.Is(err, ErrCheckpointNotFound))
}
