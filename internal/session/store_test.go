package session

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/cortexbot/sessiond/internal/fieldcrypt"
	"github.com/cortexbot/sessiond/internal/fsm"
)

func newTestCodec(t *testing.T) *fieldcrypt.Codec {
	t.Helper()
	codec, err := fieldcrypt.NewCodec(fieldcrypt.StaticKey(bytes.Repeat([]byte{7}, 32)))
	require.NoError(t, err)
	return codec
}

// storeFactories builds each backend against the same contract.
func storeFactories(t *testing.T) map[string]func(t *testing.T) Store {
	t.Helper()
	return map[string]func(t *testing.T) Store{
		"memory": func(t *testing.T) Store {
			s, err := NewMemoryStore(newTestCodec(t), zap.NewNop())
			require.NoError(t, err)
			return s
		},
		"sqlite": func(t *testing.T) Store {
			db, err := sql.Open("sqlite3", filepath.Join(t.TempDir(), "sessions.db"))
			require.NoError(t, err)
			t.Cleanup(func() { _ = db.Close() })
			s, err := NewSQLiteStore(db, newTestCodec(t), zap.NewNop())
			require.NoError(t, err)
			return s
		},
	}
}

func TestStore_GetNotFound(t *testing.T) {
	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			store := factory(t)
			_, err := store.Get(context.Background(), "missing")
			assert.True(t, errors.Is(err, ErrNotFound))
		})
	}
}

func TestStore_CreateAndGet(t *testing.T) {
	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			store := factory(t)
			ctx := context.Background()

			rec, err := NewRecord("c1", time.Now())
			require.NoError(t, err)
			rec.Sensitive["active_query"] = []byte("select 1")

			stored, err := store.Put(ctx, rec, 0)
			require.NoError(t, err)
			assert.Equal(t, int64(1), stored.Version)

			got, err := store.Get(ctx, "c1")
			require.NoError(t, err)
			assert.Equal(t, fsm.StateStarted, got.CurrentState)
			assert.Equal(t, []byte("select 1"), got.Sensitive["active_query"])
			assert.Empty(t, got.Unreadable)
			assert.Equal(t, int64(1), got.Version)
		})
	}
}

func TestStore_VersionMonotonicity(t *testing.T) {
	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			store := factory(t)
			ctx := context.Background()

			rec, err := NewRecord("c1", time.Now())
			require.NoError(t, err)

			cur, err := store.Put(ctx, rec, 0)
			require.NoError(t, err)

			for want := int64(2); want <= 5; want++ {
				cur, err = store.Put(ctx, cur, cur.Version)
				require.NoError(t, err)
				assert.Equal(t, want, cur.Version)
			}
		})
	}
}

func TestStore_PutConflict(t *testing.T) {
	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			store := factory(t)
			ctx := context.Background()

			rec, err := NewRecord("c1", time.Now())
			require.NoError(t, err)

			v1, err := store.Put(ctx, rec, 0)
			require.NoError(t, err)

			// Create again conflicts.
			_, err = store.Put(ctx, rec, 0)
			assert.True(t, errors.Is(err, ErrConflict))

			// Winner advances to v2.
			_, err = store.Put(ctx, v1, 1)
			require.NoError(t, err)

			// Loser with stale expectedVersion conflicts; stored record untouched.
			_, err = store.Put(ctx, v1, 1)
			assert.True(t, errors.Is(err, ErrConflict))

			got, err := store.Get(ctx, "c1")
			require.NoError(t, err)
			assert.Equal(t, int64(2), got.Version)
		})
	}
}

func TestStore_ConcurrentPutOneWinner(t *testing.T) {
	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			store := factory(t)
			ctx := context.Background()

			rec, err := NewRecord("c1", time.Now())
			require.NoError(t, err)
			v1, err := store.Put(ctx, rec, 0)
			require.NoError(t, err)

			var wg sync.WaitGroup
			results := make(chan error, 2)
			for i := 0; i < 2; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					_, err := store.Put(ctx, v1, 1)
					results <- err
				}()
			}
			wg.Wait()
			close(results)

			var successes, conflicts int
			for err := range results {
				switch {
				case err == nil:
					successes++
				case errors.Is(err, ErrConflict):
					conflicts++
				default:
					t.Fatalf("unexpected error: %v", err)
				}
			}
			assert.Equal(t, 1, successes)
			assert.Equal(t, 1, conflicts)
		})
	}
}

func TestStore_Delete(t *testing.T) {
	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			store := factory(t)
			ctx := context.Background()

			rec, err := NewRecord("c1", time.Now())
			require.NoError(t, err)
			_, err = store.Put(ctx, rec, 0)
			require.NoError(t, err)

			require.NoError(t, store.Delete(ctx, "c1"))
			_, err = store.Get(ctx, "c1")
			assert.True(t, errors.Is(err, ErrNotFound))

			assert.True(t, errors.Is(store.Delete(ctx, "c1"), ErrNotFound))
		})
	}
}

func TestStore_ContextCancelled(t *testing.T) {
	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			store := factory(t)
			ctx, cancel := context.WithCancel(context.Background())
			cancel()

			rec, err := NewRecord("c1", time.Now())
			require.NoError(t, err)

			_, err = store.Put(ctx, rec, 0)
			assert.Error(t, err)
		})
	}
}

func TestDocument_RoundTripAndTamperSentinel(t *testing.T) {
	codec := newTestCodec(t)

	rec, err := NewRecord("c1", time.Now().UTC().Truncate(time.Second))
	require.NoError(t, err)
	rec.Sensitive["active_query"] = []byte("select revenue")
	rec.Sensitive["last_response"] = []byte("42 rows")
	rec.Version = 3

	data, err := EncodeRecord(codec, rec)
	require.NoError(t, err)

	// Serialized form never contains plaintext.
	assert.NotContains(t, string(data), "select revenue")
	assert.NotContains(t, string(data), "42 rows")

	got, err := DecodeRecord(codec, data)
	require.NoError(t, err)
	assert.Equal(t, rec.ConversationID, got.ConversationID)
	assert.Equal(t, rec.CurrentState, got.CurrentState)
	assert.Equal(t, rec.Version, got.Version)
	assert.Equal(t, []byte("select revenue"), got.Sensitive["active_query"])
	assert.Equal(t, []byte("42 rows"), got.Sensitive["last_response"])

	// Corrupt one field's ciphertext: only that field degrades.
	var doc map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(data, &doc))
	var fields map[string]string
	require.NoError(t, json.Unmarshal(doc["sensitiveFields"], &fields))
	fields["active_query"] = fields["active_query"][:len(fields["active_query"])-8] + "AAAAAAA="
	patched, err := json.Marshal(fields)
	require.NoError(t, err)
	doc["sensitiveFields"] = patched
	data, err = json.Marshal(doc)
	require.NoError(t, err)

	got, err = DecodeRecord(codec, data)
	require.NoError(t, err)
	assert.Equal(t, UnreadableTampered, got.Unreadable["active_query"])
	assert.NotContains(t, got.Sensitive, "active_query")
	assert.Equal(t, []byte("42 rows"), got.Sensitive["last_response"])
}

func TestDocument_KeyMismatchSentinel(t *testing.T) {
	codecA := newTestCodec(t)
	codecB, err := fieldcrypt.NewCodec(fieldcrypt.StaticKey(bytes.Repeat([]byte{9}, 32)))
	require.NoError(t, err)

	rec, err := NewRecord("c1", time.Now())
	require.NoError(t, err)
	rec.Sensitive["token"] = []byte("opaque")

	data, err := EncodeRecord(codecA, rec)
	require.NoError(t, err)

	got, err := DecodeRecord(codecB, data)
	require.NoError(t, err)
	assert.Equal(t, UnreadableKeyMismatch, got.Unreadable["token"])
	assert.NotContains(t, got.Sensitive, "token")
}
