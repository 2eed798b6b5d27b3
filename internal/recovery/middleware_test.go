package recovery

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/cortexbot/sessiond/internal/checkpoint"
	"github.com/cortexbot/sessiond/internal/conversation"
	"github.com/cortexbot/sessiond/internal/fieldcrypt"
	"github.com/cortexbot/sessiond/internal/fsm"
	"github.com/cortexbot/sessiond/internal/session"
)

type testHarness struct {
	mw      *Middleware
	store   session.Store
	manager *checkpoint.Manager
}

func newTestHarness(t *testing.T, cfg Config) *testHarness {
	t.Helper()

	codec, err := fieldcrypt.NewCodec(fieldcrypt.StaticKey([]byte("0123456789abcdef0123456789abcdef")))
	require.NoError(t, err)
	store, err := session.NewMemoryStore(codec, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	machine := fsm.NewMachine(fsm.DefaultConfig())
	manager, err := checkpoint.NewManager(checkpoint.DefaultConfig(), store, checkpoint.NewMemoryArchive(), zap.NewNop())
	require.NoError(t, err)

	svc, err := conversation.NewService(conversation.DefaultConfig(), machine, store, manager, nil, zap.NewNop())
	require.NoError(t, err)

	mw, err := NewMiddleware(cfg, svc, machine, store, manager, zap.NewNop())
	require.NoError(t, err)

	return &testHarness{mw: mw, store: store, manager: manager}
}

func seedSession(t *testing.T, store session.Store, id string, at time.Time) *session.Record {
	t.Helper()
	rec, err := session.NewRecord(id, at)
	require.NoError(t, err)
	stored, err := store.Put(context.Background(), rec, 0)
	require.NoError(t, err)
	return stored
}

func TestProcessTurnSuccess(t *testing.T) {
	h := newTestHarness(t, DefaultConfig())

	rec, serr := h.mw.ProcessTurn(context.Background(), "c1", fsm.StateAwaitingInput, map[string][]byte{
		"userToken": []byte("tok-123"),
	})
	require.Nil(t, serr)
	require.Equal(t, fsm.StateAwaitingInput, rec.CurrentState)
	require.Equal(t, 0, rec.ErrorCount)
	require.Equal(t, []byte("tok-123"), rec.Sensitive["userToken"])
}

func TestIllegalTransitionForcesError(t *testing.T) {
	h := newTestHarness(t, DefaultConfig())
	seedSession(t, h.store, "c1", time.Now().UTC())

	// STARTED -> COMPLETED is not in the transition table.
	rec, serr := h.mw.ProcessTurn(context.Background(), "c1", fsm.StateCompleted, nil)
	require.NotNil(t, serr)
	require.Equal(t, KindState, serr.Kind)
	require.True(t, strings.HasPrefix(serr.ReferenceID, "ERR-"))

	require.Equal(t, fsm.StateError, rec.CurrentState)
	require.Equal(t, 1, rec.ErrorCount)
	require.Equal(t, Degraded, h.mw.Standing(rec))

	cps, err := h.manager.List(context.Background(), "c1", 10)
	require.NoError(t, err)
	require.Len(t, cps, 1)
	require.Equal(t, checkpoint.ReasonPreError, cps[0].Reason)
}

func TestExpiredSessionForcesReset(t *testing.T) {
	h := newTestHarness(t, DefaultConfig())
	seedSession(t, h.store, "c1", time.Now().UTC().Add(-2*time.Hour))

	rec, serr := h.mw.ProcessTurn(context.Background(), "c1", fsm.StateProcessing, nil)
	require.NotNil(t, serr)
	require.Equal(t, KindTimeout, serr.Kind)
	require.Equal(t, "session expired", serr.Notice)

	require.Equal(t, fsm.StateReset, rec.CurrentState)
	require.Equal(t, 0, rec.ErrorCount)
}

func TestValidationIncrementsWithoutTransition(t *testing.T) {
	h := newTestHarness(t, DefaultConfig())
	seedSession(t, h.store, "c1", time.Now().UTC())

	rec, serr := h.mw.ProcessTurn(context.Background(), "c1", fsm.State("BOGUS"), nil)
	require.NotNil(t, serr)
	require.Equal(t, KindValidation, serr.Kind)
	require.Equal(t, "request invalid", serr.Notice)

	// State unchanged, failure still counted.
	require.Equal(t, fsm.StateStarted, rec.CurrentState)
	require.Equal(t, 1, rec.ErrorCount)

	cps, err := h.manager.List(context.Background(), "c1", 10)
	require.NoError(t, err)
	require.Empty(t, cps)
}

func TestThresholdForcesResetWithClearedCounter(t *testing.T) {
	h := newTestHarness(t, Config{MaxErrors: 3})
	seedSession(t, h.store, "c1", time.Now().UTC())

	// First two failures force ERROR and accumulate the counter.
	rec, serr := h.mw.ProcessTurn(context.Background(), "c1", fsm.StateCompleted, nil)
	require.NotNil(t, serr)
	require.Equal(t, 1, rec.ErrorCount)

	rec, serr = h.mw.ProcessTurn(context.Background(), "c1", fsm.StateCompleted, nil)
	require.NotNil(t, serr)
	require.Equal(t, fsm.StateError, rec.CurrentState)
	require.Equal(t, 2, rec.ErrorCount)

	// Third failure reaches the threshold: forced reset, counter
	// cleared with the transition.
	rec, serr = h.mw.ProcessTurn(context.Background(), "c1", fsm.StateCompleted, nil)
	require.NotNil(t, serr)
	require.Equal(t, "session was reset", serr.Notice)
	require.Equal(t, fsm.StateReset, rec.CurrentState)
	require.Equal(t, 0, rec.ErrorCount)
	require.Equal(t, Normal, h.mw.Standing(rec))
}

func TestSuccessfulTurnClearsErrorCount(t *testing.T) {
	h := newTestHarness(t, DefaultConfig())
	seedSession(t, h.store, "c1", time.Now().UTC())

	rec, serr := h.mw.ProcessTurn(context.Background(), "c1", fsm.StateCompleted, nil)
	require.NotNil(t, serr)
	require.Equal(t, fsm.StateError, rec.CurrentState)
	require.Equal(t, 1, rec.ErrorCount)

	rec, serr = h.mw.ProcessTurn(context.Background(), "c1", fsm.StateAwaitingInput, nil)
	require.Nil(t, serr)
	require.Equal(t, fsm.StateAwaitingInput, rec.CurrentState)
	require.Equal(t, 0, rec.ErrorCount)
}

func TestFailureWithoutSession(t *testing.T) {
	h := newTestHarness(t, DefaultConfig())

	rec, serr := h.mw.ProcessTurn(context.Background(), "", fsm.StateProcessing, nil)
	require.Nil(t, rec)
	require.NotNil(t, serr)
	require.Equal(t, KindValidation, serr.Kind)
	require.Contains(t, serr.Error(), serr.ReferenceID)
}

func TestStanding(t *testing.T) {
	h := newTestHarness(t, Config{MaxErrors: 3})

	require.Equal(t, Normal, h.mw.Standing(nil))
	require.Equal(t, Normal, h.mw.Standing(&session.Record{ErrorCount: 0}))
	require.Equal(t, Degraded, h.mw.Standing(&session.Record{ErrorCount: 2}))
	require.Equal(t, LockedOut, h.mw.Standing(&session.Record{ErrorCount: 3}))
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"illegal transition", fsm.ErrIllegalTransition, KindState},
		{"expired session", fsm.ErrSessionExpired, KindTimeout},
		{"deadline", context.DeadlineExceeded, KindTimeout},
		{"unauthorized", conversation.ErrUnauthorized, KindAuth},
		{"invalid request", conversation.ErrInvalidRequest, KindValidation},
		{"not found", session.ErrNotFound, KindValidation},
		{"version conflict", session.ErrConflict, KindValidation},
		{"cancelled context", context.Canceled, KindTimeout},
		{"anything else", errors.New("boom"), KindSystem},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, Classify(tt.err))
		})
	}
}
