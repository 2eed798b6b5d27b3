package session

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cortexbot/sessiond/internal/fsm"
)

func TestNewRecord(t *testing.T) {
	now := time.Now()
	rec, err := NewRecord("c1", now)
	require.NoError(t, err)

	assert.Equal(t, "c1", rec.ConversationID)
	assert.Equal(t, fsm.StateStarted, rec.CurrentState)
	require.Len(t, rec.StateHistory, 1)
	assert.Equal(t, fsm.StateStarted, rec.StateHistory[0].State)
	assert.Equal(t, int64(0), rec.Version)
	assert.NoError(t, rec.Validate())

	_, err = NewRecord("", now)
	assert.Error(t, err)
}

func TestApply_Success(t *testing.T) {
	m := fsm.NewMachine(fsm.DefaultConfig())
	now := time.Now()
	rec, err := NewRecord("c1", now)
	require.NoError(t, err)
	rec.ErrorCount = 2

	later := now.Add(time.Minute)
	next, err := rec.Apply(m, fsm.StateProcessing, later)
	require.NoError(t, err)

	assert.Equal(t, fsm.StateProcessing, next.CurrentState)
	assert.Equal(t, later, next.LastActivity)
	assert.Equal(t, 0, next.ErrorCount, "non-error transition resets the counter")
	require.Len(t, next.StateHistory, 2)
	assert.Equal(t, fsm.StateProcessing, next.StateHistory[1].State)

	// Original untouched.
	assert.Equal(t, fsm.StateStarted, rec.CurrentState)
	assert.Equal(t, 2, rec.ErrorCount)
	assert.Len(t, rec.StateHistory, 1)
}

func TestApply_IntoErrorKeepsCounter(t *testing.T) {
	m := fsm.NewMachine(fsm.DefaultConfig())
	now := time.Now()
	rec, err := NewRecord("c1", now)
	require.NoError(t, err)
	rec.ErrorCount = 2

	next, err := rec.Apply(m, fsm.StateError, now.Add(time.Second))
	require.NoError(t, err)
	assert.Equal(t, 2, next.ErrorCount)
}

func TestApply_IllegalLeavesRecordUnchanged(t *testing.T) {
	m := fsm.NewMachine(fsm.DefaultConfig())
	now := time.Now()
	rec, err := NewRecord("c1", now)
	require.NoError(t, err)

	_, err = rec.Apply(m, fsm.StateCompleted, now.Add(time.Second))
	require.Error(t, err)
	assert.True(t, errors.Is(err, fsm.ErrIllegalTransition))
	assert.Equal(t, fsm.StateStarted, rec.CurrentState)
	assert.Len(t, rec.StateHistory, 1)
}

func TestApply_HistoryBounded(t *testing.T) {
	m := fsm.NewMachine(fsm.DefaultConfig())
	now := time.Now()
	rec, err := NewRecord("c1", now)
	require.NoError(t, err)

	cur := rec
	for i := 0; i < MaxHistory+20; i++ {
		target := fsm.StateProcessing
		if cur.CurrentState == fsm.StateProcessing {
			target = fsm.StateAwaitingInput
		}
		now = now.Add(time.Second)
		cur, err = cur.Apply(m, target, now)
		require.NoError(t, err)
	}

	assert.Len(t, cur.StateHistory, MaxHistory)
	assert.Equal(t, cur.CurrentState, cur.StateHistory[len(cur.StateHistory)-1].State)
	assert.NoError(t, cur.Validate())
}

func TestClone_DeepCopies(t *testing.T) {
	now := time.Now()
	rec, err := NewRecord("c1", now)
	require.NoError(t, err)
	rec.Sensitive["query"] = []byte("original")

	cp := rec.Clone()
	cp.Sensitive["query"][0] = 'X'
	cp.StateHistory[0].State = fsm.StateError

	assert.Equal(t, []byte("original"), rec.Sensitive["query"])
	assert.Equal(t, fsm.StateStarted, rec.StateHistory[0].State)
}

func TestValidate(t *testing.T) {
	now := time.Now()
	rec, err := NewRecord("c1", now)
	require.NoError(t, err)

	bad := rec.Clone()
	bad.CurrentState = fsm.StateProcessing
	assert.Error(t, bad.Validate(), "history must end in current state")

	bad = rec.Clone()
	bad.StateHistory = nil
	assert.Error(t, bad.Validate())

	bad = rec.Clone()
	bad.ErrorCount = -1
	assert.Error(t, bad.Validate())
}
