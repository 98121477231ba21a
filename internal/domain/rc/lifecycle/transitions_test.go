package lifecycle

import (
	"errors"
	"testing"
	"time"

	"github.com/ManuGH/rcd/internal/domain/rc/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsValidTransition_Matrix(t *testing.T) {
	legal := map[[2]model.SessionState]bool{}
	for _, tr := range []Transition{
		{model.SessionCreated, model.SessionStarting},
		{model.SessionStarting, model.SessionStreaming},
		{model.SessionStreaming, model.SessionStopping},
		{model.SessionStopping, model.SessionClosed},
	} {
		legal[[2]model.SessionState{tr.From, tr.To}] = true
	}
	// Wildcard: everything may enter closed.
	for _, from := range model.States() {
		legal[[2]model.SessionState{from, model.SessionClosed}] = true
	}

	for _, from := range model.States() {
		for _, to := range model.States() {
			got := IsValidTransition(from, to)
			want := legal[[2]model.SessionState{from, to}]
			assert.Equal(t, want, got, "transition %s -> %s", from, to)
		}
	}
}

func TestIsValidTransition_NoSelfLoops(t *testing.T) {
	for _, s := range model.States() {
		if s == model.SessionClosed {
			continue // closed->closed permitted via wildcard, idempotent in Apply
		}
		assert.False(t, IsValidTransition(s, s), "self loop on %s", s)
	}
}

func TestNewRecord_Validation(t *testing.T) {
	now := time.Now()

	_, err := NewRecord("", "user-1", now)
	require.ErrorIs(t, err, ErrValidation)

	_, err = NewRecord("dev-1", "", now)
	require.ErrorIs(t, err, ErrValidation)

	rec, err := NewRecord("dev-1", "user-1", now)
	require.NoError(t, err)
	assert.Equal(t, model.SessionCreated, rec.State)
	assert.Equal(t, now.Unix(), rec.LastActivityUnix)
	assert.True(t, model.IsSafeSessionID(rec.SessionID))
}

func TestApply_SkippingEdgeRejectedWithoutMutation(t *testing.T) {
	now := time.Now()
	rec, err := NewRecord("dev-1", "user-1", now)
	require.NoError(t, err)

	err = Apply(rec, model.SessionStreaming, model.RNone, now)
	var ite *InvalidTransitionError
	require.ErrorAs(t, err, &ite)
	assert.Equal(t, model.SessionCreated, ite.From)
	assert.Equal(t, model.SessionStreaming, ite.To)
	assert.True(t, errors.Is(err, ErrInvalidTransition))

	assert.Equal(t, model.SessionCreated, rec.State, "record must not mutate on rejection")
	assert.Zero(t, rec.StartedAtUnix)
}

func TestApply_TimestampSideEffects(t *testing.T) {
	t0 := time.Unix(1_700_000_000, 0)
	rec, err := NewRecord("dev-1", "user-1", t0)
	require.NoError(t, err)

	t1 := t0.Add(5 * time.Second)
	require.NoError(t, Apply(rec, model.SessionStarting, model.RNone, t1))
	assert.Equal(t, t1.Unix(), rec.StartedAtUnix)
	assert.Equal(t, t1.Unix(), rec.LastActivityUnix)

	t2 := t1.Add(5 * time.Second)
	require.NoError(t, Apply(rec, model.SessionStreaming, model.RNone, t2))
	assert.Equal(t, t1.Unix(), rec.StartedAtUnix, "started_at set only once")

	t3 := t2.Add(60 * time.Second)
	require.NoError(t, Apply(rec, model.SessionStopping, model.RClientStop, t3))
	t4 := t3.Add(time.Second)
	require.NoError(t, Apply(rec, model.SessionClosed, model.RClientStop, t4))
	assert.Equal(t, t4.Unix(), rec.StoppedAtUnix)
	assert.Equal(t, 66*time.Second, rec.Duration())
}

func TestApply_ClosedIsAbsorbing(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	rec, err := NewRecord("dev-1", "user-1", now)
	require.NoError(t, err)
	require.NoError(t, Apply(rec, model.SessionClosed, model.RIdleTimeout, now))
	stoppedAt := rec.StoppedAtUnix

	// Second close is a no-op success, not a mutation.
	require.NoError(t, Apply(rec, model.SessionClosed, model.RClientStop, now.Add(time.Hour)))
	assert.Equal(t, stoppedAt, rec.StoppedAtUnix)
	assert.Equal(t, model.RIdleTimeout, rec.Reason)

	// Nothing leaves closed.
	for _, to := range []model.SessionState{model.SessionCreated, model.SessionStarting, model.SessionStreaming, model.SessionStopping} {
		err := Apply(rec, to, model.RNone, now)
		require.ErrorIs(t, err, ErrInvalidTransition, "closed -> %s", to)
	}
}

func TestTouch_OnlyActiveSessions(t *testing.T) {
	t0 := time.Unix(1_700_000_000, 0)
	rec, err := NewRecord("dev-1", "user-1", t0)
	require.NoError(t, err)

	t1 := t0.Add(time.Minute)
	assert.True(t, Touch(rec, t1))
	assert.Equal(t, t1.Unix(), rec.LastActivityUnix)
	assert.Equal(t, model.SessionCreated, rec.State, "touch never changes state")

	require.NoError(t, Apply(rec, model.SessionClosed, model.RClientStop, t1))
	before := rec.LastActivityUnix
	assert.False(t, Touch(rec, t1.Add(time.Minute)))
	assert.Equal(t, before, rec.LastActivityUnix)
}

func TestIsTimedOut_FallsBackToCreation(t *testing.T) {
	t0 := time.Unix(1_700_000_000, 0)
	rec := &model.SessionRecord{CreatedAtUnix: t0.Unix(), State: model.SessionStreaming}

	assert.False(t, rec.IsTimedOut(5*time.Minute, t0.Add(4*time.Minute)))
	assert.True(t, rec.IsTimedOut(5*time.Minute, t0.Add(6*time.Minute)))

	rec.LastActivityUnix = t0.Add(5 * time.Minute).Unix()
	assert.False(t, rec.IsTimedOut(5*time.Minute, t0.Add(9*time.Minute)))
	assert.True(t, rec.IsTimedOut(5*time.Minute, t0.Add(11*time.Minute)))
}
