// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package manager

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/ManuGH/rcd/internal/diagnostics"
	"github.com/ManuGH/rcd/internal/domain/rc/lifecycle"
	"github.com/ManuGH/rcd/internal/domain/rc/model"
	"github.com/ManuGH/rcd/internal/domain/rc/store"
	"github.com/ManuGH/rcd/internal/relay"
	"github.com/ManuGH/rcd/internal/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	t time.Time
}

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

type fixture struct {
	orch  *Orchestrator
	store *store.MemoryStore
	bus   *transport.MemoryBus
	sup   *relay.Supervisor
	clock *fakeClock
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	if cfg.TimeoutWindow <= 0 {
		cfg.TimeoutWindow = 5 * time.Minute
	}
	st := store.NewMemoryStore()
	bus := transport.NewMemoryBus()
	sup := relay.NewSupervisor(relay.Options{})
	clock := &fakeClock{t: time.Unix(1700000000, 0)}

	orch := New(st, bus, sup, diagnostics.NewRegistry(), cfg)
	orch.now = clock.now

	t.Cleanup(func() {
		orch.Shutdown()
		_ = bus.Close()
	})
	return &fixture{orch: orch, store: st, bus: bus, sup: sup, clock: clock}
}

func recvJSON(t *testing.T, sub transport.Subscription) map[string]interface{} {
	t.Helper()
	select {
	case msg, ok := <-sub.C():
		require.True(t, ok, "subscription closed")
		var payload map[string]interface{}
		require.NoError(t, json.Unmarshal(msg, &payload))
		return payload
	case <-time.After(2 * time.Second):
		t.Fatal("expected notification not delivered")
		return nil
	}
}

func TestCreateSession_FreshDevice(t *testing.T) {
	f := newFixture(t, Config{TimeoutWindow: 300 * time.Second})
	ctx := context.Background()

	rec, err := f.orch.CreateSession(ctx, "D1", "U1")
	require.NoError(t, err)

	assert.Equal(t, model.SessionCreated, rec.State)
	assert.Equal(t, "D1", rec.DeviceID)
	assert.Equal(t, "U1", rec.UserID)
	assert.Equal(t, f.clock.now().Unix(), rec.LastActivityUnix)
	assert.Equal(t, f.clock.now().Add(300*time.Second).Unix(), rec.TimeoutAtUnix)

	_, running := f.sup.Get(rec.SessionID)
	assert.True(t, running, "a relay must be running for the new session")
}

func TestCreateSession_ValidationErrors(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	_, err := f.orch.CreateSession(ctx, "", "U1")
	require.ErrorIs(t, err, lifecycle.ErrValidation)

	_, err = f.orch.CreateSession(ctx, "D1", "")
	require.ErrorIs(t, err, lifecycle.ErrValidation)
}

func TestCreateSession_PreemptsExistingSession(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	first, err := f.orch.CreateSession(ctx, "D1", "U1")
	require.NoError(t, err)

	deviceSub, err := f.bus.Subscribe(ctx, transport.TopicDevice("D1"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = deviceSub.Close() })

	second, err := f.orch.CreateSession(ctx, "D1", "U2")
	require.NoError(t, err)
	require.NotEqual(t, first.SessionID, second.SessionID)

	// The old session is fully closed before the new one exists.
	old, err := f.store.GetSession(ctx, first.SessionID)
	require.NoError(t, err)
	require.NotNil(t, old)
	assert.Equal(t, model.SessionClosed, old.State)
	assert.Equal(t, model.RReplaced, old.Reason)

	_, stillRunning := f.sup.Get(first.SessionID)
	assert.False(t, stillRunning, "pre-empted relay must be stopped")
	_, running := f.sup.Get(second.SessionID)
	assert.True(t, running)

	notif := recvJSON(t, deviceSub)
	assert.Equal(t, "stop_capture", notif["type"])
	assert.Equal(t, first.SessionID, notif["session_id"])

	assert.Equal(t, model.SessionCreated, second.State)
}

func TestFullLifecycleWalk(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	rec, err := f.orch.CreateSession(ctx, "D1", "U1")
	require.NoError(t, err)
	id := rec.SessionID

	f.clock.advance(2 * time.Second)
	rec, err = f.orch.TransitionToStarting(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, model.SessionStarting, rec.State)
	startedAt := rec.StartedAtUnix
	assert.Equal(t, f.clock.now().Unix(), startedAt)

	f.clock.advance(time.Second)
	rec, err = f.orch.TransitionToStreaming(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, model.SessionStreaming, rec.State)

	f.clock.advance(10 * time.Second)
	require.NoError(t, f.orch.UpdateActivity(ctx, id))
	got, err := f.store.GetSession(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, f.clock.now().Unix(), got.LastActivityUnix)
	assert.Equal(t, model.SessionStreaming, got.State, "activity never changes state")

	f.clock.advance(47 * time.Second)
	rec, err = f.orch.StopSession(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, model.SessionClosed, rec.State)
	assert.Equal(t, model.RClientStop, rec.Reason)
	assert.Equal(t, f.clock.now().Unix(), rec.StoppedAtUnix)
	assert.Equal(t, time.Duration(rec.StoppedAtUnix-startedAt)*time.Second, rec.Duration())

	_, running := f.sup.Get(id)
	assert.False(t, running)
}

func TestStopSession_CreatedGoesDirectlyToClosed(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	rec, err := f.orch.CreateSession(ctx, "D1", "U1")
	require.NoError(t, err)

	closed, err := f.orch.StopSession(ctx, rec.SessionID)
	require.NoError(t, err)
	assert.Equal(t, model.SessionClosed, closed.State)
	assert.Zero(t, closed.StartedAtUnix, "session never started")
	assert.Zero(t, closed.Duration())
}

func TestStopSession_UnknownSession(t *testing.T) {
	f := newFixture(t, Config{})
	_, err := f.orch.StopSession(context.Background(), "rcs-ghost")
	require.ErrorIs(t, err, lifecycle.ErrSessionNotFound)
}

func TestTransition_SkippingEdgeIsRejected(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	rec, err := f.orch.CreateSession(ctx, "D1", "U1")
	require.NoError(t, err)

	_, err = f.orch.TransitionToStreaming(ctx, rec.SessionID)
	require.ErrorIs(t, err, lifecycle.ErrInvalidTransition)

	var ite *lifecycle.InvalidTransitionError
	require.ErrorAs(t, err, &ite)
	assert.Equal(t, model.SessionCreated, ite.From)
	assert.Equal(t, model.SessionStreaming, ite.To)

	got, err := f.store.GetSession(ctx, rec.SessionID)
	require.NoError(t, err)
	assert.Equal(t, model.SessionCreated, got.State, "rejected transition must not mutate state")
}

func TestTransitionToClosed_BroadcastsAndIsIdempotent(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	rec, err := f.orch.CreateSession(ctx, "D1", "U1")
	require.NoError(t, err)
	id := rec.SessionID

	windowSub, err := f.bus.Subscribe(ctx, transport.TopicSessionEvents(id))
	require.NoError(t, err)
	t.Cleanup(func() { _ = windowSub.Close() })

	first, err := f.orch.TransitionToClosed(ctx, id, model.RIdleTimeout)
	require.NoError(t, err)
	assert.Equal(t, model.RIdleTimeout, first.Reason)

	notif := recvJSON(t, windowSub)
	assert.Equal(t, "session_closed", notif["type"])
	assert.Equal(t, id, notif["session_id"])
	assert.Equal(t, string(model.RIdleTimeout), notif["reason"])

	// Second close: clean no-op, same reason and stop timestamp, no
	// second notification.
	f.clock.advance(time.Minute)
	second, err := f.orch.TransitionToClosed(ctx, id, model.RClientStop)
	require.NoError(t, err)
	assert.Equal(t, model.RIdleTimeout, second.Reason)
	assert.Equal(t, first.StoppedAtUnix, second.StoppedAtUnix)

	select {
	case msg := <-windowSub.C():
		t.Fatalf("unexpected second close notification: %s", msg)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestUpdateActivity_InactiveSessionIsSilentNoop(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	rec, err := f.orch.CreateSession(ctx, "D1", "U1")
	require.NoError(t, err)
	_, err = f.orch.TransitionToClosed(ctx, rec.SessionID, model.RClientStop)
	require.NoError(t, err)

	before, err := f.store.GetSession(ctx, rec.SessionID)
	require.NoError(t, err)

	f.clock.advance(time.Minute)
	require.NoError(t, f.orch.UpdateActivity(ctx, rec.SessionID))

	after, err := f.store.GetSession(ctx, rec.SessionID)
	require.NoError(t, err)
	assert.Equal(t, before.LastActivityUnix, after.LastActivityUnix)

	require.ErrorIs(t, f.orch.UpdateActivity(ctx, "rcs-ghost"), lifecycle.ErrSessionNotFound)
}

func TestTimeoutSweep(t *testing.T) {
	f := newFixture(t, Config{TimeoutWindow: 300 * time.Second})
	ctx := context.Background()

	rec, err := f.orch.CreateSession(ctx, "D1", "U1")
	require.NoError(t, err)
	_, err = f.orch.TransitionToStarting(ctx, rec.SessionID)
	require.NoError(t, err)
	_, err = f.orch.TransitionToStreaming(ctx, rec.SessionID)
	require.NoError(t, err)

	// Idle for longer than the window.
	f.clock.advance(301 * time.Second)

	closed, err := f.orch.CheckAndCloseTimedOutSessions(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, closed)

	got, err := f.store.GetSession(ctx, rec.SessionID)
	require.NoError(t, err)
	assert.Equal(t, model.SessionClosed, got.State)
	assert.Equal(t, model.RIdleTimeout, got.Reason)

	// A second immediate sweep finds nothing active.
	closed, err = f.orch.CheckAndCloseTimedOutSessions(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, closed)
}

func TestTimeoutSweep_ActivityResetsIdleClock(t *testing.T) {
	f := newFixture(t, Config{TimeoutWindow: 300 * time.Second})
	ctx := context.Background()

	rec, err := f.orch.CreateSession(ctx, "D1", "U1")
	require.NoError(t, err)

	f.clock.advance(250 * time.Second)
	require.NoError(t, f.orch.UpdateActivity(ctx, rec.SessionID))
	f.clock.advance(250 * time.Second)

	closed, err := f.orch.CheckAndCloseTimedOutSessions(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, closed, "activity 250s ago is within the 300s window")
}

func TestCheckSessionTimeout(t *testing.T) {
	f := newFixture(t, Config{TimeoutWindow: 300 * time.Second})
	ctx := context.Background()

	rec, err := f.orch.CreateSession(ctx, "D1", "U1")
	require.NoError(t, err)

	// Not yet timed out: unchanged.
	got, err := f.orch.CheckSessionTimeout(ctx, rec.SessionID)
	require.NoError(t, err)
	assert.Equal(t, model.SessionCreated, got.State)

	// Manually closed first; a late check is a no-op.
	_, err = f.orch.StopSession(ctx, rec.SessionID)
	require.NoError(t, err)
	f.clock.advance(400 * time.Second)
	got, err = f.orch.CheckSessionTimeout(ctx, rec.SessionID)
	require.NoError(t, err)
	assert.Equal(t, model.RClientStop, got.Reason, "late timeout check must not rewrite the close reason")

	_, err = f.orch.CheckSessionTimeout(ctx, "rcs-ghost")
	require.ErrorIs(t, err, lifecycle.ErrSessionNotFound)
}

func TestCheckSessionTimeout_ClosesIdleSession(t *testing.T) {
	f := newFixture(t, Config{TimeoutWindow: 300 * time.Second})
	ctx := context.Background()

	rec, err := f.orch.CreateSession(ctx, "D1", "U1")
	require.NoError(t, err)

	f.clock.advance(301 * time.Second)
	got, err := f.orch.CheckSessionTimeout(ctx, rec.SessionID)
	require.NoError(t, err)
	assert.Equal(t, model.SessionClosed, got.State)
	assert.Equal(t, model.RIdleTimeout, got.Reason)
}

// failingSupervisor rejects every start to exercise the rollback path.
type failingSupervisor struct{}

func (failingSupervisor) StartRelay(string, string, func()) (*relay.Worker, error) {
	return nil, errors.New("spawn refused")
}
func (failingSupervisor) StopRelay(string) {}
func (failingSupervisor) StopAll()         {}

func TestCreateSession_RelayFailureRollsBack(t *testing.T) {
	st := store.NewMemoryStore()
	bus := transport.NewMemoryBus()
	t.Cleanup(func() { _ = bus.Close() })

	orch := New(st, bus, failingSupervisor{}, nil, Config{})
	t.Cleanup(orch.Shutdown)

	_, err := orch.CreateSession(context.Background(), "D1", "U1")
	require.ErrorIs(t, err, lifecycle.ErrRelayStart)

	// No session may exist without a working relay.
	active, err := st.ActiveSessionForDevice(context.Background(), "D1")
	require.NoError(t, err)
	assert.Nil(t, active)
}

func TestSetTimeoutWindow(t *testing.T) {
	f := newFixture(t, Config{TimeoutWindow: 300 * time.Second})
	ctx := context.Background()

	f.orch.SetTimeoutWindow(30 * time.Second)

	rec, err := f.orch.CreateSession(ctx, "D1", "U1")
	require.NoError(t, err)
	assert.Equal(t, f.clock.now().Add(30*time.Second).Unix(), rec.TimeoutAtUnix)

	// Non-positive values are ignored.
	f.orch.SetTimeoutWindow(0)
	assert.Equal(t, 30*time.Second, f.orch.TimeoutWindow())
}

func TestSweeper_SweepOnce(t *testing.T) {
	f := newFixture(t, Config{TimeoutWindow: 300 * time.Second})
	ctx := context.Background()
	sweeper := &Sweeper{Orch: f.orch, Conf: SweeperConfig{
		Interval:         time.Minute,
		SessionRetention: time.Hour,
	}}

	rec, err := f.orch.CreateSession(ctx, "D1", "U1")
	require.NoError(t, err)

	f.clock.advance(301 * time.Second)
	sweeper.SweepOnce(ctx)

	got, err := f.store.GetSession(ctx, rec.SessionID)
	require.NoError(t, err)
	require.NotNil(t, got, "closed sessions are retained as history")
	assert.Equal(t, model.SessionClosed, got.State)

	// Past retention, the row is pruned.
	f.clock.advance(2 * time.Hour)
	sweeper.SweepOnce(ctx)
	got, err = f.store.GetSession(ctx, rec.SessionID)
	require.NoError(t, err)
	assert.Nil(t, got)
}
