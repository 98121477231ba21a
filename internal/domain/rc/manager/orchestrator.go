// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

// Package manager drives the RC session state machine: creation with the
// per-device invariant, transition side effects, activity tracking, stop
// and pre-emption paths, and timeout garbage collection.
package manager

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ManuGH/rcd/internal/diagnostics"
	"github.com/ManuGH/rcd/internal/domain/rc/lifecycle"
	"github.com/ManuGH/rcd/internal/domain/rc/model"
	"github.com/ManuGH/rcd/internal/domain/rc/store"
	"github.com/ManuGH/rcd/internal/log"
	"github.com/ManuGH/rcd/internal/relay"
	"github.com/ManuGH/rcd/internal/transport"
	"github.com/rs/zerolog"
)

// Config tunes the orchestrator.
type Config struct {
	// TimeoutWindow is the idle window after which a session expires.
	TimeoutWindow time.Duration
	// TimeoutCheckBuffer pads the one-shot timeout check so it fires
	// strictly after the window has elapsed.
	TimeoutCheckBuffer time.Duration
	// BroadcastTimeout bounds best-effort notification sends.
	BroadcastTimeout time.Duration
}

func (c *Config) applyDefaults() {
	if c.TimeoutWindow <= 0 {
		c.TimeoutWindow = 5 * time.Minute
	}
	if c.TimeoutCheckBuffer <= 0 {
		c.TimeoutCheckBuffer = 10 * time.Second
	}
	if c.BroadcastTimeout <= 0 {
		c.BroadcastTimeout = 2 * time.Second
	}
}

// RelaySupervisor is the slice of the relay registry the orchestrator
// drives. *relay.Supervisor implements it.
type RelaySupervisor interface {
	StartRelay(sessionID, deviceID string, onActivity func()) (*relay.Worker, error)
	StopRelay(sessionID string)
	StopAll()
}

// Orchestrator coordinates the session store, the relay supervisor, and
// the notification bus. All mutation goes through the store's serialized
// UpdateSession, so concurrent transition requests for one session cannot
// both win.
type Orchestrator struct {
	Store       store.Store
	Bus         transport.Bus
	Relays      RelaySupervisor
	Diagnostics *diagnostics.Registry

	cfg    Config
	cfgMu  sync.RWMutex
	logger zerolog.Logger
	now    func() time.Time

	// Pending one-shot timeout checks. A stale timer firing late is
	// harmless; CheckSessionTimeout re-validates state before acting.
	timerMu sync.Mutex
	timers  map[string]*time.Timer
}

func New(st store.Store, bus transport.Bus, relays RelaySupervisor, diag *diagnostics.Registry, cfg Config) *Orchestrator {
	cfg.applyDefaults()
	return &Orchestrator{
		Store:       st,
		Bus:         bus,
		Relays:      relays,
		Diagnostics: diag,
		cfg:         cfg,
		logger:      log.WithComponent("orchestrator"),
		now:         time.Now,
		timers:      make(map[string]*time.Timer),
	}
}

// TimeoutWindow exposes the configured idle window.
func (o *Orchestrator) TimeoutWindow() time.Duration {
	o.cfgMu.RLock()
	defer o.cfgMu.RUnlock()
	return o.cfg.TimeoutWindow
}

// SetTimeoutWindow swaps the idle window at runtime (config hot-reload).
// Only checks scheduled after the swap observe the new value; already
// pending timers keep the window they were armed with.
func (o *Orchestrator) SetTimeoutWindow(d time.Duration) {
	if d <= 0 {
		return
	}
	o.cfgMu.Lock()
	o.cfg.TimeoutWindow = d
	o.cfgMu.Unlock()
	o.logger.Info().Dur("timeout_window", d).Msg("idle timeout window updated")
}

// CreateSession establishes a new session for a device, pre-empting any
// existing active one first.
func (o *Orchestrator) CreateSession(ctx context.Context, deviceID, userID string) (*model.SessionRecord, error) {
	existing, err := o.Store.ActiveSessionForDevice(ctx, deviceID)
	if err != nil {
		return nil, fmt.Errorf("active session lookup: %w", err)
	}
	if existing != nil {
		// The old session must be fully closed before the new one begins.
		sessionsPreempted.Inc()
		if err := o.TerminateForcefully(ctx, existing.SessionID, model.RReplaced); err != nil {
			return nil, fmt.Errorf("pre-empt session %s: %w", existing.SessionID, err)
		}
	}

	now := o.now()
	rec, err := lifecycle.NewRecord(deviceID, userID, now)
	if err != nil {
		return nil, err
	}
	rec.TimeoutAtUnix = now.Add(o.TimeoutWindow()).Unix()

	// The store re-checks the device invariant inside its transaction;
	// the lookup above only narrows the race window.
	if err := o.Store.CreateSession(ctx, rec); err != nil {
		if errors.Is(err, store.ErrDeviceActive) {
			return nil, fmt.Errorf("%w: device %s", lifecycle.ErrDeviceBusy, deviceID)
		}
		return nil, err
	}

	sessionID := rec.SessionID
	_, err = o.Relays.StartRelay(sessionID, deviceID, func() {
		_ = o.UpdateActivity(context.Background(), sessionID)
	})
	if err != nil {
		// No session may exist without a working relay. Undo the insert.
		if delErr := o.Store.DeleteSession(ctx, sessionID); delErr != nil {
			o.logger.Error().Err(delErr).
				Str(log.FieldSessionID, sessionID).
				Msg("rollback of relay-less session failed")
		}
		return nil, fmt.Errorf("%w: %v", lifecycle.ErrRelayStart, err)
	}

	o.scheduleTimeoutCheck(sessionID)

	sessionsCreated.Inc()
	sessionsActive.Inc()
	o.logger.Info().
		Str(log.FieldSessionID, sessionID).
		Str(log.FieldDeviceID, deviceID).
		Str(log.FieldUserID, userID).
		Dur("timeout_window", o.TimeoutWindow()).
		Msg("session created")
	return rec, nil
}

// TransitionToStarting marks the first peer as joined.
func (o *Orchestrator) TransitionToStarting(ctx context.Context, sessionID string) (*model.SessionRecord, error) {
	return o.transition(ctx, sessionID, model.SessionStarting, model.RNone)
}

// TransitionToStreaming marks both peers as present.
func (o *Orchestrator) TransitionToStreaming(ctx context.Context, sessionID string) (*model.SessionRecord, error) {
	return o.transition(ctx, sessionID, model.SessionStreaming, model.RNone)
}

// TransitionToStopping begins a graceful shutdown.
func (o *Orchestrator) TransitionToStopping(ctx context.Context, sessionID string) (*model.SessionRecord, error) {
	return o.transition(ctx, sessionID, model.SessionStopping, model.RNone)
}

// TransitionToClosed finishes a session: after the state change durably
// commits, it emits closure telemetry, stops the relay, and broadcasts the
// session_closed notification. A second close is a no-op and emits nothing.
func (o *Orchestrator) TransitionToClosed(ctx context.Context, sessionID string, reason model.ReasonCode) (*model.SessionRecord, error) {
	var wasClosed bool
	rec, err := o.applyTransition(ctx, sessionID, model.SessionClosed, reason, &wasClosed)
	if err != nil {
		return nil, err
	}
	if wasClosed {
		return rec, nil
	}

	duration := rec.Duration()
	sessionsClosed.WithLabelValues(string(rec.Reason)).Inc()
	sessionDuration.Observe(duration.Seconds())
	sessionsActive.Dec()

	o.cancelTimeoutCheck(sessionID)
	o.Relays.StopRelay(sessionID)
	if o.Diagnostics != nil {
		o.Diagnostics.Remove(rec.DeviceID)
	}
	o.broadcast(ctx, transport.TopicSessionEvents(sessionID), map[string]interface{}{
		"type":       "session_closed",
		"session_id": sessionID,
		"device_id":  rec.DeviceID,
		"reason":     string(rec.Reason),
	}, "session_closed")

	o.logger.Info().
		Str(log.FieldSessionID, sessionID).
		Str(log.FieldDeviceID, rec.DeviceID).
		Str("reason", string(rec.Reason)).
		Dur("duration", duration).
		Msg("session closed")
	return rec, nil
}

// UpdateActivity resets a session's idle clock. Inactive sessions ignore
// the ping silently.
func (o *Orchestrator) UpdateActivity(ctx context.Context, sessionID string) error {
	touched := false
	_, err := o.Store.UpdateSession(ctx, sessionID, func(r *model.SessionRecord) error {
		touched = lifecycle.Touch(r, o.now())
		return nil
	})
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return lifecycle.ErrSessionNotFound
		}
		return err
	}
	if touched {
		sessionActivity.Inc()
	}
	return nil
}

// StopSession is the graceful/explicit stop. A session still in created
// goes straight to closed; otherwise the stopping step is attempted first,
// falling back to a direct close so a stop request is never swallowed.
func (o *Orchestrator) StopSession(ctx context.Context, sessionID string) (*model.SessionRecord, error) {
	rec, err := o.Store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, lifecycle.ErrSessionNotFound
	}

	if rec.State == model.SessionCreated {
		return o.TransitionToClosed(ctx, sessionID, model.RClientStop)
	}

	if _, err := o.TransitionToStopping(ctx, sessionID); err != nil {
		o.logger.Debug().Err(err).
			Str(log.FieldSessionID, sessionID).
			Msg("stopping step skipped, closing directly")
	}
	return o.TransitionToClosed(ctx, sessionID, model.RClientStop)
}

// TerminateForcefully closes a session to make room for its replacement.
// The device gets a stop_capture push and the window a session_closed push,
// both best-effort; then the relay stops and the session closes directly,
// skipping stopping.
func (o *Orchestrator) TerminateForcefully(ctx context.Context, sessionID string, reason model.ReasonCode) error {
	rec, err := o.Store.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if rec == nil {
		return lifecycle.ErrSessionNotFound
	}
	if reason == "" || reason == model.RNone {
		reason = model.RReplaced
	}

	o.broadcast(ctx, transport.TopicDevice(rec.DeviceID), map[string]interface{}{
		"type":       "stop_capture",
		"session_id": sessionID,
		"reason":     string(reason),
	}, "stop_capture")

	_, err = o.TransitionToClosed(ctx, sessionID, reason)
	return err
}

// CheckSessionTimeout is the one-shot check scheduled at creation. It
// re-validates state, so firing after the session already closed is a
// no-op.
func (o *Orchestrator) CheckSessionTimeout(ctx context.Context, sessionID string) (*model.SessionRecord, error) {
	rec, err := o.Store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, lifecycle.ErrSessionNotFound
	}
	if !rec.State.IsActive() || !rec.IsTimedOut(o.TimeoutWindow(), o.now()) {
		return rec, nil
	}

	sessionsTimedOut.Inc()
	return o.TransitionToClosed(ctx, sessionID, model.RIdleTimeout)
}

// CheckAndCloseTimedOutSessions sweeps every active session whose idle
// clock has expired. Per-session failures are logged and skipped; the
// sweep never aborts. Returns the number closed.
func (o *Orchestrator) CheckAndCloseTimedOutSessions(ctx context.Context) (int, error) {
	cutoff := o.now().Add(-o.TimeoutWindow()).Unix()
	stale, err := o.Store.QuerySessions(ctx, store.SessionFilter{
		States:             model.ActiveStates(),
		LastActivityBefore: cutoff,
	})
	if err != nil {
		return 0, err
	}

	closed := 0
	for _, rec := range stale {
		if _, err := o.TransitionToClosed(ctx, rec.SessionID, model.RIdleTimeout); err != nil {
			if errors.Is(err, lifecycle.ErrSessionNotFound) {
				continue
			}
			o.logger.Warn().Err(err).
				Str(log.FieldSessionID, rec.SessionID).
				Msg("timeout sweep failed to close session")
			continue
		}
		sessionsTimedOut.Inc()
		closed++
	}
	return closed, nil
}

// Shutdown stops pending timers and all relays. Session rows keep their
// last state; a restart's sweep closes anything left behind.
func (o *Orchestrator) Shutdown() {
	o.timerMu.Lock()
	for id, t := range o.timers {
		t.Stop()
		delete(o.timers, id)
	}
	o.timerMu.Unlock()
	o.Relays.StopAll()
}

// transition is the shared helper for non-closed edges.
func (o *Orchestrator) transition(ctx context.Context, sessionID string, to model.SessionState, reason model.ReasonCode) (*model.SessionRecord, error) {
	var wasClosed bool
	return o.applyTransition(ctx, sessionID, to, reason, &wasClosed)
}

// applyTransition serializes the state change through the store and emits
// the transition log/metric only after the mutation committed.
func (o *Orchestrator) applyTransition(ctx context.Context, sessionID string, to model.SessionState, reason model.ReasonCode, wasClosed *bool) (*model.SessionRecord, error) {
	var from model.SessionState
	rec, err := o.Store.UpdateSession(ctx, sessionID, func(r *model.SessionRecord) error {
		from = r.State
		*wasClosed = r.State == model.SessionClosed
		return lifecycle.Apply(r, to, reason, o.now())
	})
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, lifecycle.ErrSessionNotFound
		}
		return nil, err
	}
	if *wasClosed && to == model.SessionClosed {
		return rec, nil
	}

	fsmTransitions.WithLabelValues(string(from), string(to)).Inc()
	o.logger.Info().
		Str(log.FieldSessionID, sessionID).
		Str(log.FieldDeviceID, rec.DeviceID).
		Str(log.FieldOldState, string(from)).
		Str(log.FieldNewState, string(to)).
		Msg("session transition")
	return rec, nil
}

// broadcast publishes a notification without letting delivery failures
// reach session logic. The counterpart may legitimately be offline.
func (o *Orchestrator) broadcast(ctx context.Context, topic string, payload map[string]interface{}, kind string) {
	encoded, err := json.Marshal(payload)
	if err != nil {
		broadcastFailures.WithLabelValues(kind).Inc()
		return
	}
	// Detach from the caller's cancellation so a closing request still
	// gets its notifications out, bounded by the broadcast timeout.
	sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.cfg.BroadcastTimeout)
	defer cancel()
	if err := o.Bus.Publish(sendCtx, topic, encoded); err != nil {
		broadcastFailures.WithLabelValues(kind).Inc()
		o.logger.Debug().Err(err).
			Str(log.FieldTopic, topic).
			Str(log.FieldMsgType, kind).
			Msg("best-effort broadcast not delivered")
	}
}

func (o *Orchestrator) scheduleTimeoutCheck(sessionID string) {
	delay := o.TimeoutWindow() + o.cfg.TimeoutCheckBuffer
	t := time.AfterFunc(delay, func() {
		o.timerMu.Lock()
		delete(o.timers, sessionID)
		o.timerMu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if _, err := o.CheckSessionTimeout(ctx, sessionID); err != nil && !errors.Is(err, lifecycle.ErrSessionNotFound) {
			o.logger.Warn().Err(err).
				Str(log.FieldSessionID, sessionID).
				Msg("scheduled timeout check failed")
		}
	})

	o.timerMu.Lock()
	o.timers[sessionID] = t
	o.timerMu.Unlock()
}

func (o *Orchestrator) cancelTimeoutCheck(sessionID string) {
	o.timerMu.Lock()
	defer o.timerMu.Unlock()
	if t, ok := o.timers[sessionID]; ok {
		t.Stop()
		delete(o.timers, sessionID)
	}
}
