// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

// Package relay ferries control and media traffic between the two peers of
// one RC session. A worker never interprets media content; it validates
// envelopes, applies backpressure, and forwards.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/ManuGH/rcd/internal/buffer"
	"github.com/ManuGH/rcd/internal/diagnostics"
	"github.com/ManuGH/rcd/internal/log"
	"github.com/ManuGH/rcd/internal/protocol"
	"github.com/ManuGH/rcd/internal/transport"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// Peer is one side of a session: the device connection or the dashboard
// window connection. Send must not block indefinitely; implementations
// honor ctx.
type Peer interface {
	Send(ctx context.Context, msg transport.Message) error
}

// ErrNoPeer is returned when forwarding has no attached counterpart yet.
// Callers treat it as transient; peers attach as each side joins.
var ErrNoPeer = errors.New("peer not attached")

// ErrThrottled is returned when the control-event flood limiter rejects an
// event. The event is dropped, not queued.
var ErrThrottled = errors.New("control event rate limit exceeded")

const sendTimeout = 5 * time.Second

// Worker relays traffic for exactly one session.
type Worker struct {
	sessionID string
	deviceID  string
	logger    zerolog.Logger

	mu     sync.Mutex
	device Peer
	window Peer

	limiter *rate.Limiter
	frames  *buffer.FrameBuffer
	tracker *diagnostics.Tracker

	onActivity func()

	ctx      context.Context
	cancel   context.CancelFunc
	stopOnce sync.Once
	done     chan struct{}
}

// Options tune one worker. Zero values get sane defaults.
type Options struct {
	// ControlEventsPerSecond bounds operator input forwarded to the device.
	ControlEventsPerSecond float64
	ControlBurst           int
	Buffer                 buffer.Config
	Tracker                *diagnostics.Tracker
	// OnActivity fires for every successfully forwarded message so the
	// session's idle clock can be reset.
	OnActivity func()
}

func newWorker(sessionID, deviceID string, opts Options) *Worker {
	if opts.ControlEventsPerSecond <= 0 {
		opts.ControlEventsPerSecond = 120
	}
	if opts.ControlBurst <= 0 {
		opts.ControlBurst = 240
	}
	ctx, cancel := context.WithCancel(context.Background())
	w := &Worker{
		sessionID: sessionID,
		deviceID:  deviceID,
		logger: log.WithComponent("relay").With().
			Str(log.FieldSessionID, sessionID).
			Str(log.FieldDeviceID, deviceID).
			Logger(),
		limiter:    rate.NewLimiter(rate.Limit(opts.ControlEventsPerSecond), opts.ControlBurst),
		frames:     buffer.New(opts.Buffer),
		tracker:    opts.Tracker,
		onActivity: opts.OnActivity,
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
	}
	go w.pumpFrames()
	return w
}

func (w *Worker) SessionID() string { return w.sessionID }
func (w *Worker) DeviceID() string  { return w.deviceID }

// AttachDevice sets the device-side peer. Re-attaching replaces the old
// peer; the device may reconnect mid-session.
func (w *Worker) AttachDevice(p Peer) {
	w.mu.Lock()
	w.device = p
	w.mu.Unlock()
	w.logger.Debug().Str(log.FieldPeer, "device").Msg("relay peer attached")
}

// AttachWindow sets the dashboard-window peer.
func (w *Worker) AttachWindow(p Peer) {
	w.mu.Lock()
	w.window = p
	w.mu.Unlock()
	w.logger.Debug().Str(log.FieldPeer, "window").Msg("relay peer attached")
}

func (w *Worker) devicePeer() Peer {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.device
}

func (w *Worker) windowPeer() Peer {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.window
}

// HandleControlEvent validates an operator input event and forwards it to
// the device.
func (w *Worker) HandleControlEvent(ctx context.Context, raw []byte) error {
	payload, err := protocol.DecodeObject(raw)
	if err != nil {
		return err
	}
	validated, err := protocol.ValidateControlEvent(payload)
	if err != nil {
		relayRejected.WithLabelValues("control").Inc()
		return err
	}
	if !w.limiter.Allow() {
		relayThrottled.Inc()
		return ErrThrottled
	}
	return w.forward(ctx, w.devicePeer(), validated, "control")
}

// HandleMediaFrame validates a frame envelope and enqueues it for the
// window-side pump. A frame shed by the buffer is not an error.
func (w *Worker) HandleMediaFrame(ctx context.Context, raw []byte) error {
	payload, err := protocol.DecodeObject(raw)
	if err != nil {
		return err
	}
	validated, err := protocol.ValidateMediaFrame(payload)
	if err != nil {
		relayRejected.WithLabelValues("media").Inc()
		return err
	}

	ft := buffer.FrameP
	if validated["frame_type"] == "idr" {
		ft = buffer.FrameIDR
	}
	encoded, err := json.Marshal(validated)
	if err != nil {
		return err
	}

	if w.tracker != nil {
		w.tracker.RecordFrame(len(encoded), ft == buffer.FrameIDR)
	}
	if !w.frames.Add(buffer.Frame{Type: ft, Timestamp: time.Now(), Payload: encoded}) {
		relayFramesRejected.Inc()
		if w.tracker != nil {
			w.tracker.RecordFrameDrop()
		}
	}
	w.touch()
	return nil
}

// HandleMediaMetadata forwards stream info (resolution, fps, codec) to the
// window without buffering.
func (w *Worker) HandleMediaMetadata(ctx context.Context, raw []byte) error {
	payload, err := protocol.DecodeObject(raw)
	if err != nil {
		return err
	}
	validated, err := protocol.ValidateMediaMetadata(payload)
	if err != nil {
		return err
	}
	return w.forward(ctx, w.windowPeer(), validated, "metadata")
}

// HandleDeviceEvent forwards a device status event to the window.
func (w *Worker) HandleDeviceEvent(ctx context.Context, raw []byte) error {
	payload, err := protocol.DecodeObject(raw)
	if err != nil {
		return err
	}
	validated, err := protocol.ValidateDeviceEvent(payload)
	if err != nil {
		relayRejected.WithLabelValues("device_event").Inc()
		return err
	}
	return w.forward(ctx, w.windowPeer(), validated, "device_event")
}

// BufferStats exposes the frame buffer's occupancy for diagnostics.
func (w *Worker) BufferStats() buffer.Stats {
	return w.frames.Stats()
}

func (w *Worker) forward(ctx context.Context, peer Peer, payload map[string]interface{}, kind string) error {
	if peer == nil {
		return ErrNoPeer
	}
	encoded, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	sendCtx, cancel := context.WithTimeout(ctx, sendTimeout)
	defer cancel()
	if err := peer.Send(sendCtx, encoded); err != nil {
		relaySendFailures.WithLabelValues(kind).Inc()
		w.logger.Warn().Err(err).Str(log.FieldMsgType, kind).Msg("relay forward failed")
		return err
	}
	relayForwarded.WithLabelValues(kind).Inc()
	w.touch()
	return nil
}

func (w *Worker) touch() {
	if w.onActivity != nil {
		w.onActivity()
	}
}

// pumpFrames drains the frame buffer toward the window peer. It is the
// buffer's only consumer.
func (w *Worker) pumpFrames() {
	defer close(w.done)
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-w.ctx.Done():
			return
		case <-ticker.C:
			for {
				frame, ok := w.frames.Next()
				if !ok {
					break
				}
				peer := w.windowPeer()
				if peer == nil {
					// No viewer yet. The frame is gone; the next
					// keyframe restores the picture once one joins.
					continue
				}
				sendCtx, cancel := context.WithTimeout(w.ctx, sendTimeout)
				err := peer.Send(sendCtx, frame.Payload)
				cancel()
				if err != nil {
					if w.ctx.Err() != nil {
						return
					}
					relaySendFailures.WithLabelValues("media").Inc()
					continue
				}
				relayForwarded.WithLabelValues("media").Inc()
			}
		}
	}
}

// stop terminates the worker. Idempotent; only the supervisor calls it.
func (w *Worker) stop() {
	w.stopOnce.Do(func() {
		w.cancel()
		<-w.done
		w.logger.Debug().Msg("relay worker stopped")
	})
}

// Done is closed when the worker's pump has exited.
func (w *Worker) Done() <-chan struct{} { return w.done }
