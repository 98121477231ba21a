// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

// Package ws exposes the device and dashboard-window WebSocket endpoints
// and bridges them onto the per-session relay workers.
package ws

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/ManuGH/rcd/internal/domain/rc/manager"
	"github.com/ManuGH/rcd/internal/log"
	"github.com/ManuGH/rcd/internal/relay"
	"github.com/ManuGH/rcd/internal/transport"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4 << 20
)

// envelope is the framing device clients use to multiplex their three
// outbound message categories over one socket.
type envelope struct {
	Kind    string          `json:"kind"`
	Payload json.RawMessage `json:"payload"`
}

type presence struct {
	device bool
	window bool
}

// Options control the socket layer's authentication and transport posture.
type Options struct {
	// DeviceToken authenticates device sockets. Empty disables the check,
	// which is intended for local development only.
	DeviceToken string

	// RequireEncryption rejects plaintext upgrades from non-loopback
	// peers. TLS may terminate upstream; X-Forwarded-Proto counts.
	RequireEncryption bool
}

// Handler serves the two RC socket endpoints.
type Handler struct {
	orch     *manager.Orchestrator
	relays   *relay.Supervisor
	bus      transport.Bus
	opts     Options
	upgrader websocket.Upgrader
	logger   zerolog.Logger

	mu       sync.Mutex
	sessions map[string]*presence
}

// NewHandler wires the socket layer.
func NewHandler(orch *manager.Orchestrator, relays *relay.Supervisor, bus transport.Bus, opts Options) *Handler {
	return &Handler{
		orch:   orch,
		relays: relays,
		bus:    bus,
		opts:   opts,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		logger:   log.WithComponent("ws"),
		sessions: make(map[string]*presence),
	}
}

// Mount attaches the socket routes to a chi router.
func (h *Handler) Mount(r chi.Router) {
	r.Get("/ws/device/{sessionID}", h.ServeDevice)
	r.Get("/ws/window/{sessionID}", h.ServeWindow)
}

// ServeDevice accepts the controlled device's socket for a session.
func (h *Handler) ServeDevice(w http.ResponseWriter, r *http.Request) {
	if h.opts.DeviceToken != "" && r.URL.Query().Get("token") != h.opts.DeviceToken {
		http.Error(w, "invalid device token", http.StatusUnauthorized)
		return
	}
	h.serve(w, r, "device")
}

// ServeWindow accepts the dashboard RC window's socket for a session.
func (h *Handler) ServeWindow(w http.ResponseWriter, r *http.Request) {
	h.serve(w, r, "window")
}

func (h *Handler) serve(w http.ResponseWriter, r *http.Request, role string) {
	if h.opts.RequireEncryption && !requestEncrypted(r) {
		http.Error(w, "encrypted transport required", http.StatusForbidden)
		return
	}

	sessionID := chi.URLParam(r, "sessionID")
	ctx := r.Context()

	rec, err := h.orch.Store.GetSession(ctx, sessionID)
	if err != nil {
		http.Error(w, "session lookup failed", http.StatusInternalServerError)
		return
	}
	if rec == nil {
		http.Error(w, "unknown session", http.StatusNotFound)
		return
	}
	if rec.State.IsTerminal() {
		http.Error(w, "session is closed", http.StatusGone)
		return
	}
	worker, ok := h.relays.Get(sessionID)
	if !ok {
		http.Error(w, "relay not running", http.StatusConflict)
		return
	}

	// Pushes addressed to this party: stop_capture on the device topic,
	// session_closed on the session events topic.
	topic := transport.TopicSessionEvents(sessionID)
	if role == "device" {
		topic = transport.TopicDevice(rec.DeviceID)
	}
	sub, err := h.bus.Subscribe(ctx, topic)
	if err != nil {
		http.Error(w, "subscribe failed", http.StatusInternalServerError)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		_ = sub.Close()
		return
	}

	logger := h.logger.With().
		Str(log.FieldSessionID, sessionID).
		Str(log.FieldDeviceID, rec.DeviceID).
		Str(log.FieldPeer, role).
		Logger()

	peer := newSocketPeer(conn)
	if role == "device" {
		worker.AttachDevice(peer)
	} else {
		worker.AttachWindow(peer)
	}
	h.join(r, sessionID, role)
	logger.Info().Msg("peer connected")

	go peer.writePump(sub.C())
	h.readPump(r, peer, worker, role, logger)

	h.leave(sessionID, role)
	peer.close()
	_ = sub.Close()
	logger.Info().Msg("peer disconnected")
}

func requestEncrypted(r *http.Request) bool {
	if r.TLS != nil {
		return true
	}
	switch r.Header.Get("X-Forwarded-Proto") {
	case "https", "wss":
		return true
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

func (h *Handler) readPump(r *http.Request, peer *socketPeer, worker *relay.Worker, role string, logger zerolog.Logger) {
	conn := peer.conn
	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	ctx := r.Context()
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Debug().Err(err).Msg("socket read failed")
			}
			return
		}

		if role == "window" {
			// The window sends exactly one category: control events.
			if err := worker.HandleControlEvent(ctx, raw); err != nil {
				logger.Debug().Err(err).Msg("control event rejected")
			}
			continue
		}

		var env envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			logger.Debug().Err(err).Msg("malformed device message")
			continue
		}
		switch env.Kind {
		case "media_frame":
			err = worker.HandleMediaFrame(ctx, env.Payload)
		case "media_metadata":
			err = worker.HandleMediaMetadata(ctx, env.Payload)
		case "device_event":
			err = worker.HandleDeviceEvent(ctx, env.Payload)
		case "heartbeat":
			h.handleHeartbeat(ctx, worker, env.Payload)
			continue
		default:
			logger.Debug().Str(log.FieldMsgType, env.Kind).Msg("unknown message kind")
			continue
		}
		if err != nil {
			logger.Debug().Err(err).Str(log.FieldMsgType, env.Kind).Msg("device message rejected")
		}
	}
}

// handleHeartbeat feeds device keepalives into the idle clock and the
// diagnostics tracker. Heartbeats are advisory; a malformed one is ignored.
func (h *Handler) handleHeartbeat(ctx context.Context, worker *relay.Worker, payload json.RawMessage) {
	if err := h.orch.UpdateActivity(ctx, worker.SessionID()); err != nil {
		h.logger.Debug().Err(err).Str(log.FieldSessionID, worker.SessionID()).Msg("heartbeat activity update failed")
	}
	var hb struct {
		LatencyMS float64 `json:"latency_ms"`
	}
	if len(payload) > 0 {
		_ = json.Unmarshal(payload, &hb)
	}
	h.orch.Diagnostics.Tracker(worker.DeviceID()).RecordHeartbeat(time.Duration(hb.LatencyMS * float64(time.Millisecond)))
}

// join drives created->starting on the first peer and starting->streaming
// once both parties are present. Races with closure are benign; the
// orchestrator rejects edges out of terminal states.
func (h *Handler) join(r *http.Request, sessionID, role string) {
	h.mu.Lock()
	p := h.sessions[sessionID]
	if p == nil {
		p = &presence{}
		h.sessions[sessionID] = p
	}
	first := !p.device && !p.window
	if role == "device" {
		p.device = true
	} else {
		p.window = true
	}
	both := p.device && p.window
	h.mu.Unlock()

	ctx := r.Context()
	if first {
		if _, err := h.orch.TransitionToStarting(ctx, sessionID); err != nil {
			h.logger.Debug().Err(err).Str(log.FieldSessionID, sessionID).Msg("starting edge skipped")
		}
	}
	if both {
		if _, err := h.orch.TransitionToStreaming(ctx, sessionID); err != nil {
			h.logger.Debug().Err(err).Str(log.FieldSessionID, sessionID).Msg("streaming edge skipped")
		}
	}
}

func (h *Handler) leave(sessionID, role string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	p := h.sessions[sessionID]
	if p == nil {
		return
	}
	if role == "device" {
		p.device = false
	} else {
		p.window = false
	}
	if !p.device && !p.window {
		delete(h.sessions, sessionID)
	}
}
