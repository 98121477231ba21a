// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

// Package api exposes the RC session REST surface, health, and metrics.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/ManuGH/rcd/internal/diagnostics"
	"github.com/ManuGH/rcd/internal/domain/rc/manager"
	"github.com/ManuGH/rcd/internal/domain/rc/model"
	"github.com/ManuGH/rcd/internal/domain/rc/store"
	"github.com/ManuGH/rcd/internal/log"
	"github.com/ManuGH/rcd/internal/relay"
	"github.com/ManuGH/rcd/internal/transport/ws"
)

// SessionDTO is the wire shape of a session. Status is the deprecated
// two-value field older dashboard clients still read; it is derived from
// State here and never stored.
type SessionDTO struct {
	SessionID    string `json:"session_id"`
	DeviceID     string `json:"device_id"`
	UserID       string `json:"user_id"`
	State        string `json:"state"`
	Status       string `json:"status"`
	Reason       string `json:"reason,omitempty"`
	CreatedAt    int64  `json:"created_at"`
	UpdatedAt    int64  `json:"updated_at"`
	StartedAt    int64  `json:"started_at,omitempty"`
	StoppedAt    int64  `json:"stopped_at,omitempty"`
	LastActivity int64  `json:"last_activity,omitempty"`
	TimeoutAt    int64  `json:"timeout_at,omitempty"`
}

func toDTO(rec *model.SessionRecord) SessionDTO {
	return SessionDTO{
		SessionID:    rec.SessionID,
		DeviceID:     rec.DeviceID,
		UserID:       rec.UserID,
		State:        string(rec.State),
		Status:       string(model.LegacyStatusFor(rec.State)),
		Reason:       string(rec.Reason),
		CreatedAt:    rec.CreatedAtUnix,
		UpdatedAt:    rec.UpdatedAtUnix,
		StartedAt:    rec.StartedAtUnix,
		StoppedAt:    rec.StoppedAtUnix,
		LastActivity: rec.LastActivityUnix,
		TimeoutAt:    rec.TimeoutAtUnix,
	}
}

// Server holds the handler dependencies.
type Server struct {
	orch   *manager.Orchestrator
	relays *relay.Supervisor
	diag   *diagnostics.Registry
	ws     *ws.Handler
	logger zerolog.Logger
}

func NewServer(orch *manager.Orchestrator, relays *relay.Supervisor, diag *diagnostics.Registry, wsHandler *ws.Handler) *Server {
	return &Server{
		orch:   orch,
		relays: relays,
		diag:   diag,
		ws:     wsHandler,
		logger: log.WithComponent("api"),
	}
}

// Router builds the full HTTP surface.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(OTelHTTP("rcd"))
	r.Use(APIRateLimit())

	r.Route("/api/rc", func(r chi.Router) {
		r.Post("/sessions", s.createSession)
		r.Get("/sessions", s.listSessions)
		r.Get("/sessions/{sessionID}", s.getSession)
		r.Post("/sessions/{sessionID}/stop", s.stopSession)
		r.Post("/sessions/{sessionID}/activity", s.recordActivity)
		r.Get("/sessions/{sessionID}/buffer", s.bufferStats)
		r.Get("/diagnostics", s.listDiagnostics)
		r.Get("/diagnostics/{deviceID}", s.deviceDiagnostics)
	})
	if s.ws != nil {
		s.ws.Mount(r)
	}

	r.Get("/healthz", s.healthz)
	r.Handle("/metrics", promhttp.Handler())
	return r
}

type createSessionRequest struct {
	DeviceID string `json:"device_id"`
	UserID   string `json:"user_id"`
}

func (s *Server) createSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrorMsg(w, http.StatusBadRequest, "invalid request body")
		return
	}
	rec, err := s.orch.CreateSession(r.Context(), req.DeviceID, req.UserID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toDTO(rec))
}

func (s *Server) listSessions(w http.ResponseWriter, r *http.Request) {
	filter := store.SessionFilter{
		DeviceID: r.URL.Query().Get("device_id"),
	}
	if raw := r.URL.Query().Get("state"); raw != "" {
		for _, part := range strings.Split(raw, ",") {
			filter.States = append(filter.States, model.SessionState(strings.TrimSpace(part)))
		}
	}
	recs, err := s.orch.Store.QuerySessions(r.Context(), filter)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	out := make([]SessionDTO, 0, len(recs))
	for _, rec := range recs {
		out = append(out, toDTO(rec))
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": out})
}

func (s *Server) getSession(w http.ResponseWriter, r *http.Request) {
	rec, err := s.orch.Store.GetSession(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if rec == nil {
		writeErrorMsg(w, http.StatusNotFound, "session not found")
		return
	}
	writeJSON(w, http.StatusOK, toDTO(rec))
}

func (s *Server) stopSession(w http.ResponseWriter, r *http.Request) {
	rec, err := s.orch.StopSession(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toDTO(rec))
}

func (s *Server) recordActivity(w http.ResponseWriter, r *http.Request) {
	if err := s.orch.UpdateActivity(r.Context(), chi.URLParam(r, "sessionID")); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) bufferStats(w http.ResponseWriter, r *http.Request) {
	worker, ok := s.relays.Get(chi.URLParam(r, "sessionID"))
	if !ok {
		writeErrorMsg(w, http.StatusNotFound, "relay not running")
		return
	}
	writeJSON(w, http.StatusOK, worker.BufferStats())
}

func (s *Server) listDiagnostics(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"devices": s.diag.Snapshots()})
}

func (s *Server) deviceDiagnostics(w http.ResponseWriter, r *http.Request) {
	deviceID := chi.URLParam(r, "deviceID")
	writeJSON(w, http.StatusOK, s.diag.Tracker(deviceID).Snapshot())
}

func (s *Server) healthz(w http.ResponseWriter, r *http.Request) {
	if err := s.orch.Store.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "degraded",
			"error":  err.Error(),
		})
		return
	}
	// The in-memory bus has no liveness check; the redis bus does.
	if pinger, ok := s.orch.Bus.(interface{ Ping(context.Context) error }); ok {
		if err := pinger.Ping(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status": "degraded",
				"error":  err.Error(),
			})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":        "ok",
		"active_relays": s.relays.Count(),
		"time":          time.Now().Unix(),
	})
}
