// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package relay

import (
	"errors"
	"sync"

	"github.com/rs/zerolog"

	"github.com/ManuGH/rcd/internal/log"
)

// ErrAlreadyStarted is returned when a second relay is requested for a
// session that already has one.
var ErrAlreadyStarted = errors.New("relay already started for session")

// Supervisor owns the session-id → worker registry. Exactly one worker may
// exist per session; stopping an absent worker is success, not an error.
type Supervisor struct {
	mu      sync.Mutex
	workers map[string]*Worker
	opts    Options
	logger  zerolog.Logger
}

func NewSupervisor(opts Options) *Supervisor {
	return &Supervisor{
		workers: make(map[string]*Worker),
		opts:    opts,
		logger:  log.WithComponent("relay"),
	}
}

// StartRelay spawns the worker for a session. The per-worker options are
// the supervisor's defaults with the activity hook bound to this session.
func (s *Supervisor) StartRelay(sessionID, deviceID string, onActivity func()) (*Worker, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.workers[sessionID]; exists {
		return nil, ErrAlreadyStarted
	}

	opts := s.opts
	opts.OnActivity = onActivity
	w := newWorker(sessionID, deviceID, opts)
	s.workers[sessionID] = w

	s.logger.Info().
		Str(log.FieldSessionID, sessionID).
		Str(log.FieldDeviceID, deviceID).
		Int("relay_count", len(s.workers)).
		Msg("relay started")
	return w, nil
}

// StopRelay stops and removes the session's worker. Idempotent.
func (s *Supervisor) StopRelay(sessionID string) {
	s.mu.Lock()
	w, ok := s.workers[sessionID]
	if ok {
		delete(s.workers, sessionID)
	}
	s.mu.Unlock()

	if !ok {
		return
	}
	w.stop()
	s.logger.Info().
		Str(log.FieldSessionID, sessionID).
		Msg("relay stopped")
}

// Get returns the live worker for a session, if any.
func (s *Supervisor) Get(sessionID string) (*Worker, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.workers[sessionID]
	return w, ok
}

// Count returns the number of live workers.
func (s *Supervisor) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.workers)
}

// StopAll terminates every worker, for daemon shutdown.
func (s *Supervisor) StopAll() {
	s.mu.Lock()
	workers := make([]*Worker, 0, len(s.workers))
	for _, w := range s.workers {
		workers = append(workers, w)
	}
	s.workers = make(map[string]*Worker)
	s.mu.Unlock()

	for _, w := range workers {
		w.stop()
	}
}
