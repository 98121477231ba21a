// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package diagnostics

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/ManuGH/rcd/internal/log"
	"github.com/google/renameio/v2"
)

// Registry holds the live trackers, one per device with an open session.
type Registry struct {
	mu       sync.Mutex
	trackers map[string]*Tracker
}

func NewRegistry() *Registry {
	return &Registry{trackers: make(map[string]*Tracker)}
}

// Tracker returns the device's tracker, creating it on first use.
func (r *Registry) Tracker(deviceID string) *Tracker {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.trackers[deviceID]
	if !ok {
		t = NewTracker(deviceID)
		r.trackers[deviceID] = t
	}
	return t
}

// Remove drops a device's tracker, typically when its session closes.
func (r *Registry) Remove(deviceID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.trackers, deviceID)
}

// Snapshots returns one report per tracked device.
func (r *Registry) Snapshots() []Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Snapshot, 0, len(r.trackers))
	for _, t := range r.trackers {
		out = append(out, t.Snapshot())
	}
	return out
}

// Reporter periodically emits the registry's snapshots as a JSON file.
// The write is atomic so a scraper never reads a torn report.
type Reporter struct {
	registry *Registry
	path     string
	interval time.Duration
}

func NewReporter(registry *Registry, path string, interval time.Duration) *Reporter {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Reporter{registry: registry, path: path, interval: interval}
}

// Run emits reports until ctx is cancelled.
func (r *Reporter) Run(ctx context.Context) {
	logger := log.WithComponent("diagnostics")
	logger.Info().
		Str("path", r.path).
		Dur("interval", r.interval).
		Msg("diagnostics reporter started")

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("diagnostics reporter stopped")
			return
		case <-ticker.C:
			if err := r.EmitOnce(); err != nil {
				logger.Warn().Err(err).Msg("diagnostics report emission failed")
			}
		}
	}
}

// EmitOnce writes the current snapshots out. Exposed for deterministic tests.
func (r *Reporter) EmitOnce() error {
	snapshots := r.registry.Snapshots()

	pendingFile, err := renameio.NewPendingFile(r.path)
	if err != nil {
		return fmt.Errorf("create pending report file: %w", err)
	}
	defer func() { _ = pendingFile.Cleanup() }()

	enc := json.NewEncoder(pendingFile)
	enc.SetIndent("", "  ")
	if err := enc.Encode(snapshots); err != nil {
		return fmt.Errorf("write report data: %w", err)
	}

	if err := pendingFile.CloseAtomicallyReplace(); err != nil {
		return fmt.Errorf("atomically replace report file: %w", err)
	}
	return nil
}
