// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package config

import (
	"context"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/ManuGH/rcd/internal/log"
)

// Holder owns the live configuration and swaps it atomically on reload.
// A reload that fails validation leaves the previous config in place.
type Holder struct {
	mu      sync.RWMutex
	current Config
	path    string
	logger  zerolog.Logger

	listenerMu sync.Mutex
	listeners  []func(Config)
}

func NewHolder(cfg Config, path string) *Holder {
	return &Holder{current: cfg, path: path, logger: log.WithComponent("config")}
}

// Get returns the active configuration.
func (h *Holder) Get() Config {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.current
}

// OnReload registers a callback invoked with the new config after a
// successful swap.
func (h *Holder) OnReload(fn func(Config)) {
	h.listenerMu.Lock()
	defer h.listenerMu.Unlock()
	h.listeners = append(h.listeners, fn)
}

// Reload re-reads the file, validates, and swaps. The old config stays
// active on any error.
func (h *Holder) Reload() error {
	cfg, err := Load(h.path)
	if err != nil {
		h.logger.Warn().Err(err).Msg("config reload rejected")
		return err
	}

	h.mu.Lock()
	h.current = cfg
	h.mu.Unlock()

	h.logger.Info().Str("path", h.path).Msg("config reloaded")

	h.listenerMu.Lock()
	listeners := make([]func(Config), len(h.listeners))
	copy(listeners, h.listeners)
	h.listenerMu.Unlock()
	for _, fn := range listeners {
		fn(cfg)
	}
	return nil
}

// StartWatcher watches the config file and reloads on change. It is a
// no-op when the holder has no file path. Returns after the watcher is
// installed; the watch loop runs until ctx is done.
func (h *Holder) StartWatcher(ctx context.Context) error {
	if h.path == "" {
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(h.path); err != nil {
		_ = watcher.Close()
		return err
	}
	go h.watchLoop(ctx, watcher)
	return nil
}

func (h *Holder) watchLoop(ctx context.Context, watcher *fsnotify.Watcher) {
	defer func() { _ = watcher.Close() }()

	// Editors often produce bursts of write events; debounce them.
	const debounce = 500 * time.Millisecond
	var timer *time.Timer

	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return
		case ev, ok := <-watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(debounce, func() {
				_ = h.Reload()
			})
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			h.logger.Warn().Err(err).Msg("config watcher error")
		}
	}
}
