// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package store

import (
	"context"
	"sync"

	"github.com/ManuGH/rcd/internal/domain/rc/model"
)

// MemoryStore is an in-memory Store intended for tests and local iteration.
// Not durable; not suitable for production.
//
// The single mutex covers every check-and-set, so the device invariant and
// per-session transition serialization hold trivially.
type MemoryStore struct {
	mu       sync.Mutex
	sessions map[string]*model.SessionRecord
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[string]*model.SessionRecord)}
}

func (m *MemoryStore) Close() error                 { return nil }
func (m *MemoryStore) Ping(_ context.Context) error { return nil }

func (m *MemoryStore) CreateSession(_ context.Context, rec *model.SessionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.sessions {
		if existing.DeviceID == rec.DeviceID && existing.State.IsActive() {
			return ErrDeviceActive
		}
	}
	m.sessions[rec.SessionID] = rec.Clone()
	return nil
}

func (m *MemoryStore) GetSession(_ context.Context, id string) (*model.SessionRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.sessions[id]
	if !ok {
		return nil, nil
	}
	return rec.Clone(), nil
}

func (m *MemoryStore) UpdateSession(_ context.Context, id string, fn func(*model.SessionRecord) error) (*model.SessionRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	cpy := rec.Clone()
	if err := fn(cpy); err != nil {
		return nil, err
	}
	m.sessions[id] = cpy
	return cpy.Clone(), nil
}

func (m *MemoryStore) ActiveSessionForDevice(_ context.Context, deviceID string) (*model.SessionRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, rec := range m.sessions {
		if rec.DeviceID == deviceID && rec.State.IsActive() {
			return rec.Clone(), nil
		}
	}
	return nil, nil
}

func (m *MemoryStore) QuerySessions(_ context.Context, filter SessionFilter) ([]*model.SessionRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var result []*model.SessionRecord
	for _, rec := range m.sessions {
		if matchesFilter(rec, filter) {
			result = append(result, rec.Clone())
		}
	}
	return result, nil
}

func (m *MemoryStore) DeleteSession(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, id)
	return nil
}
