// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package store

import (
	"context"
	"errors"

	"github.com/ManuGH/rcd/internal/domain/rc/model"
)

var (
	ErrNotFound = errors.New("not found")
	// ErrDeviceActive is the in-transaction conflict: another active session
	// for the same device exists at insert time.
	ErrDeviceActive = errors.New("device has active session")
)

// SessionFilter narrows QuerySessions. Zero values match everything.
type SessionFilter struct {
	DeviceID           string
	States             []model.SessionState
	LastActivityBefore int64 // Unix seconds; matches EffectiveLastActivityUnix < value
	UpdatedBefore      int64 // Unix seconds; for retention sweeps
}

// Store is the system-of-record for RC sessions.
//
// Design intent:
//   - CreateSession re-checks the single-active-session-per-device invariant
//     inside its transaction; the orchestrator's pre-check alone is not
//     enough under concurrent creation.
//   - UpdateSession is a serialized read-modify-write: fn runs against the
//     current row inside the store's transaction, so two conflicting
//     transitions for one session cannot both commit.
type Store interface {
	// CreateSession inserts a new session atomically. Returns ErrDeviceActive
	// if an active session for the record's device exists at insert time.
	CreateSession(ctx context.Context, rec *model.SessionRecord) error

	// GetSession returns the session record, or (nil, nil) if not found.
	// Callers must check for nil before using the record.
	GetSession(ctx context.Context, id string) (*model.SessionRecord, error)

	// UpdateSession loads the row, applies fn, and persists the result in one
	// transaction. Returns ErrNotFound for unknown ids; fn errors abort the
	// write and are returned unchanged.
	UpdateSession(ctx context.Context, id string, fn func(*model.SessionRecord) error) (*model.SessionRecord, error)

	// ActiveSessionForDevice returns the session in an active state for the
	// device, or (nil, nil) when the device is free.
	ActiveSessionForDevice(ctx context.Context, deviceID string) (*model.SessionRecord, error)

	QuerySessions(ctx context.Context, filter SessionFilter) ([]*model.SessionRecord, error)

	// DeleteSession removes a row (retention sweep). Unknown ids are a no-op.
	DeleteSession(ctx context.Context, id string) error

	Ping(ctx context.Context) error
	Close() error
}

func matchesFilter(rec *model.SessionRecord, filter SessionFilter) bool {
	if filter.DeviceID != "" && rec.DeviceID != filter.DeviceID {
		return false
	}
	if len(filter.States) > 0 {
		found := false
		for _, s := range filter.States {
			if rec.State == s {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if filter.LastActivityBefore > 0 && rec.EffectiveLastActivityUnix() >= filter.LastActivityBefore {
		return false
	}
	if filter.UpdatedBefore > 0 && rec.UpdatedAtUnix >= filter.UpdatedBefore {
		return false
	}
	return true
}
