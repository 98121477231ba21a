// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package model

import "time"

// SessionRecord is the store-backed source of truth for one RC session.
//
// Timestamps are Unix seconds. Zero means "not set". TimeoutAtUnix is
// advisory only: expiry is always evaluated against LastActivityUnix (or
// CreatedAtUnix when no activity was ever recorded), never against this
// field.
type SessionRecord struct {
	SessionID     string       `json:"sessionId"`
	DeviceID      string       `json:"deviceId"`
	UserID        string       `json:"userId"`
	State         SessionState `json:"state"`
	Reason        ReasonCode   `json:"reason,omitempty"`
	CorrelationID string       `json:"correlationId,omitempty"`

	CreatedAtUnix    int64 `json:"createdAtUnix"`
	UpdatedAtUnix    int64 `json:"updatedAtUnix"`
	StartedAtUnix    int64 `json:"startedAtUnix,omitempty"`
	StoppedAtUnix    int64 `json:"stoppedAtUnix,omitempty"`
	LastActivityUnix int64 `json:"lastActivityUnix,omitempty"`
	TimeoutAtUnix    int64 `json:"timeoutAtUnix,omitempty"`
}

// EffectiveLastActivityUnix returns the timestamp idle expiry is measured
// against: last recorded activity, falling back to creation time so that
// sessions that never saw activity still expire.
func (r *SessionRecord) EffectiveLastActivityUnix() int64 {
	if r.LastActivityUnix > 0 {
		return r.LastActivityUnix
	}
	return r.CreatedAtUnix
}

// IsTimedOut reports whether the session has been idle longer than window.
func (r *SessionRecord) IsTimedOut(window time.Duration, now time.Time) bool {
	last := r.EffectiveLastActivityUnix()
	if last == 0 {
		return false
	}
	return now.Sub(time.Unix(last, 0)) > window
}

// Duration returns how long the session streamed: stopped-started, or 0 if
// it never started.
func (r *SessionRecord) Duration() time.Duration {
	if r.StartedAtUnix == 0 || r.StoppedAtUnix == 0 {
		return 0
	}
	d := time.Duration(r.StoppedAtUnix-r.StartedAtUnix) * time.Second
	if d < 0 {
		return 0
	}
	return d
}

// Clone returns a deep copy of the record.
func (r *SessionRecord) Clone() *SessionRecord {
	cp := *r
	return &cp
}
