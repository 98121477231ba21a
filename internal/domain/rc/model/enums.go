// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package model

// SessionState is the authoritative lifecycle state of an RC session.
// The values are the wire contract; do not rename.
type SessionState string

const (
	SessionCreated   SessionState = "created"
	SessionStarting  SessionState = "starting"
	SessionStreaming SessionState = "streaming"
	SessionStopping  SessionState = "stopping"
	SessionClosed    SessionState = "closed"
)

// States returns every lifecycle state.
func States() []SessionState {
	return []SessionState{SessionCreated, SessionStarting, SessionStreaming, SessionStopping, SessionClosed}
}

// ActiveStates returns the states in which a session occupies device resources.
func ActiveStates() []SessionState {
	return []SessionState{SessionCreated, SessionStarting, SessionStreaming}
}

// IsActive returns true if the session occupies device resources.
func (s SessionState) IsActive() bool {
	switch s {
	case SessionCreated, SessionStarting, SessionStreaming:
		return true
	}
	return false
}

// IsTerminal returns true if the state is final. closed is absorbing.
func (s SessionState) IsTerminal() bool {
	return s == SessionClosed
}

// LegacyStatus is the deprecated two-value status kept for API compatibility.
// It is derived from SessionState at the boundary and never stored.
type LegacyStatus string

const (
	StatusActive  LegacyStatus = "active"
	StatusStopped LegacyStatus = "stopped"
)

// LegacyStatusFor derives the compatibility status from the authoritative state.
func LegacyStatusFor(s SessionState) LegacyStatus {
	if s.IsActive() {
		return StatusActive
	}
	return StatusStopped
}

// ReasonCode is a compact, typed close/decision signal.
// Keep these stable: metrics and client UX depend on them.
type ReasonCode string

const (
	RNone        ReasonCode = "R_NONE"
	RUnknown     ReasonCode = "R_UNKNOWN"
	RBadRequest  ReasonCode = "R_BAD_REQUEST"
	RNotFound    ReasonCode = "R_NOT_FOUND"
	RConflict    ReasonCode = "R_DEVICE_BUSY" // concurrent create for the same device
	RClientStop  ReasonCode = "R_CLIENT_STOP"
	RIdleTimeout ReasonCode = "R_IDLE_TIMEOUT"
	RReplaced    ReasonCode = "R_REPLACED" // forcefully terminated for a new session
	RRelayFailed ReasonCode = "R_RELAY_START_FAILED"
	RInvalidEdge ReasonCode = "R_INVALID_TRANSITION"
)
