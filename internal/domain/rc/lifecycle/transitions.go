// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

// Package lifecycle holds the RC session state machine: the legal edges,
// the record mutation each edge performs, and the error classes callers
// branch on.
package lifecycle

import "github.com/ManuGH/rcd/internal/domain/rc/model"

// Transition is a single allowed edge in the lifecycle state machine.
type Transition struct {
	From model.SessionState
	To   model.SessionState
}

// transitionsTable lists the directed edges of the happy path. The
// any-state→closed wildcard is handled in IsValidTransition, not here,
// so the table stays an exact mirror of the negotiated shutdown path.
var transitionsTable = []Transition{
	{From: model.SessionCreated, To: model.SessionStarting},
	{From: model.SessionStarting, To: model.SessionStreaming},
	{From: model.SessionStreaming, To: model.SessionStopping},
	{From: model.SessionStopping, To: model.SessionClosed},
}

// IsValidTransition reports whether from→to is a legal edge.
//
// Everything may enter closed (timeout, forced replacement, error paths),
// including closed itself: a late double-close validates and is made
// idempotent by Apply. No other self-loop is legal, and no edge leaves
// closed.
func IsValidTransition(from, to model.SessionState) bool {
	if to == model.SessionClosed {
		return true
	}
	for _, tr := range transitionsTable {
		if tr.From == from && tr.To == to {
			return true
		}
	}
	return false
}
