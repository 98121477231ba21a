// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package lifecycle

import (
	"fmt"
	"time"

	"github.com/ManuGH/rcd/internal/domain/rc/model"
)

// NewRecord builds a fresh session record in state created.
func NewRecord(deviceID, userID string, now time.Time) (*model.SessionRecord, error) {
	if deviceID == "" {
		return nil, fmt.Errorf("%w: device id is required", ErrValidation)
	}
	if userID == "" {
		return nil, fmt.Errorf("%w: user id is required", ErrValidation)
	}
	return &model.SessionRecord{
		SessionID:        model.NewSessionID(),
		DeviceID:         deviceID,
		UserID:           userID,
		State:            model.SessionCreated,
		CreatedAtUnix:    now.Unix(),
		UpdatedAtUnix:    now.Unix(),
		LastActivityUnix: now.Unix(),
	}, nil
}

// Apply validates and performs one state transition on the record.
//
// On success it sets the new state, stamps StartedAtUnix on entering
// starting and StoppedAtUnix on entering closed (each only once), and
// refreshes LastActivityUnix. On an illegal edge the record is left
// untouched and an InvalidTransitionError is returned. A repeated
// closed→closed apply is a no-op success: closed is absorbing.
func Apply(rec *model.SessionRecord, to model.SessionState, reason model.ReasonCode, now time.Time) error {
	if !IsValidTransition(rec.State, to) {
		return &InvalidTransitionError{From: rec.State, To: to}
	}
	if rec.State == model.SessionClosed && to == model.SessionClosed {
		return nil
	}

	rec.State = to
	if reason != "" {
		rec.Reason = reason
	}
	if to == model.SessionStarting && rec.StartedAtUnix == 0 {
		rec.StartedAtUnix = now.Unix()
	}
	if to == model.SessionClosed && rec.StoppedAtUnix == 0 {
		rec.StoppedAtUnix = now.Unix()
	}
	rec.LastActivityUnix = now.Unix()
	rec.UpdatedAtUnix = now.Unix()
	return nil
}

// Touch refreshes LastActivityUnix if the session is active; inactive
// sessions ignore activity pings (no-op, not an error).
func Touch(rec *model.SessionRecord, now time.Time) bool {
	if !rec.State.IsActive() {
		return false
	}
	rec.LastActivityUnix = now.Unix()
	rec.UpdatedAtUnix = now.Unix()
	return true
}
