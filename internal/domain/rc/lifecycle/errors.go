// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package lifecycle

import (
	"errors"
	"fmt"

	"github.com/ManuGH/rcd/internal/domain/rc/model"
)

var (
	ErrValidation        = errors.New("validation failed")
	ErrSessionNotFound   = errors.New("session not found")
	ErrDeviceBusy        = errors.New("device has active session")
	ErrRelayStart        = errors.New("relay failed to start")
	ErrInvalidTransition = errors.New("invalid transition")
)

// InvalidTransitionError carries the attempted edge for diagnosability.
type InvalidTransitionError struct {
	From model.SessionState
	To   model.SessionState
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid transition: %s -> %s", e.From, e.To)
}

func (e *InvalidTransitionError) Is(target error) bool {
	return target == ErrInvalidTransition
}

// ReasonErrorClass maps a close reason to the error class surfaced to callers.
func ReasonErrorClass(reason model.ReasonCode) error {
	switch reason {
	case model.RNone, model.RClientStop, model.RIdleTimeout, model.RReplaced:
		return nil
	case model.RNotFound:
		return ErrSessionNotFound
	case model.RBadRequest:
		return ErrValidation
	case model.RConflict:
		return ErrDeviceBusy
	case model.RRelayFailed:
		return ErrRelayStart
	case model.RInvalidEdge:
		return ErrInvalidTransition
	default:
		return errors.New("unknown session error")
	}
}
