// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/ManuGH/rcd/internal/domain/rc/lifecycle"
)

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeErrorMsg(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

// writeDomainError maps lifecycle sentinels onto HTTP statuses. Conflict
// and validation errors carry their message through; internal errors are
// reported opaquely so callers just retry.
func writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, lifecycle.ErrValidation):
		writeErrorMsg(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, lifecycle.ErrSessionNotFound):
		writeErrorMsg(w, http.StatusNotFound, "session not found")
	case errors.Is(err, lifecycle.ErrDeviceBusy):
		writeErrorMsg(w, http.StatusConflict, "device already has an active session")
	case errors.Is(err, lifecycle.ErrInvalidTransition):
		writeErrorMsg(w, http.StatusConflict, err.Error())
	case errors.Is(err, lifecycle.ErrRelayStart):
		writeErrorMsg(w, http.StatusBadGateway, "session setup failed, try again")
	default:
		writeErrorMsg(w, http.StatusInternalServerError, "internal error")
	}
}
