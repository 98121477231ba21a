// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package model

import (
	"regexp"

	"github.com/google/uuid"
)

var sessionIDRe = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// NewSessionID returns a fresh opaque session identifier.
func NewSessionID() string {
	return "rcs-" + uuid.NewString()
}

// IsSafeSessionID returns true if the ID is safe for topic names and URLs.
func IsSafeSessionID(id string) bool {
	return sessionIDRe.MatchString(id)
}
