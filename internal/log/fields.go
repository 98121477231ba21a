// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package log

// Canonical field name constants for structured logging.
const (
	// Identity fields
	FieldSessionID     = "session_id"
	FieldDeviceID      = "device_id"
	FieldUserID        = "user_id"
	FieldCorrelationID = "correlation_id"
	FieldRequestID     = "request_id"

	// Process fields
	FieldEvent     = "event"
	FieldComponent = "component"

	// State fields
	FieldOldState = "from_state"
	FieldNewState = "to_state"

	// Transport fields
	FieldTopic   = "topic"
	FieldPeer    = "peer"
	FieldMsgType = "msg_type"
)
