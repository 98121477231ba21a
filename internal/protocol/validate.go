// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

// Package protocol validates and normalizes the message categories that
// cross an RC relay: operator control events, device media frames, media
// metadata, and device status events. Validators are pure functions; a bad
// payload comes back as an error, never a panic, and nothing malformed is
// forwarded to a peer.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidPayload is the class every validation failure wraps.
var ErrInvalidPayload = errors.New("invalid payload")

// Keyboard modifier fields. Optional, but when present they must be boolean.
var modifierFields = []string{"shift", "ctrl", "alt", "meta"}

// Android-style input events arrive pre-shaped by the device agent and are
// forwarded as-is once the envelope is structurally sound.
var androidEventTypes = map[string]bool{
	"tap":           true,
	"long_press":    true,
	"swipe":         true,
	"multi_step":    true,
	"global_action": true,
	"init_mapper":   true,
	"key":           true,
}

func invalidf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrInvalidPayload, fmt.Sprintf(format, args...))
}

// isNumber accepts the numeric shapes a decoded JSON payload can carry.
func isNumber(v interface{}) bool {
	switch v.(type) {
	case float64, float32, int, int32, int64, json.Number:
		return true
	}
	return false
}

// ValidateControlEvent checks an operator input event. Browser-style events
// dispatch on "type"; Android-style events dispatch on "event_type".
func ValidateControlEvent(payload map[string]interface{}) (map[string]interface{}, error) {
	if payload == nil {
		return nil, invalidf("control event: payload is not an object")
	}

	if et, ok := payload["event_type"]; ok {
		name, ok := et.(string)
		if !ok || !androidEventTypes[name] {
			return nil, invalidf("control event: unknown event type %v", et)
		}
		if _, ok := payload["data"].(map[string]interface{}); !ok {
			return nil, invalidf("control event: missing required field %q", "data")
		}
		return payload, nil
	}

	typ, ok := payload["type"].(string)
	if !ok {
		return nil, invalidf("control event: missing required field %q", "type")
	}

	switch typ {
	case "keydown", "keyup":
		if _, ok := payload["key"].(string); !ok {
			return nil, invalidf("control event %s: missing required field %q", typ, "key")
		}
		for _, mod := range modifierFields {
			if v, present := payload[mod]; present {
				if _, ok := v.(bool); !ok {
					return nil, invalidf("control event %s: modifier %q must be boolean", typ, mod)
				}
			}
		}
		return payload, nil

	case "mousemove":
		if !isNumber(payload["x"]) || !isNumber(payload["y"]) {
			return nil, invalidf("control event %s: missing numeric coordinates", typ)
		}
		return payload, nil

	case "click", "mousedown", "mouseup":
		if !isNumber(payload["x"]) || !isNumber(payload["y"]) {
			return nil, invalidf("control event %s: missing numeric coordinates", typ)
		}
		if b, present := payload["button"]; present && !isNumber(b) {
			return nil, invalidf("control event %s: field %q must be numeric", typ, "button")
		}
		return payload, nil

	default:
		return nil, invalidf("control event: unknown event type %q", typ)
	}
}

// ValidateMediaFrame checks a video frame envelope. frame_type defaults to
// a delta frame when absent and is normalized to lowercase.
func ValidateMediaFrame(payload map[string]interface{}) (map[string]interface{}, error) {
	if payload == nil {
		return nil, invalidf("media frame: payload is not an object")
	}
	if _, ok := payload["data"]; !ok {
		return nil, invalidf("media frame: missing required field %q", "data")
	}

	ft, present := payload["frame_type"]
	if !present {
		payload["frame_type"] = "p"
		return payload, nil
	}
	s, ok := ft.(string)
	if !ok {
		return nil, invalidf("media frame: field %q must be a string", "frame_type")
	}
	switch normalized := strings.ToLower(s); normalized {
	case "idr", "p":
		payload["frame_type"] = normalized
		return payload, nil
	default:
		return nil, invalidf("media frame: unknown frame_type %q", s)
	}
}

// ValidateMediaMetadata accepts any object. The fields are informational
// (resolution, fps, codec, bitrate) and never drive orchestration.
func ValidateMediaMetadata(payload map[string]interface{}) (map[string]interface{}, error) {
	if payload == nil {
		return nil, invalidf("media metadata: payload is not an object")
	}
	return payload, nil
}

// ValidateDeviceEvent checks a device status event. Only the discriminator
// is required.
func ValidateDeviceEvent(payload map[string]interface{}) (map[string]interface{}, error) {
	if payload == nil {
		return nil, invalidf("device event: payload is not an object")
	}
	if _, ok := payload["type"].(string); !ok {
		return nil, invalidf("device event: missing required field %q", "type")
	}
	return payload, nil
}

// DecodeObject unmarshals raw JSON and rejects anything that is not an
// object at the top level. Relay peers call this before category-specific
// validation.
func DecodeObject(raw []byte) (map[string]interface{}, error) {
	var payload map[string]interface{}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, invalidf("payload is not a JSON object: %v", err)
	}
	if payload == nil {
		return nil, invalidf("payload is not a JSON object")
	}
	return payload, nil
}
