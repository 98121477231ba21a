// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package transport

// Topic layout. Device topics carry lifecycle notifications the device
// must act on (session_closed, session_terminated); session topics carry
// the relayed traffic for one session.

// TopicDevice is the per-device notification channel.
func TopicDevice(deviceID string) string { return "rc:device:" + deviceID }

// TopicSessionControl carries operator input events toward the device.
func TopicSessionControl(sessionID string) string { return "rc:session:" + sessionID + ":control" }

// TopicSessionMedia carries frame payloads from the device toward viewers.
func TopicSessionMedia(sessionID string) string { return "rc:session:" + sessionID + ":media" }

// TopicSessionEvents carries device status events toward viewers.
func TopicSessionEvents(sessionID string) string { return "rc:session:" + sessionID + ":events" }
