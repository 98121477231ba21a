// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package relay

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	relayForwarded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rc_relay_forwarded_total",
			Help: "Messages forwarded across a relay",
		},
		[]string{"kind"},
	)
	relaySendFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rc_relay_send_failures_total",
			Help: "Forward attempts that failed at the peer",
		},
		[]string{"kind"},
	)
	relayRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rc_relay_rejected_total",
			Help: "Inbound messages rejected by validation",
		},
		[]string{"kind"},
	)
	relayThrottled = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "rc_relay_throttled_total",
			Help: "Control events dropped by the flood limiter",
		},
	)
	relayFramesRejected = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "rc_relay_frames_rejected_total",
			Help: "Frames the buffer refused because only keyframes remained",
		},
	)
)
