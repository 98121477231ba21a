// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package manager

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	sessionsCreated = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "rc_sessions_created_total",
			Help: "RC sessions created",
		},
	)
	sessionsPreempted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "rc_sessions_preempted_total",
			Help: "Sessions forcefully closed to make room for a new one",
		},
	)
	fsmTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rc_session_transitions_total",
			Help: "Session state machine transitions",
		},
		[]string{"from_state", "to_state"},
	)
	sessionsClosed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rc_sessions_closed_total",
			Help: "Sessions closed, by reason",
		},
		[]string{"reason"},
	)
	sessionDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "rc_session_duration_seconds",
			Help:    "Streaming duration of closed sessions",
			Buckets: []float64{10, 30, 60, 300, 900, 1800, 3600, 7200},
		},
	)
	sessionActivity = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "rc_session_activity_total",
			Help: "Activity pings applied to active sessions",
		},
	)
	sessionsTimedOut = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "rc_sessions_timed_out_total",
			Help: "Sessions closed by idle timeout",
		},
	)
	sessionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "rc_sessions_active",
			Help: "Sessions currently in an active state",
		},
	)
	broadcastFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rc_broadcast_failures_total",
			Help: "Best-effort notifications that could not be delivered",
		},
		[]string{"kind"},
	)
)
