// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

// Package diagnostics accumulates per-session stream health counters and
// produces immutable snapshot reports. Nothing here is persisted long-term;
// snapshots are emitted and forgotten.
package diagnostics

import (
	"sync"
	"time"
)

// ConnectionState mirrors the transport's view of the device link.
type ConnectionState string

const (
	ConnDisconnected ConnectionState = "disconnected"
	ConnConnecting   ConnectionState = "connecting"
	ConnConnected    ConnectionState = "connected"
)

// Snapshot is a point-in-time, immutable report for one device.
type Snapshot struct {
	DeviceID  string    `json:"deviceId"`
	Timestamp time.Time `json:"timestamp"`

	HeartbeatCount      uint64        `json:"heartbeatCount"`
	HeartbeatMisses     uint64        `json:"heartbeatMisses"`
	HeartbeatAvgLatency time.Duration `json:"heartbeatAvgLatencyNs"`

	ConnectionState ConnectionState `json:"connectionState"`
	Reconnects      uint64          `json:"reconnects"`
	Uptime          time.Duration   `json:"uptimeNs"`
	Downtime        time.Duration   `json:"downtimeNs"`

	FPS           float64 `json:"fps"`
	AvgBitrateBps float64 `json:"avgBitrateBps"`
	FramesTotal   uint64  `json:"framesTotal"`
	FramesDropped uint64  `json:"framesDropped"`
	IFrames       uint64  `json:"iFrames"`
	PFrames       uint64  `json:"pFrames"`

	JitterBufferSize uint64        `json:"jitterBufferSize"`
	JitterAvg        time.Duration `json:"jitterAvgNs"`
	JitterMax        time.Duration `json:"jitterMaxNs"`
	JitterUnderflows uint64        `json:"jitterUnderflows"`
	JitterOverflows  uint64        `json:"jitterOverflows"`

	BytesSent     uint64        `json:"bytesSent"`
	BytesReceived uint64        `json:"bytesReceived"`
	PacketsLost   uint64        `json:"packetsLost"`
	RTT           time.Duration `json:"rttNs"`
}

// Tracker accumulates counters for one device's stream. All methods are
// safe for concurrent use.
type Tracker struct {
	mu       sync.Mutex
	deviceID string
	now      func() time.Time

	hbCount      uint64
	hbMisses     uint64
	hbLatencySum time.Duration

	connState     ConnectionState
	connSince     time.Time
	reconnects    uint64
	uptime        time.Duration
	downtime      time.Duration

	frames       uint64
	dropped      uint64
	iFrames      uint64
	pFrames      uint64
	bytesTotal   uint64
	firstFrameAt time.Time
	lastFrameAt  time.Time

	jitterSize       uint64
	jitterSum        time.Duration
	jitterSamples    uint64
	jitterMax        time.Duration
	jitterUnderflows uint64
	jitterOverflows  uint64

	bytesSent     uint64
	bytesReceived uint64
	packetsLost   uint64
	rtt           time.Duration
}

func NewTracker(deviceID string) *Tracker {
	return newTrackerAt(deviceID, time.Now)
}

func newTrackerAt(deviceID string, now func() time.Time) *Tracker {
	return &Tracker{
		deviceID:  deviceID,
		now:       now,
		connState: ConnDisconnected,
		connSince: now(),
	}
}

// RecordHeartbeat records a completed heartbeat round trip.
func (t *Tracker) RecordHeartbeat(latency time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.hbCount++
	t.hbLatencySum += latency
}

// RecordHeartbeatMiss records a heartbeat that never got a response.
func (t *Tracker) RecordHeartbeatMiss() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.hbMisses++
}

// RecordConnectionState folds a transport state change into the up/down
// accounting. Re-entering connected counts as a reconnect after the first.
func (t *Tracker) RecordConnectionState(state ConnectionState) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	elapsed := now.Sub(t.connSince)
	if t.connState == ConnConnected {
		t.uptime += elapsed
	} else {
		t.downtime += elapsed
	}

	if state == ConnConnected && t.connState != ConnConnected {
		if t.uptime > 0 {
			t.reconnects++
		}
	}
	t.connState = state
	t.connSince = now
}

// RecordFrame accounts one received frame.
func (t *Tracker) RecordFrame(sizeBytes int, keyframe bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	t.frames++
	t.bytesTotal += uint64(sizeBytes)
	if keyframe {
		t.iFrames++
	} else {
		t.pFrames++
	}
	if t.firstFrameAt.IsZero() {
		t.firstFrameAt = now
	}
	t.lastFrameAt = now
}

// RecordFrameDrop accounts a frame shed by the buffer.
func (t *Tracker) RecordFrameDrop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.dropped++
}

// RecordJitter folds a jitter-buffer sample into the running aggregates.
func (t *Tracker) RecordJitter(size uint64, jitter time.Duration, underflow, overflow bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.jitterSize = size
	t.jitterSum += jitter
	t.jitterSamples++
	if jitter > t.jitterMax {
		t.jitterMax = jitter
	}
	if underflow {
		t.jitterUnderflows++
	}
	if overflow {
		t.jitterOverflows++
	}
}

// RecordNetwork replaces the raw network counters with the latest readings.
func (t *Tracker) RecordNetwork(bytesSent, bytesReceived, packetsLost uint64, rtt time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.bytesSent = bytesSent
	t.bytesReceived = bytesReceived
	t.packetsLost = packetsLost
	t.rtt = rtt
}

// Snapshot produces an immutable report of everything accumulated so far.
func (t *Tracker) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	s := Snapshot{
		DeviceID:  t.deviceID,
		Timestamp: now,

		HeartbeatCount:  t.hbCount,
		HeartbeatMisses: t.hbMisses,

		ConnectionState: t.connState,
		Reconnects:      t.reconnects,
		Uptime:          t.uptime,
		Downtime:        t.downtime,

		FramesTotal:   t.frames,
		FramesDropped: t.dropped,
		IFrames:       t.iFrames,
		PFrames:       t.pFrames,

		JitterBufferSize: t.jitterSize,
		JitterMax:        t.jitterMax,
		JitterUnderflows: t.jitterUnderflows,
		JitterOverflows:  t.jitterOverflows,

		BytesSent:     t.bytesSent,
		BytesReceived: t.bytesReceived,
		PacketsLost:   t.packetsLost,
		RTT:           t.rtt,
	}

	if t.hbCount > 0 {
		s.HeartbeatAvgLatency = t.hbLatencySum / time.Duration(t.hbCount)
	}
	if t.jitterSamples > 0 {
		s.JitterAvg = t.jitterSum / time.Duration(t.jitterSamples)
	}
	// The open interval since the last state change counts toward the
	// current state without mutating the accumulators.
	open := now.Sub(t.connSince)
	if t.connState == ConnConnected {
		s.Uptime += open
	} else {
		s.Downtime += open
	}
	if window := t.lastFrameAt.Sub(t.firstFrameAt); window > 0 && t.frames > 1 {
		s.FPS = float64(t.frames-1) / window.Seconds()
		s.AvgBitrateBps = float64(t.bytesTotal) * 8 / window.Seconds()
	}
	return s
}
