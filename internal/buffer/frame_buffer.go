// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

// Package buffer implements the per-session media frame buffer with the
// backpressure drop policy: delta frames are droppable oldest-first once
// occupancy crosses a threshold, keyframes are never dropped because the
// decoder cannot resume without them.
package buffer

import (
	"container/list"
	"sync"
	"time"
)

// FrameType distinguishes droppable from protected frames.
type FrameType string

const (
	FrameIDR FrameType = "idr" // keyframe, never dropped
	FrameP   FrameType = "p"   // delta frame, droppable under pressure
)

// Frame is one buffered video frame.
type Frame struct {
	Type      FrameType
	Timestamp time.Time
	Payload   []byte
}

func (f Frame) size() int { return len(f.Payload) }

// Config bounds one session's buffer.
type Config struct {
	MaxBytes          int
	MaxFrames         int
	DropThreshold     float64 // fraction of capacity above which P-frames are shed
	MinIFrameInterval time.Duration
}

func DefaultConfig() Config {
	return Config{
		MaxBytes:          8 << 20,
		MaxFrames:         256,
		DropThreshold:     0.8,
		MinIFrameInterval: 2 * time.Second,
	}
}

// Stats is a point-in-time view of buffer occupancy.
type Stats struct {
	BufferedFrames    int       `json:"buffered_frames"`
	BufferedBytes     int       `json:"buffered_bytes"`
	DroppedFrames     uint64    `json:"dropped_frames"`
	LastDropTimestamp time.Time `json:"last_drop_timestamp"`
	BufferUtilization float64   `json:"buffer_utilization"`
}

// FrameBuffer is a bounded FIFO with the drop policy above. One producer
// (the ingest path) and one consumer (playback) share it; drop decisions
// happen under the same lock as insertion so stats never observe a
// half-applied policy.
type FrameBuffer struct {
	mu  sync.Mutex
	cfg Config

	frames *list.List // of Frame
	bytes  int

	dropped    uint64
	lastDrop   time.Time
	lastIFrame time.Time
}

func New(cfg Config) *FrameBuffer {
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = DefaultConfig().MaxBytes
	}
	if cfg.MaxFrames <= 0 {
		cfg.MaxFrames = DefaultConfig().MaxFrames
	}
	if cfg.DropThreshold <= 0 || cfg.DropThreshold > 1 {
		cfg.DropThreshold = DefaultConfig().DropThreshold
	}
	return &FrameBuffer{cfg: cfg, frames: list.New()}
}

// Add inserts a frame, shedding old P-frames if occupancy crosses the
// threshold. Returns false when the frame was rejected because the buffer
// is saturated with keyframes.
func (b *FrameBuffer) Add(f Frame) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.overThresholdWith(f) {
		b.push(f)
		return true
	}

	// Shed oldest P-frames until under threshold or none remain.
	for b.overThresholdWith(f) {
		if !b.dropOldestP() {
			break
		}
	}

	if b.frames.Len() >= b.cfg.MaxFrames || b.bytes+f.size() > b.cfg.MaxBytes {
		// Nothing droppable left. The caller keeps the frame; the
		// buffered keyframes are worth more than this one.
		return false
	}
	b.push(f)
	return true
}

// Next pops the oldest frame in FIFO order. ok is false when empty.
func (b *FrameBuffer) Next() (Frame, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	front := b.frames.Front()
	if front == nil {
		return Frame{}, false
	}
	f := front.Value.(Frame)
	b.frames.Remove(front)
	b.bytes -= f.size()
	return f, true
}

// IFrameDue reports whether the last accepted keyframe is older than the
// configured interval. The ingest path uses it to request a fresh keyframe
// from the device.
func (b *FrameBuffer) IFrameDue(now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.lastIFrame.IsZero() {
		return true
	}
	return now.Sub(b.lastIFrame) >= b.cfg.MinIFrameInterval
}

func (b *FrameBuffer) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()

	utilFrames := float64(b.frames.Len()) / float64(b.cfg.MaxFrames)
	utilBytes := float64(b.bytes) / float64(b.cfg.MaxBytes)
	util := utilFrames
	if utilBytes > util {
		util = utilBytes
	}
	return Stats{
		BufferedFrames:    b.frames.Len(),
		BufferedBytes:     b.bytes,
		DroppedFrames:     b.dropped,
		LastDropTimestamp: b.lastDrop,
		BufferUtilization: util,
	}
}

func (b *FrameBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.frames.Len()
}

// overThresholdWith reports whether accepting f would push occupancy past
// the drop threshold on either axis.
func (b *FrameBuffer) overThresholdWith(f Frame) bool {
	frames := float64(b.frames.Len() + 1)
	bytes := float64(b.bytes + f.size())
	return frames > b.cfg.DropThreshold*float64(b.cfg.MaxFrames) ||
		bytes > b.cfg.DropThreshold*float64(b.cfg.MaxBytes)
}

func (b *FrameBuffer) push(f Frame) {
	b.frames.PushBack(f)
	b.bytes += f.size()
	if f.Type == FrameIDR {
		b.lastIFrame = f.Timestamp
	}
}

// dropOldestP removes the oldest P-frame. Returns false when only
// keyframes remain.
func (b *FrameBuffer) dropOldestP() bool {
	for e := b.frames.Front(); e != nil; e = e.Next() {
		f := e.Value.(Frame)
		if f.Type != FrameP {
			continue
		}
		b.frames.Remove(e)
		b.bytes -= f.size()
		b.dropped++
		b.lastDrop = time.Now()
		return true
	}
	return false
}
