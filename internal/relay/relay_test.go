// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package relay

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ManuGH/rcd/internal/protocol"
	"github.com/ManuGH/rcd/internal/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type chanPeer struct {
	ch chan transport.Message
}

func newChanPeer() *chanPeer {
	return &chanPeer{ch: make(chan transport.Message, 64)}
}

func (p *chanPeer) Send(ctx context.Context, msg transport.Message) error {
	select {
	case p.ch <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *chanPeer) recv(t *testing.T) map[string]interface{} {
	t.Helper()
	select {
	case msg := <-p.ch:
		var payload map[string]interface{}
		require.NoError(t, json.Unmarshal(msg, &payload))
		return payload
	case <-time.After(2 * time.Second):
		t.Fatal("no message received")
		return nil
	}
}

func startTestRelay(t *testing.T, opts Options) (*Supervisor, *Worker) {
	t.Helper()
	sup := NewSupervisor(opts)
	t.Cleanup(sup.StopAll)
	w, err := sup.StartRelay("rcs-test", "dev-1", nil)
	require.NoError(t, err)
	return sup, w
}

func TestSupervisor_SingleWorkerPerSession(t *testing.T) {
	sup, _ := startTestRelay(t, Options{})

	_, err := sup.StartRelay("rcs-test", "dev-1", nil)
	require.ErrorIs(t, err, ErrAlreadyStarted)
	assert.Equal(t, 1, sup.Count())
}

func TestSupervisor_StopIsIdempotent(t *testing.T) {
	sup, w := startTestRelay(t, Options{})

	sup.StopRelay("rcs-test")
	sup.StopRelay("rcs-test")
	sup.StopRelay("rcs-never-existed")
	assert.Equal(t, 0, sup.Count())

	select {
	case <-w.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop")
	}
}

func TestWorker_ControlEventsFlowToDevice(t *testing.T) {
	_, w := startTestRelay(t, Options{})
	device := newChanPeer()
	w.AttachDevice(device)

	err := w.HandleControlEvent(context.Background(), []byte(`{"type":"keydown","key":"Enter","shift":true}`))
	require.NoError(t, err)

	got := device.recv(t)
	assert.Equal(t, "keydown", got["type"])
	assert.Equal(t, "Enter", got["key"])
	assert.Equal(t, true, got["shift"])
}

func TestWorker_InvalidControlEventNotForwarded(t *testing.T) {
	_, w := startTestRelay(t, Options{})
	device := newChanPeer()
	w.AttachDevice(device)

	err := w.HandleControlEvent(context.Background(), []byte(`{"type":"keydown"}`))
	require.ErrorIs(t, err, protocol.ErrInvalidPayload)
	assert.Empty(t, device.ch)
}

func TestWorker_ControlEventWithoutDevicePeer(t *testing.T) {
	_, w := startTestRelay(t, Options{})
	err := w.HandleControlEvent(context.Background(), []byte(`{"type":"mousemove","x":1,"y":2}`))
	require.ErrorIs(t, err, ErrNoPeer)
}

func TestWorker_ControlFloodIsThrottled(t *testing.T) {
	_, w := startTestRelay(t, Options{ControlEventsPerSecond: 1, ControlBurst: 2})
	device := newChanPeer()
	w.AttachDevice(device)

	raw := []byte(`{"type":"mousemove","x":1,"y":2}`)
	require.NoError(t, w.HandleControlEvent(context.Background(), raw))
	require.NoError(t, w.HandleControlEvent(context.Background(), raw))

	err := w.HandleControlEvent(context.Background(), raw)
	require.ErrorIs(t, err, ErrThrottled)
}

func TestWorker_MediaFramesReachWindow(t *testing.T) {
	_, w := startTestRelay(t, Options{})
	window := newChanPeer()
	w.AttachWindow(window)

	err := w.HandleMediaFrame(context.Background(), []byte(`{"data":"b64","frame_type":"IDR"}`))
	require.NoError(t, err)

	got := window.recv(t)
	assert.Equal(t, "idr", got["frame_type"], "frame_type is normalized before forwarding")
	assert.Equal(t, "b64", got["data"])
}

func TestWorker_DeviceEventsReachWindow(t *testing.T) {
	_, w := startTestRelay(t, Options{})
	window := newChanPeer()
	w.AttachWindow(window)

	require.NoError(t, w.HandleDeviceEvent(context.Background(), []byte(`{"type":"battery","level":40}`)))
	got := window.recv(t)
	assert.Equal(t, "battery", got["type"])

	require.NoError(t, w.HandleMediaMetadata(context.Background(), []byte(`{"resolution":"1280x720","fps":30}`)))
	got = window.recv(t)
	assert.Equal(t, "1280x720", got["resolution"])
}

func TestWorker_ActivityHookFires(t *testing.T) {
	var touches atomic.Int64
	sup := NewSupervisor(Options{})
	t.Cleanup(sup.StopAll)
	w, err := sup.StartRelay("rcs-act", "dev-1", func() { touches.Add(1) })
	require.NoError(t, err)

	device := newChanPeer()
	w.AttachDevice(device)
	require.NoError(t, w.HandleControlEvent(context.Background(), []byte(`{"type":"mousemove","x":1,"y":2}`)))
	require.NoError(t, w.HandleMediaFrame(context.Background(), []byte(`{"data":"x"}`)))

	assert.GreaterOrEqual(t, touches.Load(), int64(2))
}

func TestSupervisor_StopAll(t *testing.T) {
	sup := NewSupervisor(Options{})
	for _, id := range []string{"rcs-a", "rcs-b", "rcs-c"} {
		_, err := sup.StartRelay(id, "dev-"+id, nil)
		require.NoError(t, err)
	}
	require.Equal(t, 3, sup.Count())

	sup.StopAll()
	assert.Equal(t, 0, sup.Count())
}
