// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package secure

import (
	"context"
	"errors"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeConn struct{ closed bool }

func (c *fakeConn) Close() error { c.closed = true; return nil }

// fakeDialer records every dialed URL and fails the first failures calls.
type fakeDialer struct {
	mu       sync.Mutex
	dialed   []string
	failures int
	conn     *fakeConn
}

func (d *fakeDialer) Dial(_ context.Context, endpoint string) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dialed = append(d.dialed, endpoint)
	if len(d.dialed) <= d.failures {
		return nil, errors.New("connection refused")
	}
	if d.conn == nil {
		d.conn = &fakeConn{}
	}
	return d.conn, nil
}

func (d *fakeDialer) urls(t *testing.T) []*url.URL {
	t.Helper()
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]*url.URL, len(d.dialed))
	for i, raw := range d.dialed {
		u, err := url.Parse(raw)
		require.NoError(t, err)
		out[i] = u
	}
	return out
}

func newTestConnector(t *testing.T, endpoint string, d Dialer, opts Options) *Connector {
	t.Helper()
	if opts.BackoffBase == 0 {
		opts.BackoffBase = time.Millisecond
	}
	c, err := New(endpoint, "tok-1", d, opts)
	require.NoError(t, err)
	return c
}

func TestNewRejectsPlaintextEndpoint(t *testing.T) {
	_, err := New("ws://signage.example.com/rc", "tok", &fakeDialer{}, Options{})
	assert.ErrorIs(t, err, ErrInsecureEndpoint)

	_, err = New("ftp://signage.example.com/rc", "tok", &fakeDialer{}, Options{})
	assert.ErrorIs(t, err, ErrInsecureEndpoint)
}

func TestNewAllowsLoopbackWhenConfigured(t *testing.T) {
	for _, endpoint := range []string{
		"ws://127.0.0.1:8090/rc",
		"ws://localhost:8090/rc",
		"ws://[::1]:8090/rc",
	} {
		_, err := New(endpoint, "tok", &fakeDialer{}, Options{AllowInsecureLoopback: true})
		assert.NoError(t, err, endpoint)
	}

	_, err := New("ws://127.0.0.1:8090/rc", "tok", &fakeDialer{}, Options{})
	assert.ErrorIs(t, err, ErrInsecureEndpoint)
}

func TestConnectAttachesAuthParams(t *testing.T) {
	d := &fakeDialer{}
	c := newTestConnector(t, "wss://signage.example.com/rc", d, Options{})

	require.NoError(t, c.Connect(context.Background()))

	urls := d.urls(t)
	require.Len(t, urls, 1)
	q := urls[0].Query()
	assert.Equal(t, "tok-1", q.Get("token"))
	assert.NotEmpty(t, q.Get("ts"))

	st := c.Status()
	assert.Equal(t, StateConnected, st.State)
	assert.True(t, st.CertificateValid)
	assert.NotZero(t, st.LastSuccessfulConnect)
	assert.Empty(t, st.Error)
}

func TestConnectRetriesWithBackoff(t *testing.T) {
	d := &fakeDialer{failures: 2}
	c := newTestConnector(t, "wss://signage.example.com/rc", d, Options{MaxAttempts: 4})

	require.NoError(t, c.Connect(context.Background()))
	assert.Len(t, d.urls(t), 3)
	assert.Equal(t, StateConnected, c.Status().State)
}

func TestConnectFailsAfterMaxAttempts(t *testing.T) {
	d := &fakeDialer{failures: 10}
	c := newTestConnector(t, "wss://signage.example.com/rc", d, Options{MaxAttempts: 3})

	err := c.Connect(context.Background())
	require.Error(t, err)
	assert.Len(t, d.urls(t), 3)

	st := c.Status()
	assert.Equal(t, StateFailed, st.State)
	assert.Contains(t, st.Error, "connection refused")
}

func TestConnectHonorsContextDuringBackoff(t *testing.T) {
	d := &fakeDialer{failures: 10}
	c := newTestConnector(t, "wss://signage.example.com/rc", d, Options{
		MaxAttempts: 5,
		BackoffBase: time.Hour,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := c.Connect(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Len(t, d.urls(t), 1)
}

func TestRotateTokenTakesEffectWithoutReconnect(t *testing.T) {
	d := &fakeDialer{}
	c := newTestConnector(t, "wss://signage.example.com/rc", d, Options{})

	require.NoError(t, c.Connect(context.Background()))
	c.RotateToken("tok-2")

	// The live connection stays up across the rotation.
	require.NotNil(t, d.conn)
	assert.False(t, d.conn.closed)
	assert.Equal(t, StateConnected, c.Status().State)

	// A later reconnect carries the new token.
	require.NoError(t, c.Connect(context.Background()))
	urls := d.urls(t)
	require.Len(t, urls, 2)
	assert.Equal(t, "tok-2", urls[1].Query().Get("token"))
}

func TestCloseIsIdempotent(t *testing.T) {
	d := &fakeDialer{}
	c := newTestConnector(t, "wss://signage.example.com/rc", d, Options{})

	require.NoError(t, c.Connect(context.Background()))
	require.NoError(t, c.Close())
	assert.True(t, d.conn.closed)
	assert.Equal(t, StateDisconnected, c.Status().State)
	require.NoError(t, c.Close())
}
