// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package secure

import (
	"context"
	"crypto/tls"
	"time"

	"github.com/gorilla/websocket"
)

// WSDialer dials WebSocket endpoints for the connector.
type WSDialer struct {
	HandshakeTimeout time.Duration
	TLSConfig        *tls.Config
}

func (d WSDialer) Dial(ctx context.Context, endpoint string) (Conn, error) {
	timeout := d.HandshakeTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	dialer := websocket.Dialer{
		HandshakeTimeout: timeout,
		TLSClientConfig:  d.TLSConfig,
	}
	conn, resp, err := dialer.DialContext(ctx, endpoint, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, err
	}
	return conn, nil
}
