// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package ws

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ManuGH/rcd/internal/transport"
)

// errPeerClosed is returned by Send once the socket's write pump has exited.
var errPeerClosed = errors.New("ws: peer closed")

// socketPeer adapts one WebSocket connection to the relay's Peer
// interface. All writes are funneled through a single pump goroutine;
// gorilla connections allow only one concurrent writer.
type socketPeer struct {
	conn *websocket.Conn
	send chan transport.Message

	closeOnce sync.Once
	closed    chan struct{}
}

func newSocketPeer(conn *websocket.Conn) *socketPeer {
	return &socketPeer{
		conn:   conn,
		send:   make(chan transport.Message, 64),
		closed: make(chan struct{}),
	}
}

func (p *socketPeer) Send(ctx context.Context, msg transport.Message) error {
	select {
	case p.send <- msg:
		return nil
	case <-p.closed:
		return errPeerClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *socketPeer) close() {
	p.closeOnce.Do(func() { close(p.closed) })
}

// writePump drains the send queue and bus pushes onto the socket,
// interleaving keepalive pings. It owns the write side of conn and
// returns when the peer is closed or a write fails.
func (p *socketPeer) writePump(pushes <-chan transport.Message) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = p.conn.Close()
	}()

	write := func(msg transport.Message) bool {
		_ = p.conn.SetWriteDeadline(time.Now().Add(writeWait))
		return p.conn.WriteMessage(websocket.TextMessage, msg) == nil
	}

	for {
		select {
		case <-p.closed:
			_ = p.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = p.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		case msg := <-p.send:
			if !write(msg) {
				return
			}
		case msg, ok := <-pushes:
			if !ok {
				return
			}
			if !write(msg) {
				return
			}
		case <-ticker.C:
			_ = p.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := p.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
