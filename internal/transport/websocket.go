// SPDX-License-Identifier: MIT

// Package transport adapts gorilla/websocket connections to the protocol
// engine's Transport interface. The server and client roles share one
// implementation; only the way the socket is obtained differs.
package transport

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/claimgate/claimgate/internal/wire"
)

const (
	// writeWait bounds a single frame write.
	writeWait = 10 * time.Second
)

// Options tune one WebSocket transport.
type Options struct {
	// Heartbeat is the ping interval. The read deadline is extended to
	// twice this on every pong. 0 disables the pinger.
	Heartbeat time.Duration
	// MaxMessageSize is the inbound read limit in bytes.
	MaxMessageSize int64
}

// WSConn wraps one gorilla connection. Writes are serialized internally;
// Receive must only be called from the connection's own task.
type WSConn struct {
	conn *websocket.Conn
	opts Options

	writeMu   sync.Mutex
	closeOnce sync.Once
	closeErr  error
	done      chan struct{}
}

// NewWSConn wraps an established socket and starts the heartbeat pinger.
func NewWSConn(conn *websocket.Conn, opts Options) *WSConn {
	t := &WSConn{conn: conn, opts: opts, done: make(chan struct{})}

	if opts.MaxMessageSize > 0 {
		conn.SetReadLimit(opts.MaxMessageSize)
	}
	if opts.Heartbeat > 0 {
		pongWait := 2 * opts.Heartbeat
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})
		go t.pinger()
	}
	return t
}

// Receive blocks on the next frame. Cancellation is delivered by closing
// the transport, which unblocks the pending read.
func (t *WSConn) Receive(ctx context.Context) (int, []byte, error) {
	if err := ctx.Err(); err != nil {
		return 0, nil, err
	}
	frameType, data, err := t.conn.ReadMessage()
	if err != nil {
		return 0, nil, fmt.Errorf("transport: read: %w", err)
	}
	return frameType, data, nil
}

// Send writes one frame. Safe for concurrent use.
func (t *WSConn) Send(ctx context.Context, frameType int, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	_ = t.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := t.conn.WriteMessage(frameType, data); err != nil {
		return fmt.Errorf("transport: write: %w", err)
	}
	return nil
}

// Close sends a close frame with the given code and tears the socket
// down. Idempotent.
func (t *WSConn) Close(code wire.CloseCode, reason string) error {
	t.closeOnce.Do(func() {
		close(t.done)
		message := websocket.FormatCloseMessage(int(code), reason)
		t.writeMu.Lock()
		_ = t.conn.SetWriteDeadline(time.Now().Add(writeWait))
		_ = t.conn.WriteMessage(websocket.CloseMessage, message)
		t.writeMu.Unlock()
		t.closeErr = t.conn.Close()
	})
	return t.closeErr
}

func (t *WSConn) pinger() {
	ticker := time.NewTicker(t.opts.Heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-t.done:
			return
		case <-ticker.C:
			t.writeMu.Lock()
			_ = t.conn.SetWriteDeadline(time.Now().Add(writeWait))
			err := t.conn.WriteMessage(websocket.PingMessage, nil)
			t.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

// Dial establishes a client-role transport against a claimgate server,
// presenting the access token as a bearer credential.
func Dial(ctx context.Context, url, token string, opts Options) (*WSConn, *http.Response, error) {
	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if err != nil {
		return nil, resp, fmt.Errorf("transport: dial %s: %w", url, err)
	}
	return NewWSConn(conn, opts), resp, nil
}
