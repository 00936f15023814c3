// Copyright 2025 The gupshup Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	defaultMinBackoff = 1 * time.Second
	defaultMaxBackoff = 16 * time.Second
	eventBuffer       = 256
)

// WSConfig configures a WebSocket transport.
type WSConfig struct {
	URL string

	// Header is sent on every dial, e.g. a bearer token for the relay.
	Header http.Header

	Logger *slog.Logger

	// MinBackoff/MaxBackoff bound the reconnect delay; the delay doubles on
	// each consecutive failure and resets after a successful dial.
	MinBackoff time.Duration
	MaxBackoff time.Duration
}

// WSTransport is a reconnecting WebSocket client. Messages sent while
// disconnected are queued and flushed in order on the next successful dial;
// an app-initiated Close stops the reconnect loop.
type WSTransport struct {
	cfg    WSConfig
	logger *slog.Logger
	events chan Event

	mu     sync.Mutex
	conn   *websocket.Conn
	queue  [][]byte
	closed bool
	cancel context.CancelFunc
}

var _ Transport = (*WSTransport)(nil)

// NewWSTransport builds a transport; the connection is established by Connect.
func NewWSTransport(cfg WSConfig) (*WSTransport, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("websocket transport: URL is required")
	}
	if cfg.MinBackoff <= 0 {
		cfg.MinBackoff = defaultMinBackoff
	}
	if cfg.MaxBackoff < cfg.MinBackoff {
		cfg.MaxBackoff = defaultMaxBackoff
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &WSTransport{
		cfg:    cfg,
		logger: logger,
		events: make(chan Event, eventBuffer),
	}, nil
}

// Connect starts the dial/read/reconnect loop. It returns immediately; the
// first EventOpen signals an established connection.
func (t *WSTransport) Connect(ctx context.Context) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrClosed
	}
	if t.cancel != nil {
		t.mu.Unlock()
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	t.cancel = cancel
	t.mu.Unlock()

	go t.run(runCtx)
	return nil
}

func (t *WSTransport) run(ctx context.Context) {
	defer close(t.events)
	backoff := t.cfg.MinBackoff

	for {
		conn, _, err := websocket.DefaultDialer.DialContext(ctx, t.cfg.URL, t.cfg.Header)
		if err != nil {
			if ctx.Err() != nil || t.isClosed() {
				return
			}
			t.logger.Warn("websocket dial failed", "url", t.cfg.URL, "backoff", backoff, "error", err)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return
			}
			if backoff *= 2; backoff > t.cfg.MaxBackoff {
				backoff = t.cfg.MaxBackoff
			}
			continue
		}
		backoff = t.cfg.MinBackoff

		t.mu.Lock()
		if t.closed {
			t.mu.Unlock()
			conn.Close()
			return
		}
		pending := t.queue
		t.queue = nil
		t.mu.Unlock()

		t.events <- Event{Kind: EventOpen}
		t.logger.Info("websocket connected", "url", t.cfg.URL)

		// The connection is not published to Send until the backlog is
		// flushed: concurrent Sends keep queueing, so the socket has exactly
		// one writer and queue order is preserved.
		flushed := true
		for _, msg := range pending {
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				t.logger.Warn("flush queued message failed", "error", err)
				t.requeue(pending)
				flushed = false
				break
			}
			pending = pending[1:]
		}

		open := false
		if flushed {
			// Drain messages queued during the flush under the lock, then
			// publish the connection; from here on Send writes under t.mu.
			t.mu.Lock()
			for flushed && len(t.queue) > 0 {
				if err := conn.WriteMessage(websocket.TextMessage, t.queue[0]); err != nil {
					t.logger.Warn("flush queued message failed", "error", err)
					flushed = false
					break
				}
				t.queue = t.queue[1:]
			}
			if flushed && !t.closed {
				t.conn = conn
				open = true
			}
			t.mu.Unlock()
		}

		if open {
			t.readLoop(ctx, conn)
		}

		t.mu.Lock()
		t.conn = nil
		closed := t.closed
		t.mu.Unlock()
		conn.Close()

		if closed || ctx.Err() != nil {
			t.events <- Event{Kind: EventClosed}
			return
		}
		t.events <- Event{Kind: EventClosed, Err: fmt.Errorf("connection lost")}
	}
}

func (t *WSTransport) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil && !t.isClosed() {
				t.logger.Warn("websocket read failed", "error", err)
			}
			return
		}
		t.events <- Event{Kind: EventFrame, Data: msg}
	}
}

// Send writes the message if connected, otherwise queues it for the next
// connection. Queue order is preserved.
func (t *WSTransport) Send(msg []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrClosed
	}
	if t.conn == nil {
		t.queue = append(t.queue, msg)
		return nil
	}
	if err := t.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
		// The read loop will notice the broken connection; keep the message
		// for the reconnect flush.
		t.queue = append(t.queue, msg)
		return nil
	}
	return nil
}

// Events returns the ordered event stream.
func (t *WSTransport) Events() <-chan Event { return t.events }

// Close stops reconnecting and closes the connection. Queued messages are
// dropped. The close handshake is written under t.mu like every other write
// to a published connection.
func (t *WSTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	cancel := t.cancel
	t.queue = nil
	if t.conn != nil {
		t.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		t.conn.Close()
		t.conn = nil
	}
	t.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	return nil
}

func (t *WSTransport) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

func (t *WSTransport) requeue(pending [][]byte) {
	t.mu.Lock()
	t.queue = append(pending, t.queue...)
	t.mu.Unlock()
}
