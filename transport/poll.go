// Copyright 2025 The gupshup Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

const defaultPollInterval = 2 * time.Second

// PollConfig configures an HTTP polling transport against a relay's inbox and
// outbox endpoints.
type PollConfig struct {
	// BaseURL is the relay root; the transport appends /sync/inbox and
	// /sync/outbox.
	BaseURL string

	// Token is sent as a bearer token on every request.
	Token string

	Interval time.Duration
	Client   *http.Client
	Logger   *slog.Logger
}

// PollTransport exchanges messages with a relay over plain HTTP: outbound
// messages POST to the inbox, inbound ones are fetched from the outbox on an
// interval. A fallback for environments where WebSockets are unavailable.
type PollTransport struct {
	cfg    PollConfig
	client *http.Client
	logger *slog.Logger
	events chan Event

	mu     sync.Mutex
	queue  [][]byte
	closed bool
	cancel context.CancelFunc
}

var _ Transport = (*PollTransport)(nil)

// NewPollTransport builds a transport; polling starts with Connect.
func NewPollTransport(cfg PollConfig) (*PollTransport, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("poll transport: BaseURL is required")
	}
	if cfg.Interval <= 0 {
		cfg.Interval = defaultPollInterval
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &PollTransport{
		cfg:    cfg,
		client: client,
		logger: logger,
		events: make(chan Event, eventBuffer),
	}, nil
}

// Connect starts the poll loop.
func (t *PollTransport) Connect(ctx context.Context) error {
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

func (t *PollTransport) run(ctx context.Context) {
	defer close(t.events)
	t.events <- Event{Kind: EventOpen}

	ticker := time.NewTicker(t.cfg.Interval)
	defer ticker.Stop()

	for {
		t.flush(ctx)
		t.poll(ctx)

		select {
		case <-ticker.C:
		case <-ctx.Done():
			t.events <- Event{Kind: EventClosed}
			return
		}
	}
}

func (t *PollTransport) flush(ctx context.Context) {
	for {
		t.mu.Lock()
		if len(t.queue) == 0 {
			t.mu.Unlock()
			return
		}
		msg := t.queue[0]
		t.mu.Unlock()

		if err := t.post(ctx, msg); err != nil {
			t.logger.Warn("inbox post failed", "error", err)
			return
		}
		t.mu.Lock()
		t.queue = t.queue[1:]
		t.mu.Unlock()
	}
}

func (t *PollTransport) post(ctx context.Context, msg []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.cfg.BaseURL+"/sync/inbox", bytes.NewReader(msg))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if t.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+t.cfg.Token)
	}
	resp, err := t.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		return fmt.Errorf("inbox returned %d", resp.StatusCode)
	}
	return nil
}

func (t *PollTransport) poll(ctx context.Context) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.cfg.BaseURL+"/sync/outbox", nil)
	if err != nil {
		return
	}
	if t.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+t.cfg.Token)
	}
	resp, err := t.client.Do(req)
	if err != nil {
		if ctx.Err() == nil {
			t.logger.Warn("outbox poll failed", "error", err)
		}
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		t.logger.Warn("outbox poll rejected", "status", resp.StatusCode)
		return
	}
	var msgs []json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&msgs); err != nil {
		t.logger.Warn("outbox decode failed", "error", err)
		return
	}
	for _, msg := range msgs {
		t.events <- Event{Kind: EventFrame, Data: msg}
	}
}

// Send queues the message; the next flush delivers it in order.
func (t *PollTransport) Send(msg []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrClosed
	}
	t.queue = append(t.queue, msg)
	return nil
}

// Events returns the ordered event stream.
func (t *PollTransport) Events() <-chan Event { return t.events }

// Close stops polling.
func (t *PollTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	cancel := t.cancel
	t.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	return nil
}
