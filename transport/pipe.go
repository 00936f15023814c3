// Copyright 2025 The gupshup Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"sync"
)

// Pipe is an in-process transport half, paired with another by NewPipePair.
// Used in tests and for same-process device pairs; delivery is in order and
// never drops.
type Pipe struct {
	peer *Pipe

	mu     sync.Mutex
	events chan Event
	opened bool
	closed bool
}

var _ Transport = (*Pipe)(nil)

// NewPipePair returns two connected transport halves. A message sent on one
// arrives as a frame on the other.
func NewPipePair() (*Pipe, *Pipe) {
	a := &Pipe{events: make(chan Event, eventBuffer)}
	b := &Pipe{events: make(chan Event, eventBuffer)}
	a.peer, b.peer = b, a
	return a, b
}

// Connect emits EventOpen once.
func (p *Pipe) Connect(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}
	if !p.opened {
		p.opened = true
		p.events <- Event{Kind: EventOpen}
	}
	return nil
}

// Send delivers the message to the peer's event stream.
func (p *Pipe) Send(msg []byte) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrClosed
	}
	p.mu.Unlock()
	return p.peer.deliver(msg)
}

func (p *Pipe) deliver(msg []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}
	p.events <- Event{Kind: EventFrame, Data: msg}
	return nil
}

// Events returns the ordered event stream.
func (p *Pipe) Events() <-chan Event { return p.events }

// Close shuts down this half and signals the peer.
func (p *Pipe) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.events <- Event{Kind: EventClosed}
	close(p.events)
	p.mu.Unlock()

	p.peer.peerClosed()
	return nil
}

func (p *Pipe) peerClosed() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.events <- Event{Kind: EventClosed}
}
