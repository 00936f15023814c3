// Package transport abstracts the message channel between a device and its
// sync peers. Implementations deliver connectivity and inbound frames through
// a single ordered event stream, so consumers need one receive loop and no
// callback registration.
//
// Copyright 2025 The gupshup Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"errors"
)

// ErrClosed is returned by Send after Close.
var ErrClosed = errors.New("transport closed")

// EventKind discriminates transport events.
type EventKind int

const (
	// EventOpen signals an established (or re-established) connection.
	EventOpen EventKind = iota
	// EventFrame carries one inbound message.
	EventFrame
	// EventClosed signals a lost or closed connection. Err is set for
	// failures, nil for an app-initiated close.
	EventClosed
)

// Event is one entry in a transport's ordered event stream.
type Event struct {
	Kind EventKind
	Data []byte
	Err  error
}

// Transport is a bidirectional message channel. Send never blocks on the
// network: implementations queue outbound messages while disconnected and
// flush them in order once connected. The Events channel is closed when the
// transport shuts down for good.
type Transport interface {
	Connect(ctx context.Context) error
	Send(msg []byte) error
	Events() <-chan Event
	Close() error
}
