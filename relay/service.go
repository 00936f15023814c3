// Package relay implements the rendezvous server for hub-and-spoke sync. It
// is a blind message router: it authenticates devices, forwards frames by
// database and device id, expands hub broadcasts, and parks messages for
// offline devices in an inbox. Payload contents stay opaque ciphertext.
//
// Copyright 2025 The gupshup Authors
// SPDX-License-Identifier: Apache-2.0

package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
)

// envelope is the routing-relevant subset of a sync frame.
type envelope struct {
	DBID         string   `json:"dbId"`
	FromDeviceID string   `json:"fromDeviceId"`
	ToDeviceID   string   `json:"toDeviceId"`
	Devices      []string `json:"devices"`
}

const broadcastTarget = "broadcast"

// Service routes frames between connected devices of the same logical
// database.
type Service struct {
	store  MessageStore
	logger *slog.Logger

	mu    sync.RWMutex
	rooms map[string]map[string]chan []byte // dbID -> deviceID -> send queue
}

// NewService creates a router backed by the given offline inbox.
func NewService(store MessageStore, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:  store,
		logger: logger,
		rooms:  map[string]map[string]chan []byte{},
	}
}

// sendQueueSize bounds per-connection buffering; a connection that cannot
// drain this many frames is considered dead.
const sendQueueSize = 256

// Register attaches a device connection and returns its outbound queue. Any
// messages parked while the device was offline are queued first, in order.
// The previous connection for the same device, if any, is replaced.
func (s *Service) Register(ctx context.Context, dbID, deviceID string) (<-chan []byte, error) {
	pending, err := s.store.Drain(ctx, dbID, deviceID)
	if err != nil {
		return nil, err
	}

	ch := make(chan []byte, sendQueueSize)
	for _, msg := range pending {
		select {
		case ch <- msg:
		default:
			// Inbox larger than the queue; push the rest back.
			if err := s.store.Enqueue(ctx, dbID, deviceID, msg); err != nil {
				s.logger.Error("requeue pending message failed", "db", dbID, "device", deviceID, "error", err)
			}
		}
	}

	s.mu.Lock()
	room := s.rooms[dbID]
	if room == nil {
		room = map[string]chan []byte{}
		s.rooms[dbID] = room
	}
	if old, ok := room[deviceID]; ok {
		close(old)
	}
	room[deviceID] = ch
	s.mu.Unlock()

	s.logger.Info("device connected", "db", dbID, "device", deviceID, "pending", len(pending))
	return ch, nil
}

// Unregister detaches a device connection. The queue passed to the writer is
// closed; no-op when a newer connection already replaced it.
func (s *Service) Unregister(dbID, deviceID string, ch <-chan []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	room := s.rooms[dbID]
	if room == nil {
		return
	}
	if cur, ok := room[deviceID]; ok && (<-chan []byte)(cur) == ch {
		close(cur)
		delete(room, deviceID)
		if len(room) == 0 {
			delete(s.rooms, dbID)
		}
		s.logger.Info("device disconnected", "db", dbID, "device", deviceID)
	}
}

// Route forwards one frame from an authenticated device. The sender identity
// from the token overrides whatever the payload claims, so a device cannot
// impersonate another.
func (s *Service) Route(ctx context.Context, dbID, fromDeviceID string, payload []byte) error {
	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return fmt.Errorf("malformed frame: %w", err)
	}
	if env.DBID != dbID {
		return fmt.Errorf("frame database %q does not match token %q", env.DBID, dbID)
	}

	targets := []string{env.ToDeviceID}
	if env.ToDeviceID == broadcastTarget {
		targets = env.Devices
	}

	for _, target := range targets {
		if target == "" || target == fromDeviceID {
			continue
		}
		s.deliver(ctx, dbID, target, payload)
	}
	return nil
}

func (s *Service) deliver(ctx context.Context, dbID, deviceID string, payload []byte) {
	s.mu.RLock()
	var ch chan []byte
	if room := s.rooms[dbID]; room != nil {
		ch = room[deviceID]
	}
	s.mu.RUnlock()

	if ch != nil {
		select {
		case ch <- payload:
			return
		default:
			s.logger.Warn("send queue full, parking message", "db", dbID, "device", deviceID)
		}
	}
	if err := s.store.Enqueue(ctx, dbID, deviceID, payload); err != nil {
		s.logger.Error("park message failed", "db", dbID, "device", deviceID, "error", err)
	}
}

// Drain empties the offline inbox for a device (the polling path).
func (s *Service) Drain(ctx context.Context, dbID, deviceID string) ([][]byte, error) {
	return s.store.Drain(ctx, dbID, deviceID)
}
