// Copyright 2025 The gupshup Authors
// SPDX-License-Identifier: Apache-2.0

package relay

import (
	"context"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5/pgxpool"
)

// MessageStore is the relay's offline inbox: messages addressed to a device
// that is not connected wait here until the device shows up or polls.
type MessageStore interface {
	// Enqueue stores one message for a device.
	Enqueue(ctx context.Context, dbID, deviceID string, payload []byte) error

	// Drain removes and returns all pending messages for a device, oldest
	// first.
	Drain(ctx context.Context, dbID, deviceID string) ([][]byte, error)
}

// MemoryStore keeps pending messages in process memory. Suitable for tests
// and single-node deployments that accept losing undelivered messages on
// restart.
type MemoryStore struct {
	mu      sync.Mutex
	pending map[string][][]byte
}

var _ MessageStore = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory inbox.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{pending: map[string][][]byte{}}
}

func inboxKey(dbID, deviceID string) string { return dbID + "/" + deviceID }

// Enqueue implements MessageStore.
func (s *MemoryStore) Enqueue(_ context.Context, dbID, deviceID string, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := inboxKey(dbID, deviceID)
	s.pending[key] = append(s.pending[key], payload)
	return nil
}

// Drain implements MessageStore.
func (s *MemoryStore) Drain(_ context.Context, dbID, deviceID string) ([][]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := inboxKey(dbID, deviceID)
	msgs := s.pending[key]
	delete(s.pending, key)
	return msgs, nil
}

// PGStore persists the offline inbox in PostgreSQL, so queued messages
// survive relay restarts and multiple relay instances can share one inbox.
type PGStore struct {
	pool *pgxpool.Pool
}

var _ MessageStore = (*PGStore)(nil)

// NewPGStore initializes the inbox table and returns a store backed by the
// pool.
func NewPGStore(ctx context.Context, pool *pgxpool.Pool) (*PGStore, error) {
	_, err := pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS relay_inbox (
			id         BIGSERIAL PRIMARY KEY,
			db_id      TEXT NOT NULL,
			device_id  TEXT NOT NULL,
			payload    BYTEA NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`)
	if err != nil {
		return nil, fmt.Errorf("create relay_inbox table: %w", err)
	}
	_, err = pool.Exec(ctx, `
		CREATE INDEX IF NOT EXISTS idx_relay_inbox_target ON relay_inbox (db_id, device_id, id)`)
	if err != nil {
		return nil, fmt.Errorf("create relay_inbox index: %w", err)
	}
	return &PGStore{pool: pool}, nil
}

// Enqueue implements MessageStore.
func (s *PGStore) Enqueue(ctx context.Context, dbID, deviceID string, payload []byte) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO relay_inbox (db_id, device_id, payload) VALUES ($1, $2, $3)`,
		dbID, deviceID, payload)
	if err != nil {
		return fmt.Errorf("enqueue relay message: %w", err)
	}
	return nil
}

// Drain implements MessageStore.
func (s *PGStore) Drain(ctx context.Context, dbID, deviceID string) ([][]byte, error) {
	rows, err := s.pool.Query(ctx, `
		WITH drained AS (
			DELETE FROM relay_inbox
			WHERE db_id = $1 AND device_id = $2
			RETURNING id, payload
		)
		SELECT payload FROM drained ORDER BY id`,
		dbID, deviceID)
	if err != nil {
		return nil, fmt.Errorf("drain relay inbox: %w", err)
	}
	defer rows.Close()

	var msgs [][]byte
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scan relay message: %w", err)
		}
		msgs = append(msgs, payload)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate relay inbox: %w", err)
	}
	return msgs, nil
}
