// Copyright 2025 The gupshup Authors
// SPDX-License-Identifier: Apache-2.0

package cipherdb

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// ChangeType enumerates changelog entry kinds.
type ChangeType string

const (
	ChangeUpsert       ChangeType = "upsert"
	ChangeDelete       ChangeType = "delete"
	ChangeClear        ChangeType = "clear"
	ChangeDeviceUpsert ChangeType = "device_upsert"
	ChangeRoleUpsert   ChangeType = "role_upsert"
	ChangeRoleDelete   ChangeType = "role_delete"
	ChangePolicyUpsert ChangeType = "policy_upsert"
)

// Change is one changelog entry. Seq pairs the Lamport stamp with the
// originating device id; the pair, not the Lamport value alone, is the total
// order key and is unique. Entries are append-only and never mutated.
//
// For encrypted upserts Value holds a marshaled cryptobox.Envelope and Enc is
// true; system-table entries carry their row as plaintext JSON (device rows,
// role rows, policies contain no user data).
type Change struct {
	Seq      string          `json:"seq"`
	Lamport  int64           `json:"lamport"`
	DeviceID string          `json:"deviceId"`
	TS       int64           `json:"ts"`
	Type     ChangeType      `json:"type"`
	Store    string          `json:"store"`
	Key      string          `json:"key,omitempty"`
	Value    json.RawMessage `json:"value,omitempty"`
	Enc      bool            `json:"enc,omitempty"`
}

// SeqOf formats the changelog order key for a (lamport, device) pair.
func SeqOf(lamport int64, deviceID string) string {
	return fmt.Sprintf("%d:%s", lamport, deviceID)
}

// nextLamportTx advances the database-wide Lamport counter inside tx:
// max(local, remote)+1. Running the read-modify-write in the same transaction
// as the mutation it stamps makes the increment atomic relative to other
// increments on this device.
func (s *Store) nextLamportTx(tx *sql.Tx, remote int64) (int64, error) {
	var lamport int64
	if err := tx.QueryRow(`SELECT lamport FROM _meta WHERE db_id = ?`, s.dbID).Scan(&lamport); err != nil {
		return 0, fmt.Errorf("%w: read lamport: %v", ErrStorage, err)
	}
	if remote > lamport {
		lamport = remote
	}
	lamport++
	if _, err := tx.Exec(`UPDATE _meta SET lamport = ? WHERE db_id = ?`, lamport, s.dbID); err != nil {
		return 0, fmt.Errorf("%w: advance lamport: %v", ErrStorage, err)
	}
	return lamport, nil
}

// Lamport returns the current persisted counter value.
func (s *Store) Lamport(ctx context.Context) (int64, error) {
	var lamport int64
	if err := s.db.QueryRowContext(ctx, `SELECT lamport FROM _meta WHERE db_id = ?`, s.dbID).Scan(&lamport); err != nil {
		return 0, fmt.Errorf("%w: read lamport: %v", ErrStorage, err)
	}
	return lamport, nil
}

// stampChangeTx assigns a fresh Lamport stamp to a local change and appends it
// to the changelog within tx.
func (s *Store) stampChangeTx(tx *sql.Tx, c Change) (Change, error) {
	lamport, err := s.nextLamportTx(tx, 0)
	if err != nil {
		return Change{}, err
	}
	c.Lamport = lamport
	c.DeviceID = s.deviceID
	c.Seq = SeqOf(lamport, s.deviceID)
	c.TS = time.Now().UnixMilli()
	if err := appendChangelogTx(tx, c); err != nil {
		return Change{}, err
	}
	return c, nil
}

// appendChangelogTx writes one entry. INSERT OR REPLACE keeps re-applied
// remote changes idempotent; seq uniqueness makes the replace a no-op rewrite
// of identical content.
func appendChangelogTx(tx *sql.Tx, c Change) error {
	var value any
	if c.Value != nil {
		value = string(c.Value)
	}
	enc := 0
	if c.Enc {
		enc = 1
	}
	if _, err := tx.Exec(`
		INSERT OR REPLACE INTO _changelog (seq, lamport, device_id, ts, type, store, key, value, enc)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, c.Seq, c.Lamport, c.DeviceID, c.TS, string(c.Type), c.Store, c.Key, value, enc); err != nil {
		return fmt.Errorf("%w: append changelog: %v", ErrStorage, err)
	}
	return nil
}

// GetChangesSince returns changelog entries with lamport strictly greater than
// the watermark, ascending. This is the delta-sync payload.
func (s *Store) GetChangesSince(ctx context.Context, lamport int64) ([]Change, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, lamport, device_id, ts, type, store, key, value, enc
		FROM _changelog
		WHERE lamport > ?
		ORDER BY lamport ASC, device_id ASC
	`, lamport)
	if err != nil {
		return nil, fmt.Errorf("%w: query changelog: %v", ErrStorage, err)
	}
	defer rows.Close()

	var changes []Change
	for rows.Next() {
		var c Change
		var typ string
		var key, value sql.NullString
		var enc int
		if err := rows.Scan(&c.Seq, &c.Lamport, &c.DeviceID, &c.TS, &typ, &c.Store, &key, &value, &enc); err != nil {
			return nil, fmt.Errorf("%w: scan changelog entry: %v", ErrStorage, err)
		}
		c.Type = ChangeType(typ)
		c.Key = key.String
		if value.Valid {
			c.Value = json.RawMessage(value.String)
		}
		c.Enc = enc == 1
		changes = append(changes, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterate changelog: %v", ErrStorage, err)
	}
	return changes, nil
}

// PeerSyncState is the per-peer resumable watermark.
type PeerSyncState struct {
	PeerID      string `json:"peerId"`
	LastLamport int64  `json:"lastLamport"`
}

// GetPeerSyncState loads the persisted watermark for a peer; a missing row
// means lamport 0 (full snapshot on next request).
func (s *Store) GetPeerSyncState(ctx context.Context, peerID string) (*PeerSyncState, error) {
	st := &PeerSyncState{PeerID: peerID}
	err := s.db.QueryRowContext(ctx, `SELECT last_lamport FROM _peer_sync WHERE peer_id = ?`, peerID).Scan(&st.LastLamport)
	if err == sql.ErrNoRows {
		return st, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: read peer sync state: %v", ErrStorage, err)
	}
	return st, nil
}

// SetPeerSyncState persists the watermark so a restart resumes delta sync
// instead of re-requesting a full snapshot.
func (s *Store) SetPeerSyncState(ctx context.Context, peerID string, lastLamport int64) error {
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO _peer_sync (peer_id, last_lamport) VALUES (?, ?)
		ON CONFLICT(peer_id) DO UPDATE SET last_lamport = excluded.last_lamport
	`, peerID, lastLamport); err != nil {
		return fmt.Errorf("%w: persist peer sync state: %v", ErrStorage, err)
	}
	return nil
}
