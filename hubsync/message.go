// Copyright 2025 The gupshup Authors
// SPDX-License-Identifier: Apache-2.0

package hubsync

import (
	"github.com/skhacker105/gupshup/cipherdb"
)

// MsgType tags a wire message.
type MsgType string

const (
	// MsgSyncRequest is sent spoke to hub to start a cycle; FromLamport <= 0
	// requests a full snapshot, anything greater a delta.
	MsgSyncRequest MsgType = "sync-request"
	// MsgSyncResponse is the hub's cycle header, carrying the mode and, for
	// full snapshots, the schema.
	MsgSyncResponse MsgType = "sync-response"
	// MsgSyncDataUpdate carries one changelog entry in either direction.
	MsgSyncDataUpdate MsgType = "sync-data-update"
	// MsgSyncEnd terminates a cycle and clears the receiver's syncing flag.
	MsgSyncEnd MsgType = "sync-end"
)

// Sync modes carried in a sync-response.
const (
	ModeFull  = "full"
	ModeDelta = "delta"
)

// Broadcast is the ToDeviceID value a hub uses for fan-out; the relay expands
// it using the Devices list.
const Broadcast = "broadcast"

// Message is one replication-protocol frame. Every message carries the
// database id; receivers silently drop frames for other databases.
type Message struct {
	Type         MsgType          `json:"type"`
	DBID         string           `json:"dbId"`
	FromDeviceID string           `json:"fromDeviceId,omitempty"`
	ToDeviceID   string           `json:"toDeviceId,omitempty"`
	FromLamport  int64            `json:"fromLamport,omitempty"`
	Mode         string           `json:"mode,omitempty"`
	Schema       *cipherdb.Schema `json:"schema,omitempty"`
	Change       *cipherdb.Change `json:"change,omitempty"`

	// Devices lists the broadcast fan-out targets for the relay.
	Devices []string `json:"devices,omitempty"`
}
