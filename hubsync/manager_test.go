// Copyright 2025 The gupshup Authors
// SPDX-License-Identifier: Apache-2.0

package hubsync

import (
	"context"
	"database/sql"
	"encoding/json"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/require"

	"github.com/skhacker105/gupshup/cipherdb"
	"github.com/skhacker105/gupshup/cryptobox"
	"github.com/skhacker105/gupshup/transport"
)

func testSchema() *cipherdb.Schema {
	return &cipherdb.Schema{
		Version: 1,
		Stores: map[string]cipherdb.StoreDef{
			"notes": {SecureIndex: []string{"title"}},
		},
	}
}

func openReplica(t *testing.T, dbID, deviceID string, engine *cryptobox.Engine) *cipherdb.Store {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	store, err := cipherdb.Open(db, &cipherdb.Config{
		DBID: dbID, DeviceID: deviceID, Schema: testSchema(), Crypto: engine,
	})
	require.NoError(t, err)
	return store
}

// twoDeviceSetup builds a creator (hub) replica and a joiner (spoke) replica
// sharing the database secrets.
func twoDeviceSetup(t *testing.T) (hub, spoke *cipherdb.Store) {
	t.Helper()
	bundle, err := cryptobox.GenerateSecrets(true)
	require.NoError(t, err)
	hubEngine, err := cryptobox.NewEngine("db1", "dev-hub", bundle)
	require.NoError(t, err)

	own, err := cryptobox.GenerateSecrets(false)
	require.NoError(t, err)
	spokeEngine, err := cryptobox.NewEngine("db1", "dev-spoke", &cryptobox.SecretBundle{
		DEKRaw:      bundle.DEKRaw,
		IndexKeyRaw: bundle.IndexKeyRaw,
		DevicePriv:  own.DevicePriv,
		DevicePub:   own.DevicePub,
		DSKPub:      bundle.DSKPub,
	})
	require.NoError(t, err)

	ctx := context.Background()
	hub = openReplica(t, "db1", "dev-hub", hubEngine)
	require.NoError(t, hub.EnsureSelfDevice(ctx, cipherdb.RoleCreator, nil))
	require.NoError(t, hub.AddOrUpdateDevice(ctx, cipherdb.Device{DeviceID: "dev-spoke", Role: cipherdb.RoleEditor}))

	spoke = openReplica(t, "db1", "dev-spoke", spokeEngine)
	return hub, spoke
}

func startManagers(t *testing.T, hub, spoke *cipherdb.Store) (*Manager, *Manager) {
	t.Helper()
	hubSide, spokeSide := transport.NewPipePair()

	hubMgr, err := NewManager(&Config{Store: hub, Transport: hubSide, IsHub: true})
	require.NoError(t, err)
	spokeMgr, err := NewManager(&Config{Store: spoke, Transport: spokeSide, HubDeviceID: "dev-hub"})
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, hubMgr.Start(ctx))
	require.NoError(t, spokeMgr.Start(ctx))
	return hubMgr, spokeMgr
}

func TestFullThenDeltaConvergence(t *testing.T) {
	ctx := context.Background()
	hub, spoke := twoDeviceSetup(t)

	_, err := hub.Put(ctx, "notes", map[string]any{"id": "n1", "title": "first"})
	require.NoError(t, err)
	_, err = hub.Put(ctx, "notes", map[string]any{"id": "n2", "title": "second"})
	require.NoError(t, err)

	hubMgr, spokeMgr := startManagers(t, hub, spoke)
	defer hubMgr.Stop()
	defer spokeMgr.Stop()

	// Full snapshot: data rows, membership and roles arrive on the spoke.
	require.Eventually(t, func() bool {
		if _, err := spoke.Get(ctx, "notes", "n1"); err != nil {
			return false
		}
		dev, err := spoke.GetDevice(ctx, "dev-spoke")
		return err == nil && dev.Role == cipherdb.RoleEditor
	}, 5*time.Second, 20*time.Millisecond)

	doc, err := spoke.Get(ctx, "notes", "n2")
	require.NoError(t, err)
	require.Equal(t, "second", doc["title"])

	// Hub-side change flows down as a delta.
	_, err = hub.Put(ctx, "notes", map[string]any{"id": "n3", "title": "third"})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		_, err := spoke.Get(ctx, "notes", "n3")
		return err == nil
	}, 5*time.Second, 20*time.Millisecond)
	require.Greater(t, spokeMgr.LastAppliedLamport(), int64(0))

	// Spoke-side change flows up.
	_, err = spoke.Put(ctx, "notes", map[string]any{"id": "s1", "title": "from spoke"})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		_, err := hub.Get(ctx, "notes", "s1")
		return err == nil
	}, 5*time.Second, 20*time.Millisecond)

	// The blind index was rebuilt on the spoke, so search works there.
	hits, err := spoke.Search(ctx, "notes", cipherdb.SearchQuery{Text: "third", Fields: []string{"title"}})
	require.NoError(t, err)
	require.Len(t, hits, 1)
}

func TestRestartResumesFromWatermark(t *testing.T) {
	ctx := context.Background()
	hub, spoke := twoDeviceSetup(t)

	_, err := hub.Put(ctx, "notes", map[string]any{"id": "n1", "title": "first"})
	require.NoError(t, err)

	hubMgr, spokeMgr := startManagers(t, hub, spoke)
	require.Eventually(t, func() bool {
		_, err := spoke.Get(ctx, "notes", "n1")
		return err == nil
	}, 5*time.Second, 20*time.Millisecond)

	// Drive the watermark past zero with a delta, then go offline.
	_, err = hub.Put(ctx, "notes", map[string]any{"id": "n2", "title": "second"})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return spokeMgr.LastAppliedLamport() > 0
	}, 5*time.Second, 20*time.Millisecond)
	hubMgr.Stop()
	spokeMgr.Stop()

	st, err := spoke.GetPeerSyncState(ctx, "hub")
	require.NoError(t, err)
	require.Greater(t, st.LastLamport, int64(0))

	// Offline hub-side write, then reconnect: the spoke resumes with a delta
	// and catches up without a new snapshot.
	_, err = hub.Put(ctx, "notes", map[string]any{"id": "n3", "title": "offline"})
	require.NoError(t, err)

	hubMgr2, spokeMgr2 := startManagers(t, hub, spoke)
	defer hubMgr2.Stop()
	defer spokeMgr2.Stop()

	require.Eventually(t, func() bool {
		_, err := spoke.Get(ctx, "notes", "n3")
		return err == nil
	}, 5*time.Second, 20*time.Millisecond)
}

func TestDropsForeignDatabaseFrames(t *testing.T) {
	ctx := context.Background()
	_, spoke := twoDeviceSetup(t)

	hubSide, spokeSide := transport.NewPipePair()
	require.NoError(t, hubSide.Connect(ctx))

	mgr, err := NewManager(&Config{Store: spoke, Transport: spokeSide, HubDeviceID: "dev-hub"})
	require.NoError(t, err)
	require.NoError(t, mgr.Start(ctx))
	defer mgr.Stop()

	frame, err := json.Marshal(&Message{
		Type: MsgSyncDataUpdate, DBID: "other-db", FromDeviceID: "dev-hub",
		Change: &cipherdb.Change{
			Seq: "5:dev-hub", Lamport: 5, DeviceID: "dev-hub",
			Type: cipherdb.ChangeDelete, Store: "notes", Key: "n1",
		},
	})
	require.NoError(t, err)
	require.NoError(t, hubSide.Send(frame))

	// The change never lands: no changelog entry, watermark untouched.
	time.Sleep(200 * time.Millisecond)
	changes, err := spoke.GetChangesSince(ctx, 0)
	require.NoError(t, err)
	require.Empty(t, changes)
	require.Zero(t, mgr.LastAppliedLamport())
}

func TestWatchdogClearsStalledCycle(t *testing.T) {
	ctx := context.Background()
	_, spoke := twoDeviceSetup(t)

	hubSide, spokeSide := transport.NewPipePair()
	require.NoError(t, hubSide.Connect(ctx))

	mgr, err := NewManager(&Config{
		Store: spoke, Transport: spokeSide, HubDeviceID: "dev-hub",
		WatchdogTimeout: 200 * time.Millisecond,
	})
	require.NoError(t, err)
	require.NoError(t, mgr.Start(ctx))
	defer mgr.Stop()

	// Open a cycle that never ends.
	frame, err := json.Marshal(&Message{Type: MsgSyncResponse, DBID: "db1", Mode: ModeDelta, FromDeviceID: "dev-hub"})
	require.NoError(t, err)
	require.NoError(t, hubSide.Send(frame))

	// While syncing, local changes are not forwarded. After the watchdog
	// fires the flag clears and forwarding resumes.
	time.Sleep(50 * time.Millisecond)
	_, err = spoke.Put(ctx, "notes", map[string]any{"id": "held", "title": "held"})
	require.NoError(t, err)

	sawUpdate := func() bool {
		for {
			select {
			case ev := <-hubSide.Events():
				if ev.Kind != transport.EventFrame {
					continue
				}
				var msg Message
				if json.Unmarshal(ev.Data, &msg) == nil && msg.Type == MsgSyncDataUpdate {
					return true
				}
			default:
				return false
			}
		}
	}
	require.Eventually(t, func() bool {
		// New local writes after the watchdog reset flow to the hub.
		_, err := spoke.Put(ctx, "notes", map[string]any{"title": "after reset"})
		require.NoError(t, err)
		return sawUpdate()
	}, 5*time.Second, 100*time.Millisecond)
}
