// Copyright 2025 The gupshup Authors
// SPDX-License-Identifier: Apache-2.0

package dbmanager

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/skhacker105/gupshup/cipherdb"
	"github.com/skhacker105/gupshup/cryptobox"
	"github.com/skhacker105/gupshup/transport"
)

func testSchema() *cipherdb.Schema {
	return &cipherdb.Schema{
		Version: 1,
		Stores: map[string]cipherdb.StoreDef{
			"contacts": {SecureIndex: []string{"name"}},
		},
	}
}

func TestKeystoreRoundTrip(t *testing.T) {
	ks, err := NewFileKeystore(t.TempDir())
	require.NoError(t, err)

	secrets, err := cryptobox.GenerateSecrets(true)
	require.NoError(t, err)
	rec := &DatabaseRecord{
		DBID:            "db-1",
		CreatorDeviceID: "dev-a",
		Schema:          testSchema(),
		Secrets:         secrets,
	}
	require.NoError(t, ks.Save(rec))

	loaded, err := ks.Load("db-1")
	require.NoError(t, err)
	require.Equal(t, rec.DBID, loaded.DBID)
	require.Equal(t, rec.CreatorDeviceID, loaded.CreatorDeviceID)
	require.Equal(t, rec.Secrets.DEKRaw, loaded.Secrets.DEKRaw)
	require.Contains(t, loaded.Schema.Stores, "contacts")

	ids, err := ks.List()
	require.NoError(t, err)
	require.Equal(t, []string{"db-1"}, ids)

	_, err = ks.Load("db-2")
	require.ErrorIs(t, err, ErrUnknownDatabase)
	require.NoError(t, ks.Delete("db-1"))
	require.NoError(t, ks.Delete("db-1"))
}

func TestCreateReopenDatabase(t *testing.T) {
	ctx := context.Background()
	mgr, err := NewManager(Config{DataDir: t.TempDir(), DeviceID: "dev-a"})
	require.NoError(t, err)
	defer mgr.Close()

	d, dbID, err := mgr.CreateDatabase(ctx, testSchema())
	require.NoError(t, err)
	require.True(t, d.Engine.HasDSK())

	id, err := d.Store.Put(ctx, "contacts", map[string]any{"name": "Ada"})
	require.NoError(t, err)

	role, err := d.Store.CurrentRole(ctx)
	require.NoError(t, err)
	require.Equal(t, cipherdb.RoleCreator, role)

	// Reopen from the keystore after dropping the handle.
	mgr.handles.Delete(dbID)
	reopened, err := mgr.Open(ctx, dbID)
	require.NoError(t, err)
	doc, err := reopened.Store.Get(ctx, "contacts", id)
	require.NoError(t, err)
	require.Equal(t, "Ada", doc["name"])
}

func TestInviteJoinAndSync(t *testing.T) {
	ctx := context.Background()
	creatorMgr, err := NewManager(Config{DataDir: t.TempDir(), DeviceID: "dev-a"})
	require.NoError(t, err)
	defer creatorMgr.Close()
	joinerMgr, err := NewManager(Config{DataDir: t.TempDir(), DeviceID: "dev-b"})
	require.NoError(t, err)
	defer joinerMgr.Close()

	hubDB, dbID, err := creatorMgr.CreateDatabase(ctx, testSchema())
	require.NoError(t, err)
	_, err = hubDB.Store.Put(ctx, "contacts", map[string]any{"id": "c1", "name": "Ada Lovelace"})
	require.NoError(t, err)

	// The joiner pre-shares its public key so the grant binds to it.
	joinerKeys, err := cryptobox.GenerateSecrets(false)
	require.NoError(t, err)

	encoded, err := creatorMgr.GenerateConnectionBundle(ctx, dbID, "dev-b", cipherdb.RoleEditor, joinerKeys.DevicePub)
	require.NoError(t, err)

	spokeDB, joinedID, err := joinerMgr.JoinFromBundle(ctx, encoded, joinerKeys.DevicePriv, joinerKeys.DevicePub)
	require.NoError(t, err)
	require.Equal(t, dbID, joinedID)
	require.False(t, spokeDB.Engine.HasDSK())

	role, err := spokeDB.Store.CurrentRole(ctx)
	require.NoError(t, err)
	require.Equal(t, cipherdb.RoleEditor, role)

	// Replicate over an in-process pair: creator is the hub.
	hubSide, spokeSide := transport.NewPipePair()
	require.NoError(t, creatorMgr.StartSync(ctx, dbID, hubSide))
	require.NoError(t, joinerMgr.StartSync(ctx, dbID, spokeSide))
	defer creatorMgr.StopSync(dbID)
	defer joinerMgr.StopSync(dbID)

	require.Eventually(t, func() bool {
		doc, err := spokeDB.Store.Get(ctx, "contacts", "c1")
		return err == nil && doc["name"] == "Ada Lovelace"
	}, 5*time.Second, 20*time.Millisecond)

	// And back up from the spoke.
	_, err = spokeDB.Store.Put(ctx, "contacts", map[string]any{"id": "c2", "name": "Grace Hopper"})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		_, err := hubDB.Store.Get(ctx, "contacts", "c2")
		return err == nil
	}, 5*time.Second, 20*time.Millisecond)
}
