// Copyright 2025 The gupshup Authors
// SPDX-License-Identifier: Apache-2.0

package cipherdb

import (
	"context"
	"database/sql"
	"encoding/json"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/require"

	"github.com/skhacker105/gupshup/cryptobox"
)

func testSchema() *Schema {
	return &Schema{
		Version: 1,
		Stores: map[string]StoreDef{
			"notes": {
				SecureIndex: []string{"title", "body"},
				Indexes:     []Index{{Name: "updated", KeyPath: "updated_at"}},
			},
			"settings": {},
		},
	}
}

// openTestStore builds a creator replica on an in-memory database and returns
// the secret bundle so further devices can share the database keys.
func openTestStore(t *testing.T, dbID, deviceID string) (*Store, *cryptobox.SecretBundle) {
	t.Helper()
	bundle, err := cryptobox.GenerateSecrets(true)
	require.NoError(t, err)
	engine, err := cryptobox.NewEngine(dbID, deviceID, bundle)
	require.NoError(t, err)
	return openTestStoreWithEngine(t, dbID, deviceID, engine), bundle
}

func openTestStoreWithEngine(t *testing.T, dbID, deviceID string, engine *cryptobox.Engine) *Store {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	store, err := Open(db, &Config{
		DBID:     dbID,
		DeviceID: deviceID,
		Schema:   testSchema(),
		Crypto:   engine,
	})
	require.NoError(t, err)
	require.NoError(t, store.EnsureSelfDevice(context.Background(), RoleCreator, nil))
	return store
}

func TestPutGetRoundTrip(t *testing.T) {
	ctx := context.Background()
	store, _ := openTestStore(t, "db1", "dev-a")

	id, err := store.Put(ctx, "notes", map[string]any{
		"title": "Grocery list",
		"body":  "milk and apples",
		"count": float64(3),
	})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	doc, err := store.Get(ctx, "notes", id)
	require.NoError(t, err)
	require.Equal(t, "Grocery list", doc["title"])
	require.Equal(t, "milk and apples", doc["body"])
	require.Equal(t, float64(3), doc["count"])
	require.Equal(t, "dev-a", doc[FieldUpdatedBy])
	require.Equal(t, id, doc["id"])
}

func TestGetMissingRecord(t *testing.T) {
	store, _ := openTestStore(t, "db1", "dev-a")
	_, err := store.Get(context.Background(), "notes", "nope")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestCiphertextOnlyAtRest(t *testing.T) {
	ctx := context.Background()
	store, _ := openTestStore(t, "db1", "dev-a")

	id, err := store.Put(ctx, "notes", map[string]any{"title": "topsecret"})
	require.NoError(t, err)

	var iv, ct []byte
	require.NoError(t, store.db.QueryRow(`SELECT enc_iv, enc_ct FROM "notes" WHERE id = ?`, id).Scan(&iv, &ct))
	require.NotContains(t, string(ct), "topsecret")

	// Token rows carry keyed hashes, never the plaintext.
	rows, err := store.db.Query(`SELECT token FROM "notes__sidx" WHERE id = ?`, id)
	require.NoError(t, err)
	defer rows.Close()
	count := 0
	for rows.Next() {
		var tok string
		require.NoError(t, rows.Scan(&tok))
		require.NotContains(t, tok, "topsecret")
		count++
	}
	require.NoError(t, rows.Err())
	require.Greater(t, count, 0)
}

func TestLamportMonotonicity(t *testing.T) {
	ctx := context.Background()
	store, _ := openTestStore(t, "db1", "dev-a")

	before, err := store.Lamport(ctx)
	require.NoError(t, err)

	var last int64 = before
	for i := 0; i < 5; i++ {
		_, err := store.Put(ctx, "notes", map[string]any{"title": "n"})
		require.NoError(t, err)
		now, err := store.Lamport(ctx)
		require.NoError(t, err)
		require.Greater(t, now, last)
		last = now
	}

	// Ingesting a change stamped far ahead jumps the local counter past it.
	err = store.ApplyRemoteChange(ctx, Change{
		Seq:      SeqOf(100, "dev-b"),
		Lamport:  100,
		DeviceID: "dev-b",
		Type:     ChangeDelete,
		Store:    "notes",
		Key:      "ghost",
	})
	require.NoError(t, err)
	now, err := store.Lamport(ctx)
	require.NoError(t, err)
	require.Greater(t, now, int64(100))
}

func TestChangelogOrderAndWatermark(t *testing.T) {
	ctx := context.Background()
	store, _ := openTestStore(t, "db1", "dev-a")

	for i := 0; i < 3; i++ {
		_, err := store.Put(ctx, "notes", map[string]any{"title": "x"})
		require.NoError(t, err)
	}

	changes, err := store.GetChangesSince(ctx, 0)
	require.NoError(t, err)
	require.NotEmpty(t, changes)
	for i := 1; i < len(changes); i++ {
		require.Greater(t, changes[i].Lamport, changes[i-1].Lamport)
	}

	mid := changes[len(changes)-2].Lamport
	tail, err := store.GetChangesSince(ctx, mid)
	require.NoError(t, err)
	require.Len(t, tail, 1)
	require.Greater(t, tail[0].Lamport, mid)

	st, err := store.GetPeerSyncState(ctx, "hub")
	require.NoError(t, err)
	require.Zero(t, st.LastLamport)
	require.NoError(t, store.SetPeerSyncState(ctx, "hub", mid))
	st, err = store.GetPeerSyncState(ctx, "hub")
	require.NoError(t, err)
	require.Equal(t, mid, st.LastLamport)
}

func TestIdempotentReplication(t *testing.T) {
	ctx := context.Background()
	src, bundle := openTestStore(t, "db1", "dev-a")
	dst := openTestStoreWithEngine(t, "db1", "dev-b", mustJoinEngine(t, "db1", "dev-b", bundle))

	id, err := src.Put(ctx, "notes", map[string]any{"title": "shared note", "body": "hello"})
	require.NoError(t, err)

	changes, err := src.GetChangesSince(ctx, 0)
	require.NoError(t, err)

	// Applying the same batch twice converges to the same state.
	for round := 0; round < 2; round++ {
		for _, c := range changes {
			require.NoError(t, dst.ApplyRemoteChange(ctx, c))
		}
	}

	doc, err := dst.Get(ctx, "notes", id)
	require.NoError(t, err)
	require.Equal(t, "shared note", doc["title"])

	all, err := dst.GetAll(ctx, "notes")
	require.NoError(t, err)
	require.Len(t, all, 1)

	// The replica serves the change onward under its original seq.
	replicated, err := dst.GetChangesSince(ctx, 0)
	require.NoError(t, err)
	var seqs []string
	for _, c := range replicated {
		seqs = append(seqs, c.Seq)
	}
	require.Contains(t, seqs, changes[len(changes)-1].Seq)
}

// mustJoinEngine builds a second device's engine sharing the database secrets
// but without the DSK private key, like a joiner from a connection bundle.
func mustJoinEngine(t *testing.T, dbID, deviceID string, creator *cryptobox.SecretBundle) *cryptobox.Engine {
	t.Helper()
	own, err := cryptobox.GenerateSecrets(false)
	require.NoError(t, err)
	engine, err := cryptobox.NewEngine(dbID, deviceID, &cryptobox.SecretBundle{
		DEKRaw:      creator.DEKRaw,
		IndexKeyRaw: creator.IndexKeyRaw,
		DevicePriv:  own.DevicePriv,
		DevicePub:   own.DevicePub,
		DSKPub:      creator.DSKPub,
	})
	require.NoError(t, err)
	return engine
}

func TestPermissionGating(t *testing.T) {
	ctx := context.Background()
	creator, _ := openTestStore(t, "db1", "dev-a")

	require.NoError(t, creator.AddOrUpdateDevice(ctx, Device{DeviceID: "dev-v", Role: RoleViewer}))
	require.NoError(t, creator.AddOrUpdateDevice(ctx, Device{DeviceID: "dev-e", Role: RoleEditor}))

	viewer, err := Open(creator.db, &Config{
		DBID: "db1", DeviceID: "dev-v", Schema: testSchema(), Crypto: creator.crypto,
	})
	require.NoError(t, err)
	editor, err := Open(creator.db, &Config{
		DBID: "db1", DeviceID: "dev-e", Schema: testSchema(), Crypto: creator.crypto,
	})
	require.NoError(t, err)

	id, err := creator.Put(ctx, "notes", map[string]any{"title": "n"})
	require.NoError(t, err)

	// Viewer reads but cannot write or delete.
	_, err = viewer.Get(ctx, "notes", id)
	require.NoError(t, err)
	_, err = viewer.Put(ctx, "notes", map[string]any{"title": "x"})
	require.ErrorIs(t, err, ErrPermissionDenied)
	require.ErrorIs(t, viewer.Delete(ctx, "notes", id), ErrPermissionDenied)

	// Editor writes but cannot delete or manage devices.
	_, err = editor.Put(ctx, "notes", map[string]any{"title": "y"})
	require.NoError(t, err)
	require.ErrorIs(t, editor.Delete(ctx, "notes", id), ErrPermissionDenied)
	require.ErrorIs(t, editor.AddOrUpdateDevice(ctx, Device{DeviceID: "dev-z", Role: RoleViewer}), ErrPermissionDenied)
}

func TestSearchConjunction(t *testing.T) {
	ctx := context.Background()
	store, _ := openTestStore(t, "db1", "dev-a")

	_, err := store.Put(ctx, "notes", map[string]any{"id": "n1", "title": "alpha beta", "body": ""})
	require.NoError(t, err)
	_, err = store.Put(ctx, "notes", map[string]any{"id": "n2", "title": "alpha gamma", "body": ""})
	require.NoError(t, err)

	// ALL over the title field: "alpha" hits both, "beta" only n1.
	both, err := store.Search(ctx, "notes", SearchQuery{Text: "alpha", Fields: []string{"title"}, MinMatch: MatchAll})
	require.NoError(t, err)
	require.Len(t, both, 2)

	only, err := store.Search(ctx, "notes", SearchQuery{Text: "beta", Fields: []string{"title"}, MinMatch: MatchAll})
	require.NoError(t, err)
	require.Len(t, only, 1)
	require.Equal(t, "n1", only[0]["id"])

	// ANY is satisfied by a single token hit.
	anyHits, err := store.Search(ctx, "notes", SearchQuery{Text: "beta gamma", Fields: []string{"title"}, MinMatch: MatchAny})
	require.NoError(t, err)
	require.Len(t, anyHits, 2)

	// ALL across the full query text is stricter.
	none, err := store.Search(ctx, "notes", SearchQuery{Text: "beta gamma", Fields: []string{"title"}, MinMatch: MatchAll})
	require.NoError(t, err)
	require.Empty(t, none)
}

func TestSearchRequiresSecureIndex(t *testing.T) {
	store, _ := openTestStore(t, "db1", "dev-a")
	_, err := store.Search(context.Background(), "settings", SearchQuery{Text: "abc"})
	require.ErrorIs(t, err, ErrConfig)
}

func TestBuiltinRolesImmutable(t *testing.T) {
	ctx := context.Background()
	store, _ := openTestStore(t, "db1", "dev-a")

	for _, role := range []string{RoleCreator, RoleAdmin, RoleEditor, RoleViewer, RoleSyncAgent} {
		require.ErrorIs(t, store.RemoveCustomRole(ctx, role), ErrPermissionDenied)
		require.ErrorIs(t, store.AddCustomRole(ctx, role, PermRead), ErrPermissionDenied)
	}

	require.NoError(t, store.AddCustomRole(ctx, "auditor", PermRead))
	perms, err := store.RolePermissions(ctx, "auditor")
	require.NoError(t, err)
	require.True(t, perms.Has(PermRead))
	require.False(t, perms.Has(PermWrite))
	require.NoError(t, store.RemoveCustomRole(ctx, "auditor"))
	require.ErrorIs(t, store.RemoveCustomRole(ctx, "auditor"), ErrNotFound)
}

func TestPolicyRedaction(t *testing.T) {
	ctx := context.Background()
	creator, _ := openTestStore(t, "db1", "dev-a")

	require.NoError(t, creator.SetPolicy(ctx, "notes", &Policy{
		Fields: map[string]FieldRule{
			"salary": {Read: []string{RoleCreator, RoleAdmin}},
		},
	}))
	require.NoError(t, creator.AddOrUpdateDevice(ctx, Device{DeviceID: "dev-v", Role: RoleViewer}))

	id, err := creator.Put(ctx, "notes", map[string]any{"title": "hr", "salary": float64(90000)})
	require.NoError(t, err)

	// Creator sees the field.
	doc, err := creator.Get(ctx, "notes", id)
	require.NoError(t, err)
	require.Equal(t, float64(90000), doc["salary"])

	viewer, err := Open(creator.db, &Config{
		DBID: "db1", DeviceID: "dev-v", Schema: testSchema(), Crypto: creator.crypto,
	})
	require.NoError(t, err)
	doc, err = viewer.Get(ctx, "notes", id)
	require.NoError(t, err)
	require.NotContains(t, doc, "salary")
	require.Equal(t, "hr", doc["title"])
}

func TestSetPolicyCreatorOnly(t *testing.T) {
	ctx := context.Background()
	creator, _ := openTestStore(t, "db1", "dev-a")
	require.NoError(t, creator.AddOrUpdateDevice(ctx, Device{DeviceID: "dev-m", Role: RoleAdmin}))

	admin, err := Open(creator.db, &Config{
		DBID: "db1", DeviceID: "dev-m", Schema: testSchema(), Crypto: creator.crypto,
	})
	require.NoError(t, err)
	require.ErrorIs(t, admin.SetPolicy(ctx, "notes", &Policy{}), ErrPermissionDenied)
	require.ErrorIs(t, admin.AddCustomRole(ctx, "auditor", PermRead), ErrPermissionDenied)
}

func TestSnapshotRoundTrip(t *testing.T) {
	ctx := context.Background()
	src, bundle := openTestStore(t, "db1", "dev-a")
	dst := openTestStoreWithEngine(t, "db1", "dev-b", mustJoinEngine(t, "db1", "dev-b", bundle))

	_, err := src.Put(ctx, "notes", map[string]any{"id": "n1", "title": "alpha"})
	require.NoError(t, err)
	_, err = src.Put(ctx, "settings", map[string]any{"id": "theme", "value": "dark"})
	require.NoError(t, err)
	require.NoError(t, src.AddOrUpdateDevice(ctx, Device{DeviceID: "dev-b", Role: RoleEditor}))

	snap, err := src.ExportCipherSnapshot(ctx)
	require.NoError(t, err)
	require.Len(t, snap.Stores["notes"], 1)
	require.NoError(t, dst.ImportCipherSnapshot(ctx, snap))

	doc, err := dst.Get(ctx, "notes", "n1")
	require.NoError(t, err)
	require.Equal(t, "alpha", doc["title"])

	// Blind index rebuilt locally from the imported ciphertext.
	hits, err := dst.Search(ctx, "notes", SearchQuery{Text: "alpha", Fields: []string{"title"}})
	require.NoError(t, err)
	require.Len(t, hits, 1)

	dev, err := dst.GetDevice(ctx, "dev-b")
	require.NoError(t, err)
	require.Equal(t, RoleEditor, dev.Role)

	// Replication state never travels in a snapshot: none of the source's
	// record upserts appear in the receiver's changelog.
	changes, err := dst.GetChangesSince(ctx, 0)
	require.NoError(t, err)
	for _, c := range changes {
		require.NotEqual(t, ChangeUpsert, c.Type)
	}
}

func TestGrantVerificationOnIngestion(t *testing.T) {
	ctx := context.Background()
	creator, bundle := openTestStore(t, "db1", "dev-a")

	// A replica that knows the DSK public key rejects forged grants.
	replica := openTestStoreWithEngine(t, "db1", "dev-b", mustJoinEngine(t, "db1", "dev-b", bundle))

	grant, err := creator.Crypto().IssueRoleGrant("dev-c", RoleEditor, []byte("dev-c-pub"))
	require.NoError(t, err)

	good := Device{DeviceID: "dev-c", Role: RoleEditor, AddedBy: "dev-a", Grant: grant}
	raw := mustJSON(t, good)
	require.NoError(t, replica.ApplyRemoteChange(ctx, Change{
		Seq: SeqOf(1, "dev-a"), Lamport: 1, DeviceID: "dev-a",
		Type: ChangeDeviceUpsert, Store: "_devices", Key: "dev-c", Value: raw,
	}))

	// Same grant, escalated role: the signature no longer covers the row.
	bad := Device{DeviceID: "dev-c", Role: RoleAdmin, AddedBy: "dev-a", Grant: grant}
	err = replica.ApplyRemoteChange(ctx, Change{
		Seq: SeqOf(2, "dev-a"), Lamport: 2, DeviceID: "dev-a",
		Type: ChangeDeviceUpsert, Store: "_devices", Key: "dev-c", Value: mustJSON(t, bad),
	})
	require.Error(t, err)

	dev, err := replica.GetDevice(ctx, "dev-c")
	require.NoError(t, err)
	require.Equal(t, RoleEditor, dev.Role)
}

func TestSubscribeDeliversLocalChanges(t *testing.T) {
	ctx := context.Background()
	store, _ := openTestStore(t, "db1", "dev-a")

	ch, cancel := store.Subscribe()
	defer cancel()

	id, err := store.Put(ctx, "notes", map[string]any{"title": "watched"})
	require.NoError(t, err)

	change := <-ch
	require.Equal(t, ChangeUpsert, change.Type)
	require.Equal(t, "notes", change.Store)
	require.Equal(t, id, change.Key)
	require.True(t, change.Enc)

	require.NoError(t, store.Delete(ctx, "notes", id))
	change = <-ch
	require.Equal(t, ChangeDelete, change.Type)

	// Remote applies are not echoed to subscribers.
	require.NoError(t, store.ApplyRemoteChange(ctx, Change{
		Seq: SeqOf(999, "dev-b"), Lamport: 999, DeviceID: "dev-b",
		Type: ChangeDelete, Store: "notes", Key: "other",
	}))
	select {
	case c := <-ch:
		t.Fatalf("unexpected notification for remote change: %+v", c)
	default:
	}
}

func TestSubscribeCancelDuringNotify(t *testing.T) {
	ctx := context.Background()
	store, _ := openTestStore(t, "db1", "dev-a")

	// Cancel racing an in-flight delivery must never panic: the subscriber
	// channel stays open, cancel only signals done.
	for i := 0; i < 100; i++ {
		_, cancel := store.Subscribe()
		done := make(chan error, 1)
		go func() {
			_, err := store.Put(ctx, "notes", map[string]any{"title": "racing"})
			done <- err
		}()
		cancel()
		require.NoError(t, <-done)
	}
}

func TestSlowSubscriberDoesNotBlockRemoteApply(t *testing.T) {
	ctx := context.Background()
	store, _ := openTestStore(t, "db1", "dev-a")

	// Never drained; fill its buffer so the next delivery blocks.
	_, cancel := store.Subscribe()
	for i := 0; i < 256; i++ {
		_, err := store.Put(ctx, "notes", map[string]any{"title": "fill"})
		require.NoError(t, err)
	}

	putDone := make(chan error, 1)
	go func() {
		_, err := store.Put(ctx, "notes", map[string]any{"title": "overflow"})
		putDone <- err
	}()

	// The blocked delivery happens after commit, outside the writer mutex, so
	// remote changes still apply.
	applied := make(chan error, 1)
	go func() {
		applied <- store.ApplyRemoteChange(ctx, Change{
			Seq: SeqOf(500, "dev-b"), Lamport: 500, DeviceID: "dev-b",
			Type: ChangeDelete, Store: "notes", Key: "remote",
		})
	}()
	select {
	case err := <-applied:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("remote apply blocked behind a slow subscriber")
	}

	// Cancelling the stuck subscriber releases the pending delivery.
	cancel()
	select {
	case err := <-putDone:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("put still blocked after subscriber cancel")
	}
}

func TestEnsureSchemaStaleVersionIgnored(t *testing.T) {
	ctx := context.Background()
	store, _ := openTestStore(t, "db1", "dev-a")

	// Same version but naming a store whose tables were never created here;
	// adopting it would aim writes at missing tables.
	stale := testSchema()
	stale.Stores["phantom"] = StoreDef{}
	require.NoError(t, store.EnsureSchema(stale))

	require.NotContains(t, store.Schema().Stores, "phantom")
	_, err := store.Put(ctx, "phantom", map[string]any{"title": "x"})
	require.ErrorIs(t, err, ErrConfig)

	_, err = store.Put(ctx, "notes", map[string]any{"title": "still here"})
	require.NoError(t, err)
}

func TestEnsureSchemaAdditive(t *testing.T) {
	ctx := context.Background()
	store, _ := openTestStore(t, "db1", "dev-a")

	v2 := testSchema()
	v2.Version = 2
	v2.Stores["tags"] = StoreDef{SecureIndex: []string{"name"}}
	require.NoError(t, store.EnsureSchema(v2))

	_, err := store.Put(ctx, "tags", map[string]any{"id": "t1", "name": "urgent"})
	require.NoError(t, err)

	// Re-applying the same version is a no-op.
	require.NoError(t, store.EnsureSchema(v2))
	doc, err := store.Get(ctx, "tags", "t1")
	require.NoError(t, err)
	require.Equal(t, "urgent", doc["name"])
}

func mustJSON(t *testing.T, v any) []byte {
	t.Helper()
	raw, err := json.Marshal(v)
	require.NoError(t, err)
	return raw
}
