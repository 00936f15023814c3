// Package dbmanager owns a device's identity and its set of logical
// databases: it creates and joins databases, persists each one's secret
// bundle, keeps open replicas in a TTL cache and wires the sync manager to a
// transport. It is orchestration only; the heavy lifting lives in cryptobox,
// cipherdb and hubsync.
//
// Copyright 2025 The gupshup Authors
// SPDX-License-Identifier: Apache-2.0

package dbmanager

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/skhacker105/gupshup/cipherdb"
	"github.com/skhacker105/gupshup/cryptobox"
	"github.com/skhacker105/gupshup/hubsync"
	"github.com/skhacker105/gupshup/internal/ttlcache"
	"github.com/skhacker105/gupshup/transport"
)

// Config configures a Manager.
type Config struct {
	// DataDir holds the keystore and one SQLite file per database.
	DataDir string

	// DeviceID is this device's stable identity. Generated and persisted by
	// the caller; every database this manager touches uses it.
	DeviceID string

	Logger *slog.Logger

	// HandleTTL bounds how long an idle replica stays open. Zero means one
	// hour.
	HandleTTL time.Duration
}

// Database is one open replica plus its crypto engine and, when started, its
// sync manager.
type Database struct {
	Store  *cipherdb.Store
	Engine *cryptobox.Engine

	db   *sql.DB
	sync *hubsync.Manager
	mu   sync.Mutex
}

// Sync returns the running sync manager, or nil before StartSync.
func (d *Database) Sync() *hubsync.Manager {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.sync
}

func (d *Database) close() {
	d.mu.Lock()
	mgr := d.sync
	d.sync = nil
	d.mu.Unlock()
	if mgr != nil {
		mgr.Stop()
	}
	d.db.Close()
}

// Manager wires devices, databases and secrets together.
type Manager struct {
	cfg      Config
	logger   *slog.Logger
	keystore *FileKeystore
	handles  *ttlcache.Cache[string, *Database]

	mu sync.Mutex // serializes open/create/join per manager
}

// NewManager prepares the data directory and keystore.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.DeviceID == "" {
		return nil, fmt.Errorf("dbmanager: device id is required")
	}
	if cfg.DataDir == "" {
		return nil, fmt.Errorf("dbmanager: data dir is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ttl := cfg.HandleTTL
	if ttl <= 0 {
		ttl = time.Hour
	}
	ks, err := NewFileKeystore(filepath.Join(cfg.DataDir, "keystore"))
	if err != nil {
		return nil, err
	}
	m := &Manager{cfg: cfg, logger: logger, keystore: ks}
	m.handles = ttlcache.New[string, *Database](ttl, ttl/4, func(dbID string, d *Database) {
		logger.Info("closing idle database", "db", dbID)
		d.close()
	})
	return m, nil
}

// DeviceID returns this device's identity.
func (m *Manager) DeviceID() string { return m.cfg.DeviceID }

// ListDatabases returns the known database ids.
func (m *Manager) ListDatabases() ([]string, error) { return m.keystore.List() }

// Close releases every open replica.
func (m *Manager) Close() { m.handles.Close() }

// CreateDatabase provisions a brand-new database: fresh secrets including the
// database signing key, a local replica and the creator membership row. The
// record lands in the keystore before the function returns.
func (m *Manager) CreateDatabase(ctx context.Context, schema *cipherdb.Schema) (*Database, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	dbID := uuid.NewString()
	secrets, err := cryptobox.GenerateSecrets(true)
	if err != nil {
		return nil, "", err
	}
	rec := &DatabaseRecord{
		DBID:            dbID,
		CreatorDeviceID: m.cfg.DeviceID,
		Schema:          schema,
		Secrets:         secrets,
	}
	d, err := m.openRecord(rec)
	if err != nil {
		return nil, "", err
	}

	grant, err := d.Engine.IssueRoleGrant(m.cfg.DeviceID, cipherdb.RoleCreator, d.Engine.DevicePub())
	if err != nil {
		d.close()
		return nil, "", err
	}
	if err := d.Store.EnsureSelfDevice(ctx, cipherdb.RoleCreator, grant); err != nil {
		d.close()
		return nil, "", err
	}
	if err := m.keystore.Save(rec); err != nil {
		d.close()
		return nil, "", err
	}

	m.handles.Set(dbID, d)
	m.logger.Info("database created", "db", dbID, "device", m.cfg.DeviceID)
	return d, dbID, nil
}

// GenerateConnectionBundle invites a device: it issues a DSK-signed grant for
// the given role, records the device row and returns the encoded bundle for
// out-of-band transfer. Creator only; the DSK private key never leaves this
// device.
func (m *Manager) GenerateConnectionBundle(ctx context.Context, dbID, deviceID, role string, devicePub []byte) (string, error) {
	d, err := m.Open(ctx, dbID)
	if err != nil {
		return "", err
	}
	if !d.Engine.HasDSK() {
		return "", fmt.Errorf("%w: only the creator can invite devices", cryptobox.ErrCrypto)
	}

	grant, err := d.Engine.IssueRoleGrant(deviceID, role, devicePub)
	if err != nil {
		return "", err
	}
	if err := d.Store.AddOrUpdateDevice(ctx, cipherdb.Device{
		DeviceID: deviceID,
		Role:     role,
		Grant:    grant,
	}); err != nil {
		return "", err
	}

	rec, err := m.keystore.Load(dbID)
	if err != nil {
		return "", err
	}
	schemaRaw, err := json.Marshal(rec.Schema)
	if err != nil {
		return "", fmt.Errorf("encode schema: %w", err)
	}
	bundle := &cryptobox.ConnectionBundle{
		DBID:            dbID,
		CreatorDeviceID: rec.CreatorDeviceID,
		Schema:          schemaRaw,
		Secrets: cryptobox.BundleSecrets{
			DEKRaw:      rec.Secrets.DEKRaw,
			IndexKeyRaw: rec.Secrets.IndexKeyRaw,
			DSKPub:      rec.Secrets.DSKPub,
		},
		Grant: grant,
	}
	return bundle.Encode()
}

// JoinFromBundle opens a replica of a remote database from a connection
// string. devicePriv/devicePub may be nil when the grant was not bound to a
// pre-shared key. The first sync populates the data.
func (m *Manager) JoinFromBundle(ctx context.Context, encoded string, devicePriv, devicePub []byte) (*Database, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	bundle, err := cryptobox.ParseConnectionBundle(encoded)
	if err != nil {
		return nil, "", err
	}
	secrets, err := bundle.JoinSecrets(devicePriv, devicePub)
	if err != nil {
		return nil, "", err
	}

	var schema *cipherdb.Schema
	if len(bundle.Schema) > 0 {
		schema = &cipherdb.Schema{}
		if err := json.Unmarshal(bundle.Schema, schema); err != nil {
			return nil, "", fmt.Errorf("decode bundle schema: %w", err)
		}
	}

	rec := &DatabaseRecord{
		DBID:            bundle.DBID,
		CreatorDeviceID: bundle.CreatorDeviceID,
		Schema:          schema,
		Secrets:         secrets,
	}
	d, err := m.openRecord(rec)
	if err != nil {
		return nil, "", err
	}

	// Verify the invite before trusting it, when the DSK public key came
	// along.
	if d.Engine.DSKPub() != nil {
		if err := d.Engine.VerifyRoleGrant(bundle.Grant); err != nil {
			d.close()
			return nil, "", err
		}
	}
	if err := d.Store.EnsureSelfDevice(ctx, bundle.Grant.Role, bundle.Grant); err != nil {
		d.close()
		return nil, "", err
	}
	if err := m.keystore.Save(rec); err != nil {
		d.close()
		return nil, "", err
	}

	m.handles.Set(bundle.DBID, d)
	m.logger.Info("joined database", "db", bundle.DBID, "role", bundle.Grant.Role, "creator", bundle.CreatorDeviceID)
	return d, bundle.DBID, nil
}

// AddDevice records or updates a device membership row on a database this
// manager can open. Inviting a new device normally goes through
// GenerateConnectionBundle; this is the low-level row update (e.g. a role
// change issued by the creator).
func (m *Manager) AddDevice(ctx context.Context, dbID string, d cipherdb.Device) error {
	db, err := m.Open(ctx, dbID)
	if err != nil {
		return err
	}
	return db.Store.AddOrUpdateDevice(ctx, d)
}

// Open returns the replica for a known database, reopening it from the
// keystore when it is not cached.
func (m *Manager) Open(ctx context.Context, dbID string) (*Database, error) {
	if d, ok := m.handles.Get(dbID); ok {
		return d, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if d, ok := m.handles.Get(dbID); ok {
		return d, nil
	}

	rec, err := m.keystore.Load(dbID)
	if err != nil {
		return nil, err
	}
	d, err := m.openRecord(rec)
	if err != nil {
		return nil, err
	}
	m.handles.Set(dbID, d)
	return d, nil
}

// StartSync attaches a transport and starts replication for one database.
// The creator device runs as the hub; everyone else as a spoke against the
// recorded creator.
func (m *Manager) StartSync(ctx context.Context, dbID string, tr transport.Transport) error {
	d, err := m.Open(ctx, dbID)
	if err != nil {
		return err
	}
	rec, err := m.keystore.Load(dbID)
	if err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.sync != nil {
		return nil
	}
	mgr, err := hubsync.NewManager(&hubsync.Config{
		Store:       d.Store,
		Transport:   tr,
		IsHub:       d.Engine.HasDSK(),
		HubDeviceID: rec.CreatorDeviceID,
		Logger:      m.logger,
	})
	if err != nil {
		return err
	}
	if err := mgr.Start(ctx); err != nil {
		return err
	}
	d.sync = mgr
	return nil
}

// StopSync halts replication for one database, keeping the replica open.
func (m *Manager) StopSync(dbID string) {
	d, ok := m.handles.Get(dbID)
	if !ok {
		return
	}
	d.mu.Lock()
	mgr := d.sync
	d.sync = nil
	d.mu.Unlock()
	if mgr != nil {
		mgr.Stop()
	}
}

func (m *Manager) openRecord(rec *DatabaseRecord) (*Database, error) {
	engine, err := cryptobox.NewEngine(rec.DBID, m.cfg.DeviceID, rec.Secrets)
	if err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite3", filepath.Join(m.cfg.DataDir, rec.DBID+".db"))
	if err != nil {
		return nil, fmt.Errorf("open database file: %w", err)
	}
	store, err := cipherdb.Open(db, &cipherdb.Config{
		DBID:     rec.DBID,
		DeviceID: m.cfg.DeviceID,
		Schema:   rec.Schema,
		Crypto:   engine,
		Logger:   m.logger,
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &Database{Store: store, Engine: engine, db: db}, nil
}
