// Package cipherdb implements the encrypted keyed document store backing one
// device's replica of a logical database. Records are persisted as AEAD
// ciphertext plus blind-index tokens; every mutation is gated by the caller
// device's role, stamped with a Lamport counter and appended to a local
// changelog that feeds replication.
//
// Copyright 2025 The gupshup Authors
// SPDX-License-Identifier: Apache-2.0

package cipherdb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/skhacker105/gupshup/cryptobox"
	"github.com/skhacker105/gupshup/internal/ttlcache"
)

// Config holds configuration for opening a store.
type Config struct {
	DBID     string
	DeviceID string
	Schema   *Schema
	Crypto   *cryptobox.Engine
	Logger   *slog.Logger

	// RolePermissions seeds the role table on first open. Defaults to
	// DefaultRolePermissions.
	RolePermissions map[string]Permission

	// RoleCacheTTL bounds how long a role's permission bitset is served from
	// cache before re-reading the role table. Zero means 30 seconds. Role
	// mutations invalidate the cache immediately; the TTL only matters for
	// staleness across replicas.
	RoleCacheTTL time.Duration
}

// Store is one device's encrypted replica. All mutating operations serialize
// on an internal mutex; the Lamport counter persisted in the same transaction
// as each mutation is the ordering mechanism across devices.
type Store struct {
	db       *sql.DB
	dbID     string
	deviceID string
	schema   *Schema
	crypto   *cryptobox.Engine
	logger   *slog.Logger

	writeMu sync.Mutex // serialize writes; SQLite allows one writer

	subMu sync.Mutex
	subs  []*subscriber

	polMu    sync.RWMutex
	policies map[string]*Policy

	roleCache *ttlcache.Cache[string, Permission]
}

// Open initializes system tables, applies the schema and seeds metadata and
// built-in roles. Safe to call on an existing database file; schema apply is
// additive and idempotent.
func Open(db *sql.DB, cfg *Config) (*Store, error) {
	if cfg == nil {
		return nil, fmt.Errorf("%w: config cannot be nil", ErrConfig)
	}
	if cfg.DBID == "" || cfg.DeviceID == "" {
		return nil, fmt.Errorf("%w: DBID and DeviceID must be provided", ErrConfig)
	}
	if cfg.Crypto == nil {
		return nil, fmt.Errorf("%w: crypto engine not attached", ErrConfig)
	}
	schema := cfg.Schema
	if schema == nil {
		schema = &Schema{Version: 1, Stores: map[string]StoreDef{}}
	}
	if err := schema.Validate(); err != nil {
		return nil, err
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	rolePerms := cfg.RolePermissions
	if rolePerms == nil {
		rolePerms = DefaultRolePermissions
	}
	roleTTL := cfg.RoleCacheTTL
	if roleTTL <= 0 {
		roleTTL = 30 * time.Second
	}

	s := &Store{
		db:       db,
		dbID:     cfg.DBID,
		deviceID: cfg.DeviceID,
		schema:   schema,
		crypto:   cfg.Crypto,
		logger:   logger,
		policies: map[string]*Policy{},
		// Lazy expiry, no janitor goroutine per replica.
		roleCache: ttlcache.New[string, Permission](roleTTL, 0, nil),
	}

	if err := s.initSystemTables(); err != nil {
		return nil, err
	}
	if err := s.applySchemaTables(schema); err != nil {
		return nil, err
	}
	if err := s.seedMetaAndRoles(rolePerms); err != nil {
		return nil, err
	}
	if err := s.loadPolicies(); err != nil {
		return nil, err
	}
	return s, nil
}

// DBID returns the logical database id this replica belongs to.
func (s *Store) DBID() string { return s.dbID }

// DeviceID returns the owning device id.
func (s *Store) DeviceID() string { return s.deviceID }

// Schema returns the currently applied schema.
func (s *Store) Schema() *Schema { return s.schema }

// Crypto exposes the attached engine; the sync layer needs it for grant
// verification and snapshot handling.
func (s *Store) Crypto() *cryptobox.Engine { return s.crypto }

func (s *Store) initSystemTables() error {
	if _, err := s.db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		return fmt.Errorf("%w: enable WAL mode: %v", ErrStorage, err)
	}
	if _, err := s.db.Exec(`PRAGMA foreign_keys=ON`); err != nil {
		return fmt.Errorf("%w: enable foreign keys: %v", ErrStorage, err)
	}

	tables := []string{
		// Creation info + the database-wide Lamport counter (single row).
		`CREATE TABLE IF NOT EXISTS _meta (
			db_id             TEXT NOT NULL,
			created_at        INTEGER NOT NULL,
			creator_device_id TEXT NOT NULL,
			schema_version    INTEGER NOT NULL DEFAULT 1,
			lamport           INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (db_id)
		)`,

		`CREATE TABLE IF NOT EXISTS _devices (
			device_id  TEXT PRIMARY KEY,
			role       TEXT NOT NULL,
			added_at   INTEGER NOT NULL,
			added_by   TEXT NOT NULL,
			grant_json TEXT
		)`,

		`CREATE TABLE IF NOT EXISTS _roles (
			role        TEXT PRIMARY KEY,
			permissions INTEGER NOT NULL,
			builtin     INTEGER NOT NULL DEFAULT 0
		)`,

		// Append-only; seq is "<lamport>:<deviceId>" and is the total order key.
		`CREATE TABLE IF NOT EXISTS _changelog (
			seq       TEXT PRIMARY KEY,
			lamport   INTEGER NOT NULL,
			device_id TEXT NOT NULL,
			ts        INTEGER NOT NULL,
			type      TEXT NOT NULL,
			store     TEXT NOT NULL,
			key       TEXT,
			value     TEXT,
			enc       INTEGER NOT NULL DEFAULT 0
		)`,

		`CREATE TABLE IF NOT EXISTS _peer_sync (
			peer_id      TEXT PRIMARY KEY,
			last_lamport INTEGER NOT NULL DEFAULT 0
		)`,

		`CREATE TABLE IF NOT EXISTS _policies (
			store  TEXT PRIMARY KEY,
			policy TEXT NOT NULL
		)`,
	}
	for _, table := range tables {
		if _, err := s.db.Exec(table); err != nil {
			return fmt.Errorf("%w: create system table: %v", ErrStorage, err)
		}
	}
	if _, err := s.db.Exec(`CREATE INDEX IF NOT EXISTS idx_changelog_lamport ON _changelog(lamport)`); err != nil {
		return fmt.Errorf("%w: create changelog index: %v", ErrStorage, err)
	}
	return nil
}

// applySchemaTables creates missing data tables, sidecar token tables and
// declared indexes. Never drops anything.
func (s *Store) applySchemaTables(schema *Schema) error {
	for name, def := range schema.Stores {
		dataTable := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %q (
			id         TEXT PRIMARY KEY,
			enc_iv     BLOB NOT NULL,
			enc_ct     BLOB NOT NULL,
			updated_at INTEGER NOT NULL DEFAULT 0,
			updated_by TEXT NOT NULL DEFAULT ''
		)`, name)
		if _, err := s.db.Exec(dataTable); err != nil {
			return fmt.Errorf("%w: create store %q: %v", ErrStorage, name, err)
		}

		tokenTable := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %q (
			field TEXT NOT NULL,
			token TEXT NOT NULL,
			id    TEXT NOT NULL,
			PRIMARY KEY (field, token, id)
		)`, sidxTable(name))
		if _, err := s.db.Exec(tokenTable); err != nil {
			return fmt.Errorf("%w: create blind index for %q: %v", ErrStorage, name, err)
		}
		sidxLookup := fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %q ON %q(id)`,
			"idx_"+sidxTable(name)+"_id", sidxTable(name))
		if _, err := s.db.Exec(sidxLookup); err != nil {
			return fmt.Errorf("%w: create blind index lookup for %q: %v", ErrStorage, name, err)
		}

		for _, idx := range def.Indexes {
			stmt := fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %q ON %q(%q)`,
				"idx_"+name+"_"+idx.Name, name, idx.KeyPath)
			if _, err := s.db.Exec(stmt); err != nil {
				return fmt.Errorf("%w: create index %q on %q: %v", ErrStorage, idx.Name, name, err)
			}
		}
	}
	return nil
}

func (s *Store) seedMetaAndRoles(rolePerms map[string]Permission) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("%w: begin seed tx: %v", ErrStorage, err)
	}
	defer tx.Rollback()

	// First opener of the database file becomes the recorded creator.
	if _, err := tx.Exec(`
		INSERT INTO _meta (db_id, created_at, creator_device_id, schema_version, lamport)
		VALUES (?, strftime('%s','now')*1000, ?, ?, 0)
		ON CONFLICT(db_id) DO NOTHING
	`, s.dbID, s.deviceID, s.schema.Version); err != nil {
		return fmt.Errorf("%w: seed meta: %v", ErrStorage, err)
	}
	// Record the newest schema version we have applied tables for.
	if _, err := tx.Exec(`
		UPDATE _meta SET schema_version = ? WHERE db_id = ? AND schema_version < ?
	`, s.schema.Version, s.dbID, s.schema.Version); err != nil {
		return fmt.Errorf("%w: bump schema version: %v", ErrStorage, err)
	}

	for role, perms := range rolePerms {
		builtin := 0
		if IsBuiltinRole(role) {
			builtin = 1
		}
		if _, err := tx.Exec(`
			INSERT INTO _roles (role, permissions, builtin) VALUES (?, ?, ?)
			ON CONFLICT(role) DO NOTHING
		`, role, int64(perms), builtin); err != nil {
			return fmt.Errorf("%w: seed role %q: %v", ErrStorage, role, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit seed tx: %v", ErrStorage, err)
	}
	return nil
}

// EnsureSchema aligns the replica with a newer schema, e.g. one received
// during first sync. Additive-only and idempotent: an equal or older version
// is a no-op, since its tables may never have been created here.
func (s *Store) EnsureSchema(newSchema *Schema) error {
	if newSchema == nil || newSchema.Version == 0 {
		return nil
	}
	if err := newSchema.Validate(); err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	var current int
	if err := s.db.QueryRow(`SELECT schema_version FROM _meta WHERE db_id = ?`, s.dbID).Scan(&current); err != nil {
		return fmt.Errorf("%w: read schema version: %v", ErrStorage, err)
	}
	if newSchema.Version <= current {
		return nil
	}

	if err := s.applySchemaTables(newSchema); err != nil {
		return err
	}
	if _, err := s.db.Exec(`UPDATE _meta SET schema_version = ? WHERE db_id = ?`, newSchema.Version, s.dbID); err != nil {
		return fmt.Errorf("%w: bump schema version: %v", ErrStorage, err)
	}
	s.schema = newSchema
	return nil
}

// subscriber pairs the delivery channel with a done signal. cancel closes
// done, never the channel itself: notify may be mid-send on another goroutine.
type subscriber struct {
	ch   chan Change
	done chan struct{}
	once sync.Once
}

// Subscribe registers a local-change observer. Changes are delivered in commit
// order; the returned cancel func unregisters the subscriber and unblocks any
// in-flight delivery to it. The channel is buffered; a subscriber that stops
// draining will eventually block mutations, so consumers are expected to stay
// live (the sync manager does) or cancel.
func (s *Store) Subscribe() (<-chan Change, func()) {
	sub := &subscriber{
		ch:   make(chan Change, 256),
		done: make(chan struct{}),
	}
	s.subMu.Lock()
	s.subs = append(s.subs, sub)
	s.subMu.Unlock()

	cancel := func() {
		sub.once.Do(func() { close(sub.done) })
		s.subMu.Lock()
		defer s.subMu.Unlock()
		for i, cur := range s.subs {
			if cur == sub {
				s.subs = append(s.subs[:i], s.subs[i+1:]...)
				return
			}
		}
	}
	return sub.ch, cancel
}

func (s *Store) notify(changes ...Change) {
	s.subMu.Lock()
	subs := make([]*subscriber, len(s.subs))
	copy(subs, s.subs)
	s.subMu.Unlock()
	for _, ch := range changes {
		for _, sub := range subs {
			select {
			case sub.ch <- ch:
			case <-sub.done:
			}
		}
	}
}

// withWriteTx runs fn inside a write transaction under the writer mutex and
// releases the mutex before returning. Callers deliver notifications after it
// returns, so a slow subscriber can never hold up other writers or the sync
// manager's remote applies.
func (s *Store) withWriteTx(ctx context.Context, op string, fn func(tx *sql.Tx) error) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: begin %s tx: %v", ErrStorage, op, err)
	}
	defer tx.Rollback()
	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit %s tx: %v", ErrStorage, op, err)
	}
	return nil
}

// assertPermission resolves the caller device's role and fails with
// ErrPermissionDenied unless the role carries the required flag. A device
// without an explicit row that matches the recorded creator gets creator
// permissions (bootstrap, before its own device row replicates in).
func (s *Store) assertPermission(ctx context.Context, required Permission) error {
	perms, err := s.currentPermissions(ctx)
	if err != nil {
		return err
	}
	if !perms.Has(required) {
		return fmt.Errorf("%w: requires %s", ErrPermissionDenied, required)
	}
	return nil
}

func (s *Store) currentPermissions(ctx context.Context) (Permission, error) {
	var role string
	err := s.db.QueryRowContext(ctx, `SELECT role FROM _devices WHERE device_id = ?`, s.deviceID).Scan(&role)
	switch {
	case err == sql.ErrNoRows:
		var creator string
		if err := s.db.QueryRowContext(ctx, `SELECT creator_device_id FROM _meta WHERE db_id = ?`, s.dbID).Scan(&creator); err != nil {
			return 0, fmt.Errorf("%w: read meta: %v", ErrStorage, err)
		}
		if creator == s.deviceID {
			return DefaultRolePermissions[RoleCreator], nil
		}
		return 0, nil
	case err != nil:
		return 0, fmt.Errorf("%w: resolve device role: %v", ErrStorage, err)
	}
	return s.RolePermissions(ctx, role)
}

// RolePermissions returns the permission bitset recorded for a role; unknown
// roles carry no permissions. Lookups are served from a TTL cache that role
// mutations invalidate.
func (s *Store) RolePermissions(ctx context.Context, role string) (Permission, error) {
	if perms, ok := s.roleCache.Get(role); ok {
		return perms, nil
	}
	var perms int64
	err := s.db.QueryRowContext(ctx, `SELECT permissions FROM _roles WHERE role = ?`, role).Scan(&perms)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("%w: read role %q: %v", ErrStorage, role, err)
	}
	s.roleCache.Set(role, Permission(perms))
	return Permission(perms), nil
}

// invalidateRoleCache drops every cached role bitset. Called after any write
// to the role table, local or replicated.
func (s *Store) invalidateRoleCache() {
	s.roleCache.Purge()
}

// CurrentRole returns the caller device's role, falling back to viewer when no
// device row exists yet and the device is not the creator.
func (s *Store) CurrentRole(ctx context.Context) (string, error) {
	dev, err := s.GetDevice(ctx, s.deviceID)
	switch {
	case err == nil:
		return dev.Role, nil
	case errors.Is(err, ErrNotFound):
		var creator string
		if mErr := s.db.QueryRowContext(ctx, `SELECT creator_device_id FROM _meta WHERE db_id = ?`, s.dbID).Scan(&creator); mErr == nil && creator == s.deviceID {
			return RoleCreator, nil
		}
		return RoleViewer, nil
	default:
		return "", err
	}
}
