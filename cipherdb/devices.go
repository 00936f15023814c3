// Copyright 2025 The gupshup Authors
// SPDX-License-Identifier: Apache-2.0

package cipherdb

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/skhacker105/gupshup/cryptobox"
)

// Device is one member of the logical database.
type Device struct {
	DeviceID string              `json:"deviceId"`
	Role     string              `json:"role"`
	AddedAt  int64               `json:"addedAt"`
	AddedBy  string              `json:"addedBy"`
	Grant    *cryptobox.RoleGrant `json:"grant,omitempty"`
}

// GetDevice returns the membership row for a device id.
func (s *Store) GetDevice(ctx context.Context, deviceID string) (*Device, error) {
	var d Device
	var grantJSON sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT device_id, role, added_at, added_by, grant_json FROM _devices WHERE device_id = ?
	`, deviceID).Scan(&d.DeviceID, &d.Role, &d.AddedAt, &d.AddedBy, &grantJSON)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: device %q", ErrNotFound, deviceID)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: read device %q: %v", ErrStorage, deviceID, err)
	}
	if grantJSON.Valid && grantJSON.String != "" {
		var g cryptobox.RoleGrant
		if err := json.Unmarshal([]byte(grantJSON.String), &g); err != nil {
			return nil, fmt.Errorf("%w: decode grant for %q: %v", ErrStorage, deviceID, err)
		}
		d.Grant = &g
	}
	return &d, nil
}

// ListDevices returns all membership rows, creator first by added_at.
func (s *Store) ListDevices(ctx context.Context) ([]Device, error) {
	if err := s.assertPermission(ctx, PermRead); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT device_id, role, added_at, added_by, grant_json FROM _devices ORDER BY added_at ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("%w: list devices: %v", ErrStorage, err)
	}
	defer rows.Close()

	var devices []Device
	for rows.Next() {
		var d Device
		var grantJSON sql.NullString
		if err := rows.Scan(&d.DeviceID, &d.Role, &d.AddedAt, &d.AddedBy, &grantJSON); err != nil {
			return nil, fmt.Errorf("%w: scan device: %v", ErrStorage, err)
		}
		if grantJSON.Valid && grantJSON.String != "" {
			var g cryptobox.RoleGrant
			if err := json.Unmarshal([]byte(grantJSON.String), &g); err != nil {
				return nil, fmt.Errorf("%w: decode grant for %q: %v", ErrStorage, d.DeviceID, err)
			}
			d.Grant = &g
		}
		devices = append(devices, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterate devices: %v", ErrStorage, err)
	}
	return devices, nil
}

// EnsureSelfDevice records the calling device's own membership if absent. Used
// at database creation to register the creator without a permission check
// (there is nobody to grant it yet).
func (s *Store) EnsureSelfDevice(ctx context.Context, role string, grant *cryptobox.RoleGrant) error {
	if _, err := s.GetDevice(ctx, s.deviceID); err == nil {
		return nil
	}
	d := Device{
		DeviceID: s.deviceID,
		Role:     role,
		AddedBy:  s.deviceID,
		Grant:    grant,
	}
	var change Change
	if err := s.withWriteTx(ctx, "device", func(tx *sql.Tx) error {
		var err error
		change, err = s.upsertDeviceTx(tx, d)
		return err
	}); err != nil {
		return err
	}
	s.logger.Debug("device upserted", "db", s.dbID, "device", d.DeviceID, "role", d.Role)
	s.notify(change)
	return nil
}

// AddOrUpdateDevice records or updates a device membership. Requires
// MANAGE_DEVICES. The grant, when present, travels with the row so every
// replica can verify the role assignment against the database signing key.
func (s *Store) AddOrUpdateDevice(ctx context.Context, d Device) error {
	if err := s.assertPermission(ctx, PermManageDevices); err != nil {
		return err
	}
	if d.DeviceID == "" || d.Role == "" {
		return fmt.Errorf("%w: device id and role are required", ErrConfig)
	}

	if d.AddedBy == "" {
		d.AddedBy = s.deviceID
	}
	var change Change
	if err := s.withWriteTx(ctx, "device", func(tx *sql.Tx) error {
		var err error
		change, err = s.upsertDeviceTx(tx, d)
		return err
	}); err != nil {
		return err
	}
	s.logger.Debug("device upserted", "db", s.dbID, "device", d.DeviceID, "role", d.Role)
	s.notify(change)
	return nil
}

// SetRole changes an existing device's role. Requires MANAGE_ROLES.
func (s *Store) SetRole(ctx context.Context, deviceID, role string) error {
	if err := s.assertPermission(ctx, PermManageRoles); err != nil {
		return err
	}
	dev, err := s.GetDevice(ctx, deviceID)
	if err != nil {
		return err
	}

	dev.Role = role
	dev.Grant = nil // old grant no longer matches; a new one must be issued
	var change Change
	if err := s.withWriteTx(ctx, "device", func(tx *sql.Tx) error {
		var err error
		change, err = s.upsertDeviceTx(tx, *dev)
		return err
	}); err != nil {
		return err
	}
	s.logger.Debug("device upserted", "db", s.dbID, "device", dev.DeviceID, "role", dev.Role)
	s.notify(change)
	return nil
}

// upsertDeviceTx writes the device row and its changelog entry inside tx.
// Runs under withWriteTx.
func (s *Store) upsertDeviceTx(tx *sql.Tx, d Device) (Change, error) {
	if d.AddedAt == 0 {
		d.AddedAt = time.Now().UnixMilli()
	}
	var grantJSON any
	if d.Grant != nil {
		raw, err := json.Marshal(d.Grant)
		if err != nil {
			return Change{}, fmt.Errorf("%w: encode grant: %v", ErrStorage, err)
		}
		grantJSON = string(raw)
	}
	if _, err := tx.Exec(`
		INSERT INTO _devices (device_id, role, added_at, added_by, grant_json)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(device_id) DO UPDATE SET
			role = excluded.role,
			added_by = excluded.added_by,
			grant_json = excluded.grant_json
	`, d.DeviceID, d.Role, d.AddedAt, d.AddedBy, grantJSON); err != nil {
		return Change{}, fmt.Errorf("%w: upsert device %q: %v", ErrStorage, d.DeviceID, err)
	}

	payload, err := json.Marshal(d)
	if err != nil {
		return Change{}, fmt.Errorf("%w: encode device change: %v", ErrStorage, err)
	}
	return s.stampChangeTx(tx, Change{
		Type:  ChangeDeviceUpsert,
		Store: "_devices",
		Key:   d.DeviceID,
		Value: payload,
	})
}

// Role pairs a role name with its permission bitset.
type Role struct {
	Name        string     `json:"role"`
	Permissions Permission `json:"permissions"`
	Builtin     bool       `json:"builtin"`
}

// ListRoles returns all known roles.
func (s *Store) ListRoles(ctx context.Context) ([]Role, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT role, permissions, builtin FROM _roles ORDER BY role ASC`)
	if err != nil {
		return nil, fmt.Errorf("%w: list roles: %v", ErrStorage, err)
	}
	defer rows.Close()

	var roles []Role
	for rows.Next() {
		var r Role
		var perms int64
		var builtin int
		if err := rows.Scan(&r.Name, &perms, &builtin); err != nil {
			return nil, fmt.Errorf("%w: scan role: %v", ErrStorage, err)
		}
		r.Permissions = Permission(perms)
		r.Builtin = builtin == 1
		roles = append(roles, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterate roles: %v", ErrStorage, err)
	}
	return roles, nil
}

// AddCustomRole defines a new role with the given permission set. Only the
// creator may alter the role table; built-in role names cannot be redefined.
func (s *Store) AddCustomRole(ctx context.Context, name string, perms Permission) error {
	if err := s.assertCreator(ctx); err != nil {
		return err
	}
	if name == "" || !identRe.MatchString(name) {
		return fmt.Errorf("%w: invalid role name %q", ErrConfig, name)
	}
	if IsBuiltinRole(name) {
		return fmt.Errorf("%w: role %q is built in", ErrPermissionDenied, name)
	}

	var change Change
	if err := s.withWriteTx(ctx, "role", func(tx *sql.Tx) error {
		if _, err := tx.Exec(`
			INSERT INTO _roles (role, permissions, builtin) VALUES (?, ?, 0)
			ON CONFLICT(role) DO UPDATE SET permissions = excluded.permissions
		`, name, int64(perms)); err != nil {
			return fmt.Errorf("%w: upsert role %q: %v", ErrStorage, name, err)
		}
		payload, err := json.Marshal(Role{Name: name, Permissions: perms})
		if err != nil {
			return fmt.Errorf("%w: encode role change: %v", ErrStorage, err)
		}
		change, err = s.stampChangeTx(tx, Change{
			Type:  ChangeRoleUpsert,
			Store: "_roles",
			Key:   name,
			Value: payload,
		})
		return err
	}); err != nil {
		return err
	}
	s.invalidateRoleCache()
	s.notify(change)
	return nil
}

// RemoveCustomRole deletes a custom role. Built-in roles are immutable.
func (s *Store) RemoveCustomRole(ctx context.Context, name string) error {
	if err := s.assertCreator(ctx); err != nil {
		return err
	}
	if IsBuiltinRole(name) {
		return fmt.Errorf("%w: role %q is built in", ErrPermissionDenied, name)
	}

	var change Change
	if err := s.withWriteTx(ctx, "role", func(tx *sql.Tx) error {
		res, err := tx.Exec(`DELETE FROM _roles WHERE role = ? AND builtin = 0`, name)
		if err != nil {
			return fmt.Errorf("%w: delete role %q: %v", ErrStorage, name, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("%w: role %q", ErrNotFound, name)
		}
		change, err = s.stampChangeTx(tx, Change{
			Type:  ChangeRoleDelete,
			Store: "_roles",
			Key:   name,
		})
		return err
	}); err != nil {
		return err
	}
	s.invalidateRoleCache()
	s.notify(change)
	return nil
}

// assertCreator restricts role-table and policy edits to the literal creator
// role, a stricter bar than the MANAGE_ROLES flag.
func (s *Store) assertCreator(ctx context.Context) error {
	role, err := s.CurrentRole(ctx)
	if err != nil {
		return err
	}
	if role != RoleCreator {
		return fmt.Errorf("%w: requires creator role", ErrPermissionDenied)
	}
	return nil
}
