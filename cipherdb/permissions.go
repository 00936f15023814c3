// Copyright 2025 The gupshup Authors
// SPDX-License-Identifier: Apache-2.0

package cipherdb

import "strings"

// Permission is a bitset of capability flags. Roles map to a Permission and
// every store operation is gated on one flag.
type Permission uint8

const (
	PermRead Permission = 1 << iota
	PermWrite
	PermDelete
	PermManageRoles
	PermManageDevices
	PermManageSchema
)

// Has reports whether all flags in p are set.
func (perm Permission) Has(p Permission) bool { return perm&p == p }

// String renders the set flags, mostly for logs and errors.
func (perm Permission) String() string {
	names := []struct {
		p    Permission
		name string
	}{
		{PermRead, "READ"},
		{PermWrite, "WRITE"},
		{PermDelete, "DELETE"},
		{PermManageRoles, "MANAGE_ROLES"},
		{PermManageDevices, "MANAGE_DEVICES"},
		{PermManageSchema, "MANAGE_SCHEMA"},
	}
	var set []string
	for _, n := range names {
		if perm.Has(n.p) {
			set = append(set, n.name)
		}
	}
	if len(set) == 0 {
		return "NONE"
	}
	return strings.Join(set, "|")
}

// Built-in role names. Seeded at database creation and immutable: they can
// never be removed, only custom roles can.
const (
	RoleCreator   = "creator"
	RoleAdmin     = "admin"
	RoleEditor    = "editor"
	RoleViewer    = "viewer"
	RoleSyncAgent = "sync_agent"
)

// DefaultRolePermissions is the seed mapping applied when a database is
// created.
var DefaultRolePermissions = map[string]Permission{
	RoleCreator:   PermRead | PermWrite | PermDelete | PermManageRoles | PermManageDevices | PermManageSchema,
	RoleAdmin:     PermRead | PermWrite | PermDelete | PermManageRoles | PermManageDevices,
	RoleEditor:    PermRead | PermWrite,
	RoleViewer:    PermRead,
	RoleSyncAgent: PermRead | PermWrite,
}

// IsBuiltinRole reports whether name is one of the five seeded roles.
func IsBuiltinRole(name string) bool {
	switch name {
	case RoleCreator, RoleAdmin, RoleEditor, RoleViewer, RoleSyncAgent:
		return true
	}
	return false
}
