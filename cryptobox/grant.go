// Copyright 2025 The gupshup Authors
// SPDX-License-Identifier: Apache-2.0

package cryptobox

import (
	"fmt"
	"time"
)

// GrantType tags a RoleGrant on the wire.
const GrantType = "role_grant"

// RoleGrant is a credential signed by the database signing key proving that a
// device was authorized for a role. Grants travel inside connection bundles
// and device rows; receivers verify the signature against the DSK public key
// before trusting a remote device upsert.
type RoleGrant struct {
	Type      string `json:"type"`
	DBID      string `json:"dbId"`
	DeviceID  string `json:"deviceId"`
	Role      string `json:"role"`
	DevicePub []byte `json:"devicePub"`
	IssuedAt  int64  `json:"issuedAt"`
	Sig       []byte `json:"sig"`
	CreatedAt int64  `json:"createdAt"`
}

// grantPayload is the exact byte layout covered by the DSK signature. Type and
// CreatedAt are envelope metadata and deliberately excluded.
type grantPayload struct {
	DBID      string `json:"dbId"`
	DeviceID  string `json:"deviceId"`
	Role      string `json:"role"`
	DevicePub []byte `json:"devicePub"`
	IssuedAt  int64  `json:"issuedAt"`
}

// IssueRoleGrant signs a role grant for a device with the DSK private key.
// Only the creator device can issue grants.
func (e *Engine) IssueRoleGrant(deviceID, role string, devicePub []byte) (*RoleGrant, error) {
	now := time.Now().UnixMilli()
	payload := grantPayload{
		DBID:      e.dbID,
		DeviceID:  deviceID,
		Role:      role,
		DevicePub: devicePub,
		IssuedAt:  now,
	}
	sig, err := e.SignWithDSK(payload)
	if err != nil {
		return nil, fmt.Errorf("issue role grant: %w", err)
	}
	return &RoleGrant{
		Type:      GrantType,
		DBID:      payload.DBID,
		DeviceID:  deviceID,
		Role:      role,
		DevicePub: devicePub,
		IssuedAt:  now,
		Sig:       sig,
		CreatedAt: now,
	}, nil
}

// VerifyRoleGrant checks the grant signature against the DSK public key and
// that the grant belongs to this database.
func (e *Engine) VerifyRoleGrant(g *RoleGrant) error {
	if g == nil {
		return fmt.Errorf("%w: missing role grant", ErrCrypto)
	}
	if g.DBID != e.dbID {
		return fmt.Errorf("%w: grant issued for database %q, not %q", ErrCrypto, g.DBID, e.dbID)
	}
	payload := grantPayload{
		DBID:      g.DBID,
		DeviceID:  g.DeviceID,
		Role:      g.Role,
		DevicePub: g.DevicePub,
		IssuedAt:  g.IssuedAt,
	}
	if !e.VerifyWithDSK(g.Sig, payload) {
		return fmt.Errorf("%w: role grant signature verification failed for device %s", ErrCrypto, g.DeviceID)
	}
	return nil
}
