// Copyright 2025 The gupshup Authors
// SPDX-License-Identifier: Apache-2.0

package cryptobox

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// BundleSecrets is the minimum key material shared with a joining device:
// the database DEK, the blind-index key and the DSK public key. Private
// signing keys never travel; the joiner generates its own device keypair.
type BundleSecrets struct {
	DEKRaw      []byte `json:"dekRaw"`
	IndexKeyRaw []byte `json:"indexKeyRaw"`
	DSKPub      []byte `json:"dskPub,omitempty"`
}

// ConnectionBundle is the out-of-band device-invite payload (QR code,
// copy-paste). It carries everything a new device needs to open a replica and
// start its first sync: database identity, schema, shared secrets and a
// DSK-signed role grant bound to the joiner's public key.
type ConnectionBundle struct {
	DBID            string          `json:"dbId"`
	CreatorDeviceID string          `json:"creatorDeviceId"`
	Schema          json.RawMessage `json:"schema"`
	Secrets         BundleSecrets   `json:"secrets"`
	Grant           *RoleGrant      `json:"grant"`
}

// Encode serializes the bundle as base64 JSON for out-of-band transfer.
func (b *ConnectionBundle) Encode() (string, error) {
	raw, err := json.Marshal(b)
	if err != nil {
		return "", fmt.Errorf("encode connection bundle: %w", err)
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

// ParseConnectionBundle decodes a base64 JSON connection string.
func ParseConnectionBundle(s string) (*ConnectionBundle, error) {
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("invalid connection string: %w", err)
	}
	var b ConnectionBundle
	if err := json.Unmarshal(raw, &b); err != nil {
		return nil, fmt.Errorf("invalid connection string: %w", err)
	}
	if b.DBID == "" || b.Grant == nil || len(b.Secrets.DEKRaw) == 0 || len(b.Secrets.IndexKeyRaw) == 0 {
		return nil, fmt.Errorf("connection string missing required fields")
	}
	return &b, nil
}

// JoinSecrets builds the joining device's secret bundle from the shared
// secrets and the device's own signing keypair (the one whose public half the
// grant was issued for). Pass nil keys to generate a fresh pair, e.g. when the
// grant was issued without binding to a key.
func (b *ConnectionBundle) JoinSecrets(devicePriv, devicePub []byte) (*SecretBundle, error) {
	if devicePriv == nil || devicePub == nil {
		own, err := GenerateSecrets(false)
		if err != nil {
			return nil, err
		}
		devicePriv, devicePub = own.DevicePriv, own.DevicePub
	}
	return &SecretBundle{
		DEKRaw:      b.Secrets.DEKRaw,
		IndexKeyRaw: b.Secrets.IndexKeyRaw,
		DevicePriv:  devicePriv,
		DevicePub:   devicePub,
		DSKPub:      b.Secrets.DSKPub,
	}, nil
}
