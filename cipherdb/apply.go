// Copyright 2025 The gupshup Authors
// SPDX-License-Identifier: Apache-2.0

package cipherdb

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/skhacker105/gupshup/cryptobox"
)

// ApplyRemoteChange ingests one replicated change. No permission check: the
// sender's permissions were enforced where the change originated, and a
// replica must converge regardless of its own role. The local Lamport counter
// merges to max(local, remote)+1 and the entry lands in the changelog under
// its ORIGINAL seq, so re-applying the same change is idempotent and delta
// sync can serve it onward.
//
// A device_upsert carrying a role grant is verified against the database
// signing key before the row is trusted; a bad signature rejects the change.
func (s *Store) ApplyRemoteChange(ctx context.Context, change Change) error {
	if change.Seq == "" {
		change.Seq = SeqOf(change.Lamport, change.DeviceID)
	}

	var newPolicy *Policy
	roleTableTouched := false

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: begin apply tx: %v", ErrStorage, err)
	}
	defer tx.Rollback()

	if _, err := s.nextLamportTx(tx, change.Lamport); err != nil {
		return err
	}

	switch change.Type {
	case ChangeUpsert:
		if err := s.applyUpsertTx(tx, change); err != nil {
			return err
		}
	case ChangeDelete:
		def, err := s.storeDef(change.Store)
		if err != nil {
			return err
		}
		if _, err := tx.Exec(fmt.Sprintf(`DELETE FROM %q WHERE id = ?`, change.Store), change.Key); err != nil {
			return fmt.Errorf("%w: apply delete %q/%q: %v", ErrStorage, change.Store, change.Key, err)
		}
		if len(def.SecureIndex) > 0 {
			if _, err := tx.Exec(fmt.Sprintf(`DELETE FROM %q WHERE id = ?`, sidxTable(change.Store)), change.Key); err != nil {
				return fmt.Errorf("%w: apply delete tokens %q/%q: %v", ErrStorage, change.Store, change.Key, err)
			}
		}
	case ChangeClear:
		def, err := s.storeDef(change.Store)
		if err != nil {
			return err
		}
		if _, err := tx.Exec(fmt.Sprintf(`DELETE FROM %q`, change.Store)); err != nil {
			return fmt.Errorf("%w: apply clear %q: %v", ErrStorage, change.Store, err)
		}
		if len(def.SecureIndex) > 0 {
			if _, err := tx.Exec(fmt.Sprintf(`DELETE FROM %q`, sidxTable(change.Store))); err != nil {
				return fmt.Errorf("%w: apply clear tokens %q: %v", ErrStorage, change.Store, err)
			}
		}
	case ChangeDeviceUpsert:
		if err := s.applyDeviceUpsertTx(tx, change); err != nil {
			return err
		}
	case ChangeRoleUpsert:
		var r Role
		if err := json.Unmarshal(change.Value, &r); err != nil {
			return fmt.Errorf("%w: decode role change: %v", ErrStorage, err)
		}
		builtin := 0
		if IsBuiltinRole(r.Name) {
			builtin = 1
		}
		if _, err := tx.Exec(`
			INSERT INTO _roles (role, permissions, builtin) VALUES (?, ?, ?)
			ON CONFLICT(role) DO UPDATE SET permissions = excluded.permissions
		`, r.Name, int64(r.Permissions), builtin); err != nil {
			return fmt.Errorf("%w: apply role upsert %q: %v", ErrStorage, r.Name, err)
		}
		roleTableTouched = true
	case ChangeRoleDelete:
		if IsBuiltinRole(change.Key) {
			return fmt.Errorf("%w: role %q is built in", ErrPermissionDenied, change.Key)
		}
		if _, err := tx.Exec(`DELETE FROM _roles WHERE role = ? AND builtin = 0`, change.Key); err != nil {
			return fmt.Errorf("%w: apply role delete %q: %v", ErrStorage, change.Key, err)
		}
		roleTableTouched = true
	case ChangePolicyUpsert:
		var payload struct {
			Store  string  `json:"store"`
			Policy *Policy `json:"policy"`
		}
		if err := json.Unmarshal(change.Value, &payload); err != nil {
			return fmt.Errorf("%w: decode policy change: %v", ErrStorage, err)
		}
		raw, err := json.Marshal(payload.Policy)
		if err != nil {
			return fmt.Errorf("%w: encode policy: %v", ErrStorage, err)
		}
		if _, err := tx.Exec(`
			INSERT INTO _policies (store, policy) VALUES (?, ?)
			ON CONFLICT(store) DO UPDATE SET policy = excluded.policy
		`, change.Key, string(raw)); err != nil {
			return fmt.Errorf("%w: apply policy upsert %q: %v", ErrStorage, change.Key, err)
		}
		newPolicy = payload.Policy
	default:
		return fmt.Errorf("%w: unknown change type %q", ErrStorage, change.Type)
	}

	if err := appendChangelogTx(tx, change); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit apply tx: %v", ErrStorage, err)
	}
	if newPolicy != nil {
		s.setPolicyCache(change.Key, newPolicy)
	}
	if roleTableTouched {
		s.invalidateRoleCache()
	}
	s.logger.Debug("applied remote change", "db", s.dbID, "seq", change.Seq, "type", string(change.Type), "store", change.Store)
	return nil
}

// applyUpsertTx writes a replicated encrypted record. The ciphertext is stored
// as received; tokens are recomputed from the decrypted document because the
// blind index only exists locally.
func (s *Store) applyUpsertTx(tx *sql.Tx, change Change) error {
	def, err := s.storeDef(change.Store)
	if err != nil {
		return err
	}
	if !change.Enc {
		return fmt.Errorf("%w: plaintext upsert on %q refused", ErrStorage, change.Store)
	}
	var env cryptobox.Envelope
	if err := json.Unmarshal(change.Value, &env); err != nil {
		return fmt.Errorf("%w: decode envelope: %v", ErrStorage, err)
	}
	var doc map[string]any
	if err := s.crypto.DecryptInto(&env, &doc); err != nil {
		return err
	}

	if _, err := tx.Exec(fmt.Sprintf(`
		INSERT INTO %q (id, enc_iv, enc_ct, updated_at, updated_by) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			enc_iv = excluded.enc_iv,
			enc_ct = excluded.enc_ct,
			updated_at = excluded.updated_at,
			updated_by = excluded.updated_by
	`, change.Store), change.Key, env.IV, env.CT, change.TS, change.DeviceID); err != nil {
		return fmt.Errorf("%w: apply upsert %q/%q: %v", ErrStorage, change.Store, change.Key, err)
	}
	return s.replaceTokensTx(tx, change.Store, def, change.Key, doc)
}

// applyDeviceUpsertTx trusts a remote device row only after checking its role
// grant, when one travels with the row and this replica knows the DSK public
// key.
func (s *Store) applyDeviceUpsertTx(tx *sql.Tx, change Change) error {
	var d Device
	if err := json.Unmarshal(change.Value, &d); err != nil {
		return fmt.Errorf("%w: decode device change: %v", ErrStorage, err)
	}
	if d.Grant != nil && s.crypto.DSKPub() != nil {
		if err := s.crypto.VerifyRoleGrant(d.Grant); err != nil {
			return fmt.Errorf("reject device upsert for %s: %w", d.DeviceID, err)
		}
		if d.Grant.DeviceID != d.DeviceID || d.Grant.Role != d.Role {
			return fmt.Errorf("%w: grant does not match device row for %s", ErrPermissionDenied, d.DeviceID)
		}
	}
	var grantJSON any
	if d.Grant != nil {
		raw, err := json.Marshal(d.Grant)
		if err != nil {
			return fmt.Errorf("%w: encode grant: %v", ErrStorage, err)
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
		return fmt.Errorf("%w: apply device upsert %q: %v", ErrStorage, d.DeviceID, err)
	}
	return nil
}

// Snapshot is the ciphertext image of a replica minus its replication state.
// The changelog and peer watermarks are deliberately excluded: the receiver
// rebuilds its own.
type Snapshot struct {
	Stores   map[string][]CipherRecord `json:"stores"`
	Devices  []Device                  `json:"devices"`
	Roles    []Role                    `json:"roles"`
	Policies map[string]*Policy        `json:"policies,omitempty"`
}

// ExportCipherSnapshot captures every data store as ciphertext plus the
// membership, role and policy tables.
func (s *Store) ExportCipherSnapshot(ctx context.Context) (*Snapshot, error) {
	snap := &Snapshot{Stores: map[string][]CipherRecord{}}
	for name := range s.schema.Stores {
		recs, err := s.GetAllCipher(ctx, name)
		if err != nil {
			return nil, err
		}
		snap.Stores[name] = recs
	}
	devices, err := s.ListDevices(ctx)
	if err != nil {
		return nil, err
	}
	snap.Devices = devices
	roles, err := s.ListRoles(ctx)
	if err != nil {
		return nil, err
	}
	snap.Roles = roles

	s.polMu.RLock()
	if len(s.policies) > 0 {
		snap.Policies = make(map[string]*Policy, len(s.policies))
		for store, pol := range s.policies {
			snap.Policies[store] = pol
		}
	}
	s.polMu.RUnlock()
	return snap, nil
}

// ImportCipherSnapshot loads a snapshot into this replica. Rows arrive as
// ciphertext; tokens are recomputed locally. Existing rows with the same ids
// are replaced, so importing twice converges to the same state.
func (s *Store) ImportCipherSnapshot(ctx context.Context, snap *Snapshot) error {
	if snap == nil {
		return nil
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: begin import tx: %v", ErrStorage, err)
	}
	defer tx.Rollback()

	for store, recs := range snap.Stores {
		def, err := s.storeDef(store)
		if err != nil {
			return err
		}
		for _, rec := range recs {
			if rec.Envelope == nil {
				continue
			}
			var doc map[string]any
			if err := s.crypto.DecryptInto(rec.Envelope, &doc); err != nil {
				return err
			}
			if _, err := tx.Exec(fmt.Sprintf(`
				INSERT INTO %q (id, enc_iv, enc_ct, updated_at, updated_by) VALUES (?, ?, ?, 0, '')
				ON CONFLICT(id) DO UPDATE SET enc_iv = excluded.enc_iv, enc_ct = excluded.enc_ct
			`, store), rec.ID, rec.Envelope.IV, rec.Envelope.CT); err != nil {
				return fmt.Errorf("%w: import row %q/%q: %v", ErrStorage, store, rec.ID, err)
			}
			if err := s.replaceTokensTx(tx, store, def, rec.ID, doc); err != nil {
				return err
			}
		}
	}

	for _, d := range snap.Devices {
		raw, err := json.Marshal(d)
		if err != nil {
			return fmt.Errorf("%w: encode device: %v", ErrStorage, err)
		}
		if err := s.applyDeviceUpsertTx(tx, Change{Type: ChangeDeviceUpsert, Store: "_devices", Key: d.DeviceID, Value: raw}); err != nil {
			return err
		}
	}
	for _, r := range snap.Roles {
		builtin := 0
		if r.Builtin || IsBuiltinRole(r.Name) {
			builtin = 1
		}
		if _, err := tx.Exec(`
			INSERT INTO _roles (role, permissions, builtin) VALUES (?, ?, ?)
			ON CONFLICT(role) DO UPDATE SET permissions = excluded.permissions
		`, r.Name, int64(r.Permissions), builtin); err != nil {
			return fmt.Errorf("%w: import role %q: %v", ErrStorage, r.Name, err)
		}
	}
	for store, pol := range snap.Policies {
		raw, err := json.Marshal(pol)
		if err != nil {
			return fmt.Errorf("%w: encode policy: %v", ErrStorage, err)
		}
		if _, err := tx.Exec(`
			INSERT INTO _policies (store, policy) VALUES (?, ?)
			ON CONFLICT(store) DO UPDATE SET policy = excluded.policy
		`, store, string(raw)); err != nil {
			return fmt.Errorf("%w: import policy %q: %v", ErrStorage, store, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit import tx: %v", ErrStorage, err)
	}
	if len(snap.Roles) > 0 {
		s.invalidateRoleCache()
	}
	for store, pol := range snap.Policies {
		s.setPolicyCache(store, pol)
	}
	return nil
}
