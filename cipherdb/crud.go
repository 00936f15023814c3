// Copyright 2025 The gupshup Authors
// SPDX-License-Identifier: Apache-2.0

package cipherdb

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/skhacker105/gupshup/cryptobox"
)

// Reserved document fields maintained by the store on every Put.
const (
	FieldUpdatedBy = "_updatedBy"
	FieldUpdatedAt = "_updatedAt"
	FieldLamport   = "_l"
	FieldACL       = "_acl"
)

// Put encrypts and stores a document, generating an id when the document
// carries none. Requires WRITE. The returned id addresses the record in Get,
// Delete and replication.
func (s *Store) Put(ctx context.Context, store string, doc map[string]any) (string, error) {
	id, _ := doc["id"].(string)
	if id == "" {
		id = uuid.NewString()
	}
	return id, s.PutWithID(ctx, store, id, doc)
}

// PutWithID is Put with a caller-chosen record id.
func (s *Store) PutWithID(ctx context.Context, store, id string, doc map[string]any) error {
	if err := s.assertPermission(ctx, PermWrite); err != nil {
		return err
	}
	def, err := s.storeDef(store)
	if err != nil {
		return err
	}

	var change Change
	if err := s.withWriteTx(ctx, "put", func(tx *sql.Tx) error {
		var err error
		change, err = s.putTx(tx, store, def, id, doc)
		return err
	}); err != nil {
		return err
	}
	s.logger.Debug("put", "db", s.dbID, "store", store, "id", id)
	s.notify(change)
	return nil
}

// BulkPut stores several documents in one transaction. Each document gets its
// own Lamport stamp and changelog entry; notifications fire after commit, in
// stamp order. Returns the record ids.
func (s *Store) BulkPut(ctx context.Context, store string, docs []map[string]any) ([]string, error) {
	if err := s.assertPermission(ctx, PermWrite); err != nil {
		return nil, err
	}
	def, err := s.storeDef(store)
	if err != nil {
		return nil, err
	}

	ids := make([]string, 0, len(docs))
	changes := make([]Change, 0, len(docs))
	if err := s.withWriteTx(ctx, "bulk put", func(tx *sql.Tx) error {
		for _, doc := range docs {
			id, _ := doc["id"].(string)
			if id == "" {
				id = uuid.NewString()
			}
			change, err := s.putTx(tx, store, def, id, doc)
			if err != nil {
				return err
			}
			ids = append(ids, id)
			changes = append(changes, change)
		}
		return nil
	}); err != nil {
		return nil, err
	}
	s.logger.Debug("bulk put", "db", s.dbID, "store", store, "count", len(ids))
	s.notify(changes...)
	return ids, nil
}

// putTx performs one encrypted upsert inside tx: augment, encrypt, replace
// blind-index tokens, stamp and changelog. Runs under withWriteTx.
func (s *Store) putTx(tx *sql.Tx, store string, def StoreDef, id string, doc map[string]any) (Change, error) {
	withMeta := s.augmentDoc(store, id, doc)

	env, err := s.crypto.EncryptJSON(withMeta)
	if err != nil {
		return Change{}, err
	}
	now := time.Now().UnixMilli()
	if _, err := tx.Exec(fmt.Sprintf(`
		INSERT INTO %q (id, enc_iv, enc_ct, updated_at, updated_by) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			enc_iv = excluded.enc_iv,
			enc_ct = excluded.enc_ct,
			updated_at = excluded.updated_at,
			updated_by = excluded.updated_by
	`, store), id, env.IV, env.CT, now, s.deviceID); err != nil {
		return Change{}, fmt.Errorf("%w: upsert %q/%q: %v", ErrStorage, store, id, err)
	}

	if err := s.replaceTokensTx(tx, store, def, id, withMeta); err != nil {
		return Change{}, err
	}

	payload, err := json.Marshal(env)
	if err != nil {
		return Change{}, fmt.Errorf("%w: encode envelope: %v", ErrStorage, err)
	}
	return s.stampChangeTx(tx, Change{
		Type:  ChangeUpsert,
		Store: store,
		Key:   id,
		Value: payload,
		Enc:   true,
	})
}

// augmentDoc copies the document and stamps engine metadata, defaulting the
// ACL from the store policy when the document carries none.
func (s *Store) augmentDoc(store, id string, doc map[string]any) map[string]any {
	out := make(map[string]any, len(doc)+4)
	for k, v := range doc {
		out[k] = v
	}
	out["id"] = id
	out[FieldUpdatedBy] = s.deviceID
	out[FieldUpdatedAt] = time.Now().UnixMilli()
	out[FieldLamport] = 0
	if _, ok := out[FieldACL]; !ok {
		if pol := s.PolicyFor(store); pol != nil && pol.Defaults != nil {
			out[FieldACL] = SanitizeACL(pol.Defaults)
		}
	}
	return out
}

// replaceTokensTx rewrites the blind-index rows for one record from the
// plaintext document.
func (s *Store) replaceTokensTx(tx *sql.Tx, store string, def StoreDef, id string, doc map[string]any) error {
	if len(def.SecureIndex) == 0 {
		return nil
	}
	table := sidxTable(store)
	if _, err := tx.Exec(fmt.Sprintf(`DELETE FROM %q WHERE id = ?`, table), id); err != nil {
		return fmt.Errorf("%w: clear tokens for %q/%q: %v", ErrStorage, store, id, err)
	}
	for _, field := range def.SecureIndex {
		text := fieldText(doc[field])
		for _, tok := range s.crypto.BlindTokens(text, cryptobox.DefaultNGram) {
			if _, err := tx.Exec(fmt.Sprintf(`
				INSERT OR IGNORE INTO %q (field, token, id) VALUES (?, ?, ?)
			`, table), field, tok, id); err != nil {
				return fmt.Errorf("%w: index token for %q/%q: %v", ErrStorage, store, id, err)
			}
		}
	}
	return nil
}

func fieldText(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	default:
		return fmt.Sprintf("%v", t)
	}
}

// Get decrypts and returns one record, with policy-restricted fields redacted
// for the caller's role. Requires READ.
func (s *Store) Get(ctx context.Context, store, id string) (map[string]any, error) {
	if err := s.assertPermission(ctx, PermRead); err != nil {
		return nil, err
	}
	if _, err := s.storeDef(store); err != nil {
		return nil, err
	}

	var iv, ct []byte
	err := s.db.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT enc_iv, enc_ct FROM %q WHERE id = ?`, store), id,
	).Scan(&iv, &ct)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s/%s", ErrNotFound, store, id)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: read %q/%q: %v", ErrStorage, store, id, err)
	}
	return s.decryptAndRedact(ctx, store, &cryptobox.Envelope{IV: iv, CT: ct})
}

// GetAll decrypts every record in a store. Requires READ.
func (s *Store) GetAll(ctx context.Context, store string) ([]map[string]any, error) {
	recs, err := s.GetAllCipher(ctx, store)
	if err != nil {
		return nil, err
	}
	out := make([]map[string]any, 0, len(recs))
	for _, rec := range recs {
		doc, err := s.decryptAndRedact(ctx, store, rec.Envelope)
		if err != nil {
			return nil, err
		}
		out = append(out, doc)
	}
	return out, nil
}

// CipherRecord is one stored row without decryption, as shipped in snapshots.
type CipherRecord struct {
	ID       string              `json:"id"`
	Envelope *cryptobox.Envelope `json:"env"`
}

// GetAllCipher returns every record as ciphertext. Requires READ.
func (s *Store) GetAllCipher(ctx context.Context, store string) ([]CipherRecord, error) {
	if err := s.assertPermission(ctx, PermRead); err != nil {
		return nil, err
	}
	if _, err := s.storeDef(store); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`SELECT id, enc_iv, enc_ct FROM %q ORDER BY id`, store))
	if err != nil {
		return nil, fmt.Errorf("%w: scan %q: %v", ErrStorage, store, err)
	}
	defer rows.Close()

	var recs []CipherRecord
	for rows.Next() {
		var rec CipherRecord
		var iv, ct []byte
		if err := rows.Scan(&rec.ID, &iv, &ct); err != nil {
			return nil, fmt.Errorf("%w: scan row in %q: %v", ErrStorage, store, err)
		}
		rec.Envelope = &cryptobox.Envelope{IV: iv, CT: ct}
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterate %q: %v", ErrStorage, store, err)
	}
	return recs, nil
}

func (s *Store) decryptAndRedact(ctx context.Context, store string, env *cryptobox.Envelope) (map[string]any, error) {
	var doc map[string]any
	if err := s.crypto.DecryptInto(env, &doc); err != nil {
		return nil, err
	}
	pol := s.PolicyFor(store)
	if pol == nil || len(pol.Fields) == 0 {
		return doc, nil
	}
	role, err := s.CurrentRole(ctx)
	if err != nil {
		return nil, err
	}
	return RedactFields(doc, pol, role), nil
}

// Delete removes one record and its tokens. Requires DELETE. Deleting an
// absent record still records the change; the tombstone must replicate.
func (s *Store) Delete(ctx context.Context, store, id string) error {
	if err := s.assertPermission(ctx, PermDelete); err != nil {
		return err
	}
	def, err := s.storeDef(store)
	if err != nil {
		return err
	}

	var change Change
	if err := s.withWriteTx(ctx, "delete", func(tx *sql.Tx) error {
		var err error
		change, err = s.deleteTx(tx, store, def, id)
		return err
	}); err != nil {
		return err
	}
	s.notify(change)
	return nil
}

func (s *Store) deleteTx(tx *sql.Tx, store string, def StoreDef, id string) (Change, error) {
	if _, err := tx.Exec(fmt.Sprintf(`DELETE FROM %q WHERE id = ?`, store), id); err != nil {
		return Change{}, fmt.Errorf("%w: delete %q/%q: %v", ErrStorage, store, id, err)
	}
	if len(def.SecureIndex) > 0 {
		if _, err := tx.Exec(fmt.Sprintf(`DELETE FROM %q WHERE id = ?`, sidxTable(store)), id); err != nil {
			return Change{}, fmt.Errorf("%w: delete tokens for %q/%q: %v", ErrStorage, store, id, err)
		}
	}
	return s.stampChangeTx(tx, Change{Type: ChangeDelete, Store: store, Key: id})
}

// Clear removes every record in a store. Requires DELETE.
func (s *Store) Clear(ctx context.Context, store string) error {
	if err := s.assertPermission(ctx, PermDelete); err != nil {
		return err
	}
	def, err := s.storeDef(store)
	if err != nil {
		return err
	}

	var change Change
	if err := s.withWriteTx(ctx, "clear", func(tx *sql.Tx) error {
		var err error
		change, err = s.clearTx(tx, store, def)
		return err
	}); err != nil {
		return err
	}
	s.notify(change)
	return nil
}

func (s *Store) clearTx(tx *sql.Tx, store string, def StoreDef) (Change, error) {
	if _, err := tx.Exec(fmt.Sprintf(`DELETE FROM %q`, store)); err != nil {
		return Change{}, fmt.Errorf("%w: clear %q: %v", ErrStorage, store, err)
	}
	if len(def.SecureIndex) > 0 {
		if _, err := tx.Exec(fmt.Sprintf(`DELETE FROM %q`, sidxTable(store))); err != nil {
			return Change{}, fmt.Errorf("%w: clear tokens for %q: %v", ErrStorage, store, err)
		}
	}
	return s.stampChangeTx(tx, Change{Type: ChangeClear, Store: store})
}

// MatchMode selects how many blind-index token hits qualify a candidate.
type MatchMode string

const (
	// MatchAll requires every query token to hit on every searched field.
	MatchAll MatchMode = "ALL"
	// MatchAny requires a single token hit.
	MatchAny MatchMode = "ANY"
)

// SearchQuery describes a partial-text search over blind-indexed fields.
type SearchQuery struct {
	Text string
	// Fields restricts the search; empty means every secure-index field.
	Fields   []string
	MinMatch MatchMode
}

// Search finds records whose blind-indexed fields contain the query text,
// without decrypting non-matches. Requires READ; the store must declare a
// secure index. Results are decrypted and redacted like Get.
func (s *Store) Search(ctx context.Context, store string, q SearchQuery) ([]map[string]any, error) {
	if err := s.assertPermission(ctx, PermRead); err != nil {
		return nil, err
	}
	def, err := s.storeDef(store)
	if err != nil {
		return nil, err
	}
	if len(def.SecureIndex) == 0 {
		return nil, fmt.Errorf("%w: store %q has no secure index", ErrConfig, store)
	}

	activeFields := q.Fields
	if len(activeFields) == 0 {
		activeFields = def.SecureIndex
	}
	queryTokens := s.crypto.BlindTokens(q.Text, cryptobox.DefaultNGram)
	if len(queryTokens) == 0 {
		return nil, nil
	}

	required := 1
	if q.MinMatch == "" || q.MinMatch == MatchAll {
		required = len(queryTokens) * len(activeFields)
	}

	// One hit per (field, token) pair thanks to the sidx primary key, so the
	// per-id count is comparable against tokens x fields.
	args := make([]any, 0, len(activeFields)+len(queryTokens))
	for _, f := range activeFields {
		args = append(args, f)
	}
	for _, t := range queryTokens {
		args = append(args, t)
	}
	query := fmt.Sprintf(`
		SELECT id FROM %q
		WHERE field IN (%s) AND token IN (%s)
		GROUP BY id
		HAVING COUNT(*) >= %d
		ORDER BY id
	`, sidxTable(store), placeholders(len(activeFields)), placeholders(len(queryTokens)), required)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: search %q: %v", ErrStorage, store, err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("%w: scan search hit: %v", ErrStorage, err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterate search hits: %v", ErrStorage, err)
	}

	out := make([]map[string]any, 0, len(ids))
	for _, id := range ids {
		doc, err := s.Get(ctx, store, id)
		if err != nil {
			return nil, err
		}
		out = append(out, doc)
	}
	return out, nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}
