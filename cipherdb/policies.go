// Copyright 2025 The gupshup Authors
// SPDX-License-Identifier: Apache-2.0

package cipherdb

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
)

// ACL lists the roles allowed to read or write a document. Stored inside the
// encrypted payload under "_acl"; an empty list means no restriction.
type ACL struct {
	Read  []string `json:"read"`
	Write []string `json:"write"`
}

// FieldRule restricts which roles may see one document field.
type FieldRule struct {
	Read []string `json:"read,omitempty"`
}

// Policy is a per-store default ACL plus field-level visibility rules,
// consulted when a new document carries no explicit "_acl".
type Policy struct {
	Defaults *ACL                 `json:"defaults,omitempty"`
	Fields   map[string]FieldRule `json:"fields,omitempty"`
}

// SanitizeACL normalizes an ACL to deduplicated, sorted role lists.
func SanitizeACL(acl *ACL) *ACL {
	norm := &ACL{Read: []string{}, Write: []string{}}
	if acl == nil {
		return norm
	}
	norm.Read = dedupRoles(acl.Read)
	norm.Write = dedupRoles(acl.Write)
	return norm
}

func dedupRoles(roles []string) []string {
	seen := make(map[string]bool, len(roles))
	out := make([]string, 0, len(roles))
	for _, r := range roles {
		if r == "" || seen[r] {
			continue
		}
		seen[r] = true
		out = append(out, r)
	}
	sort.Strings(out)
	return out
}

// RedactFields removes fields the given role may not read, per the policy's
// field rules. A field without a rule, or a rule without a read list, stays.
func RedactFields(doc map[string]any, policy *Policy, role string) map[string]any {
	if policy == nil || len(policy.Fields) == 0 {
		return doc
	}
	out := make(map[string]any, len(doc))
	for k, v := range doc {
		out[k] = v
	}
	for field, rule := range policy.Fields {
		if rule.Read == nil {
			continue
		}
		allowed := false
		for _, r := range rule.Read {
			if r == role {
				allowed = true
				break
			}
		}
		if !allowed {
			delete(out, field)
		}
	}
	return out
}

// SetPolicy installs the default-ACL policy for a store. Creator-only; the
// policy row replicates like any other system-table change.
func (s *Store) SetPolicy(ctx context.Context, store string, policy *Policy) error {
	if err := s.assertCreator(ctx); err != nil {
		return err
	}
	if _, err := s.storeDef(store); err != nil {
		return err
	}
	if policy == nil {
		return fmt.Errorf("%w: nil policy", ErrConfig)
	}

	var change Change
	if err := s.withWriteTx(ctx, "policy", func(tx *sql.Tx) error {
		var err error
		change, err = s.upsertPolicyTx(tx, store, policy)
		return err
	}); err != nil {
		return err
	}
	s.setPolicyCache(store, policy)
	s.notify(change)
	return nil
}

// PolicyFor returns the cached policy for a store, or nil.
func (s *Store) PolicyFor(store string) *Policy {
	s.polMu.RLock()
	defer s.polMu.RUnlock()
	return s.policies[store]
}

func (s *Store) setPolicyCache(store string, policy *Policy) {
	s.polMu.Lock()
	s.policies[store] = policy
	s.polMu.Unlock()
}

// upsertPolicyTx persists the policy row and its changelog entry inside tx.
// Runs under withWriteTx.
func (s *Store) upsertPolicyTx(tx *sql.Tx, store string, policy *Policy) (Change, error) {
	raw, err := json.Marshal(policy)
	if err != nil {
		return Change{}, fmt.Errorf("%w: encode policy: %v", ErrStorage, err)
	}

	if _, err := tx.Exec(`
		INSERT INTO _policies (store, policy) VALUES (?, ?)
		ON CONFLICT(store) DO UPDATE SET policy = excluded.policy
	`, store, string(raw)); err != nil {
		return Change{}, fmt.Errorf("%w: upsert policy for %q: %v", ErrStorage, store, err)
	}

	payload, err := json.Marshal(struct {
		Store  string  `json:"store"`
		Policy *Policy `json:"policy"`
	}{store, policy})
	if err != nil {
		return Change{}, fmt.Errorf("%w: encode policy change: %v", ErrStorage, err)
	}
	return s.stampChangeTx(tx, Change{
		Type:  ChangePolicyUpsert,
		Store: "_policies",
		Key:   store,
		Value: payload,
	})
}

// loadPolicies warms the in-memory policy cache at open.
func (s *Store) loadPolicies() error {
	rows, err := s.db.Query(`SELECT store, policy FROM _policies`)
	if err != nil {
		return fmt.Errorf("%w: load policies: %v", ErrStorage, err)
	}
	defer rows.Close()

	policies := map[string]*Policy{}
	for rows.Next() {
		var store, raw string
		if err := rows.Scan(&store, &raw); err != nil {
			return fmt.Errorf("%w: scan policy: %v", ErrStorage, err)
		}
		var p Policy
		if err := json.Unmarshal([]byte(raw), &p); err != nil {
			return fmt.Errorf("%w: decode policy for %q: %v", ErrStorage, store, err)
		}
		policies[store] = &p
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("%w: iterate policies: %v", ErrStorage, err)
	}

	s.polMu.Lock()
	s.policies = policies
	s.polMu.Unlock()
	return nil
}
