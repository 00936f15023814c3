// Copyright 2025 The gupshup Authors
// SPDX-License-Identifier: Apache-2.0

package cipherdb

import (
	"fmt"
	"regexp"
)

// Schema describes the keyed object stores of one logical database. Upgrades
// are additive-only: a newer version may add stores, indexes and secure-index
// fields, never remove them.
type Schema struct {
	Version int                 `json:"version"`
	Stores  map[string]StoreDef `json:"stores"`
}

// StoreDef configures one keyed object store.
type StoreDef struct {
	// Indexes are plain indexes over the engine-maintained metadata columns
	// (updated_at, updated_by). Document fields cannot be plainly indexed:
	// they only exist as ciphertext at rest.
	Indexes []Index `json:"indexes,omitempty"`

	// SecureIndex lists document fields to blind-index. Their plaintext never
	// reaches storage; only keyed-hash tokens do.
	SecureIndex []string `json:"secureIndex,omitempty"`
}

// Index is a plain index declaration.
type Index struct {
	Name    string `json:"name"`
	KeyPath string `json:"keyPath"`
}

var identRe = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// metaColumns are the only columns a plain index may target; everything else
// is ciphertext.
var metaColumns = map[string]bool{
	"updated_at": true,
	"updated_by": true,
}

// Validate checks identifiers and index targets. Store names starting with an
// underscore are reserved for system tables.
func (s *Schema) Validate() error {
	if s == nil {
		return fmt.Errorf("%w: nil schema", ErrConfig)
	}
	if s.Version < 1 {
		return fmt.Errorf("%w: schema version must be >= 1", ErrConfig)
	}
	for name, def := range s.Stores {
		if !identRe.MatchString(name) {
			return fmt.Errorf("%w: invalid store name %q", ErrConfig, name)
		}
		if name[0] == '_' {
			return fmt.Errorf("%w: store name %q is reserved", ErrConfig, name)
		}
		for _, idx := range def.Indexes {
			if !identRe.MatchString(idx.Name) {
				return fmt.Errorf("%w: invalid index name %q on store %q", ErrConfig, idx.Name, name)
			}
			if !metaColumns[idx.KeyPath] {
				return fmt.Errorf("%w: index %q on store %q targets %q; only metadata columns can be plainly indexed", ErrConfig, idx.Name, name, idx.KeyPath)
			}
		}
		for _, field := range def.SecureIndex {
			if field == "" {
				return fmt.Errorf("%w: empty secure-index field on store %q", ErrConfig, name)
			}
		}
	}
	return nil
}

// storeDef returns the definition for a configured store.
func (s *Store) storeDef(name string) (StoreDef, error) {
	def, ok := s.schema.Stores[name]
	if !ok {
		return StoreDef{}, fmt.Errorf("%w: store %q is not configured", ErrConfig, name)
	}
	return def, nil
}

func sidxTable(store string) string { return store + "__sidx" }
