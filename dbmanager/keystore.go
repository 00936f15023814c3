// Copyright 2025 The gupshup Authors
// SPDX-License-Identifier: Apache-2.0

package dbmanager

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/skhacker105/gupshup/cipherdb"
	"github.com/skhacker105/gupshup/cryptobox"
)

// ErrUnknownDatabase means no keystore record exists for the database id.
var ErrUnknownDatabase = errors.New("unknown database")

// DatabaseRecord is everything a device persists about one database
// membership: identity, schema and the secret bundle. The record is enough to
// reopen the replica after a restart.
type DatabaseRecord struct {
	DBID            string                  `json:"dbId"`
	CreatorDeviceID string                  `json:"creatorDeviceId"`
	Schema          *cipherdb.Schema        `json:"schema"`
	Secrets         *cryptobox.SecretBundle `json:"secrets"`
}

// FileKeystore stores one JSON record per database under a directory. Records
// contain raw key material, so files are written 0600 and the directory 0700.
type FileKeystore struct {
	dir string
}

// NewFileKeystore creates the directory if needed.
func NewFileKeystore(dir string) (*FileKeystore, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create keystore dir: %w", err)
	}
	return &FileKeystore{dir: dir}, nil
}

func (k *FileKeystore) recordPath(dbID string) string {
	return filepath.Join(k.dir, dbID+".json")
}

// Save writes the record atomically (temp file + rename).
func (k *FileKeystore) Save(rec *DatabaseRecord) error {
	if rec == nil || rec.DBID == "" {
		return fmt.Errorf("keystore: record must carry a database id")
	}
	raw, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("encode keystore record: %w", err)
	}
	tmp := k.recordPath(rec.DBID) + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o600); err != nil {
		return fmt.Errorf("write keystore record: %w", err)
	}
	if err := os.Rename(tmp, k.recordPath(rec.DBID)); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("commit keystore record: %w", err)
	}
	return nil
}

// Load reads the record for a database id.
func (k *FileKeystore) Load(dbID string) (*DatabaseRecord, error) {
	raw, err := os.ReadFile(k.recordPath(dbID))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownDatabase, dbID)
	}
	if err != nil {
		return nil, fmt.Errorf("read keystore record: %w", err)
	}
	var rec DatabaseRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("decode keystore record %s: %w", dbID, err)
	}
	return &rec, nil
}

// List returns the database ids with stored records.
func (k *FileKeystore) List() ([]string, error) {
	entries, err := os.ReadDir(k.dir)
	if err != nil {
		return nil, fmt.Errorf("list keystore: %w", err)
	}
	var ids []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		ids = append(ids, strings.TrimSuffix(name, ".json"))
	}
	return ids, nil
}

// Delete removes a record, e.g. after leaving a database.
func (k *FileKeystore) Delete(dbID string) error {
	err := os.Remove(k.recordPath(dbID))
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}
