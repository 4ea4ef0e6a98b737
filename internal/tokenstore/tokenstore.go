// Package tokenstore persists one credential record per connected
// account, keyed by (schema, account). Records hold an OAuth2 token
// plus opaque backend metadata and are written atomically with
// owner-only permissions. Encryption at rest is the responsibility of
// the embedding application; this store treats the payload as opaque.
package tokenstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"

	"golang.org/x/oauth2"
)

// FilePerms restricts record files to owner-only read/write.
const FilePerms = 0o600

// DirPerms is used when creating schema directories.
const DirPerms = 0o700

// Record is the on-disk format for one account's credentials.
type Record struct {
	Token *oauth2.Token     `json:"token"`
	Meta  map[string]string `json:"meta,omitempty"`
}

// Store reads and writes credential records under a base directory,
// one subdirectory per schema, one file per account.
type Store struct {
	dir string
}

// New creates a Store rooted at dir.
func New(dir string) *Store {
	return &Store{dir: dir}
}

// path returns the record file path for (schema, account). The
// account is escaped so identifiers like email addresses produce
// safe file names.
func (s *Store) path(schema, account string) string {
	return filepath.Join(s.dir, schema, url.PathEscape(account)+".json")
}

// Load reads the record for one account. Returns (nil, nil) if no
// record exists.
func (s *Store) Load(schema, account string) (*Record, error) {
	path := s.path(schema, account)

	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil //nolint:nilnil // sentinel for "not found"
	}

	if err != nil {
		return nil, fmt.Errorf("tokenstore: reading %s: %w", path, err)
	}

	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("tokenstore: decoding %s: %w", path, err)
	}

	if rec.Token == nil {
		return nil, fmt.Errorf("tokenstore: %s missing token field", path)
	}

	return &rec, nil
}

// Save writes a record atomically (write-to-temp + rename) with 0600
// permissions. Never logs token values.
func (s *Store) Save(schema, account string, rec *Record) error {
	if rec == nil || rec.Token == nil {
		return fmt.Errorf("tokenstore: refusing to save empty record for %s:%s", schema, account)
	}

	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("tokenstore: encoding: %w", err)
	}

	path := s.path(schema, account)

	dir := filepath.Dir(path)
	if mkErr := os.MkdirAll(dir, DirPerms); mkErr != nil {
		return fmt.Errorf("tokenstore: creating directory %s: %w", dir, mkErr)
	}

	// Atomic write: temp file in the same directory, then rename.
	// Same directory guarantees same filesystem for rename(2).
	tmp, err := os.CreateTemp(dir, ".record-*.tmp")
	if err != nil {
		return fmt.Errorf("tokenstore: creating temp file: %w", err)
	}

	tmpPath := tmp.Name()

	success := false
	defer func() {
		if !success {
			_ = os.Remove(tmpPath)
		}
	}()

	if err := os.Chmod(tmpPath, FilePerms); err != nil {
		tmp.Close()
		return fmt.Errorf("tokenstore: setting permissions: %w", err)
	}

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("tokenstore: writing: %w", err)
	}

	// Flush before rename so a crash cannot leave a truncated record
	// at the final path.
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("tokenstore: syncing: %w", err)
	}

	if err := tmp.Close(); err != nil {
		return fmt.Errorf("tokenstore: closing: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("tokenstore: renaming: %w", err)
	}

	success = true

	return nil
}

// Delete removes one account's record. Missing records are not an
// error.
func (s *Store) Delete(schema, account string) error {
	err := os.Remove(s.path(schema, account))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("tokenstore: deleting %s:%s: %w", schema, account, err)
	}

	return nil
}

// DeleteAll removes every record for a schema.
func (s *Store) DeleteAll(schema string) error {
	if err := os.RemoveAll(filepath.Join(s.dir, schema)); err != nil {
		return fmt.Errorf("tokenstore: deleting schema %s: %w", schema, err)
	}

	return nil
}

// List returns the accounts with a persisted record for a schema.
func (s *Store) List(schema string) ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(s.dir, schema))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}

	if err != nil {
		return nil, fmt.Errorf("tokenstore: listing schema %s: %w", schema, err)
	}

	accounts := make([]string, 0, len(entries))

	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || filepath.Ext(name) != ".json" {
			continue
		}

		account, err := url.PathUnescape(name[:len(name)-len(".json")])
		if err != nil {
			continue
		}

		accounts = append(accounts, account)
	}

	return accounts, nil
}
