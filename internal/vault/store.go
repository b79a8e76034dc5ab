// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// store.go - vault metadata and access-audit persistence.
//
// One metadata row per key id plus an append-only access_audit table,
// backed by SQLite so that a recovery operation can distinguish "no key"
// from "key present but metadata missing" without parsing blobs.
package vault

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver
)

// schema creates the vault tables.
const schema = `
CREATE TABLE IF NOT EXISTS clinic_keys (
	key_id         TEXT PRIMARY KEY,
	clinic_id      TEXT NOT NULL,
	key_type       TEXT NOT NULL,
	key_size       INTEGER NOT NULL,
	public_key_pem TEXT NOT NULL,
	created_at     TEXT NOT NULL,
	expires_at     TEXT NOT NULL DEFAULT '',
	is_active      INTEGER NOT NULL DEFAULT 1,
	access_count   INTEGER NOT NULL DEFAULT 0,
	last_accessed  TEXT NOT NULL DEFAULT '',
	rotation_count INTEGER NOT NULL DEFAULT 0,
	vault_location TEXT NOT NULL,
	checksum       TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_clinic_keys_clinic ON clinic_keys(clinic_id);

CREATE TABLE IF NOT EXISTS access_audit (
	id        INTEGER PRIMARY KEY AUTOINCREMENT,
	timestamp TEXT NOT NULL,
	key_id    TEXT NOT NULL,
	clinic_id TEXT NOT NULL,
	operation TEXT NOT NULL,
	actor     TEXT NOT NULL,
	success   INTEGER NOT NULL,
	reason    TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_access_audit_key ON access_audit(key_id);
`

// metadataStore wraps the vault SQLite database.
type metadataStore struct {
	db *sql.DB
}

// openMetadataStore opens (creating if needed) the vault database.
func openMetadataStore(path string) (*metadataStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("failed to create vault directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open vault database: %w", err)
	}

	// SQLite supports one writer at a time.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=FULL",
		"PRAGMA foreign_keys=ON",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set pragma: %w", err)
		}
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize vault schema: %w", err)
	}

	return &metadataStore{db: db}, nil
}

func (s *metadataStore) close() error {
	return s.db.Close()
}

// =============================================================================
// CLINIC KEY RECORDS
// =============================================================================

func (s *metadataStore) insertRecord(rec *ClinicKeyRecord) error {
	_, err := s.db.Exec(`
		INSERT INTO clinic_keys
			(key_id, clinic_id, key_type, key_size, public_key_pem,
			 created_at, expires_at, is_active, access_count,
			 last_accessed, rotation_count, vault_location, checksum)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.KeyID, rec.ClinicID, string(rec.KeyType), rec.KeySize, rec.PublicKeyPEM,
		formatTime(rec.CreatedAt), formatTime(rec.ExpiresAt), boolToInt(rec.IsActive),
		rec.AccessCount, formatTime(rec.LastAccessed), rec.RotationCount,
		rec.VaultLocation, rec.Checksum)
	if err != nil {
		return fmt.Errorf("failed to insert key record: %w", err)
	}
	return nil
}

func (s *metadataStore) getRecord(keyID string) (*ClinicKeyRecord, error) {
	row := s.db.QueryRow(`
		SELECT key_id, clinic_id, key_type, key_size, public_key_pem,
		       created_at, expires_at, is_active, access_count,
		       last_accessed, rotation_count, vault_location, checksum
		FROM clinic_keys WHERE key_id = ?`, keyID)
	rec, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read key record: %w", err)
	}
	return rec, nil
}

func (s *metadataStore) listByClinic(clinicID string) ([]*ClinicKeyRecord, error) {
	rows, err := s.db.Query(`
		SELECT key_id, clinic_id, key_type, key_size, public_key_pem,
		       created_at, expires_at, is_active, access_count,
		       last_accessed, rotation_count, vault_location, checksum
		FROM clinic_keys WHERE clinic_id = ? ORDER BY created_at`, clinicID)
	if err != nil {
		return nil, fmt.Errorf("failed to list key records: %w", err)
	}
	defer rows.Close()

	var records []*ClinicKeyRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan key record: %w", err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

func (s *metadataStore) setActive(keyID string, active bool) error {
	res, err := s.db.Exec(`UPDATE clinic_keys SET is_active = ? WHERE key_id = ?`,
		boolToInt(active), keyID)
	if err != nil {
		return fmt.Errorf("failed to update key record: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *metadataStore) bumpAccess(keyID string, at time.Time) error {
	_, err := s.db.Exec(`
		UPDATE clinic_keys
		SET access_count = access_count + 1, last_accessed = ?
		WHERE key_id = ?`, formatTime(at), keyID)
	if err != nil {
		return fmt.Errorf("failed to update access stats: %w", err)
	}
	return nil
}

// scanner covers both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(sc scanner) (*ClinicKeyRecord, error) {
	var rec ClinicKeyRecord
	var keyType string
	var createdAt, expiresAt, lastAccessed string
	var isActive int
	if err := sc.Scan(&rec.KeyID, &rec.ClinicID, &keyType, &rec.KeySize, &rec.PublicKeyPEM,
		&createdAt, &expiresAt, &isActive, &rec.AccessCount,
		&lastAccessed, &rec.RotationCount, &rec.VaultLocation, &rec.Checksum); err != nil {
		return nil, err
	}
	rec.KeyType = KeyType(keyType)
	rec.IsActive = isActive != 0
	rec.CreatedAt = parseTime(createdAt)
	rec.ExpiresAt = parseTime(expiresAt)
	rec.LastAccessed = parseTime(lastAccessed)
	return &rec, nil
}

// =============================================================================
// ACCESS AUDIT
// =============================================================================

func (s *metadataStore) logAccess(entry AccessAuditEntry) error {
	_, err := s.db.Exec(`
		INSERT INTO access_audit (timestamp, key_id, clinic_id, operation, actor, success, reason)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		formatTime(entry.Timestamp), entry.KeyID, entry.ClinicID,
		entry.Operation, entry.Actor, boolToInt(entry.Success), entry.Reason)
	if err != nil {
		return fmt.Errorf("failed to log access entry: %w", err)
	}
	return nil
}

func (s *metadataStore) listAccess(keyID string, limit int) ([]AccessAuditEntry, error) {
	rows, err := s.db.Query(`
		SELECT timestamp, key_id, clinic_id, operation, actor, success, reason
		FROM access_audit WHERE key_id = ? ORDER BY id DESC LIMIT ?`, keyID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list access entries: %w", err)
	}
	defer rows.Close()

	var entries []AccessAuditEntry
	for rows.Next() {
		var entry AccessAuditEntry
		var ts string
		var success int
		if err := rows.Scan(&ts, &entry.KeyID, &entry.ClinicID,
			&entry.Operation, &entry.Actor, &success, &entry.Reason); err != nil {
			return nil, fmt.Errorf("failed to scan access entry: %w", err)
		}
		entry.Timestamp = parseTime(ts)
		entry.Success = success != 0
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// =============================================================================
// HELPERS
// =============================================================================

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
