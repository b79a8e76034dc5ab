// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package vault implements the key custody vault: generation,
// encrypted-at-rest storage, rotation, access auditing and recovery of
// asymmetric key material owned by a clinic.
//
// The vault exclusively owns clinic private-key ciphertext and its
// decryption path. Private keys exist in the clear only inside the
// generation and access calls; everything durable is sealed with a
// master key sourced from an external secure store.
package vault

import (
	"errors"
	"time"
)

// =============================================================================
// ERRORS
// =============================================================================

// Custody operations fail closed: an inactive, expired, missing or
// corrupted key is never silently substituted with a different one.
var (
	// ErrNotFound indicates no record exists for the key id.
	ErrNotFound = errors.New("key not found")

	// ErrKeyNotActive indicates the record exists but is deactivated.
	ErrKeyNotActive = errors.New("key not active")

	// ErrKeyExpired indicates the record's validity window has passed.
	ErrKeyExpired = errors.New("key expired")

	// ErrCorrupted indicates the stored material failed its checksum;
	// the recovery path applies, bad material is never returned.
	ErrCorrupted = errors.New("key material corrupted")

	// ErrRecoveryFailed indicates no verified backup could restore a key.
	ErrRecoveryFailed = errors.New("recovery failed")

	// ErrVaultSealed indicates the master key is unavailable.
	ErrVaultSealed = errors.New("vault master key unavailable")
)

// =============================================================================
// KEY TYPES
// =============================================================================

// KeyType is the asymmetric algorithm of a clinic key.
type KeyType string

const (
	// KeyTypeRSA generates RSA keys; KeySize selects the modulus bits.
	KeyTypeRSA KeyType = "rsa"
	// KeyTypeECDSA generates ECDSA P-256 keys; KeySize is ignored.
	KeyTypeECDSA KeyType = "ecdsa"
)

// =============================================================================
// RECORDS
// =============================================================================

// ClinicKeyRecord is the metadata for one custody-vault key. Exactly one
// record exists per key id; a clinic accumulates records over rotations,
// with at most one active outside the brief rotation handoff window.
type ClinicKeyRecord struct {
	KeyID         string    `json:"key_id"`
	ClinicID      string    `json:"clinic_id"`
	KeyType       KeyType   `json:"key_type"`
	KeySize       int       `json:"key_size"`
	PublicKeyPEM  string    `json:"public_key_pem"`
	CreatedAt     time.Time `json:"created_at"`
	ExpiresAt     time.Time `json:"expires_at,omitempty"`
	IsActive      bool      `json:"is_active"`
	AccessCount   int64     `json:"access_count"`
	LastAccessed  time.Time `json:"last_accessed,omitempty"`
	RotationCount int       `json:"rotation_count"`
	VaultLocation string    `json:"vault_location"`
	Checksum      string    `json:"checksum"`
}

// Expired reports whether the record's validity window has passed.
func (r *ClinicKeyRecord) Expired(now time.Time) bool {
	return !r.ExpiresAt.IsZero() && now.After(r.ExpiresAt)
}

// AccessAuditEntry records one custody-vault key access attempt,
// success or failure.
type AccessAuditEntry struct {
	Timestamp time.Time `json:"timestamp"`
	KeyID     string    `json:"key_id"`
	ClinicID  string    `json:"clinic_id"`
	Operation string    `json:"operation"`
	Actor     string    `json:"actor"`
	Success   bool      `json:"success"`
	Reason    string    `json:"reason,omitempty"`
}

// RotationResult reports a completed clinic key rotation.
type RotationResult struct {
	ClinicID   string    `json:"clinic_id"`
	OldKeyID   string    `json:"old_key_id"`
	NewKeyID   string    `json:"new_key_id"`
	BackupPath string    `json:"backup_path"`
	RotatedAt  time.Time `json:"rotated_at"`
}

// KeyRecoveryOutcome is the per-key result of a recovery pass.
type KeyRecoveryOutcome struct {
	KeyID      string `json:"key_id"`
	Recovered  bool   `json:"recovered"`
	BackupPath string `json:"backup_path,omitempty"`
	Error      string `json:"error,omitempty"`
}

// RecoveryResult aggregates a recovery pass over one clinic's keys.
// A canceled recovery reports the partial counts accumulated so far.
type RecoveryResult struct {
	ClinicID      string               `json:"clinic_id"`
	KeysChecked   int                  `json:"keys_checked"`
	KeysRecovered int                  `json:"keys_recovered"`
	Unrecoverable int                  `json:"unrecoverable"`
	Outcomes      []KeyRecoveryOutcome `json:"outcomes"`
}

// PrivateKeyHandle carries decrypted private key material for the
// duration of one custody operation. Callers must Close it promptly;
// the vault never caches plaintext beyond the access call.
type PrivateKeyHandle struct {
	KeyID string
	PEM   []byte
}

// Close zeros the decrypted material.
func (h *PrivateKeyHandle) Close() {
	zeroBytes(h.PEM)
	h.PEM = nil
}

// zeroBytes securely zeros sensitive byte slices to prevent memory disclosure.
func zeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
