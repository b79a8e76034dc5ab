// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// vault.go - custody vault operations: generate, access, rotate, recover.
package vault

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jeranaias/veritrail/internal/audit"
	"github.com/jeranaias/veritrail/internal/util"
)

// minRSABits is the smallest accepted RSA modulus.
const minRSABits = 2048

// sealedKeyExt is the on-disk suffix for sealed private key blobs.
const sealedKeyExt = ".pem.enc"

// AuditSink receives tamper-evident chain events for vault operations.
// A nil sink disables chain emission; the SQLite access audit always runs.
type AuditSink interface {
	Append(encounterRef string, eventType audit.EventType, actor audit.Actor, metadata map[string]string) (string, error)
}

// Vault owns clinic private-key custody: all key material it persists
// is sealed with the master key, and every access attempt is audited.
type Vault struct {
	dir    string
	cipher *boxCipher
	store  *metadataStore
	sink   AuditSink

	mu  sync.Mutex
	now func() time.Time
}

// New opens (creating if needed) the custody vault rooted at dir.
// The master key is retrieved from masterStore, generated on first use.
func New(dir string, masterStore MasterKeyStore, sink AuditSink) (*Vault, error) {
	if !masterStore.Exists() {
		key, err := GenerateMasterKey()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrVaultSealed, err)
		}
		if err := masterStore.Store(key); err != nil {
			zeroBytes(key)
			return nil, fmt.Errorf("%w: %v", ErrVaultSealed, err)
		}
		zeroBytes(key)
	}

	masterKey, err := masterStore.Retrieve()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrVaultSealed, err)
	}
	cipher, err := newBoxCipher(masterKey)
	zeroBytes(masterKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrVaultSealed, err)
	}

	for _, sub := range []string{"keys", "backups"} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0700); err != nil {
			return nil, fmt.Errorf("failed to create vault directory: %w", err)
		}
	}

	store, err := openMetadataStore(filepath.Join(dir, "vault.db"))
	if err != nil {
		return nil, err
	}

	return &Vault{
		dir:    dir,
		cipher: cipher,
		store:  store,
		sink:   sink,
		now:    time.Now,
	}, nil
}

// SetClock overrides the vault clock. Used by tests.
func (v *Vault) SetClock(now func() time.Time) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.now = now
}

// Close releases the metadata store.
func (v *Vault) Close() error {
	return v.store.close()
}

func (v *Vault) keyPath(keyID string) string {
	return filepath.Join(v.dir, "keys", keyID+sealedKeyExt)
}

func (v *Vault) backupPath(keyID string, at time.Time) string {
	name := fmt.Sprintf("%s-%d%s", keyID, at.UTC().Unix(), sealedKeyExt)
	return filepath.Join(v.dir, "backups", name)
}

// =============================================================================
// GENERATION
// =============================================================================

// GenerateKey generates a fresh clinic key, seals the private half under
// the master key and records active metadata. expiry of zero means the
// key never expires on its own.
func (v *Vault) GenerateKey(clinicID string, keyType KeyType, keySize int, expiry time.Duration, actor string) (*ClinicKeyRecord, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.generateLocked(clinicID, keyType, keySize, expiry, actor, 0)
}

func (v *Vault) generateLocked(clinicID string, keyType KeyType, keySize int, expiry time.Duration, actor string, rotationCount int) (*ClinicKeyRecord, error) {
	now := v.now().UTC()
	keyID := "ck-" + uuid.NewString()

	privPEM, pubPEM, effectiveSize, err := generateKeyPair(keyType, keySize)
	if err != nil {
		v.recordAccess(keyID, clinicID, "generate", actor, false, err.Error())
		return nil, err
	}
	defer zeroBytes(privPEM)

	checksum := checksumHex(privPEM)
	sealed, err := v.cipher.seal(privPEM)
	if err != nil {
		v.recordAccess(keyID, clinicID, "generate", actor, false, err.Error())
		return nil, fmt.Errorf("failed to seal private key: %w", err)
	}

	path := v.keyPath(keyID)
	if err := util.AtomicWriteFile(path, sealed, 0600); err != nil {
		v.recordAccess(keyID, clinicID, "generate", actor, false, err.Error())
		return nil, fmt.Errorf("failed to store sealed key: %w", err)
	}

	rec := &ClinicKeyRecord{
		KeyID:         keyID,
		ClinicID:      clinicID,
		KeyType:       keyType,
		KeySize:       effectiveSize,
		PublicKeyPEM:  string(pubPEM),
		CreatedAt:     now,
		IsActive:      true,
		RotationCount: rotationCount,
		VaultLocation: path,
		Checksum:      checksum,
	}
	if expiry > 0 {
		rec.ExpiresAt = now.Add(expiry)
	}
	if err := v.store.insertRecord(rec); err != nil {
		os.Remove(path)
		return nil, err
	}

	v.recordAccess(keyID, clinicID, "generate", actor, true, "")
	v.emitChainEvent(audit.EventVaultAccess, map[string]string{
		"operation": "generate",
		"key_id":    keyID,
		"clinic_id": clinicID,
		"key_type":  string(keyType),
	})
	return rec, nil
}

func generateKeyPair(keyType KeyType, keySize int) (privPEM, pubPEM []byte, effectiveSize int, err error) {
	var priv any
	switch keyType {
	case KeyTypeRSA:
		if keySize == 0 {
			keySize = minRSABits
		}
		if keySize < minRSABits {
			return nil, nil, 0, fmt.Errorf("rsa key size %d below minimum %d", keySize, minRSABits)
		}
		priv, err = rsa.GenerateKey(rand.Reader, keySize)
		effectiveSize = keySize
	case KeyTypeECDSA:
		priv, err = ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
		effectiveSize = 256
	default:
		return nil, nil, 0, fmt.Errorf("unsupported key type %q", keyType)
	}
	if err != nil {
		return nil, nil, 0, fmt.Errorf("failed to generate key pair: %w", err)
	}

	privDER, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return nil, nil, 0, fmt.Errorf("failed to marshal private key: %w", err)
	}
	defer zeroBytes(privDER)

	var pubDER []byte
	switch k := priv.(type) {
	case *rsa.PrivateKey:
		pubDER, err = x509.MarshalPKIXPublicKey(&k.PublicKey)
	case *ecdsa.PrivateKey:
		pubDER, err = x509.MarshalPKIXPublicKey(&k.PublicKey)
	}
	if err != nil {
		return nil, nil, 0, fmt.Errorf("failed to marshal public key: %w", err)
	}

	privPEM = pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: privDER})
	pubPEM = pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubDER})
	return privPEM, pubPEM, effectiveSize, nil
}

func checksumHex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// =============================================================================
// ACCESS
// =============================================================================

// AccessKey decrypts and returns the private key for keyID. The caller
// states what the key is for: operation (defaulting to "access") and
// reason are recorded on the audit entry whether or not the attempt
// succeeds. The call fails closed: inactive, expired, missing or
// corrupted keys return an error and never substitute material.
func (v *Vault) AccessKey(keyID, actor, operation, reason string) (*PrivateKeyHandle, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if operation == "" {
		operation = "access"
	}
	deny := func(clinicID, cause string) {
		v.recordAccess(keyID, clinicID, operation, actor, false, joinReason(reason, cause))
	}

	rec, err := v.store.getRecord(keyID)
	if err != nil {
		deny("", err.Error())
		return nil, err
	}
	if !rec.IsActive {
		deny(rec.ClinicID, "key not active")
		return nil, ErrKeyNotActive
	}
	if rec.Expired(v.now()) {
		deny(rec.ClinicID, "key expired")
		return nil, ErrKeyExpired
	}

	privPEM, err := v.openSealed(rec.VaultLocation, rec.Checksum)
	if err != nil {
		deny(rec.ClinicID, err.Error())
		return nil, err
	}

	if err := v.store.bumpAccess(keyID, v.now().UTC()); err != nil {
		fmt.Fprintf(os.Stderr, "[VAULT WARN] failed to update access stats for %s: %v\n", keyID, err)
	}
	v.recordAccess(keyID, rec.ClinicID, operation, actor, true, reason)
	meta := map[string]string{
		"operation": operation,
		"key_id":    keyID,
		"clinic_id": rec.ClinicID,
	}
	if reason != "" {
		meta["reason"] = reason
	}
	v.emitChainEvent(audit.EventVaultAccess, meta)

	return &PrivateKeyHandle{KeyID: keyID, PEM: privPEM}, nil
}

// joinReason combines the caller's stated reason with a denial cause so
// denied entries keep both.
func joinReason(reason, cause string) string {
	if reason == "" {
		return cause
	}
	return reason + "; " + cause
}

// openSealed reads, decrypts and checksum-verifies one sealed blob.
func (v *Vault) openSealed(path, wantChecksum string) ([]byte, error) {
	sealed, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: sealed blob missing", ErrCorrupted)
		}
		return nil, fmt.Errorf("failed to read sealed key: %w", err)
	}
	privPEM, err := v.cipher.open(sealed)
	if err != nil {
		return nil, err
	}
	if checksumHex(privPEM) != wantChecksum {
		zeroBytes(privPEM)
		return nil, fmt.Errorf("%w: checksum mismatch", ErrCorrupted)
	}
	return privPEM, nil
}

// =============================================================================
// ROTATION
// =============================================================================

// RotateKey rotates the clinic's active key: the outgoing sealed blob is
// backed up and verified before the old record is deactivated, then a
// fresh key of the same type and size becomes active.
func (v *Vault) RotateKey(clinicID, actor string) (*RotationResult, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	old, err := v.activeRecordLocked(clinicID)
	if err != nil {
		v.recordAccess("", clinicID, "rotate", actor, false, err.Error())
		return nil, err
	}
	now := v.now().UTC()

	// Backup before deactivate: the old key must survive a mid-rotation
	// crash. The backup is decrypt-verified before the old record goes
	// inactive.
	backupPath := v.backupPath(old.KeyID, now)
	sealed, err := os.ReadFile(old.VaultLocation)
	if err != nil {
		v.recordAccess(old.KeyID, clinicID, "rotate", actor, false, err.Error())
		return nil, fmt.Errorf("failed to read sealed key for backup: %w", err)
	}
	if err := util.AtomicWriteFile(backupPath, sealed, 0600); err != nil {
		v.recordAccess(old.KeyID, clinicID, "rotate", actor, false, err.Error())
		return nil, fmt.Errorf("failed to write key backup: %w", err)
	}
	plain, err := v.openSealed(backupPath, old.Checksum)
	if err != nil {
		v.recordAccess(old.KeyID, clinicID, "rotate", actor, false, "backup verification failed: "+err.Error())
		return nil, fmt.Errorf("backup verification failed: %w", err)
	}
	zeroBytes(plain)

	var expiry time.Duration
	if !old.ExpiresAt.IsZero() {
		expiry = old.ExpiresAt.Sub(old.CreatedAt)
	}
	newRec, err := v.generateLocked(clinicID, old.KeyType, old.KeySize, expiry, actor, old.RotationCount+1)
	if err != nil {
		return nil, err
	}

	if err := v.store.setActive(old.KeyID, false); err != nil {
		return nil, fmt.Errorf("failed to deactivate old key: %w", err)
	}
	v.recordAccess(old.KeyID, clinicID, "rotate", actor, true, "rotated to "+newRec.KeyID)
	v.emitChainEvent(audit.EventKeyRotation, map[string]string{
		"operation":  "rotate",
		"clinic_id":  clinicID,
		"old_key_id": old.KeyID,
		"new_key_id": newRec.KeyID,
	})

	return &RotationResult{
		ClinicID:   clinicID,
		OldKeyID:   old.KeyID,
		NewKeyID:   newRec.KeyID,
		BackupPath: backupPath,
		RotatedAt:  now,
	}, nil
}

func (v *Vault) activeRecordLocked(clinicID string) (*ClinicKeyRecord, error) {
	records, err := v.store.listByClinic(clinicID)
	if err != nil {
		return nil, err
	}
	for _, rec := range records {
		if rec.IsActive {
			return rec, nil
		}
	}
	return nil, ErrNotFound
}

// Deactivate marks a key inactive without rotating. The sealed blob and
// metadata remain for verification of historic material.
func (v *Vault) Deactivate(keyID, actor string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.store.setActive(keyID, false); err != nil {
		v.recordAccess(keyID, "", "deactivate", actor, false, err.Error())
		return err
	}
	v.recordAccess(keyID, "", "deactivate", actor, true, "")
	return nil
}

// Reactivate explicitly restores an inactive key to active. Rotated-out
// keys never reactivate implicitly.
func (v *Vault) Reactivate(keyID, actor string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	rec, err := v.store.getRecord(keyID)
	if err != nil {
		v.recordAccess(keyID, "", "reactivate", actor, false, err.Error())
		return err
	}
	if err := v.store.setActive(keyID, true); err != nil {
		v.recordAccess(keyID, rec.ClinicID, "reactivate", actor, false, err.Error())
		return err
	}
	v.recordAccess(keyID, rec.ClinicID, "reactivate", actor, true, "")
	return nil
}

// =============================================================================
// RECOVERY
// =============================================================================

// Recover checks every key of the clinic and restores corrupted or
// missing sealed blobs from the most recent verified backup. The
// caller's reason is recorded on every per-key audit entry. A canceled
// context returns the partial counts accumulated so far.
func (v *Vault) Recover(ctx context.Context, clinicID, actor, reason string) (*RecoveryResult, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	records, err := v.store.listByClinic(clinicID)
	if err != nil {
		return nil, err
	}

	result := &RecoveryResult{ClinicID: clinicID}
	for _, rec := range records {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		result.KeysChecked++

		plain, err := v.openSealed(rec.VaultLocation, rec.Checksum)
		if err == nil {
			zeroBytes(plain)
			continue
		}

		outcome := v.restoreFromBackupLocked(rec)
		if outcome.Recovered {
			result.KeysRecovered++
			v.recordAccess(rec.KeyID, clinicID, "recover", actor, true, joinReason(reason, "restored from "+outcome.BackupPath))
		} else {
			result.Unrecoverable++
			v.recordAccess(rec.KeyID, clinicID, "recover", actor, false, joinReason(reason, outcome.Error))
		}
		result.Outcomes = append(result.Outcomes, outcome)
	}

	meta := map[string]string{
		"operation":      "recover",
		"clinic_id":      clinicID,
		"keys_checked":   fmt.Sprintf("%d", result.KeysChecked),
		"keys_recovered": fmt.Sprintf("%d", result.KeysRecovered),
		"unrecoverable":  fmt.Sprintf("%d", result.Unrecoverable),
	}
	if reason != "" {
		meta["reason"] = reason
	}
	v.emitChainEvent(audit.EventVaultAccess, meta)
	return result, nil
}

// restoreFromBackupLocked tries the key's backups newest-first and
// restores the primary blob from the first one that decrypts and
// matches the recorded checksum.
func (v *Vault) restoreFromBackupLocked(rec *ClinicKeyRecord) KeyRecoveryOutcome {
	outcome := KeyRecoveryOutcome{KeyID: rec.KeyID}

	backups, err := v.backupsFor(rec.KeyID)
	if err != nil {
		outcome.Error = err.Error()
		return outcome
	}
	if len(backups) == 0 {
		outcome.Error = ErrRecoveryFailed.Error() + ": no backups"
		return outcome
	}

	for _, backup := range backups {
		plain, err := v.openSealed(backup, rec.Checksum)
		if err != nil {
			continue
		}
		zeroBytes(plain)
		sealed, err := os.ReadFile(backup)
		if err != nil {
			continue
		}
		if err := util.AtomicWriteFile(rec.VaultLocation, sealed, 0600); err != nil {
			outcome.Error = err.Error()
			return outcome
		}
		outcome.Recovered = true
		outcome.BackupPath = backup
		return outcome
	}

	outcome.Error = ErrRecoveryFailed.Error() + ": no backup passed verification"
	return outcome
}

// backupsFor lists the key's backup blobs, newest first. Backup names
// embed the rotation timestamp, so a reverse lexical sort of equal-width
// epoch seconds orders them newest-first.
func (v *Vault) backupsFor(keyID string) ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(v.dir, "backups"))
	if err != nil {
		return nil, fmt.Errorf("failed to list backups: %w", err)
	}
	var backups []string
	prefix := keyID + "-"
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasPrefix(name, prefix) || !strings.HasSuffix(name, sealedKeyExt) {
			continue
		}
		backups = append(backups, filepath.Join(v.dir, "backups", name))
	}
	sort.Sort(sort.Reverse(sort.StringSlice(backups)))
	return backups, nil
}

// =============================================================================
// QUERIES AND AUDIT
// =============================================================================

// ListKeys returns every key record for the clinic, oldest first.
func (v *Vault) ListKeys(clinicID string) ([]*ClinicKeyRecord, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.store.listByClinic(clinicID)
}

// GetKey returns the metadata record for one key id.
func (v *Vault) GetKey(keyID string) (*ClinicKeyRecord, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.store.getRecord(keyID)
}

// AccessLog returns the most recent access-audit entries for a key.
func (v *Vault) AccessLog(keyID string, limit int) ([]AccessAuditEntry, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if limit <= 0 {
		limit = 100
	}
	return v.store.listAccess(keyID, limit)
}

// recordAccess appends one access-audit row. Audit failures are reported
// but never mask the operation's own outcome.
func (v *Vault) recordAccess(keyID, clinicID, operation, actor string, success bool, reason string) {
	entry := AccessAuditEntry{
		Timestamp: v.now().UTC(),
		KeyID:     keyID,
		ClinicID:  clinicID,
		Operation: operation,
		Actor:     actor,
		Success:   success,
		Reason:    reason,
	}
	if err := v.store.logAccess(entry); err != nil {
		fmt.Fprintf(os.Stderr, "[VAULT WARN] failed to record access audit: %v\n", err)
	}
}

// emitChainEvent mirrors a vault operation into the tamper-evident chain.
func (v *Vault) emitChainEvent(eventType audit.EventType, metadata map[string]string) {
	if v.sink == nil {
		return
	}
	if _, err := v.sink.Append("system", eventType, audit.ActorApplication, metadata); err != nil {
		fmt.Fprintf(os.Stderr, "[VAULT WARN] failed to emit chain event: %v\n", err)
	}
}
