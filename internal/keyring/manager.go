// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package keyring manages the lifecycle of symmetric signing keys and
// data-encryption keys used by the audit chain.
//
// Key identifiers are derived deterministically from the rotation epoch
// (wall-clock time divided into fixed windows), so the correct historical
// key for any event can be located without a side index, and concurrent
// rotation attempts converge on the same key id without coordination.
package keyring

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/jeranaias/veritrail/internal/util"
)

// =============================================================================
// CONSTANTS
// =============================================================================

// SecretSize is the signing key size in bytes (256 bits).
const SecretSize = 32

// Algorithm is the MAC algorithm all signing keys are generated for.
const Algorithm = "HMAC-SHA256"

// KeyClass distinguishes signing keys from data-encryption keys.
type KeyClass string

const (
	// ClassSigning identifies HMAC signing keys for the audit chain.
	ClassSigning KeyClass = "sig"
	// ClassData identifies data-encryption keys.
	ClassData KeyClass = "dek"
)

// =============================================================================
// ERRORS
// =============================================================================

var (
	// ErrKeyGeneration indicates cryptographic key generation failed.
	// This is fatal to the caller: no event can be safely signed.
	ErrKeyGeneration = errors.New("signing key generation failed")

	// ErrInvalidKeyID indicates a key id that does not parse as
	// <class>-<epoch>.
	ErrInvalidKeyID = errors.New("invalid key id")
)

// =============================================================================
// TYPES
// =============================================================================

// SigningKey is a symmetric key with its epoch-derived identifier.
type SigningKey struct {
	KeyID     string    `json:"key_id"`
	Secret    []byte    `json:"-"`
	CreatedAt time.Time `json:"created_at"`
	Algorithm string    `json:"algorithm"`
}

// keyFile is the on-disk representation of a SigningKey.
type keyFile struct {
	KeyID     string    `json:"key_id"`
	SecretHex string    `json:"secret_hex"`
	CreatedAt time.Time `json:"created_at"`
	Algorithm string    `json:"algorithm"`
}

// RotationOutcome reports the result of an idempotent rotation check.
type RotationOutcome struct {
	Rotated       bool      `json:"rotated"`
	KeyID         string    `json:"key_id"`
	PreviousKeyID string    `json:"previous_key_id,omitempty"`
	RotatedAt     time.Time `json:"rotated_at,omitempty"`
}

// =============================================================================
// MANAGER
// =============================================================================

// Manager owns signing-key material. Keys live as individual 0600 files
// under the key directory; the current and previous epoch's keys are
// retained, older keys are destroyed by CleanupExpired.
type Manager struct {
	dir             string
	signingInterval time.Duration
	dataInterval    time.Duration

	mu    sync.Mutex
	cache map[string]*SigningKey

	// now is replaceable for tests.
	now func() time.Time
}

// NewManager creates a key lifecycle manager rooted at dir.
func NewManager(dir string, signingRotationDays, dataRotationDays int) (*Manager, error) {
	if signingRotationDays <= 0 || dataRotationDays <= 0 {
		return nil, fmt.Errorf("rotation intervals must be positive")
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create key directory: %w", err)
	}
	return &Manager{
		dir:             dir,
		signingInterval: time.Duration(signingRotationDays) * 24 * time.Hour,
		dataInterval:    time.Duration(dataRotationDays) * 24 * time.Hour,
		cache:           make(map[string]*SigningKey),
		now:             time.Now,
	}, nil
}

// SetClock overrides the wall clock. Tests only.
func (m *Manager) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

// =============================================================================
// EPOCH-DERIVED KEY IDS
// =============================================================================

func (m *Manager) interval(class KeyClass) time.Duration {
	if class == ClassData {
		return m.dataInterval
	}
	return m.signingInterval
}

// epochAt returns the rotation epoch index for a point in time.
func (m *Manager) epochAt(class KeyClass, t time.Time) int64 {
	return t.Unix() / int64(m.interval(class).Seconds())
}

// KeyIDAt returns the deterministic key id for a class at a point in time.
func (m *Manager) KeyIDAt(class KeyClass, t time.Time) string {
	return fmt.Sprintf("%s-%06d", class, m.epochAt(class, t))
}

// parseKeyID splits a key id into its class and epoch index.
func parseKeyID(keyID string) (KeyClass, int64, error) {
	idx := strings.LastIndexByte(keyID, '-')
	if idx <= 0 || idx == len(keyID)-1 {
		return "", 0, fmt.Errorf("%w: %q", ErrInvalidKeyID, keyID)
	}
	class := KeyClass(keyID[:idx])
	if class != ClassSigning && class != ClassData {
		return "", 0, fmt.Errorf("%w: unknown class in %q", ErrInvalidKeyID, keyID)
	}
	epoch, err := strconv.ParseInt(keyID[idx+1:], 10, 64)
	if err != nil {
		return "", 0, fmt.Errorf("%w: %q", ErrInvalidKeyID, keyID)
	}
	return class, epoch, nil
}

// =============================================================================
// KEY ACCESS
// =============================================================================

// CurrentKey returns the signing key for the active rotation epoch,
// generating one if absent. Generation failure is fatal to the caller.
func (m *Manager) CurrentKey() (*SigningKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.currentLocked(ClassSigning)
}

// CurrentDataKey returns the data-encryption key for the active epoch,
// generating one if absent.
func (m *Manager) CurrentDataKey() (*SigningKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.currentLocked(ClassData)
}

func (m *Manager) currentLocked(class KeyClass) (*SigningKey, error) {
	keyID := m.KeyIDAt(class, m.now())
	if key, ok := m.loadLocked(keyID); ok {
		return key, nil
	}
	return m.generateLocked(keyID)
}

// KeyFor returns a historical key if still within the retention window.
// A retired (destroyed) key returns (nil, false) - callers must treat
// that as "cannot confirm", not as tamper evidence.
func (m *Manager) KeyFor(keyID string) (*SigningKey, bool) {
	if _, _, err := parseKeyID(keyID); err != nil {
		return nil, false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.loadLocked(keyID)
}

func (m *Manager) loadLocked(keyID string) (*SigningKey, bool) {
	if key, ok := m.cache[keyID]; ok {
		return key, true
	}
	data, err := os.ReadFile(m.keyPath(keyID))
	if err != nil {
		return nil, false
	}
	var kf keyFile
	if err := json.Unmarshal(data, &kf); err != nil {
		return nil, false
	}
	secret, err := hex.DecodeString(kf.SecretHex)
	if err != nil || len(secret) != SecretSize {
		return nil, false
	}
	key := &SigningKey{
		KeyID:     kf.KeyID,
		Secret:    secret,
		CreatedAt: kf.CreatedAt,
		Algorithm: kf.Algorithm,
	}
	m.cache[keyID] = key
	return key, true
}

func (m *Manager) generateLocked(keyID string) (*SigningKey, error) {
	secret := make([]byte, SecretSize)
	if _, err := io.ReadFull(rand.Reader, secret); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeyGeneration, err)
	}

	key := &SigningKey{
		KeyID:     keyID,
		Secret:    secret,
		CreatedAt: m.now().UTC(),
		Algorithm: Algorithm,
	}

	kf := keyFile{
		KeyID:     key.KeyID,
		SecretHex: hex.EncodeToString(secret),
		CreatedAt: key.CreatedAt,
		Algorithm: key.Algorithm,
	}
	data, err := json.Marshal(kf)
	if err != nil {
		return nil, fmt.Errorf("%w: marshal: %v", ErrKeyGeneration, err)
	}
	if err := util.AtomicWriteFileWithDir(m.keyPath(keyID), data, 0600, 0700); err != nil {
		zeroBytes(secret)
		return nil, fmt.Errorf("%w: persist: %v", ErrKeyGeneration, err)
	}

	m.cache[keyID] = key
	return key, nil
}

func (m *Manager) keyPath(keyID string) string {
	return filepath.Join(m.dir, keyID+".key")
}

// =============================================================================
// ROTATION
// =============================================================================

// RotateIfDue rotates the signing key when a new epoch has begun.
// Idempotent: if the current epoch's key already exists, generation is
// skipped and Rotated is false. Rotation never retroactively changes the
// key id of already-appended events.
func (m *Manager) RotateIfDue() (*RotationOutcome, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	keyID := m.KeyIDAt(ClassSigning, now)
	outcome := &RotationOutcome{KeyID: keyID}

	if _, ok := m.loadLocked(keyID); ok {
		return outcome, nil
	}

	prevID := fmt.Sprintf("%s-%06d", ClassSigning, m.epochAt(ClassSigning, now)-1)
	if _, ok := m.loadLocked(prevID); ok {
		outcome.PreviousKeyID = prevID
	}

	if _, err := m.generateLocked(keyID); err != nil {
		// Rotation failure is surfaced, never silently skipped; the
		// caller retries on the next scheduled check.
		return nil, err
	}

	outcome.Rotated = true
	outcome.RotatedAt = now.UTC()
	return outcome, nil
}

// CleanupExpired destroys keys older than two full rotation windows.
// Irreversible: verification of events signed by a destroyed key can no
// longer be regenerated, though already-computed hashes in the stored
// chain remain valid.
func (m *Manager) CleanupExpired() (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entries, err := os.ReadDir(m.dir)
	if err != nil {
		return 0, fmt.Errorf("failed to read key directory: %w", err)
	}

	now := m.now()
	removed := 0
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".key") {
			continue
		}
		keyID := strings.TrimSuffix(name, ".key")
		class, epoch, err := parseKeyID(keyID)
		if err != nil {
			continue
		}
		// Keep the current and the immediately previous epoch.
		if epoch >= m.epochAt(class, now)-1 {
			continue
		}
		if key, ok := m.cache[keyID]; ok {
			zeroBytes(key.Secret)
			delete(m.cache, keyID)
		}
		if err := os.Remove(filepath.Join(m.dir, name)); err != nil {
			return removed, fmt.Errorf("failed to destroy key %s: %w", keyID, err)
		}
		removed++
	}
	return removed, nil
}

// Close zeroes all cached key material.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, key := range m.cache {
		zeroBytes(key.Secret)
		delete(m.cache, id)
	}
}

// zeroBytes securely zeros sensitive byte slices to prevent memory disclosure.
func zeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
