// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// master.go - vault master key sourcing and the sealed-blob cipher.
//
// The master key lives in an external secure store (hardware- or
// OS-backed); this file defines that collaborator's interface, a
// file-based fallback, and a PBKDF2 passphrase path for deployments
// without platform key storage.
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"
	"os"

	"golang.org/x/crypto/pbkdf2"

	"github.com/jeranaias/veritrail/internal/util"
)

// MasterKeySize is the AES-256 master key size in bytes.
const MasterKeySize = 32

// saltSize is the PBKDF2 salt size in bytes.
const saltSize = 32

// pbkdf2Iterations follows OWASP guidance for PBKDF2-SHA-256.
const pbkdf2Iterations = 600000

// =============================================================================
// MASTER KEY STORE
// =============================================================================

// MasterKeyStore is the external secure store holding the vault master
// key. Platform integrations (DPAPI, Keychain, StrongBox) implement it;
// FileMasterStore is the fallback.
type MasterKeyStore interface {
	// Store securely stores the master key.
	Store(key []byte) error
	// Retrieve retrieves the master key.
	Retrieve() ([]byte, error)
	// Exists checks whether a master key is stored.
	Exists() bool
}

// FileMasterStore keeps the master key in a 0600 file. Fallback for
// platforms without secure key storage.
type FileMasterStore struct {
	path string
}

// NewFileMasterStore creates a file-based master key store.
func NewFileMasterStore(path string) *FileMasterStore {
	return &FileMasterStore{path: path}
}

// Store saves the master key atomically with restricted permissions.
func (f *FileMasterStore) Store(key []byte) error {
	if err := util.AtomicWriteFileWithDir(f.path, key, 0600, 0700); err != nil {
		return fmt.Errorf("failed to write master key: %w", err)
	}
	return nil
}

// Retrieve reads the master key.
func (f *FileMasterStore) Retrieve() ([]byte, error) {
	key, err := os.ReadFile(f.path)
	if err != nil {
		return nil, fmt.Errorf("failed to read master key: %w", err)
	}
	if len(key) != MasterKeySize {
		return nil, fmt.Errorf("master key must be %d bytes, got %d", MasterKeySize, len(key))
	}
	return key, nil
}

// Exists checks whether the master key file exists.
func (f *FileMasterStore) Exists() bool {
	_, err := os.Stat(f.path)
	return err == nil
}

// PassphraseMasterStore derives the master key from a passphrase via
// PBKDF2-SHA-256, persisting only the salt.
type PassphraseMasterStore struct {
	saltPath   string
	passphrase string
}

// NewPassphraseMasterStore creates a passphrase-derived master key store.
func NewPassphraseMasterStore(saltPath, passphrase string) *PassphraseMasterStore {
	return &PassphraseMasterStore{saltPath: saltPath, passphrase: passphrase}
}

// Store generates and persists a fresh salt; the key argument is ignored
// because the key is always re-derived from the passphrase.
func (p *PassphraseMasterStore) Store(_ []byte) error {
	salt := make([]byte, saltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return fmt.Errorf("failed to generate salt: %w", err)
	}
	if err := util.AtomicWriteFileWithDir(p.saltPath, salt, 0600, 0700); err != nil {
		return fmt.Errorf("failed to save salt: %w", err)
	}
	return nil
}

// Retrieve derives the master key from the passphrase and stored salt.
func (p *PassphraseMasterStore) Retrieve() ([]byte, error) {
	salt, err := os.ReadFile(p.saltPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read salt: %w", err)
	}
	return pbkdf2.Key([]byte(p.passphrase), salt, pbkdf2Iterations, MasterKeySize, sha256.New), nil
}

// Exists checks whether the salt file exists.
func (p *PassphraseMasterStore) Exists() bool {
	_, err := os.Stat(p.saltPath)
	return err == nil
}

// GenerateMasterKey generates a cryptographically secure random master key.
func GenerateMasterKey() ([]byte, error) {
	key := make([]byte, MasterKeySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("failed to generate master key: %w", err)
	}
	return key, nil
}

// =============================================================================
// SEALED-BLOB CIPHER
// =============================================================================

// nonceSize is the AES-GCM nonce size (96 bits).
const nonceSize = 12

// boxCipher seals and opens vault blobs with AES-256-GCM.
// Blob format: nonce || ciphertext || tag.
type boxCipher struct {
	aead cipher.AEAD
}

// newBoxCipher builds the AEAD from the master key. The key is safe to
// zero after this returns.
func newBoxCipher(masterKey []byte) (*boxCipher, error) {
	block, err := aes.NewCipher(masterKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create AES cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM cipher: %w", err)
	}
	return &boxCipher{aead: aead}, nil
}

func (b *boxCipher) seal(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, nonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	return b.aead.Seal(nonce, nonce, plaintext, nil), nil
}

func (b *boxCipher) open(blob []byte) ([]byte, error) {
	if len(blob) < nonceSize {
		return nil, ErrCorrupted
	}
	plaintext, err := b.aead.Open(nil, blob[:nonceSize], blob[nonceSize:], nil)
	if err != nil {
		// Authentication tag mismatch: tampered or corrupted blob.
		return nil, ErrCorrupted
	}
	return plaintext, nil
}
