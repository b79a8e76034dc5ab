// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package vault

import (
	"context"
	"crypto/x509"
	"encoding/pem"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestVault(t *testing.T) *Vault {
	t.Helper()
	dir := t.TempDir()
	master := NewFileMasterStore(filepath.Join(dir, "master.key"))
	v, err := New(dir, master, nil)
	require.NoError(t, err)
	t.Cleanup(func() { v.Close() })
	return v
}

func TestGenerateECDSAKey(t *testing.T) {
	v := newTestVault(t)

	rec, err := v.GenerateKey("clinic-7", KeyTypeECDSA, 0, 0, "admin")
	require.NoError(t, err)
	require.Equal(t, "clinic-7", rec.ClinicID)
	require.True(t, rec.IsActive)
	require.Equal(t, 256, rec.KeySize)
	require.NotEmpty(t, rec.Checksum)
	require.True(t, rec.ExpiresAt.IsZero(), "zero expiry means no expiry")

	// The public half is stored as parseable PEM.
	block, _ := pem.Decode([]byte(rec.PublicKeyPEM))
	require.NotNil(t, block)
	_, err = x509.ParsePKIXPublicKey(block.Bytes)
	require.NoError(t, err)

	// The private half on disk is sealed, never plaintext PEM.
	sealed, err := os.ReadFile(rec.VaultLocation)
	require.NoError(t, err)
	require.NotContains(t, string(sealed), "PRIVATE KEY")
}

func TestGenerateRSAKey(t *testing.T) {
	v := newTestVault(t)

	rec, err := v.GenerateKey("clinic-7", KeyTypeRSA, 2048, 0, "admin")
	require.NoError(t, err)
	require.Equal(t, 2048, rec.KeySize)

	_, err = v.GenerateKey("clinic-7", KeyTypeRSA, 1024, 0, "admin")
	require.Error(t, err, "undersized RSA moduli are rejected")
}

func TestAccessKeyRoundTrip(t *testing.T) {
	v := newTestVault(t)

	rec, err := v.GenerateKey("clinic-7", KeyTypeECDSA, 0, 0, "admin")
	require.NoError(t, err)

	handle, err := v.AccessKey(rec.KeyID, "app", "", "")
	require.NoError(t, err)
	defer handle.Close()

	block, _ := pem.Decode(handle.PEM)
	require.NotNil(t, block)
	require.Equal(t, "PRIVATE KEY", block.Type)
	_, err = x509.ParsePKCS8PrivateKey(block.Bytes)
	require.NoError(t, err)

	after, err := v.GetKey(rec.KeyID)
	require.NoError(t, err)
	require.Equal(t, int64(1), after.AccessCount)
	require.False(t, after.LastAccessed.IsZero())
}

func TestAccessKeyFailsClosed(t *testing.T) {
	v := newTestVault(t)

	_, err := v.AccessKey("ck-missing", "app", "", "")
	require.ErrorIs(t, err, ErrNotFound)

	rec, err := v.GenerateKey("clinic-7", KeyTypeECDSA, 0, 0, "admin")
	require.NoError(t, err)

	require.NoError(t, v.Deactivate(rec.KeyID, "admin"))
	_, err = v.AccessKey(rec.KeyID, "app", "", "")
	require.ErrorIs(t, err, ErrKeyNotActive)

	require.NoError(t, v.Reactivate(rec.KeyID, "admin"))
	_, err = v.AccessKey(rec.KeyID, "app", "", "")
	require.NoError(t, err)
}

func TestAccessExpiredKey(t *testing.T) {
	v := newTestVault(t)

	rec, err := v.GenerateKey("clinic-7", KeyTypeECDSA, 0, time.Hour, "admin")
	require.NoError(t, err)

	v.SetClock(func() time.Time { return time.Now().Add(2 * time.Hour) })
	_, err = v.AccessKey(rec.KeyID, "app", "", "")
	require.ErrorIs(t, err, ErrKeyExpired)
}

func TestAccessCorruptedBlob(t *testing.T) {
	v := newTestVault(t)

	rec, err := v.GenerateKey("clinic-7", KeyTypeECDSA, 0, 0, "admin")
	require.NoError(t, err)

	// Flip bytes in the sealed blob: the AEAD tag must catch it and the
	// call must fail closed rather than return damaged material.
	sealed, err := os.ReadFile(rec.VaultLocation)
	require.NoError(t, err)
	sealed[len(sealed)/2] ^= 0xff
	require.NoError(t, os.WriteFile(rec.VaultLocation, sealed, 0600))

	_, err = v.AccessKey(rec.KeyID, "app", "", "")
	require.ErrorIs(t, err, ErrCorrupted)
}

func TestEveryAccessAttemptAudited(t *testing.T) {
	v := newTestVault(t)

	rec, err := v.GenerateKey("clinic-7", KeyTypeECDSA, 0, 0, "admin")
	require.NoError(t, err)

	handle, err := v.AccessKey(rec.KeyID, "app", "", "")
	require.NoError(t, err)
	handle.Close()

	require.NoError(t, v.Deactivate(rec.KeyID, "admin"))
	_, err = v.AccessKey(rec.KeyID, "app", "", "")
	require.Error(t, err)

	entries, err := v.AccessLog(rec.KeyID, 50)
	require.NoError(t, err)

	var denied, granted int
	for _, e := range entries {
		if e.Operation != "access" {
			continue
		}
		if e.Success {
			granted++
		} else {
			denied++
			require.NotEmpty(t, e.Reason)
		}
	}
	require.Equal(t, 1, granted)
	require.Equal(t, 1, denied, "failed attempts are audited too")
}

// The caller's stated operation and reason land on the audit entry for
// granted and denied attempts alike.
func TestAccessRecordsOperationAndReason(t *testing.T) {
	v := newTestVault(t)

	rec, err := v.GenerateKey("clinic-7", KeyTypeECDSA, 0, 0, "admin")
	require.NoError(t, err)

	handle, err := v.AccessKey(rec.KeyID, "app", "sign-referral", "referral to cardiology")
	require.NoError(t, err)
	handle.Close()

	require.NoError(t, v.Deactivate(rec.KeyID, "admin"))
	_, err = v.AccessKey(rec.KeyID, "app", "sign-referral", "referral to cardiology")
	require.ErrorIs(t, err, ErrKeyNotActive)

	entries, err := v.AccessLog(rec.KeyID, 50)
	require.NoError(t, err)

	var granted, denied *AccessAuditEntry
	for i := range entries {
		if entries[i].Operation != "sign-referral" {
			continue
		}
		if entries[i].Success {
			granted = &entries[i]
		} else {
			denied = &entries[i]
		}
	}

	require.NotNil(t, granted)
	require.Equal(t, "referral to cardiology", granted.Reason)

	require.NotNil(t, denied)
	require.Contains(t, denied.Reason, "referral to cardiology")
	require.Contains(t, denied.Reason, "key not active")
}

// Recovery entries carry the caller's reason alongside the outcome.
func TestRecoverRecordsReason(t *testing.T) {
	v := newTestVault(t)

	rec, err := v.GenerateKey("clinic-7", KeyTypeECDSA, 0, 0, "admin")
	require.NoError(t, err)
	require.NoError(t, os.Remove(rec.VaultLocation))

	recovery, err := v.Recover(context.Background(), "clinic-7", "admin", "quarterly integrity sweep")
	require.NoError(t, err)
	require.Equal(t, 1, recovery.Unrecoverable)

	entries, err := v.AccessLog(rec.KeyID, 50)
	require.NoError(t, err)

	var found bool
	for _, e := range entries {
		if e.Operation == "recover" {
			found = true
			require.Contains(t, e.Reason, "quarterly integrity sweep")
		}
	}
	require.True(t, found)
}

func TestRotateKey(t *testing.T) {
	v := newTestVault(t)

	k1, err := v.GenerateKey("clinic-7", KeyTypeECDSA, 0, 0, "admin")
	require.NoError(t, err)

	result, err := v.RotateKey("clinic-7", "admin")
	require.NoError(t, err)
	require.Equal(t, k1.KeyID, result.OldKeyID)
	require.NotEqual(t, k1.KeyID, result.NewKeyID)
	require.FileExists(t, result.BackupPath)

	// The old key is inactive and refuses access; the new one serves.
	_, err = v.AccessKey(k1.KeyID, "app", "", "")
	require.ErrorIs(t, err, ErrKeyNotActive)

	handle, err := v.AccessKey(result.NewKeyID, "app", "", "")
	require.NoError(t, err)
	handle.Close()

	newRec, err := v.GetKey(result.NewKeyID)
	require.NoError(t, err)
	require.Equal(t, 1, newRec.RotationCount)

	// Exactly one backup exists for the rotated-out key.
	backups, err := v.backupsFor(k1.KeyID)
	require.NoError(t, err)
	require.Len(t, backups, 1)

	// Exactly one key per clinic is active.
	records, err := v.ListKeys("clinic-7")
	require.NoError(t, err)
	active := 0
	for _, rec := range records {
		if rec.IsActive {
			active++
		}
	}
	require.Equal(t, 1, active)
}

func TestRotateWithoutActiveKey(t *testing.T) {
	v := newTestVault(t)
	_, err := v.RotateKey("clinic-none", "admin")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestRecoverFromBackup(t *testing.T) {
	v := newTestVault(t)

	k1, err := v.GenerateKey("clinic-7", KeyTypeECDSA, 0, 0, "admin")
	require.NoError(t, err)
	result, err := v.RotateKey("clinic-7", "admin")
	require.NoError(t, err)

	// Corrupt the rotated-out key's primary blob.
	require.NoError(t, os.WriteFile(k1.VaultLocation, []byte("garbage"), 0600))

	recovery, err := v.Recover(context.Background(), "clinic-7", "admin", "")
	require.NoError(t, err)
	require.Equal(t, 2, recovery.KeysChecked)
	require.Equal(t, 1, recovery.KeysRecovered)
	require.Zero(t, recovery.Unrecoverable)
	require.Len(t, recovery.Outcomes, 1)
	require.Equal(t, result.BackupPath, recovery.Outcomes[0].BackupPath)

	// The restored material passes its checksum: reactivation makes it
	// accessible again.
	require.NoError(t, v.Reactivate(k1.KeyID, "admin"))
	handle, err := v.AccessKey(k1.KeyID, "app", "", "")
	require.NoError(t, err)
	handle.Close()
}

func TestRecoverUnrecoverableWithoutBackup(t *testing.T) {
	v := newTestVault(t)

	k1, err := v.GenerateKey("clinic-7", KeyTypeECDSA, 0, 0, "admin")
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(k1.VaultLocation, []byte("garbage"), 0600))

	recovery, err := v.Recover(context.Background(), "clinic-7", "admin", "")
	require.NoError(t, err)
	require.Equal(t, 1, recovery.KeysChecked)
	require.Zero(t, recovery.KeysRecovered)
	require.Equal(t, 1, recovery.Unrecoverable)
}

func TestRecoverHonorsCancellation(t *testing.T) {
	v := newTestVault(t)

	_, err := v.GenerateKey("clinic-7", KeyTypeECDSA, 0, 0, "admin")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result, err := v.Recover(ctx, "clinic-7", "admin", "")
	require.ErrorIs(t, err, context.Canceled)
	require.NotNil(t, result, "partial counts are reported on cancel")
	require.Zero(t, result.KeysChecked)
}

func TestPassphraseMasterStoreRoundTrip(t *testing.T) {
	dir := t.TempDir()
	store := NewPassphraseMasterStore(filepath.Join(dir, "master.salt"), "correct horse battery staple")

	require.False(t, store.Exists())
	require.NoError(t, store.Store(nil))
	require.True(t, store.Exists())

	k1, err := store.Retrieve()
	require.NoError(t, err)
	require.Len(t, k1, MasterKeySize)

	// Same passphrase and salt derive the same key.
	k2, err := store.Retrieve()
	require.NoError(t, err)
	require.Equal(t, k1, k2)

	// A different passphrase derives a different key.
	other := NewPassphraseMasterStore(filepath.Join(dir, "master.salt"), "wrong passphrase")
	k3, err := other.Retrieve()
	require.NoError(t, err)
	require.NotEqual(t, k1, k3)
}

func TestVaultReopensWithSameMasterKey(t *testing.T) {
	dir := t.TempDir()
	master := NewFileMasterStore(filepath.Join(dir, "master.key"))

	v1, err := New(dir, master, nil)
	require.NoError(t, err)
	rec, err := v1.GenerateKey("clinic-7", KeyTypeECDSA, 0, 0, "admin")
	require.NoError(t, err)
	require.NoError(t, v1.Close())

	v2, err := New(dir, master, nil)
	require.NoError(t, err)
	defer v2.Close()

	handle, err := v2.AccessKey(rec.KeyID, "app", "", "")
	require.NoError(t, err)
	handle.Close()
}

func TestBoxCipherRejectsShortBlob(t *testing.T) {
	key, err := GenerateMasterKey()
	require.NoError(t, err)
	box, err := newBoxCipher(key)
	require.NoError(t, err)

	_, err = box.open([]byte{1, 2, 3})
	require.ErrorIs(t, err, ErrCorrupted)
}
