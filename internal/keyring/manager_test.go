// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package keyring

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	m, err := NewManager(t.TempDir(), 90, 180)
	require.NoError(t, err)
	t.Cleanup(m.Close)
	return m
}

func TestKeyIDDerivedFromEpoch(t *testing.T) {
	m := newTestManager(t)

	at := time.Date(2026, 8, 31, 12, 0, 0, 0, time.UTC)
	id1 := m.KeyIDAt(ClassSigning, at)
	id2 := m.KeyIDAt(ClassSigning, at.Add(time.Hour))
	require.Equal(t, id1, id2, "same epoch must derive the same id")

	next := m.KeyIDAt(ClassSigning, at.Add(90*24*time.Hour))
	require.NotEqual(t, id1, next, "next rotation window must derive a new id")

	require.Regexp(t, `^sig-\d{6}$`, id1)
	require.Regexp(t, `^dek-\d{6}$`, m.KeyIDAt(ClassData, at))
}

func TestCurrentKeyGeneratesOnce(t *testing.T) {
	m := newTestManager(t)

	k1, err := m.CurrentKey()
	require.NoError(t, err)
	require.Len(t, k1.Secret, SecretSize)
	require.Equal(t, Algorithm, k1.Algorithm)

	k2, err := m.CurrentKey()
	require.NoError(t, err)
	require.Equal(t, k1.KeyID, k2.KeyID)
	require.Equal(t, k1.Secret, k2.Secret)
}

func TestSigningAndDataKeysIndependent(t *testing.T) {
	m := newTestManager(t)

	sig, err := m.CurrentKey()
	require.NoError(t, err)
	dek, err := m.CurrentDataKey()
	require.NoError(t, err)

	require.NotEqual(t, sig.KeyID, dek.KeyID)
	require.NotEqual(t, sig.Secret, dek.Secret)
}

func TestKeyForRetiredKey(t *testing.T) {
	m := newTestManager(t)

	_, ok := m.KeyFor("sig-000001")
	require.False(t, ok, "a key that was never generated cannot be found")

	_, ok = m.KeyFor("not-a-key-id!")
	require.False(t, ok)
}

func TestKeySurvivesRestart(t *testing.T) {
	dir := t.TempDir()
	m1, err := NewManager(dir, 90, 180)
	require.NoError(t, err)
	k1, err := m1.CurrentKey()
	require.NoError(t, err)
	secret := append([]byte(nil), k1.Secret...)
	m1.Close()

	m2, err := NewManager(dir, 90, 180)
	require.NoError(t, err)
	defer m2.Close()
	k2, ok := m2.KeyFor(k1.KeyID)
	require.True(t, ok)
	require.Equal(t, secret, k2.Secret)
}

func TestRotateIfDueIdempotent(t *testing.T) {
	m := newTestManager(t)

	_, err := m.CurrentKey()
	require.NoError(t, err)

	outcome, err := m.RotateIfDue()
	require.NoError(t, err)
	require.False(t, outcome.Rotated, "key for the current epoch already exists")
}

func TestRotateAcrossEpoch(t *testing.T) {
	m := newTestManager(t)

	base := time.Date(2026, 8, 31, 12, 0, 0, 0, time.UTC)
	m.SetClock(func() time.Time { return base })

	k1, err := m.CurrentKey()
	require.NoError(t, err)

	// Advance past the 90-day window.
	m.SetClock(func() time.Time { return base.Add(91 * 24 * time.Hour) })

	outcome, err := m.RotateIfDue()
	require.NoError(t, err)
	require.True(t, outcome.Rotated)
	require.Equal(t, k1.KeyID, outcome.PreviousKeyID)
	require.NotEqual(t, k1.KeyID, outcome.KeyID)

	// The old key stays resolvable for verification.
	old, ok := m.KeyFor(k1.KeyID)
	require.True(t, ok)
	require.Equal(t, k1.Secret, old.Secret)
}

// Concurrent rotation attempts converge on the same epoch-derived key
// id; at most one generation wins, the rest observe it.
func TestConcurrentRotationConverges(t *testing.T) {
	m := newTestManager(t)

	const workers = 16
	ids := make([]string, workers)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			key, err := m.CurrentKey()
			if err != nil {
				t.Error(err)
				return
			}
			ids[i] = key.KeyID
		}(w)
	}
	wg.Wait()

	for _, id := range ids {
		require.Equal(t, ids[0], id)
	}
}

func TestCleanupExpiredKeepsRecentEpochs(t *testing.T) {
	m := newTestManager(t)

	base := time.Date(2026, 8, 31, 12, 0, 0, 0, time.UTC)

	// Generate keys across four epochs.
	for i := 0; i < 4; i++ {
		at := base.Add(time.Duration(i) * 90 * 24 * time.Hour)
		m.SetClock(func() time.Time { return at })
		_, err := m.CurrentKey()
		require.NoError(t, err)
	}
	current, err := m.CurrentKey()
	require.NoError(t, err)

	removed, err := m.CleanupExpired()
	require.NoError(t, err)
	require.Equal(t, 2, removed, "only the current and previous epoch are kept")

	// The destroyed keys are gone for good.
	oldest := m.KeyIDAt(ClassSigning, base)
	_, ok := m.KeyFor(oldest)
	require.False(t, ok)

	// Current and previous remain.
	_, ok = m.KeyFor(current.KeyID)
	require.True(t, ok)
	prev := m.KeyIDAt(ClassSigning, base.Add(2*90*24*time.Hour))
	_, ok = m.KeyFor(prev)
	require.True(t, ok)
}

func TestParseKeyID(t *testing.T) {
	class, epoch, err := parseKeyID("sig-000231")
	require.NoError(t, err)
	require.Equal(t, ClassSigning, class)
	require.Equal(t, int64(231), epoch)

	class, _, err = parseKeyID("dek-000042")
	require.NoError(t, err)
	require.Equal(t, ClassData, class)

	for _, bad := range []string{"", "sig", "sig-", "-123", "rsa-000001", "sig-abc"} {
		_, _, err := parseKeyID(bad)
		require.ErrorIs(t, err, ErrInvalidKeyID, "input %q", bad)
	}
}
