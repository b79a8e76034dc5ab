// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package audit

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/jeranaias/veritrail/internal/keyring"
)

const (
	testHeartbeat = 24 * time.Hour
	testTolerance = 120 * time.Second
)

func verifyChain(t *testing.T, store *LogStore, keys KeyProvider) *VerificationReport {
	t.Helper()
	verifier := NewVerifier(store, keys, testHeartbeat, testTolerance)
	report, err := verifier.VerifySegment(context.Background())
	require.NoError(t, err)
	return report
}

// rewriteLog rewrites the single day file through a line-level mutation.
func rewriteLog(t *testing.T, store *LogStore, mutate func(lines []string) []string) {
	t.Helper()
	files, err := store.Files()
	require.NoError(t, err)
	require.Len(t, files, 1)

	data, err := os.ReadFile(files[0])
	require.NoError(t, err)
	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")

	out := mutate(lines)
	require.NoError(t, os.WriteFile(files[0], []byte(strings.Join(out, "\n")+"\n"), 0600))
}

// appendManual signs and durably stores a hand-built event, giving tests
// control over timestamps, boot ids and linkage.
func appendManual(t *testing.T, store *LogStore, keys *keyring.Manager, prevHash, ts string, mono int64, bootID string) *Event {
	t.Helper()
	key, err := keys.CurrentKey()
	require.NoError(t, err)

	ev := &Event{
		EventID:            uuid.NewString(),
		EncounterRef:       "enc-1",
		KeyID:              key.KeyID,
		PrevHash:           prevHash,
		EventType:          EventExport,
		Timestamp:          ts,
		MonotonicTimestamp: mono,
		BootID:             bootID,
		Actor:              ActorEndUser,
	}
	ev.HMAC = ev.ComputeHMAC(key.Secret)
	require.NoError(t, store.Append(ev))
	return ev
}

func TestVerifyValidChain(t *testing.T) {
	engine, store, keys := newTestChain(t)

	for _, typ := range []EventType{EventConsentOn, EventExport, EventSessionEnd} {
		_, err := engine.Append("enc-1", typ, ActorEndUser, nil)
		require.NoError(t, err)
	}

	report := verifyChain(t, store, keys)
	require.True(t, report.Valid)
	require.Equal(t, 3, report.Total)
	require.Equal(t, 3, report.ValidCount)
	require.Zero(t, report.ChainBreaks)
	require.Zero(t, report.Gaps)
}

func TestVerifyEmptyLog(t *testing.T) {
	_, store, keys := newTestChain(t)

	report := verifyChain(t, store, keys)
	require.True(t, report.Valid)
	require.Zero(t, report.Total)
}

// Tampering with one event's metadata must produce exactly one finding,
// at the point of tamper: the successor's prev_hash still matches the
// stored (tampered) event's stored HMAC, so the break does not cascade.
func TestVerifyTamperedEventSingleBreak(t *testing.T) {
	engine, store, keys := newTestChain(t)

	for _, typ := range []EventType{EventConsentOn, EventExport, EventSessionEnd} {
		_, err := engine.Append("enc-1", typ, ActorEndUser, map[string]string{"k": "v"})
		require.NoError(t, err)
	}

	var tamperedID string
	rewriteLog(t, store, func(lines []string) []string {
		var ev Event
		require.NoError(t, json.Unmarshal([]byte(lines[1]), &ev))
		ev.Metadata["k"] = "edited"
		tamperedID = ev.EventID
		edited, err := json.Marshal(&ev)
		require.NoError(t, err)
		lines[1] = string(edited)
		return lines
	})

	report := verifyChain(t, store, keys)
	require.False(t, report.Valid)
	require.Equal(t, 1, report.ChainBreaks)
	require.Equal(t, 1, report.InvalidCount)
	require.Equal(t, 2, report.ValidCount)

	var mismatches []Issue
	for _, issue := range report.Errors {
		if issue.Kind == IssueHmacMismatch {
			mismatches = append(mismatches, issue)
		}
	}
	require.Len(t, mismatches, 1)
	require.Equal(t, tamperedID, mismatches[0].EventID)
}

// Rewriting stored metadata to a map whose naive delimiter-joined form
// matches the original must still flip the HMAC: the length-prefixed
// canonical form leaves no colliding map to substitute.
func TestVerifyMetadataSubstitutionDetected(t *testing.T) {
	engine, store, keys := newTestChain(t)

	_, err := engine.Append("enc-1", EventConsentOn, ActorEndUser, nil)
	require.NoError(t, err)
	_, err = engine.Append("enc-1", EventExport, ActorEndUser, map[string]string{"a": "1&b=2"})
	require.NoError(t, err)

	var editedID string
	rewriteLog(t, store, func(lines []string) []string {
		var ev Event
		require.NoError(t, json.Unmarshal([]byte(lines[1]), &ev))
		ev.Metadata = map[string]string{"a": "1", "b": "2"}
		editedID = ev.EventID
		edited, err := json.Marshal(&ev)
		require.NoError(t, err)
		lines[1] = string(edited)
		return lines
	})

	report := verifyChain(t, store, keys)
	require.False(t, report.Valid)
	require.GreaterOrEqual(t, report.InvalidCount, 1)

	var mismatches []Issue
	for _, issue := range report.Errors {
		if issue.Kind == IssueHmacMismatch {
			mismatches = append(mismatches, issue)
		}
	}
	require.Len(t, mismatches, 1)
	require.Equal(t, editedID, mismatches[0].EventID)
}

// Rotating the signing key between events leaves earlier events signed
// under the old key; as long as that key is still resolvable, the whole
// chain verifies.
func TestVerifyAcrossSigningKeyRotation(t *testing.T) {
	engine, store, keys := newTestChain(t)

	base := time.Date(2026, 8, 31, 12, 0, 0, 0, time.UTC)
	keys.SetClock(func() time.Time { return base })
	engine.SetClock(func() time.Time { return base })

	_, err := engine.Append("enc-1", EventConsentOn, ActorEndUser, nil)
	require.NoError(t, err)
	_, err = engine.Append("enc-1", EventExport, ActorEndUser, nil)
	require.NoError(t, err)

	// 91 days later the signing epoch has advanced.
	later := base.Add(91 * 24 * time.Hour)
	keys.SetClock(func() time.Time { return later })
	engine.SetClock(func() time.Time { return later })

	_, err = engine.Append("enc-1", EventSessionEnd, ActorEndUser, nil)
	require.NoError(t, err)

	events := collectEvents(t, store)
	require.Len(t, events, 3)
	require.NotEqual(t, events[0].KeyID, events[2].KeyID)

	report := verifyChain(t, store, keys)
	require.True(t, report.Valid)
	require.Equal(t, 3, report.ValidCount)
	require.Zero(t, report.Unverified)
	require.Zero(t, report.ChainBreaks)
}

func TestVerifySwappedAdjacentEvents(t *testing.T) {
	engine, store, keys := newTestChain(t)

	for _, typ := range []EventType{EventConsentOn, EventExport, EventSessionEnd} {
		_, err := engine.Append("enc-1", typ, ActorEndUser, nil)
		require.NoError(t, err)
	}

	rewriteLog(t, store, func(lines []string) []string {
		lines[1], lines[2] = lines[2], lines[1]
		return lines
	})

	report := verifyChain(t, store, keys)
	require.False(t, report.Valid)
	require.GreaterOrEqual(t, report.ChainBreaks, 1)
}

func TestVerifyDeletedEventBreaksChain(t *testing.T) {
	engine, store, keys := newTestChain(t)

	for _, typ := range []EventType{EventConsentOn, EventExport, EventSessionEnd} {
		_, err := engine.Append("enc-1", typ, ActorEndUser, nil)
		require.NoError(t, err)
	}

	rewriteLog(t, store, func(lines []string) []string {
		return append(lines[:1], lines[2:]...)
	})

	report := verifyChain(t, store, keys)
	require.False(t, report.Valid)
	require.Equal(t, 1, report.ChainBreaks)
}

func TestVerifyDuplicateEvent(t *testing.T) {
	engine, store, keys := newTestChain(t)

	for _, typ := range []EventType{EventConsentOn, EventExport} {
		_, err := engine.Append("enc-1", typ, ActorEndUser, nil)
		require.NoError(t, err)
	}

	rewriteLog(t, store, func(lines []string) []string {
		return append(lines, lines[1])
	})

	report := verifyChain(t, store, keys)
	require.False(t, report.Valid)
	require.Equal(t, 1, report.Duplicates)
}

// A crash between write and sync leaves an unterminated final line. The
// record was never confirmed, so the chain stays valid and the tail is
// reported as absent, not as tampering.
func TestVerifyTornTailClassifiedAbsent(t *testing.T) {
	engine, store, keys := newTestChain(t)

	_, err := engine.Append("enc-1", EventConsentOn, ActorEndUser, nil)
	require.NoError(t, err)

	files, err := store.Files()
	require.NoError(t, err)
	f, err := os.OpenFile(files[0], os.O_APPEND|os.O_WRONLY, 0600)
	require.NoError(t, err)
	_, err = f.WriteString(`{"event_id":"partial","enc`)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	report := verifyChain(t, store, keys)
	require.True(t, report.Valid)
	require.Equal(t, 1, report.Total)

	var torn int
	for _, issue := range report.Errors {
		if issue.Kind == IssueTornRecord {
			torn++
		}
	}
	require.Equal(t, 1, torn)
}

// A retired signing key makes events unverifiable, which is reported as
// "cannot confirm", never as a chain break.
func TestVerifyRetiredKeyUnverified(t *testing.T) {
	engine, store, _ := newTestChain(t)

	for _, typ := range []EventType{EventConsentOn, EventSessionEnd} {
		_, err := engine.Append("enc-1", typ, ActorEndUser, nil)
		require.NoError(t, err)
	}

	// A keyring with no key material stands in for one whose keys were
	// destroyed by retention cleanup.
	emptyKeys, err := keyring.NewManager(filepath.Join(t.TempDir(), "keys"), 90, 180)
	require.NoError(t, err)
	defer emptyKeys.Close()

	report := verifyChain(t, store, emptyKeys)
	require.True(t, report.Valid)
	require.Equal(t, 2, report.Unverified)
	require.Zero(t, report.ValidCount)
	require.Zero(t, report.ChainBreaks)
}

func TestVerifySegmentRestartWithoutRollover(t *testing.T) {
	engine, store, keys := newTestChain(t)

	_, err := engine.Append("enc-1", EventConsentOn, ActorEndUser, nil)
	require.NoError(t, err)

	// An ordinary event restarting at the sentinel mid-log is a gap:
	// only genesis and rollover records may restart the chain.
	appendManual(t, store, keys, SentinelHash,
		time.Now().UTC().Format(time.RFC3339Nano), 5000, BootID())

	report := verifyChain(t, store, keys)
	require.Equal(t, 1, report.Gaps)
}

// A wall-clock regression that the monotonic clock contradicts is a
// clock adjustment; one it confirms is reordering.
func TestVerifyClockJumpVersusReordering(t *testing.T) {
	base := time.Date(2026, 8, 31, 12, 0, 0, 0, time.UTC)

	t.Run("jump", func(t *testing.T) {
		_, store, keys := newTestChain(t)
		e1 := appendManual(t, store, keys, SentinelHash,
			base.Format(time.RFC3339Nano), 1000, "boot-a")
		appendManual(t, store, keys, e1.HMAC,
			base.Add(-10*time.Minute).Format(time.RFC3339Nano), 2000, "boot-a")

		report := verifyChain(t, store, keys)
		require.True(t, report.Valid)
		require.Zero(t, report.OutOfOrder)

		var anomalies int
		for _, issue := range report.Errors {
			if issue.Kind == IssueTimeAnomaly {
				anomalies++
			}
		}
		require.Equal(t, 1, anomalies)
	})

	t.Run("reorder", func(t *testing.T) {
		_, store, keys := newTestChain(t)
		e1 := appendManual(t, store, keys, SentinelHash,
			base.Format(time.RFC3339Nano), 2000, "boot-a")
		appendManual(t, store, keys, e1.HMAC,
			base.Add(-10*time.Minute).Format(time.RFC3339Nano), 1000, "boot-a")

		report := verifyChain(t, store, keys)
		require.False(t, report.Valid)
		require.Equal(t, 1, report.OutOfOrder)
	})

	t.Run("reboot", func(t *testing.T) {
		_, store, keys := newTestChain(t)
		e1 := appendManual(t, store, keys, SentinelHash,
			base.Format(time.RFC3339Nano), 99999, "boot-a")
		appendManual(t, store, keys, e1.HMAC,
			base.Add(-10*time.Minute).Format(time.RFC3339Nano), 100, "boot-b")

		// Across a reboot monotonic clocks are incomparable: recorded
		// as an anomaly, not a defect.
		report := verifyChain(t, store, keys)
		require.True(t, report.Valid)
		require.Zero(t, report.OutOfOrder)
	})
}

func TestVerifyHeartbeatGap(t *testing.T) {
	base := time.Date(2026, 8, 29, 12, 0, 0, 0, time.UTC)
	_, store, keys := newTestChain(t)

	e1 := appendManual(t, store, keys, SentinelHash,
		base.Format(time.RFC3339Nano), 1000, "boot-a")
	appendManual(t, store, keys, e1.HMAC,
		base.Add(2*24*time.Hour).Format(time.RFC3339Nano), 2000, "boot-a")

	report := verifyChain(t, store, keys)
	require.True(t, report.Valid, "a silence gap alone is not tamper evidence")
	require.Equal(t, 1, report.Gaps)
}

func TestVerifyCancellable(t *testing.T) {
	engine, store, keys := newTestChain(t)
	_, err := engine.Append("enc-1", EventConsentOn, ActorEndUser, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	verifier := NewVerifier(store, keys, testHeartbeat, testTolerance)
	_, err = verifier.VerifySegment(ctx)
	require.ErrorIs(t, err, context.Canceled)
}
