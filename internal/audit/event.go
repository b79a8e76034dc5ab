// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package audit implements the tamper-evident audit chain: an append-only,
// HMAC-chained event log, its integrity verifier, and the genesis/rollover
// bookkeeping that bounds chain segments.
package audit

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// CONSTANTS
// =============================================================================

// SentinelHash is the prev_hash of the first event in a chain segment.
const SentinelHash = "0000000000000000000000000000000000000000000000000000000000000000"

// =============================================================================
// EVENT TYPES
// =============================================================================

// EventType is the closed set of auditable actions. New types may be
// added; existing values are never reinterpreted.
type EventType string

const (
	EventConsentOn             EventType = "consent-on"
	EventConsentOff            EventType = "consent-off"
	EventExport                EventType = "export"
	EventError                 EventType = "error"
	EventBufferPurge           EventType = "buffer-purge"
	EventTimedPurge            EventType = "timed-purge"
	EventSessionEnd            EventType = "session-end"
	EventAbandonPurge          EventType = "abandon-purge"
	EventPolicyToggle          EventType = "policy-toggle"
	EventBulkEdit              EventType = "bulk-edit"
	EventCancelledCount        EventType = "cancelled-count"
	EventTimeSource            EventType = "time-source"
	EventNetworkEgressAllowed  EventType = "network-egress-allowed"
	EventNetworkEgressBlocked  EventType = "network-egress-blocked"
	EventGenesis               EventType = "genesis"
	EventRollover              EventType = "rollover"
	EventChainStitch           EventType = "chain-stitch"
	EventKeyRotation           EventType = "key-rotation"
	EventVaultAccess           EventType = "vault-access"
)

var knownEventTypes = map[EventType]bool{
	EventConsentOn: true, EventConsentOff: true, EventExport: true,
	EventError: true, EventBufferPurge: true, EventTimedPurge: true,
	EventSessionEnd: true, EventAbandonPurge: true, EventPolicyToggle: true,
	EventBulkEdit: true, EventCancelledCount: true, EventTimeSource: true,
	EventNetworkEgressAllowed: true, EventNetworkEgressBlocked: true,
	EventGenesis: true, EventRollover: true, EventChainStitch: true,
	EventKeyRotation: true, EventVaultAccess: true,
}

// Valid reports whether t is a known event type.
func (t EventType) Valid() bool {
	return knownEventTypes[t]
}

// Actor identifies who triggered an audited action.
type Actor string

const (
	ActorApplication   Actor = "application"
	ActorEndUser       Actor = "end-user"
	ActorAdministrator Actor = "administrator"
)

// Valid reports whether a is a known actor.
func (a Actor) Valid() bool {
	return a == ActorApplication || a == ActorEndUser || a == ActorAdministrator
}

// =============================================================================
// AUDIT EVENT
// =============================================================================

// Event is a single immutable audit record. Once appended it is never
// edited in place; edits and deletions are detectable via the HMAC chain.
type Event struct {
	EventID            string            `json:"event_id"`
	EncounterRef       string            `json:"encounter_ref"`
	KeyID              string            `json:"key_id"`
	PrevHash           string            `json:"prev_hash"`
	EventType          EventType         `json:"event_type"`
	Timestamp          string            `json:"timestamp"`
	MonotonicTimestamp int64             `json:"monotonic_timestamp"`
	BootID             string            `json:"boot_id"`
	Actor              Actor             `json:"actor"`
	Metadata           map[string]string `json:"metadata,omitempty"`
	HMAC               string            `json:"hmac"`
}

// Time parses the wall-clock timestamp.
func (e *Event) Time() (time.Time, error) {
	return time.Parse(time.RFC3339Nano, e.Timestamp)
}

// canonicalBytes is the serialization the HMAC is computed over: all
// fields except the HMAC itself, in fixed order, with metadata keys
// sorted so recomputation is stable across JSON round-trips. Every
// field and every metadata key and value is length-prefixed, so no
// caller-supplied string can shift a field boundary: two distinct
// events always serialize to distinct byte strings.
func (e *Event) canonicalBytes() []byte {
	var sb strings.Builder
	writeCanonicalField(&sb, e.EventID)
	writeCanonicalField(&sb, e.EncounterRef)
	writeCanonicalField(&sb, e.KeyID)
	writeCanonicalField(&sb, e.PrevHash)
	writeCanonicalField(&sb, string(e.EventType))
	writeCanonicalField(&sb, e.Timestamp)
	writeCanonicalField(&sb, fmt.Sprintf("%d", e.MonotonicTimestamp))
	writeCanonicalField(&sb, e.BootID)
	writeCanonicalField(&sb, string(e.Actor))

	keys := make([]string, 0, len(e.Metadata))
	for k := range e.Metadata {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	fmt.Fprintf(&sb, "%d;", len(keys))
	for _, k := range keys {
		writeCanonicalField(&sb, k)
		writeCanonicalField(&sb, e.Metadata[k])
	}

	return []byte(sb.String())
}

// writeCanonicalField appends one length-prefixed field: the byte
// length in decimal, a colon, then the raw bytes.
func writeCanonicalField(sb *strings.Builder, s string) {
	fmt.Fprintf(sb, "%d:", len(s))
	sb.WriteString(s)
}

// ComputeHMAC returns the hex HMAC-SHA256 of the event's canonical
// serialization under the given key.
func (e *Event) ComputeHMAC(secret []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(e.canonicalBytes())
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifyHMAC recomputes the event HMAC and compares it to the stored
// value in constant time.
func (e *Event) VerifyHMAC(secret []byte) bool {
	return hmac.Equal([]byte(e.ComputeHMAC(secret)), []byte(e.HMAC))
}

// =============================================================================
// BOOT ID
// =============================================================================

// bootIDPath exposes the kernel boot id on Linux.
const bootIDPath = "/proc/sys/kernel/random/boot_id"

var processBootID = readBootID()

// readBootID returns an identifier for the current OS boot session.
// Falls back to a per-process UUID when the kernel doesn't expose one,
// which still distinguishes restarts (the conservative direction for
// reboot detection).
func readBootID() string {
	data, err := os.ReadFile(bootIDPath)
	if err == nil {
		if id := strings.TrimSpace(string(data)); id != "" {
			return id
		}
	}
	return uuid.NewString()
}

// BootID returns the boot session identifier stamped on new events.
func BootID() string {
	return processBootID
}
