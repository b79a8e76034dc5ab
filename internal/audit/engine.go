// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// engine.go - the append path of the audit chain.
//
// Exactly one append is in flight at a time: prev_hash depends on the
// previous event's HMAC, so appends are serialized behind a single
// writer lock. Confirmed appends are totally ordered and chained.
package audit

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jeranaias/veritrail/internal/keyring"
)

// =============================================================================
// ERRORS
// =============================================================================

var (
	// ErrSigningUnavailable indicates no signing key could be obtained.
	// Fatal to the caller's action: the business operation being audited
	// must not proceed as if it were recorded.
	ErrSigningUnavailable = errors.New("signing unavailable")

	// ErrInvalidEvent indicates a caller passed an unknown event type
	// or actor.
	ErrInvalidEvent = errors.New("invalid audit event")
)

// =============================================================================
// KEY PROVIDER
// =============================================================================

// KeyProvider supplies signing keys to the chain engine and verifier.
// *keyring.Manager satisfies it.
type KeyProvider interface {
	CurrentKey() (*keyring.SigningKey, error)
	KeyFor(keyID string) (*keyring.SigningKey, bool)
}

// =============================================================================
// ENGINE
// =============================================================================

// Engine appends immutable, HMAC-chained events to the durable log.
// It exclusively owns the log; all other components are readers.
type Engine struct {
	mu    sync.Mutex
	store *LogStore
	keys  KeyProvider

	lastHash string

	bootID string
	// monotonicBase anchors boot-relative timestamps; see monotonicNow.
	monotonicBase int64
	started       time.Time

	now func() time.Time
}

// NewEngine opens the chain engine over a log store. The last confirmed
// hash is restored from storage so the chain continues across restarts;
// an empty log starts at the sentinel.
func NewEngine(store *LogStore, keys KeyProvider) (*Engine, error) {
	last, err := store.LastEvent()
	if err != nil {
		return nil, fmt.Errorf("failed to restore chain position: %w", err)
	}

	e := &Engine{
		store:         store,
		keys:          keys,
		lastHash:      SentinelHash,
		bootID:        BootID(),
		monotonicBase: readUptimeNanos(),
		started:       time.Now(),
		now:           time.Now,
	}
	if last != nil {
		e.lastHash = last.HMAC
	}
	return e, nil
}

// SetClock overrides the wall clock. Tests only.
func (e *Engine) SetClock(now func() time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.now = now
}

// Append constructs an event, chains it to the previous one, signs it
// with the current epoch's key and durably persists it before returning
// the event id. The signing key is snapshotted per append, so a rotation
// running concurrently takes effect only for later events.
func (e *Engine) Append(encounterRef string, eventType EventType, actor Actor, metadata map[string]string) (string, error) {
	if !eventType.Valid() {
		return "", fmt.Errorf("%w: unknown event type %q", ErrInvalidEvent, eventType)
	}
	if !actor.Valid() {
		return "", fmt.Errorf("%w: unknown actor %q", ErrInvalidEvent, actor)
	}
	if encounterRef == "" {
		encounterRef = "system"
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	key, err := e.keys.CurrentKey()
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrSigningUnavailable, err)
	}

	now := e.now()
	ev := &Event{
		EventID:            uuid.NewString(),
		EncounterRef:       encounterRef,
		KeyID:              key.KeyID,
		PrevHash:           e.lastHash,
		EventType:          eventType,
		Timestamp:          now.UTC().Format(time.RFC3339Nano),
		MonotonicTimestamp: e.monotonicNow(),
		BootID:             e.bootID,
		Actor:              actor,
		Metadata:           copyMetadata(metadata),
	}
	ev.HMAC = ev.ComputeHMAC(key.Secret)

	// Persist before advancing the in-memory chain head: a failed write
	// leaves the head unchanged and the record, if partially flushed,
	// classifiable as a torn (absent) line by the verifier.
	if err := e.store.Append(ev); err != nil {
		return "", err
	}
	e.lastHash = ev.HMAC

	return ev.EventID, nil
}

// LastHash returns the most recent confirmed HMAC in the active segment.
func (e *Engine) LastHash() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastHash
}

// resetSegment restarts the chain at the sentinel. Only the genesis and
// rollover paths call this; there is no operation that rewrites a prior
// segment.
func (e *Engine) resetSegment() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.lastHash = SentinelHash
}

// monotonicNow returns nanoseconds since boot where the kernel exposes
// uptime, otherwise nanoseconds since process start. Either way the
// value only moves forward within one boot session, which is what the
// verifier needs to tell wall-clock jumps from reordering.
func (e *Engine) monotonicNow() int64 {
	return e.monotonicBase + int64(time.Since(e.started))
}

// readUptimeNanos reads boot-relative uptime on Linux; 0 elsewhere.
func readUptimeNanos() int64 {
	data, err := os.ReadFile("/proc/uptime")
	if err != nil {
		return 0
	}
	fields := strings.Fields(string(data))
	if len(fields) == 0 {
		return 0
	}
	secs, err := strconv.ParseFloat(fields[0], 64)
	if err != nil {
		return 0
	}
	return int64(secs * float64(time.Second))
}

func copyMetadata(metadata map[string]string) map[string]string {
	if len(metadata) == 0 {
		return nil
	}
	out := make(map[string]string, len(metadata))
	for k, v := range metadata {
		out[k] = v
	}
	return out
}
