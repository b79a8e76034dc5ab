// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// verify.go - replay verification of the stored audit chain.
//
// The verifier is a pure reader: it recomputes HMACs, rechecks linkage
// and reports breaks, gaps, duplicates and reordering. It never repairs
// anything; remediation is a separate, itself-audited operation.
package audit

import (
	"context"
	"fmt"
	"time"
)

// =============================================================================
// ISSUES
// =============================================================================

// IssueKind classifies a verification finding.
type IssueKind string

const (
	// IssueHmacMismatch is confirmed tamper or corruption of one event.
	IssueHmacMismatch IssueKind = "hmac-mismatch"
	// IssueChainBreak is a prev_hash that does not match the prior
	// event's stored HMAC (edit, deletion or reordering).
	IssueChainBreak IssueKind = "chain-break"
	// IssueKeyUnavailable means the signing key was retired; the event
	// cannot be confirmed but this is expected, not tamper evidence.
	IssueKeyUnavailable IssueKind = "key-unavailable"
	// IssueGap is a silence longer than the heartbeat threshold, or a
	// segment restart with no genesis or rollover record explaining it.
	IssueGap IssueKind = "gap"
	// IssueDuplicate is a byte-identical event appearing more than once.
	IssueDuplicate IssueKind = "duplicate"
	// IssueOutOfOrder is confirmed reordering: the wall clock regressed
	// and the monotonic clock within the same boot regressed with it.
	IssueOutOfOrder IssueKind = "out-of-order"
	// IssueTimeAnomaly is a wall-clock jump that the monotonic clock and
	// boot id explain. Recorded, but not a defect.
	IssueTimeAnomaly IssueKind = "time-anomaly"
	// IssueTornRecord is an unterminated trailing line: a crash between
	// write and sync. The record is classified as absent.
	IssueTornRecord IssueKind = "torn-record"
	// IssueMalformed is a line that does not parse as an event.
	IssueMalformed IssueKind = "malformed-record"
)

// Issue is a single verification finding, located by file and line.
type Issue struct {
	Kind    IssueKind `json:"kind"`
	File    string    `json:"file"`
	Line    int       `json:"line"`
	EventID string    `json:"event_id,omitempty"`
	Message string    `json:"message"`
}

// =============================================================================
// REPORT
// =============================================================================

// VerificationReport summarizes a full replay of the stored chain.
// Unverified counts events whose retired key prevents confirmation;
// these are "cannot confirm", never conflated with "confirmed broken".
type VerificationReport struct {
	Valid        bool    `json:"valid"`
	Total        int     `json:"total"`
	ValidCount   int     `json:"valid_count"`
	InvalidCount int     `json:"invalid_count"`
	Unverified   int     `json:"unverified"`
	ChainBreaks  int     `json:"chain_breaks"`
	Duplicates   int     `json:"duplicates"`
	OutOfOrder   int     `json:"out_of_order"`
	Gaps         int     `json:"gaps"`
	Errors       []Issue `json:"errors"`
}

// =============================================================================
// VERIFIER
// =============================================================================

// Verifier replays the durable log against the key history.
type Verifier struct {
	store     *LogStore
	keys      KeyProvider
	heartbeat time.Duration
	tolerance time.Duration
}

// NewVerifier creates a verifier. heartbeat is the maximum expected
// silence between adjacent events before a gap is flagged; tolerance is
// how far the wall clock may regress before reordering is suspected.
func NewVerifier(store *LogStore, keys KeyProvider, heartbeat, tolerance time.Duration) *Verifier {
	return &Verifier{
		store:     store,
		keys:      keys,
		heartbeat: heartbeat,
		tolerance: tolerance,
	}
}

// VerifySegment replays all stored events in order. The scan streams
// file by file and is cancelable; a canceled scan returns ctx.Err().
// The report is always complete for the range scanned: unavailable keys
// do not mask unrelated findings.
func (v *Verifier) VerifySegment(ctx context.Context) (*VerificationReport, error) {
	report := &VerificationReport{Errors: make([]Issue, 0)}

	var prev *Event
	var prevTime time.Time
	seenHMACs := make(map[string]bool)

	err := v.store.Scan(ctx, func(rec Record) error {
		if rec.Torn {
			report.Errors = append(report.Errors, Issue{
				Kind: IssueTornRecord, File: rec.File, Line: rec.Line,
				Message: "unterminated trailing record classified as absent",
			})
			return nil
		}
		if rec.Err != nil {
			report.Total++
			report.InvalidCount++
			report.Errors = append(report.Errors, Issue{
				Kind: IssueMalformed, File: rec.File, Line: rec.Line,
				Message: rec.Err.Error(),
			})
			return nil
		}

		ev := rec.Event
		report.Total++
		broken := false
		unconfirmed := false

		// Recompute the HMAC under the key the event names. A retired
		// key is reported distinctly from a mismatch.
		if key, ok := v.keys.KeyFor(ev.KeyID); !ok {
			unconfirmed = true
			report.Errors = append(report.Errors, Issue{
				Kind: IssueKeyUnavailable, File: rec.File, Line: rec.Line, EventID: ev.EventID,
				Message: fmt.Sprintf("key %s retired; event cannot be confirmed", ev.KeyID),
			})
		} else if !ev.VerifyHMAC(key.Secret) {
			broken = true
			report.ChainBreaks++
			report.Errors = append(report.Errors, Issue{
				Kind: IssueHmacMismatch, File: rec.File, Line: rec.Line, EventID: ev.EventID,
				Message: "recomputed HMAC does not match stored value",
			})
		}

		if seenHMACs[ev.HMAC] {
			broken = true
			report.Duplicates++
			report.Errors = append(report.Errors, Issue{
				Kind: IssueDuplicate, File: rec.File, Line: rec.Line, EventID: ev.EventID,
				Message: "event HMAC appears more than once in the log",
			})
		}
		seenHMACs[ev.HMAC] = true

		evTime, timeErr := ev.Time()

		if prev == nil {
			if ev.PrevHash != SentinelHash {
				report.Gaps++
				report.Errors = append(report.Errors, Issue{
					Kind: IssueGap, File: rec.File, Line: rec.Line, EventID: ev.EventID,
					Message: "log begins mid-segment: first event does not use the sentinel prev_hash",
				})
			}
		} else {
			v.checkLinkage(report, rec, ev, prev, &broken)
			if timeErr == nil && !prevTime.IsZero() {
				v.checkTiming(report, rec, ev, prev, evTime, prevTime, &broken)
			}
		}

		if timeErr != nil {
			report.InvalidCount++
			report.Errors = append(report.Errors, Issue{
				Kind: IssueMalformed, File: rec.File, Line: rec.Line, EventID: ev.EventID,
				Message: fmt.Sprintf("unparseable timestamp: %v", timeErr),
			})
		} else {
			switch {
			case broken:
				report.InvalidCount++
			case unconfirmed:
				report.Unverified++
			default:
				report.ValidCount++
			}
			prevTime = evTime
		}
		prev = ev
		return nil
	})
	if err != nil {
		return nil, err
	}

	report.Valid = report.ChainBreaks == 0 &&
		report.Duplicates == 0 &&
		report.OutOfOrder == 0 &&
		report.InvalidCount == 0
	return report, nil
}

// checkLinkage verifies prev_hash chaining against the previous stored
// event. Comparison is against the stored HMAC, not the recomputed one,
// so a single tampered event is reported once, at the point of tamper,
// without cascading to its successors.
func (v *Verifier) checkLinkage(report *VerificationReport, rec Record, ev, prev *Event, broken *bool) {
	if ev.PrevHash == SentinelHash {
		// Segment restart. Legitimate only when rooted by a genesis or
		// rollover record; a rollover must reference the outgoing
		// segment's last hash so the restart stays audit-visible.
		switch ev.EventType {
		case EventGenesis:
		case EventRollover:
			if ph := ev.Metadata["prior_last_hash"]; ph != "" && ph != prev.HMAC {
				report.Gaps++
				report.Errors = append(report.Errors, Issue{
					Kind: IssueGap, File: rec.File, Line: rec.Line, EventID: ev.EventID,
					Message: "rollover does not reference the prior segment's last hash",
				})
			}
		default:
			report.Gaps++
			report.Errors = append(report.Errors, Issue{
				Kind: IssueGap, File: rec.File, Line: rec.Line, EventID: ev.EventID,
				Message: "segment restart without a genesis or rollover record",
			})
		}
		return
	}

	if ev.PrevHash != prev.HMAC {
		*broken = true
		report.ChainBreaks++
		report.Errors = append(report.Errors, Issue{
			Kind: IssueChainBreak, File: rec.File, Line: rec.Line, EventID: ev.EventID,
			Message: "prev_hash does not match the preceding event's HMAC",
		})
	}
}

// checkTiming flags heartbeat gaps and distinguishes wall-clock jumps
// from true reordering using the monotonic timestamp and boot id.
func (v *Verifier) checkTiming(report *VerificationReport, rec Record, ev, prev *Event, evTime, prevTime time.Time, broken *bool) {
	if v.heartbeat > 0 && evTime.Sub(prevTime) > v.heartbeat {
		report.Gaps++
		report.Errors = append(report.Errors, Issue{
			Kind: IssueGap, File: rec.File, Line: rec.Line, EventID: ev.EventID,
			Message: fmt.Sprintf("no events for %s (heartbeat threshold %s)", evTime.Sub(prevTime), v.heartbeat),
		})
	}

	if prevTime.Sub(evTime) <= v.tolerance {
		return
	}

	// Wall clock regressed beyond tolerance. Within one boot session the
	// monotonic clock decides: if it advanced, the wall clock jumped (a
	// legitimate adjustment); if it regressed too, the events were
	// reordered. Across a reboot the monotonic clocks are incomparable.
	switch {
	case ev.BootID == prev.BootID && ev.MonotonicTimestamp >= prev.MonotonicTimestamp:
		report.Errors = append(report.Errors, Issue{
			Kind: IssueTimeAnomaly, File: rec.File, Line: rec.Line, EventID: ev.EventID,
			Message: "wall clock regressed but monotonic clock advanced: clock adjustment, not reordering",
		})
	case ev.BootID == prev.BootID:
		*broken = true
		report.OutOfOrder++
		report.Errors = append(report.Errors, Issue{
			Kind: IssueOutOfOrder, File: rec.File, Line: rec.Line, EventID: ev.EventID,
			Message: "wall clock and monotonic clock both regressed within one boot: events reordered",
		})
	default:
		report.Errors = append(report.Errors, Issue{
			Kind: IssueTimeAnomaly, File: rec.File, Line: rec.Line, EventID: ev.EventID,
			Message: "wall clock regressed across a reboot: ordering unverifiable from timestamps",
		})
	}
}
