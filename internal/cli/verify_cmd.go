// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// verify_cmd.go - verify command handler.
//
// Command: verify
// Short:   Verify the full audit chain
//
// The report distinguishes confirmed breaks (HMAC mismatch, broken
// linkage, duplicates, reordering) from records that merely cannot be
// confirmed because their signing key is gone. Only confirmed breaks
// make the chain invalid.
//
// Examples:
//   veritrail verify            Human-readable report
//   veritrail verify --json     Report as JSON (exit 1 on invalid)
package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/jeranaias/veritrail/internal/audit"
)

// HandleVerify runs a full chain verification and prints the report.
func HandleVerify(args Args) error {
	app, err := newApp(args)
	if err != nil {
		return err
	}
	defer app.Close()

	verifier := audit.NewVerifier(app.Store, app.Keys, app.Heartbeat(), app.Tolerance())
	report, err := verifier.VerifySegment(context.Background())
	if err != nil {
		return err
	}

	if args.JSON {
		if err := printJSON(report); err != nil {
			return err
		}
	} else {
		printReport(report, args.Verbose)
	}

	if !report.Valid {
		os.Exit(1)
	}
	return nil
}

func printReport(report *audit.VerificationReport, verbose bool) {
	verdict := "VALID"
	if !report.Valid {
		verdict = "INVALID"
	}
	fmt.Printf("Chain verification: %s\n", verdict)
	fmt.Println()
	fmt.Printf("  Events:        %d\n", report.Total)
	fmt.Printf("  Verified:      %d\n", report.ValidCount)
	fmt.Printf("  Invalid:       %d\n", report.InvalidCount)
	fmt.Printf("  Unverified:    %d (signing key unavailable)\n", report.Unverified)
	fmt.Printf("  Chain breaks:  %d\n", report.ChainBreaks)
	fmt.Printf("  Duplicates:    %d\n", report.Duplicates)
	fmt.Printf("  Out of order:  %d\n", report.OutOfOrder)
	fmt.Printf("  Gaps:          %d\n", report.Gaps)

	if len(report.Errors) == 0 {
		return
	}
	fmt.Println()
	limit := 20
	if verbose {
		limit = len(report.Errors)
	}
	for i, issue := range report.Errors {
		if i >= limit {
			fmt.Printf("  ... %d more (use --verbose)\n", len(report.Errors)-limit)
			break
		}
		fmt.Printf("  [%s] %s:%d %s\n", issue.Kind, issue.File, issue.Line, issue.Message)
	}
}
