// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// output.go - shared output helpers for CLI handlers.
package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// printJSON writes v as indented JSON to stdout.
func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// errorf prints an error line to stderr.
func errorf(format string, a ...any) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", a...)
}

// formatWhen renders a timestamp for human output.
func formatWhen(t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	return t.Local().Format("2006-01-02 15:04:05")
}

// truncHash shortens a hex hash for display.
func truncHash(h string) string {
	if len(h) <= 16 {
		return h
	}
	return h[:16] + "…"
}

// boolWord renders a boolean as yes/no.
func boolWord(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}
