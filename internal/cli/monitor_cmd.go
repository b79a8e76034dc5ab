// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// monitor_cmd.go - log directory tamper monitor command.
//
// Command: monitor
// Short:   Watch the audit log directory for out-of-band modification
//
// Runs until interrupted. Truncations, deletions and renames of log
// files are printed as alerts and, when a chain is available, recorded
// as chain events so the observation itself is tamper-evident.
//
// Examples:
//   veritrail monitor
//   veritrail monitor --json
package cli

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/jeranaias/veritrail/internal/audit"
	"github.com/jeranaias/veritrail/internal/monitor"
)

// HandleMonitor watches the log directory until interrupted.
func HandleMonitor(args Args) error {
	app, err := newApp(args)
	if err != nil {
		return err
	}
	defer app.Close()

	if _, _, err := app.Genesis.EnsureGenesis(); err != nil {
		return err
	}

	onAlert := func(alert monitor.Alert) {
		if alert.Suspicious() {
			fmt.Fprintf(os.Stderr, "[MONITOR WARN] %s: %s (%d -> %d bytes)\n",
				alert.Kind, alert.Path, alert.OldSize, alert.NewSize)
			// The alert itself becomes chain evidence.
			_, err := app.Engine.Append("system", audit.EventError, audit.ActorApplication, map[string]string{
				"source":   "monitor",
				"kind":     string(alert.Kind),
				"path":     alert.Path,
				"old_size": fmt.Sprintf("%d", alert.OldSize),
				"new_size": fmt.Sprintf("%d", alert.NewSize),
			})
			if err != nil {
				fmt.Fprintf(os.Stderr, "[MONITOR ERROR] failed to record alert: %v\n", err)
			}
		} else if args.Verbose {
			fmt.Printf("[monitor] %s: %s (%d -> %d bytes)\n",
				alert.Kind, alert.Path, alert.OldSize, alert.NewSize)
		}
		if args.JSON {
			printJSON(alert)
		}
	}

	m, err := monitor.Start(app.Store.Dir(), onAlert)
	if err != nil {
		return err
	}
	defer m.Close()

	if !args.Quiet {
		fmt.Printf("Monitoring %s (Ctrl-C to stop)\n", app.Store.Dir())
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig

	return nil
}
