// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// append_cmd.go - append command handler.
//
// Command: append <type>
// Short:   Append one event to the tamper-evident chain
//
// Examples:
//   veritrail append consent-on --encounter enc-42
//   veritrail append export --actor end-user --meta format=pdf
//   veritrail append error --meta code=E301
//
// Flags:
//   --encounter REF, -e  Encounter reference (default: system)
//   --actor WHO, -a      application | end-user | administrator
//   --meta K=V, -m       Metadata pair (repeatable)
//   --json               Output result as JSON
package cli

import (
	"fmt"

	"github.com/jeranaias/veritrail/internal/audit"
)

// HandleAppend appends one audit event to the chain.
func HandleAppend(args Args) error {
	if args.Subcommand == "" {
		return fmt.Errorf("append requires an event type (e.g. consent-on, export)")
	}

	app, err := newApp(args)
	if err != nil {
		return err
	}
	defer app.Close()

	// A segment must exist before ordinary events chain onto it.
	if _, _, err := app.Genesis.EnsureGenesis(); err != nil {
		return err
	}

	actor := audit.ActorApplication
	if a, ok := args.Options["actor"]; ok {
		actor = audit.Actor(a)
	}

	eventID, err := app.Engine.Append(
		args.Options["encounter"],
		audit.EventType(args.Subcommand),
		actor,
		args.Meta,
	)
	if err != nil {
		return err
	}

	if args.JSON {
		return printJSON(map[string]string{
			"event_id":   eventID,
			"chain_head": app.Engine.LastHash(),
		})
	}
	if !args.Quiet {
		fmt.Printf("Appended %s (%s)\n", eventID, args.Subcommand)
	}
	return nil
}
