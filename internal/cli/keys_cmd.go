// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// keys_cmd.go - signing/data key management commands.
//
// Command: keys [subcommand]
// Short:   Manage epoch-derived signing and data keys
//
// Subcommands:
//   show (default)      Show current key ids and rotation schedule
//   rotate              Materialize the current epoch's keys if missing
//   cleanup             Remove keys outside the retention window
//
// Key ids are derived from the rotation epoch, so rotation is
// idempotent: re-running rotate in the same epoch changes nothing.
//
// Examples:
//   veritrail keys
//   veritrail keys rotate
//   veritrail keys cleanup
package cli

import (
	"fmt"
)

// HandleKeys routes keys subcommands.
func HandleKeys(args Args) error {
	app, err := newApp(args)
	if err != nil {
		return err
	}
	defer app.Close()

	switch args.Subcommand {
	case "", "show":
		return keysShow(app, args)
	case "rotate":
		return keysRotate(app, args)
	case "cleanup":
		return keysCleanup(app, args)
	default:
		return fmt.Errorf("unknown keys subcommand: %s", args.Subcommand)
	}
}

func keysShow(app *App, args Args) error {
	signing, err := app.Keys.CurrentKey()
	if err != nil {
		return err
	}
	data, err := app.Keys.CurrentDataKey()
	if err != nil {
		return err
	}

	if args.JSON {
		return printJSON(map[string]any{
			"signing_key_id":        signing.KeyID,
			"data_key_id":           data.KeyID,
			"signing_rotation_days": app.Config.Keys.SigningRotationDays,
			"data_rotation_days":    app.Config.Keys.DataRotationDays,
		})
	}

	fmt.Printf("Signing key: %s (rotates every %d days)\n", signing.KeyID, app.Config.Keys.SigningRotationDays)
	fmt.Printf("Data key:    %s (rotates every %d days)\n", data.KeyID, app.Config.Keys.DataRotationDays)
	return nil
}

func keysRotate(app *App, args Args) error {
	outcome, err := app.Keys.RotateIfDue()
	if err != nil {
		return err
	}

	if args.JSON {
		return printJSON(outcome)
	}
	if outcome.Rotated {
		fmt.Printf("Rotated: %s -> %s\n", outcome.PreviousKeyID, outcome.KeyID)
	} else {
		fmt.Printf("Current epoch key %s already in place.\n", outcome.KeyID)
	}
	return nil
}

func keysCleanup(app *App, args Args) error {
	removed, err := app.Keys.CleanupExpired()
	if err != nil {
		return err
	}

	if args.JSON {
		return printJSON(map[string]int{"removed": removed})
	}
	fmt.Printf("Removed %d expired key(s).\n", removed)
	return nil
}
