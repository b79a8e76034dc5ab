// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// genesis_cmd.go - segment genesis and rollover commands.
//
// Command: genesis [subcommand]
// Short:   Manage chain segments
//
// Subcommands:
//   show (default)      Show the current segment record
//   init                Ensure a genesis record exists (first run)
//   rollover <reason>   Start a new segment, recording the outgoing head
//   stitch              Bridge a discontinuity (--from H --to H --note S)
//
// A rollover never depends cryptographically on the old segment: the
// outgoing head is recorded as metadata so auditors can correlate
// segments even when the old keys are gone.
//
// Examples:
//   veritrail genesis
//   veritrail genesis rollover key-compromise
//   veritrail genesis stitch --from 9f3a... --to 0000... --note "restored from backup"
package cli

import (
	"fmt"
)

// HandleGenesis routes genesis subcommands.
func HandleGenesis(args Args) error {
	app, err := newApp(args)
	if err != nil {
		return err
	}
	defer app.Close()

	switch args.Subcommand {
	case "", "show":
		rec, created, err := app.Genesis.EnsureGenesis()
		if err != nil {
			return err
		}
		if args.JSON {
			return printJSON(rec)
		}
		if created {
			fmt.Println("Created new genesis record.")
		}
		fmt.Printf("Genesis:    %s\n", rec.GenesisID)
		fmt.Printf("Device:     %s\n", rec.DeviceID)
		fmt.Printf("Version:    %s\n", rec.AppVersion)
		fmt.Printf("Created:    %s\n", formatWhen(rec.CreatedAt))
		if rec.PriorSegmentHash != "" {
			fmt.Printf("Prior head: %s\n", truncHash(rec.PriorSegmentHash))
		}
		return nil

	case "init":
		rec, created, err := app.Genesis.EnsureGenesis()
		if err != nil {
			return err
		}
		if args.JSON {
			return printJSON(map[string]any{"genesis_id": rec.GenesisID, "created": created})
		}
		if created {
			fmt.Printf("Genesis %s created.\n", rec.GenesisID)
		} else {
			fmt.Printf("Genesis %s already present.\n", rec.GenesisID)
		}
		return nil

	case "rollover":
		reason := ""
		if len(args.Raw) > 1 {
			reason = args.Raw[1]
		}
		if reason == "" {
			return fmt.Errorf("rollover requires a reason (e.g. key-compromise, scheduled)")
		}
		if _, _, err := app.Genesis.EnsureGenesis(); err != nil {
			return err
		}
		rec, err := app.Genesis.Rollover(reason)
		if err != nil {
			return err
		}
		if args.JSON {
			return printJSON(rec)
		}
		fmt.Printf("Rolled over to segment %s (prior head %s)\n",
			rec.GenesisID, truncHash(rec.PriorSegmentHash))
		return nil

	case "stitch":
		if _, _, err := app.Genesis.EnsureGenesis(); err != nil {
			return err
		}
		eventID, err := app.Genesis.Stitch(true,
			args.Options["from"], args.Options["to"], args.Options["note"])
		if err != nil {
			return err
		}
		if args.JSON {
			return printJSON(map[string]string{"event_id": eventID})
		}
		fmt.Printf("Stitch recorded (%s).\n", eventID)
		return nil

	default:
		return fmt.Errorf("unknown genesis subcommand: %s", args.Subcommand)
	}
}
