// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// status.go - status command handler.
//
// Command: status
// Short:   Show chain head, active keys and genesis segment
package cli

import (
	"fmt"

	"github.com/jeranaias/veritrail/internal/config"
)

// statusReport is the JSON shape of the status command.
type statusReport struct {
	DataDir      string `json:"data_dir"`
	SigningKeyID string `json:"signing_key_id"`
	DataKeyID    string `json:"data_key_id"`
	ChainHead    string `json:"chain_head"`
	GenesisID    string `json:"genesis_id,omitempty"`
	BootID       string `json:"boot_id,omitempty"`
	LogFiles     int    `json:"log_files"`
}

// HandleStatus shows the current state of the chain and keys.
func HandleStatus(args Args) error {
	app, err := newApp(args)
	if err != nil {
		return err
	}
	defer app.Close()

	signing, err := app.Keys.CurrentKey()
	if err != nil {
		return err
	}
	data, err := app.Keys.CurrentDataKey()
	if err != nil {
		return err
	}

	rec, _, err := app.Genesis.EnsureGenesis()
	if err != nil {
		return err
	}

	files, err := app.Store.Files()
	if err != nil {
		return err
	}

	report := statusReport{
		DataDir:      app.Config.DataDir,
		SigningKeyID: signing.KeyID,
		DataKeyID:    data.KeyID,
		ChainHead:    app.Engine.LastHash(),
		GenesisID:    rec.GenesisID,
		BootID:       rec.BootID,
		LogFiles:     len(files),
	}

	if args.JSON {
		return printJSON(report)
	}

	fmt.Println("veritrail status")
	fmt.Println()
	fmt.Printf("  Data directory:  %s\n", report.DataDir)
	fmt.Printf("  Signing key:     %s\n", report.SigningKeyID)
	fmt.Printf("  Data key:        %s\n", report.DataKeyID)
	fmt.Printf("  Chain head:      %s\n", truncHash(report.ChainHead))
	fmt.Printf("  Genesis:         %s\n", report.GenesisID)
	fmt.Printf("  Log files:       %d\n", report.LogFiles)
	return nil
}

// HandleVersion prints version information.
func HandleVersion(args Args) error {
	if args.JSON {
		return printJSON(map[string]string{
			"version":    Version,
			"git_commit": GitCommit,
			"build_date": BuildDate,
		})
	}
	fmt.Printf("veritrail %s (commit %s, built %s)\n", Version, GitCommit, BuildDate)
	return nil
}

// HandleConfig shows or initializes configuration.
func HandleConfig(args Args) error {
	switch args.Subcommand {
	case "", "show":
		cfg, err := loadConfig(args)
		if err != nil {
			return err
		}
		return printJSON(cfg)
	case "init":
		cfg, err := loadConfig(args)
		if err != nil {
			return err
		}
		if err := config.Save(cfg); err != nil {
			return err
		}
		fmt.Println("Configuration written.")
		return nil
	default:
		return fmt.Errorf("unknown config subcommand: %s", args.Subcommand)
	}
}
