// veritrail - tamper-evident audit trail and key custody.
//
// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later
package main

import (
	"fmt"
	"os"

	"github.com/jeranaias/veritrail/internal/cli"
)

// Version information (set at build time)
var (
	Version   = "0.1.0"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

func init() {
	// Sync version info with cli package
	cli.Version = Version
	cli.GitCommit = GitCommit
	cli.BuildDate = BuildDate
}

func main() {
	cmd, args := cli.Parse()

	var err error
	switch cmd {
	case cli.CmdStatus:
		err = cli.HandleStatus(args)
	case cli.CmdAppend:
		err = cli.HandleAppend(args)
	case cli.CmdVerify:
		err = cli.HandleVerify(args)
	case cli.CmdKeys:
		err = cli.HandleKeys(args)
	case cli.CmdVault:
		err = cli.HandleVault(args)
	case cli.CmdGenesis:
		err = cli.HandleGenesis(args)
	case cli.CmdMonitor:
		err = cli.HandleMonitor(args)
	case cli.CmdConfig:
		err = cli.HandleConfig(args)
	case cli.CmdVersion:
		err = cli.HandleVersion(args)
	case cli.CmdHelp:
		cli.PrintUsage()
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
