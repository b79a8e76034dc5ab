// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// cli.go - CLI parsing and command routing for veritrail.
package cli

import (
	"fmt"
	"os"
	"strings"
)

// Version information (can be overridden at build time)
var (
	Version   = "0.1.0"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

// Command represents the CLI command to execute.
type Command int

const (
	CmdStatus Command = iota
	CmdAppend
	CmdVerify
	CmdKeys
	CmdVault
	CmdGenesis
	CmdMonitor
	CmdConfig
	CmdVersion
	CmdHelp
)

// Args holds parsed CLI arguments.
type Args struct {
	// Global flags
	JSON       bool
	Quiet      bool
	Verbose    bool
	ConfigPath string
	DataDir    string

	// Command-specific
	Subcommand string

	// Raw args (remaining after flag parsing)
	Raw []string

	// Options holds command-specific named options (e.g., --actor, --size)
	Options map[string]string

	// Meta accumulates repeated --meta k=v pairs
	Meta map[string]string
}

const usageText = `veritrail - tamper-evident audit trail and key custody

Veritrail maintains an HMAC-chained audit log, epoch-rotated signing
keys and an encrypted custody vault for clinic key material. Tampering
is detected after the fact, never silently repaired.

Usage:
  veritrail status                   Show chain, key and vault status
  veritrail append <type>            Append one audit event
  veritrail verify                   Verify the full audit chain
  veritrail keys [subcommand]        Signing/data key management
  veritrail vault [subcommand]       Clinic key custody vault
  veritrail genesis [subcommand]     Segment genesis and rollover
  veritrail monitor                  Watch the log directory for tampering
  veritrail config [show|init]       Configuration
  veritrail version                  Show version
  veritrail help                     Show this help

Append:
  veritrail append consent-on --encounter enc-42
  veritrail append export --actor end-user --meta format=pdf
    --encounter REF      Encounter reference (default: system)
    --actor WHO          application | end-user | administrator
    --meta K=V           Metadata pair (repeatable)

Verify:
  veritrail verify                   Full verification report
  veritrail verify --json            Report as JSON

Keys Subcommands:
  show (default)       Show current signing and data key ids
  rotate               Rotate any due keys (idempotent)
  cleanup              Remove keys past retention

Vault Subcommands:
  list <clinic>        List a clinic's key records
  generate <clinic>    Generate a clinic key (--type rsa|ecdsa, --size N)
  access <key-id>      Decrypt-audit one key (prints public metadata)
  rotate <clinic>      Rotate the clinic's active key (backup first)
  deactivate <key-id>  Deactivate a key
  reactivate <key-id>  Explicitly reactivate a key
  log <key-id>         Show the key's access audit trail
  recover <clinic>     Restore corrupted keys from verified backups

Genesis Subcommands:
  show (default)       Show the current segment record
  init                 Ensure a genesis record exists
  rollover <reason>    Roll the chain into a new segment
  stitch               Bridge a discontinuity (--from H --to H --note S)

Global Flags:
  --json               Output in JSON format
  --quiet, -q          Suppress non-essential output
  --verbose, -v        Verbose output
  --config PATH        Config file path
  --data-dir PATH      Override the data directory

Environment:
  VERITRAIL_DATA_DIR, VERITRAIL_VAULT_DIR,
  VERITRAIL_SIGNING_ROTATION_DAYS, VERITRAIL_HEARTBEAT_MINUTES
`

// PrintUsage prints the usage text.
func PrintUsage() {
	fmt.Print(usageText)
}

// Parse parses os.Args into a command and its arguments.
func Parse() (Command, Args) {
	args := os.Args[1:]

	remaining, parsedArgs := parseGlobalFlags(args)

	if len(remaining) == 0 {
		return CmdStatus, parsedArgs
	}

	cmd := strings.ToLower(remaining[0])
	remaining = remaining[1:]
	parsedArgs.Raw = remaining

	switch cmd {
	case "status", "s":
		return CmdStatus, parsedArgs

	case "append", "record":
		parseAppendArgs(&parsedArgs, remaining)
		return CmdAppend, parsedArgs

	case "verify", "integrity":
		return CmdVerify, parsedArgs

	case "keys", "key":
		if len(remaining) > 0 {
			parsedArgs.Subcommand = remaining[0]
		}
		return CmdKeys, parsedArgs

	case "vault", "custody":
		if len(remaining) > 0 {
			parsedArgs.Subcommand = remaining[0]
		}
		parseVaultArgs(&parsedArgs, remaining)
		return CmdVault, parsedArgs

	case "genesis", "segment":
		if len(remaining) > 0 {
			parsedArgs.Subcommand = remaining[0]
		}
		parseGenesisArgs(&parsedArgs, remaining)
		return CmdGenesis, parsedArgs

	case "monitor", "watch":
		return CmdMonitor, parsedArgs

	case "config":
		if len(remaining) > 0 {
			parsedArgs.Subcommand = remaining[0]
		}
		return CmdConfig, parsedArgs

	case "version", "--version", "-V":
		return CmdVersion, parsedArgs

	case "help", "--help", "-h":
		return CmdHelp, parsedArgs

	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		return CmdHelp, parsedArgs
	}
}

// parseGlobalFlags extracts global flags, returning the remaining args.
func parseGlobalFlags(args []string) ([]string, Args) {
	parsed := Args{
		Options: make(map[string]string),
		Meta:    make(map[string]string),
	}
	var remaining []string

	for i := 0; i < len(args); i++ {
		arg := args[i]
		switch arg {
		case "--json":
			parsed.JSON = true
		case "--quiet", "-q":
			parsed.Quiet = true
		case "--verbose", "-v":
			parsed.Verbose = true
		case "--config":
			if i+1 < len(args) {
				i++
				parsed.ConfigPath = args[i]
			}
		case "--data-dir":
			if i+1 < len(args) {
				i++
				parsed.DataDir = args[i]
			}
		default:
			remaining = append(remaining, arg)
		}
	}

	return remaining, parsed
}

// parseAppendArgs parses append-specific flags. The first positional
// argument is the event type.
func parseAppendArgs(parsed *Args, args []string) {
	for i := 0; i < len(args); i++ {
		arg := args[i]
		switch arg {
		case "--encounter", "-e":
			if i+1 < len(args) {
				i++
				parsed.Options["encounter"] = args[i]
			}
		case "--actor", "-a":
			if i+1 < len(args) {
				i++
				parsed.Options["actor"] = args[i]
			}
		case "--meta", "-m":
			if i+1 < len(args) {
				i++
				if k, v, ok := strings.Cut(args[i], "="); ok {
					parsed.Meta[k] = v
				}
			}
		default:
			if parsed.Subcommand == "" && !strings.HasPrefix(arg, "-") {
				parsed.Subcommand = arg
			}
		}
	}
}

// parseVaultArgs parses vault-specific named options.
func parseVaultArgs(parsed *Args, args []string) {
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--type", "-t":
			if i+1 < len(args) {
				i++
				parsed.Options["type"] = args[i]
			}
		case "--size":
			if i+1 < len(args) {
				i++
				parsed.Options["size"] = args[i]
			}
		case "--actor", "-a":
			if i+1 < len(args) {
				i++
				parsed.Options["actor"] = args[i]
			}
		case "--limit", "-n":
			if i+1 < len(args) {
				i++
				parsed.Options["limit"] = args[i]
			}
		case "--operation", "-o":
			if i+1 < len(args) {
				i++
				parsed.Options["operation"] = args[i]
			}
		case "--reason", "-r":
			if i+1 < len(args) {
				i++
				parsed.Options["reason"] = args[i]
			}
		case "--passphrase":
			if i+1 < len(args) {
				i++
				parsed.Options["passphrase"] = args[i]
			}
		}
	}
}

// parseGenesisArgs parses genesis-specific named options.
func parseGenesisArgs(parsed *Args, args []string) {
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--from":
			if i+1 < len(args) {
				i++
				parsed.Options["from"] = args[i]
			}
		case "--to":
			if i+1 < len(args) {
				i++
				parsed.Options["to"] = args[i]
			}
		case "--note":
			if i+1 < len(args) {
				i++
				parsed.Options["note"] = args[i]
			}
		}
	}
}
