// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// vault_cmd.go - custody vault CLI commands.
//
// Command: vault [subcommand]
// Short:   Clinic key custody: generate, access, rotate, recover
//
// Subcommands:
//   list <clinic>        List a clinic's key records
//   generate <clinic>    Generate a key (--type rsa|ecdsa, --size N)
//   access <key-id>      Decrypt-audit one key (never prints private material;
//                        --operation and --reason land on the audit entry)
//   rotate <clinic>      Rotate the active key (backup-before-deactivate)
//   deactivate <key-id>  Deactivate a key
//   reactivate <key-id>  Explicitly reactivate a key
//   log <key-id>         Show the key's access audit trail (--limit N)
//   recover <clinic>     Restore corrupted keys from verified backups
//                        (--reason lands on the audit entries)
//
// Every access attempt, successful or failed, lands in the vault's
// access audit and mirrors into the tamper-evident chain.
//
// Examples:
//   veritrail vault generate clinic-7 --type ecdsa
//   veritrail vault rotate clinic-7
//   veritrail vault log ck-1a2b... --limit 20
//   veritrail vault recover clinic-7
package cli

import (
	"context"
	"fmt"
	"strconv"

	"github.com/jeranaias/veritrail/internal/vault"
)

// HandleVault routes vault subcommands.
func HandleVault(args Args) error {
	app, err := newApp(args)
	if err != nil {
		return err
	}
	defer app.Close()

	// Vault operations mirror into the chain, which needs a segment.
	if _, _, err := app.Genesis.EnsureGenesis(); err != nil {
		return err
	}

	v, err := app.Vault(args.Options["passphrase"])
	if err != nil {
		return err
	}

	actor := args.Options["actor"]
	if actor == "" {
		actor = "administrator"
	}

	arg := ""
	if len(args.Raw) > 1 {
		arg = args.Raw[1]
	}

	switch args.Subcommand {
	case "list":
		return vaultList(v, args, arg)
	case "generate":
		return vaultGenerate(app, v, args, arg, actor)
	case "access":
		return vaultAccess(v, args, arg, actor)
	case "rotate":
		return vaultRotate(v, args, arg, actor)
	case "deactivate":
		return vaultSetActive(v, arg, actor, false)
	case "reactivate":
		return vaultSetActive(v, arg, actor, true)
	case "log":
		return vaultLog(v, args, arg)
	case "recover":
		return vaultRecover(v, args, arg, actor)
	default:
		return fmt.Errorf("unknown vault subcommand: %s", args.Subcommand)
	}
}

func vaultList(v *vault.Vault, args Args, clinicID string) error {
	if clinicID == "" {
		return fmt.Errorf("vault list requires a clinic id")
	}
	records, err := v.ListKeys(clinicID)
	if err != nil {
		return err
	}

	if args.JSON {
		return printJSON(records)
	}
	if len(records) == 0 {
		fmt.Printf("No keys for clinic %s.\n", clinicID)
		return nil
	}
	for _, rec := range records {
		fmt.Printf("%s  %-5s %4d  active=%-3s accesses=%-4d rotations=%d  created %s\n",
			rec.KeyID, rec.KeyType, rec.KeySize, boolWord(rec.IsActive),
			rec.AccessCount, rec.RotationCount, formatWhen(rec.CreatedAt))
	}
	return nil
}

func vaultGenerate(app *App, v *vault.Vault, args Args, clinicID, actor string) error {
	if clinicID == "" {
		return fmt.Errorf("vault generate requires a clinic id")
	}

	keyType := vault.KeyTypeRSA
	if t, ok := args.Options["type"]; ok {
		keyType = vault.KeyType(t)
	}
	keySize := 0
	if s, ok := args.Options["size"]; ok {
		n, err := strconv.Atoi(s)
		if err != nil {
			return fmt.Errorf("invalid --size: %s", s)
		}
		keySize = n
	}

	expiry := app.Config.Vault.KeyExpiry()
	rec, err := v.GenerateKey(clinicID, keyType, keySize, expiry, actor)
	if err != nil {
		return err
	}

	if args.JSON {
		return printJSON(rec)
	}
	fmt.Printf("Generated %s (%s-%d) for clinic %s\n", rec.KeyID, rec.KeyType, rec.KeySize, clinicID)
	return nil
}

func vaultAccess(v *vault.Vault, args Args, keyID, actor string) error {
	if keyID == "" {
		return fmt.Errorf("vault access requires a key id")
	}
	handle, err := v.AccessKey(keyID, actor, args.Options["operation"], args.Options["reason"])
	if err != nil {
		return err
	}
	// Private material stays in memory only; the command confirms
	// accessibility and audits the touch.
	handle.Close()

	rec, err := v.GetKey(keyID)
	if err != nil {
		return err
	}
	if args.JSON {
		return printJSON(rec)
	}
	fmt.Printf("Key %s accessible (access count now %d).\n", keyID, rec.AccessCount)
	return nil
}

func vaultRotate(v *vault.Vault, args Args, clinicID, actor string) error {
	if clinicID == "" {
		return fmt.Errorf("vault rotate requires a clinic id")
	}
	result, err := v.RotateKey(clinicID, actor)
	if err != nil {
		return err
	}

	if args.JSON {
		return printJSON(result)
	}
	fmt.Printf("Rotated clinic %s: %s -> %s\n", clinicID, result.OldKeyID, result.NewKeyID)
	fmt.Printf("Backup: %s\n", result.BackupPath)
	return nil
}

func vaultSetActive(v *vault.Vault, keyID, actor string, active bool) error {
	if keyID == "" {
		return fmt.Errorf("key id required")
	}
	var err error
	if active {
		err = v.Reactivate(keyID, actor)
	} else {
		err = v.Deactivate(keyID, actor)
	}
	if err != nil {
		return err
	}
	state := "deactivated"
	if active {
		state = "reactivated"
	}
	fmt.Printf("Key %s %s.\n", keyID, state)
	return nil
}

func vaultLog(v *vault.Vault, args Args, keyID string) error {
	if keyID == "" {
		return fmt.Errorf("vault log requires a key id")
	}
	limit := 50
	if s, ok := args.Options["limit"]; ok {
		if n, err := strconv.Atoi(s); err == nil {
			limit = n
		}
	}
	entries, err := v.AccessLog(keyID, limit)
	if err != nil {
		return err
	}

	if args.JSON {
		return printJSON(entries)
	}
	for _, e := range entries {
		outcome := "ok"
		if !e.Success {
			outcome = "DENIED: " + e.Reason
		}
		fmt.Printf("%s  %-10s %-14s %s\n", formatWhen(e.Timestamp), e.Operation, e.Actor, outcome)
	}
	return nil
}

func vaultRecover(v *vault.Vault, args Args, clinicID, actor string) error {
	if clinicID == "" {
		return fmt.Errorf("vault recover requires a clinic id")
	}
	result, err := v.Recover(context.Background(), clinicID, actor, args.Options["reason"])
	if err != nil {
		return err
	}

	if args.JSON {
		return printJSON(result)
	}
	fmt.Printf("Checked %d key(s): %d recovered, %d unrecoverable.\n",
		result.KeysChecked, result.KeysRecovered, result.Unrecoverable)
	for _, o := range result.Outcomes {
		if o.Recovered {
			fmt.Printf("  %s restored from %s\n", o.KeyID, o.BackupPath)
		} else {
			fmt.Printf("  %s UNRECOVERABLE: %s\n", o.KeyID, o.Error)
		}
	}
	return nil
}
