// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// app.go - shared wiring for CLI command handlers.
//
// Every handler builds the same dependency graph: config, signing key
// manager, log store, chain engine, genesis manager and (on demand) the
// custody vault. Construction is explicit; nothing here is global.
package cli

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/jeranaias/veritrail/internal/audit"
	"github.com/jeranaias/veritrail/internal/config"
	"github.com/jeranaias/veritrail/internal/keyring"
	"github.com/jeranaias/veritrail/internal/vault"
)

// App holds the wired subsystems for one CLI invocation.
type App struct {
	Config  *config.Config
	Keys    *keyring.Manager
	Store   *audit.LogStore
	Engine  *audit.Engine
	Genesis *audit.GenesisManager

	vaultOnce *vault.Vault
}

// newApp wires the core subsystems from configuration. The custody
// vault is opened lazily because it unseals the master key.
func newApp(args Args) (*App, error) {
	cfg, err := loadConfig(args)
	if err != nil {
		return nil, err
	}

	keys, err := keyring.NewManager(
		filepath.Join(cfg.DataDir, "keys"),
		cfg.Keys.SigningRotationDays,
		cfg.Keys.DataRotationDays,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to open keyring: %w", err)
	}

	store, err := audit.NewLogStore(filepath.Join(cfg.DataDir, "audit"))
	if err != nil {
		keys.Close()
		return nil, fmt.Errorf("failed to open audit log: %w", err)
	}

	engine, err := audit.NewEngine(store, keys)
	if err != nil {
		store.Close()
		keys.Close()
		return nil, fmt.Errorf("failed to start audit engine: %w", err)
	}

	genesis := audit.NewGenesisManager(cfg.DataDir, engine, Version, deviceID())

	return &App{
		Config:  cfg,
		Keys:    keys,
		Store:   store,
		Engine:  engine,
		Genesis: genesis,
	}, nil
}

func loadConfig(args Args) (*config.Config, error) {
	var cfg *config.Config
	var err error
	if args.ConfigPath != "" {
		cfg, err = config.LoadFromPath(args.ConfigPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return nil, err
	}
	if args.DataDir != "" {
		cfg.DataDir = args.DataDir
	}
	return cfg, nil
}

// Vault opens the custody vault on first use. An empty passphrase
// selects the file-based master store.
func (a *App) Vault(passphrase string) (*vault.Vault, error) {
	if a.vaultOnce != nil {
		return a.vaultOnce, nil
	}

	vaultDir := a.Config.Vault.Dir
	if vaultDir == "" {
		vaultDir = filepath.Join(a.Config.DataDir, "vault")
	}

	var master vault.MasterKeyStore
	if passphrase != "" {
		master = vault.NewPassphraseMasterStore(filepath.Join(vaultDir, "master.salt"), passphrase)
	} else {
		master = vault.NewFileMasterStore(filepath.Join(vaultDir, "master.key"))
	}

	v, err := vault.New(vaultDir, master, a.Engine)
	if err != nil {
		return nil, err
	}
	a.vaultOnce = v
	return v, nil
}

// Close releases all opened subsystems.
func (a *App) Close() {
	if a.vaultOnce != nil {
		a.vaultOnce.Close()
	}
	a.Store.Close()
	a.Keys.Close()
}

// Heartbeat returns the configured heartbeat interval.
func (a *App) Heartbeat() time.Duration {
	return time.Duration(a.Config.Audit.HeartbeatIntervalMinutes) * time.Minute
}

// Tolerance returns the configured out-of-order tolerance.
func (a *App) Tolerance() time.Duration {
	return time.Duration(a.Config.Audit.OutOfOrderToleranceSeconds) * time.Second
}

// deviceID derives a stable device identifier for genesis records.
func deviceID() string {
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return "unknown-device"
}
