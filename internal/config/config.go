// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package config provides unified configuration loading for veritrail.
//
// Supports both TOML and JSON configuration formats, with sensible defaults,
// environment variable overrides, and validation.
//
// Configuration file locations (in order of precedence):
//   - ~/.veritrail/config.toml
//   - ~/.veritrail/config.json
//   - Built-in defaults
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/jeranaias/veritrail/internal/util"
)

// =============================================================================
// CONFIG STRUCTURES
// =============================================================================

// Config represents the complete veritrail configuration.
type Config struct {
	// Version of the config schema.
	Version string `toml:"version" json:"version"`

	// DataDir is the root directory for all durable state
	// (audit logs, signing keys, genesis record).
	DataDir string `toml:"data_dir" json:"data_dir"`

	// Audit configuration for the chain engine and verifier.
	Audit AuditConfig `toml:"audit" json:"audit"`

	// Keys configuration for the signing-key lifecycle.
	Keys KeyConfig `toml:"keys" json:"keys"`

	// Vault configuration for clinic key custody.
	Vault VaultConfig `toml:"vault" json:"vault"`
}

// AuditConfig contains chain engine and verifier configuration.
type AuditConfig struct {
	// HeartbeatIntervalMinutes is the maximum expected silence between
	// adjacent events before the verifier flags a gap.
	HeartbeatIntervalMinutes int `toml:"heartbeat_interval_minutes" json:"heartbeat_interval_minutes"`
	// OutOfOrderToleranceSeconds is how far a wall-clock timestamp may
	// regress before the verifier treats it as a potential reorder.
	// Legitimate clock adjustments (NTP sync) fall inside this window.
	OutOfOrderToleranceSeconds int `toml:"out_of_order_tolerance_seconds" json:"out_of_order_tolerance_seconds"`
	// RetentionDays is how long rolled daily log files are kept before
	// archival becomes eligible (the engine never deletes them itself).
	RetentionDays int `toml:"retention_days" json:"retention_days"`
}

// KeyConfig contains signing-key rotation configuration.
type KeyConfig struct {
	// SigningRotationDays is the rotation interval for HMAC signing keys.
	SigningRotationDays int `toml:"signing_rotation_days" json:"signing_rotation_days"`
	// DataRotationDays is the rotation interval for data-encryption keys.
	DataRotationDays int `toml:"data_rotation_days" json:"data_rotation_days"`
}

// VaultConfig contains key custody vault configuration.
type VaultConfig struct {
	// Dir is the vault root directory (active keys, metadata DB, backups).
	Dir string `toml:"dir" json:"dir"`
	// KeyExpiryDays is the validity window stamped on newly generated
	// clinic keys. 0 means keys never expire.
	KeyExpiryDays int `toml:"key_expiry_days" json:"key_expiry_days"`
}

// KeyExpiry returns the configured clinic key validity as a duration.
func (v VaultConfig) KeyExpiry() time.Duration {
	return time.Duration(v.KeyExpiryDays) * 24 * time.Hour
}

// =============================================================================
// DEFAULT CONFIGURATION
// =============================================================================

// Default returns a Config with sensible default values.
func Default() *Config {
	dir, err := ConfigDir()
	if err != nil {
		dir = ".veritrail"
	}
	return &Config{
		Version: "1.0.0",
		DataDir: dir,

		Audit: AuditConfig{
			HeartbeatIntervalMinutes:   24 * 60, // one silent day is suspicious
			OutOfOrderToleranceSeconds: 120,     // NTP step tolerance
			RetentionDays:              365 * 7, // regulated retention
		},

		Keys: KeyConfig{
			SigningRotationDays: 90,
			DataRotationDays:    180,
		},

		Vault: VaultConfig{
			Dir:           filepath.Join(dir, "vault"),
			KeyExpiryDays: 365,
		},
	}
}

// =============================================================================
// CONFIG PATH HELPERS
// =============================================================================

// ConfigDir returns the veritrail configuration directory path.
func ConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("could not determine home directory: %w", err)
	}
	return filepath.Join(home, ".veritrail"), nil
}

// ConfigPathTOML returns the path to the TOML config file.
func ConfigPathTOML() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// ConfigPathJSON returns the path to the JSON config file.
func ConfigPathJSON() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.json"), nil
}

// ensureSecurePermissions checks and fixes permissions on config files.
// Config files should be 0600 (owner read/write only).
func ensureSecurePermissions(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}

	mode := info.Mode().Perm()
	if mode != 0600 {
		if err := os.Chmod(path, 0600); err != nil {
			return fmt.Errorf("failed to fix insecure permissions (was %o): %w", mode, err)
		}
	}

	return nil
}

// =============================================================================
// LOAD FUNCTIONS
// =============================================================================

// Load loads configuration from the config file(s).
// Tries TOML first, then JSON, and falls back to defaults.
// Environment overrides are applied last.
func Load() (*Config, error) {
	cfg := Default()

	tomlPath, err := ConfigPathTOML()
	if err == nil {
		if _, statErr := os.Stat(tomlPath); statErr == nil {
			if err := LoadTOML(cfg, tomlPath); err != nil {
				return nil, fmt.Errorf("failed to load TOML config: %w", err)
			}
			return finish(cfg)
		}
	}

	jsonPath, err := ConfigPathJSON()
	if err == nil {
		if _, statErr := os.Stat(jsonPath); statErr == nil {
			if err := LoadJSON(cfg, jsonPath); err != nil {
				return nil, fmt.Errorf("failed to load JSON config: %w", err)
			}
			return finish(cfg)
		}
	}

	return finish(cfg)
}

// LoadFromPath loads configuration from a specific file path with full validation.
func LoadFromPath(path string) (*Config, error) {
	cfg := Default()

	if strings.HasSuffix(path, ".json") {
		if err := LoadJSON(cfg, path); err != nil {
			return nil, fmt.Errorf("failed to load JSON config from %s: %w", path, err)
		}
	} else {
		if err := LoadTOML(cfg, path); err != nil {
			return nil, fmt.Errorf("failed to load TOML config from %s: %w", path, err)
		}
	}

	return finish(cfg)
}

func finish(cfg *Config) (*Config, error) {
	cfg.ApplyEnvOverrides()
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// LoadTOML loads configuration from a TOML file.
func LoadTOML(cfg *Config, path string) error {
	if err := ensureSecurePermissions(path); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: could not ensure secure permissions on %s: %v\n", path, err)
	}

	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return fmt.Errorf("failed to decode TOML file: %w", err)
	}
	return nil
}

// LoadJSON loads configuration from a JSON file.
func LoadJSON(cfg *Config, path string) error {
	if err := ensureSecurePermissions(path); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: could not ensure secure permissions on %s: %v\n", path, err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read JSON file: %w", err)
	}
	if err := json.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to decode JSON file: %w", err)
	}
	return nil
}

// =============================================================================
// SAVE FUNCTIONS
// =============================================================================

// Save writes the config to the TOML config file atomically.
func Save(cfg *Config) error {
	path, err := ConfigPathTOML()
	if err != nil {
		return err
	}
	return SaveTOML(cfg, path)
}

// SaveTOML writes the config to the given path as TOML.
func SaveTOML(cfg *Config, path string) error {
	var sb strings.Builder
	if err := toml.NewEncoder(&sb).Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode TOML config: %w", err)
	}
	if err := util.AtomicWriteFileWithDir(path, []byte(sb.String()), 0600, 0700); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// =============================================================================
// DEFAULTS, OVERRIDES, VALIDATION
// =============================================================================

// SetDefaults fills any zero-valued fields with defaults.
func (c *Config) SetDefaults() {
	def := Default()
	if c.Version == "" {
		c.Version = def.Version
	}
	if c.DataDir == "" {
		c.DataDir = def.DataDir
	}
	if c.Audit.HeartbeatIntervalMinutes == 0 {
		c.Audit.HeartbeatIntervalMinutes = def.Audit.HeartbeatIntervalMinutes
	}
	if c.Audit.OutOfOrderToleranceSeconds == 0 {
		c.Audit.OutOfOrderToleranceSeconds = def.Audit.OutOfOrderToleranceSeconds
	}
	if c.Audit.RetentionDays == 0 {
		c.Audit.RetentionDays = def.Audit.RetentionDays
	}
	if c.Keys.SigningRotationDays == 0 {
		c.Keys.SigningRotationDays = def.Keys.SigningRotationDays
	}
	if c.Keys.DataRotationDays == 0 {
		c.Keys.DataRotationDays = def.Keys.DataRotationDays
	}
	if c.Vault.Dir == "" {
		c.Vault.Dir = filepath.Join(c.DataDir, "vault")
	}
}

// ApplyEnvOverrides applies environment variable overrides to the config.
// Supported variables:
//
//	VERITRAIL_DATA_DIR                data directory
//	VERITRAIL_VAULT_DIR               vault directory
//	VERITRAIL_SIGNING_ROTATION_DAYS   signing key rotation interval
//	VERITRAIL_HEARTBEAT_MINUTES       verifier gap heartbeat threshold
func (c *Config) ApplyEnvOverrides() {
	if v := os.Getenv("VERITRAIL_DATA_DIR"); v != "" {
		c.DataDir = v
	}
	if v := os.Getenv("VERITRAIL_VAULT_DIR"); v != "" {
		c.Vault.Dir = v
	}
	if v := os.Getenv("VERITRAIL_SIGNING_ROTATION_DAYS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Keys.SigningRotationDays = n
		}
	}
	if v := os.Getenv("VERITRAIL_HEARTBEAT_MINUTES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Audit.HeartbeatIntervalMinutes = n
		}
	}
}

// ValidationError describes a single invalid config field.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// Validate checks the config for invalid values.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return ValidationError{Field: "data_dir", Message: "must not be empty"}
	}
	if c.Keys.SigningRotationDays <= 0 {
		return ValidationError{Field: "keys.signing_rotation_days", Message: "must be positive"}
	}
	if c.Keys.DataRotationDays <= 0 {
		return ValidationError{Field: "keys.data_rotation_days", Message: "must be positive"}
	}
	if c.Audit.HeartbeatIntervalMinutes <= 0 {
		return ValidationError{Field: "audit.heartbeat_interval_minutes", Message: "must be positive"}
	}
	if c.Audit.OutOfOrderToleranceSeconds < 0 {
		return ValidationError{Field: "audit.out_of_order_tolerance_seconds", Message: "must not be negative"}
	}
	return nil
}
