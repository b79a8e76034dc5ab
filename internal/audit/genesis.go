// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// genesis.go - chain roots and segment continuity.
//
// Genesis, rollover and chain-stitch records are themselves written
// through the chain engine, so the history of every continuity decision
// is auditable. No transition deletes or rewrites a prior segment.
package audit

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jeranaias/veritrail/internal/util"
)

// genesisFileName is the durable marker for the active chain segment.
const genesisFileName = "genesis.json"

// GenesisRecord identifies a chain segment root. PriorSegmentHash links
// a rollover's new segment to the outgoing one for audit visibility,
// without making the new chain cryptographically depend on the old.
type GenesisRecord struct {
	GenesisID        string    `json:"genesis_id"`
	BootID           string    `json:"boot_id"`
	AppVersion       string    `json:"app_version"`
	DeviceID         string    `json:"device_id"`
	CreatedAt        time.Time `json:"created_at"`
	PriorSegmentHash string    `json:"prior_segment_hash,omitempty"`
}

// GenesisManager establishes chain roots on first run and stitches or
// explicitly re-roots segments when continuity is lost.
type GenesisManager struct {
	path       string
	engine     *Engine
	appVersion string
	deviceID   string

	mu      sync.Mutex
	current *GenesisRecord
}

// NewGenesisManager creates a genesis manager persisting its record
// under dataDir.
func NewGenesisManager(dataDir string, engine *Engine, appVersion, deviceID string) *GenesisManager {
	return &GenesisManager{
		path:       filepath.Join(dataDir, genesisFileName),
		engine:     engine,
		appVersion: appVersion,
		deviceID:   deviceID,
	}
}

// Current returns the active segment's genesis record, or nil before
// EnsureGenesis has run.
func (g *GenesisManager) Current() *GenesisRecord {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.current == nil {
		return nil
	}
	rec := *g.current
	return &rec
}

// EnsureGenesis establishes the chain root. When a segment already
// exists its record is returned with created=false; otherwise (first
// install, or reinstall that wiped local state) a new root is created,
// the chain restarts at the sentinel and a genesis event is appended.
func (g *GenesisManager) EnsureGenesis() (rec *GenesisRecord, created bool, err error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.current != nil {
		r := *g.current
		return &r, false, nil
	}

	if loaded, loadErr := g.load(); loadErr == nil {
		g.current = loaded
		r := *loaded
		return &r, false, nil
	} else if !os.IsNotExist(loadErr) {
		return nil, false, fmt.Errorf("failed to load genesis record: %w", loadErr)
	}

	record := &GenesisRecord{
		GenesisID:  uuid.NewString(),
		BootID:     BootID(),
		AppVersion: g.appVersion,
		DeviceID:   g.deviceID,
		CreatedAt:  time.Now().UTC(),
	}
	if err := g.save(record); err != nil {
		return nil, false, err
	}

	g.engine.resetSegment()
	if _, err := g.engine.Append("system", EventGenesis, ActorApplication, map[string]string{
		"genesis_id":  record.GenesisID,
		"app_version": record.AppVersion,
		"device_id":   record.DeviceID,
	}); err != nil {
		return nil, false, fmt.Errorf("failed to append genesis event: %w", err)
	}

	g.current = record
	r := *record
	return &r, true, nil
}

// Rollover intentionally breaks continuity: the outgoing segment's last
// hash is recorded in the rollover event and in the new genesis record,
// then the chain restarts at the sentinel. Used for operator-triggered
// resets and unrecoverable corruption.
func (g *GenesisManager) Rollover(reason string) (*GenesisRecord, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	priorHash := g.engine.LastHash()

	record := &GenesisRecord{
		GenesisID:        uuid.NewString(),
		BootID:           BootID(),
		AppVersion:       g.appVersion,
		DeviceID:         g.deviceID,
		CreatedAt:        time.Now().UTC(),
		PriorSegmentHash: priorHash,
	}
	if err := g.save(record); err != nil {
		return nil, err
	}

	g.engine.resetSegment()
	if _, err := g.engine.Append("system", EventRollover, ActorAdministrator, map[string]string{
		"genesis_id":      record.GenesisID,
		"reason":          reason,
		"prior_last_hash": priorHash,
	}); err != nil {
		return nil, fmt.Errorf("failed to append rollover event: %w", err)
	}

	g.current = record
	r := *record
	return &r, nil
}

// Stitch bridges a storage discontinuity the verifier found between two
// segments known to be logically contiguous. gapDetected records whether
// a genuine unexplained gap was found versus a clean abutment.
func (g *GenesisManager) Stitch(gapDetected bool, fromHash, toHash, note string) (string, error) {
	return g.engine.Append("system", EventChainStitch, ActorAdministrator, map[string]string{
		"gap_detected": strconv.FormatBool(gapDetected),
		"from_hash":    fromHash,
		"to_hash":      toHash,
		"note":         note,
	})
}

func (g *GenesisManager) load() (*GenesisRecord, error) {
	data, err := os.ReadFile(g.path)
	if err != nil {
		return nil, err
	}
	var rec GenesisRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("malformed genesis record: %w", err)
	}
	return &rec, nil
}

func (g *GenesisManager) save(rec *GenesisRecord) error {
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal genesis record: %w", err)
	}
	if err := util.AtomicWriteFileWithDir(g.path, data, 0600, 0700); err != nil {
		return fmt.Errorf("failed to persist genesis record: %w", err)
	}
	return nil
}
