// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package monitor watches the audit log directory for out-of-band
// modification. Log files are append-only: any truncation, deletion or
// rename observed on disk is reported as a tamper alert. Detection is
// advisory; the chain verifier remains the source of truth.
package monitor

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// AlertKind classifies a monitor observation.
type AlertKind string

const (
	// AlertTruncated fires when a log file shrinks. Append-only files
	// never shrink; truncation means external editing.
	AlertTruncated AlertKind = "truncated"
	// AlertRemoved fires when a log file disappears.
	AlertRemoved AlertKind = "removed"
	// AlertRenamed fires when a log file is renamed away.
	AlertRenamed AlertKind = "renamed"
	// AlertAppended fires on ordinary growth. Informational.
	AlertAppended AlertKind = "appended"
)

// Alert is one monitor observation on a log file.
type Alert struct {
	Kind     AlertKind `json:"kind"`
	Path     string    `json:"path"`
	OldSize  int64     `json:"old_size"`
	NewSize  int64     `json:"new_size"`
	Observed time.Time `json:"observed"`
}

// Suspicious reports whether the alert indicates possible tampering.
func (a Alert) Suspicious() bool {
	return a.Kind != AlertAppended
}

// AlertFunc receives monitor alerts. Called from the monitor goroutine.
type AlertFunc func(Alert)

// =============================================================================
// DIRECTORY MONITOR
// =============================================================================

// DirMonitor is the interface for log directory monitoring implementations.
type DirMonitor interface {
	// Watch starts monitoring for log file changes
	Watch() error

	// Close stops monitoring and releases resources
	Close() error
}

// FsnotifyMonitor implements DirMonitor using fsnotify.
type FsnotifyMonitor struct {
	dir      string
	onAlert  AlertFunc
	watcher  *fsnotify.Watcher
	debounce time.Duration
	mu       sync.Mutex
	sizes    map[string]int64     // File path -> last observed size
	pending  map[string]time.Time // File path -> last change time
	ctx      context.Context
	cancel   context.CancelFunc
}

// NewFsnotifyMonitor creates a new fsnotify-based monitor over dir.
func NewFsnotifyMonitor(dir string, debounce time.Duration, onAlert AlertFunc) (*FsnotifyMonitor, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())

	fm := &FsnotifyMonitor{
		dir:      dir,
		onAlert:  onAlert,
		watcher:  watcher,
		debounce: debounce,
		sizes:    make(map[string]int64),
		pending:  make(map[string]time.Time),
		ctx:      ctx,
		cancel:   cancel,
	}

	return fm, nil
}

// Watch snapshots current log sizes and starts monitoring.
func (fm *FsnotifyMonitor) Watch() error {
	if err := fm.snapshot(); err != nil {
		return err
	}
	if err := fm.watcher.Add(fm.dir); err != nil {
		return err
	}

	go fm.processEvents()
	go fm.processPending()

	return nil
}

// snapshot records the current size of every log file.
func (fm *FsnotifyMonitor) snapshot() error {
	entries, err := os.ReadDir(fm.dir)
	if err != nil {
		return err
	}

	fm.mu.Lock()
	defer fm.mu.Unlock()
	for _, entry := range entries {
		if entry.IsDir() || !isLogFile(entry.Name()) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		fm.sizes[filepath.Join(fm.dir, entry.Name())] = info.Size()
	}
	return nil
}

// processEvents processes file system events.
func (fm *FsnotifyMonitor) processEvents() {
	defer func() {
		if r := recover(); r != nil {
			// Goroutine exits; polling fallback is not swapped in
			// automatically, the caller restarts the monitor.
			_ = r
		}
	}()

	for {
		select {
		case <-fm.ctx.Done():
			return

		case event, ok := <-fm.watcher.Events:
			if !ok {
				return
			}
			if !isLogFile(filepath.Base(event.Name)) {
				continue
			}

			if event.Op&fsnotify.Write == fsnotify.Write ||
				event.Op&fsnotify.Create == fsnotify.Create {
				fm.mu.Lock()
				fm.pending[event.Name] = time.Now()
				fm.mu.Unlock()
			}

			if event.Op&fsnotify.Rename == fsnotify.Rename {
				fm.handleGone(event.Name, AlertRenamed)
			}

			if event.Op&fsnotify.Remove == fsnotify.Remove {
				fm.handleGone(event.Name, AlertRemoved)
			}

		case err, ok := <-fm.watcher.Errors:
			if !ok {
				return
			}
			// Non-fatal
			_ = err
		}
	}
}

// processPending checks debounced writes against the recorded sizes.
func (fm *FsnotifyMonitor) processPending() {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-fm.ctx.Done():
			return

		case <-ticker.C:
			now := time.Now()

			fm.mu.Lock()
			var toCheck []string
			for path, changeTime := range fm.pending {
				if now.Sub(changeTime) >= fm.debounce {
					toCheck = append(toCheck, path)
					delete(fm.pending, path)
				}
			}
			fm.mu.Unlock()

			for _, path := range toCheck {
				fm.checkFile(path)
			}
		}
	}
}

// checkFile compares the file's size against the last observation.
func (fm *FsnotifyMonitor) checkFile(path string) {
	info, err := os.Stat(path)
	if err != nil {
		fm.handleGone(path, AlertRemoved)
		return
	}

	fm.mu.Lock()
	oldSize, known := fm.sizes[path]
	fm.sizes[path] = info.Size()
	fm.mu.Unlock()

	if !known {
		oldSize = 0
	}

	kind := AlertAppended
	if info.Size() < oldSize {
		kind = AlertTruncated
	}
	fm.emit(Alert{
		Kind:     kind,
		Path:     path,
		OldSize:  oldSize,
		NewSize:  info.Size(),
		Observed: time.Now().UTC(),
	})
}

// handleGone reports a file that disappeared from the directory.
func (fm *FsnotifyMonitor) handleGone(path string, kind AlertKind) {
	fm.mu.Lock()
	oldSize, known := fm.sizes[path]
	delete(fm.sizes, path)
	delete(fm.pending, path)
	fm.mu.Unlock()

	if !known {
		return
	}
	fm.emit(Alert{
		Kind:     kind,
		Path:     path,
		OldSize:  oldSize,
		NewSize:  0,
		Observed: time.Now().UTC(),
	})
}

func (fm *FsnotifyMonitor) emit(alert Alert) {
	if fm.onAlert != nil {
		fm.onAlert(alert)
	}
}

// Close stops monitoring and releases resources.
func (fm *FsnotifyMonitor) Close() error {
	fm.cancel()
	if fm.watcher != nil {
		return fm.watcher.Close()
	}
	return nil
}

// =============================================================================
// POLLING MONITOR (FALLBACK)
// =============================================================================

// PollingMonitor implements DirMonitor using periodic size scans.
type PollingMonitor struct {
	dir      string
	onAlert  AlertFunc
	interval time.Duration
	ctx      context.Context
	cancel   context.CancelFunc
	sizes    map[string]int64
	mu       sync.Mutex
}

// NewPollingMonitor creates a new polling-based monitor over dir.
func NewPollingMonitor(dir string, interval time.Duration, onAlert AlertFunc) *PollingMonitor {
	ctx, cancel := context.WithCancel(context.Background())

	return &PollingMonitor{
		dir:      dir,
		onAlert:  onAlert,
		interval: interval,
		ctx:      ctx,
		cancel:   cancel,
		sizes:    make(map[string]int64),
	}
}

// Watch takes the initial snapshot and starts polling.
func (pm *PollingMonitor) Watch() error {
	if err := pm.scan(true); err != nil {
		return err
	}

	go pm.poll()

	return nil
}

func (pm *PollingMonitor) poll() {
	ticker := time.NewTicker(pm.interval)
	defer ticker.Stop()

	for {
		select {
		case <-pm.ctx.Done():
			return

		case <-ticker.C:
			pm.scan(false)
		}
	}
}

// scan compares the directory against the recorded sizes. The initial
// scan only records; later scans emit alerts on differences.
func (pm *PollingMonitor) scan(initial bool) error {
	entries, err := os.ReadDir(pm.dir)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	current := make(map[string]int64)
	for _, entry := range entries {
		if entry.IsDir() || !isLogFile(entry.Name()) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		current[filepath.Join(pm.dir, entry.Name())] = info.Size()
	}

	pm.mu.Lock()
	previous := pm.sizes
	pm.sizes = current
	pm.mu.Unlock()

	if initial {
		return nil
	}

	for path, size := range current {
		oldSize, known := previous[path]
		if !known {
			oldSize = 0
		}
		if size == oldSize && known {
			continue
		}
		kind := AlertAppended
		if size < oldSize {
			kind = AlertTruncated
		}
		pm.emit(Alert{Kind: kind, Path: path, OldSize: oldSize, NewSize: size, Observed: now})
	}

	for path, oldSize := range previous {
		if _, exists := current[path]; !exists {
			pm.emit(Alert{Kind: AlertRemoved, Path: path, OldSize: oldSize, Observed: now})
		}
	}

	return nil
}

func (pm *PollingMonitor) emit(alert Alert) {
	if pm.onAlert != nil {
		pm.onAlert(alert)
	}
}

// Close stops monitoring.
func (pm *PollingMonitor) Close() error {
	pm.cancel()
	return nil
}

// =============================================================================
// MONITOR FACTORY
// =============================================================================

// Start starts the best available monitor over dir (fsnotify, falling
// back to polling).
func Start(dir string, onAlert AlertFunc) (DirMonitor, error) {
	fm, err := NewFsnotifyMonitor(dir, 250*time.Millisecond, onAlert)
	if err == nil {
		if err := fm.Watch(); err == nil {
			return fm, nil
		}
		fm.Close()
	}

	pm := NewPollingMonitor(dir, 5*time.Second, onAlert)
	if err := pm.Watch(); err != nil {
		return nil, err
	}

	return pm, nil
}

// isLogFile reports whether name looks like an audit log file.
func isLogFile(name string) bool {
	return strings.HasPrefix(name, "audit-") && strings.HasSuffix(name, ".log")
}
