// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package monitor

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// alertRecorder collects alerts thread-safely.
type alertRecorder struct {
	mu     sync.Mutex
	alerts []Alert
}

func (r *alertRecorder) record(a Alert) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alerts = append(r.alerts, a)
}

func (r *alertRecorder) snapshot() []Alert {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Alert(nil), r.alerts...)
}

func writeLog(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

// The polling scanner is tested directly through its scan method so the
// detection logic is exercised without timing dependence.
func TestPollingDetectsTruncation(t *testing.T) {
	dir := t.TempDir()
	path := writeLog(t, dir, "audit-2026-08-31.log", "line1\nline2\nline3\n")

	rec := &alertRecorder{}
	pm := NewPollingMonitor(dir, time.Hour, rec.record)
	defer pm.Close()

	require.NoError(t, pm.scan(true))
	require.Empty(t, rec.snapshot(), "initial scan only records sizes")

	// Truncate: append-only files never shrink.
	require.NoError(t, os.WriteFile(path, []byte("line1\n"), 0600))
	require.NoError(t, pm.scan(false))

	alerts := rec.snapshot()
	require.Len(t, alerts, 1)
	require.Equal(t, AlertTruncated, alerts[0].Kind)
	require.True(t, alerts[0].Suspicious())
	require.Greater(t, alerts[0].OldSize, alerts[0].NewSize)
}

func TestPollingDetectsRemoval(t *testing.T) {
	dir := t.TempDir()
	path := writeLog(t, dir, "audit-2026-08-31.log", "line1\n")

	rec := &alertRecorder{}
	pm := NewPollingMonitor(dir, time.Hour, rec.record)
	defer pm.Close()

	require.NoError(t, pm.scan(true))
	require.NoError(t, os.Remove(path))
	require.NoError(t, pm.scan(false))

	alerts := rec.snapshot()
	require.Len(t, alerts, 1)
	require.Equal(t, AlertRemoved, alerts[0].Kind)
}

func TestPollingReportsGrowthAsAppend(t *testing.T) {
	dir := t.TempDir()
	path := writeLog(t, dir, "audit-2026-08-31.log", "line1\n")

	rec := &alertRecorder{}
	pm := NewPollingMonitor(dir, time.Hour, rec.record)
	defer pm.Close()

	require.NoError(t, pm.scan(true))

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0600)
	require.NoError(t, err)
	_, err = f.WriteString("line2\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	require.NoError(t, pm.scan(false))

	alerts := rec.snapshot()
	require.Len(t, alerts, 1)
	require.Equal(t, AlertAppended, alerts[0].Kind)
	require.False(t, alerts[0].Suspicious(), "ordinary growth is not suspicious")
}

func TestPollingIgnoresForeignFiles(t *testing.T) {
	dir := t.TempDir()
	writeLog(t, dir, "notes.txt", "irrelevant\n")

	rec := &alertRecorder{}
	pm := NewPollingMonitor(dir, time.Hour, rec.record)
	defer pm.Close()

	require.NoError(t, pm.scan(true))
	require.NoError(t, os.Remove(filepath.Join(dir, "notes.txt")))
	require.NoError(t, pm.scan(false))

	require.Empty(t, rec.snapshot())
}

func TestIsLogFile(t *testing.T) {
	require.True(t, isLogFile("audit-2026-08-31.log"))
	require.False(t, isLogFile("audit-2026-08-31.log.bak"))
	require.False(t, isLogFile("genesis.json"))
	require.False(t, isLogFile("other.log"))
}

func TestStartAndClose(t *testing.T) {
	dir := t.TempDir()
	writeLog(t, dir, "audit-2026-08-31.log", "line1\n")

	m, err := Start(dir, nil)
	require.NoError(t, err)
	require.NoError(t, m.Close())
}
