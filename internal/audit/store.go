// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// store.go - append-only durable storage for the audit chain.
//
// One self-describing JSON record per line, one file per calendar day.
// Files are only ever appended to, never edited in place; append-only
// semantics are requested from the OS via O_APPEND and every write is
// synced before the append is confirmed.
package audit

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// logFilePrefix and logFileExt bound the daily file naming scheme
// (audit-2006-01-02.log).
const (
	logFilePrefix = "audit-"
	logFileExt    = ".log"
)

// maxLineBytes caps a single stored record. Metadata is small by
// contract; anything larger is treated as malformed.
const maxLineBytes = 1 << 20

// =============================================================================
// RECORD
// =============================================================================

// Record is one scanned line of the durable log. Exactly one of Event
// or Err is set; Torn marks an unterminated final line (a crash between
// write and sync), which the verifier classifies as absent, not tampered.
type Record struct {
	File  string
	Line  int
	Event *Event
	Err   error
	Torn  bool
}

// =============================================================================
// LOG STORE
// =============================================================================

// LogStore owns the durable event log directory. The chain engine is its
// only writer; readers scan concurrently with snapshot consistency.
type LogStore struct {
	dir string

	mu   sync.Mutex
	file *os.File
	day  string

	now func() time.Time
}

// NewLogStore opens (creating if needed) the log directory.
func NewLogStore(dir string) (*LogStore, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create audit log directory: %w", err)
	}
	return &LogStore{dir: dir, now: time.Now}, nil
}

// SetClock overrides the wall clock used for day rolling. Tests only.
func (s *LogStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// Dir returns the log directory path.
func (s *LogStore) Dir() string {
	return s.dir
}

// fileForDay returns the log path for a calendar day.
func (s *LogStore) fileForDay(day string) string {
	return filepath.Join(s.dir, logFilePrefix+day+logFileExt)
}

// Append durably persists one event: the line is written to the current
// day's file in append mode and synced to disk before returning.
func (s *LogStore) Append(ev *Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	day := s.now().UTC().Format("2006-01-02")
	if s.file == nil || day != s.day {
		if s.file != nil {
			s.file.Close()
			s.file = nil
		}
		f, err := os.OpenFile(s.fileForDay(day), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
		if err != nil {
			return fmt.Errorf("failed to open audit log file: %w", err)
		}
		s.file = f
		s.day = day
	}

	if _, err := s.file.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to write audit event: %w", err)
	}
	if err := s.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync audit log: %w", err)
	}
	return nil
}

// Files returns the daily log files in chronological order.
func (s *LogStore) Files() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read audit log directory: %w", err)
	}
	var files []string
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasPrefix(name, logFilePrefix) || !strings.HasSuffix(name, logFileExt) {
			continue
		}
		files = append(files, filepath.Join(s.dir, name))
	}
	sort.Strings(files)
	return files, nil
}

// Scan streams every stored record in storage order, one file at a time,
// without loading the log into memory. The callback may return an error
// to stop the scan early; ctx cancellation stops it between records.
func (s *LogStore) Scan(ctx context.Context, fn func(rec Record) error) error {
	files, err := s.Files()
	if err != nil {
		return err
	}
	for _, path := range files {
		if err := s.scanFile(ctx, path, fn); err != nil {
			return err
		}
	}
	return nil
}

func (s *LogStore) scanFile(ctx context.Context, path string, fn func(rec Record) error) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	reader := bufio.NewReaderSize(f, 64*1024)
	line := 0
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		raw, readErr := reader.ReadBytes('\n')
		if len(raw) == 0 && readErr != nil {
			break
		}
		line++

		rec := Record{File: path, Line: line}
		if readErr != nil {
			// Unterminated final line: a crash mid-write. The record
			// was never confirmed, so it is classified as absent.
			rec.Torn = true
		} else if len(raw) > maxLineBytes {
			rec.Err = fmt.Errorf("record exceeds %d bytes", maxLineBytes)
		} else {
			var ev Event
			if err := json.Unmarshal(raw, &ev); err != nil {
				rec.Err = fmt.Errorf("malformed record: %w", err)
			} else {
				rec.Event = &ev
			}
		}

		if err := fn(rec); err != nil {
			return err
		}
		if readErr != nil {
			break
		}
	}
	return nil
}

// LastEvent returns the final confirmed event in the log, or nil when
// the log is empty. Torn trailing lines are skipped.
func (s *LogStore) LastEvent() (*Event, error) {
	var last *Event
	err := s.Scan(context.Background(), func(rec Record) error {
		if rec.Event != nil && !rec.Torn {
			last = rec.Event
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return last, nil
}

// Close closes the currently open day file.
func (s *LogStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	return err
}
