// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package buffer is the worker's durable offline spool for result
// envelopes.
//
// Results written while the control plane is unreachable survive worker
// restarts and are replayed newest-first once connectivity returns
// (recent results are the actionable ones). Delivery uses write-then-ack:
// an entry is deleted only after the control plane accepted it, so a
// crash between submit and ack re-delivers and the server's idempotency
// key dedupes it.
package buffer

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/AleutianAI/AleutianHaven/pkg/logging"
	"github.com/AleutianAI/AleutianHaven/services/controlplane/datatypes"
)

// Config bounds the spool.
type Config struct {
	// Dir is the spool directory. Created if missing.
	Dir string `yaml:"dir"`

	// MaxEntries caps the number of buffered envelopes; the oldest are
	// evicted first. <= 0 means 10000.
	MaxEntries int `yaml:"max_entries"`

	// MaxAge drops entries older than this. <= 0 means 72h.
	MaxAge time.Duration `yaml:"max_age"`
}

// Entry is one buffered envelope plus its spool name for acking.
type Entry struct {
	Name     string
	Envelope datatypes.ResultEnvelope
}

// Buffer is a directory-backed FIFO-with-eviction spool. Safe for
// concurrent use within one process; the directory must not be shared
// between workers.
type Buffer struct {
	cfg     Config
	mu      sync.Mutex
	evicted int
	log     *logging.Logger
}

// New creates the spool directory and returns the buffer.
func New(cfg Config, log *logging.Logger) (*Buffer, error) {
	if cfg.Dir == "" {
		return nil, fmt.Errorf("buffer directory is required")
	}
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = 10000
	}
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = 72 * time.Hour
	}
	if err := os.MkdirAll(cfg.Dir, 0750); err != nil {
		return nil, fmt.Errorf("create buffer directory %s: %w", cfg.Dir, err)
	}
	if log == nil {
		log = logging.Default()
	}
	return &Buffer{cfg: cfg, log: log}, nil
}

// Put spools one envelope. The write is atomic (temp file + rename) so a
// crash mid-write never leaves a half-entry that replay would reject.
//
// Filenames embed an inverted timestamp, so lexicographic directory
// order is newest-first.
func (b *Buffer) Put(env datatypes.ResultEnvelope) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if env.Timestamp.IsZero() {
		env.Timestamp = time.Now().UTC()
	}
	name := fmt.Sprintf("%020d-%s.json",
		uint64(math.MaxInt64)-uint64(env.Timestamp.UnixNano()),
		uuid.NewString()[:8],
	)
	data, err := json.Marshal(env)
	if err != nil {
		return "", fmt.Errorf("marshal envelope: %w", err)
	}

	tmp := filepath.Join(b.cfg.Dir, name+".tmp")
	if err := os.WriteFile(tmp, data, 0640); err != nil {
		return "", fmt.Errorf("write spool entry: %w", err)
	}
	final := filepath.Join(b.cfg.Dir, name)
	if err := os.Rename(tmp, final); err != nil {
		_ = os.Remove(tmp)
		return "", fmt.Errorf("commit spool entry: %w", err)
	}

	if err := b.evictLocked(time.Now()); err != nil {
		b.log.Warn("buffer eviction failed", "error", err)
	}
	return name, nil
}

// List returns all buffered entries newest-first. Unreadable entries are
// skipped with a warning rather than wedging replay.
func (b *Buffer) List() ([]Entry, error) {
	names, err := b.names()
	if err != nil {
		return nil, err
	}
	entries := make([]Entry, 0, len(names))
	for _, name := range names {
		var env datatypes.ResultEnvelope
		data, err := os.ReadFile(filepath.Join(b.cfg.Dir, name))
		if err != nil {
			b.log.Warn("unreadable spool entry skipped", "name", name, "error", err)
			continue
		}
		if err := json.Unmarshal(data, &env); err != nil {
			b.log.Warn("corrupt spool entry skipped", "name", name, "error", err)
			continue
		}
		entries = append(entries, Entry{Name: name, Envelope: env})
	}
	return entries, nil
}

// Ack deletes a delivered entry. Acking a missing entry is a no-op; a
// crashed previous ack may already have removed it.
func (b *Buffer) Ack(name string) error {
	err := os.Remove(filepath.Join(b.cfg.Dir, name))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("ack spool entry %s: %w", name, err)
	}
	return nil
}

// Len reports the current backlog.
func (b *Buffer) Len() (int, error) {
	names, err := b.names()
	if err != nil {
		return 0, err
	}
	return len(names), nil
}

// Evicted reports how many entries have been dropped by count or age
// bounds since startup.
func (b *Buffer) Evicted() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.evicted
}

// evictLocked enforces MaxEntries and MaxAge. Newest-first naming means
// the oldest entries sort last.
func (b *Buffer) evictLocked(now time.Time) error {
	names, err := b.names()
	if err != nil {
		return err
	}

	drop := func(name string) {
		if err := os.Remove(filepath.Join(b.cfg.Dir, name)); err != nil && !os.IsNotExist(err) {
			b.log.Warn("spool eviction remove failed", "name", name, "error", err)
			return
		}
		b.evicted++
	}

	for len(names) > b.cfg.MaxEntries {
		drop(names[len(names)-1])
		names = names[:len(names)-1]
	}

	cutoff := now.Add(-b.cfg.MaxAge)
	for i := len(names) - 1; i >= 0; i-- {
		ts, ok := timestampOf(names[i])
		if !ok {
			// Foreign file in the spool dir; it must not shield older
			// entries from the age bound.
			continue
		}
		if !ts.Before(cutoff) {
			break
		}
		drop(names[i])
	}
	return nil
}

// names returns spool entry names sorted newest-first.
func (b *Buffer) names() ([]string, error) {
	dirents, err := os.ReadDir(b.cfg.Dir)
	if err != nil {
		return nil, fmt.Errorf("read buffer directory: %w", err)
	}
	names := make([]string, 0, len(dirents))
	for _, d := range dirents {
		if d.IsDir() || strings.HasSuffix(d.Name(), ".tmp") {
			continue
		}
		names = append(names, d.Name())
	}
	sort.Strings(names)
	return names, nil
}

// timestampOf recovers the envelope time from the inverted-timestamp
// prefix of a spool name.
func timestampOf(name string) (time.Time, bool) {
	prefix, _, found := strings.Cut(name, "-")
	if !found {
		return time.Time{}, false
	}
	inv, err := strconv.ParseUint(prefix, 10, 64)
	if err != nil || inv > uint64(math.MaxInt64) {
		return time.Time{}, false
	}
	return time.Unix(0, int64(uint64(math.MaxInt64)-inv)).UTC(), true
}
