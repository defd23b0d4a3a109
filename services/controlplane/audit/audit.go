// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package audit implements the append-only, hash-chained ledger every
// mutating control-plane action is recorded in.
//
// Each entry's current_hash is SHA256(previous_hash || canonical entry
// fields); previous_hash equals the prior entry's current_hash, with the
// empty string as the genesis sentinel. Sequence numbers are assigned
// atomically at insert time by the store and are strictly increasing with
// no gaps, even under concurrent writers.
//
// There is no repair path for a broken chain. Verification detects the
// first mismatch and stops; remediation of the ledger itself is a human
// problem by design.
package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/AleutianAI/AleutianHaven/pkg/logging"
	"github.com/AleutianAI/AleutianHaven/services/controlplane/datatypes"
)

// GenesisHash is the previous_hash sentinel for the first chain entry.
const GenesisHash = ""

// Store is the persistence contract for audit entries.
//
// Append must assign Sequence, PreviousHash, and CurrentHash atomically
// with the insert: no two entries may share a sequence and the chain link
// must always point at the real predecessor, even when writers race.
// Implementations are expected to use a conditional update with
// retry-on-conflict, not read-then-write.
type Store interface {
	// Append persists the entry, assigning sequence and hashes. The
	// returned entry carries the assigned fields.
	Append(ctx context.Context, entry datatypes.AuditLogEntry) (*datatypes.AuditLogEntry, error)

	// List returns entries with Sequence >= fromSeq in ascending sequence
	// order, at most limit entries (limit <= 0 means no limit).
	List(ctx context.Context, fromSeq uint64, limit int) ([]datatypes.AuditLogEntry, error)

	// Head returns the highest-sequence entry, or nil for an empty chain.
	Head(ctx context.Context) (*datatypes.AuditLogEntry, error)

	// Delete removes one entry by sequence. Reserved for the quarantined
	// retention tooling; nothing else may call it.
	Delete(ctx context.Context, sequence uint64) error

	// Count returns the number of stored entries.
	Count(ctx context.Context) (int, error)
}

// Ledger is the write/read façade over the audit store used by the rest
// of the control plane.
type Ledger struct {
	store Store
	log   *logging.Logger
}

// NewLedger creates a Ledger over the given store.
func NewLedger(store Store, log *logging.Logger) *Ledger {
	if log == nil {
		log = logging.Default()
	}
	return &Ledger{store: store, log: log}
}

// Record appends one entry to the chain. ID and Timestamp are filled in
// when empty; Sequence and hashes are always assigned by the store.
func (l *Ledger) Record(ctx context.Context, entry datatypes.AuditLogEntry) (*datatypes.AuditLogEntry, error) {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	if entry.ActorType == "" {
		entry.ActorType = "system"
	}
	stored, err := l.store.Append(ctx, entry)
	if err != nil {
		return nil, fmt.Errorf("append audit entry: %w", err)
	}
	l.log.Debug("audit entry appended",
		"sequence", stored.Sequence,
		"event_type", stored.EventType,
		"resource_id", stored.ResourceID,
	)
	return stored, nil
}

// List exposes read access for verification and the API surface.
func (l *Ledger) List(ctx context.Context, fromSeq uint64, limit int) ([]datatypes.AuditLogEntry, error) {
	return l.store.List(ctx, fromSeq, limit)
}

// Checkpoint appends a checkpoint entry. Checkpoints anchor the chain for
// retention: prune never removes them.
func (l *Ledger) Checkpoint(ctx context.Context, reason string) (*datatypes.AuditLogEntry, error) {
	return l.Record(ctx, datatypes.AuditLogEntry{
		EventType: datatypes.AuditEventCheckpoint,
		ActorType: "system",
		Metadata:  map[string]string{"reason": reason},
	})
}

// ComputeHash returns the hex SHA-256 of previousHash concatenated with
// the canonical serialization of the entry's content fields.
//
// The stored CurrentHash and PreviousHash fields are excluded from the
// canonical form; Sequence is included so an entry cannot be silently
// moved within the chain.
func ComputeHash(previousHash string, entry datatypes.AuditLogEntry) string {
	h := sha256.New()
	h.Write([]byte(previousHash))
	h.Write([]byte(Canonicalize(entry)))
	return hex.EncodeToString(h.Sum(nil))
}

// Canonicalize renders the hashable entry fields in a fixed order with a
// deterministic metadata encoding (sorted keys).
func Canonicalize(entry datatypes.AuditLogEntry) string {
	var b strings.Builder
	b.WriteString(entry.ID)
	b.WriteByte('|')
	b.WriteString(strconv.FormatUint(entry.Sequence, 10))
	b.WriteByte('|')
	b.WriteString(entry.EventType)
	b.WriteByte('|')
	b.WriteString(entry.ActorType)
	b.WriteByte('|')
	b.WriteString(entry.ActorID)
	b.WriteByte('|')
	b.WriteString(entry.ResourceType)
	b.WriteByte('|')
	b.WriteString(entry.ResourceID)
	b.WriteByte('|')
	b.WriteString(entry.Action)
	b.WriteByte('|')
	b.WriteString(canonicalMetadata(entry.Metadata))
	b.WriteByte('|')
	b.WriteString(entry.NetworkAddr)
	b.WriteByte('|')
	b.WriteString(entry.Timestamp.UTC().Format(time.RFC3339Nano))
	return b.String()
}

func canonicalMetadata(meta map[string]string) string {
	if len(meta) == 0 {
		return ""
	}
	keys := make([]string, 0, len(meta))
	for k := range meta {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+meta[k])
	}
	return strings.Join(parts, ",")
}
