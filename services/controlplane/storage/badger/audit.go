// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package badger

import (
	"context"
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v4"

	"github.com/AleutianAI/AleutianHaven/services/controlplane/audit"
	"github.com/AleutianAI/AleutianHaven/services/controlplane/datatypes"
	"github.com/AleutianAI/AleutianHaven/services/controlplane/storage"
)

// auditHead is the chain tip pointer read and advanced by every append.
type auditHead struct {
	Sequence uint64 `json:"sequence"`
	Hash     string `json:"hash"`
}

func auditKey(seq uint64) string {
	return fmt.Sprintf("%s%020d", prefixAudit, seq)
}

// Append assigns sequence and chain hashes inside one transaction that
// reads and advances the head pointer. Two writers racing to extend the
// chain both read the head key; the loser's commit conflicts and is
// retried against the new tip, so sequences never collide or gap.
func (s *Store) Append(ctx context.Context, entry datatypes.AuditLogEntry) (*datatypes.AuditLogEntry, error) {
	var stored datatypes.AuditLogEntry
	err := s.update(func(txn *badger.Txn) error {
		head := auditHead{Hash: audit.GenesisHash}
		err := getJSON(txn, keyAuditHead, &head)
		if err != nil && !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}

		entry.Sequence = head.Sequence + 1
		entry.PreviousHash = head.Hash
		entry.CurrentHash = audit.ComputeHash(entry.PreviousHash, entry)

		if err := setJSON(txn, auditKey(entry.Sequence), &entry); err != nil {
			return err
		}
		if err := setJSON(txn, keyAuditHead, &auditHead{Sequence: entry.Sequence, Hash: entry.CurrentHash}); err != nil {
			return err
		}
		stored = entry
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("append audit entry: %w", err)
	}
	return &stored, nil
}

// List returns entries in ascending sequence order. The fixed-width key
// encoding makes badger's key order the sequence order.
func (s *Store) List(ctx context.Context, fromSeq uint64, limit int) ([]datatypes.AuditLogEntry, error) {
	var out []datatypes.AuditLogEntry
	err := s.scanPrefix(prefixAudit, func(_ string, val []byte) (bool, error) {
		var entry datatypes.AuditLogEntry
		if err := decode(val, &entry); err != nil {
			return false, err
		}
		if entry.Sequence < fromSeq {
			return true, nil
		}
		out = append(out, entry)
		return limit <= 0 || len(out) < limit, nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) Head(ctx context.Context) (*datatypes.AuditLogEntry, error) {
	var head auditHead
	if err := s.viewJSON(keyAuditHead, &head); err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil, nil
		}
		return nil, err
	}
	var entry datatypes.AuditLogEntry
	if err := s.viewJSON(auditKey(head.Sequence), &entry); err != nil {
		return nil, mapNotFound(err, "audit head entry %d", head.Sequence)
	}
	return &entry, nil
}

// Delete removes one entry. Retention tooling only; it never touches the
// head pointer, so the chain tip stays valid.
func (s *Store) Delete(ctx context.Context, sequence uint64) error {
	err := s.update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(auditKey(sequence)))
	})
	if err != nil {
		return fmt.Errorf("delete audit entry %d: %w", sequence, err)
	}
	return nil
}

func (s *Store) Count(ctx context.Context) (int, error) {
	count := 0
	err := s.scanPrefix(prefixAudit, func(string, []byte) (bool, error) {
		count++
		return true, nil
	})
	if err != nil {
		return 0, err
	}
	return count, nil
}

// TamperEntry overwrites a stored entry in place without re-hashing.
// It exists only so integrity tests can simulate on-disk tampering and
// must never be called outside tests.
func (s *Store) TamperEntry(ctx context.Context, entry datatypes.AuditLogEntry) error {
	return s.update(func(txn *badger.Txn) error {
		return setJSON(txn, auditKey(entry.Sequence), &entry)
	})
}

var _ audit.Store = (*Store)(nil)
var _ storage.TaskStore = (*Store)(nil)
var _ storage.PlanStore = (*Store)(nil)
var _ storage.TodoStore = (*Store)(nil)
var _ storage.HistoryStore = (*Store)(nil)
var _ storage.IncidentStore = (*Store)(nil)
var _ storage.WorkerStore = (*Store)(nil)
