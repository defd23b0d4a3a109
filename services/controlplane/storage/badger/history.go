// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package badger

import (
	"context"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"

	"github.com/AleutianAI/AleutianHaven/services/controlplane/datatypes"
)

// historyKey orders rows per target by start time so prefix scans return
// them chronologically.
func historyKey(target string, startedAt time.Time, id string) string {
	return fmt.Sprintf("%s%s/%020d/%s", prefixHistory, escapeSegment(target), startedAt.UnixNano(), id)
}

func (s *Store) AppendHistory(ctx context.Context, row *datatypes.ActionHistory) error {
	if row.ID == "" {
		row.ID = uuid.NewString()
	}
	return s.update(func(txn *badger.Txn) error {
		return setJSON(txn, historyKey(row.Target, row.StartedAt, row.ID), row)
	})
}

func (s *Store) ListHistoryByTarget(ctx context.Context, target string, limit int) ([]datatypes.ActionHistory, error) {
	var out []datatypes.ActionHistory
	prefix := prefixHistory + escapeSegment(target) + "/"
	err := s.scanPrefix(prefix, func(_ string, val []byte) (bool, error) {
		var row datatypes.ActionHistory
		if err := decode(val, &row); err != nil {
			return false, err
		}
		out = append(out, row)
		return limit <= 0 || len(out) < limit, nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) CountRecentByTarget(ctx context.Context, target string, since time.Time) (int, error) {
	count := 0
	prefix := prefixHistory + escapeSegment(target) + "/"
	err := s.scanPrefix(prefix, func(_ string, val []byte) (bool, error) {
		var row datatypes.ActionHistory
		if err := decode(val, &row); err != nil {
			return false, err
		}
		if !row.StartedAt.Before(since) {
			count++
		}
		return true, nil
	})
	if err != nil {
		return 0, err
	}
	return count, nil
}
