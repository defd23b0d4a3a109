// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package audit

import (
	"context"
	"fmt"
)

// ChainIntegrityError reports the first broken link found during
// verification. It is an alarm, never auto-repaired.
type ChainIntegrityError struct {
	Sequence uint64
	Reason   string
}

func (e *ChainIntegrityError) Error() string {
	return fmt.Sprintf("audit chain broken at sequence %d: %s", e.Sequence, e.Reason)
}

// VerifyResult is the outcome of a chain walk.
type VerifyResult struct {
	Valid            bool   `json:"valid"`
	EntriesChecked   int    `json:"entries_checked"`
	BrokenAtSequence uint64 `json:"broken_at_sequence,omitempty"`
	Reason           string `json:"reason,omitempty"`
}

// VerifyChain walks entries in ascending sequence order, recomputing each
// hash and comparing it against the stored value and against the
// successor's previous_hash. It stops at the first mismatch and reports
// that sequence number (fail-fast; it does not enumerate every break).
//
// limit <= 0 verifies the whole chain. The returned error is non-nil only
// for store failures; integrity breaks are reported in the result.
func (l *Ledger) VerifyChain(ctx context.Context, limit int) (VerifyResult, error) {
	entries, err := l.store.List(ctx, 0, limit)
	if err != nil {
		return VerifyResult{}, fmt.Errorf("list audit entries: %w", err)
	}

	prevHash := GenesisHash
	var prevSeq uint64
	for i, e := range entries {
		if i == 0 {
			// A pruned chain does not start at sequence 1; the first
			// retained entry anchors verification from its own link.
			prevHash = e.PreviousHash
		} else if e.Sequence != prevSeq+1 {
			return broken(e.Sequence, i, fmt.Sprintf("sequence gap: %d follows %d", e.Sequence, prevSeq)), nil
		}
		if e.PreviousHash != prevHash {
			return broken(e.Sequence, i, "previous_hash does not match predecessor"), nil
		}
		if got := ComputeHash(e.PreviousHash, e); got != e.CurrentHash {
			return broken(e.Sequence, i, "stored current_hash does not match recomputed hash"), nil
		}
		prevHash = e.CurrentHash
		prevSeq = e.Sequence
	}
	return VerifyResult{Valid: true, EntriesChecked: len(entries)}, nil
}

func broken(seq uint64, checked int, reason string) VerifyResult {
	return VerifyResult{
		Valid:            false,
		EntriesChecked:   checked,
		BrokenAtSequence: seq,
		Reason:           reason,
	}
}
