// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/AleutianAI/AleutianHaven/pkg/logging"
	"github.com/AleutianAI/AleutianHaven/services/controlplane/datatypes"
)

// ErrChainBrokenBeforePrune aborts retention when the chain fails its
// pre-flight verification. Pruning a broken chain would destroy the only
// evidence of tampering.
var ErrChainBrokenBeforePrune = errors.New("audit chain failed verification before prune")

// Retention exports and prunes old audit entries.
//
// Prune is the only sanctioned destructive path for the ledger. It always
// exports first, verifies the chain both before and after, and never
// removes checkpoint entries.
type Retention struct {
	ledger *Ledger
	store  Store
	log    *logging.Logger
}

// NewRetention creates the retention tooling around a ledger.
func NewRetention(ledger *Ledger, store Store, log *logging.Logger) *Retention {
	if log == nil {
		log = logging.Default()
	}
	return &Retention{ledger: ledger, store: store, log: log}
}

// Export writes entries older than cutoff to w as JSON lines, preserving
// all chain fields so an exported segment can be re-verified offline.
// Returns the number of entries exported.
func (r *Retention) Export(ctx context.Context, w io.Writer, cutoff time.Time) (int, error) {
	entries, err := r.store.List(ctx, 0, 0)
	if err != nil {
		return 0, fmt.Errorf("list audit entries: %w", err)
	}
	enc := json.NewEncoder(w)
	exported := 0
	for _, e := range entries {
		if !e.Timestamp.Before(cutoff) {
			continue
		}
		if err := enc.Encode(e); err != nil {
			return exported, fmt.Errorf("encode audit entry %d: %w", e.Sequence, err)
		}
		exported++
	}
	return exported, nil
}

// Prune exports entries older than cutoff to w, then deletes them,
// skipping checkpoint entries. The chain is verified before and after the
// destructive pass; a pre-flight failure aborts with
// ErrChainBrokenBeforePrune and a post-flight failure is returned as a
// ChainIntegrityError.
func (r *Retention) Prune(ctx context.Context, w io.Writer, cutoff time.Time) (int, error) {
	pre, err := r.ledger.VerifyChain(ctx, 0)
	if err != nil {
		return 0, err
	}
	if !pre.Valid {
		return 0, fmt.Errorf("%w: sequence %d: %s", ErrChainBrokenBeforePrune, pre.BrokenAtSequence, pre.Reason)
	}

	if _, err := r.Export(ctx, w, cutoff); err != nil {
		return 0, fmt.Errorf("export before prune: %w", err)
	}

	entries, err := r.store.List(ctx, 0, 0)
	if err != nil {
		return 0, fmt.Errorf("list audit entries: %w", err)
	}

	// Only a contiguous prefix may be removed; deleting from the middle
	// would break the survivors' previous_hash links. Stop at the first
	// entry that is retained for any reason.
	pruned := 0
	for _, e := range entries {
		if !e.Timestamp.Before(cutoff) {
			break
		}
		if e.EventType == datatypes.AuditEventCheckpoint {
			break
		}
		if err := r.store.Delete(ctx, e.Sequence); err != nil {
			return pruned, fmt.Errorf("delete audit entry %d: %w", e.Sequence, err)
		}
		pruned++
	}

	post, err := r.ledger.VerifyChain(ctx, 0)
	if err != nil {
		return pruned, err
	}
	if !post.Valid {
		return pruned, &ChainIntegrityError{Sequence: post.BrokenAtSequence, Reason: post.Reason}
	}
	r.log.Info("audit retention pruned", "entries", pruned, "cutoff", cutoff)
	return pruned, nil
}
