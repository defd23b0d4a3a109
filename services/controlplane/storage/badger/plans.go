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
	"sort"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/AleutianAI/AleutianHaven/services/controlplane/datatypes"
	"github.com/AleutianAI/AleutianHaven/services/controlplane/storage"
)

func (s *Store) PutIncident(ctx context.Context, inc *datatypes.Incident) error {
	return s.update(func(txn *badger.Txn) error {
		return setJSON(txn, prefixIncident+inc.ID, inc)
	})
}

func (s *Store) GetIncident(ctx context.Context, id string) (*datatypes.Incident, error) {
	var inc datatypes.Incident
	if err := s.viewJSON(prefixIncident+id, &inc); err != nil {
		return nil, mapNotFound(err, "incident %s", id)
	}
	return &inc, nil
}

func (s *Store) ListIncidents(ctx context.Context, status datatypes.IncidentStatus) ([]datatypes.Incident, error) {
	var out []datatypes.Incident
	err := s.scanPrefix(prefixIncident, func(_ string, val []byte) (bool, error) {
		var inc datatypes.Incident
		if err := decode(val, &inc); err != nil {
			return false, err
		}
		if status == "" || inc.Status == status {
			out = append(out, inc)
		}
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DetectedAt.Before(out[j].DetectedAt) })
	return out, nil
}

func (s *Store) PutPlan(ctx context.Context, plan *datatypes.PlanProposal) error {
	return s.update(func(txn *badger.Txn) error {
		return setJSON(txn, prefixPlan+plan.ID, plan)
	})
}

func (s *Store) GetPlan(ctx context.Context, id string) (*datatypes.PlanProposal, error) {
	var plan datatypes.PlanProposal
	if err := s.viewJSON(prefixPlan+id, &plan); err != nil {
		return nil, mapNotFound(err, "plan %s", id)
	}
	return &plan, nil
}

func (s *Store) ListPlans(ctx context.Context, status datatypes.PlanStatus) ([]datatypes.PlanProposal, error) {
	var out []datatypes.PlanProposal
	err := s.scanPrefix(prefixPlan, func(_ string, val []byte) (bool, error) {
		var plan datatypes.PlanProposal
		if err := decode(val, &plan); err != nil {
			return false, err
		}
		if status == "" || plan.Status == status {
			out = append(out, plan)
		}
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// TransitionPlan is the conditional update behind every plan status
// change, mirroring TransitionTodo: the write only lands when the stored
// status still equals the expected pre-state, so concurrent approve and
// reject cannot both succeed against the same pending plan.
func (s *Store) TransitionPlan(ctx context.Context, id string, from, to datatypes.PlanStatus, mutate func(*datatypes.PlanProposal)) (*datatypes.PlanProposal, error) {
	var updated datatypes.PlanProposal
	err := s.update(func(txn *badger.Txn) error {
		var plan datatypes.PlanProposal
		if err := getJSON(txn, prefixPlan+id, &plan); err != nil {
			return err
		}
		if plan.Status != from {
			return fmt.Errorf("plan %s is %s, expected %s: %w",
				id, plan.Status, from, storage.ErrInvalidTransition)
		}
		plan.Status = to
		plan.UpdatedAt = time.Now().UTC()
		if mutate != nil {
			mutate(&plan)
		}
		updated = plan
		return setJSON(txn, prefixPlan+id, &plan)
	})
	if err != nil {
		return nil, mapNotFound(err, "transition plan %s", id)
	}
	return &updated, nil
}

func (s *Store) FindActivePlanForIncident(ctx context.Context, incidentID string) (*datatypes.PlanProposal, error) {
	var found *datatypes.PlanProposal
	err := s.scanPrefix(prefixPlan, func(_ string, val []byte) (bool, error) {
		var plan datatypes.PlanProposal
		if err := decode(val, &plan); err != nil {
			return false, err
		}
		if plan.IncidentID == incidentID && !plan.Status.Terminal() {
			found = &plan
			return false, nil
		}
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, fmt.Errorf("active plan for incident %s: %w", incidentID, storage.ErrNotFound)
	}
	return found, nil
}

func mapNotFound(err error, format string, args ...any) error {
	if errors.Is(err, badger.ErrKeyNotFound) {
		return fmt.Errorf(format+": %w", append(args, storage.ErrNotFound)...)
	}
	return fmt.Errorf(format+": %w", append(args, err)...)
}
