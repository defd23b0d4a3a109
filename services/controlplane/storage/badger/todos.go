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
	"sort"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/AleutianAI/AleutianHaven/services/controlplane/datatypes"
	"github.com/AleutianAI/AleutianHaven/services/controlplane/storage"
)

func todoIdxKey(planID string, order int) string {
	return fmt.Sprintf("%s%s/%06d", prefixTodoIdx, escapeSegment(planID), order)
}

func (s *Store) PutTodo(ctx context.Context, todo *datatypes.TodoStep) error {
	return s.update(func(txn *badger.Txn) error {
		if err := setJSON(txn, prefixTodo+todo.ID, todo); err != nil {
			return err
		}
		return txn.Set([]byte(todoIdxKey(todo.PlanID, todo.Order)), []byte(todo.ID))
	})
}

func (s *Store) GetTodo(ctx context.Context, id string) (*datatypes.TodoStep, error) {
	var todo datatypes.TodoStep
	if err := s.viewJSON(prefixTodo+id, &todo); err != nil {
		return nil, mapNotFound(err, "todo step %s", id)
	}
	return &todo, nil
}

func (s *Store) ListTodosByPlan(ctx context.Context, planID string) ([]datatypes.TodoStep, error) {
	prefix := prefixTodoIdx + escapeSegment(planID) + "/"
	var ids []string
	err := s.scanPrefix(prefix, func(_ string, val []byte) (bool, error) {
		ids = append(ids, string(val))
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	out := make([]datatypes.TodoStep, 0, len(ids))
	for _, id := range ids {
		todo, err := s.GetTodo(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, *todo)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Order < out[j].Order })
	return out, nil
}

// TransitionTodo is the conditional update backing the approval gate: the
// write only lands when the stored status still equals the expected
// pre-state, and concurrent transitions are serialized by the
// transaction's conflict check.
func (s *Store) TransitionTodo(ctx context.Context, id string, from, to datatypes.StepStatus, mutate func(*datatypes.TodoStep)) (*datatypes.TodoStep, error) {
	var updated datatypes.TodoStep
	err := s.update(func(txn *badger.Txn) error {
		var todo datatypes.TodoStep
		if err := getJSON(txn, prefixTodo+id, &todo); err != nil {
			return err
		}
		if todo.Status != from {
			return fmt.Errorf("todo step %s is %s, expected %s: %w",
				id, todo.Status, from, storage.ErrInvalidTransition)
		}
		todo.Status = to
		todo.UpdatedAt = time.Now().UTC()
		if mutate != nil {
			mutate(&todo)
		}
		updated = todo
		return setJSON(txn, prefixTodo+id, &todo)
	})
	if err != nil {
		return nil, mapNotFound(err, "transition todo step %s", id)
	}
	return &updated, nil
}
