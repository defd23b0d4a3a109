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
	"github.com/google/uuid"

	"github.com/AleutianAI/AleutianHaven/services/controlplane/datatypes"
	"github.com/AleutianAI/AleutianHaven/services/controlplane/storage"
)

// EnqueueTask inserts the task unless its idempotency key is already
// bound to an existing task. The key lookup and the insert share one
// transaction, so two racing enqueues with the same key cannot both
// create work: the loser conflicts, retries, and finds the winner's task.
func (s *Store) EnqueueTask(ctx context.Context, task *datatypes.WorkerTask) (*datatypes.WorkerTask, bool, error) {
	if task.IdempotencyKey == "" {
		return nil, false, errors.New("idempotency key is required")
	}
	if task.TaskID == "" {
		task.TaskID = uuid.NewString()
	}
	if task.CreatedAt.IsZero() {
		task.CreatedAt = time.Now().UTC()
	}
	if task.MaxAttempts <= 0 {
		task.MaxAttempts = 3
	}
	task.Status = datatypes.TaskPending

	var stored datatypes.WorkerTask
	created := false
	idemKey := prefixTaskIdem + escapeSegment(task.IdempotencyKey)
	err := s.update(func(txn *badger.Txn) error {
		created = false
		item, err := txn.Get([]byte(idemKey))
		switch {
		case err == nil:
			existingID, verr := item.ValueCopy(nil)
			if verr != nil {
				return verr
			}
			return getJSON(txn, prefixTask+string(existingID), &stored)
		case errors.Is(err, badger.ErrKeyNotFound):
			if err := setJSON(txn, prefixTask+task.TaskID, task); err != nil {
				return err
			}
			if err := txn.Set([]byte(idemKey), []byte(task.TaskID)); err != nil {
				return err
			}
			stored = *task
			created = true
			return nil
		default:
			return err
		}
	})
	if err != nil {
		return nil, false, fmt.Errorf("enqueue task: %w", err)
	}
	return &stored, created, nil
}

func (s *Store) GetTask(ctx context.Context, taskID string) (*datatypes.WorkerTask, error) {
	var task datatypes.WorkerTask
	if err := s.viewJSON(prefixTask+taskID, &task); err != nil {
		return nil, mapNotFound(err, "task %s", taskID)
	}
	return &task, nil
}

func (s *Store) ListTasks(ctx context.Context, status datatypes.TaskStatus) ([]datatypes.WorkerTask, error) {
	var out []datatypes.WorkerTask
	err := s.scanPrefix(prefixTask, func(_ string, val []byte) (bool, error) {
		var task datatypes.WorkerTask
		if err := decode(val, &task); err != nil {
			return false, err
		}
		if status == "" || task.Status == status {
			out = append(out, task)
		}
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// ClaimNext pops the next claimable task for the worker in one guarded
// transaction. Claimable means: pending and addressed to this worker (or
// unaddressed), or running past its visibility deadline with attempts
// left (lazy reclaim; there is no background sweeper). Racing claimants
// conflict at commit; the retry then observes the winner's write and
// claims a different task or nothing.
func (s *Store) ClaimNext(ctx context.Context, workerID string, now time.Time) (*datatypes.WorkerTask, error) {
	var claimed *datatypes.WorkerTask
	err := s.update(func(txn *badger.Txn) error {
		claimed = nil
		var candidates []datatypes.WorkerTask
		err := scanPrefixTxn(txn, prefixTask, func(_ string, val []byte) (bool, error) {
			var task datatypes.WorkerTask
			if err := decode(val, &task); err != nil {
				return false, err
			}
			if claimableBy(&task, workerID, now) {
				candidates = append(candidates, task)
			}
			return true, nil
		})
		if err != nil {
			return err
		}
		if len(candidates) == 0 {
			return nil
		}
		sort.Slice(candidates, func(i, j int) bool {
			return candidates[i].CreatedAt.Before(candidates[j].CreatedAt)
		})

		for _, task := range candidates {
			// Reclaim of a lapsed claim burns an attempt. Past the
			// budget the task is terminally failed, never reclaimed.
			if task.Status == datatypes.TaskRunning && task.Attempts >= task.MaxAttempts {
				task.Status = datatypes.TaskFailed
				task.Error = "visibility timeout exceeded max attempts"
				finished := now.UTC()
				task.FinishedAt = &finished
				if err := setJSON(txn, prefixTask+task.TaskID, &task); err != nil {
					return err
				}
				continue
			}
			task.Status = datatypes.TaskRunning
			task.WorkerID = workerID
			task.Attempts++
			claimedAt := now.UTC()
			task.ClaimedAt = &claimedAt
			timeout := task.Timeout
			if timeout <= 0 {
				timeout = 5 * time.Minute
			}
			deadline := claimedAt.Add(timeout)
			task.Deadline = &deadline
			claimed = &task
			return setJSON(txn, prefixTask+task.TaskID, &task)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("claim task: %w", err)
	}
	if claimed == nil {
		return nil, fmt.Errorf("no claimable task for worker %s: %w", workerID, storage.ErrNotFound)
	}
	return claimed, nil
}

// claimableBy reports whether the worker may take the task right now.
func claimableBy(task *datatypes.WorkerTask, workerID string, now time.Time) bool {
	switch task.Status {
	case datatypes.TaskPending:
		return task.WorkerID == "" || task.WorkerID == workerID
	case datatypes.TaskRunning:
		return task.Deadline != nil && now.After(*task.Deadline)
	default:
		return false
	}
}

func (s *Store) FinishTask(ctx context.Context, taskID string, success bool, errMsg string, now time.Time) (*datatypes.WorkerTask, error) {
	var updated datatypes.WorkerTask
	err := s.update(func(txn *badger.Txn) error {
		var task datatypes.WorkerTask
		if err := getJSON(txn, prefixTask+taskID, &task); err != nil {
			return err
		}
		if task.Status != datatypes.TaskRunning {
			return fmt.Errorf("task %s is %s, expected running: %w",
				taskID, task.Status, storage.ErrInvalidTransition)
		}
		if success {
			task.Status = datatypes.TaskCompleted
		} else {
			task.Status = datatypes.TaskFailed
			task.Error = errMsg
		}
		finished := now.UTC()
		task.FinishedAt = &finished
		updated = task
		return setJSON(txn, prefixTask+taskID, &task)
	})
	if err != nil {
		return nil, mapNotFound(err, "finish task %s", taskID)
	}
	return &updated, nil
}

// RecordResult stores the envelope keyed by idempotency key. Duplicate
// submissions (worker retries after a network blip) return applied=false
// so the caller never double-applies the effect.
func (s *Store) RecordResult(ctx context.Context, env *datatypes.ResultEnvelope) (bool, error) {
	if env.IdempotencyKey == "" {
		return false, errors.New("idempotency key is required")
	}
	key := prefixResult + escapeSegment(env.IdempotencyKey)
	applied := false
	err := s.update(func(txn *badger.Txn) error {
		applied = false
		_, err := txn.Get([]byte(key))
		switch {
		case err == nil:
			return nil
		case errors.Is(err, badger.ErrKeyNotFound):
			applied = true
			return setJSON(txn, key, env)
		default:
			return err
		}
	})
	if err != nil {
		return false, fmt.Errorf("record result: %w", err)
	}
	return applied, nil
}

func (s *Store) UpsertWorker(ctx context.Context, info *datatypes.WorkerInfo) (*datatypes.WorkerInfo, error) {
	var stored datatypes.WorkerInfo
	err := s.update(func(txn *badger.Txn) error {
		key := prefixWorker + info.WorkerID
		var existing datatypes.WorkerInfo
		err := getJSON(txn, key, &existing)
		now := time.Now().UTC()
		switch {
		case err == nil:
			existing.SiteName = info.SiteName
			existing.Capabilities = info.Capabilities
			existing.LastSeen = now
			stored = existing
			return setJSON(txn, key, &existing)
		case errors.Is(err, badger.ErrKeyNotFound):
			fresh := *info
			fresh.RegisteredAt = now
			fresh.LastSeen = now
			stored = fresh
			return setJSON(txn, key, &fresh)
		default:
			return err
		}
	})
	if err != nil {
		return nil, fmt.Errorf("upsert worker %s: %w", info.WorkerID, err)
	}
	return &stored, nil
}

func (s *Store) GetWorker(ctx context.Context, workerID string) (*datatypes.WorkerInfo, error) {
	var info datatypes.WorkerInfo
	if err := s.viewJSON(prefixWorker+workerID, &info); err != nil {
		return nil, mapNotFound(err, "worker %s", workerID)
	}
	return &info, nil
}

func (s *Store) ListWorkers(ctx context.Context) ([]datatypes.WorkerInfo, error) {
	var out []datatypes.WorkerInfo
	err := s.scanPrefix(prefixWorker, func(_ string, val []byte) (bool, error) {
		var info datatypes.WorkerInfo
		if err := decode(val, &info); err != nil {
			return false, err
		}
		out = append(out, info)
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
