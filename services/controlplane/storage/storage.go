// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package storage defines the persistence contracts for the control
// plane. All shared mutable state lives behind these interfaces; services
// never rely on in-process locks for cross-replica correctness.
//
// Two operations require true atomicity from implementations: task claim
// (no two workers may claim the same pending task) and audit append
// (sequence numbers must never collide or gap). Both are specified as
// conditional updates with retry-on-conflict, never read-then-write.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/AleutianAI/AleutianHaven/services/controlplane/datatypes"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("record not found")

// ErrInvalidTransition is returned by conditional updates whose guard
// (the expected pre-state) does not hold.
var ErrInvalidTransition = errors.New("invalid state transition")

// IncidentStore persists incidents. Incidents are never deleted.
type IncidentStore interface {
	PutIncident(ctx context.Context, inc *datatypes.Incident) error
	GetIncident(ctx context.Context, id string) (*datatypes.Incident, error)
	ListIncidents(ctx context.Context, status datatypes.IncidentStatus) ([]datatypes.Incident, error)
}

// PlanStore persists plan proposals.
type PlanStore interface {
	PutPlan(ctx context.Context, plan *datatypes.PlanProposal) error
	GetPlan(ctx context.Context, id string) (*datatypes.PlanProposal, error)
	ListPlans(ctx context.Context, status datatypes.PlanStatus) ([]datatypes.PlanProposal, error)

	// FindActivePlanForIncident returns the non-terminal plan for the
	// incident, or ErrNotFound.
	FindActivePlanForIncident(ctx context.Context, incidentID string) (*datatypes.PlanProposal, error)

	// TransitionPlan atomically moves a plan from the expected pre-state
	// to the new state, applying mutate (may be nil) inside the same
	// transaction. Returns ErrInvalidTransition when the guard fails, so
	// concurrent approve/reject races resolve to exactly one winner.
	TransitionPlan(ctx context.Context, id string, from, to datatypes.PlanStatus, mutate func(*datatypes.PlanProposal)) (*datatypes.PlanProposal, error)
}

// TodoStore persists the durable approval units gating execution.
type TodoStore interface {
	PutTodo(ctx context.Context, todo *datatypes.TodoStep) error
	GetTodo(ctx context.Context, id string) (*datatypes.TodoStep, error)
	ListTodosByPlan(ctx context.Context, planID string) ([]datatypes.TodoStep, error)

	// TransitionTodo atomically moves a todo step from the expected
	// pre-state to the new state, applying mutate (may be nil) inside the
	// same transaction. Returns ErrInvalidTransition when the guard fails.
	TransitionTodo(ctx context.Context, id string, from, to datatypes.StepStatus, mutate func(*datatypes.TodoStep)) (*datatypes.TodoStep, error)
}

// HistoryStore persists immutable action-history rows.
type HistoryStore interface {
	AppendHistory(ctx context.Context, row *datatypes.ActionHistory) error
	ListHistoryByTarget(ctx context.Context, target string, limit int) ([]datatypes.ActionHistory, error)

	// CountRecentByTarget counts rows for the target with StartedAt at or
	// after since. Advisory input to policy rate limiting; it is
	// race-tolerant by design, not a lock.
	CountRecentByTarget(ctx context.Context, target string, since time.Time) (int, error)
}

// TaskStore persists worker tasks with conditional transitions.
type TaskStore interface {
	// EnqueueTask inserts the task unless one already exists for its
	// idempotency key; in that case the existing task is returned with
	// created=false and no new work is created.
	EnqueueTask(ctx context.Context, task *datatypes.WorkerTask) (stored *datatypes.WorkerTask, created bool, err error)

	GetTask(ctx context.Context, taskID string) (*datatypes.WorkerTask, error)
	ListTasks(ctx context.Context, status datatypes.TaskStatus) ([]datatypes.WorkerTask, error)

	// ClaimNext atomically pops the next claimable task for the worker:
	// the oldest pending task, or a running task whose visibility deadline
	// has lapsed (lazy reclaim). Returns ErrNotFound when nothing is
	// claimable; concurrent losers simply get ErrNotFound.
	ClaimNext(ctx context.Context, workerID string, now time.Time) (*datatypes.WorkerTask, error)

	// FinishTask transitions a running task to completed or failed.
	FinishTask(ctx context.Context, taskID string, success bool, errMsg string, now time.Time) (*datatypes.WorkerTask, error)

	// RecordResult stores a result envelope keyed by idempotency key.
	// A duplicate submission returns applied=false and must not
	// double-apply any effect.
	RecordResult(ctx context.Context, env *datatypes.ResultEnvelope) (applied bool, err error)
}

// WorkerStore persists worker registrations.
type WorkerStore interface {
	// UpsertWorker registers or refreshes a worker keyed by WorkerID.
	// Re-registering updates last_seen/capabilities, never duplicates.
	UpsertWorker(ctx context.Context, info *datatypes.WorkerInfo) (*datatypes.WorkerInfo, error)
	GetWorker(ctx context.Context, workerID string) (*datatypes.WorkerInfo, error)
	ListWorkers(ctx context.Context) ([]datatypes.WorkerInfo, error)
}
