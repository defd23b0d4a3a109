// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package datatypes

import "time"

// TaskStatus is the lifecycle state of a worker task.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
)

// WorkerTask is one unit of work for a remote site worker.
//
// Tasks are created by enqueue and mutated only by claim/complete
// transitions. IdempotencyKey is caller-chosen and unique: a second
// enqueue with the same key returns the existing task.
type WorkerTask struct {
	TaskID         string            `json:"task_id"`
	TaskType       string            `json:"task_type"`
	IdempotencyKey string            `json:"idempotency_key"`
	WorkerID       string            `json:"worker_id,omitempty"`
	SiteName       string            `json:"site_name,omitempty"`
	Payload        map[string]string `json:"payload,omitempty"`
	Timeout        time.Duration     `json:"timeout"`
	MaxAttempts    int               `json:"max_attempts"`
	Attempts       int               `json:"attempts"`
	Status         TaskStatus        `json:"status"`
	CreatedAt      time.Time         `json:"created_at"`
	ClaimedAt      *time.Time        `json:"claimed_at,omitempty"`
	Deadline       *time.Time        `json:"deadline,omitempty"`
	FinishedAt     *time.Time        `json:"finished_at,omitempty"`
	Error          string            `json:"error,omitempty"`
}

// WorkerInfo is the registration/heartbeat record for a remote worker.
// Upserts are keyed by WorkerID; re-registering never creates duplicates.
type WorkerInfo struct {
	WorkerID     string    `json:"worker_id"`
	SiteName     string    `json:"site_name"`
	Capabilities []string  `json:"capabilities,omitempty"`
	RegisteredAt time.Time `json:"registered_at"`
	LastSeen     time.Time `json:"last_seen"`
}

// PayloadType discriminates worker result envelopes.
type PayloadType string

const (
	PayloadFacts           PayloadType = "facts"
	PayloadLogs            PayloadType = "logs"
	PayloadExecutionResult PayloadType = "execution_result"
	PayloadHealth          PayloadType = "health"
)

// ResultEnvelope is a worker-submitted result, matched to its task by
// TaskID + IdempotencyKey and deduplicated server-side by IdempotencyKey.
type ResultEnvelope struct {
	WorkerID       string            `json:"worker_id"`
	SiteName       string            `json:"site_name,omitempty"`
	Timestamp      time.Time         `json:"timestamp"`
	PayloadType    PayloadType       `json:"payload_type"`
	TaskID         string            `json:"task_id,omitempty"`
	IdempotencyKey string            `json:"idempotency_key,omitempty"`
	Success        bool              `json:"success"`
	Error          string            `json:"error,omitempty"`
	Payload        map[string]string `json:"payload,omitempty"`
}
