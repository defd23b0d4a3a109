// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package queue is the distributed worker task queue: the alternate
// execution path for sites whose adapters the control plane cannot reach
// directly.
//
// Atomicity comes from the storage layer (conditional updates with
// retry-on-conflict); this package adds idempotency semantics, audit
// recording, metrics, and the result fan-in back to the plan executor.
package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/AleutianAI/AleutianHaven/pkg/logging"
	"github.com/AleutianAI/AleutianHaven/services/controlplane/audit"
	"github.com/AleutianAI/AleutianHaven/services/controlplane/datatypes"
	"github.com/AleutianAI/AleutianHaven/services/controlplane/storage"
	"github.com/AleutianAI/AleutianHaven/services/controlplane/telemetry"
)

// Task types understood by workers.
const (
	TaskTypeExecuteStep = "execute_step"
	TaskTypeCollectLogs = "collect_logs"
	TaskTypeGatherFacts = "gather_facts"
)

// ResultConsumer receives execution-result envelopes. Delivery is
// at-least-once: a redelivered envelope reaches the consumer again, so
// implementations must apply effects idempotently. The plan executor
// implements this to resume plans waiting on remote steps.
type ResultConsumer interface {
	OnExecutionResult(ctx context.Context, env datatypes.ResultEnvelope) error
}

// Service is the control-plane side of the worker protocol.
type Service struct {
	tasks    storage.TaskStore
	workers  storage.WorkerStore
	ledger   *audit.Ledger
	metrics  *telemetry.Metrics
	consumer ResultConsumer
	log      *logging.Logger
}

// NewService wires the queue. consumer may be nil initially and set
// later with SetResultConsumer to break the queue/executor construction
// cycle.
func NewService(tasks storage.TaskStore, workers storage.WorkerStore, ledger *audit.Ledger, metrics *telemetry.Metrics, log *logging.Logger) *Service {
	if log == nil {
		log = logging.Default()
	}
	return &Service{tasks: tasks, workers: workers, ledger: ledger, metrics: metrics, log: log}
}

// SetResultConsumer installs the execution-result consumer.
func (s *Service) SetResultConsumer(c ResultConsumer) { s.consumer = c }

// Register upserts the worker record. Registration and heartbeat share
// semantics: both are idempotent, keyed by worker id.
func (s *Service) Register(ctx context.Context, workerID, siteName string, capabilities []string) (*datatypes.WorkerInfo, error) {
	if workerID == "" {
		return nil, errors.New("worker id is required")
	}
	info, err := s.workers.UpsertWorker(ctx, &datatypes.WorkerInfo{
		WorkerID:     workerID,
		SiteName:     siteName,
		Capabilities: capabilities,
	})
	if err != nil {
		return nil, err
	}
	s.log.Info("worker registered", "worker_id", workerID, "site", siteName)
	return info, nil
}

// Heartbeat refreshes last_seen. Missed heartbeats degrade reported
// health only; they never revoke or requeue the worker's claimed tasks.
func (s *Service) Heartbeat(ctx context.Context, workerID, siteName string, capabilities []string) (*datatypes.WorkerInfo, error) {
	return s.Register(ctx, workerID, siteName, capabilities)
}

// WorkerHealthy reports whether the worker heartbeated within the
// staleness bound.
func (s *Service) WorkerHealthy(ctx context.Context, workerID string, staleAfter time.Duration) (bool, error) {
	info, err := s.workers.GetWorker(ctx, workerID)
	if err != nil {
		return false, err
	}
	return time.Since(info.LastSeen) < staleAfter, nil
}

// Enqueue creates a task, or returns the existing one when the
// idempotency key was seen before. The duplicate case is not an error:
// exactly-once at the logical layer means the caller simply observes the
// same task id twice.
func (s *Service) Enqueue(ctx context.Context, task datatypes.WorkerTask) (*datatypes.WorkerTask, error) {
	stored, created, err := s.tasks.EnqueueTask(ctx, &task)
	if err != nil {
		return nil, err
	}
	if !created {
		s.log.Debug("enqueue matched existing task",
			"task_id", stored.TaskID, "idempotency_key", stored.IdempotencyKey)
		return stored, nil
	}
	if s.metrics != nil {
		s.metrics.TasksEnqueued.Inc()
	}
	s.auditAppend(ctx, datatypes.AuditLogEntry{
		EventType:    datatypes.AuditEventTaskEnqueued,
		ActorType:    "system",
		ResourceType: "worker_task",
		ResourceID:   stored.TaskID,
		Action:       stored.TaskType,
		Metadata: map[string]string{
			"idempotency_key": stored.IdempotencyKey,
			"site":            stored.SiteName,
		},
	})
	return stored, nil
}

// Claim pops the next claimable task for the worker. A nil task with nil
// error means nothing is claimable; claim races are resolved by the
// store and losers land here too.
func (s *Service) Claim(ctx context.Context, workerID string) (*datatypes.WorkerTask, error) {
	task, err := s.tasks.ClaimNext(ctx, workerID, time.Now())
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	if s.metrics != nil {
		s.metrics.TasksClaimed.Inc()
	}
	s.auditAppend(ctx, datatypes.AuditLogEntry{
		EventType:    datatypes.AuditEventTaskClaimed,
		ActorType:    "worker",
		ActorID:      workerID,
		ResourceType: "worker_task",
		ResourceID:   task.TaskID,
		Metadata:     map[string]string{"attempt": fmt.Sprintf("%d", task.Attempts)},
	})
	return task, nil
}

// SubmitResult accepts a worker result envelope. Duplicates (retries
// after a network blip) skip the task bookkeeping but are still forwarded
// to the consumer: the first delivery may have failed downstream after
// the dedup key was recorded, and the consumer applies envelopes
// idempotently, so redelivery completes the work instead of wedging it.
func (s *Service) SubmitResult(ctx context.Context, env datatypes.ResultEnvelope) error {
	if env.Timestamp.IsZero() {
		env.Timestamp = time.Now().UTC()
	}
	applied, err := s.tasks.RecordResult(ctx, &env)
	if err != nil {
		return err
	}
	if !applied {
		if s.metrics != nil {
			s.metrics.ResultsDeduplicated.Inc()
		}
		s.log.Debug("duplicate result envelope, task bookkeeping skipped",
			"task_id", env.TaskID, "idempotency_key", env.IdempotencyKey)
		return s.forwardResult(ctx, env)
	}

	if env.TaskID != "" {
		outcome := "completed"
		event := datatypes.AuditEventTaskCompleted
		if !env.Success {
			outcome = "failed"
			event = datatypes.AuditEventTaskFailed
		}
		if _, err := s.tasks.FinishTask(ctx, env.TaskID, env.Success, env.Error, time.Now()); err != nil {
			// A lapsed claim may already have been reclaimed or failed;
			// the envelope still counts, the transition does not.
			s.log.Warn("result accepted but task transition failed",
				"task_id", env.TaskID, "error", err)
		} else if s.metrics != nil {
			s.metrics.TasksFinished.WithLabelValues(outcome).Inc()
		}
		s.auditAppend(ctx, datatypes.AuditLogEntry{
			EventType:    event,
			ActorType:    "worker",
			ActorID:      env.WorkerID,
			ResourceType: "worker_task",
			ResourceID:   env.TaskID,
			Metadata: map[string]string{
				"payload_type":    string(env.PayloadType),
				"idempotency_key": env.IdempotencyKey,
			},
		})
	}

	return s.forwardResult(ctx, env)
}

// forwardResult hands an execution result to the consumer. A returned
// error makes the worker redeliver the envelope, which re-enters here
// through the duplicate path; the consumer's transitions are conditional,
// so re-application after a transient failure is safe.
func (s *Service) forwardResult(ctx context.Context, env datatypes.ResultEnvelope) error {
	if env.PayloadType != datatypes.PayloadExecutionResult || s.consumer == nil {
		return nil
	}
	if err := s.consumer.OnExecutionResult(ctx, env); err != nil {
		return fmt.Errorf("apply execution result for task %s: %w", env.TaskID, err)
	}
	return nil
}

// ListWorkers exposes registered workers for the API surface.
func (s *Service) ListWorkers(ctx context.Context) ([]datatypes.WorkerInfo, error) {
	return s.workers.ListWorkers(ctx)
}

func (s *Service) auditAppend(ctx context.Context, entry datatypes.AuditLogEntry) {
	if s.ledger == nil {
		return
	}
	if _, err := s.ledger.Record(ctx, entry); err != nil {
		s.log.Error("audit append failed", "event_type", entry.EventType, "error", err)
		return
	}
	if s.metrics != nil {
		s.metrics.AuditAppends.Inc()
	}
}
