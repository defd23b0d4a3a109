// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package plan

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/AleutianAI/AleutianHaven/services/controlplane/datatypes"
	"github.com/AleutianAI/AleutianHaven/services/controlplane/execution"
	"github.com/AleutianAI/AleutianHaven/services/controlplane/queue"
)

// Execute moves an approved plan to executing and dispatches its steps
// strictly in order.
//
// In local mode the call is synchronous: it returns with the plan in a
// terminal state. In remote mode it enqueues the first step's worker
// task and returns with the plan still executing; OnExecutionResult
// drives the remaining steps as result envelopes arrive.
//
// A failed step fails the plan: every later step is marked skipped and
// never dispatched. There is no automatic rollback of completed steps.
func (s *Service) Execute(ctx context.Context, planID string) (*datatypes.PlanProposal, error) {
	p, err := s.transition(ctx, planID, datatypes.PlanApproved, datatypes.PlanExecuting, nil)
	if err != nil {
		return nil, err
	}
	s.recordTransition(ctx, p, datatypes.AuditEventPlanExecuting, "system", "")

	todos, err := s.orderedTodos(ctx, planID)
	if err != nil {
		return nil, err
	}

	if s.mode == ModeRemote {
		if err := s.advanceRemote(ctx, p, todos); err != nil {
			return nil, err
		}
		return s.plans.GetPlan(ctx, planID)
	}
	return s.runLocal(ctx, p, todos)
}

// runLocal executes every step in-process through the router.
func (s *Service) runLocal(ctx context.Context, p *datatypes.PlanProposal, todos []datatypes.TodoStep) (*datatypes.PlanProposal, error) {
	for i, todo := range todos {
		if todo.Status != datatypes.StepApproved {
			s.failStep(ctx, p, &todos[i], fmt.Sprintf("step %d is %s, not approved", todo.Order, todo.Status), time.Now().UTC())
			s.skipRemaining(ctx, p, todos[i+1:])
			return s.finishPlan(ctx, p, false, fmt.Sprintf("step %d was not approved", todo.Order))
		}

		if _, err := s.todos.TransitionTodo(ctx, todo.ID, datatypes.StepApproved, datatypes.StepExecuting, nil); err != nil {
			return nil, err
		}
		todos[i].Status = datatypes.StepExecuting

		started := time.Now().UTC()
		output, err := s.dispatchLocal(ctx, &todos[i])
		if err != nil {
			s.failStep(ctx, p, &todos[i], err.Error(), started)
			s.skipRemaining(ctx, p, todos[i+1:])
			return s.finishPlan(ctx, p, false, fmt.Sprintf("step %d failed: %v", todo.Order, err))
		}
		s.completeStep(ctx, p, &todos[i], output, started)
	}
	return s.finishPlan(ctx, p, true, "")
}

func (s *Service) dispatchLocal(ctx context.Context, todo *datatypes.TodoStep) (string, error) {
	target, err := execution.ParseTarget(todo.Target)
	if err != nil {
		return "", err
	}
	result, err := s.router.Dispatch(ctx, execution.Request{
		Action:     todo.Action,
		Target:     target,
		Parameters: todo.Parameters,
	})
	if err != nil {
		return "", err
	}
	return result.Output, nil
}

// advanceRemote enqueues the worker task for the next approved step, or
// finishes the plan when every step has completed.
func (s *Service) advanceRemote(ctx context.Context, p *datatypes.PlanProposal, todos []datatypes.TodoStep) error {
	for i, todo := range todos {
		switch todo.Status {
		case datatypes.StepCompleted:
			continue
		case datatypes.StepApproved:
			return s.enqueueStep(ctx, p, &todos[i])
		case datatypes.StepExecuting:
			// Already in flight; the pending result envelope will advance.
			return nil
		default:
			s.failStep(ctx, p, &todos[i], fmt.Sprintf("step %d is %s, not approved", todo.Order, todo.Status), time.Now().UTC())
			s.skipRemaining(ctx, p, todos[i+1:])
			_, err := s.finishPlan(ctx, p, false, fmt.Sprintf("step %d was not approved", todo.Order))
			return err
		}
	}
	_, err := s.finishPlan(ctx, p, true, "")
	return err
}

func (s *Service) enqueueStep(ctx context.Context, p *datatypes.PlanProposal, todo *datatypes.TodoStep) error {
	if _, err := s.todos.TransitionTodo(ctx, todo.ID, datatypes.StepApproved, datatypes.StepExecuting, nil); err != nil {
		return err
	}
	payload := map[string]string{
		"plan_id": p.ID,
		"todo_id": todo.ID,
		"order":   strconv.Itoa(todo.Order),
		"action":  todo.Action,
		"target":  todo.Target,
	}
	for k, v := range todo.Parameters {
		payload["param."+k] = v
	}
	task, err := s.queue.Enqueue(ctx, datatypes.WorkerTask{
		TaskType: queue.TaskTypeExecuteStep,
		// One key per plan step: a crash between enqueue and ack cannot
		// create a second task for the same step.
		IdempotencyKey: fmt.Sprintf("%s:step:%d", p.ID, todo.Order),
		Payload:        payload,
	})
	if err != nil {
		return fmt.Errorf("enqueue step %d of plan %s: %w", todo.Order, p.ID, err)
	}
	s.log.Info("step dispatched to worker queue",
		"plan_id", p.ID, "order", todo.Order, "task_id", task.TaskID)
	return nil
}

// OnExecutionResult applies a worker's execution-result envelope to the
// step it belongs to and advances the plan. Delivery is at-least-once:
// a redelivered envelope whose step outcome already landed skips the
// step bookkeeping but still advances the plan, so a transient failure
// after the step transition cannot strand an executing plan. Envelopes
// for plans no longer executing are logged and dropped.
func (s *Service) OnExecutionResult(ctx context.Context, env datatypes.ResultEnvelope) error {
	planID := env.Payload["plan_id"]
	todoID := env.Payload["todo_id"]
	if planID == "" || todoID == "" {
		s.log.Warn("execution result without plan/todo reference dropped",
			"task_id", env.TaskID, "worker_id", env.WorkerID)
		return nil
	}

	p, err := s.plans.GetPlan(ctx, planID)
	if err != nil {
		return err
	}
	if p.Status != datatypes.PlanExecuting {
		s.log.Warn("execution result for non-executing plan dropped",
			"plan_id", planID, "status", p.Status)
		return nil
	}

	todo, err := s.todos.GetTodo(ctx, todoID)
	if err != nil {
		return err
	}

	if !todo.Status.Terminal() {
		started := env.Timestamp.UTC()
		if env.Success {
			s.completeStep(ctx, p, todo, env.Payload["output"], started)
		} else {
			reason := env.Error
			if reason == "" {
				reason = "step failed on worker"
			}
			s.failStep(ctx, p, todo, reason, started)
		}
	}

	todos, err := s.orderedTodos(ctx, planID)
	if err != nil {
		return err
	}
	if !env.Success {
		idx := 0
		for i, t := range todos {
			if t.ID == todoID {
				idx = i + 1
				break
			}
		}
		s.skipRemaining(ctx, p, todos[idx:])
		_, err := s.finishPlan(ctx, p, false, fmt.Sprintf("step %d failed: %s", todo.Order, env.Error))
		return err
	}
	return s.advanceRemote(ctx, p, todos)
}

// ============================================================
// Step bookkeeping
// ============================================================

// completeStep marks the todo and the embedded plan step completed and
// writes the history row plus audit entry for the attempt.
func (s *Service) completeStep(ctx context.Context, p *datatypes.PlanProposal, todo *datatypes.TodoStep, output string, started time.Time) {
	if _, err := s.todos.TransitionTodo(ctx, todo.ID, datatypes.StepExecuting, datatypes.StepCompleted, func(t *datatypes.TodoStep) {
		t.Result = output
	}); err != nil {
		s.log.Error("todo completion transition failed", "todo_id", todo.ID, "error", err)
	}
	s.setPlanStep(ctx, p, todo.Order, datatypes.StepCompleted, output)
	s.recordAttempt(ctx, p, todo, "completed", output, "", started)
	if s.metrics != nil {
		s.metrics.StepExecutions.WithLabelValues("completed").Inc()
	}
}

// failStep marks the todo and the embedded plan step failed. The todo
// may be in any non-terminal state (an unapproved step fails without
// ever executing).
func (s *Service) failStep(ctx context.Context, p *datatypes.PlanProposal, todo *datatypes.TodoStep, reason string, started time.Time) {
	if _, err := s.todos.TransitionTodo(ctx, todo.ID, todo.Status, datatypes.StepFailed, func(t *datatypes.TodoStep) {
		t.Result = reason
	}); err != nil {
		s.log.Error("todo failure transition failed", "todo_id", todo.ID, "error", err)
	}
	s.setPlanStep(ctx, p, todo.Order, datatypes.StepFailed, reason)
	s.recordAttempt(ctx, p, todo, "failed", "", reason, started)
	if s.metrics != nil {
		s.metrics.StepExecutions.WithLabelValues("failed").Inc()
	}
}

// skipRemaining marks every later non-terminal step skipped so the
// record shows they were deliberately not run.
func (s *Service) skipRemaining(ctx context.Context, p *datatypes.PlanProposal, rest []datatypes.TodoStep) {
	for _, todo := range rest {
		if todo.Status.Terminal() {
			continue
		}
		if _, err := s.todos.TransitionTodo(ctx, todo.ID, todo.Status, datatypes.StepSkipped, nil); err != nil {
			s.log.Error("todo skip transition failed", "todo_id", todo.ID, "error", err)
		}
		s.setPlanStep(ctx, p, todo.Order, datatypes.StepSkipped, "")
	}
}

// setPlanStep mirrors a step outcome into the embedded plan document.
func (s *Service) setPlanStep(ctx context.Context, p *datatypes.PlanProposal, order int, status datatypes.StepStatus, result string) {
	for i := range p.Steps {
		if p.Steps[i].Order != order {
			continue
		}
		p.Steps[i].Status = status
		p.Steps[i].Result = result
		if status == datatypes.StepCompleted || status == datatypes.StepFailed {
			now := time.Now().UTC()
			p.Steps[i].ExecutedAt = &now
		}
		break
	}
	p.UpdatedAt = time.Now().UTC()
	if err := s.plans.PutPlan(ctx, p); err != nil {
		s.log.Error("plan step update failed", "plan_id", p.ID, "error", err)
	}
}

// recordAttempt writes the immutable history row and the audit entry for
// one execution attempt. History feeds policy rate limiting.
func (s *Service) recordAttempt(ctx context.Context, p *datatypes.PlanProposal, todo *datatypes.TodoStep, status, result, errMsg string, started time.Time) {
	now := time.Now().UTC()
	row := &datatypes.ActionHistory{
		ID:         uuid.NewString(),
		PlanID:     p.ID,
		TodoStepID: todo.ID,
		Target:     todo.Target,
		Action:     todo.Action,
		Status:     status,
		Result:     result,
		Error:      errMsg,
		StartedAt:  started,
		FinishedAt: now,
	}
	if err := s.history.AppendHistory(ctx, row); err != nil {
		s.log.Error("history append failed", "plan_id", p.ID, "error", err)
	}

	event := datatypes.AuditEventStepExecuted
	if status == "failed" {
		event = datatypes.AuditEventStepFailed
	}
	s.auditAppend(ctx, datatypes.AuditLogEntry{
		EventType:    event,
		ActorType:    "system",
		ResourceType: "todo_step",
		ResourceID:   todo.ID,
		Action:       todo.Action,
		Metadata: map[string]string{
			"plan_id": p.ID,
			"target":  todo.Target,
			"order":   strconv.Itoa(todo.Order),
		},
	})
}

func (s *Service) finishPlan(ctx context.Context, p *datatypes.PlanProposal, success bool, reason string) (*datatypes.PlanProposal, error) {
	to := datatypes.PlanCompleted
	event := datatypes.AuditEventPlanCompleted
	if !success {
		to = datatypes.PlanFailed
		event = datatypes.AuditEventPlanFailed
	}
	updated, err := s.transition(ctx, p.ID, datatypes.PlanExecuting, to, func(p *datatypes.PlanProposal) {
		p.Error = reason
		now := time.Now().UTC()
		p.CompletedAt = &now
	})
	if err != nil {
		return nil, err
	}
	s.recordTransition(ctx, updated, event, "system", "")
	s.log.Info("plan finished",
		"plan_id", updated.ID, "status", updated.Status, "reason", reason)
	return updated, nil
}

func (s *Service) orderedTodos(ctx context.Context, planID string) ([]datatypes.TodoStep, error) {
	todos, err := s.todos.ListTodosByPlan(ctx, planID)
	if err != nil {
		return nil, err
	}
	sort.Slice(todos, func(i, j int) bool { return todos[i].Order < todos[j].Order })
	return todos, nil
}
