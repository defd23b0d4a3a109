// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package plan owns the remediation plan lifecycle: proposal through the
// policy gate, human approval, and execution.
//
// Every plan takes the same path regardless of author (human, heuristic,
// or model): schema validation, policy validation, persistence as
// pending, explicit approval, then ordered execution. There is no
// auto-approve path.
package plan

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/AleutianAI/AleutianHaven/pkg/logging"
	"github.com/AleutianAI/AleutianHaven/services/controlplane/audit"
	"github.com/AleutianAI/AleutianHaven/services/controlplane/datatypes"
	"github.com/AleutianAI/AleutianHaven/services/controlplane/execution"
	"github.com/AleutianAI/AleutianHaven/services/controlplane/notify"
	"github.com/AleutianAI/AleutianHaven/services/controlplane/policy"
	"github.com/AleutianAI/AleutianHaven/services/controlplane/storage"
	"github.com/AleutianAI/AleutianHaven/services/controlplane/telemetry"
)

var (
	// ErrActivePlanExists means the incident already has a non-terminal
	// plan; it must finish or be rejected before another is proposed.
	ErrActivePlanExists = errors.New("incident already has an active plan")

	// ErrPlanNotActionable is returned by approval/execution guards when
	// the plan is not in the required pre-state.
	ErrPlanNotActionable = errors.New("plan is not in an actionable state")
)

// PolicyError carries the full violation list from a failed policy gate.
type PolicyError struct {
	Violations []policy.Violation
}

func (e *PolicyError) Error() string {
	msgs := make([]string, len(e.Violations))
	for i, v := range e.Violations {
		msgs[i] = v.String()
	}
	return fmt.Sprintf("plan blocked by policy: %s", strings.Join(msgs, "; "))
}

// TaskEnqueuer is the slice of the worker queue the executor needs for
// remote dispatch.
type TaskEnqueuer interface {
	Enqueue(ctx context.Context, task datatypes.WorkerTask) (*datatypes.WorkerTask, error)
}

// ExecutionMode selects how approved steps are dispatched.
type ExecutionMode string

const (
	// ModeLocal dispatches steps through in-process execution plugins.
	ModeLocal ExecutionMode = "local"

	// ModeRemote enqueues steps as worker tasks and resumes the plan when
	// result envelopes arrive.
	ModeRemote ExecutionMode = "remote"
)

// Service is the plan lifecycle engine.
type Service struct {
	validate *validator.Validate
	policy   *policy.Engine
	plans    storage.PlanStore
	todos    storage.TodoStore
	history  storage.HistoryStore
	ledger   *audit.Ledger
	router   *execution.Router
	queue    TaskEnqueuer
	notifier notify.Publisher
	metrics  *telemetry.Metrics
	mode     ExecutionMode
	log      *logging.Logger
}

// Deps bundles the service's collaborators; anything optional is
// documented on its field.
type Deps struct {
	Policy  *policy.Engine
	Plans   storage.PlanStore
	Todos   storage.TodoStore
	History storage.HistoryStore
	Ledger  *audit.Ledger

	// Router is required in ModeLocal.
	Router *execution.Router

	// Queue is required in ModeRemote.
	Queue TaskEnqueuer

	// Notifier may be nil; transitions are then unannounced.
	Notifier notify.Publisher

	// Metrics may be nil in tests.
	Metrics *telemetry.Metrics

	Mode ExecutionMode
	Log  *logging.Logger
}

// NewService validates the dependency set for the chosen mode.
func NewService(d Deps) (*Service, error) {
	if d.Policy == nil || d.Plans == nil || d.Todos == nil || d.History == nil {
		return nil, errors.New("policy engine and plan/todo/history stores are required")
	}
	switch d.Mode {
	case ModeLocal:
		if d.Router == nil {
			return nil, errors.New("local execution mode requires a router")
		}
	case ModeRemote:
		if d.Queue == nil {
			return nil, errors.New("remote execution mode requires a task queue")
		}
	default:
		return nil, fmt.Errorf("unknown execution mode %q", d.Mode)
	}
	if d.Log == nil {
		d.Log = logging.Default()
	}
	return &Service{
		validate: validator.New(),
		policy:   d.Policy,
		plans:    d.Plans,
		todos:    d.Todos,
		history:  d.History,
		ledger:   d.Ledger,
		router:   d.Router,
		queue:    d.Queue,
		notifier: d.Notifier,
		metrics:  d.Metrics,
		mode:     d.Mode,
		log:      d.Log,
	}, nil
}

// Propose validates a plan, runs the policy gate, and persists it as
// pending together with one TodoStep per plan step. Nothing is persisted
// when validation or policy fails.
func (s *Service) Propose(ctx context.Context, proposal *datatypes.PlanProposal) (*datatypes.PlanProposal, error) {
	if err := s.validate.Struct(proposal); err != nil {
		return nil, fmt.Errorf("plan schema validation: %w", err)
	}

	if proposal.IncidentID != "" {
		existing, err := s.plans.FindActivePlanForIncident(ctx, proposal.IncidentID)
		switch {
		case err == nil:
			return nil, fmt.Errorf("%w: plan %s is %s",
				ErrActivePlanExists, existing.ID, existing.Status)
		case !errors.Is(err, storage.ErrNotFound):
			return nil, err
		}
	}

	if proposal.ID == "" {
		proposal.ID = uuid.NewString()
	}

	res, err := s.policy.Validate(ctx, proposal)
	if err != nil {
		return nil, fmt.Errorf("policy validation: %w", err)
	}
	if !res.Valid {
		if s.metrics != nil {
			s.metrics.PolicyRejections.Inc()
		}
		s.auditAppend(ctx, datatypes.AuditLogEntry{
			EventType:    datatypes.AuditEventPolicyDenied,
			ActorType:    "system",
			ResourceType: "plan",
			ResourceID:   proposal.ID,
			Metadata:     map[string]string{"violations": fmt.Sprintf("%d", len(res.Violations))},
		})
		return nil, &PolicyError{Violations: res.Violations}
	}

	now := time.Now().UTC()
	proposal.Status = datatypes.PlanPending
	proposal.CreatedAt = now
	proposal.UpdatedAt = now
	for i := range proposal.Steps {
		proposal.Steps[i].Status = datatypes.StepPending
	}
	if err := s.plans.PutPlan(ctx, proposal); err != nil {
		return nil, fmt.Errorf("persist plan: %w", err)
	}

	for _, step := range proposal.Steps {
		todo := &datatypes.TodoStep{
			ID:           uuid.NewString(),
			PlanID:       proposal.ID,
			Order:        step.Order,
			Action:       step.Action,
			Target:       step.Target,
			Parameters:   step.Parameters,
			Description:  step.Description,
			Verification: step.Verification,
			Status:       datatypes.StepPending,
			CreatedAt:    now,
			UpdatedAt:    now,
		}
		if err := s.todos.PutTodo(ctx, todo); err != nil {
			return nil, fmt.Errorf("persist todo step %d: %w", step.Order, err)
		}
	}

	s.recordTransition(ctx, proposal, datatypes.AuditEventPlanProposed, "system", "")
	s.log.Info("plan proposed",
		"plan_id", proposal.ID,
		"incident_id", proposal.IncidentID,
		"steps", len(proposal.Steps),
	)
	return proposal, nil
}

// Approve moves a pending plan to approved, recording the approver, and
// approves every still-pending todo step. Todo steps individually
// rejected beforehand stay rejected.
func (s *Service) Approve(ctx context.Context, planID, approver string) (*datatypes.PlanProposal, error) {
	if approver == "" {
		return nil, errors.New("approver is required")
	}
	p, err := s.transition(ctx, planID, datatypes.PlanPending, datatypes.PlanApproved, func(p *datatypes.PlanProposal) {
		p.Approver = approver
	})
	if err != nil {
		return nil, err
	}

	todos, err := s.todos.ListTodosByPlan(ctx, planID)
	if err != nil {
		return nil, err
	}
	for _, todo := range todos {
		if todo.Status != datatypes.StepPending {
			continue
		}
		_, err := s.todos.TransitionTodo(ctx, todo.ID, datatypes.StepPending, datatypes.StepApproved, func(t *datatypes.TodoStep) {
			t.Approver = approver
		})
		if err != nil && !errors.Is(err, storage.ErrInvalidTransition) {
			return nil, err
		}
	}

	s.recordTransition(ctx, p, datatypes.AuditEventPlanApproved, "human", approver)
	return p, nil
}

// Reject moves a pending plan to rejected. Rejected plans are terminal.
func (s *Service) Reject(ctx context.Context, planID, approver, reason string) (*datatypes.PlanProposal, error) {
	p, err := s.transition(ctx, planID, datatypes.PlanPending, datatypes.PlanRejected, func(p *datatypes.PlanProposal) {
		p.Approver = approver
		p.Error = reason
		now := time.Now().UTC()
		p.CompletedAt = &now
	})
	if err != nil {
		return nil, err
	}
	s.recordTransition(ctx, p, datatypes.AuditEventPlanRejected, "human", approver)
	return p, nil
}

// RejectStep rejects one todo step before execution. The plan can still
// be approved; the rejected step fails at execution time and aborts the
// remainder.
func (s *Service) RejectStep(ctx context.Context, todoID, approver, reason string) (*datatypes.TodoStep, error) {
	return s.todos.TransitionTodo(ctx, todoID, datatypes.StepPending, datatypes.StepRejected, func(t *datatypes.TodoStep) {
		t.Approver = approver
		t.Result = reason
	})
}

// Get returns the plan by id.
func (s *Service) Get(ctx context.Context, planID string) (*datatypes.PlanProposal, error) {
	return s.plans.GetPlan(ctx, planID)
}

// List returns plans filtered by status; empty status means all.
func (s *Service) List(ctx context.Context, status datatypes.PlanStatus) ([]datatypes.PlanProposal, error) {
	return s.plans.ListPlans(ctx, status)
}

// Todos returns the approval units for a plan in step order.
func (s *Service) Todos(ctx context.Context, planID string) ([]datatypes.TodoStep, error) {
	return s.todos.ListTodosByPlan(ctx, planID)
}

// transition applies a guarded status change through the store's
// conditional update. Plan status is only ever mutated here, so terminal
// states are immutable and concurrent approve/reject resolve to exactly
// one winner inside the storage transaction.
func (s *Service) transition(ctx context.Context, planID string, from, to datatypes.PlanStatus, mutate func(*datatypes.PlanProposal)) (*datatypes.PlanProposal, error) {
	p, err := s.plans.TransitionPlan(ctx, planID, from, to, mutate)
	if err != nil {
		if errors.Is(err, storage.ErrInvalidTransition) {
			return nil, fmt.Errorf("%w: %w", ErrPlanNotActionable, err)
		}
		return nil, err
	}
	if s.metrics != nil {
		s.metrics.PlanTransitions.WithLabelValues(string(to)).Inc()
	}
	return p, nil
}

func (s *Service) recordTransition(ctx context.Context, p *datatypes.PlanProposal, event, actorType, actorID string) {
	s.auditAppend(ctx, datatypes.AuditLogEntry{
		EventType:    event,
		ActorType:    actorType,
		ActorID:      actorID,
		ResourceType: "plan",
		ResourceID:   p.ID,
		Metadata:     map[string]string{"status": string(p.Status)},
	})
	if s.notifier != nil {
		s.notifier.Publish(notify.Event{
			Type:   event,
			PlanID: p.ID,
			Status: string(p.Status),
			Detail: p.Error,
		})
	}
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
