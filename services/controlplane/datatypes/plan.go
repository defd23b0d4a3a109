// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package datatypes

import "time"

// PlanStatus is the lifecycle state of a remediation plan.
//
// Transitions: pending -> approved -> executing -> {completed, failed},
// with pending -> rejected as the alternate terminal branch. Guards are
// enforced by the plan service, not here.
type PlanStatus string

const (
	PlanPending   PlanStatus = "pending"
	PlanApproved  PlanStatus = "approved"
	PlanRejected  PlanStatus = "rejected"
	PlanExecuting PlanStatus = "executing"
	PlanCompleted PlanStatus = "completed"
	PlanFailed    PlanStatus = "failed"
)

// Terminal reports whether the plan can no longer change state.
func (s PlanStatus) Terminal() bool {
	switch s {
	case PlanRejected, PlanCompleted, PlanFailed:
		return true
	}
	return false
}

// StepStatus is the lifecycle state of a single plan step and of its
// corresponding approval unit.
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepApproved  StepStatus = "approved"
	StepRejected  StepStatus = "rejected"
	StepExecuting StepStatus = "executing"
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
	// StepSkipped marks steps that never ran because an earlier step failed.
	StepSkipped StepStatus = "skipped"
)

// Terminal reports whether the step outcome is final. Rejected is not
// terminal: execution converts a rejected step to failed or skipped.
func (s StepStatus) Terminal() bool {
	switch s {
	case StepCompleted, StepFailed, StepSkipped:
		return true
	}
	return false
}

// PlanStep is one ordered remediation action inside a plan.
//
// The same validation path applies whether the step was authored by a
// human, a heuristic, or an LLM; there is no separate schema type.
type PlanStep struct {
	Order        int               `json:"order" validate:"gte=0"`
	Action       string            `json:"action" validate:"required"`
	Target       string            `json:"target" validate:"required"`
	Parameters   map[string]string `json:"parameters,omitempty"`
	Description  string            `json:"description,omitempty"`
	Verification string            `json:"verification,omitempty"`
	Status       StepStatus        `json:"status"`
	Result       string            `json:"result,omitempty"`
	ExecutedAt   *time.Time        `json:"executed_at,omitempty"`
}

// PlanProposal is a proposed ordered sequence of remediation actions,
// usually for one incident. Immutable once completed, failed, or rejected.
type PlanProposal struct {
	ID          string     `json:"id"`
	IncidentID  string     `json:"incident_id,omitempty"`
	Title       string     `json:"title" validate:"required,max=200"`
	Description string     `json:"description,omitempty"`
	Steps       []PlanStep `json:"steps" validate:"required,min=1,dive"`
	Status      PlanStatus `json:"status"`
	Approver    string     `json:"approver,omitempty"`
	Error       string     `json:"error,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// TodoStep is the durable, API-visible unit of human approval.
//
// It mirrors a PlanStep but is independently persisted with its own
// lifecycle: pending -> approved|rejected, approved -> executing ->
// completed|failed. A PlanStep must never execute without a corresponding
// approved TodoStep; this is the authoritative gate.
type TodoStep struct {
	ID           string            `json:"id"`
	PlanID       string            `json:"plan_id"`
	Order        int               `json:"order"`
	Action       string            `json:"action"`
	Target       string            `json:"target"`
	Parameters   map[string]string `json:"parameters,omitempty"`
	Description  string            `json:"description,omitempty"`
	Verification string            `json:"verification,omitempty"`
	Status       StepStatus        `json:"status"`
	Approver     string            `json:"approver,omitempty"`
	Result       string            `json:"result,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
	UpdatedAt    time.Time         `json:"updated_at"`
}

// ActionHistory is the immutable record written after every execution
// attempt. It doubles as audit evidence and as the input to policy rate
// limiting.
type ActionHistory struct {
	ID         string    `json:"id"`
	PlanID     string    `json:"plan_id,omitempty"`
	TodoStepID string    `json:"todo_step_id,omitempty"`
	Target     string    `json:"target"`
	Action     string    `json:"action"`
	Status     string    `json:"status"`
	Result     string    `json:"result,omitempty"`
	Error      string    `json:"error,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}
