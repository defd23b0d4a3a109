// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package datatypes

import "time"

// Audit event types recorded by the control plane. Free-form strings are
// allowed; these constants cover the built-in pipeline events.
const (
	AuditEventPlanProposed  = "plan.proposed"
	AuditEventPlanApproved  = "plan.approved"
	AuditEventPlanRejected  = "plan.rejected"
	AuditEventPlanExecuting = "plan.executing"
	AuditEventPlanCompleted = "plan.completed"
	AuditEventPlanFailed    = "plan.failed"
	AuditEventStepExecuted  = "step.executed"
	AuditEventStepFailed    = "step.failed"
	AuditEventTaskEnqueued  = "task.enqueued"
	AuditEventTaskClaimed   = "task.claimed"
	AuditEventTaskCompleted = "task.completed"
	AuditEventTaskFailed    = "task.failed"
	AuditEventPolicyDenied  = "policy.denied"
	AuditEventCheckpoint    = "audit.checkpoint"
)

// AuditLogEntry is one link in the append-only hash chain.
//
// Sequence and both hashes are assigned atomically at insert time by the
// audit store. Entries are never updated or deleted outside the quarantined
// retention tooling. Fields that feed the hash must stay structs/strings
// (no map ordering hazards) so canonicalization is deterministic; Metadata
// is canonicalized with sorted keys.
type AuditLogEntry struct {
	ID           string            `json:"id"`
	Sequence     uint64            `json:"sequence"`
	EventType    string            `json:"event_type"`
	ActorType    string            `json:"actor_type"`
	ActorID      string            `json:"actor_id"`
	ResourceType string            `json:"resource_type,omitempty"`
	ResourceID   string            `json:"resource_id,omitempty"`
	Action       string            `json:"action,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	NetworkAddr  string            `json:"network_addr,omitempty"`
	PreviousHash string            `json:"previous_hash"`
	CurrentHash  string            `json:"current_hash"`
	Timestamp    time.Time         `json:"timestamp"`
}
