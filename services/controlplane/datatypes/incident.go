// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package datatypes defines the domain model shared by the Haven control
// plane services: incidents, remediation plans, approval units, audit
// entries, and the worker task protocol.
//
// These types are storage- and transport-neutral. Persistence lives in
// services/controlplane/storage; HTTP bindings live in
// services/controlplane/api.
package datatypes

import "time"

// Severity ranks how bad an incident is.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Rank returns the ordinal position of the severity for comparisons
// (low < medium < high < critical). Unknown severities rank below low.
func (s Severity) Rank() int {
	switch s {
	case SeverityLow:
		return 1
	case SeverityMedium:
		return 2
	case SeverityHigh:
		return 3
	case SeverityCritical:
		return 4
	default:
		return 0
	}
}

// IncidentStatus is the lifecycle state of an incident.
type IncidentStatus string

const (
	IncidentOpen     IncidentStatus = "open"
	IncidentResolved IncidentStatus = "resolved"
)

// Incident is a detected abnormal condition tied to one or more resources.
//
// Incidents are created by detection logic and mutated only to change
// status/resolution. They are never deleted.
type Incident struct {
	ID         string         `json:"id"`
	Severity   Severity       `json:"severity"`
	Status     IncidentStatus `json:"status"`
	Resources  []string       `json:"resources"`
	Symptoms   []string       `json:"symptoms"`
	CauseKeys  []string       `json:"cause_keys,omitempty"`
	Site       string         `json:"site,omitempty"`
	DetectedAt time.Time      `json:"detected_at"`
	ResolvedAt *time.Time     `json:"resolved_at,omitempty"`
}

// IncidentSignature is the canonical fingerprint of an incident, derived
// deterministically from its fields. It is never persisted separately from
// its source incident; recompute it on demand with signature.Build.
type IncidentSignature struct {
	IncidentID     string    `json:"incident_id"`
	SymptomHash    string    `json:"symptom_hash"`
	ScopeHash      string    `json:"scope_hash"`
	CauseKeys      []string  `json:"cause_keys"`
	SeverityBucket Severity  `json:"severity_bucket"`
	Site           string    `json:"site,omitempty"`
	DetectedAt     time.Time `json:"detected_at"`
}

// RecurrenceClass categorizes how a current incident relates to history.
type RecurrenceClass string

const (
	RecurrenceNew       RecurrenceClass = "new"
	RecurrenceRecurring RecurrenceClass = "recurring"
	RecurrenceWorsening RecurrenceClass = "worsening"
	RecurrenceImproving RecurrenceClass = "improving"
)

// RecurrenceMatch is the result of scoring one historical signature against
// the current one. Ephemeral; not persisted as a first-class entity.
type RecurrenceMatch struct {
	MatchedIncidentID string          `json:"matched_incident_id"`
	Score             float64         `json:"score"`
	Reasons           []string        `json:"reasons"`
	Classification    RecurrenceClass `json:"classification"`
}

// Observation is a single adapter reading about one resource, consumed by
// the detection loop.
type Observation struct {
	Resource   string    `json:"resource"`
	Healthy    bool      `json:"healthy"`
	Symptoms   []string  `json:"symptoms,omitempty"`
	CauseKeys  []string  `json:"cause_keys,omitempty"`
	Severity   Severity  `json:"severity,omitempty"`
	Site       string    `json:"site,omitempty"`
	ObservedAt time.Time `json:"observed_at"`
}
