// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package loop runs the observe -> detect -> propose pipeline.
//
// Each tick gathers observations from every registered observer, opens
// incidents for unhealthy resources, resolves incidents whose resources
// recovered, scores new incidents against history for recurrence, and
// proposes a remediation plan through the plan service. Proposals stop
// at the policy gate and human approval like any other plan; the loop
// never executes anything itself.
package loop

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/AleutianHaven/pkg/logging"
	"github.com/AleutianAI/AleutianHaven/services/controlplane/datatypes"
	"github.com/AleutianAI/AleutianHaven/services/controlplane/plan"
	"github.com/AleutianAI/AleutianHaven/services/controlplane/signature"
	"github.com/AleutianAI/AleutianHaven/services/controlplane/storage"
	"github.com/AleutianAI/AleutianHaven/services/controlplane/telemetry"
)

// Observer produces health observations for a set of resources. Adapters
// (Docker, Proxmox, remote-site facts) implement this.
type Observer interface {
	Name() string
	Observe(ctx context.Context) ([]datatypes.Observation, error)
}

// Planner turns an incident into a plan proposal. The default is the
// heuristic planner in this package; a model-backed planner satisfies the
// same interface and its output passes the same policy gate.
type Planner interface {
	Plan(ctx context.Context, inc *datatypes.Incident, matches []datatypes.RecurrenceMatch) (*datatypes.PlanProposal, error)
}

// Engine ties observers, the incident store, and the plan service into a
// periodic pipeline.
type Engine struct {
	observers []Observer
	planner   Planner
	incidents storage.IncidentStore
	plans     *plan.Service
	metrics   *telemetry.Metrics
	interval  time.Duration
	topN      int
	log       *logging.Logger
}

// NewEngine constructs the loop engine. interval <= 0 defaults to 60s;
// planner nil defaults to the heuristic planner.
func NewEngine(incidents storage.IncidentStore, plans *plan.Service, planner Planner, metrics *telemetry.Metrics, interval time.Duration, log *logging.Logger, observers ...Observer) *Engine {
	if interval <= 0 {
		interval = 60 * time.Second
	}
	if planner == nil {
		planner = &HeuristicPlanner{}
	}
	if log == nil {
		log = logging.Default()
	}
	return &Engine{
		observers: observers,
		planner:   planner,
		incidents: incidents,
		plans:     plans,
		metrics:   metrics,
		interval:  interval,
		topN:      5,
		log:       log,
	}
}

// Run ticks until ctx is cancelled. A failed tick is logged and the loop
// keeps going; one bad adapter must not stop detection for the rest.
func (e *Engine) Run(ctx context.Context) error {
	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()
	for {
		if err := e.RunOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
			e.log.Error("detection tick failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// RunOnce executes a single pipeline tick.
func (e *Engine) RunOnce(ctx context.Context) error {
	observations, err := e.gather(ctx)
	if err != nil {
		return err
	}

	open, err := e.incidents.ListIncidents(ctx, datatypes.IncidentOpen)
	if err != nil {
		return fmt.Errorf("list open incidents: %w", err)
	}
	openByResource := indexByResource(open)

	healthy := make(map[string]bool)
	for _, obs := range observations {
		healthy[obs.Resource] = obs.Healthy
	}

	for _, obs := range observations {
		if obs.Healthy {
			continue
		}
		if _, exists := openByResource[obs.Resource]; exists {
			continue
		}
		inc, err := e.openIncident(ctx, obs)
		if err != nil {
			e.log.Error("incident creation failed", "resource", obs.Resource, "error", err)
			continue
		}
		openByResource[obs.Resource] = inc
		e.propose(ctx, inc)
	}

	e.resolveRecovered(ctx, open, healthy)

	if e.metrics != nil {
		remaining, err := e.incidents.ListIncidents(ctx, datatypes.IncidentOpen)
		if err == nil {
			e.metrics.OpenIncidents.Set(float64(len(remaining)))
		}
	}
	return nil
}

// gather fans observation collection out over all observers. One failing
// observer is logged and skipped; its resources simply go unobserved this
// tick.
func (e *Engine) gather(ctx context.Context) ([]datatypes.Observation, error) {
	g, ctx := errgroup.WithContext(ctx)
	results := make([][]datatypes.Observation, len(e.observers))
	for i, obs := range e.observers {
		g.Go(func() error {
			found, err := obs.Observe(ctx)
			if err != nil {
				e.log.Warn("observer failed", "observer", obs.Name(), "error", err)
				return nil
			}
			results[i] = found
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	var all []datatypes.Observation
	for _, r := range results {
		all = append(all, r...)
	}
	return all, nil
}

func (e *Engine) openIncident(ctx context.Context, obs datatypes.Observation) (*datatypes.Incident, error) {
	severity := obs.Severity
	if severity == "" {
		severity = datatypes.SeverityMedium
	}
	inc := &datatypes.Incident{
		ID:         uuid.NewString(),
		Severity:   severity,
		Status:     datatypes.IncidentOpen,
		Resources:  []string{obs.Resource},
		Symptoms:   obs.Symptoms,
		CauseKeys:  obs.CauseKeys,
		Site:       obs.Site,
		DetectedAt: time.Now().UTC(),
	}
	if err := e.incidents.PutIncident(ctx, inc); err != nil {
		return nil, err
	}
	e.log.Info("incident opened",
		"incident_id", inc.ID,
		"resource", obs.Resource,
		"severity", inc.Severity,
		"symptoms", strings.Join(obs.Symptoms, ","),
	)
	return inc, nil
}

// propose scores the incident for recurrence and submits the planner's
// proposal. A policy rejection is expected behavior, not a loop failure.
func (e *Engine) propose(ctx context.Context, inc *datatypes.Incident) {
	matches, err := e.scoreRecurrence(ctx, inc)
	if err != nil {
		e.log.Warn("recurrence scoring failed", "incident_id", inc.ID, "error", err)
	}

	proposal, err := e.planner.Plan(ctx, inc, matches)
	if err != nil {
		e.log.Error("planner failed", "incident_id", inc.ID, "error", err)
		return
	}
	if proposal == nil {
		return
	}

	if _, err := e.plans.Propose(ctx, proposal); err != nil {
		var perr *plan.PolicyError
		if errors.As(err, &perr) {
			e.log.Info("auto-proposed plan blocked by policy",
				"incident_id", inc.ID, "violations", len(perr.Violations))
			return
		}
		if errors.Is(err, plan.ErrActivePlanExists) {
			return
		}
		e.log.Error("plan proposal failed", "incident_id", inc.ID, "error", err)
	}
}

// scoreRecurrence compares the incident's signature against every other
// known incident.
func (e *Engine) scoreRecurrence(ctx context.Context, inc *datatypes.Incident) ([]datatypes.RecurrenceMatch, error) {
	all, err := e.incidents.ListIncidents(ctx, "")
	if err != nil {
		return nil, err
	}
	historical := make([]datatypes.IncidentSignature, 0, len(all))
	for _, h := range all {
		historical = append(historical, signature.Build(h))
	}
	return signature.FindRecurrenceMatches(signature.Build(*inc), historical, e.topN), nil
}

// resolveRecovered closes open incidents whose every resource reported
// healthy this tick. Resources not observed at all stay open.
func (e *Engine) resolveRecovered(ctx context.Context, open []datatypes.Incident, healthy map[string]bool) {
	for i := range open {
		inc := &open[i]
		allHealthy := true
		for _, r := range inc.Resources {
			ok, seen := healthy[r]
			if !seen || !ok {
				allHealthy = false
				break
			}
		}
		if !allHealthy {
			continue
		}
		now := time.Now().UTC()
		inc.Status = datatypes.IncidentResolved
		inc.ResolvedAt = &now
		if err := e.incidents.PutIncident(ctx, inc); err != nil {
			e.log.Error("incident resolution failed", "incident_id", inc.ID, "error", err)
			continue
		}
		e.log.Info("incident resolved", "incident_id", inc.ID)
	}
}

func indexByResource(incidents []datatypes.Incident) map[string]*datatypes.Incident {
	idx := make(map[string]*datatypes.Incident)
	for i := range incidents {
		for _, r := range incidents[i].Resources {
			idx[r] = &incidents[i]
		}
	}
	return idx
}
