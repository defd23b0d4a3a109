// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package loop

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianHaven/services/controlplane/audit"
	"github.com/AleutianAI/AleutianHaven/services/controlplane/datatypes"
	"github.com/AleutianAI/AleutianHaven/services/controlplane/execution"
	"github.com/AleutianAI/AleutianHaven/services/controlplane/plan"
	"github.com/AleutianAI/AleutianHaven/services/controlplane/policy"
	badgerstore "github.com/AleutianAI/AleutianHaven/services/controlplane/storage/badger"
)

type staticObserver struct {
	name         string
	observations []datatypes.Observation
	err          error
}

func (o *staticObserver) Name() string { return o.name }

func (o *staticObserver) Observe(context.Context) ([]datatypes.Observation, error) {
	return o.observations, o.err
}

func unhealthy(resource string, symptoms ...string) datatypes.Observation {
	return datatypes.Observation{
		Resource:   resource,
		Healthy:    false,
		Symptoms:   symptoms,
		Severity:   datatypes.SeverityHigh,
		Site:       "cabin",
		ObservedAt: time.Now().UTC(),
	}
}

func healthy(resource string) datatypes.Observation {
	return datatypes.Observation{Resource: resource, Healthy: true, ObservedAt: time.Now().UTC()}
}

func newEngine(t *testing.T, observers ...Observer) (*Engine, *badgerstore.Store, *plan.Service) {
	t.Helper()
	db, err := badgerstore.Open(badgerstore.InMemoryConfig())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	store := badgerstore.NewStore(db)

	engine, err := policy.NewEngine(policy.DefaultConfig(), store, nil)
	require.NoError(t, err)
	plans, err := plan.NewService(plan.Deps{
		Policy:  engine,
		Plans:   store,
		Todos:   store,
		History: store,
		Ledger:  audit.NewLedger(store, nil),
		Router:  execution.NewRouter(time.Second, nil, execution.NewMockPlugin()),
		Mode:    plan.ModeLocal,
	})
	require.NoError(t, err)

	return NewEngine(store, plans, nil, nil, time.Minute, nil, observers...), store, plans
}

func TestRunOnce_UnhealthyResourceOpensIncidentAndProposesPlan(t *testing.T) {
	obs := &staticObserver{name: "docker", observations: []datatypes.Observation{
		unhealthy("docker://web", "restart_loop", "exit_code_137"),
	}}
	engine, store, plans := newEngine(t, obs)
	ctx := context.Background()

	require.NoError(t, engine.RunOnce(ctx))

	incidents, err := store.ListIncidents(ctx, datatypes.IncidentOpen)
	require.NoError(t, err)
	require.Len(t, incidents, 1)
	assert.Equal(t, []string{"docker://web"}, incidents[0].Resources)

	pending, err := plans.List(ctx, datatypes.PlanPending)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Len(t, pending[0].Steps, 1)
	assert.Equal(t, execution.ActionRestartContainer, pending[0].Steps[0].Action)
	assert.Equal(t, incidents[0].ID, pending[0].IncidentID)
}

func TestRunOnce_NoDuplicateIncidentForSameResource(t *testing.T) {
	obs := &staticObserver{name: "docker", observations: []datatypes.Observation{
		unhealthy("docker://web", "restart_loop"),
	}}
	engine, store, _ := newEngine(t, obs)
	ctx := context.Background()

	require.NoError(t, engine.RunOnce(ctx))
	require.NoError(t, engine.RunOnce(ctx))

	incidents, err := store.ListIncidents(ctx, datatypes.IncidentOpen)
	require.NoError(t, err)
	assert.Len(t, incidents, 1)
}

func TestRunOnce_RecoveredResourceResolvesIncident(t *testing.T) {
	obs := &staticObserver{name: "docker", observations: []datatypes.Observation{
		unhealthy("docker://web", "restart_loop"),
	}}
	engine, store, _ := newEngine(t, obs)
	ctx := context.Background()

	require.NoError(t, engine.RunOnce(ctx))
	obs.observations = []datatypes.Observation{healthy("docker://web")}
	require.NoError(t, engine.RunOnce(ctx))

	open, err := store.ListIncidents(ctx, datatypes.IncidentOpen)
	require.NoError(t, err)
	assert.Empty(t, open)

	resolved, err := store.ListIncidents(ctx, datatypes.IncidentResolved)
	require.NoError(t, err)
	require.Len(t, resolved, 1)
	assert.NotNil(t, resolved[0].ResolvedAt)
}

func TestRunOnce_UnobservedResourceStaysOpen(t *testing.T) {
	obs := &staticObserver{name: "docker", observations: []datatypes.Observation{
		unhealthy("docker://web", "restart_loop"),
	}}
	engine, store, _ := newEngine(t, obs)
	ctx := context.Background()

	require.NoError(t, engine.RunOnce(ctx))
	obs.observations = nil
	require.NoError(t, engine.RunOnce(ctx))

	open, err := store.ListIncidents(ctx, datatypes.IncidentOpen)
	require.NoError(t, err)
	assert.Len(t, open, 1, "silence is not recovery")
}

func TestRunOnce_FailingObserverDoesNotStopTheTick(t *testing.T) {
	bad := &staticObserver{name: "broken", err: errors.New("adapter unreachable")}
	good := &staticObserver{name: "docker", observations: []datatypes.Observation{
		unhealthy("docker://db", "oom_killed"),
	}}
	engine, store, _ := newEngine(t, bad, good)
	ctx := context.Background()

	require.NoError(t, engine.RunOnce(ctx))

	open, err := store.ListIncidents(ctx, datatypes.IncidentOpen)
	require.NoError(t, err)
	assert.Len(t, open, 1)
}

func TestRunOnce_DenylistedResourceBlockedAtPolicyGate(t *testing.T) {
	obs := &staticObserver{name: "docker", observations: []datatypes.Observation{
		unhealthy("docker://truenas-core", "disk_full"),
	}}
	engine, store, plans := newEngine(t, obs)
	ctx := context.Background()

	require.NoError(t, engine.RunOnce(ctx))

	// The incident opens so a human sees it, but no plan gets through.
	open, err := store.ListIncidents(ctx, datatypes.IncidentOpen)
	require.NoError(t, err)
	assert.Len(t, open, 1)

	pending, err := plans.List(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestHeuristicPlanner_MapsSchemesToActions(t *testing.T) {
	p := &HeuristicPlanner{}
	proposal, err := p.Plan(context.Background(), &datatypes.Incident{
		ID:        "inc-1",
		Severity:  datatypes.SeverityHigh,
		Resources: []string{"docker://web", "proxmox://pve1/qemu/100", "nfs://unknown"},
		Symptoms:  []string{"restart_loop"},
	}, nil)
	require.NoError(t, err)
	require.NotNil(t, proposal)
	require.Len(t, proposal.Steps, 2, "unmappable scheme is skipped")
	assert.Equal(t, execution.ActionRestartContainer, proposal.Steps[0].Action)
	assert.Equal(t, execution.ActionRebootVM, proposal.Steps[1].Action)
}

func TestHeuristicPlanner_WorseningMatchFlagsTitle(t *testing.T) {
	p := &HeuristicPlanner{}
	proposal, err := p.Plan(context.Background(), &datatypes.Incident{
		ID:        "inc-2",
		Severity:  datatypes.SeverityCritical,
		Resources: []string{"docker://web"},
		Symptoms:  []string{"restart_loop"},
	}, []datatypes.RecurrenceMatch{{
		MatchedIncidentID: "inc-1",
		Score:             0.8,
		Classification:    datatypes.RecurrenceWorsening,
	}})
	require.NoError(t, err)
	require.NotNil(t, proposal)
	assert.Contains(t, proposal.Title, "[worsening]")
	assert.Contains(t, proposal.Description, "inc-1")
}

func TestHeuristicPlanner_WorseningTitleStaysWithinSchemaBound(t *testing.T) {
	resources := make([]string, 40)
	for i := range resources {
		resources[i] = fmt.Sprintf("docker://service-%02d", i)
	}
	p := &HeuristicPlanner{}
	proposal, err := p.Plan(context.Background(), &datatypes.Incident{
		ID:        "inc-4",
		Severity:  datatypes.SeverityCritical,
		Resources: resources,
		Symptoms:  []string{"restart_loop"},
	}, []datatypes.RecurrenceMatch{{
		MatchedIncidentID: "inc-1",
		Score:             0.9,
		Classification:    datatypes.RecurrenceWorsening,
	}})
	require.NoError(t, err)
	require.NotNil(t, proposal)

	// The prefix must survive truncation and the result must still pass
	// proposal validation.
	assert.True(t, strings.HasPrefix(proposal.Title, "[worsening] "))
	assert.LessOrEqual(t, len(proposal.Title), 200)
}

func TestHeuristicPlanner_NothingMappableYieldsNoProposal(t *testing.T) {
	p := &HeuristicPlanner{}
	proposal, err := p.Plan(context.Background(), &datatypes.Incident{
		ID:        "inc-3",
		Resources: []string{"not-a-target"},
	}, nil)
	require.NoError(t, err)
	assert.Nil(t, proposal)
}
