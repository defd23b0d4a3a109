// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package policy

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianHaven/services/controlplane/datatypes"
	"github.com/AleutianAI/AleutianHaven/services/controlplane/execution"
)

// fakeHistory returns a fixed count per target.
type fakeHistory struct {
	counts map[string]int
}

func (f *fakeHistory) AppendHistory(ctx context.Context, row *datatypes.ActionHistory) error {
	return nil
}

func (f *fakeHistory) ListHistoryByTarget(ctx context.Context, target string, limit int) ([]datatypes.ActionHistory, error) {
	return nil, nil
}

func (f *fakeHistory) CountRecentByTarget(ctx context.Context, target string, since time.Time) (int, error) {
	return f.counts[target], nil
}

func newEngine(t *testing.T, history *fakeHistory) *Engine {
	t.Helper()
	if history == nil {
		history = &fakeHistory{}
	}
	engine, err := NewEngine(DefaultConfig(), history, nil)
	require.NoError(t, err)
	return engine
}

func plan(steps ...datatypes.PlanStep) *datatypes.PlanProposal {
	return &datatypes.PlanProposal{
		ID:    "plan-1",
		Title: "test plan",
		Steps: steps,
	}
}

func step(order int, action, target string) datatypes.PlanStep {
	return datatypes.PlanStep{Order: order, Action: action, Target: target}
}

func TestGuideModeRequired_AlwaysTrue(t *testing.T) {
	assert.True(t, newEngine(t, nil).GuideModeRequired())
}

func TestValidate_ValidPlan(t *testing.T) {
	res, err := newEngine(t, nil).Validate(context.Background(), plan(
		step(0, execution.ActionRestartContainer, "docker://web"),
		step(1, execution.ActionRebootVM, "proxmox://pve1/qemu/100"),
	))
	require.NoError(t, err)
	assert.True(t, res.Valid)
	assert.Empty(t, res.Violations)
}

func TestValidate_EmptyPlanRejected(t *testing.T) {
	res, err := newEngine(t, nil).Validate(context.Background(), plan())
	require.NoError(t, err)
	assert.False(t, res.Valid)
	require.Len(t, res.Violations, 1)
	assert.Equal(t, RuleStepCount, res.Violations[0].Rule)
}

func TestValidate_TooManySteps(t *testing.T) {
	steps := make([]datatypes.PlanStep, 11)
	for i := range steps {
		steps[i] = step(i, execution.ActionCollectLogs, "docker://c"+strings.Repeat("x", i+1))
	}
	res, err := newEngine(t, nil).Validate(context.Background(), plan(steps...))
	require.NoError(t, err)
	assert.False(t, res.Valid)
	assert.Equal(t, RuleStepCount, res.Violations[0].Rule)
}

func TestValidate_UnknownActionRejected(t *testing.T) {
	res, err := newEngine(t, nil).Validate(context.Background(), plan(
		step(0, "format_disk", "docker://web"),
	))
	require.NoError(t, err)
	assert.False(t, res.Valid)
	require.Len(t, res.Violations, 1)
	assert.Equal(t, RuleActionList, res.Violations[0].Rule)
}

func TestValidate_MalformedTargetIsViolationNotCrash(t *testing.T) {
	res, err := newEngine(t, nil).Validate(context.Background(), plan(
		step(0, execution.ActionRestartContainer, "not-a-target"),
	))
	require.NoError(t, err)
	assert.False(t, res.Valid)
	require.Len(t, res.Violations, 1)
	assert.Equal(t, RuleTarget, res.Violations[0].Rule)
}

func TestValidate_DuplicateTargetsRejected(t *testing.T) {
	res, err := newEngine(t, nil).Validate(context.Background(), plan(
		step(0, execution.ActionStopContainer, "docker://web"),
		step(1, execution.ActionStartContainer, "docker://web"),
	))
	require.NoError(t, err)
	assert.False(t, res.Valid)
	require.Len(t, res.Violations, 1)
	assert.Equal(t, RuleDuplicate, res.Violations[0].Rule)
	assert.Equal(t, 1, res.Violations[0].Step)
}

func TestValidate_DenylistBlocksRegardlessOfOtherSteps(t *testing.T) {
	res, err := newEngine(t, nil).Validate(context.Background(), plan(
		step(0, execution.ActionRestartContainer, "docker://web"),
		step(1, execution.ActionRestartContainer, "docker://truenas-core"),
	))
	require.NoError(t, err)
	assert.False(t, res.Valid)
	require.Len(t, res.Violations, 1)
	assert.Equal(t, RuleDenylist, res.Violations[0].Rule)
	assert.Contains(t, res.Violations[0].Message, "DENYLIST")
	assert.Equal(t, 1, res.Violations[0].Step)
}

func TestValidate_RateLimitExceeded(t *testing.T) {
	history := &fakeHistory{counts: map[string]int{"docker://flappy": 3}}
	res, err := newEngine(t, history).Validate(context.Background(), plan(
		step(0, execution.ActionRestartContainer, "docker://flappy"),
	))
	require.NoError(t, err)
	assert.False(t, res.Valid)
	require.Len(t, res.Violations, 1)
	assert.Equal(t, RuleRateLimit, res.Violations[0].Rule)
	assert.Contains(t, res.Violations[0].Message, "Rate limit exceeded")
}

func TestValidate_AllRulesEvaluatedNoShortCircuit(t *testing.T) {
	history := &fakeHistory{counts: map[string]int{"docker://flappy": 5}}
	res, err := newEngine(t, history).Validate(context.Background(), plan(
		step(0, "format_disk", "bogus"),
		step(1, execution.ActionRestartContainer, "docker://truenas-core"),
		step(2, execution.ActionRestartContainer, "docker://flappy"),
	))
	require.NoError(t, err)
	assert.False(t, res.Valid)

	rules := make(map[string]bool)
	for _, v := range res.Violations {
		rules[v.Rule] = true
	}
	assert.True(t, rules[RuleActionList], "unknown action reported")
	assert.True(t, rules[RuleTarget], "malformed target reported")
	assert.True(t, rules[RuleDenylist], "denylist reported")
	assert.True(t, rules[RuleRateLimit], "rate limit reported")
}

func TestNewEngine_BadDenyPatternFailsConstruction(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DenyPatterns = []string{"["}
	_, err := NewEngine(cfg, &fakeHistory{}, nil)
	assert.Error(t, err)
}
