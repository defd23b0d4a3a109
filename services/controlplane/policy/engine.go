// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package policy is the safety gate every remediation plan must pass
// before any execution occurs.
//
// All rules are independent and all are evaluated (no short-circuit), so
// a caller sees every violation at once. The engine reads action history
// for rate limiting but never mutates anything.
package policy

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/AleutianAI/AleutianHaven/pkg/logging"
	"github.com/AleutianAI/AleutianHaven/services/controlplane/datatypes"
	"github.com/AleutianAI/AleutianHaven/services/controlplane/execution"
	"github.com/AleutianAI/AleutianHaven/services/controlplane/storage"
)

// Violation is one policy rule failure. A plan with any violation is
// blocked before execution.
type Violation struct {
	Rule    string `json:"rule"`
	Message string `json:"message"`
	Step    int    `json:"step,omitempty"`
}

func (v Violation) String() string {
	return fmt.Sprintf("[%s] %s", v.Rule, v.Message)
}

// Result is the outcome of validating one plan.
type Result struct {
	Valid      bool        `json:"valid"`
	Violations []Violation `json:"violations,omitempty"`
}

// Rule identifiers, stable for callers and tests.
const (
	RuleStepCount  = "STEP_COUNT"
	RuleActionList = "ACTION_ALLOWLIST"
	RuleTarget     = "TARGET_SCHEME"
	RuleDuplicate  = "DUPLICATE_TARGET"
	RuleDenylist   = "DENYLIST"
	RuleRateLimit  = "RATE_LIMIT"
)

// Config tunes the engine. DefaultConfig covers homelab scale.
type Config struct {
	// MaxSteps bounds plan size.
	MaxSteps int `yaml:"max_steps"`

	// AllowedActions is the explicit action allow-list. Unknown actions
	// are rejected outright, never silently ignored.
	AllowedActions []string `yaml:"allowed_actions"`

	// DenyPatterns are regular expressions matched against the full
	// target string. Any match blocks every mutating action against the
	// resource, regardless of action type.
	DenyPatterns []string `yaml:"deny_patterns"`

	// RateLimitWindow is the trailing window for per-target counting.
	RateLimitWindow time.Duration `yaml:"rate_limit_window"`

	// RateLimitMax is the per-target attempt count at which further
	// plans are rejected.
	RateLimitMax int `yaml:"rate_limit_max"`
}

// DefaultConfig returns the compiled-in safety posture.
func DefaultConfig() Config {
	return Config{
		MaxSteps: 10,
		AllowedActions: []string{
			execution.ActionRestartContainer,
			execution.ActionStopContainer,
			execution.ActionStartContainer,
			execution.ActionRebootVM,
			execution.ActionStartVM,
			execution.ActionStopVM,
			execution.ActionCollectLogs,
		},
		DenyPatterns: []string{
			// Storage controllers and identity infrastructure are off
			// limits for automated remediation.
			`(?i)truenas`,
			`(?i)storage-controller`,
			`(?i)pfsense`,
			`(?i)ldap`,
		},
		RateLimitWindow: time.Hour,
		RateLimitMax:    3,
	}
}

// Engine validates plans against static rules and history-derived rate
// limits.
type Engine struct {
	cfg     Config
	deny    []*regexp.Regexp
	history storage.HistoryStore
	allowed map[string]struct{}
	log     *logging.Logger
}

// NewEngine compiles the config into an Engine. Invalid deny patterns are
// a construction error; a safety gate with a silently dropped rule is
// worse than a failed startup.
func NewEngine(cfg Config, history storage.HistoryStore, log *logging.Logger) (*Engine, error) {
	if cfg.MaxSteps <= 0 {
		cfg.MaxSteps = DefaultConfig().MaxSteps
	}
	if log == nil {
		log = logging.Default()
	}
	deny := make([]*regexp.Regexp, 0, len(cfg.DenyPatterns))
	for _, p := range cfg.DenyPatterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("compile deny pattern %q: %w", p, err)
		}
		deny = append(deny, re)
	}
	allowed := make(map[string]struct{}, len(cfg.AllowedActions))
	for _, a := range cfg.AllowedActions {
		allowed[a] = struct{}{}
	}
	return &Engine{cfg: cfg, deny: deny, history: history, allowed: allowed, log: log}, nil
}

// GuideModeRequired reports whether plans need explicit human approval
// before executing. It always returns true: no plan may transition to
// executing without a prior approval, regardless of how the plan was
// generated. This is a hard safety invariant, not a configurable default.
func (e *Engine) GuideModeRequired() bool { return true }

// Validate evaluates every rule against the plan and returns all
// violations at once. The rate-limit read is advisory and race-tolerant:
// it is a check against history, not a lock.
func (e *Engine) Validate(ctx context.Context, plan *datatypes.PlanProposal) (Result, error) {
	var violations []Violation

	if len(plan.Steps) == 0 {
		violations = append(violations, Violation{
			Rule:    RuleStepCount,
			Message: "plan has no steps",
		})
	} else if len(plan.Steps) > e.cfg.MaxSteps {
		violations = append(violations, Violation{
			Rule:    RuleStepCount,
			Message: fmt.Sprintf("plan has %d steps, maximum is %d", len(plan.Steps), e.cfg.MaxSteps),
		})
	}

	seenTargets := make(map[string]int)
	for _, step := range plan.Steps {
		if _, ok := e.allowed[step.Action]; !ok {
			violations = append(violations, Violation{
				Rule:    RuleActionList,
				Message: fmt.Sprintf("action %q is not in the allow-list", step.Action),
				Step:    step.Order,
			})
		}

		if _, err := execution.ParseTarget(step.Target); err != nil {
			violations = append(violations, Violation{
				Rule:    RuleTarget,
				Message: err.Error(),
				Step:    step.Order,
			})
		}

		normalized := strings.ToLower(strings.TrimSpace(step.Target))
		if prev, dup := seenTargets[normalized]; dup {
			violations = append(violations, Violation{
				Rule:    RuleDuplicate,
				Message: fmt.Sprintf("target %q already used by step %d", step.Target, prev),
				Step:    step.Order,
			})
		} else {
			seenTargets[normalized] = step.Order
		}

		for _, re := range e.deny {
			if re.MatchString(step.Target) {
				violations = append(violations, Violation{
					Rule:    RuleDenylist,
					Message: fmt.Sprintf("DENYLIST: target %q matches protected pattern %q", step.Target, re.String()),
					Step:    step.Order,
				})
				break
			}
		}

		v, err := e.checkRateLimit(ctx, step)
		if err != nil {
			return Result{}, err
		}
		if v != nil {
			violations = append(violations, *v)
		}
	}

	if len(violations) > 0 {
		e.log.Info("plan rejected by policy",
			"plan_id", plan.ID,
			"violations", len(violations),
		)
		return Result{Valid: false, Violations: violations}, nil
	}
	return Result{Valid: true}, nil
}

func (e *Engine) checkRateLimit(ctx context.Context, step datatypes.PlanStep) (*Violation, error) {
	if e.history == nil || e.cfg.RateLimitMax <= 0 {
		return nil, nil
	}
	since := time.Now().Add(-e.cfg.RateLimitWindow)
	count, err := e.history.CountRecentByTarget(ctx, step.Target, since)
	if err != nil {
		return nil, fmt.Errorf("count action history for %s: %w", step.Target, err)
	}
	if count >= e.cfg.RateLimitMax {
		return &Violation{
			Rule: RuleRateLimit,
			Message: fmt.Sprintf("Rate limit exceeded: %d actions against %q in the last %s (max %d)",
				count, step.Target, e.cfg.RateLimitWindow, e.cfg.RateLimitMax),
			Step: step.Order,
		}, nil
	}
	return nil, nil
}
