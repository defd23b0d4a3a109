// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package execution

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/AleutianAI/AleutianHaven/pkg/logging"
)

var (
	// ErrPluginNotFound means no execution provider is registered for the
	// target's scheme at all.
	ErrPluginNotFound = errors.New("execution plugin not found")

	// ErrActionUnsupported means providers exist for the scheme but none
	// of them declares the requested action.
	ErrActionUnsupported = errors.New("action not supported by any registered plugin")

	// ErrTimeout marks a plugin call that exceeded its deadline. The
	// caller records it as a step failure; it never crashes the loop.
	ErrTimeout = errors.New("execution timed out")
)

// Request is one action dispatch against a parsed target.
type Request struct {
	Action     string
	Target     TargetRef
	Parameters map[string]string
}

// Result is the outcome of a plugin Execute call.
type Result struct {
	Output   string            `json:"output,omitempty"`
	Details  map[string]string `json:"details,omitempty"`
	Duration time.Duration     `json:"duration"`
}

// Plugin is the capability contract for an execution backend.
//
// Rollback is part of the contract so adapters can expose compensation,
// but the executor never invokes it automatically: a failed mid-plan step
// is left for manual remediation.
type Plugin interface {
	// ID uniquely identifies the plugin in the registry.
	ID() string

	// Schemes lists the target schemes the plugin can address.
	Schemes() []string

	// Actions lists the action types the plugin declares support for.
	Actions() []string

	// ValidatePre checks preconditions without mutating anything.
	ValidatePre(ctx context.Context, req Request) error

	// Execute performs the action. Must honor ctx cancellation.
	Execute(ctx context.Context, req Request) (Result, error)

	// ValidatePost checks postconditions after a successful Execute.
	ValidatePost(ctx context.Context, req Request) error

	// Rollback attempts to undo a previous Execute.
	Rollback(ctx context.Context, req Request) error
}

// Router maps a target scheme plus action to the first registered plugin
// declaring both, and runs the dispatch with a bounded timeout.
type Router struct {
	plugins []Plugin
	timeout time.Duration
	log     *logging.Logger
}

// NewRouter creates a Router. stepTimeout bounds every plugin call;
// zero means 60s.
func NewRouter(stepTimeout time.Duration, log *logging.Logger, plugins ...Plugin) *Router {
	if stepTimeout <= 0 {
		stepTimeout = 60 * time.Second
	}
	if log == nil {
		log = logging.Default()
	}
	return &Router{plugins: plugins, timeout: stepTimeout, log: log}
}

// Register adds a plugin. Registration order decides dispatch priority.
func (r *Router) Register(p Plugin) {
	r.plugins = append(r.plugins, p)
}

// Resolve returns the plugin that will handle the request, or
// ErrPluginNotFound / ErrActionUnsupported.
func (r *Router) Resolve(scheme, action string) (Plugin, error) {
	var schemeMatch bool
	for _, p := range r.plugins {
		if !containsString(p.Schemes(), scheme) {
			continue
		}
		schemeMatch = true
		if containsString(p.Actions(), action) {
			return p, nil
		}
	}
	if !schemeMatch {
		return nil, fmt.Errorf("%w: scheme %q", ErrPluginNotFound, scheme)
	}
	return nil, fmt.Errorf("%w: action %q on scheme %q", ErrActionUnsupported, action, scheme)
}

// Dispatch validates, executes, and post-validates the request against
// the resolved plugin. Each phase shares one deadline; exceeding it
// converts to ErrTimeout.
func (r *Router) Dispatch(ctx context.Context, req Request) (Result, error) {
	plugin, err := r.Resolve(req.Target.Scheme, req.Action)
	if err != nil {
		return Result{}, err
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	start := time.Now()
	if err := plugin.ValidatePre(ctx, req); err != nil {
		return Result{}, wrapTimeout(ctx, fmt.Errorf("plugin %s pre-validation: %w", plugin.ID(), err))
	}
	result, err := plugin.Execute(ctx, req)
	if err != nil {
		return Result{}, wrapTimeout(ctx, fmt.Errorf("plugin %s execute: %w", plugin.ID(), err))
	}
	if err := plugin.ValidatePost(ctx, req); err != nil {
		return Result{}, wrapTimeout(ctx, fmt.Errorf("plugin %s post-validation: %w", plugin.ID(), err))
	}
	result.Duration = time.Since(start)

	r.log.Debug("dispatched action",
		"plugin", plugin.ID(),
		"action", req.Action,
		"target", req.Target.Raw,
		"duration_ms", result.Duration.Milliseconds(),
	)
	return result, nil
}

func wrapTimeout(ctx context.Context, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	return err
}

func containsString(values []string, want string) bool {
	for _, v := range values {
		if v == want {
			return true
		}
	}
	return false
}
