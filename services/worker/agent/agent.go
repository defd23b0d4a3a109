// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package agent is the remote site worker: it claims tasks from the
// control plane, executes them through local execution plugins, and
// delivers results through the offline buffer.
//
// Every result is spooled to disk before the first delivery attempt, so
// a crash or an unreachable control plane never loses a result. Replay
// runs newest-first; the control plane dedupes redelivery by idempotency
// key.
package agent

import (
	"context"
	"fmt"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/AleutianHaven/pkg/logging"
	"github.com/AleutianAI/AleutianHaven/services/controlplane/datatypes"
	"github.com/AleutianAI/AleutianHaven/services/controlplane/execution"
	"github.com/AleutianAI/AleutianHaven/services/worker/buffer"
)

// ControlPlane is the slice of the worker protocol the agent needs.
// client.Client implements it; tests substitute fakes.
type ControlPlane interface {
	Register(ctx context.Context, workerID, site string, capabilities []string) (*datatypes.WorkerInfo, error)
	Heartbeat(ctx context.Context, workerID, site string, capabilities []string) error
	Claim(ctx context.Context, workerID string) (*datatypes.WorkerTask, error)
	SubmitResult(ctx context.Context, env datatypes.ResultEnvelope) error
}

// Config tunes the agent's loops.
type Config struct {
	WorkerID          string        `yaml:"worker_id"`
	SiteName          string        `yaml:"site_name"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	PollInterval      time.Duration `yaml:"poll_interval"`
	ReplayInterval    time.Duration `yaml:"replay_interval"`
}

// DefaultConfig returns sane loop intervals.
func DefaultConfig(workerID, site string) Config {
	return Config{
		WorkerID:          workerID,
		SiteName:          site,
		HeartbeatInterval: 30 * time.Second,
		PollInterval:      5 * time.Second,
		ReplayInterval:    15 * time.Second,
	}
}

// Agent runs the worker loops.
type Agent struct {
	cfg    Config
	cp     ControlPlane
	router *execution.Router
	spool  *buffer.Buffer
	log    *logging.Logger
}

// New wires the agent. The router's registered plugins define the
// capabilities advertised at registration.
func New(cfg Config, cp ControlPlane, router *execution.Router, spool *buffer.Buffer, log *logging.Logger) (*Agent, error) {
	if cfg.WorkerID == "" {
		return nil, fmt.Errorf("worker id is required")
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 30 * time.Second
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.ReplayInterval <= 0 {
		cfg.ReplayInterval = 15 * time.Second
	}
	if log == nil {
		log = logging.Default()
	}
	return &Agent{cfg: cfg, cp: cp, router: router, spool: spool, log: log}, nil
}

// Run registers and then runs the heartbeat, claim, and replay loops
// until ctx is cancelled.
func (a *Agent) Run(ctx context.Context) error {
	if _, err := a.cp.Register(ctx, a.cfg.WorkerID, a.cfg.SiteName, a.capabilities()); err != nil {
		// Registration retries implicitly through heartbeats; start
		// degraded rather than refusing to run while offline.
		a.log.Warn("initial registration failed, continuing offline", "error", err)
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.heartbeatLoop(ctx) })
	g.Go(func() error { return a.claimLoop(ctx) })
	g.Go(func() error { return a.replayLoop(ctx) })
	return g.Wait()
}

func (a *Agent) capabilities() []string {
	seen := map[string]struct{}{}
	var caps []string
	for _, scheme := range []string{execution.SchemeDocker, execution.SchemeProxmox} {
		if _, err := a.router.Resolve(scheme, execution.ActionCollectLogs); err == nil {
			if _, dup := seen[scheme]; !dup {
				seen[scheme] = struct{}{}
				caps = append(caps, scheme)
			}
		}
	}
	return caps
}

func (a *Agent) heartbeatLoop(ctx context.Context) error {
	ticker := time.NewTicker(a.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := a.cp.Heartbeat(ctx, a.cfg.WorkerID, a.cfg.SiteName, a.capabilities()); err != nil {
				a.log.Warn("heartbeat failed", "error", err)
			}
		}
	}
}

func (a *Agent) claimLoop(ctx context.Context) error {
	ticker := time.NewTicker(a.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			task, err := a.cp.Claim(ctx, a.cfg.WorkerID)
			if err != nil {
				a.log.Warn("claim failed", "error", err)
				continue
			}
			if task == nil {
				continue
			}
			a.handleTask(ctx, task)
		}
	}
}

// handleTask executes one claimed task and spools its result. The spool
// write happens before any delivery attempt; replayLoop owns delivery.
func (a *Agent) handleTask(ctx context.Context, task *datatypes.WorkerTask) {
	a.log.Info("task claimed",
		"task_id", task.TaskID, "task_type", task.TaskType, "attempt", task.Attempts)

	env := a.execute(ctx, task)
	if _, err := a.spool.Put(env); err != nil {
		a.log.Error("result spool write failed, result lost", "task_id", task.TaskID, "error", err)
	}
}

// execute runs the task through the local plugins and builds the result
// envelope. Execution errors become failed envelopes, never lost tasks.
func (a *Agent) execute(ctx context.Context, task *datatypes.WorkerTask) datatypes.ResultEnvelope {
	env := datatypes.ResultEnvelope{
		WorkerID:       a.cfg.WorkerID,
		SiteName:       a.cfg.SiteName,
		Timestamp:      time.Now().UTC(),
		PayloadType:    datatypes.PayloadExecutionResult,
		TaskID:         task.TaskID,
		IdempotencyKey: task.IdempotencyKey + ":result",
		Payload:        map[string]string{},
	}
	// Step references ride along so the control plane can resume the
	// owning plan without a task lookup.
	for _, key := range []string{"plan_id", "todo_id", "order"} {
		if v, ok := task.Payload[key]; ok {
			env.Payload[key] = v
		}
	}

	target, err := execution.ParseTarget(task.Payload["target"])
	if err != nil {
		env.Success = false
		env.Error = err.Error()
		return env
	}
	params := map[string]string{}
	for k, v := range task.Payload {
		if name, ok := strings.CutPrefix(k, "param."); ok {
			params[name] = v
		}
	}

	result, err := a.router.Dispatch(ctx, execution.Request{
		Action:     task.Payload["action"],
		Target:     target,
		Parameters: params,
	})
	if err != nil {
		env.Success = false
		env.Error = err.Error()
		return env
	}
	env.Success = true
	env.Payload["output"] = result.Output
	env.Payload["duration_ms"] = fmt.Sprintf("%d", result.Duration.Milliseconds())
	return env
}

func (a *Agent) replayLoop(ctx context.Context) error {
	ticker := time.NewTicker(a.cfg.ReplayInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			a.Flush(ctx)
		}
	}
}

// Flush delivers spooled results newest-first, stopping at the first
// delivery failure (the control plane is presumably unreachable; retry
// next tick).
func (a *Agent) Flush(ctx context.Context) {
	entries, err := a.spool.List()
	if err != nil {
		a.log.Warn("spool list failed", "error", err)
		return
	}
	for _, entry := range entries {
		if err := a.cp.SubmitResult(ctx, entry.Envelope); err != nil {
			a.log.Debug("result delivery failed, keeping spooled",
				"idempotency_key", entry.Envelope.IdempotencyKey, "error", err)
			return
		}
		if err := a.spool.Ack(entry.Name); err != nil {
			a.log.Warn("spool ack failed", "name", entry.Name, "error", err)
			return
		}
	}
}
