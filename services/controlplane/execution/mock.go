// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package execution

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Common remediation action types. The policy allow-list references these.
const (
	ActionRestartContainer = "restart_container"
	ActionStopContainer    = "stop_container"
	ActionStartContainer   = "start_container"
	ActionRebootVM         = "reboot_vm"
	ActionStartVM          = "start_vm"
	ActionStopVM           = "stop_vm"
	ActionCollectLogs      = "collect_logs"
)

// MockPlugin is the execution backend for the "mock" execution mode and
// for tests. It records every call and succeeds unless FailAction is set.
type MockPlugin struct {
	mu         sync.Mutex
	calls      []Request
	FailAction string
	Latency    time.Duration
}

// NewMockPlugin returns a mock backend covering both target schemes.
func NewMockPlugin() *MockPlugin { return &MockPlugin{} }

func (m *MockPlugin) ID() string { return "mock" }

func (m *MockPlugin) Schemes() []string { return []string{SchemeDocker, SchemeProxmox} }

func (m *MockPlugin) Actions() []string {
	return []string{
		ActionRestartContainer, ActionStopContainer, ActionStartContainer,
		ActionRebootVM, ActionStartVM, ActionStopVM, ActionCollectLogs,
	}
}

func (m *MockPlugin) ValidatePre(ctx context.Context, req Request) error { return ctx.Err() }

func (m *MockPlugin) Execute(ctx context.Context, req Request) (Result, error) {
	if m.Latency > 0 {
		select {
		case <-time.After(m.Latency):
		case <-ctx.Done():
			return Result{}, ctx.Err()
		}
	}
	m.mu.Lock()
	m.calls = append(m.calls, req)
	m.mu.Unlock()
	if m.FailAction != "" && m.FailAction == req.Action {
		return Result{}, fmt.Errorf("mock failure for action %s", req.Action)
	}
	return Result{
		Output:  fmt.Sprintf("mock %s on %s ok", req.Action, req.Target.Raw),
		Details: map[string]string{"mode": "mock"},
	}, nil
}

func (m *MockPlugin) ValidatePost(ctx context.Context, req Request) error { return ctx.Err() }

func (m *MockPlugin) Rollback(ctx context.Context, req Request) error { return ctx.Err() }

// Calls returns a copy of the recorded requests.
func (m *MockPlugin) Calls() []Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Request, len(m.calls))
	copy(out, m.calls)
	return out
}
