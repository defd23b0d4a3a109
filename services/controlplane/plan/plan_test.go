// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package plan

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianHaven/services/controlplane/audit"
	"github.com/AleutianAI/AleutianHaven/services/controlplane/datatypes"
	"github.com/AleutianAI/AleutianHaven/services/controlplane/execution"
	"github.com/AleutianAI/AleutianHaven/services/controlplane/policy"
	badgerstore "github.com/AleutianAI/AleutianHaven/services/controlplane/storage/badger"
)

type fixture struct {
	svc    *Service
	store  *badgerstore.Store
	mock   *execution.MockPlugin
	queued *fakeEnqueuer
}

type fakeEnqueuer struct {
	tasks []datatypes.WorkerTask
}

func (f *fakeEnqueuer) Enqueue(_ context.Context, task datatypes.WorkerTask) (*datatypes.WorkerTask, error) {
	f.tasks = append(f.tasks, task)
	task.TaskID = "task-" + task.IdempotencyKey
	return &task, nil
}

func newFixture(t *testing.T, mode ExecutionMode) *fixture {
	t.Helper()
	db, err := badgerstore.Open(badgerstore.InMemoryConfig())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	store := badgerstore.NewStore(db)

	engine, err := policy.NewEngine(policy.DefaultConfig(), store, nil)
	require.NoError(t, err)

	f := &fixture{
		store:  store,
		mock:   execution.NewMockPlugin(),
		queued: &fakeEnqueuer{},
	}
	deps := Deps{
		Policy:  engine,
		Plans:   store,
		Todos:   store,
		History: store,
		Ledger:  audit.NewLedger(store, nil),
		Mode:    mode,
	}
	switch mode {
	case ModeLocal:
		deps.Router = execution.NewRouter(time.Second, nil, f.mock)
	case ModeRemote:
		deps.Queue = f.queued
	}
	f.svc, err = NewService(deps)
	require.NoError(t, err)
	return f
}

func proposal(steps ...datatypes.PlanStep) *datatypes.PlanProposal {
	return &datatypes.PlanProposal{
		IncidentID: "inc-1",
		Title:      "restart the web stack",
		Steps:      steps,
	}
}

func step(order int, action, target string) datatypes.PlanStep {
	return datatypes.PlanStep{Order: order, Action: action, Target: target}
}

func TestPropose_PersistsPendingPlanAndTodos(t *testing.T) {
	f := newFixture(t, ModeLocal)
	ctx := context.Background()

	p, err := f.svc.Propose(ctx, proposal(
		step(0, execution.ActionStopContainer, "docker://web"),
		step(1, execution.ActionStartContainer, "docker://db"),
	))
	require.NoError(t, err)
	assert.Equal(t, datatypes.PlanPending, p.Status)
	require.NotEmpty(t, p.ID)

	todos, err := f.svc.Todos(ctx, p.ID)
	require.NoError(t, err)
	require.Len(t, todos, 2)
	for _, todo := range todos {
		assert.Equal(t, datatypes.StepPending, todo.Status)
		assert.Equal(t, p.ID, todo.PlanID)
	}
}

func TestPropose_PolicyViolationPersistsNothing(t *testing.T) {
	f := newFixture(t, ModeLocal)
	ctx := context.Background()

	_, err := f.svc.Propose(ctx, proposal(
		step(0, execution.ActionRestartContainer, "docker://truenas-core"),
	))
	var perr *PolicyError
	require.ErrorAs(t, err, &perr)
	require.NotEmpty(t, perr.Violations)
	assert.Equal(t, policy.RuleDenylist, perr.Violations[0].Rule)

	plans, err := f.svc.List(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, plans)
}

func TestPropose_SchemaValidationRejectsMissingTitle(t *testing.T) {
	f := newFixture(t, ModeLocal)
	p := proposal(step(0, execution.ActionCollectLogs, "docker://web"))
	p.Title = ""
	_, err := f.svc.Propose(context.Background(), p)
	assert.Error(t, err)
}

func TestPropose_SecondActivePlanForIncidentRejected(t *testing.T) {
	f := newFixture(t, ModeLocal)
	ctx := context.Background()

	_, err := f.svc.Propose(ctx, proposal(step(0, execution.ActionCollectLogs, "docker://web")))
	require.NoError(t, err)

	_, err = f.svc.Propose(ctx, proposal(step(0, execution.ActionCollectLogs, "docker://db")))
	assert.ErrorIs(t, err, ErrActivePlanExists)
}

func TestApprove_OnlyFromPending(t *testing.T) {
	f := newFixture(t, ModeLocal)
	ctx := context.Background()

	p, err := f.svc.Propose(ctx, proposal(step(0, execution.ActionCollectLogs, "docker://web")))
	require.NoError(t, err)

	approved, err := f.svc.Approve(ctx, p.ID, "alice")
	require.NoError(t, err)
	assert.Equal(t, datatypes.PlanApproved, approved.Status)
	assert.Equal(t, "alice", approved.Approver)

	_, err = f.svc.Approve(ctx, p.ID, "bob")
	assert.ErrorIs(t, err, ErrPlanNotActionable)
}

func TestApprove_RequiresApprover(t *testing.T) {
	f := newFixture(t, ModeLocal)
	_, err := f.svc.Approve(context.Background(), "whatever", "")
	assert.Error(t, err)
}

func TestApproveReject_ConcurrentSingleWinner(t *testing.T) {
	f := newFixture(t, ModeLocal)
	ctx := context.Background()

	p, err := f.svc.Propose(ctx, proposal(step(0, execution.ActionCollectLogs, "docker://web")))
	require.NoError(t, err)

	const racers = 8
	var wg sync.WaitGroup
	var mu sync.Mutex
	var winners []datatypes.PlanStatus
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			var err error
			var status datatypes.PlanStatus
			if n%2 == 0 {
				_, err = f.svc.Approve(ctx, p.ID, "alice")
				status = datatypes.PlanApproved
			} else {
				_, err = f.svc.Reject(ctx, p.ID, "bob", "superseded")
				status = datatypes.PlanRejected
			}
			if err != nil {
				assert.ErrorIs(t, err, ErrPlanNotActionable)
				return
			}
			mu.Lock()
			winners = append(winners, status)
			mu.Unlock()
		}(i)
	}
	wg.Wait()

	require.Len(t, winners, 1, "exactly one status change may land")
	final, err := f.svc.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, winners[0], final.Status)
}

func TestReject_IsTerminal(t *testing.T) {
	f := newFixture(t, ModeLocal)
	ctx := context.Background()

	p, err := f.svc.Propose(ctx, proposal(step(0, execution.ActionCollectLogs, "docker://web")))
	require.NoError(t, err)

	rejected, err := f.svc.Reject(ctx, p.ID, "alice", "not tonight")
	require.NoError(t, err)
	assert.Equal(t, datatypes.PlanRejected, rejected.Status)
	assert.True(t, rejected.Status.Terminal())

	_, err = f.svc.Approve(ctx, p.ID, "alice")
	assert.ErrorIs(t, err, ErrPlanNotActionable)
}

func TestExecute_LocalHappyPathRunsStepsInOrder(t *testing.T) {
	f := newFixture(t, ModeLocal)
	ctx := context.Background()

	p, err := f.svc.Propose(ctx, proposal(
		step(0, execution.ActionStopContainer, "docker://web"),
		step(1, execution.ActionStartContainer, "docker://db"),
	))
	require.NoError(t, err)
	_, err = f.svc.Approve(ctx, p.ID, "alice")
	require.NoError(t, err)

	done, err := f.svc.Execute(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, datatypes.PlanCompleted, done.Status)
	require.NotNil(t, done.CompletedAt)

	calls := f.mock.Calls()
	require.Len(t, calls, 2)
	assert.Equal(t, execution.ActionStopContainer, calls[0].Action)
	assert.Equal(t, execution.ActionStartContainer, calls[1].Action)

	todos, err := f.svc.Todos(ctx, p.ID)
	require.NoError(t, err)
	for _, todo := range todos {
		assert.Equal(t, datatypes.StepCompleted, todo.Status)
	}
}

func TestExecute_RequiresApprovedPlan(t *testing.T) {
	f := newFixture(t, ModeLocal)
	ctx := context.Background()

	p, err := f.svc.Propose(ctx, proposal(step(0, execution.ActionCollectLogs, "docker://web")))
	require.NoError(t, err)

	_, err = f.svc.Execute(ctx, p.ID)
	assert.ErrorIs(t, err, ErrPlanNotActionable)
}

func TestExecute_FirstFailureSkipsRemainingAndFailsPlan(t *testing.T) {
	f := newFixture(t, ModeLocal)
	f.mock.FailAction = execution.ActionStopContainer
	ctx := context.Background()

	p, err := f.svc.Propose(ctx, proposal(
		step(0, execution.ActionCollectLogs, "docker://web"),
		step(1, execution.ActionStopContainer, "docker://db"),
		step(2, execution.ActionStartContainer, "docker://cache"),
	))
	require.NoError(t, err)
	_, err = f.svc.Approve(ctx, p.ID, "alice")
	require.NoError(t, err)

	done, err := f.svc.Execute(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, datatypes.PlanFailed, done.Status)
	assert.NotEmpty(t, done.Error)

	todos, err := f.svc.Todos(ctx, p.ID)
	require.NoError(t, err)
	byOrder := map[int]datatypes.StepStatus{}
	for _, todo := range todos {
		byOrder[todo.Order] = todo.Status
	}
	assert.Equal(t, datatypes.StepCompleted, byOrder[0])
	assert.Equal(t, datatypes.StepFailed, byOrder[1])
	assert.Equal(t, datatypes.StepSkipped, byOrder[2])

	// Step 2 never reached the plugin.
	require.Len(t, f.mock.Calls(), 2)
}

func TestExecute_RejectedStepBlocksExecution(t *testing.T) {
	f := newFixture(t, ModeLocal)
	ctx := context.Background()

	p, err := f.svc.Propose(ctx, proposal(
		step(0, execution.ActionStopContainer, "docker://web"),
		step(1, execution.ActionStartContainer, "docker://db"),
	))
	require.NoError(t, err)

	todos, err := f.svc.Todos(ctx, p.ID)
	require.NoError(t, err)
	_, err = f.svc.RejectStep(ctx, todos[0].ID, "alice", "too risky")
	require.NoError(t, err)

	_, err = f.svc.Approve(ctx, p.ID, "alice")
	require.NoError(t, err)

	done, err := f.svc.Execute(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, datatypes.PlanFailed, done.Status)
	assert.Empty(t, f.mock.Calls(), "no step may run when the first is unapproved")
}

func TestExecute_RemoteEnqueuesOneStepAtATime(t *testing.T) {
	f := newFixture(t, ModeRemote)
	ctx := context.Background()

	p, err := f.svc.Propose(ctx, proposal(
		step(0, execution.ActionStopContainer, "docker://web"),
		step(1, execution.ActionStartContainer, "docker://web2"),
	))
	require.NoError(t, err)
	_, err = f.svc.Approve(ctx, p.ID, "alice")
	require.NoError(t, err)

	running, err := f.svc.Execute(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, datatypes.PlanExecuting, running.Status)
	require.Len(t, f.queued.tasks, 1)
	first := f.queued.tasks[0]
	assert.Equal(t, p.ID+":step:0", first.IdempotencyKey)

	// First result advances to the second step.
	err = f.svc.OnExecutionResult(ctx, datatypes.ResultEnvelope{
		WorkerID:    "w1",
		PayloadType: datatypes.PayloadExecutionResult,
		Timestamp:   time.Now().UTC(),
		Success:     true,
		Payload: map[string]string{
			"plan_id": first.Payload["plan_id"],
			"todo_id": first.Payload["todo_id"],
			"output":  "stopped",
		},
	})
	require.NoError(t, err)
	require.Len(t, f.queued.tasks, 2)
	second := f.queued.tasks[1]
	assert.Equal(t, p.ID+":step:1", second.IdempotencyKey)

	// Second result completes the plan.
	err = f.svc.OnExecutionResult(ctx, datatypes.ResultEnvelope{
		WorkerID:    "w1",
		PayloadType: datatypes.PayloadExecutionResult,
		Timestamp:   time.Now().UTC(),
		Success:     true,
		Payload: map[string]string{
			"plan_id": second.Payload["plan_id"],
			"todo_id": second.Payload["todo_id"],
		},
	})
	require.NoError(t, err)

	done, err := f.svc.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, datatypes.PlanCompleted, done.Status)
}

func TestOnExecutionResult_RedeliveredEnvelopeAppliesOnce(t *testing.T) {
	f := newFixture(t, ModeRemote)
	ctx := context.Background()

	p, err := f.svc.Propose(ctx, proposal(
		step(0, execution.ActionStopContainer, "docker://web"),
		step(1, execution.ActionStartContainer, "docker://web2"),
	))
	require.NoError(t, err)
	_, err = f.svc.Approve(ctx, p.ID, "alice")
	require.NoError(t, err)
	_, err = f.svc.Execute(ctx, p.ID)
	require.NoError(t, err)
	require.Len(t, f.queued.tasks, 1)
	first := f.queued.tasks[0]

	env := datatypes.ResultEnvelope{
		WorkerID:    "w1",
		PayloadType: datatypes.PayloadExecutionResult,
		Timestamp:   time.Now().UTC(),
		Success:     true,
		Payload: map[string]string{
			"plan_id": first.Payload["plan_id"],
			"todo_id": first.Payload["todo_id"],
			"output":  "stopped",
		},
	}
	require.NoError(t, f.svc.OnExecutionResult(ctx, env))
	require.Len(t, f.queued.tasks, 2)

	// The queue redelivers the same envelope after a transient consumer
	// failure. The completed step must not be re-recorded and the
	// in-flight second step must not be enqueued again.
	require.NoError(t, f.svc.OnExecutionResult(ctx, env))
	assert.Len(t, f.queued.tasks, 2)

	rows, err := f.store.ListHistoryByTarget(ctx, "docker://web", 10)
	require.NoError(t, err)
	assert.Len(t, rows, 1, "one history row per executed step")

	running, err := f.svc.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, datatypes.PlanExecuting, running.Status)
}

func TestOnExecutionResult_FailureFailsPlanAndSkipsRest(t *testing.T) {
	f := newFixture(t, ModeRemote)
	ctx := context.Background()

	p, err := f.svc.Propose(ctx, proposal(
		step(0, execution.ActionStopContainer, "docker://web"),
		step(1, execution.ActionStartContainer, "docker://web2"),
	))
	require.NoError(t, err)
	_, err = f.svc.Approve(ctx, p.ID, "alice")
	require.NoError(t, err)
	_, err = f.svc.Execute(ctx, p.ID)
	require.NoError(t, err)
	require.Len(t, f.queued.tasks, 1)
	first := f.queued.tasks[0]

	err = f.svc.OnExecutionResult(ctx, datatypes.ResultEnvelope{
		WorkerID:    "w1",
		PayloadType: datatypes.PayloadExecutionResult,
		Timestamp:   time.Now().UTC(),
		Success:     false,
		Error:       "container refused to stop",
		Payload: map[string]string{
			"plan_id": first.Payload["plan_id"],
			"todo_id": first.Payload["todo_id"],
		},
	})
	require.NoError(t, err)

	done, err := f.svc.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, datatypes.PlanFailed, done.Status)
	assert.Len(t, f.queued.tasks, 1, "no further step may be enqueued")

	todos, err := f.svc.Todos(ctx, p.ID)
	require.NoError(t, err)
	byOrder := map[int]datatypes.StepStatus{}
	for _, todo := range todos {
		byOrder[todo.Order] = todo.Status
	}
	assert.Equal(t, datatypes.StepFailed, byOrder[0])
	assert.Equal(t, datatypes.StepSkipped, byOrder[1])
}

func TestOnExecutionResult_StaleEnvelopeForTerminalPlanDropped(t *testing.T) {
	f := newFixture(t, ModeRemote)
	ctx := context.Background()

	p, err := f.svc.Propose(ctx, proposal(step(0, execution.ActionStopContainer, "docker://web")))
	require.NoError(t, err)
	rejected, err := f.svc.Reject(ctx, p.ID, "alice", "no")
	require.NoError(t, err)

	err = f.svc.OnExecutionResult(ctx, datatypes.ResultEnvelope{
		PayloadType: datatypes.PayloadExecutionResult,
		Success:     true,
		Payload:     map[string]string{"plan_id": rejected.ID, "todo_id": "bogus"},
	})
	require.NoError(t, err)

	after, err := f.svc.Get(ctx, rejected.ID)
	require.NoError(t, err)
	assert.Equal(t, datatypes.PlanRejected, after.Status)
}

func TestNewService_ModeDependencyChecks(t *testing.T) {
	db, err := badgerstore.Open(badgerstore.InMemoryConfig())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	store := badgerstore.NewStore(db)
	engine, err := policy.NewEngine(policy.DefaultConfig(), store, nil)
	require.NoError(t, err)

	base := Deps{Policy: engine, Plans: store, Todos: store, History: store}

	local := base
	local.Mode = ModeLocal
	_, err = NewService(local)
	assert.Error(t, err, "local mode without router must fail")

	remote := base
	remote.Mode = ModeRemote
	_, err = NewService(remote)
	assert.Error(t, err, "remote mode without queue must fail")

	bad := base
	bad.Mode = ExecutionMode("hybrid")
	_, err = NewService(bad)
	assert.Error(t, err)
}

// Duplicate-incident guard must not consider terminal plans active.
func TestPropose_AllowedAfterPriorPlanTerminal(t *testing.T) {
	f := newFixture(t, ModeLocal)
	ctx := context.Background()

	p, err := f.svc.Propose(ctx, proposal(step(0, execution.ActionCollectLogs, "docker://web")))
	require.NoError(t, err)
	_, err = f.svc.Reject(ctx, p.ID, "alice", "superseded")
	require.NoError(t, err)

	next, err := f.svc.Propose(ctx, proposal(step(0, execution.ActionCollectLogs, "docker://db")))
	require.NoError(t, err)
	assert.NotEqual(t, p.ID, next.ID)
}
