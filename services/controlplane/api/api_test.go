// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianHaven/services/controlplane/audit"
	"github.com/AleutianAI/AleutianHaven/services/controlplane/datatypes"
	"github.com/AleutianAI/AleutianHaven/services/controlplane/execution"
	"github.com/AleutianAI/AleutianHaven/services/controlplane/loop"
	"github.com/AleutianAI/AleutianHaven/services/controlplane/plan"
	"github.com/AleutianAI/AleutianHaven/services/controlplane/policy"
	"github.com/AleutianAI/AleutianHaven/services/controlplane/queue"
	badgerstore "github.com/AleutianAI/AleutianHaven/services/controlplane/storage/badger"
)

func newTestServer(t *testing.T) (*gin.Engine, *badgerstore.Store) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db, err := badgerstore.Open(badgerstore.InMemoryConfig())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	store := badgerstore.NewStore(db)

	ledger := audit.NewLedger(store, nil)
	engine, err := policy.NewEngine(policy.DefaultConfig(), store, nil)
	require.NoError(t, err)
	q := queue.NewService(store, store, ledger, nil, nil)
	plans, err := plan.NewService(plan.Deps{
		Policy:  engine,
		Plans:   store,
		Todos:   store,
		History: store,
		Ledger:  ledger,
		Queue:   q,
		Mode:    plan.ModeRemote,
	})
	require.NoError(t, err)
	q.SetResultConsumer(plans)

	handlers := NewHandlers(plans, q, store, ledger, loop.NewPushObserver(0), nil)
	srv := NewServer(DefaultServerConfig(), handlers, prometheus.NewRegistry(), nil)
	return srv.Engine(), store
}

func doJSON(t *testing.T, engine *gin.Engine, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	engine.ServeHTTP(w, req)
	return w
}

func proposeBody() map[string]any {
	return map[string]any{
		"title": "restart web",
		"steps": []map[string]any{
			{"order": 0, "action": execution.ActionRestartContainer, "target": "docker://web"},
		},
	}
}

func TestProposeApproveExecuteFlow(t *testing.T) {
	engine, _ := newTestServer(t)

	w := doJSON(t, engine, http.MethodPost, "/v1/plans", proposeBody())
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var created datatypes.PlanProposal
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	assert.Equal(t, datatypes.PlanPending, created.Status)

	w = doJSON(t, engine, http.MethodPost, "/v1/plans/"+created.ID+"/approve", map[string]string{"approver": "alice"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = doJSON(t, engine, http.MethodPost, "/v1/plans/"+created.ID+"/execute", nil)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	var executing datatypes.PlanProposal
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &executing))
	assert.Equal(t, datatypes.PlanExecuting, executing.Status)
}

func TestProposePlan_PolicyViolationReturns422WithViolations(t *testing.T) {
	engine, _ := newTestServer(t)

	body := map[string]any{
		"title": "touch the NAS",
		"steps": []map[string]any{
			{"order": 0, "action": execution.ActionRestartContainer, "target": "docker://truenas-core"},
		},
	}
	w := doJSON(t, engine, http.MethodPost, "/v1/plans", body)
	require.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.Contains(t, w.Body.String(), "DENYLIST")
}

func TestApprovePlan_WrongStateReturnsConflict(t *testing.T) {
	engine, _ := newTestServer(t)

	w := doJSON(t, engine, http.MethodPost, "/v1/plans", proposeBody())
	require.Equal(t, http.StatusCreated, w.Code)
	var created datatypes.PlanProposal
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))

	doJSON(t, engine, http.MethodPost, "/v1/plans/"+created.ID+"/approve", map[string]string{"approver": "alice"})
	w = doJSON(t, engine, http.MethodPost, "/v1/plans/"+created.ID+"/approve", map[string]string{"approver": "bob"})
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestGetPlan_UnknownIDReturns404(t *testing.T) {
	engine, _ := newTestServer(t)
	w := doJSON(t, engine, http.MethodGet, "/v1/plans/nope", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestWorkerProtocol_RegisterClaimSubmit(t *testing.T) {
	engine, _ := newTestServer(t)

	w := doJSON(t, engine, http.MethodPost, "/v1/worker/register", map[string]any{
		"worker_id": "w1", "site_name": "cabin", "capabilities": []string{"docker"},
	})
	require.Equal(t, http.StatusOK, w.Code)

	// Empty queue claims 204.
	w = doJSON(t, engine, http.MethodPost, "/v1/worker/claim", map[string]string{"worker_id": "w1"})
	require.Equal(t, http.StatusNoContent, w.Code)

	// Propose, approve, and execute to enqueue the first step.
	w = doJSON(t, engine, http.MethodPost, "/v1/plans", proposeBody())
	require.Equal(t, http.StatusCreated, w.Code)
	var created datatypes.PlanProposal
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	doJSON(t, engine, http.MethodPost, "/v1/plans/"+created.ID+"/approve", map[string]string{"approver": "alice"})
	w = doJSON(t, engine, http.MethodPost, "/v1/plans/"+created.ID+"/execute", nil)
	require.Equal(t, http.StatusAccepted, w.Code)

	w = doJSON(t, engine, http.MethodPost, "/v1/worker/claim", map[string]string{"worker_id": "w1"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var task datatypes.WorkerTask
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &task))
	assert.Equal(t, queue.TaskTypeExecuteStep, task.TaskType)

	env := map[string]any{
		"worker_id":       "w1",
		"payload_type":    string(datatypes.PayloadExecutionResult),
		"task_id":         task.TaskID,
		"idempotency_key": task.IdempotencyKey + ":result",
		"success":         true,
		"timestamp":       time.Now().UTC().Format(time.RFC3339Nano),
		"payload": map[string]string{
			"plan_id": task.Payload["plan_id"],
			"todo_id": task.Payload["todo_id"],
			"output":  "restarted",
		},
	}
	w = doJSON(t, engine, http.MethodPost, "/v1/worker/results", env)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	// Duplicate submission is acknowledged identically.
	w = doJSON(t, engine, http.MethodPost, "/v1/worker/results", env)
	require.Equal(t, http.StatusOK, w.Code)

	// Single-step plan is now complete.
	w = doJSON(t, engine, http.MethodGet, "/v1/plans/"+created.ID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var done datatypes.PlanProposal
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &done))
	assert.Equal(t, datatypes.PlanCompleted, done.Status)
}

func TestEnqueueAdHocTask(t *testing.T) {
	engine, _ := newTestServer(t)

	body := map[string]any{
		"task_type":       "collect_logs",
		"idempotency_key": "logs:web:2026-08-29",
		"payload":         map[string]string{"target": "docker://web"},
	}
	w := doJSON(t, engine, http.MethodPost, "/v1/worker/tasks", body)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var created datatypes.WorkerTask
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	assert.NotEmpty(t, created.TaskID)

	// Same idempotency key resolves to the same task.
	w = doJSON(t, engine, http.MethodPost, "/v1/worker/tasks", body)
	require.Equal(t, http.StatusCreated, w.Code)
	var dup datatypes.WorkerTask
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &dup))
	assert.Equal(t, created.TaskID, dup.TaskID)

	// Missing required fields rejected.
	w = doJSON(t, engine, http.MethodPost, "/v1/worker/tasks", map[string]any{"task_type": "collect_logs"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestReportObservations(t *testing.T) {
	engine, _ := newTestServer(t)

	w := doJSON(t, engine, http.MethodPost, "/v1/observations", map[string]any{
		"observations": []map[string]any{
			{"resource": "docker://web", "healthy": false, "symptoms": []string{"container exited"}},
			{"healthy": false}, // no resource, silently skipped
		},
	})
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), `"accepted":1`)

	w = doJSON(t, engine, http.MethodPost, "/v1/observations", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAuditVerifyEndpoint(t *testing.T) {
	engine, _ := newTestServer(t)

	w := doJSON(t, engine, http.MethodPost, "/v1/plans", proposeBody())
	require.Equal(t, http.StatusCreated, w.Code)

	w = doJSON(t, engine, http.MethodGet, "/v1/audit/verify", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var res audit.VerifyResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	assert.True(t, res.Valid)
	assert.Greater(t, res.EntriesChecked, 0)
}

func TestMetricsEndpointExposed(t *testing.T) {
	engine, _ := newTestServer(t)
	w := doJSON(t, engine, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestHealthEndpoint(t *testing.T) {
	engine, _ := newTestServer(t)
	w := doJSON(t, engine, http.MethodGet, "/v1/health", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "ok")
}

func TestListIncidentsEmpty(t *testing.T) {
	engine, store := newTestServer(t)
	w := doJSON(t, engine, http.MethodGet, "/v1/incidents", nil)
	require.Equal(t, http.StatusOK, w.Code)

	// Seed one and list again.
	require.NoError(t, store.PutIncident(t.Context(), &datatypes.Incident{
		ID:        "inc-1",
		Status:    datatypes.IncidentOpen,
		Severity:  datatypes.SeverityHigh,
		Resources: []string{"docker://web"},
	}))
	w = doJSON(t, engine, http.MethodGet, fmt.Sprintf("/v1/incidents?status=%s", datatypes.IncidentOpen), nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "inc-1")
}
