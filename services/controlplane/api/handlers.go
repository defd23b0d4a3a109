// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package api is the HTTP surface of the Haven control plane: the plan
// approval workflow for humans and the task protocol for remote workers.
//
// Handlers are thin; all semantics live in the plan, queue, and audit
// services. The only logic here is request binding and error mapping.
package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/AleutianHaven/pkg/logging"
	"github.com/AleutianAI/AleutianHaven/services/controlplane/audit"
	"github.com/AleutianAI/AleutianHaven/services/controlplane/datatypes"
	"github.com/AleutianAI/AleutianHaven/services/controlplane/plan"
	"github.com/AleutianAI/AleutianHaven/services/controlplane/queue"
	"github.com/AleutianAI/AleutianHaven/services/controlplane/storage"
)

// ObservationSink receives pushed health observations. The detection
// loop's push observer implements it.
type ObservationSink interface {
	Report(obs datatypes.Observation)
}

// Handlers binds HTTP requests to the control-plane services.
type Handlers struct {
	plans        *plan.Service
	queue        *queue.Service
	incidents    storage.IncidentStore
	ledger       *audit.Ledger
	observations ObservationSink
	log          *logging.Logger
}

// NewHandlers creates the handler set. observations may be nil when no
// push ingestion is wired; the endpoint then rejects reports.
func NewHandlers(plans *plan.Service, q *queue.Service, incidents storage.IncidentStore, ledger *audit.Ledger, observations ObservationSink, log *logging.Logger) *Handlers {
	if log == nil {
		log = logging.Default()
	}
	return &Handlers{plans: plans, queue: q, incidents: incidents, ledger: ledger, observations: observations, log: log}
}

type workerRequest struct {
	WorkerID     string   `json:"worker_id" binding:"required"`
	SiteName     string   `json:"site_name"`
	Capabilities []string `json:"capabilities"`
}

type approvalRequest struct {
	Approver string `json:"approver" binding:"required"`
	Reason   string `json:"reason"`
}

// HandleProposePlan accepts a plan proposal and runs it through the full
// validation path. Policy violations come back as 422 with the complete
// violation list.
func (h *Handlers) HandleProposePlan(c *gin.Context) {
	var proposal datatypes.PlanProposal
	if err := c.ShouldBindJSON(&proposal); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	stored, err := h.plans.Propose(c.Request.Context(), &proposal)
	if err != nil {
		var perr *plan.PolicyError
		if errors.As(err, &perr) {
			c.JSON(http.StatusUnprocessableEntity, gin.H{
				"error":      "plan blocked by policy",
				"violations": perr.Violations,
			})
			return
		}
		if errors.Is(err, plan.ErrActivePlanExists) {
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, stored)
}

func (h *Handlers) HandleGetPlan(c *gin.Context) {
	p, err := h.plans.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

func (h *Handlers) HandleListPlans(c *gin.Context) {
	status := datatypes.PlanStatus(c.Query("status"))
	plans, err := h.plans.List(c.Request.Context(), status)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"plans": plans})
}

func (h *Handlers) HandleApprovePlan(c *gin.Context) {
	var req approvalRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	p, err := h.plans.Approve(c.Request.Context(), c.Param("id"), req.Approver)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

func (h *Handlers) HandleRejectPlan(c *gin.Context) {
	var req approvalRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	p, err := h.plans.Reject(c.Request.Context(), c.Param("id"), req.Approver, req.Reason)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

func (h *Handlers) HandleExecutePlan(c *gin.Context) {
	p, err := h.plans.Execute(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, p)
}

func (h *Handlers) HandleListTodos(c *gin.Context) {
	todos, err := h.plans.Todos(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"todos": todos})
}

func (h *Handlers) HandleRejectTodo(c *gin.Context) {
	var req approvalRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	todo, err := h.plans.RejectStep(c.Request.Context(), c.Param("id"), req.Approver, req.Reason)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, todo)
}

func (h *Handlers) HandleListIncidents(c *gin.Context) {
	status := datatypes.IncidentStatus(c.Query("status"))
	incidents, err := h.incidents.ListIncidents(c.Request.Context(), status)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"incidents": incidents})
}

// HandleReportObservations ingests pushed health observations from
// external monitors. The detection loop picks them up on its next tick;
// 202 means accepted for processing, not that an incident was opened.
func (h *Handlers) HandleReportObservations(c *gin.Context) {
	if h.observations == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "observation ingestion is not enabled"})
		return
	}
	var req struct {
		Observations []datatypes.Observation `json:"observations" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	accepted := 0
	for _, obs := range req.Observations {
		if obs.Resource == "" {
			continue
		}
		h.observations.Report(obs)
		accepted++
	}
	c.JSON(http.StatusAccepted, gin.H{"accepted": accepted})
}

// HandleRegisterWorker registers or refreshes a worker. Idempotent.
func (h *Handlers) HandleRegisterWorker(c *gin.Context) {
	var req workerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	info, err := h.queue.Register(c.Request.Context(), req.WorkerID, req.SiteName, req.Capabilities)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, info)
}

func (h *Handlers) HandleHeartbeat(c *gin.Context) {
	var req workerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	info, err := h.queue.Heartbeat(c.Request.Context(), req.WorkerID, req.SiteName, req.Capabilities)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, info)
}

// HandleEnqueueTask enqueues an ad-hoc worker task (log collection,
// fact gathering). Plan execution steps are enqueued by the executor,
// not through this endpoint. Duplicate idempotency keys return the
// existing task.
func (h *Handlers) HandleEnqueueTask(c *gin.Context) {
	var task datatypes.WorkerTask
	if err := c.ShouldBindJSON(&task); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if task.TaskType == "" || task.IdempotencyKey == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "task_type and idempotency_key are required"})
		return
	}
	stored, err := h.queue.Enqueue(c.Request.Context(), task)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, stored)
}

// HandleClaimTask pops the next task for the worker. 204 means nothing
// is claimable right now; workers poll.
func (h *Handlers) HandleClaimTask(c *gin.Context) {
	var req workerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	task, err := h.queue.Claim(c.Request.Context(), req.WorkerID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	if task == nil {
		c.Status(http.StatusNoContent)
		return
	}
	c.JSON(http.StatusOK, task)
}

// HandleSubmitResult accepts a result envelope. Duplicates are
// acknowledged with 200 exactly like first delivery; the worker cannot
// tell and does not need to.
func (h *Handlers) HandleSubmitResult(c *gin.Context) {
	var env datatypes.ResultEnvelope
	if err := c.ShouldBindJSON(&env); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := h.queue.SubmitResult(c.Request.Context(), env); err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"accepted": true})
}

func (h *Handlers) HandleListWorkers(c *gin.Context) {
	workers, err := h.queue.ListWorkers(c.Request.Context())
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"workers": workers})
}

// HandleListAudit pages through the audit chain.
func (h *Handlers) HandleListAudit(c *gin.Context) {
	fromSeq, _ := strconv.ParseUint(c.DefaultQuery("from", "0"), 10, 64)
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
	entries, err := h.ledger.List(c.Request.Context(), fromSeq, limit)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries})
}

// HandleVerifyAudit walks the chain. A broken chain is 200 with
// valid=false: verification worked, the ledger did not.
func (h *Handlers) HandleVerifyAudit(c *gin.Context) {
	res, err := h.ledger.VerifyChain(c.Request.Context(), 0)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *Handlers) HandleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// writeError maps service errors to status codes.
func (h *Handlers) writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, plan.ErrPlanNotActionable), errors.Is(err, storage.ErrInvalidTransition):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	default:
		h.log.Error("request failed", "path", c.FullPath(), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}
