// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package api

import (
	"github.com/gin-gonic/gin"
)

// RegisterRoutes registers all control-plane routes with the router group.
//
// Endpoints:
//
//	POST   /v1/plans                 - Propose a plan (policy-gated)
//	GET    /v1/plans                 - List plans (?status=)
//	GET    /v1/plans/:id             - Get one plan
//	POST   /v1/plans/:id/approve     - Approve a pending plan
//	POST   /v1/plans/:id/reject      - Reject a pending plan
//	POST   /v1/plans/:id/execute     - Execute an approved plan
//	GET    /v1/plans/:id/todos       - List the plan's approval units
//	POST   /v1/todos/:id/reject      - Reject one todo step
//	GET    /v1/incidents             - List incidents (?status=)
//	POST   /v1/observations          - Push health observations
//	POST   /v1/worker/register       - Register a worker
//	POST   /v1/worker/heartbeat      - Refresh worker liveness
//	POST   /v1/worker/tasks          - Enqueue an ad-hoc task
//	POST   /v1/worker/claim          - Claim the next task (204 when idle)
//	POST   /v1/worker/results        - Submit a result envelope
//	GET    /v1/workers               - List registered workers
//	GET    /v1/audit                 - Page audit entries (?from=&limit=)
//	GET    /v1/audit/verify          - Verify the hash chain
//	GET    /v1/health                - Liveness check
func RegisterRoutes(rg *gin.RouterGroup, handlers *Handlers) {
	plans := rg.Group("/plans")
	{
		plans.POST("", handlers.HandleProposePlan)
		plans.GET("", handlers.HandleListPlans)
		plans.GET("/:id", handlers.HandleGetPlan)
		plans.POST("/:id/approve", handlers.HandleApprovePlan)
		plans.POST("/:id/reject", handlers.HandleRejectPlan)
		plans.POST("/:id/execute", handlers.HandleExecutePlan)
		plans.GET("/:id/todos", handlers.HandleListTodos)
	}

	rg.POST("/todos/:id/reject", handlers.HandleRejectTodo)
	rg.GET("/incidents", handlers.HandleListIncidents)
	rg.POST("/observations", handlers.HandleReportObservations)

	worker := rg.Group("/worker")
	{
		worker.POST("/register", handlers.HandleRegisterWorker)
		worker.POST("/heartbeat", handlers.HandleHeartbeat)
		worker.POST("/tasks", handlers.HandleEnqueueTask)
		worker.POST("/claim", handlers.HandleClaimTask)
		worker.POST("/results", handlers.HandleSubmitResult)
	}
	rg.GET("/workers", handlers.HandleListWorkers)

	auditGroup := rg.Group("/audit")
	{
		auditGroup.GET("", handlers.HandleListAudit)
		auditGroup.GET("/verify", handlers.HandleVerifyAudit)
	}

	rg.GET("/health", handlers.HandleHealth)
}
