package server

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/leofalp/agentcanvas/core/engine"
	"github.com/leofalp/agentcanvas/core/workflow"
)

// runRequest starts an execution.
type runRequest struct {
	Graph *workflow.Graph `json:"graph" binding:"required"`
	Input any             `json:"input"`

	// TimeoutSeconds overrides the engine's execution timeout.
	TimeoutSeconds int `json:"timeout_seconds" binding:"gte=0,lte=86400"`
}

type runResponse struct {
	ExecutionID string `json:"execution_id"`
	EventsURL   string `json:"events_url"`
}

type listQuery struct {
	Status string `form:"status" binding:"omitempty,oneof=pending running completed failed cancelled"`
	Limit  int    `form:"limit" binding:"gte=0,lte=1000"`
}

// snapshotResponse pairs an execution with the seq of the last event it
// reflects. Clients resume the event stream after LastSeq.
type snapshotResponse struct {
	Execution engine.Execution `json:"execution"`
	LastSeq   uint64           `json:"last_seq"`
}

func (s *Server) validateWorkflow(c *gin.Context) {
	var graph workflow.Graph
	if err := c.ShouldBindJSON(&graph); err != nil {
		abortWithStatus(c, http.StatusBadRequest, fmt.Errorf("invalid graph document: %w", err))
		return
	}
	plan, err := workflow.NewPlan(&graph)
	if err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"valid": true, "order": plan.Order, "levels": plan.Levels})
}

func (s *Server) createExecution(c *gin.Context) {
	var request runRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		abortWithStatus(c, http.StatusBadRequest, fmt.Errorf("invalid payload: %w", err))
		return
	}

	opts := []engine.RunOption{engine.WithTrigger("api")}
	if request.TimeoutSeconds > 0 {
		opts = append(opts, engine.WithRunTimeout(time.Duration(request.TimeoutSeconds)*time.Second))
	}
	id, err := s.engine.Run(c.Request.Context(), request.Graph, request.Input, opts...)
	if err != nil {
		abort(c, err)
		return
	}

	c.Header("Location", "/v1/executions/"+id)
	c.JSON(http.StatusAccepted, runResponse{
		ExecutionID: id,
		EventsURL:   "/v1/executions/" + id + "/events",
	})
}

func (s *Server) listExecutions(c *gin.Context) {
	var query listQuery
	if err := c.ShouldBindQuery(&query); err != nil {
		abortWithStatus(c, http.StatusBadRequest, fmt.Errorf("invalid query: %w", err))
		return
	}
	executions, err := s.engine.List(c.Request.Context(), engine.ListFilter{
		Status: engine.ExecutionStatus(query.Status),
		Limit:  query.Limit,
	})
	if err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"executions": executions})
}

func (s *Server) getExecution(c *gin.Context) {
	execution, lastSeq, err := s.engine.Snapshot(c.Request.Context(), c.Param("id"))
	if err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusOK, snapshotResponse{Execution: execution, LastSeq: lastSeq})
}

// cancelExecution is idempotent: cancelling a finished execution reports
// its current status.
func (s *Server) cancelExecution(c *gin.Context) {
	ctx := c.Request.Context()
	id := c.Param("id")
	if err := s.engine.Cancel(ctx, id); err != nil {
		abort(c, err)
		return
	}
	execution, err := s.engine.Get(ctx, id)
	if err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"execution_id": id, "status": execution.Status})
}
