package server

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/leofalp/agentcanvas/core/schedule"
	"github.com/leofalp/agentcanvas/core/workflow"
)

type scheduleRequest struct {
	ID       string          `json:"id" binding:"required,max=128"`
	Cron     string          `json:"cron" binding:"required"`
	Timezone string          `json:"timezone"`
	Graph    *workflow.Graph `json:"graph" binding:"required"`
	Input    any             `json:"input"`
}

func (s *Server) createSchedule(c *gin.Context) {
	var request scheduleRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		abortWithStatus(c, http.StatusBadRequest, fmt.Errorf("invalid payload: %w", err))
		return
	}
	created, err := s.scheduler.Add(schedule.Schedule{
		ID:       request.ID,
		Cron:     request.Cron,
		Timezone: request.Timezone,
		Graph:    request.Graph,
		Input:    request.Input,
	})
	if err != nil {
		abort(c, err)
		return
	}
	c.Header("Location", "/v1/schedules/"+created.ID)
	c.JSON(http.StatusCreated, created)
}

func (s *Server) listSchedules(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"schedules": s.scheduler.List()})
}

func (s *Server) getSchedule(c *gin.Context) {
	found, err := s.scheduler.Get(c.Param("id"))
	if err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusOK, found)
}

func (s *Server) deleteSchedule(c *gin.Context) {
	if err := s.scheduler.Remove(c.Param("id")); err != nil {
		abort(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// fireSchedule runs a schedule now, outside its cron cadence.
func (s *Server) fireSchedule(c *gin.Context) {
	id, err := s.scheduler.Fire(c.Request.Context(), c.Param("id"))
	if err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusAccepted, runResponse{
		ExecutionID: id,
		EventsURL:   "/v1/executions/" + id + "/events",
	})
}
