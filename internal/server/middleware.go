package server

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/leofalp/agentcanvas/core/engine"
	"github.com/leofalp/agentcanvas/core/presence"
	"github.com/leofalp/agentcanvas/core/schedule"
	"github.com/leofalp/agentcanvas/core/workflow"
	"github.com/leofalp/agentcanvas/providers/observability"
)

// observe logs each request and records the HTTP metrics. The route
// template, not the raw path, labels the metrics.
func (s *Server) observe() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.observer == nil {
			c.Next()
			return
		}
		started := time.Now()
		ctx := observability.ContextWithObserver(c.Request.Context(), s.observer)
		c.Request = c.Request.WithContext(ctx)

		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		status := c.Writer.Status()
		elapsed := time.Since(started)

		s.observer.Counter(observability.MetricHTTPRequests).Add(ctx, 1,
			observability.String(observability.AttrHTTPMethod, c.Request.Method),
			observability.String(observability.AttrHTTPRoute, route),
			observability.String(observability.AttrHTTPStatusCode, strconv.Itoa(status)),
		)
		s.observer.Histogram(observability.MetricHTTPDuration).Record(ctx, elapsed.Seconds(),
			observability.String(observability.AttrHTTPMethod, c.Request.Method),
			observability.String(observability.AttrHTTPRoute, route),
		)

		attrs := []observability.Attribute{
			observability.String(observability.AttrHTTPMethod, c.Request.Method),
			observability.String(observability.AttrHTTPRoute, route),
			observability.Int(observability.AttrHTTPStatusCode, status),
			observability.Duration("http.duration", elapsed),
		}
		if len(c.Errors) > 0 {
			attrs = append(attrs, observability.String(observability.AttrError, c.Errors.String()))
		}
		switch {
		case status >= http.StatusInternalServerError:
			s.observer.Error(ctx, "http request failed", attrs...)
		case route == "/healthz" || route == "/metrics":
			s.observer.Trace(ctx, "http request", attrs...)
		default:
			s.observer.Debug(ctx, "http request", attrs...)
		}
	}
}

// errorBody is the JSON shape of every error response.
type errorBody struct {
	Error      string                         `json:"error"`
	Validation *workflow.GraphValidationError `json:"validation,omitempty"`
}

// statusOf maps domain errors to HTTP status codes.
func statusOf(err error) int {
	var validation *workflow.GraphValidationError
	switch {
	case errors.As(err, &validation):
		return http.StatusUnprocessableEntity
	case errors.Is(err, engine.ErrExecutionNotFound),
		errors.Is(err, schedule.ErrScheduleNotFound),
		errors.Is(err, presence.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, schedule.ErrScheduleExists):
		return http.StatusConflict
	case errors.Is(err, schedule.ErrInvalidSchedule),
		errors.Is(err, workflow.ErrInvalidNodeData),
		errors.Is(err, presence.ErrInvalidSession):
		return http.StatusBadRequest
	case errors.Is(err, engine.ErrEngineClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// abort writes err as a JSON error response with the status it maps to.
func abort(c *gin.Context, err error) {
	abortWithStatus(c, statusOf(err), err)
}

func abortWithStatus(c *gin.Context, status int, err error) {
	body := errorBody{Error: err.Error()}
	var validation *workflow.GraphValidationError
	if errors.As(err, &validation) {
		body.Validation = validation
	}
	_ = c.Error(err)
	c.AbortWithStatusJSON(status, body)
}
