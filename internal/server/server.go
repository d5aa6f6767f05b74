package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/leofalp/agentcanvas/core/engine"
	"github.com/leofalp/agentcanvas/core/presence"
	"github.com/leofalp/agentcanvas/core/schedule"
	"github.com/leofalp/agentcanvas/providers/observability"
)

const (
	DefaultAddr            = ":8080"
	DefaultShutdownTimeout = 15 * time.Second

	// DefaultKeepalive is the interval of SSE comments and WebSocket pings
	// on otherwise idle streams.
	DefaultKeepalive = 15 * time.Second
)

// Option configures a Server.
type Option func(*Server)

// WithAddr sets the listen address used by ListenAndServe.
func WithAddr(addr string) Option {
	return func(s *Server) {
		if addr != "" {
			s.addr = addr
		}
	}
}

// WithCORSOrigins allows browser requests from origins. An empty list or
// "*" allows every origin.
func WithCORSOrigins(origins []string) Option {
	return func(s *Server) { s.corsOrigins = origins }
}

// WithPresence mounts the presence routes.
func WithPresence(service *presence.Service) Option {
	return func(s *Server) { s.presence = service }
}

// WithScheduler mounts the schedule routes.
func WithScheduler(scheduler *schedule.Scheduler) Option {
	return func(s *Server) { s.scheduler = scheduler }
}

// WithObserver logs requests and records HTTP metrics.
func WithObserver(observer observability.Provider) Option {
	return func(s *Server) { s.observer = observer }
}

// WithMetricsHandler serves handler at /metrics instead of the default
// Prometheus registry.
func WithMetricsHandler(handler http.Handler) Option {
	return func(s *Server) { s.metrics = handler }
}

// WithKeepalive sets the idle interval of streaming connections.
func WithKeepalive(interval time.Duration) Option {
	return func(s *Server) {
		if interval > 0 {
			s.keepalive = interval
		}
	}
}

// WithShutdownTimeout bounds Shutdown when the caller's context has no
// deadline.
func WithShutdownTimeout(timeout time.Duration) Option {
	return func(s *Server) {
		if timeout > 0 {
			s.shutdownTimeout = timeout
		}
	}
}

// Server is the HTTP API.
type Server struct {
	engine    *engine.Engine
	presence  *presence.Service
	scheduler *schedule.Scheduler
	observer  observability.Provider

	addr            string
	corsOrigins     []string
	metrics         http.Handler
	keepalive       time.Duration
	shutdownTimeout time.Duration

	router     *gin.Engine
	upgrader   websocket.Upgrader
	httpServer *http.Server
}

// New builds the router for runner. Presence and schedule routes are only
// mounted when their services are configured.
func New(runner *engine.Engine, opts ...Option) *Server {
	s := &Server{
		engine:          runner,
		addr:            DefaultAddr,
		metrics:         promhttp.Handler(),
		keepalive:       DefaultKeepalive,
		shutdownTimeout: DefaultShutdownTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.allowOrigin,
	}
	s.router = s.routes()
	return s
}

// Handler returns the router, for tests and for embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(s.observe())
	router.Use(cors.New(s.corsConfig()))

	router.GET("/healthz", s.health)
	router.GET("/metrics", gin.WrapH(s.metrics))

	v1 := router.Group("/v1")
	{
		v1.POST("/workflows/validate", s.validateWorkflow)

		executions := v1.Group("/executions")
		executions.POST("", s.createExecution)
		executions.GET("", s.listExecutions)
		executions.GET("/:id", s.getExecution)
		executions.POST("/:id/cancel", s.cancelExecution)
		executions.GET("/:id/events", s.streamEvents)
		executions.GET("/:id/ws", s.streamEventsWS)

		if s.presence != nil {
			sessions := v1.Group("/sessions/:session")
			sessions.GET("/presence", s.listPresence)
			sessions.GET("/ws", s.presenceWS)
		}

		if s.scheduler != nil {
			schedules := v1.Group("/schedules")
			schedules.POST("", s.createSchedule)
			schedules.GET("", s.listSchedules)
			schedules.GET("/:id", s.getSchedule)
			schedules.DELETE("/:id", s.deleteSchedule)
			schedules.POST("/:id/fire", s.fireSchedule)
		}
	}
	return router
}

func (s *Server) corsConfig() cors.Config {
	config := cors.DefaultConfig()
	config.AllowHeaders = append(config.AllowHeaders, "Authorization", "Last-Event-ID")
	config.ExposeHeaders = []string{"Content-Length"}
	if allowsAny(s.corsOrigins) {
		config.AllowAllOrigins = true
	} else {
		config.AllowOrigins = s.corsOrigins
	}
	return config
}

func (s *Server) allowOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || allowsAny(s.corsOrigins) {
		return true
	}
	for _, allowed := range s.corsOrigins {
		if allowed == origin {
			return true
		}
	}
	return false
}

func allowsAny(origins []string) bool {
	if len(origins) == 0 {
		return true
	}
	for _, origin := range origins {
		if origin == "*" {
			return true
		}
	}
	return false
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "time": time.Now().UTC()})
}

// ListenAndServe serves on the configured address until Shutdown.
func (s *Server) ListenAndServe() error {
	s.httpServer = &http.Server{
		Addr:              s.addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	if s.observer != nil {
		s.observer.Info(context.Background(), "http server listening", observability.String("http.addr", s.addr))
	}
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server: listen: %w", err)
	}
	return nil
}

// Shutdown stops accepting connections and waits for in-flight requests.
// Open event streams end when the engine closes their channels.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.shutdownTimeout)
		defer cancel()
	}
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}
