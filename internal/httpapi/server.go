// Package httpapi serves the read-only HTTP API and the websocket event
// feed. Mutations go through the MCP tool surface; this API exists for
// dashboards and operators watching the hive.
package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/taskhive/taskhive/internal/agent"
	"github.com/taskhive/taskhive/internal/common/httpmw"
	"github.com/taskhive/taskhive/internal/common/logger"
	"github.com/taskhive/taskhive/internal/memory"
	"github.com/taskhive/taskhive/internal/notify"
	"github.com/taskhive/taskhive/internal/storage"
	"github.com/taskhive/taskhive/internal/workitem"
	v1 "github.com/taskhive/taskhive/pkg/api/v1"
)

// Config holds the HTTP server configuration.
type Config struct {
	Host         string
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// Services bundles what the handlers read from.
type Services struct {
	Store     *storage.Store
	WorkItems *workitem.Service
	Agents    *agent.Service
	Memory    *memory.Service
	Tasks     *notify.TaskNotifier
	AgentBus  *notify.AgentNotifier
}

// Server is the HTTP API server.
type Server struct {
	cfg        Config
	services   Services
	engine     *gin.Engine
	httpServer *http.Server
	log        *logger.Logger
}

// New creates the server and registers all routes.
func New(cfg Config, services Services, log *logger.Logger) *Server {
	if log == nil {
		log = logger.Default()
	}
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(httpmw.OtelTracing("taskhive-http"))

	s := &Server{
		cfg:      cfg,
		services: services,
		engine:   engine,
		log:      log,
	}
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	api := s.engine.Group("/api/v1")
	{
		api.GET("/health", s.health)
		api.GET("/tasks", s.listTasks)
		api.GET("/tasks/:id", s.getTask)
		api.GET("/tasks/stats", s.taskStats)
		api.GET("/agents", s.listAgents)
		api.GET("/agents/:id", s.getAgent)
		api.GET("/memory", s.listMemory)
		api.GET("/audit", s.listAudit)
	}
	s.engine.GET("/ws/events", s.eventsWebsocket)
}

// Start begins serving and returns once the listener is up.
func (s *Server) Start(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port),
		Handler:      s.engine,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server failed to start: %w", err)
	case <-time.After(100 * time.Millisecond):
		s.log.Info("HTTP API listening",
			zap.String("addr", s.httpServer.Addr))
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop gracefully shuts the server down.
func (s *Server) Stop(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.engine
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) listTasks(c *gin.Context) {
	filter := storage.WorkItemFilter{
		PersonaID: c.Query("persona"),
		AgentID:   c.Query("agent"),
	}
	if raw := c.Query("status"); raw != "" {
		status, err := v1.ParseWorkItemStatus(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		filter.Statuses = []v1.WorkItemStatus{status}
	}

	items, err := s.services.WorkItems.List(c.Request.Context(), filter)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"tasks": items})
}

func (s *Server) getTask(c *gin.Context) {
	item, err := s.services.WorkItems.Get(c.Request.Context(), c.Param("id"))
	if errors.Is(err, storage.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": fmt.Sprintf("Task not found: %s", c.Param("id"))})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, item)
}

func (s *Server) taskStats(c *gin.Context) {
	counts, err := s.services.WorkItems.Counts(c.Request.Context(), c.Query("persona"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"counts": counts})
}

func (s *Server) listAgents(c *gin.Context) {
	agents, err := s.services.Agents.List(c.Request.Context(), c.Query("persona"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"agents": agents})
}

func (s *Server) getAgent(c *gin.Context) {
	a, err := s.services.Agents.Get(c.Request.Context(), c.Param("id"))
	if errors.Is(err, storage.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": fmt.Sprintf("Agent not found: %s", c.Param("id"))})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, a)
}

func (s *Server) listMemory(c *gin.Context) {
	entries, err := s.services.Memory.List(c.Request.Context(), c.Query("namespace"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries})
}

func (s *Server) listAudit(c *gin.Context) {
	limit := 100
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
			return
		}
		limit = n
	}

	ctx, scope, err := s.services.Store.ReadScope(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	defer scope.Close()

	recs, err := scope.ListAuditRecords(ctx, c.Query("entity"), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"records": recs})
}
