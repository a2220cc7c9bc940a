// Package api exposes the thin HTTP boundary: job CRUD, execution history,
// the activity log, metrics and a websocket event feed. All heavy lifting
// stays in the scheduler and engine.
package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/agentd-io/agentd/pkg/engine"
	"github.com/agentd-io/agentd/pkg/events"
	"github.com/agentd-io/agentd/pkg/logging"
	"github.com/agentd-io/agentd/pkg/models"
	"github.com/agentd-io/agentd/pkg/observability"
	"github.com/agentd-io/agentd/pkg/scheduler"
	"github.com/agentd-io/agentd/pkg/store"
	"github.com/gin-gonic/gin"
)

type Server struct {
	store     store.Store
	engine    *engine.Engine
	scheduler *scheduler.Scheduler
	hub       *events.Hub
	metrics   *observability.MetricsRegistry
	logger    logging.Logger
	router    *gin.Engine
}

func NewServer(st store.Store, eng *engine.Engine, sched *scheduler.Scheduler,
	hub *events.Hub, metrics *observability.MetricsRegistry, logger logging.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)
	s := &Server{
		store:     st,
		engine:    eng,
		scheduler: sched,
		hub:       hub,
		metrics:   metrics,
		logger:    logging.OrNop(logger),
		router:    gin.New(),
	}
	s.router.Use(gin.Recovery())
	s.routes()
	return s
}

func (s *Server) routes() {
	api := s.router.Group("/api")

	api.GET("/jobs", s.listJobs)
	api.POST("/jobs", s.createJob)
	api.GET("/jobs/:id", s.getJob)
	api.PUT("/jobs/:id", s.updateJob)
	api.DELETE("/jobs/:id", s.deleteJob)
	api.POST("/jobs/:id/run", s.runJob)

	api.GET("/executions", s.listExecutions)
	api.GET("/executions/:id", s.getExecution)
	api.GET("/executions/:id/logs", s.executionLogs)

	api.GET("/activity", s.listActivity)
	api.GET("/metrics", s.metricsSnapshot)

	api.POST("/scheduler/sync", s.syncScheduler)
	api.GET("/scheduler/triggers", s.listTriggers)

	api.GET("/events", func(c *gin.Context) {
		s.hub.Handle(c.Writer, c.Request)
	})
}

// Run blocks serving HTTP on addr.
func (s *Server) Run(addr string) error {
	s.logger.Info("api listening on %s", addr)
	return s.router.Run(addr)
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) listJobs(c *gin.Context) {
	jobs, err := s.store.ListJobs(false)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, jobs)
}

func (s *Server) createJob(c *gin.Context) {
	var job models.Job
	if err := c.ShouldBindJSON(&job); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	job.ID = ""
	if err := s.store.PutJob(&job); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, job)
}

func (s *Server) getJob(c *gin.Context) {
	job, err := s.store.GetJob(c.Param("id"))
	if err != nil {
		s.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, job)
}

func (s *Server) updateJob(c *gin.Context) {
	existing, err := s.store.GetJob(c.Param("id"))
	if err != nil {
		s.renderError(c, err)
		return
	}
	var job models.Job
	if err := c.ShouldBindJSON(&job); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	job.ID = existing.ID
	job.CreatedAt = existing.CreatedAt
	if err := s.store.PutJob(&job); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, job)
}

func (s *Server) deleteJob(c *gin.Context) {
	if err := s.store.DeleteJob(c.Param("id")); err != nil {
		s.renderError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// runJob kicks off an on-demand run through the engine's retry wrapper.
func (s *Server) runJob(c *gin.Context) {
	id := c.Param("id")
	if _, err := s.store.GetJob(id); err != nil {
		s.renderError(c, err)
		return
	}
	if s.engine.Running(id) {
		c.JSON(http.StatusConflict, gin.H{"error": "job already running"})
		return
	}
	go func() {
		// Detached from the request: the server cancels the request context
		// as soon as the 202 is written, which would kill the run mid-flight.
		if _, err := s.engine.ExecuteJobWithRetry(context.Background(), id, 0); err != nil &&
			!errors.Is(err, engine.ErrAlreadyRunning) {
			s.logger.Warn("api: on-demand run for %s: %v", id, err)
		}
	}()
	c.JSON(http.StatusAccepted, gin.H{"status": "started", "jobId": id})
}

func (s *Server) listExecutions(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	execs, err := s.store.ListExecutions(c.Query("jobId"), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, execs)
}

func (s *Server) getExecution(c *gin.Context) {
	exec, err := s.store.GetExecution(c.Param("id"))
	if err != nil {
		s.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, exec)
}

func (s *Server) executionLogs(c *gin.Context) {
	entries, err := s.store.ListActivity(c.Param("id"), 0)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, entries)
}

func (s *Server) listActivity(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
	entries, err := s.store.ListActivity("", limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, entries)
}

func (s *Server) metricsSnapshot(c *gin.Context) {
	c.JSON(http.StatusOK, s.metrics.Snapshot())
}

func (s *Server) syncScheduler(c *gin.Context) {
	if err := s.scheduler.Sync(); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"triggers": s.scheduler.TriggerCount()})
}

func (s *Server) listTriggers(c *gin.Context) {
	c.JSON(http.StatusOK, s.scheduler.Triggers())
}

func (s *Server) renderError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, models.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, models.ErrInvalidArgument), errors.Is(err, models.ErrInvalidConfiguration):
		status = http.StatusBadRequest
	}
	c.JSON(status, gin.H{"error": err.Error()})
}
