// Package api exposes the transfer core over HTTP: session and job
// control, queue inspection, usage metrics, recurring schedules and a
// server-sent-events progress stream.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/aqwacloud/transfercore/pkg/config"
	"github.com/aqwacloud/transfercore/pkg/logger"
	"github.com/aqwacloud/transfercore/pkg/transfer"
)

// Server hosts the HTTP API.
type Server struct {
	config    config.ServerConfig
	engine    *gin.Engine
	http      *http.Server
	manager   *transfer.SessionManager
	queue     *transfer.SyncQueue
	scheduler *transfer.Scheduler
	store     transfer.Store
	notifier  *transfer.Notifier
	logger    *logger.Logger
}

// NewServer wires the API over the given core services.
func NewServer(cfg config.ServerConfig, manager *transfer.SessionManager, queue *transfer.SyncQueue, scheduler *transfer.Scheduler, store transfer.Store, notifier *transfer.Notifier, log *logger.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(logger.Middleware(log, nil))

	s := &Server{
		config:    cfg,
		engine:    engine,
		manager:   manager,
		queue:     queue,
		scheduler: scheduler,
		store:     store,
		notifier:  notifier,
		logger:    log.Named("api"),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.engine.GET("/health", s.handleHealth)

	v1 := s.engine.Group("/api/v1")
	{
		v1.POST("/sessions", s.handleStartSession)
		v1.GET("/sessions/:id", s.handleGetSession)
		v1.DELETE("/sessions/:id", s.handleStopSession)

		v1.GET("/jobs/:id", s.handleGetJob)
		v1.POST("/jobs/:id/cancel", s.handleCancelJob)
		v1.POST("/jobs/:id/pause", s.handlePauseJob)
		v1.POST("/jobs/:id/resume", s.handleResumeJob)
		v1.POST("/jobs/:id/retry", s.handleRetryJob)
		v1.GET("/jobs", s.handleListJobs)

		v1.GET("/queue/stats", s.handleQueueStats)
		v1.GET("/queue/conflicts", s.handleListConflicts)
		v1.POST("/queue/conflicts/:id/resolve", s.handleResolveConflict)
		v1.POST("/queue/retry-failed", s.handleRetryFailed)

		v1.POST("/connections/validate", s.handleValidateConnection)

		v1.GET("/usage", s.handleUsage)
		v1.GET("/events", s.handleEvents)

		v1.POST("/schedules", s.handleAddSchedule)
		v1.GET("/schedules", s.handleListSchedules)
		v1.DELETE("/schedules/:id", s.handleRemoveSchedule)
	}
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Start begins serving and blocks until the listener fails or is shut
// down.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.http = &http.Server{
		Addr:         addr,
		Handler:      s.engine,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
	}

	s.logger.Info("api listening", "addr", addr)
	if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, s.config.ShutdownTimeout)
	defer cancel()
	return s.http.Shutdown(shutdownCtx)
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "time": time.Now().UTC()})
}
