package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"

	"github.com/t77yq/qa-queue/internal/model"
	"github.com/t77yq/qa-queue/internal/scheduler"
	"github.com/t77yq/qa-queue/internal/storage"
)

// Queue is the part of the task queue the API drives
type Queue interface {
	Enqueue(priority model.TaskPriority, payload model.TaskPayload) *model.Task
	PeekAll() []model.TaskView
	Clear() int
}

// Worker is the part of the supervisor the API drives
type Worker interface {
	Status() model.WorkerState
	Restart(ctx context.Context) model.RestartResult
}

// Schedules is the part of the cron scheduler the API exposes
type Schedules interface {
	ListSchedules() []*scheduler.Schedule
	GetSchedule(id string) (*scheduler.Schedule, error)
	RemoveSchedule(id string) error
}

// HealthChecker produces health snapshots
type HealthChecker interface {
	CheckHealth(ctx context.Context) model.HealthSnapshot
}

// TriggerDefaults fills payload fields a trigger request leaves out
type TriggerDefaults struct {
	Project         string
	Branch          string
	TriggeredBy     string
	NotionDatabase  string
	SyncTriggeredBy string
}

// Server handles HTTP requests for the control API
type Server struct {
	logger    *zap.Logger
	echo      *echo.Echo
	queue     Queue
	worker    Worker
	health    HealthChecker
	runs      storage.RunStore
	schedules Schedules
	defaults  TriggerDefaults
}

// NewServer creates a new API server with routes and middleware installed
func NewServer(queue Queue, worker Worker, health HealthChecker, runs storage.RunStore, schedules Schedules, defaults TriggerDefaults, logger *zap.Logger) *Server {
	if defaults.TriggeredBy == "" {
		defaults.TriggeredBy = "api"
	}
	if defaults.SyncTriggeredBy == "" {
		defaults.SyncTriggeredBy = defaults.TriggeredBy
	}

	s := &Server{
		logger:    logger.Named("api"),
		echo:      echo.New(),
		queue:     queue,
		worker:    worker,
		health:    health,
		runs:      runs,
		schedules: schedules,
		defaults:  defaults,
	}

	s.echo.HideBanner = true
	s.echo.HidePort = true
	s.echo.HTTPErrorHandler = s.handleError
	s.echo.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:   true,
		LogURI:      true,
		LogStatus:   true,
		LogLatency:  true,
		LogError:    true,
		HandleError: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			fields := []zap.Field{
				zap.String("method", v.Method),
				zap.String("uri", v.URI),
				zap.Int("status", v.Status),
				zap.Duration("latency", v.Latency),
			}
			if v.Error != nil {
				s.logger.Warn("Request failed", append(fields, zap.Error(v.Error))...)
				return nil
			}
			s.logger.Debug("Request handled", fields...)
			return nil
		},
	}))
	s.echo.Use(middleware.Recover())

	s.RegisterRoutes(s.echo)
	return s
}

// RegisterRoutes registers all API endpoints with the Echo router
func (s *Server) RegisterRoutes(e *echo.Echo) {
	e.GET("/health", s.Liveness)

	api := e.Group("/api")

	api.GET("/queue", s.ListQueue)
	api.DELETE("/queue/clear", s.ClearQueue)

	api.GET("/worker", s.GetWorker)
	api.POST("/worker/restart", s.RestartWorker)

	api.POST("/trigger/runQA", s.TriggerRunQA)
	api.POST("/trigger/syncNotion", s.TriggerSyncNotion)
	api.POST("/trigger/healthCheck", s.TriggerHealthCheck)

	api.GET("/runs", s.ListRuns)
	api.GET("/runs/:runId", s.GetRun)
	api.GET("/runs/:runId/evidence", s.GetEvidence)
	api.GET("/runs/:runId/logs/:file", s.GetLog)

	api.GET("/schedules", s.ListSchedules)
	api.GET("/schedules/:id", s.GetSchedule)
	api.DELETE("/schedules/:id", s.RemoveSchedule)
}

// Handler returns the HTTP handler serving the API
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Start serves on address until Shutdown is called
func (s *Server) Start(address string) error {
	s.logger.Info("Starting API server", zap.String("address", address))
	if err := s.echo.Start(address); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("failed to serve: %w", err)
	}
	return nil
}

// Shutdown gracefully stops the server
func (s *Server) Shutdown(timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := s.echo.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shut down server: %w", err)
	}
	s.logger.Info("API server stopped")
	return nil
}
