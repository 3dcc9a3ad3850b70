package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/t77yq/qa-queue/internal/model"
	"github.com/t77yq/qa-queue/internal/storage"
)

// TriggerRequest is the body of the trigger endpoints
type TriggerRequest struct {
	Priority string          `json:"priority"`
	Payload  json.RawMessage `json:"payload"`
}

// TriggerResponse is returned when a task is admitted
type TriggerResponse struct {
	TaskID  string `json:"taskId"`
	Message string `json:"message"`
}

// ClearResponse is returned by DELETE /api/queue/clear
type ClearResponse struct {
	Cleared int    `json:"cleared"`
	Message string `json:"message"`
}

// RestartResponse is returned by POST /api/worker/restart
type RestartResponse struct {
	Status         string             `json:"status"`
	PID            string             `json:"pid"`
	PreviousStatus model.WorkerStatus `json:"previousStatus"`
	CrashedRunID   string             `json:"crashedRunId,omitempty"`
	Message        string             `json:"message"`
}

// Liveness handles GET /health
func (s *Server) Liveness(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status":  "ok",
		"service": "qa-queue",
	})
}

// ListQueue handles GET /api/queue
func (s *Server) ListQueue(c echo.Context) error {
	return c.JSON(http.StatusOK, s.queue.PeekAll())
}

// ClearQueue handles DELETE /api/queue/clear
func (s *Server) ClearQueue(c echo.Context) error {
	cleared := s.queue.Clear()
	return c.JSON(http.StatusOK, ClearResponse{
		Cleared: cleared,
		Message: fmt.Sprintf("Cleared %d queued task(s)", cleared),
	})
}

// GetWorker handles GET /api/worker
func (s *Server) GetWorker(c echo.Context) error {
	return c.JSON(http.StatusOK, s.worker.Status())
}

// RestartWorker handles POST /api/worker/restart
func (s *Server) RestartWorker(c echo.Context) error {
	result := s.worker.Restart(c.Request().Context())

	message := "Worker restarted"
	if result.CrashedRunID != "" {
		message = fmt.Sprintf("Worker restarted, run %s marked as crashed", result.CrashedRunID)
	}
	s.logger.Info("Worker restarted via API",
		zap.String("pid", result.PID),
		zap.String("previous_status", string(result.PreviousStatus)))

	return c.JSON(http.StatusOK, RestartResponse{
		Status:         "restarted",
		PID:            result.PID,
		PreviousStatus: result.PreviousStatus,
		CrashedRunID:   result.CrashedRunID,
		Message:        message,
	})
}

// TriggerRunQA handles POST /api/trigger/runQA
func (s *Server) TriggerRunQA(c echo.Context) error {
	req, priority, err := s.bindTrigger(c)
	if err != nil {
		return err
	}

	var payload model.QAPayload
	if err := decodePayload(req.Payload, &payload); err != nil {
		return err
	}
	if payload.Project == "" {
		payload.Project = s.defaults.Project
	}
	if payload.Branch == "" {
		payload.Branch = s.defaults.Branch
	}
	if payload.TriggeredBy == "" {
		payload.TriggeredBy = s.defaults.TriggeredBy
	}
	if err := payload.Validate(); err != nil {
		return err
	}

	task := s.queue.Enqueue(priority, payload)
	return c.JSON(http.StatusOK, TriggerResponse{
		TaskID:  task.ID,
		Message: "QA task queued successfully",
	})
}

// TriggerSyncNotion handles POST /api/trigger/syncNotion
func (s *Server) TriggerSyncNotion(c echo.Context) error {
	req, priority, err := s.bindTrigger(c)
	if err != nil {
		return err
	}

	var payload model.SyncPayload
	if err := decodePayload(req.Payload, &payload); err != nil {
		return err
	}
	if payload.Database == "" {
		payload.Database = s.defaults.NotionDatabase
	}
	if payload.TriggeredBy == "" {
		payload.TriggeredBy = s.defaults.SyncTriggeredBy
	}
	if err := payload.Validate(); err != nil {
		return err
	}

	task := s.queue.Enqueue(priority, payload)
	return c.JSON(http.StatusOK, TriggerResponse{
		TaskID:  task.ID,
		Message: "Notion sync task queued",
	})
}

// TriggerHealthCheck handles POST /api/trigger/healthCheck
func (s *Server) TriggerHealthCheck(c echo.Context) error {
	return c.JSON(http.StatusOK, s.health.CheckHealth(c.Request().Context()))
}

// ListRuns handles GET /api/runs
func (s *Server) ListRuns(c echo.Context) error {
	limit := storage.DefaultListLimit
	if raw := c.QueryParam("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > storage.MaxListLimit {
			return badRequest(fmt.Sprintf("limit must be an integer between 1 and %d", storage.MaxListLimit))
		}
		limit = n
	}

	runs, err := s.runs.ListRecent(c.Request().Context(), limit)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, runs)
}

// GetRun handles GET /api/runs/:runId
func (s *Server) GetRun(c echo.Context) error {
	run, err := s.runs.GetRun(c.Request().Context(), c.Param("runId"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, run)
}

// GetEvidence handles GET /api/runs/:runId/evidence
func (s *Server) GetEvidence(c echo.Context) error {
	files, err := s.runs.ListEvidence(c.Request().Context(), c.Param("runId"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, files)
}

// GetLog handles GET /api/runs/:runId/logs/:file
func (s *Server) GetLog(c echo.Context) error {
	content, err := s.runs.ReadLog(c.Request().Context(), c.Param("runId"), c.Param("file"))
	if err != nil {
		return err
	}
	return c.Blob(http.StatusOK, echo.MIMETextPlainCharsetUTF8, content)
}

// ListSchedules handles GET /api/schedules
func (s *Server) ListSchedules(c echo.Context) error {
	return c.JSON(http.StatusOK, s.schedules.ListSchedules())
}

// GetSchedule handles GET /api/schedules/:id
func (s *Server) GetSchedule(c echo.Context) error {
	schedule, err := s.schedules.GetSchedule(c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, schedule)
}

// RemoveSchedule handles DELETE /api/schedules/:id
func (s *Server) RemoveSchedule(c echo.Context) error {
	id := c.Param("id")
	if err := s.schedules.RemoveSchedule(id); err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]string{
		"id":      id,
		"message": "Schedule removed",
	})
}

func (s *Server) bindTrigger(c echo.Context) (*TriggerRequest, model.TaskPriority, error) {
	var req TriggerRequest
	if err := c.Bind(&req); err != nil {
		return nil, 0, badRequest("invalid request body")
	}
	priority, err := model.ParsePriority(req.Priority)
	if err != nil {
		return nil, 0, err
	}
	return &req, priority, nil
}

func decodePayload(raw json.RawMessage, v interface{}) error {
	if len(raw) == 0 || strings.TrimSpace(string(raw)) == "null" {
		return nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("%w: %v", model.ErrInvalidPayload, err)
	}
	return nil
}
