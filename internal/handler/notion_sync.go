package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/t77yq/qa-queue/internal/executor"
	"github.com/t77yq/qa-queue/internal/model"
)

// SyncLogFile receives the response of the sync service
const SyncLogFile = "sync.log"

// SyncConfig configures the external sync endpoint
type SyncConfig struct {
	URL               string
	Token             string
	Timeout           time.Duration
	HeartbeatInterval time.Duration
}

// SyncHandler handles syncNotion tasks by calling the sync service
type SyncHandler struct {
	logger     *zap.Logger
	httpClient *http.Client
	config     SyncConfig
}

// NewSyncHandler creates a new sync handler
func NewSyncHandler(config SyncConfig, logger *zap.Logger) *SyncHandler {
	if config.Timeout <= 0 {
		config.Timeout = 5 * time.Minute
	}
	if config.HeartbeatInterval <= 0 {
		config.HeartbeatInterval = 10 * time.Second
	}
	return &SyncHandler{
		logger: logger.Named("notion-sync"),
		httpClient: &http.Client{
			Timeout: config.Timeout,
		},
		config: config,
	}
}

// Execute performs the sync request
func (h *SyncHandler) Execute(ctx context.Context, exec *executor.Execution) (*model.TaskResult, error) {
	if h.config.URL == "" {
		return nil, fmt.Errorf("sync URL is not configured")
	}

	var payload model.SyncPayload
	switch p := exec.Task.Payload.(type) {
	case model.SyncPayload:
		payload = p
	case *model.SyncPayload:
		payload = *p
	default:
		return nil, fmt.Errorf("%w: expected sync payload, got %T", model.ErrInvalidPayload, exec.Task.Payload)
	}

	body, err := json.Marshal(struct {
		RunID string `json:"runId"`
		model.SyncPayload
	}{RunID: exec.RunID, SyncPayload: payload})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.config.URL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if h.config.Token != "" {
		req.Header.Set("Authorization", "Bearer "+h.config.Token)
	}

	logFile, err := exec.CreateLog(SyncLogFile)
	if err != nil {
		return nil, fmt.Errorf("failed to create sync log: %w", err)
	}
	defer logFile.Close()

	h.logger.Info("Executing sync request",
		zap.String("run_id", exec.RunID),
		zap.String("database", payload.Database),
		zap.String("url", h.config.URL))

	inFlight, done := context.WithCancel(ctx)
	defer done()
	go exec.KeepAlive(inFlight, h.config.HeartbeatInterval, func() bool { return inFlight.Err() == nil })

	resp, err := h.httpClient.Do(req)
	if err != nil {
		fmt.Fprintf(logFile, "request failed: %v\n", err)
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	fmt.Fprintf(logFile, "HTTP %d\n", resp.StatusCode)
	respBody, err := io.ReadAll(io.TeeReader(resp.Body, logFile))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	result := &model.TaskResult{
		TaskID:      exec.Task.ID,
		Status:      model.TaskStatusCompleted,
		CompletedAt: time.Now(),
		Result:      respBody,
	}

	if resp.StatusCode >= 400 {
		result.Status = model.TaskStatusFailed
		result.Error = fmt.Sprintf("sync request failed with status: %d", resp.StatusCode)
	}

	return result, nil
}
