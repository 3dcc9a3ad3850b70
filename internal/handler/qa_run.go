package handler

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/t77yq/qa-queue/internal/executor"
	"github.com/t77yq/qa-queue/internal/model"
)

// OutputLogFile receives the combined output of the QA command
const OutputLogFile = "output.log"

// QARunConfig configures the QA command
type QARunConfig struct {
	Workspace         string        // parent directory of project checkouts
	Command           string        // executable run inside the project directory
	Args              []string      // arguments passed to Command
	Timeout           time.Duration // zero disables the timeout
	HeartbeatInterval time.Duration
}

// QARunHandler handles runQA tasks
type QARunHandler struct {
	logger *zap.Logger
	runner Runner
	config QARunConfig
}

// NewQARunHandler creates a new QA run handler
func NewQARunHandler(runner Runner, config QARunConfig, logger *zap.Logger) *QARunHandler {
	if config.HeartbeatInterval <= 0 {
		config.HeartbeatInterval = 10 * time.Second
	}
	return &QARunHandler{
		logger: logger.Named("qa-run"),
		runner: runner,
		config: config,
	}
}

// Execute runs the QA command for the task's project
func (h *QARunHandler) Execute(ctx context.Context, exec *executor.Execution) (*model.TaskResult, error) {
	payload, err := qaPayload(exec.Task)
	if err != nil {
		return nil, err
	}
	if err := payload.Validate(); err != nil {
		return nil, err
	}

	dir := filepath.Join(h.config.Workspace, payload.Project)
	if info, err := os.Stat(dir); err != nil || !info.IsDir() {
		return nil, fmt.Errorf("project workspace %q not found", payload.Project)
	}

	output, err := exec.CreateLog(OutputLogFile)
	if err != nil {
		return nil, fmt.Errorf("failed to create output log: %w", err)
	}
	defer output.Close()

	runCtx := ctx
	if h.config.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, h.config.Timeout)
		defer cancel()
	}

	h.logger.Info("Executing QA command",
		zap.String("run_id", exec.RunID),
		zap.String("project", payload.Project),
		zap.String("branch", payload.Branch),
		zap.String("command", h.config.Command),
		zap.Strings("args", h.config.Args))

	proc, err := h.runner.Start(runCtx, RunRequest{
		RunID:   exec.RunID,
		Command: h.config.Command,
		Args:    h.config.Args,
		Dir:     dir,
		Env: []string{
			"QA_PROJECT=" + payload.Project,
			"QA_BRANCH=" + payload.Branch,
			"QA_TRIGGERED_BY=" + payload.TriggeredBy,
			"QA_RUN_ID=" + exec.RunID,
		},
		Output: output,
	})
	if err != nil {
		return nil, err
	}

	exec.SetPID(proc.PID())
	exec.Heartbeat()

	keepAliveCtx, stopKeepAlive := context.WithCancel(runCtx)
	go exec.KeepAlive(keepAliveCtx, h.config.HeartbeatInterval, proc.Alive)

	status, err := proc.Wait()
	stopKeepAlive()

	if err != nil {
		return nil, fmt.Errorf("%w: %v", executor.ErrExecutorCrashed, err)
	}

	result := &model.TaskResult{
		TaskID:      exec.Task.ID,
		CompletedAt: time.Now(),
	}

	switch {
	case errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil:
		result.Status = model.TaskStatusFailed
		result.Error = fmt.Sprintf("QA run timed out after %s", h.config.Timeout)
	case status.Signaled:
		return nil, fmt.Errorf("%w: %s", executor.ErrExecutorCrashed, status.Reason)
	case status.Code != 0:
		result.Status = model.TaskStatusFailed
		result.Error = fmt.Sprintf("QA command exited with code %d", status.Code)
	default:
		result.Status = model.TaskStatusCompleted
	}

	h.logger.Info("QA command finished",
		zap.String("run_id", exec.RunID),
		zap.String("status", string(result.Status)),
		zap.Int("exit_code", status.Code))

	return result, nil
}

func qaPayload(task *model.Task) (model.QAPayload, error) {
	switch p := task.Payload.(type) {
	case model.QAPayload:
		return p, nil
	case *model.QAPayload:
		return *p, nil
	default:
		return model.QAPayload{}, fmt.Errorf("%w: expected QA payload, got %T", model.ErrInvalidPayload, task.Payload)
	}
}
