package executor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/t77yq/qa-queue/internal/events"
	"github.com/t77yq/qa-queue/internal/model"
	"github.com/t77yq/qa-queue/internal/storage"
)

const (
	reasonHeartbeatStale = "heartbeat stale"
	reasonRestarted      = "restarted by operator"
	reasonShutdown       = "supervisor shutdown"
)

// TaskHandler defines the interface for task handlers
type TaskHandler interface {
	Execute(ctx context.Context, exec *Execution) (*model.TaskResult, error)
}

// TaskSource is the queue the supervisor pulls from
type TaskSource interface {
	DequeueNext() (*model.Task, bool)
	Ready() <-chan struct{}
}

// SupervisorConfig defines configuration for the supervisor
type SupervisorConfig struct {
	StalenessThreshold time.Duration // busy without heartbeat for longer than this becomes unknown
	PollInterval       time.Duration // liveness check and queue poll interval
	StopTimeout        time.Duration // wait for an interrupted execution to exit
	LogFlushInterval   time.Duration
}

// activeRun is the execution occupying the slot
type activeRun struct {
	task   *model.Task
	runID  string
	cancel context.CancelFunc
	done   chan struct{}
}

// Supervisor owns the single execution slot
type Supervisor struct {
	logger    *zap.Logger
	queue     TaskSource
	store     storage.RunStore
	publisher events.Publisher
	logs      *LogManager
	config    SupervisorConfig
	handlers  map[model.TaskType]TaskHandler
	now       func() time.Time

	mu            sync.Mutex
	status        model.WorkerStatus
	current       *activeRun
	pid           string
	pidSeq        int
	startedAt     time.Time
	lastCrash     *model.CrashInfo
	lastHeartbeat *time.Time
	started       bool
	stopped       bool
	restarting    bool // holds the slot until the interrupted execution exits

	stop     chan struct{}
	loopDone chan struct{}
	stopOnce sync.Once
}

// NewSupervisor creates an idle supervisor
func NewSupervisor(queue TaskSource, store storage.RunStore, publisher events.Publisher, config SupervisorConfig, logger *zap.Logger) *Supervisor {
	if config.StalenessThreshold <= 0 {
		config.StalenessThreshold = 120 * time.Second
	}
	if config.PollInterval <= 0 {
		config.PollInterval = time.Second
	}
	if config.StopTimeout <= 0 {
		config.StopTimeout = 10 * time.Second
	}
	if publisher == nil {
		publisher = events.Nop{}
	}

	return &Supervisor{
		logger:    logger.Named("supervisor"),
		queue:     queue,
		store:     store,
		publisher: publisher,
		logs:      NewLogManager(store, LogConfig{FlushInterval: config.LogFlushInterval}, logger),
		config:    config,
		handlers:  make(map[model.TaskType]TaskHandler),
		now:       time.Now,
		status:    model.WorkerStatusIdle,
		startedAt: time.Now(),
		stop:      make(chan struct{}),
		loopDone:  make(chan struct{}),
	}
}

// SetClock overrides the time source used for heartbeats and liveness
func (s *Supervisor) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
	s.startedAt = now()
}

// RegisterHandler registers a task handler
func (s *Supervisor) RegisterHandler(taskType model.TaskType, handler TaskHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[taskType] = handler
}

// Start runs the background loop that starts queued work and checks liveness
func (s *Supervisor) Start(ctx context.Context) {
	s.logger.Info("Starting supervisor",
		zap.Duration("staleness_threshold", s.config.StalenessThreshold),
		zap.Duration("poll_interval", s.config.PollInterval))

	s.mu.Lock()
	s.started = true
	s.mu.Unlock()

	s.logs.Start(ctx)
	go s.loop(ctx)
}

func (s *Supervisor) loop(ctx context.Context) {
	defer close(s.loopDone)

	ticker := time.NewTicker(s.config.PollInterval)
	defer ticker.Stop()

	s.TryStartNext()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case <-s.queue.Ready():
			s.TryStartNext()
		case <-ticker.C:
			s.CheckLiveness(s.clock())
			s.TryStartNext()
		}
	}
}

// Stop ends the background loop and terminates any in-flight execution
func (s *Supervisor) Stop() {
	s.stopOnce.Do(func() {
		s.logger.Info("Stopping supervisor")

		s.mu.Lock()
		s.stopped = true
		started := s.started
		s.mu.Unlock()

		close(s.stop)
		if started {
			<-s.loopDone
		}

		s.mu.Lock()
		run := s.current
		var finished events.Event
		if run != nil {
			finished = s.terminateLocked(run, reasonShutdown)
			s.status = model.WorkerStatusIdle
		}
		s.mu.Unlock()

		if run != nil {
			s.publish(events.SubjectRunFinished, finished)
			s.waitExit(context.Background(), run)
		}
		s.logs.Stop()
	})
}

// TryStartNext starts the next queued task when the slot is idle. It is
// the only path that dequeues and returns without waiting for the task.
func (s *Supervisor) TryStartNext() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped || s.restarting || s.status != model.WorkerStatusIdle || s.current != nil {
		return false
	}

	task, ok := s.queue.DequeueNext()
	if !ok {
		return false
	}

	ctx := context.Background()
	run, err := s.store.CreateRun(ctx, task)
	if err != nil {
		// the slot stays idle; the task is not re-enqueued
		s.logger.Error("Failed to create run, dropping task",
			zap.String("task_id", task.ID),
			zap.Error(err))
		return false
	}

	if err := s.logs.Open(ctx, run.ID); err != nil {
		s.logger.Error("Failed to open run log",
			zap.String("run_id", run.ID),
			zap.Error(err))
	}

	execCtx, cancel := context.WithCancel(context.Background())
	active := &activeRun{
		task:   task,
		runID:  run.ID,
		cancel: cancel,
		done:   make(chan struct{}),
	}

	now := s.now()
	if s.pid == "" {
		s.pidSeq++
		s.pid = fmt.Sprintf("worker-%d", s.pidSeq)
	}
	s.current = active
	s.status = model.WorkerStatusBusy
	s.lastHeartbeat = &now

	handler := s.handlers[task.Type]
	exec := &Execution{
		Task:       task,
		RunID:      run.ID,
		supervisor: s,
		logger: s.logger.With(
			zap.String("run_id", run.ID),
			zap.String("task_type", string(task.Type))),
	}

	s.logger.Info("Run started",
		zap.String("run_id", run.ID),
		zap.String("task_type", string(task.Type)),
		zap.String("priority", task.Priority.String()),
		zap.String("pid", s.pid))
	s.logs.AddLogEntry(run.ID, "info", "run started", map[string]interface{}{
		"taskType": task.Type,
		"priority": task.Priority.String(),
		"pid":      s.pid,
	})

	go s.execute(execCtx, active, handler, exec)
	return true
}

func (s *Supervisor) execute(ctx context.Context, run *activeRun, handler TaskHandler, exec *Execution) {
	defer close(run.done)

	s.publish(events.SubjectRunStarted, events.Event{
		RunID:    run.runID,
		TaskID:   run.task.ID,
		TaskType: string(run.task.Type),
		Status:   string(model.RunStatusRunning),
	})

	result := s.runHandler(ctx, handler, exec)
	s.ReportCompletion(run.runID, result)
}

// runHandler converts handler errors and panics into a result
func (s *Supervisor) runHandler(ctx context.Context, handler TaskHandler, exec *Execution) (result *model.TaskResult) {
	defer func() {
		if r := recover(); r != nil {
			exec.logger.Error("Task handler panicked", zap.Any("panic", r))
			result = &model.TaskResult{
				TaskID: exec.Task.ID,
				Status: model.TaskStatusCrashed,
				Error:  fmt.Sprintf("handler panic: %v", r),
			}
		}
	}()

	if handler == nil {
		return &model.TaskResult{
			TaskID: exec.Task.ID,
			Status: model.TaskStatusFailed,
			Error:  fmt.Sprintf("%v: %s", ErrNoHandler, exec.Task.Type),
		}
	}

	result, err := handler.Execute(ctx, exec)
	if err != nil {
		status := model.TaskStatusFailed
		if errors.Is(err, ErrExecutorCrashed) {
			status = model.TaskStatusCrashed
		}
		return &model.TaskResult{
			TaskID: exec.Task.ID,
			Status: status,
			Error:  err.Error(),
		}
	}
	if result == nil {
		result = &model.TaskResult{TaskID: exec.Task.ID, Status: model.TaskStatusCompleted}
	}
	return result
}

// ReportHeartbeat updates liveness of the current run. Heartbeats for any
// other run are ignored and a heartbeat never clears the unknown status.
func (s *Supervisor) ReportHeartbeat(runID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.current == nil || s.current.runID != runID {
		s.logger.Debug("Ignoring heartbeat for inactive run", zap.String("run_id", runID))
		return false
	}
	now := s.now()
	s.lastHeartbeat = &now
	return true
}

// setPID replaces the placeholder pid once the executor process is known
func (s *Supervisor) setPID(runID, pid string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.current == nil || s.current.runID != runID || pid == "" {
		return
	}
	s.pid = pid
	s.logs.AddLogEntry(runID, "info", "executor process started", map[string]interface{}{"pid": pid})
}

// ReportCompletion finalizes the current run and frees the slot.
// Completions for a run that is no longer current are ignored.
func (s *Supervisor) ReportCompletion(runID string, result *model.TaskResult) {
	s.mu.Lock()

	run := s.current
	if run == nil || run.runID != runID {
		s.mu.Unlock()
		s.logger.Debug("Ignoring completion for inactive run", zap.String("run_id", runID))
		return
	}

	status, errMsg := runStatusFor(result)
	if status == model.RunStatusCrashed {
		s.lastCrash = &model.CrashInfo{At: s.now(), RunID: runID, Reason: errMsg}
	}
	finished := s.finishLocked(run, status, errMsg)
	s.pid = ""
	s.status = model.WorkerStatusIdle
	s.mu.Unlock()

	s.publish(events.SubjectRunFinished, finished)
	s.TryStartNext()
}

// Restart forcibly ends the current execution, if any, and leaves the slot
// idle with a fresh pid placeholder. It succeeds on an idle worker too.
func (s *Supervisor) Restart(ctx context.Context) model.RestartResult {
	s.mu.Lock()

	result := model.RestartResult{PreviousStatus: s.status}
	run := s.current
	var finished events.Event
	if run != nil {
		finished = s.terminateLocked(run, reasonRestarted)
		result.CrashedRunID = run.runID
	}

	s.pidSeq++
	s.pid = fmt.Sprintf("worker-%d", s.pidSeq)
	s.status = model.WorkerStatusIdle
	if run != nil {
		s.restarting = true
	}
	result.PID = s.pid
	s.mu.Unlock()

	s.logger.Warn("Worker restarted",
		zap.String("previous_status", string(result.PreviousStatus)),
		zap.String("crashed_run_id", result.CrashedRunID),
		zap.String("pid", result.PID))

	if run != nil {
		s.publish(events.SubjectRunFinished, finished)
		go s.releaseAfterExit(run)
		s.waitExit(ctx, run)
	}

	s.publish(events.SubjectWorkerRestarted, events.Event{
		RunID:  result.CrashedRunID,
		Status: string(result.PreviousStatus),
		PID:    result.PID,
	})

	s.TryStartNext()
	return result
}

// releaseAfterExit frees the slot held by a restart once the interrupted
// execution has returned, however long that takes
func (s *Supervisor) releaseAfterExit(run *activeRun) {
	<-run.done

	s.mu.Lock()
	s.restarting = false
	s.mu.Unlock()

	s.TryStartNext()
}

// terminateLocked cancels the execution and finalizes its run as crashed
func (s *Supervisor) terminateLocked(run *activeRun, reason string) events.Event {
	run.cancel()
	s.lastCrash = &model.CrashInfo{At: s.now(), RunID: run.runID, Reason: reason}
	return s.finishLocked(run, model.RunStatusCrashed, reason)
}

// finishLocked writes the terminal record, clears the slot and returns
// the event to publish once the lock is released
func (s *Supervisor) finishLocked(run *activeRun, status model.RunStatus, errMsg string) events.Event {
	run.cancel()

	s.logs.AddLogEntry(run.runID, "info", "run finished", map[string]interface{}{
		"status": status,
		"error":  errMsg,
	})
	s.logs.Close(run.runID)

	if err := s.store.Finalize(context.Background(), run.runID, status, errMsg); err != nil {
		s.logger.Error("Failed to finalize run",
			zap.String("run_id", run.runID),
			zap.String("status", string(status)),
			zap.Error(err))
	}
	s.current = nil

	s.logger.Info("Run finished",
		zap.String("run_id", run.runID),
		zap.String("status", string(status)),
		zap.String("error", errMsg))

	return events.Event{
		RunID:    run.runID,
		TaskID:   run.task.ID,
		TaskType: string(run.task.Type),
		Status:   string(status),
		Error:    errMsg,
	}
}

// waitExit waits for an interrupted execution goroutine to return
func (s *Supervisor) waitExit(ctx context.Context, run *activeRun) {
	timer := time.NewTimer(s.config.StopTimeout)
	defer timer.Stop()

	select {
	case <-run.done:
	case <-ctx.Done():
		s.logger.Warn("Gave up waiting for execution to exit", zap.String("run_id", run.runID))
	case <-timer.C:
		s.logger.Warn("Execution did not exit in time", zap.String("run_id", run.runID))
	}
}

// CheckLiveness marks a busy worker unknown when its heartbeat is stale.
// It never restarts the worker.
func (s *Supervisor) CheckLiveness(now time.Time) bool {
	s.mu.Lock()

	if s.status != model.WorkerStatusBusy || s.current == nil || s.lastHeartbeat == nil {
		s.mu.Unlock()
		return false
	}
	stale := now.Sub(*s.lastHeartbeat)
	if stale <= s.config.StalenessThreshold {
		s.mu.Unlock()
		return false
	}

	runID := s.current.runID
	s.status = model.WorkerStatusUnknown
	s.logs.AddLogEntry(runID, "warn", "heartbeat stale", map[string]interface{}{
		"staleSeconds": stale.Seconds(),
	})
	pid := s.pid
	s.mu.Unlock()

	s.logger.Warn("Worker heartbeat stale",
		zap.String("run_id", runID),
		zap.Duration("stale", stale))

	s.publish(events.SubjectWorkerStale, events.Event{
		RunID:  runID,
		Status: string(model.WorkerStatusUnknown),
		PID:    pid,
		Error:  reasonHeartbeatStale,
	})
	return true
}

// Status returns a snapshot of the worker slot
func (s *Supervisor) Status() model.WorkerState {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	state := model.WorkerState{
		Status:    s.status,
		PID:       s.pid,
		StartedAt: s.startedAt,
		Uptime:    now.Sub(s.startedAt).Seconds(),
	}
	if s.current != nil {
		task := *s.current.task
		state.CurrentTask = &model.CurrentTask{Task: &task, RunID: s.current.runID}
	}
	if s.lastCrash != nil {
		crash := *s.lastCrash
		state.LastCrash = &crash
	}
	if s.lastHeartbeat != nil {
		hb := *s.lastHeartbeat
		state.LastHeartbeat = &hb
	}
	return state
}

// StalenessThreshold returns the configured heartbeat threshold
func (s *Supervisor) StalenessThreshold() time.Duration {
	return s.config.StalenessThreshold
}

func (s *Supervisor) clock() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.now()
}

func (s *Supervisor) publish(subject string, event events.Event) {
	event.Subject = subject
	event.Timestamp = s.clock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.publisher.Publish(ctx, subject, event); err != nil {
		s.logger.Warn("Failed to publish event",
			zap.String("subject", subject),
			zap.Error(err))
	}
}

func runStatusFor(result *model.TaskResult) (model.RunStatus, string) {
	switch result.Status {
	case model.TaskStatusCompleted:
		return model.RunStatusCompleted, result.Error
	case model.TaskStatusCrashed:
		msg := result.Error
		if msg == "" {
			msg = ErrExecutorCrashed.Error()
		}
		return model.RunStatusCrashed, msg
	default:
		msg := result.Error
		if msg == "" {
			msg = "task failed"
		}
		return model.RunStatusFailed, msg
	}
}
