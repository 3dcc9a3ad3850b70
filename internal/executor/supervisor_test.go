package executor

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/t77yq/qa-queue/internal/events"
	"github.com/t77yq/qa-queue/internal/model"
	"github.com/t77yq/qa-queue/internal/scheduler"
	"github.com/t77yq/qa-queue/internal/storage"
)

type handlerFunc func(ctx context.Context, exec *Execution) (*model.TaskResult, error)

func (f handlerFunc) Execute(ctx context.Context, exec *Execution) (*model.TaskResult, error) {
	return f(ctx, exec)
}

// blockingHandler holds each execution until a result is released
type blockingHandler struct {
	started chan *Execution
	release chan *model.TaskResult
}

func newBlockingHandler() *blockingHandler {
	return &blockingHandler{
		started: make(chan *Execution, 10),
		release: make(chan *model.TaskResult),
	}
}

func (h *blockingHandler) Execute(ctx context.Context, exec *Execution) (*model.TaskResult, error) {
	h.started <- exec
	select {
	case result := <-h.release:
		return result, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (h *blockingHandler) waitStarted(t *testing.T) *Execution {
	t.Helper()
	select {
	case exec := <-h.started:
		return exec
	case <-time.After(5 * time.Second):
		t.Fatal("handler was not started")
		return nil
	}
}

type recordingPublisher struct {
	mu        sync.Mutex
	subjects  []string
	onPublish func(subject string)
}

func (p *recordingPublisher) Publish(_ context.Context, subject string, _ interface{}) error {
	if p.onPublish != nil {
		p.onPublish(subject)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.subjects = append(p.subjects, subject)
	return nil
}

func (p *recordingPublisher) Subjects() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.subjects...)
}

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fixture struct {
	queue     *scheduler.TaskQueue
	store     *storage.SQLiteRunStore
	publisher *recordingPublisher
	clock     *manualClock
	sup       *Supervisor
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := zaptest.NewLogger(t)
	dir := t.TempDir()

	store, err := storage.NewSQLiteRunStore(logger, filepath.Join(dir, "runs.db"), filepath.Join(dir, "logs"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	f := &fixture{
		queue:     scheduler.NewTaskQueue(logger),
		store:     store,
		publisher: &recordingPublisher{},
		clock:     &manualClock{now: time.Unix(100000, 0)},
	}
	f.sup = NewSupervisor(f.queue, store, f.publisher, SupervisorConfig{
		StalenessThreshold: 120 * time.Second,
		PollInterval:       20 * time.Millisecond,
		StopTimeout:        2 * time.Second,
	}, logger)
	f.sup.SetClock(f.clock.Now)
	t.Cleanup(f.sup.Stop)
	return f
}

func (f *fixture) enqueueQA(project string) *model.Task {
	return f.queue.Enqueue(model.TaskPriorityP2, model.QAPayload{Project: project, Branch: "develop", TriggeredBy: "test"})
}

func (f *fixture) waitIdle(t *testing.T) {
	t.Helper()
	require.Eventually(t, func() bool {
		return f.sup.Status().Status == model.WorkerStatusIdle
	}, 5*time.Second, 10*time.Millisecond)
}

func (f *fixture) runStatus(t *testing.T, runID string) *model.Run {
	t.Helper()
	run, err := f.store.GetRun(context.Background(), runID)
	require.NoError(t, err)
	return run
}

func TestSupervisor_AtMostOneRunning(t *testing.T) {
	f := newFixture(t)
	h := newBlockingHandler()
	f.sup.RegisterHandler(model.TaskTypeRunQA, h)

	first := f.enqueueQA("first")
	second := f.enqueueQA("second")

	assert.True(t, f.sup.TryStartNext())
	assert.False(t, f.sup.TryStartNext())
	assert.Equal(t, 1, f.queue.Len())

	exec := h.waitStarted(t)
	assert.Equal(t, first.ID, exec.RunID)

	state := f.sup.Status()
	assert.Equal(t, model.WorkerStatusBusy, state.Status)
	require.NotNil(t, state.CurrentTask)
	assert.Equal(t, first.ID, state.CurrentTask.RunID)
	assert.Equal(t, "worker-1", state.PID)
	require.NotNil(t, state.LastHeartbeat)

	// completion starts the next task without an explicit call
	h.release <- &model.TaskResult{Status: model.TaskStatusCompleted}
	exec = h.waitStarted(t)
	assert.Equal(t, second.ID, exec.RunID)
	assert.Equal(t, 0, f.queue.Len())

	run := f.runStatus(t, first.ID)
	assert.Equal(t, model.RunStatusCompleted, run.Status)
	require.NotNil(t, run.CompletedAt)
	assert.Equal(t, model.RunStatusRunning, f.runStatus(t, second.ID).Status)

	h.release <- &model.TaskResult{Status: model.TaskStatusFailed, Error: "2 tests failed"}
	f.waitIdle(t)

	run = f.runStatus(t, second.ID)
	assert.Equal(t, model.RunStatusFailed, run.Status)
	assert.Equal(t, "2 tests failed", run.Error)

	state = f.sup.Status()
	assert.Nil(t, state.CurrentTask)
	assert.Empty(t, state.PID)
}

func TestSupervisor_TryStartNextOnEmptyQueue(t *testing.T) {
	f := newFixture(t)
	assert.False(t, f.sup.TryStartNext())
	assert.Equal(t, model.WorkerStatusIdle, f.sup.Status().Status)
}

func TestSupervisor_CrashThenRestart(t *testing.T) {
	f := newFixture(t)
	h := newBlockingHandler()
	f.sup.RegisterHandler(model.TaskTypeRunQA, h)

	task := f.enqueueQA("x")
	require.True(t, f.sup.TryStartNext())
	exec := h.waitStarted(t)

	// within the threshold nothing changes
	assert.False(t, f.sup.CheckLiveness(f.clock.Now().Add(119*time.Second)))
	assert.Equal(t, model.WorkerStatusBusy, f.sup.Status().Status)

	f.clock.Advance(121 * time.Second)
	assert.True(t, f.sup.CheckLiveness(f.clock.Now()))

	state := f.sup.Status()
	assert.Equal(t, model.WorkerStatusUnknown, state.Status)
	// the run is still in flight, so staleness is not a crash
	assert.Nil(t, state.LastCrash)

	// a late heartbeat does not bring the worker back to busy
	exec.Heartbeat()
	assert.Equal(t, model.WorkerStatusUnknown, f.sup.Status().Status)
	assert.False(t, f.sup.CheckLiveness(f.clock.Now()))

	// staleness alone never finalizes the run
	assert.Equal(t, model.RunStatusRunning, f.runStatus(t, task.ID).Status)

	result := f.sup.Restart(context.Background())
	assert.Equal(t, model.WorkerStatusUnknown, result.PreviousStatus)
	assert.Equal(t, task.ID, result.CrashedRunID)
	assert.Equal(t, "worker-2", result.PID)

	state = f.sup.Status()
	assert.Equal(t, model.WorkerStatusIdle, state.Status)
	assert.Equal(t, "worker-2", state.PID)
	assert.Nil(t, state.CurrentTask)

	require.NotNil(t, state.LastCrash)
	assert.Equal(t, task.ID, state.LastCrash.RunID)
	assert.Equal(t, "restarted by operator", state.LastCrash.Reason)

	run := f.runStatus(t, task.ID)
	assert.Equal(t, model.RunStatusCrashed, run.Status)
	assert.Equal(t, "restarted by operator", run.Error)

	assert.Contains(t, f.publisher.Subjects(), events.SubjectWorkerStale)
	assert.Contains(t, f.publisher.Subjects(), events.SubjectWorkerRestarted)
}

func TestSupervisor_RestartStartsQueuedWork(t *testing.T) {
	f := newFixture(t)
	h := newBlockingHandler()
	f.sup.RegisterHandler(model.TaskTypeRunQA, h)

	first := f.enqueueQA("first")
	second := f.enqueueQA("second")
	require.True(t, f.sup.TryStartNext())
	h.waitStarted(t)

	result := f.sup.Restart(context.Background())
	assert.Equal(t, model.WorkerStatusBusy, result.PreviousStatus)
	assert.Equal(t, first.ID, result.CrashedRunID)

	exec := h.waitStarted(t)
	assert.Equal(t, second.ID, exec.RunID)

	state := f.sup.Status()
	assert.Equal(t, model.WorkerStatusBusy, state.Status)
	assert.Equal(t, result.PID, state.PID)
}

func TestSupervisor_RestartWaitsForSlowExit(t *testing.T) {
	f := newFixture(t)

	var (
		mu           sync.Mutex
		active, peak int
		started      = make(chan string, 2)
	)
	f.sup.RegisterHandler(model.TaskTypeRunQA, handlerFunc(func(ctx context.Context, exec *Execution) (*model.TaskResult, error) {
		mu.Lock()
		active++
		if active > peak {
			peak = active
		}
		mu.Unlock()
		defer func() {
			mu.Lock()
			active--
			mu.Unlock()
		}()

		started <- exec.RunID
		<-ctx.Done()
		// ignores cancellation for a while before returning
		time.Sleep(300 * time.Millisecond)
		return nil, ctx.Err()
	}))

	first := f.enqueueQA("first")
	second := f.enqueueQA("second")
	require.True(t, f.sup.TryStartNext())
	assert.Equal(t, first.ID, <-started)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	result := f.sup.Restart(ctx)
	assert.Equal(t, first.ID, result.CrashedRunID)

	// the interrupted handler is still running, so the slot stays held
	assert.False(t, f.sup.TryStartNext())
	assert.Equal(t, 1, f.queue.Len())

	select {
	case runID := <-started:
		assert.Equal(t, second.ID, runID)
	case <-time.After(5 * time.Second):
		t.Fatal("queued task was not started after the old execution exited")
	}

	mu.Lock()
	assert.Equal(t, 1, peak)
	mu.Unlock()
}

func TestSupervisor_RestartIdleIsIdempotent(t *testing.T) {
	f := newFixture(t)

	first := f.sup.Restart(context.Background())
	assert.Equal(t, model.WorkerStatusIdle, first.PreviousStatus)
	assert.Empty(t, first.CrashedRunID)
	assert.Equal(t, "worker-1", first.PID)

	second := f.sup.Restart(context.Background())
	assert.Equal(t, model.WorkerStatusIdle, second.PreviousStatus)
	assert.Equal(t, "worker-2", second.PID)

	state := f.sup.Status()
	assert.Equal(t, model.WorkerStatusIdle, state.Status)
	assert.Nil(t, state.LastCrash)
}

func TestSupervisor_LateReportsIgnored(t *testing.T) {
	f := newFixture(t)
	h := newBlockingHandler()
	f.sup.RegisterHandler(model.TaskTypeRunQA, h)

	task := f.enqueueQA("x")
	require.True(t, f.sup.TryStartNext())
	h.waitStarted(t)

	f.sup.Restart(context.Background())

	assert.False(t, f.sup.ReportHeartbeat(task.ID))
	f.sup.ReportCompletion(task.ID, &model.TaskResult{Status: model.TaskStatusCompleted})

	run := f.runStatus(t, task.ID)
	assert.Equal(t, model.RunStatusCrashed, run.Status)
	assert.Equal(t, model.WorkerStatusIdle, f.sup.Status().Status)
}

func TestSupervisor_CompletionWhileUnknown(t *testing.T) {
	f := newFixture(t)
	h := newBlockingHandler()
	f.sup.RegisterHandler(model.TaskTypeRunQA, h)

	task := f.enqueueQA("slow")
	require.True(t, f.sup.TryStartNext())
	h.waitStarted(t)

	f.clock.Advance(10 * time.Minute)
	require.True(t, f.sup.CheckLiveness(f.clock.Now()))

	h.release <- &model.TaskResult{Status: model.TaskStatusCompleted}
	f.waitIdle(t)

	assert.Equal(t, model.RunStatusCompleted, f.runStatus(t, task.ID).Status)
}

func TestSupervisor_HandlerOutcomes(t *testing.T) {
	tests := []struct {
		name       string
		handler    TaskHandler
		wantStatus model.RunStatus
		wantError  string
	}{
		{
			name: "returned error fails",
			handler: handlerFunc(func(ctx context.Context, exec *Execution) (*model.TaskResult, error) {
				return nil, errors.New("checkout failed")
			}),
			wantStatus: model.RunStatusFailed,
			wantError:  "checkout failed",
		},
		{
			name: "crash error crashes",
			handler: handlerFunc(func(ctx context.Context, exec *Execution) (*model.TaskResult, error) {
				return nil, fmt.Errorf("%w: killed by signal", ErrExecutorCrashed)
			}),
			wantStatus: model.RunStatusCrashed,
			wantError:  "killed by signal",
		},
		{
			name: "panic crashes",
			handler: handlerFunc(func(ctx context.Context, exec *Execution) (*model.TaskResult, error) {
				panic("boom")
			}),
			wantStatus: model.RunStatusCrashed,
			wantError:  "handler panic: boom",
		},
		{
			name: "nil result completes",
			handler: handlerFunc(func(ctx context.Context, exec *Execution) (*model.TaskResult, error) {
				return nil, nil
			}),
			wantStatus: model.RunStatusCompleted,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.sup.RegisterHandler(model.TaskTypeRunQA, tt.handler)

			task := f.enqueueQA("x")
			require.True(t, f.sup.TryStartNext())
			f.waitIdle(t)

			require.Eventually(t, func() bool {
				return f.runStatus(t, task.ID).Status.Terminal()
			}, 5*time.Second, 10*time.Millisecond)

			run := f.runStatus(t, task.ID)
			assert.Equal(t, tt.wantStatus, run.Status)
			if tt.wantError != "" {
				assert.Contains(t, run.Error, tt.wantError)
			}
		})
	}
}

func TestSupervisor_NoHandler(t *testing.T) {
	f := newFixture(t)

	task := f.queue.Enqueue(model.TaskPriorityP1, model.SyncPayload{TriggeredBy: "test"})
	require.True(t, f.sup.TryStartNext())
	f.waitIdle(t)

	require.Eventually(t, func() bool {
		return f.runStatus(t, task.ID).Status.Terminal()
	}, 5*time.Second, 10*time.Millisecond)

	run := f.runStatus(t, task.ID)
	assert.Equal(t, model.RunStatusFailed, run.Status)
	assert.Contains(t, run.Error, ErrNoHandler.Error())
}

func TestSupervisor_ExecutionContract(t *testing.T) {
	f := newFixture(t)
	f.sup.RegisterHandler(model.TaskTypeRunQA, handlerFunc(func(ctx context.Context, exec *Execution) (*model.TaskResult, error) {
		exec.SetPID("4242")
		w, err := exec.CreateLog("output.log")
		if err != nil {
			return nil, err
		}
		defer w.Close()
		fmt.Fprintln(w, "all tests passed")
		exec.Heartbeat()
		return &model.TaskResult{Status: model.TaskStatusCompleted}, nil
	}))

	task := f.enqueueQA("x")
	require.True(t, f.sup.TryStartNext())
	f.waitIdle(t)

	require.Eventually(t, func() bool {
		return f.runStatus(t, task.ID).Status == model.RunStatusCompleted
	}, 5*time.Second, 10*time.Millisecond)

	files, err := f.store.ListEvidence(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{RunLogFile, "output.log"}, files)

	output, err := f.store.ReadLog(context.Background(), task.ID, "output.log")
	require.NoError(t, err)
	assert.Equal(t, "all tests passed\n", string(output))

	runLog, err := f.store.ReadLog(context.Background(), task.ID, RunLogFile)
	require.NoError(t, err)
	assert.Contains(t, string(runLog), "run started")
	assert.Contains(t, string(runLog), `"pid":"4242"`)
	assert.Contains(t, string(runLog), "run finished")

	require.Eventually(t, func() bool {
		return len(f.publisher.Subjects()) == 2
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{events.SubjectRunStarted, events.SubjectRunFinished}, f.publisher.Subjects())
}

func TestSupervisor_KeepAlive(t *testing.T) {
	f := newFixture(t)

	alive := make(chan struct{})
	beats := 0
	f.sup.RegisterHandler(model.TaskTypeRunQA, handlerFunc(func(ctx context.Context, exec *Execution) (*model.TaskResult, error) {
		exec.KeepAlive(ctx, 5*time.Millisecond, func() bool {
			beats++
			if beats > 3 {
				close(alive)
				return false
			}
			return true
		})
		return &model.TaskResult{Status: model.TaskStatusCompleted}, nil
	}))

	f.enqueueQA("x")
	require.True(t, f.sup.TryStartNext())

	select {
	case <-alive:
	case <-time.After(5 * time.Second):
		t.Fatal("keep alive check was not polled")
	}
	f.waitIdle(t)
}

func TestSupervisor_Loop(t *testing.T) {
	f := newFixture(t)

	var mu sync.Mutex
	var ran []string
	f.sup.RegisterHandler(model.TaskTypeRunQA, handlerFunc(func(ctx context.Context, exec *Execution) (*model.TaskResult, error) {
		mu.Lock()
		ran = append(ran, exec.RunID)
		mu.Unlock()
		return &model.TaskResult{Status: model.TaskStatusCompleted}, nil
	}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.sup.Start(ctx)

	a := f.enqueueQA("a")
	b := f.enqueueQA("b")

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(ran) == 2
	}, 5*time.Second, 10*time.Millisecond)

	mu.Lock()
	assert.Equal(t, []string{a.ID, b.ID}, ran)
	mu.Unlock()
}

func TestSupervisor_StopCrashesInFlight(t *testing.T) {
	f := newFixture(t)
	h := newBlockingHandler()
	f.sup.RegisterHandler(model.TaskTypeRunQA, h)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.sup.Start(ctx)

	task := f.enqueueQA("x")
	h.waitStarted(t)

	f.sup.Stop()

	run := f.runStatus(t, task.ID)
	assert.Equal(t, model.RunStatusCrashed, run.Status)
	assert.Equal(t, "supervisor shutdown", run.Error)

	// nothing starts after stop
	f.enqueueQA("late")
	assert.False(t, f.sup.TryStartNext())
	assert.Equal(t, 1, f.queue.Len())
}

func TestSupervisor_NoDequeueAfterStop(t *testing.T) {
	f := newFixture(t)
	finish := make(chan struct{})
	f.sup.RegisterHandler(model.TaskTypeRunQA, handlerFunc(func(ctx context.Context, exec *Execution) (*model.TaskResult, error) {
		select {
		case <-finish:
			return &model.TaskResult{Status: model.TaskStatusCompleted}, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}))

	// hold the completion between freeing the slot and starting the next
	// task until shutdown has begun
	f.publisher.onPublish = func(subject string) {
		if subject == events.SubjectRunFinished {
			<-f.sup.stop
		}
	}

	first := f.enqueueQA("first")
	require.True(t, f.sup.TryStartNext())
	waiting := f.enqueueQA("waiting")

	f.sup.mu.Lock()
	done := f.sup.current.done
	f.sup.mu.Unlock()

	close(finish)
	f.waitIdle(t)
	f.sup.Stop()
	<-done

	assert.Equal(t, model.RunStatusCompleted, f.runStatus(t, first.ID).Status)
	assert.Equal(t, 1, f.queue.Len())
	_, err := f.store.GetRun(context.Background(), waiting.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)
	assert.False(t, f.sup.TryStartNext())
}
