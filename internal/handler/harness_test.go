package handler

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/t77yq/qa-queue/internal/events"
	"github.com/t77yq/qa-queue/internal/executor"
	"github.com/t77yq/qa-queue/internal/model"
	"github.com/t77yq/qa-queue/internal/scheduler"
	"github.com/t77yq/qa-queue/internal/storage"
)

// harness runs handlers through a real supervisor and run store
type harness struct {
	queue *scheduler.TaskQueue
	store *storage.SQLiteRunStore
	sup   *executor.Supervisor
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	logger := zaptest.NewLogger(t)
	dir := t.TempDir()

	store, err := storage.NewSQLiteRunStore(logger, filepath.Join(dir, "runs.db"), filepath.Join(dir, "logs"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	queue := scheduler.NewTaskQueue(logger)
	sup := executor.NewSupervisor(queue, store, events.Nop{}, executor.SupervisorConfig{
		StopTimeout: 5 * time.Second,
	}, logger)
	t.Cleanup(sup.Stop)

	return &harness{queue: queue, store: store, sup: sup}
}

// run executes one task to completion and returns its run record
func (h *harness) run(t *testing.T, payload model.TaskPayload) *model.Run {
	t.Helper()

	task := h.queue.Enqueue(model.TaskPriorityP1, payload)
	require.True(t, h.sup.TryStartNext())

	var run *model.Run
	require.Eventually(t, func() bool {
		var err error
		run, err = h.store.GetRun(context.Background(), task.ID)
		return err == nil && run.Status.Terminal()
	}, 10*time.Second, 20*time.Millisecond)
	return run
}

func (h *harness) readLog(t *testing.T, runID, name string) string {
	t.Helper()
	content, err := h.store.ReadLog(context.Background(), runID, name)
	require.NoError(t, err)
	return string(content)
}
