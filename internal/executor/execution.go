package executor

import (
	"context"
	"io"
	"time"

	"go.uber.org/zap"

	"github.com/t77yq/qa-queue/internal/model"
)

// Execution is the handle a TaskHandler receives for one run. Every call
// is bound to the run id, so reports from an execution that has already
// been replaced are ignored by the supervisor.
type Execution struct {
	Task  *model.Task
	RunID string

	supervisor *Supervisor
	logger     *zap.Logger
}

// Heartbeat reports liveness of the running task
func (e *Execution) Heartbeat() {
	e.supervisor.ReportHeartbeat(e.RunID)
}

// SetPID records the identifier of the spawned executor process
func (e *Execution) SetPID(pid string) {
	e.supervisor.setPID(e.RunID, pid)
}

// CreateLog creates an evidence file registered on the run
func (e *Execution) CreateLog(name string) (io.WriteCloser, error) {
	return e.supervisor.store.CreateLog(context.Background(), e.RunID, name)
}

// KeepAlive sends a heartbeat every interval for as long as alive reports
// the work alive. It returns when ctx is done or alive returns false.
func (e *Execution) KeepAlive(ctx context.Context, interval time.Duration, alive func() bool) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !alive() {
				e.logger.Debug("Work no longer alive, heartbeats stopped")
				return
			}
			e.Heartbeat()
		}
	}
}

// Logger returns a logger scoped to the run
func (e *Execution) Logger() *zap.Logger {
	return e.logger
}
