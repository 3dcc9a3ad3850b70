package monitor

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/t77yq/qa-queue/internal/model"
	"github.com/t77yq/qa-queue/internal/scheduler"
)

type fakeHost struct {
	disk, memory       float64
	diskErr, memoryErr error
}

func (p fakeHost) DiskUsage(context.Context, string) (float64, error) { return p.disk, p.diskErr }
func (p fakeHost) MemoryUsage(context.Context) (float64, error)       { return p.memory, p.memoryErr }

type fakeWorker struct {
	mu    sync.Mutex
	state model.WorkerState
}

func (w *fakeWorker) Status() model.WorkerState {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

func (w *fakeWorker) StalenessThreshold() time.Duration { return 2 * time.Minute }

type fakeQueue scheduler.QueueStats

func (q fakeQueue) Stats() scheduler.QueueStats { return scheduler.QueueStats(q) }

func TestHealthMonitor_CheckHealth(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	beat := now.Add(-30 * time.Second)
	task := &model.CurrentTask{Task: &model.Task{ID: "t1", Type: model.TaskTypeRunQA}, RunID: "t1"}

	tests := []struct {
		name          string
		worker        model.WorkerState
		host          fakeHost
		wantHeartbeat model.HeartbeatHealth
		wantDisk      model.ResourceHealth
		wantMemory    model.ResourceHealth
	}{
		{
			name:          "idle worker",
			worker:        model.WorkerState{Status: model.WorkerStatusIdle, LastHeartbeat: &beat},
			host:          fakeHost{disk: 40, memory: 60},
			wantHeartbeat: model.HeartbeatHealth{OK: true, StaleSeconds: 0},
			wantDisk:      model.ResourceHealth{UsedPercent: 40, OK: true},
			wantMemory:    model.ResourceHealth{UsedPercent: 60, OK: true},
		},
		{
			name:          "busy worker with recent heartbeat",
			worker:        model.WorkerState{Status: model.WorkerStatusBusy, CurrentTask: task, LastHeartbeat: &beat},
			host:          fakeHost{disk: 95, memory: 10},
			wantHeartbeat: model.HeartbeatHealth{OK: true, StaleSeconds: 30},
			wantDisk:      model.ResourceHealth{UsedPercent: 95, OK: false},
			wantMemory:    model.ResourceHealth{UsedPercent: 10, OK: true},
		},
		{
			name:          "unknown worker",
			worker:        model.WorkerState{Status: model.WorkerStatusUnknown, CurrentTask: task, LastHeartbeat: &beat},
			host:          fakeHost{disk: 10, memory: 10},
			wantHeartbeat: model.HeartbeatHealth{OK: false, StaleSeconds: 30},
			wantDisk:      model.ResourceHealth{UsedPercent: 10, OK: true},
			wantMemory:    model.ResourceHealth{UsedPercent: 10, OK: true},
		},
		{
			name:          "host read failures",
			worker:        model.WorkerState{Status: model.WorkerStatusIdle},
			host:          fakeHost{diskErr: errors.New("no such path"), memoryErr: errors.New("unsupported")},
			wantHeartbeat: model.HeartbeatHealth{OK: true},
			wantDisk:      model.ResourceHealth{OK: false},
			wantMemory:    model.ResourceHealth{OK: false},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			worker := &fakeWorker{state: tt.worker}
			queue := fakeQueue{Depth: 3, OldestAge: 90 * time.Second}
			m := NewHealthMonitor(worker, queue, tt.host, nil, HealthConfig{
				DiskThresholdPercent:   90,
				MemoryThresholdPercent: 90,
			}, zaptest.NewLogger(t))
			m.SetClock(func() time.Time { return now })

			snapshot := m.CheckHealth(context.Background())
			assert.Equal(t, tt.wantHeartbeat, snapshot.Heartbeat)
			assert.Equal(t, tt.wantDisk, snapshot.Disk)
			assert.Equal(t, tt.wantMemory, snapshot.Memory)
			assert.Equal(t, model.QueueHealth{Depth: 3, OldestAge: 90}, snapshot.Queue)
			assert.Equal(t, tt.worker.Status, snapshot.Worker.Status)
			assert.Equal(t, now, snapshot.CheckedAt)
		})
	}
}

func TestHealthMonitor_StaleBeyondThreshold(t *testing.T) {
	now := time.Now()
	beat := now.Add(-3 * time.Minute)
	worker := &fakeWorker{state: model.WorkerState{
		Status:        model.WorkerStatusBusy,
		CurrentTask:   &model.CurrentTask{Task: &model.Task{ID: "t1"}, RunID: "t1"},
		LastHeartbeat: &beat,
	}}
	m := NewHealthMonitor(worker, fakeQueue{}, fakeHost{}, nil, HealthConfig{}, zaptest.NewLogger(t))
	m.SetClock(func() time.Time { return now })

	snapshot := m.CheckHealth(context.Background())
	require.False(t, snapshot.Heartbeat.OK)
	require.InDelta(t, 180, snapshot.Heartbeat.StaleSeconds, 0.001)
}

func TestHealthMonitor_LoopSendsAlerts(t *testing.T) {
	received := make(chan string, 10)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		received <- string(body)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	logger := zaptest.NewLogger(t)
	alerts := NewAlertManager(nil, logger)
	for _, rule := range DefaultRules(80, 80) {
		require.NoError(t, alerts.AddRule(rule))
	}
	alerts.AddChannel("webhook", NewWebhookChannel(server.URL, nil, logger))

	worker := &fakeWorker{state: model.WorkerState{Status: model.WorkerStatusIdle}}
	m := NewHealthMonitor(worker, fakeQueue{}, fakeHost{disk: 85, memory: 10}, alerts,
		HealthConfig{Interval: 10 * time.Millisecond}, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.Start(ctx)
	defer m.Stop()

	select {
	case body := <-received:
		require.Contains(t, body, `"type":"disk_usage"`)
	case <-time.After(5 * time.Second):
		t.Fatal("webhook was not called")
	}

	// The disk alert stays active and is not re-sent
	time.Sleep(50 * time.Millisecond)
	require.Len(t, received, 0)
	require.Len(t, alerts.ActiveAlerts(), 1)
}

func TestWebhookChannel_Send(t *testing.T) {
	var gotContentType, gotToken string
	done := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotContentType = r.Header.Get("Content-Type")
		gotToken = r.Header.Get("X-Token")
		close(done)
	}))
	defer server.Close()

	channel := NewWebhookChannel(server.URL, map[string]string{"X-Token": "secret"}, zaptest.NewLogger(t))
	err := channel.Send(context.Background(), &model.Alert{ID: "a1", Type: model.AlertTypeRunCrashed})
	require.NoError(t, err)
	<-done
	require.Equal(t, "application/json", gotContentType)
	require.Equal(t, "secret", gotToken)
}

func TestWebhookChannel_ErrorStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	channel := NewWebhookChannel(server.URL, nil, zaptest.NewLogger(t))
	err := channel.Send(context.Background(), &model.Alert{ID: "a1"})
	require.Error(t, err)
	require.Contains(t, err.Error(), "500")
}
