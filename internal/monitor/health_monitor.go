package monitor

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/t77yq/qa-queue/internal/model"
	"github.com/t77yq/qa-queue/internal/scheduler"
)

// WorkerSource exposes the supervisor's view of the execution slot
type WorkerSource interface {
	Status() model.WorkerState
	StalenessThreshold() time.Duration
}

// QueueSource exposes pending queue statistics
type QueueSource interface {
	Stats() scheduler.QueueStats
}

// HealthConfig configures thresholds and the evaluation interval
type HealthConfig struct {
	DiskPath               string
	DiskThresholdPercent   float64
	MemoryThresholdPercent float64
	Interval               time.Duration
}

// HealthMonitor aggregates worker, queue and host health
type HealthMonitor struct {
	logger *zap.Logger
	worker WorkerSource
	queue  QueueSource
	host   HostStats
	alerts *AlertManager
	config HealthConfig
	now    func() time.Time

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewHealthMonitor creates a new health monitor. alerts may be nil.
func NewHealthMonitor(worker WorkerSource, queue QueueSource, host HostStats, alerts *AlertManager, config HealthConfig, logger *zap.Logger) *HealthMonitor {
	if config.DiskPath == "" {
		config.DiskPath = "/"
	}
	if config.DiskThresholdPercent <= 0 {
		config.DiskThresholdPercent = 90
	}
	if config.MemoryThresholdPercent <= 0 {
		config.MemoryThresholdPercent = 90
	}
	if config.Interval <= 0 {
		config.Interval = 30 * time.Second
	}
	if host == nil {
		host = SystemStats{}
	}
	return &HealthMonitor{
		logger: logger.Named("health-monitor"),
		worker: worker,
		queue:  queue,
		host:   host,
		alerts: alerts,
		config: config,
		now:    time.Now,
		stop:   make(chan struct{}),
	}
}

// SetClock overrides the time source
func (m *HealthMonitor) SetClock(now func() time.Time) {
	m.now = now
}

// CheckHealth returns a snapshot of the current health indicators.
// Failures reading host usage are reported as not ok.
func (m *HealthMonitor) CheckHealth(ctx context.Context) model.HealthSnapshot {
	now := m.now()
	worker := m.worker.Status()
	stats := m.queue.Stats()

	snapshot := model.HealthSnapshot{
		Worker: worker,
		Queue: model.QueueHealth{
			Depth:     stats.Depth,
			OldestAge: stats.OldestAge.Seconds(),
		},
		CheckedAt: now,
	}

	var stale time.Duration
	if worker.CurrentTask != nil && worker.LastHeartbeat != nil {
		stale = now.Sub(*worker.LastHeartbeat)
		if stale < 0 {
			stale = 0
		}
	}
	snapshot.Heartbeat = model.HeartbeatHealth{
		OK:           worker.Status != model.WorkerStatusUnknown && stale <= m.worker.StalenessThreshold(),
		StaleSeconds: stale.Seconds(),
	}

	if used, err := m.host.DiskUsage(ctx, m.config.DiskPath); err != nil {
		m.logger.Warn("Failed to read disk usage", zap.String("path", m.config.DiskPath), zap.Error(err))
	} else {
		snapshot.Disk = model.ResourceHealth{UsedPercent: used, OK: used < m.config.DiskThresholdPercent}
	}

	if used, err := m.host.MemoryUsage(ctx); err != nil {
		m.logger.Warn("Failed to read memory usage", zap.Error(err))
	} else {
		snapshot.Memory = model.ResourceHealth{UsedPercent: used, OK: used < m.config.MemoryThresholdPercent}
	}

	return snapshot
}

// Start starts the periodic evaluation loop
func (m *HealthMonitor) Start(ctx context.Context) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.config.Interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-m.stop:
				return
			case <-ticker.C:
				m.evaluate(ctx)
			}
		}
	}()
	m.logger.Info("Health monitor started", zap.Duration("interval", m.config.Interval))
}

// Stop stops the evaluation loop
func (m *HealthMonitor) Stop() {
	m.stopOnce.Do(func() {
		close(m.stop)
	})
	m.wg.Wait()
}

func (m *HealthMonitor) evaluate(ctx context.Context) {
	snapshot := m.CheckHealth(ctx)
	if m.alerts != nil {
		m.alerts.Evaluate(ctx, snapshot)
	}
	m.logger.Debug("Health evaluated",
		zap.String("worker", string(snapshot.Worker.Status)),
		zap.Int("queue_depth", snapshot.Queue.Depth),
		zap.Bool("heartbeat_ok", snapshot.Heartbeat.OK))
}
