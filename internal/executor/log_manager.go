package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/t77yq/qa-queue/internal/storage"
)

// RunLogFile is the evidence file holding supervisor lifecycle entries
const RunLogFile = "run.log"

// LogEntry represents a run log entry
type LogEntry struct {
	Timestamp time.Time              `json:"timestamp"`
	Level     string                 `json:"level"`
	RunID     string                 `json:"runId"`
	Message   string                 `json:"message"`
	Data      map[string]interface{} `json:"data,omitempty"`
}

// LogConfig defines configuration for run log management
type LogConfig struct {
	FlushInterval time.Duration // Interval to flush buffered entries
}

// LogManager buffers lifecycle entries per run and flushes them into the
// run's run.log evidence file
type LogManager struct {
	logger  *zap.Logger
	store   storage.RunStore
	config  LogConfig
	mu      sync.Mutex
	files   map[string]io.WriteCloser
	buffers map[string][]LogEntry
	stop    chan struct{}
	once    sync.Once
}

// NewLogManager creates a new log manager
func NewLogManager(store storage.RunStore, config LogConfig, logger *zap.Logger) *LogManager {
	if config.FlushInterval <= 0 {
		config.FlushInterval = time.Second
	}
	return &LogManager{
		logger:  logger.Named("log-manager"),
		store:   store,
		config:  config,
		files:   make(map[string]io.WriteCloser),
		buffers: make(map[string][]LogEntry),
		stop:    make(chan struct{}),
	}
}

// Start starts the flush loop
func (lm *LogManager) Start(ctx context.Context) {
	lm.logger.Info("Starting log manager")
	go lm.flushLoop(ctx)
}

// Stop flushes and closes every open run log
func (lm *LogManager) Stop() {
	lm.once.Do(func() {
		lm.logger.Info("Stopping log manager")
		close(lm.stop)
	})

	lm.mu.Lock()
	defer lm.mu.Unlock()

	for runID := range lm.files {
		lm.closeLocked(runID)
	}
}

// Open creates the run.log evidence file for a run
func (lm *LogManager) Open(ctx context.Context, runID string) error {
	file, err := lm.store.CreateLog(ctx, runID, RunLogFile)
	if err != nil {
		return fmt.Errorf("failed to create run log: %w", err)
	}

	lm.mu.Lock()
	lm.files[runID] = file
	lm.mu.Unlock()
	return nil
}

// AddLogEntry buffers an entry for a run; entries for runs without an open
// log are dropped
func (lm *LogManager) AddLogEntry(runID, level, message string, data map[string]interface{}) {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	if _, ok := lm.files[runID]; !ok {
		return
	}
	lm.buffers[runID] = append(lm.buffers[runID], LogEntry{
		Timestamp: time.Now(),
		Level:     level,
		RunID:     runID,
		Message:   message,
		Data:      data,
	})
}

// Close flushes pending entries and closes the run log
func (lm *LogManager) Close(runID string) {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	lm.closeLocked(runID)
}

func (lm *LogManager) closeLocked(runID string) {
	file, ok := lm.files[runID]
	if !ok {
		return
	}
	lm.flushLocked(runID, file)
	if err := file.Close(); err != nil {
		lm.logger.Error("Failed to close run log",
			zap.String("run_id", runID),
			zap.Error(err))
	}
	delete(lm.files, runID)
	delete(lm.buffers, runID)
}

// flushLoop periodically flushes logs to disk
func (lm *LogManager) flushLoop(ctx context.Context) {
	ticker := time.NewTicker(lm.config.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-lm.stop:
			return
		case <-ticker.C:
			lm.flushLogs()
		}
	}
}

// flushLogs flushes buffered entries of every open run
func (lm *LogManager) flushLogs() {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	for runID, file := range lm.files {
		lm.flushLocked(runID, file)
	}
}

func (lm *LogManager) flushLocked(runID string, file io.Writer) {
	entries := lm.buffers[runID]
	if len(entries) == 0 {
		return
	}

	encoder := json.NewEncoder(file)
	for _, entry := range entries {
		if err := encoder.Encode(entry); err != nil {
			lm.logger.Error("Failed to write log entry",
				zap.String("run_id", runID),
				zap.Error(err))
		}
	}
	lm.buffers[runID] = entries[:0]
}
