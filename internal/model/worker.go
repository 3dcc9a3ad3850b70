package model

import "time"

// WorkerStatus represents the supervisor's view of the execution slot
type WorkerStatus string

const (
	WorkerStatusIdle    WorkerStatus = "idle"
	WorkerStatusBusy    WorkerStatus = "busy"
	WorkerStatusUnknown WorkerStatus = "unknown"
)

// CurrentTask describes the task occupying the execution slot
type CurrentTask struct {
	*Task
	RunID string `json:"runId"`
}

// CrashInfo summarizes the most recent detected crash
type CrashInfo struct {
	At     time.Time `json:"at"`
	RunID  string    `json:"runId,omitempty"`
	Reason string    `json:"reason"`
}

// WorkerState is a snapshot of the worker slot
type WorkerState struct {
	Status        WorkerStatus `json:"status"`
	CurrentTask   *CurrentTask `json:"currentTask"`
	PID           string       `json:"pid,omitempty"`
	StartedAt     time.Time    `json:"startedAt"`
	Uptime        float64      `json:"uptime"`
	LastCrash     *CrashInfo   `json:"lastCrash"`
	LastHeartbeat *time.Time   `json:"lastHeartbeat"`
}

// RestartResult is returned by an administrative restart
type RestartResult struct {
	PID            string       `json:"pid"`
	PreviousStatus WorkerStatus `json:"previousStatus"`
	CrashedRunID   string       `json:"crashedRunId,omitempty"`
}
