package model

import (
	"encoding/json"
	"time"
)

// RunStatus represents the state of a run record
type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCrashed   RunStatus = "crashed"
)

// Terminal reports whether the status can no longer change
func (s RunStatus) Terminal() bool {
	switch s {
	case RunStatusCompleted, RunStatusFailed, RunStatusCrashed:
		return true
	}
	return false
}

// Run is the execution record created when a task is dequeued
type Run struct {
	ID          string          `json:"runId"`
	TaskID      string          `json:"taskId"`
	TaskType    TaskType        `json:"taskType"`
	Priority    TaskPriority    `json:"priority"`
	Status      RunStatus       `json:"status"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Error       string          `json:"error,omitempty"`
	StartedAt   time.Time       `json:"startedAt"`
	CompletedAt *time.Time      `json:"completedAt,omitempty"`
	Duration    time.Duration   `json:"duration,omitempty"`
	LogFiles    []string        `json:"logFiles"`
}
