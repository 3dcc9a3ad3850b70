package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"
)

var (
	// ErrInvalidPriority is returned when a priority label is not recognized
	ErrInvalidPriority = errors.New("invalid task priority")

	// ErrInvalidPayload is returned when a task payload fails validation
	ErrInvalidPayload = errors.New("invalid task payload")
)

// TaskType identifies which handler executes a task
type TaskType string

const (
	TaskTypeRunQA      TaskType = "runQA"
	TaskTypeSyncNotion TaskType = "syncNotion"
)

// TaskPriority represents the priority level of a task. Lower values run first.
type TaskPriority int

const (
	TaskPriorityP0 TaskPriority = iota
	TaskPriorityP1
	TaskPriorityP2

	// TaskPriorityDefault is used when a request does not specify a priority
	TaskPriorityDefault = TaskPriorityP2
)

var priorityLabels = map[TaskPriority]string{
	TaskPriorityP0: "P0",
	TaskPriorityP1: "P1",
	TaskPriorityP2: "P2",
}

// ParsePriority converts a label such as "P1" into a TaskPriority.
// An empty label yields the default priority.
func ParsePriority(label string) (TaskPriority, error) {
	label = strings.ToUpper(strings.TrimSpace(label))
	if label == "" {
		return TaskPriorityDefault, nil
	}
	for p, l := range priorityLabels {
		if l == label {
			return p, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrInvalidPriority, label)
}

// Valid reports whether p is one of the known priority levels
func (p TaskPriority) Valid() bool {
	_, ok := priorityLabels[p]
	return ok
}

func (p TaskPriority) String() string {
	if l, ok := priorityLabels[p]; ok {
		return l
	}
	return fmt.Sprintf("P?(%d)", int(p))
}

// MarshalText encodes the priority as its label
func (p TaskPriority) MarshalText() ([]byte, error) {
	if !p.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrInvalidPriority, int(p))
	}
	return []byte(priorityLabels[p]), nil
}

// UnmarshalText decodes a priority label
func (p *TaskPriority) UnmarshalText(text []byte) error {
	v, err := ParsePriority(string(text))
	if err != nil {
		return err
	}
	*p = v
	return nil
}

// TaskPayload is the type-specific data carried by a task. The queue never
// looks inside it; handlers type-switch on the concrete value.
type TaskPayload interface {
	TaskType() TaskType
	Validate() error
}

var projectNamePattern = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)

// QAPayload is the payload of a runQA task
type QAPayload struct {
	Project     string `json:"project"`
	Branch      string `json:"branch"`
	TriggeredBy string `json:"triggeredBy"`
}

func (QAPayload) TaskType() TaskType { return TaskTypeRunQA }

// Validate checks that the project can be used as a workspace directory name
func (p QAPayload) Validate() error {
	if !projectNamePattern.MatchString(p.Project) || p.Project == "." || p.Project == ".." {
		return fmt.Errorf("%w: project %q", ErrInvalidPayload, p.Project)
	}
	if strings.TrimSpace(p.Branch) == "" {
		return fmt.Errorf("%w: branch is required", ErrInvalidPayload)
	}
	return nil
}

// SyncPayload is the payload of a syncNotion task
type SyncPayload struct {
	Database    string `json:"database,omitempty"`
	TriggeredBy string `json:"triggeredBy"`
}

func (SyncPayload) TaskType() TaskType { return TaskTypeSyncNotion }

func (p SyncPayload) Validate() error { return nil }

// DecodePayload decodes raw JSON into the payload type matching taskType
func DecodePayload(taskType TaskType, raw []byte) (TaskPayload, error) {
	switch taskType {
	case TaskTypeRunQA:
		var p QAPayload
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &p); err != nil {
				return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
			}
		}
		return p, nil
	case TaskTypeSyncNotion:
		var p SyncPayload
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &p); err != nil {
				return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
			}
		}
		return p, nil
	default:
		return nil, fmt.Errorf("%w: unknown task type %q", ErrInvalidPayload, taskType)
	}
}

// Task represents an admitted unit of work waiting in the queue
type Task struct {
	ID         string       `json:"id"`
	Type       TaskType     `json:"type"`
	Priority   TaskPriority `json:"priority"`
	Payload    TaskPayload  `json:"payload"`
	EnqueuedAt time.Time    `json:"enqueuedAt"`

	// Seq is the admission order, used as the final ordering tiebreak
	Seq uint64 `json:"-"`
}

// Age returns how long the task has been waiting as of now
func (t *Task) Age(now time.Time) time.Duration {
	return now.Sub(t.EnqueuedAt)
}

// TaskView is a read-only snapshot of a queued task with its derived age
type TaskView struct {
	*Task
	Age float64 `json:"age"`
}

// TaskStatus represents the outcome of a task execution
type TaskStatus string

const (
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
	TaskStatusCrashed   TaskStatus = "crashed"
)

// TaskResult represents the result of a task execution
type TaskResult struct {
	TaskID      string     `json:"task_id"`
	Status      TaskStatus `json:"status"`
	Result      []byte     `json:"result,omitempty"`
	Error       string     `json:"error,omitempty"`
	CompletedAt time.Time  `json:"completed_at"`
}
