package executor

import "errors"

var (
	// ErrNoHandler is reported when a task type has no registered handler
	ErrNoHandler = errors.New("no handler registered for task type")

	// ErrExecutorCrashed is wrapped by handlers to report a crash rather
	// than an ordinary failure
	ErrExecutorCrashed = errors.New("executor crashed")
)
