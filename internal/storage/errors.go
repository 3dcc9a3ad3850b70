package storage

import "errors"

var (
	// ErrNotFound is returned when a run or one of its log files does not exist
	ErrNotFound = errors.New("not found")

	// ErrInvalidState is returned when a terminal run is finalized again
	ErrInvalidState = errors.New("run already in terminal state")

	// ErrInvalidStatus is returned when finalizing to a non-terminal status
	ErrInvalidStatus = errors.New("invalid terminal status")

	// ErrInvalidFilename is returned for evidence names that are not plain file names
	ErrInvalidFilename = errors.New("invalid log filename")
)
