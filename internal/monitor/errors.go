package monitor

import "errors"

var (
	// ErrRuleNotFound is returned when an alert rule does not exist
	ErrRuleNotFound = errors.New("alert rule not found")

	// ErrInvalidRule is returned when a rule has an unknown type or threshold
	ErrInvalidRule = errors.New("invalid alert rule")
)
