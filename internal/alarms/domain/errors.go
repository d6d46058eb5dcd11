package alarms

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound indicates a missing event record.
	ErrNotFound = errors.New("alarm: not found")
	// ErrInvalidTransition indicates a trigger not allowed from the current status.
	ErrInvalidTransition = errors.New("alarm: invalid status transition")
	// ErrConcurrencyConflict indicates the stored record changed under the caller.
	ErrConcurrencyConflict = errors.New("alarm: concurrent modification")
)

// ConfigurationError reports a rule that cannot be evaluated.
type ConfigurationError struct {
	RuleID string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("alarm rule %s: %s", e.RuleID, e.Reason)
}

func configErr(ruleID, format string, args ...any) *ConfigurationError {
	return &ConfigurationError{RuleID: ruleID, Reason: fmt.Sprintf(format, args...)}
}
