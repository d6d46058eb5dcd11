package alarms

import (
	"errors"
	"time"
)

// ConditionRule maps a value shape on one field of a device type to a level.
type ConditionRule struct {
	ID            string
	ObjectID      string
	FieldKey      string
	Level         Level
	Shape         Shape
	Active        bool
	NotifyEnabled bool
	Order         int
	GuideMessage  string
	UpdatedAt     time.Time
}

// Validate checks rule invariants. Evaluation-time problems are reported as
// *ConfigurationError so callers can skip the rule instead of failing.
func (r ConditionRule) Validate() error {
	if r.ID == "" {
		return errors.New("condition rule: empty id")
	}
	if r.FieldKey == "" {
		return configErr(r.ID, "empty field key")
	}
	if !r.Level.Valid() {
		return configErr(r.ID, "unknown level %q", r.Level)
	}
	return validateShape(r.ID, r.Shape)
}
