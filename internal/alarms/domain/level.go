package alarms

import "strings"

// Level is the severity assigned by a matching rule.
type Level string

const (
	LevelNormal  Level = "NORMAL"
	LevelCaution Level = "CAUTION"
	LevelWarning Level = "WARNING"
	LevelDanger  Level = "DANGER"
)

// ParseLevel normalizes a stored level name.
func ParseLevel(raw string) (Level, bool) {
	level := Level(strings.ToUpper(strings.TrimSpace(raw)))
	return level, level.Valid()
}

// Valid returns true for known levels.
func (l Level) Valid() bool {
	switch l {
	case LevelNormal, LevelCaution, LevelWarning, LevelDanger:
		return true
	default:
		return false
	}
}

// Rank orders levels by severity; NORMAL is zero.
func (l Level) Rank() int {
	switch l {
	case LevelCaution:
		return 1
	case LevelWarning:
		return 2
	case LevelDanger:
		return 3
	default:
		return 0
	}
}

// IsAlarm reports whether the level represents a breach.
func (l Level) IsAlarm() bool {
	return l.Rank() > 0
}
