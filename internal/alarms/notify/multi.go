package notify

import (
	"context"

	alarmapp "sensorguard-cloud/internal/alarms/application"
)

// MultiNotifier forwards lifecycle outcomes to multiple notifiers.
type MultiNotifier struct {
	notifiers []alarmapp.AlarmNotifier
}

// NewMultiNotifier constructs a MultiNotifier. Nil entries are dropped.
func NewMultiNotifier(notifiers ...alarmapp.AlarmNotifier) *MultiNotifier {
	kept := make([]alarmapp.AlarmNotifier, 0, len(notifiers))
	for _, n := range notifiers {
		if n != nil {
			kept = append(kept, n)
		}
	}
	return &MultiNotifier{notifiers: kept}
}

// Notify forwards the outcome to all notifiers in order.
func (m *MultiNotifier) Notify(ctx context.Context, outcome alarmapp.Outcome) {
	if m == nil {
		return
	}
	for _, notifier := range m.notifiers {
		notifier.Notify(ctx, outcome)
	}
}

// Len reports the number of wired notifiers.
func (m *MultiNotifier) Len() int {
	if m == nil {
		return 0
	}
	return len(m.notifiers)
}
