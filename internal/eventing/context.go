package eventing

import "context"

type contextKey string

const contextKeyEventID contextKey = "eventing.event_id"

// WithEventID sets the event id in context.
func WithEventID(ctx context.Context, eventID string) context.Context {
	return context.WithValue(ctx, contextKeyEventID, eventID)
}

// EventIDFromContext returns the event id set by WithEventID.
func EventIDFromContext(ctx context.Context) string {
	if value, ok := ctx.Value(contextKeyEventID).(string); ok {
		return value
	}
	return ""
}

func eventKey(ctx context.Context, event any) string {
	if keyed, ok := event.(Keyed); ok {
		if key := keyed.EventKey(); key != "" {
			return key
		}
	}
	return EventIDFromContext(ctx)
}
