package auth

import "context"

type contextKey string

const (
	contextKeyRole    contextKey = "auth.role"
	contextKeySubject contextKey = "auth.subject"
)

// WithIdentity stores auth identity details in context.
func WithIdentity(ctx context.Context, role Role, userID string) context.Context {
	ctx = context.WithValue(ctx, contextKeyRole, role)
	ctx = context.WithValue(ctx, contextKeySubject, userID)
	return ctx
}

// RoleFromContext extracts role from context.
func RoleFromContext(ctx context.Context) Role {
	if ctx == nil {
		return ""
	}
	value := ctx.Value(contextKeyRole)
	if role, ok := value.(Role); ok {
		return role
	}
	if role, ok := value.(string); ok {
		if normalized, valid := NormalizeRole(role); valid {
			return normalized
		}
	}
	return ""
}

// UserIDFromContext extracts the authenticated user id from context.
func UserIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if subject, ok := ctx.Value(contextKeySubject).(string); ok {
		return subject
	}
	return ""
}
