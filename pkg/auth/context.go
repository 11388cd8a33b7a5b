package auth

import "context"

type sessionIDKey struct{}

// WithSessionID stores the authorized session ID in the context.
func WithSessionID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, sessionIDKey{}, id)
}

// SessionID extracts the authorized session ID, or "" if unauthenticated.
func SessionID(ctx context.Context) string {
	if id, ok := ctx.Value(sessionIDKey{}).(string); ok {
		return id
	}
	return ""
}
