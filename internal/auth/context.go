package auth

import "context"

type contextKey string

const contextKeySession contextKey = "session"

// WithSession attaches s to the context.
func WithSession(ctx context.Context, s Session) context.Context {
	return context.WithValue(ctx, contextKeySession, s)
}

// SessionFromContext extracts the session set by WithSession.
func SessionFromContext(ctx context.Context) (Session, bool) {
	s, ok := ctx.Value(contextKeySession).(Session)
	return s, ok
}
