package domain

import "context"

// requestIDKey is the context key under which the per-request correlation
// id threaded from ingress down through the router is stored.
type requestIDKey struct{}

// WithRequestID returns a context carrying id for later retrieval by
// RequestIDFromContext.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

// RequestIDFromContext returns the correlation id stored by WithRequestID,
// or "" if none was set.
func RequestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}
