// Package requestctx carries the per-request correlation id through a
// context so handlers, services and the response envelope can all tag
// their output with it.
package requestctx

import "context"

type requestIDKey struct{}

// WithRequestID returns a child context tagged with the given id.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, requestID)
}

// GetRequestID returns the id set by WithRequestID, or "" when the context
// never went through the request-id middleware.
func GetRequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}
