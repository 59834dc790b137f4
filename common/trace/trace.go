// Package trace provides trace ID generation and context propagation so a
// chat command can be correlated with the audit entries it produced.
package trace

import (
	"context"

	"github.com/google/uuid"
)

// traceKey is the unexported context key used to store the trace ID.
type traceKey struct{}

// GenerateID returns a new unique trace ID.
func GenerateID() string {
	return "t_" + uuid.NewString()
}

// WithTraceID returns a child context carrying the given trace ID.
func WithTraceID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, traceKey{}, id)
}

// FromContext extracts the trace ID from ctx, returning "" if absent.
func FromContext(ctx context.Context) string {
	if v, ok := ctx.Value(traceKey{}).(string); ok {
		return v
	}
	return ""
}
