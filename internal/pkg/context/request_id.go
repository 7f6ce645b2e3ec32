// Package context carries request-scoped values across layer boundaries
// without leaking transport types into the domain.
package context

import "context"

type requestIDKey struct{}

// WithRequestID attaches the request id; downstream layers reuse it as the
// trace id for outbox messages and audit entries.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

func GetRequestID(ctx context.Context) string {
	if s, ok := ctx.Value(requestIDKey{}).(string); ok {
		return s
	}
	return ""
}
