// ABOUTME: Carries the authentication result of a connection through request contexts
// ABOUTME: Provides WithResult/FromContext for handlers that need the caller identity

package auth

import (
	"context"
)

type resultContextKey struct{}

// WithResult returns a context carrying res.
func WithResult(ctx context.Context, res Result) context.Context {
	return context.WithValue(ctx, resultContextKey{}, res)
}

// FromContext returns the Result attached to ctx, if any.
func FromContext(ctx context.Context) (Result, bool) {
	res, ok := ctx.Value(resultContextKey{}).(Result)
	return res, ok
}
