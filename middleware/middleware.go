// Package middleware wraps server handlers in the onion model:
//
//	Chain(A, B, C)(h) == A(B(C(h)))
//
// Execution order is A.before → B.before → C.before → h → C.after → B.after → A.after.
package middleware

import (
	"context"
	"encoding/json"

	"mini-jsonrpc/message"
)

// HandlerFunc serves one inbound request or notification. The returned
// value becomes the result; a non-nil error becomes the error object
// (*message.Error keeps its code, anything else is an internal error).
type HandlerFunc func(ctx context.Context, method string, params json.RawMessage) (any, error)

// Middleware wraps a HandlerFunc.
type Middleware func(next HandlerFunc) HandlerFunc

// Chain combines several middlewares into one, first one outermost.
func Chain(middlewares ...Middleware) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}

type requestIDKey struct{}

// WithRequestID returns a context carrying the id of the request being
// served. Notifications carry no id.
func WithRequestID(ctx context.Context, id message.ID) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

// RequestIDFromContext returns the id of the request being served, if any.
func RequestIDFromContext(ctx context.Context) (message.ID, bool) {
	id, ok := ctx.Value(requestIDKey{}).(message.ID)
	return id, ok && id.Valid()
}

type workTrackerKey struct{}

// WithWorkTracker attaches track to ctx. Middlewares that run the handler
// on a goroutine of their own call track before starting it and the
// returned func once it ends, so the server keeps counting a handler that
// outlives its reply.
func WithWorkTracker(ctx context.Context, track func() (done func())) context.Context {
	return context.WithValue(ctx, workTrackerKey{}, track)
}

func trackWork(ctx context.Context) (done func()) {
	if track, ok := ctx.Value(workTrackerKey{}).(func() func()); ok && track != nil {
		return track()
	}
	return func() {}
}
