package middleware

import (
	"context"
	"encoding/json"
	"time"

	"mini-jsonrpc/message"
)

type outcome struct {
	result any
	err    error
}

// Timeout bounds a handler's run time. The handler's context is cancelled
// at the deadline and the caller gets CodeRequestTimeout without waiting
// for the handler to notice. The handler itself keeps running until it
// returns and stays registered with the context's work tracker until then.
func Timeout(timeout time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, method string, params json.RawMessage) (any, error) {
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			done := make(chan outcome, 1)
			release := trackWork(ctx)
			go func() {
				defer release()
				result, err := next(ctx, method, params)
				done <- outcome{result, err}
			}()

			select {
			case out := <-done:
				return out.result, out.err
			case <-ctx.Done():
				return nil, message.Errorf(message.CodeRequestTimeout, "%s timed out after %s", method, timeout)
			}
		}
	}
}
