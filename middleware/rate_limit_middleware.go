package middleware

import (
	"context"
	"encoding/json"

	"golang.org/x/time/rate"

	"mini-jsonrpc/message"
)

// RateLimit rejects calls beyond a token bucket of r per second with the
// given burst.
func RateLimit(r float64, burst int) Middleware {
	limiter := rate.NewLimiter(rate.Limit(r), burst)
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, method string, params json.RawMessage) (any, error) {
			if !limiter.Allow() {
				return nil, message.NewError(message.CodeRateLimited, "rate limit exceeded")
			}
			return next(ctx, method, params)
		}
	}
}
