package middleware

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog"
)

// Logging records method, id, duration and outcome of every call.
func Logging(logger zerolog.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, method string, params json.RawMessage) (any, error) {
			start := time.Now()
			result, err := next(ctx, method, params)

			ev := logger.Debug()
			if err != nil {
				ev = logger.Warn().Err(err)
			}
			if id, ok := RequestIDFromContext(ctx); ok {
				ev = ev.Str("id", id.String())
			}
			ev.Str("method", method).Dur("duration", time.Since(start)).Msg("handled")
			return result, err
		}
	}
}
