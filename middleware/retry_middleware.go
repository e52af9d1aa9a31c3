package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"mini-jsonrpc/message"
)

// Retryable reports whether err is worth another attempt: request
// timeouts, and errors that say so through Temporary() or Timeout().
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	var rpcErr *message.Error
	if errors.As(err, &rpcErr) {
		return rpcErr.Code == message.CodeRequestTimeout
	}
	var temp interface{ Temporary() bool }
	if errors.As(err, &temp) && temp.Temporary() {
		return true
	}
	var timeout interface{ Timeout() bool }
	return errors.As(err, &timeout) && timeout.Timeout()
}

// Retry re-runs a failing handler up to maxRetries times with exponential
// backoff starting at baseDelay. Only Retryable errors are retried and the
// wait is abandoned when ctx ends.
func Retry(maxRetries int, baseDelay time.Duration, logger zerolog.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, method string, params json.RawMessage) (any, error) {
			result, err := next(ctx, method, params)
			for i := 0; i < maxRetries && Retryable(err); i++ {
				logger.Debug().Err(err).Str("method", method).Int("attempt", i+1).Msg("retrying")

				timer := time.NewTimer(baseDelay * time.Duration(1<<i))
				select {
				case <-ctx.Done():
					timer.Stop()
					return result, err
				case <-timer.C:
				}
				result, err = next(ctx, method, params)
			}
			return result, err
		}
	}
}
