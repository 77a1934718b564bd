package middleware

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"ipc-provider/message"
)

// LoggingMiddleware logs each call with its duration: debug on success,
// warn when the call returns an error or was failed through Fail.
func LoggingMiddleware(log zerolog.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, call *message.Call) (any, error) {
			start := time.Now()
			value, err := next(ctx, call)
			duration := time.Since(start)
			if err != nil {
				log.Warn().Err(err).
					Str("function", call.Name).
					Dur("duration", duration).
					Msg("function failed")
				return value, err
			}
			if call.Failure(nil) {
				log.Warn().
					Str("function", call.Name).
					Dur("duration", duration).
					Msg("function failed")
				return value, nil
			}
			log.Debug().
				Str("function", call.Name).
				Int("args", len(call.Args)).
				Dur("duration", duration).
				Msg("function returned")
			return value, nil
		}
	}
}
