package middleware

import (
	"context"

	"golang.org/x/time/rate"

	"ipc-provider/message"
)

// RateLimitMiddleware throttles calls with a token bucket of r per second
// and the given burst. A call over the limit waits for a token instead of
// being rejected; it fails only if ctx ends while waiting.
func RateLimitMiddleware(r float64, burst int) Middleware {
	if burst < 1 {
		burst = 1
	}
	limiter := rate.NewLimiter(rate.Limit(r), burst)
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, call *message.Call) (any, error) {
			if err := limiter.Wait(ctx); err != nil {
				return nil, err
			}
			return next(ctx, call)
		}
	}
}
