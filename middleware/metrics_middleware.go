package middleware

import (
	"context"
	"time"

	"ipc-provider/message"
	"ipc-provider/metrics"
)

// MetricsMiddleware counts calls by function and outcome ("result" or
// "error") and observes their duration. A call the function failed through
// Fail counts as an error even when it then returned normally.
func MetricsMiddleware(m *metrics.Metrics) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, call *message.Call) (any, error) {
			start := time.Now()
			value, err := next(ctx, call)
			outcome := "result"
			if call.Failure(err) {
				outcome = "error"
			}
			m.RecordCall(call.Name, outcome, time.Since(start))
			return value, err
		}
	}
}
