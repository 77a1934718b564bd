// Package middleware wraps function invocations. A middleware sees every
// call the provider dispatches, after its arguments have been decoded and
// before the function runs.
package middleware

import (
	"context"

	"ipc-provider/message"
)

// HandlerFunc runs one call and returns its result value or error.
type HandlerFunc func(ctx context.Context, call *message.Call) (any, error)

type Middleware func(next HandlerFunc) HandlerFunc

// Chain composes middlewares so the first one given is the outermost.
func Chain(middlewares ...Middleware) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}
