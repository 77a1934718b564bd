package provider

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"ipc-provider/codec"
	"ipc-provider/message"
	"ipc-provider/middleware"
	"ipc-provider/protocol"
)

// pendingCall is the single-resolution slot of one invocation. The first of
// return value, returned error, fail report or panic resolves it and queues
// the matching RESULT or FAILURE; later completions and progress reports are
// dropped.
//
// Progress and completion are serialized by mu, so no PROGRESS frame is
// queued after the call's final frame.
type pendingCall struct {
	s    *session
	name string

	mu        sync.Mutex
	completed bool
	failure   bool
	done      chan struct{}
}

func newPendingCall(s *session, name string) *pendingCall {
	return &pendingCall{s: s, name: name, done: make(chan struct{})}
}

func (c *pendingCall) run(ctx context.Context, h middleware.HandlerFunc, call *message.Call) {
	defer func() {
		if r := recover(); r != nil {
			c.s.log.Error().Str("function", c.name).Interface("panic", r).Msg("function panicked")
			c.resolve(nil, protocol.Unhandled(fmt.Sprint(r)))
		}
	}()
	value, err := h(ctx, call)
	c.resolve(value, err)
}

func (c *pendingCall) progress(fraction float32, msg string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.completed {
		return
	}
	c.s.send(&message.Progress{Fraction: fraction, Message: msg})
}

func (c *pendingCall) fail(code, msg string) {
	c.resolve(nil, protocol.AppError(code, msg))
}

// failed reports whether the call resolved to a FAILURE.
func (c *pendingCall) failed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.failure
}

func (c *pendingCall) resolve(value any, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.completed {
		return
	}
	c.completed = true
	defer close(c.done)

	if err != nil {
		c.failure = true
		code, msg := failureOf(err)
		c.s.log.Debug().Str("function", c.name).Str("code", code).Msg("call failed")
		c.s.send(&message.Failure{Code: code, Message: msg})
		return
	}
	data, err := codec.Marshal(value)
	if err != nil {
		c.failure = true
		c.s.log.Warn().Err(err).Str("function", c.name).Msg("result not serializable")
		c.s.send(&message.Failure{Code: protocol.CodeUnhandledError, Message: err.Error()})
		return
	}
	c.s.send(&message.Result{Value: data})
}

// wait blocks until the call resolves or ctx ends.
func (c *pendingCall) wait(ctx context.Context) {
	select {
	case <-c.done:
	case <-ctx.Done():
	}
}

// failureOf maps an error to the code and message of a FAILURE.
func failureOf(err error) (code, msg string) {
	var pe *protocol.Error
	if errors.As(err, &pe) {
		return pe.Code, pe.Message
	}
	var coded interface{ ErrorCode() string }
	if errors.As(err, &coded) {
		return coded.ErrorCode(), err.Error()
	}
	return protocol.CodeUnhandledError, err.Error()
}
