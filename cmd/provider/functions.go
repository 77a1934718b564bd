package main

import (
	"context"
	"fmt"
	"time"

	"ipc-provider/codec"
	"ipc-provider/message"
	"ipc-provider/protocol"
	"ipc-provider/provider"
)

func demoTable() *provider.Table {
	t := provider.NewTable()
	t.MustRegister("add", add, provider.WithArity(2))
	t.MustRegister("echo", echo)
	t.MustRegister("now", now, provider.WithArity(0))
	t.MustRegister("countdown", countdown, provider.WithArity(1))
	return t
}

func add(_ context.Context, args []any, _ message.ProgressFunc, _ message.FailureFunc) (any, error) {
	if a, ok := args[0].(int64); ok {
		if b, ok := args[1].(int64); ok {
			return a + b, nil
		}
	}
	a, _, err := number(args[0])
	if err != nil {
		return nil, err
	}
	b, _, err := number(args[1])
	if err != nil {
		return nil, err
	}
	return a + b, nil
}

func echo(_ context.Context, args []any, _ message.ProgressFunc, _ message.FailureFunc) (any, error) {
	if len(args) == 1 {
		return args[0], nil
	}
	return args, nil
}

func now(context.Context, []any, message.ProgressFunc, message.FailureFunc) (any, error) {
	return codec.NewInstant(time.Now()), nil
}

// countdown reports progress once per step and returns the step count.
func countdown(ctx context.Context, args []any, progress message.ProgressFunc, fail message.FailureFunc) (any, error) {
	n, isInt, err := number(args[0])
	if err != nil {
		return nil, err
	}
	if !isInt || n < 0 || n > 1000 {
		fail(protocol.CodeInvalidArgument, "countdown takes an integer in [0, 1000]")
		return nil, nil
	}
	steps := int(n)
	for i := 1; i <= steps; i++ {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(10 * time.Millisecond):
		}
		progress(float32(i)/float32(steps), fmt.Sprintf("%d of %d", i, steps))
	}
	return int64(steps), nil
}

// number widens a decoded numeric argument, reporting whether it was an
// integer.
func number(v any) (float64, bool, error) {
	switch n := v.(type) {
	case int64:
		return float64(n), true, nil
	case uint64:
		return float64(n), true, nil
	case float64:
		return n, false, nil
	}
	return 0, false, protocol.AppError(protocol.CodeInvalidArgument, fmt.Sprintf("expected a number, got %T", v))
}
