package provider

import (
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ipc-provider/codec"
	"ipc-provider/config"
	"ipc-provider/loadbalance"
	"ipc-provider/message"
	"ipc-provider/metrics"
	"ipc-provider/middleware"
	"ipc-provider/protocol"
	"ipc-provider/registry"
	"ipc-provider/supervisor"
	"ipc-provider/transport"
)

var testPID = strings.Repeat("ab", 16)

func add(_ context.Context, args []any, _ message.ProgressFunc, _ message.FailureFunc) (any, error) {
	a, ok := args[0].(int64)
	if !ok {
		return nil, protocol.AppError("invalid_argument", "a must be an integer")
	}
	b, ok := args[1].(int64)
	if !ok {
		return nil, protocol.AppError("invalid_argument", "b must be an integer")
	}
	return a + b, nil
}

func testConfig() config.Config {
	cfg := config.Default()
	cfg.PID = testPID
	cfg.DialAttempts = 1
	return cfg
}

type harness struct {
	conn   *supervisor.Conn
	errc   chan error
	cancel context.CancelFunc
}

// start runs a provider for table against a fresh supervisor listener and
// returns the registered connection.
func start(t *testing.T, table *Table, opts ...Option) *harness {
	t.Helper()
	l, err := supervisor.Listen("127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })

	opts = append([]Option{WithResolver(transport.StaticResolver(l.Addr()))}, opts...)
	p := New(testConfig(), table, opts...)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	errc := make(chan error, 1)
	go func() { errc <- p.Start(ctx) }()

	actx, acancel := context.WithTimeout(ctx, 2*time.Second)
	defer acancel()
	c, err := l.Accept(actx)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return &harness{conn: c, errc: errc, cancel: cancel}
}

func (h *harness) wait(t *testing.T) error {
	t.Helper()
	select {
	case err := <-h.errc:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("provider did not stop")
		return nil
	}
}

func withTimeout(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestRegisterIsFirstTraffic(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	p := New(testConfig(), NewTable(), WithResolver(transport.StaticResolver(ln.Addr().String())))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Start(ctx)

	conn, err := ln.Accept()
	require.NoError(t, err)
	defer conn.Close()

	got := make([]byte, protocol.HeaderSize+2+message.PIDSize)
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err = io.ReadFull(conn, got)
	require.NoError(t, err)

	want := append([]byte{0, 0, 0, 0, 0, 0, 0, 34, 0, 0}, testPID...)
	assert.Equal(t, want, got)
}

func TestAddReturnsResult(t *testing.T) {
	table := NewTable()
	table.MustRegister("add", add, WithArity(2))
	h := start(t, table)

	reply, err := h.conn.Call(withTimeout(t), "add", 2, 3)
	require.NoError(t, err)
	require.Nil(t, reply.Failure)
	assert.Equal(t, []byte{0x05}, reply.Raw)
}

func TestFunctionNotFound(t *testing.T) {
	h := start(t, NewTable())

	reply, err := h.conn.Call(withTimeout(t), "missing")
	require.NoError(t, err)
	require.NotNil(t, reply.Failure)
	assert.Equal(t, protocol.CodeFunctionNotFound, reply.Failure.Code)
	assert.Equal(t, "Function not found (missing)", reply.Failure.Message)
}

func TestArityMismatch(t *testing.T) {
	table := NewTable()
	table.MustRegister("add", add, WithArity(2))
	h := start(t, table)

	reply, err := h.conn.Call(withTimeout(t), "add", 1)
	require.NoError(t, err)
	require.NotNil(t, reply.Failure)
	assert.Equal(t, protocol.CodeInvalidArgCount, reply.Failure.Code)
}

func TestInvalidArgument(t *testing.T) {
	var called atomic.Bool
	table := NewTable()
	table.MustRegister("f", func(context.Context, []any, message.ProgressFunc, message.FailureFunc) (any, error) {
		called.Store(true)
		return nil, nil
	})
	h := start(t, table)

	// 0xc1 is never a valid msgpack code
	require.NoError(t, h.conn.SendMessage(&message.Function{Name: "f", Args: [][]byte{{0xc1}}}))
	reply, err := h.conn.Next(withTimeout(t))
	require.NoError(t, err)
	require.NotNil(t, reply.Failure)
	assert.Equal(t, protocol.CodeInvalidArgument, reply.Failure.Code)
	assert.False(t, called.Load())
}

func TestArgumentWithTrailingBytes(t *testing.T) {
	var called atomic.Bool
	table := NewTable()
	table.MustRegister("f", func(context.Context, []any, message.ProgressFunc, message.FailureFunc) (any, error) {
		called.Store(true)
		return nil, nil
	})
	h := start(t, table)

	// a positive fixint followed by bytes that belong to no value
	require.NoError(t, h.conn.SendMessage(&message.Function{Name: "f", Args: [][]byte{{0x05, 0x06, 0x07}}}))
	reply, err := h.conn.Next(withTimeout(t))
	require.NoError(t, err)
	require.NotNil(t, reply.Failure)
	assert.Equal(t, protocol.CodeInvalidArgument, reply.Failure.Code)
	assert.Contains(t, reply.Failure.Message, "Argument 0 of f")
	assert.False(t, called.Load())
}

func TestMalformedFunction(t *testing.T) {
	h := start(t, NewTable())

	require.NoError(t, h.conn.Write(protocol.Frame(protocol.CodeFunction, []byte{5, 'a'})))
	reply, err := h.conn.Next(withTimeout(t))
	require.NoError(t, err)
	require.NotNil(t, reply.Failure)
	assert.Equal(t, protocol.CodeInvalidFunctionMsg, reply.Failure.Code)
}

func TestFailThenReturnReportsOnce(t *testing.T) {
	release := make(chan struct{})
	returned := make(chan struct{})
	table := NewTable()
	table.MustRegister("add", add)
	table.MustRegister("flaky", func(_ context.Context, _ []any, _ message.ProgressFunc, fail message.FailureFunc) (any, error) {
		fail("app_error", "gave up")
		fail("second", "ignored")
		<-release
		defer close(returned)
		return 42, nil
	})
	h := start(t, table)
	ctx := withTimeout(t)

	require.NoError(t, h.conn.Send("flaky"))
	require.NoError(t, h.conn.Send("add", 1, 1))

	first, err := h.conn.Next(ctx)
	require.NoError(t, err)
	require.NotNil(t, first.Failure)
	assert.Equal(t, "app_error", first.Failure.Code)
	assert.Equal(t, "gave up", first.Failure.Message)

	// the queue moved on although flaky has not returned yet
	second, err := h.conn.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x02}, second.Raw)

	close(release)
	<-returned
	require.NoError(t, h.conn.Send("add", 2, 2))
	third, err := h.conn.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x04}, third.Raw, "flaky's late return must not produce a frame")
}

func TestFailThenReturnCountsAsError(t *testing.T) {
	m := metrics.New(prometheus.NewRegistry())
	table := NewTable()
	table.MustRegister("flaky", func(_ context.Context, _ []any, _ message.ProgressFunc, fail message.FailureFunc) (any, error) {
		fail("app_error", "gave up")
		return 42, nil
	})
	h := start(t, table, WithMetrics(m))

	reply, err := h.conn.Call(withTimeout(t), "flaky")
	require.NoError(t, err)
	require.NotNil(t, reply.Failure)

	// the middleware records after the function returns, which may trail the reply
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(m.Calls.WithLabelValues("flaky", "error")) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, float64(0), testutil.ToFloat64(m.Calls.WithLabelValues("flaky", "result")))
}

func TestSequentialFIFO(t *testing.T) {
	var (
		mu       sync.Mutex
		order    []string
		inFlight atomic.Int32
		maxSeen  atomic.Int32
	)
	record := func(name string, d time.Duration) Func {
		return func(context.Context, []any, message.ProgressFunc, message.FailureFunc) (any, error) {
			if n := inFlight.Add(1); n > maxSeen.Load() {
				maxSeen.Store(n)
			}
			time.Sleep(d)
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			inFlight.Add(-1)
			return name, nil
		}
	}
	table := NewTable()
	table.MustRegister("a", record("a", 0))
	table.MustRegister("b", record("b", 100*time.Millisecond))
	table.MustRegister("c", record("c", 0))
	h := start(t, table)
	ctx := withTimeout(t)

	for _, name := range []string{"a", "b", "c"} {
		require.NoError(t, h.conn.Send(name))
	}
	var replies []any
	for i := 0; i < 3; i++ {
		reply, err := h.conn.Next(ctx)
		require.NoError(t, err)
		v, err := reply.Value()
		require.NoError(t, err)
		replies = append(replies, v)
	}

	assert.Equal(t, []any{"a", "b", "c"}, replies)
	assert.Equal(t, []string{"a", "b", "c"}, order)
	assert.Equal(t, int32(1), maxSeen.Load())
}

func TestProgressBeforeCompletionOnly(t *testing.T) {
	table := NewTable()
	table.MustRegister("work", func(_ context.Context, _ []any, progress message.ProgressFunc, fail message.FailureFunc) (any, error) {
		progress(0.25, "quarter")
		progress(0.5, "half")
		fail("stopped", "halfway")
		progress(0.75, "too late")
		return nil, nil
	})
	h := start(t, table)

	reply, err := h.conn.Call(withTimeout(t), "work")
	require.NoError(t, err)
	require.NotNil(t, reply.Failure)
	assert.Equal(t, "stopped", reply.Failure.Code)
	require.Len(t, reply.Progress, 2)
	assert.Equal(t, float32(0.25), reply.Progress[0].Fraction)
	assert.Equal(t, "half", reply.Progress[1].Message)
}

type quotaError struct{}

func (quotaError) Error() string     { return "quota exhausted" }
func (quotaError) ErrorCode() string { return "quota_exceeded" }

func TestErrorMapping(t *testing.T) {
	table := NewTable()
	table.MustRegister("coded", func(context.Context, []any, message.ProgressFunc, message.FailureFunc) (any, error) {
		return nil, quotaError{}
	})
	table.MustRegister("plain", func(context.Context, []any, message.ProgressFunc, message.FailureFunc) (any, error) {
		return nil, errors.New("disk on fire")
	})
	table.MustRegister("panics", func(context.Context, []any, message.ProgressFunc, message.FailureFunc) (any, error) {
		panic("unreachable state")
	})
	table.MustRegister("unencodable", func(context.Context, []any, message.ProgressFunc, message.FailureFunc) (any, error) {
		return make(chan int), nil
	})
	h := start(t, table)
	ctx := withTimeout(t)

	cases := []struct {
		name, code, message string
	}{
		{"coded", "quota_exceeded", "quota exhausted"},
		{"plain", protocol.CodeUnhandledError, "disk on fire"},
		{"panics", protocol.CodeUnhandledError, "unreachable state"},
		{"unencodable", protocol.CodeUnhandledError, ""},
	}
	for _, tc := range cases {
		reply, err := h.conn.Call(ctx, tc.name)
		require.NoError(t, err)
		require.NotNil(t, reply.Failure, tc.name)
		assert.Equal(t, tc.code, reply.Failure.Code, tc.name)
		if tc.message != "" {
			assert.Equal(t, tc.message, reply.Failure.Message, tc.name)
		}
	}

	// the provider survives all of the above
	reply, err := h.conn.Call(ctx, "coded")
	require.NoError(t, err)
	assert.NotNil(t, reply.Failure)
}

func TestPingWhileFunctionRuns(t *testing.T) {
	release := make(chan struct{})
	table := NewTable()
	table.MustRegister("block", func(context.Context, []any, message.ProgressFunc, message.FailureFunc) (any, error) {
		<-release
		return true, nil
	})
	h := start(t, table)
	ctx := withTimeout(t)

	require.NoError(t, h.conn.Send("block"))
	token := []byte(strings.Repeat("p", message.PingSize))
	pong, err := h.conn.Ping(ctx, token)
	require.NoError(t, err)
	assert.Equal(t, token, pong)

	close(release)
	reply, err := h.conn.Next(ctx)
	require.NoError(t, err)
	v, err := reply.Value()
	require.NoError(t, err)
	assert.Equal(t, true, v)
}

func TestPongEchoesBodyLength(t *testing.T) {
	h := start(t, NewTable())

	// a short token is echoed as is, with its own length in the header
	pong, err := h.conn.Ping(withTimeout(t), []byte("abc"))
	require.NoError(t, err)
	assert.Equal(t, []byte("abc"), pong)
}

func TestInvalidVersionIsFatal(t *testing.T) {
	table := NewTable()
	table.MustRegister("add", add)
	h := start(t, table)

	bad := protocol.Frame(protocol.CodePing, make([]byte, 4))
	bad[0] = 1
	require.NoError(t, h.conn.Write(bad))

	err := h.wait(t)
	require.Error(t, err)
	assert.True(t, protocol.IsFatal(err))
	var pe *protocol.Error
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, protocol.CodeInvalidVersion, pe.Code)

	select {
	case <-h.conn.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("connection should be closed after a fatal error")
	}
}

func TestFatalHeaderAbandonsQueuedCalls(t *testing.T) {
	release := make(chan struct{})
	table := NewTable()
	table.MustRegister("slow", func(ctx context.Context, _ []any, _ message.ProgressFunc, _ message.FailureFunc) (any, error) {
		select {
		case <-release:
		case <-ctx.Done():
		}
		return 1, nil
	})
	table.MustRegister("add", add)
	h := start(t, table)
	defer close(release)

	var batch []byte
	for _, fn := range []*message.Function{{Name: "slow"}, {Name: "add", Args: [][]byte{{0x01}, {0x02}}}} {
		frame, err := codec.EncodeFrame(fn)
		require.NoError(t, err)
		batch = append(batch, frame...)
	}
	bad := protocol.Frame(protocol.CodePing, nil)
	bad[0] = 1
	require.NoError(t, h.conn.Write(append(batch, bad...)))

	err := h.wait(t)
	var pe *protocol.Error
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, protocol.CodeInvalidVersion, pe.Code)

	select {
	case <-h.conn.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("connection should be closed after a fatal header")
	}
	_, err = h.conn.Next(withTimeout(t))
	assert.Error(t, err, "no reply is owed to calls queued before the fatal header")
}

func TestUnsupportedInboundCodeIsFatal(t *testing.T) {
	h := start(t, NewTable())

	require.NoError(t, h.conn.SendMessage(&message.Result{Value: []byte{0xc0}}))
	err := h.wait(t)
	var pe *protocol.Error
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, protocol.CodeUnsupportedCode, pe.Code)
}

func TestSupervisorCloseEndsCleanly(t *testing.T) {
	h := start(t, NewTable())
	require.NoError(t, h.conn.Close())
	assert.NoError(t, h.wait(t))
}

func TestContextCancelStops(t *testing.T) {
	h := start(t, NewTable())
	h.cancel()
	assert.ErrorIs(t, h.wait(t), context.Canceled)
}

func TestMiddlewareAndMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	var (
		mu   sync.Mutex
		seen []string
	)
	table := NewTable()
	table.MustRegister("add", add, WithArity(2))

	l, err := supervisor.Listen("127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()

	p := New(testConfig(), table, WithMetrics(m), WithResolver(transport.StaticResolver(l.Addr())))
	p.Use(func(next middleware.HandlerFunc) middleware.HandlerFunc {
		return func(ctx context.Context, call *message.Call) (any, error) {
			mu.Lock()
			seen = append(seen, call.Name)
			mu.Unlock()
			return next(ctx, call)
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Start(ctx)

	conn, err := l.Accept(withTimeout(t))
	require.NoError(t, err)
	defer conn.Close()

	reply, err := conn.Call(withTimeout(t), "add", 20, 22)
	require.NoError(t, err)
	v, err := reply.Value()
	require.NoError(t, err)
	assert.Equal(t, int64(42), v)

	mu.Lock()
	assert.Equal(t, []string{"add"}, seen)
	mu.Unlock()
	assert.Equal(t, float64(1), testutil.ToFloat64(m.FramesReceived.WithLabelValues("FUNCTION")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.Calls.WithLabelValues("add", "result")))
}

func TestStartThroughDiscovery(t *testing.T) {
	l, err := supervisor.Listen("127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()

	reg := registry.NewStatic()
	reg.Add("supervisor", registry.ServiceInstance{Addr: l.Addr(), Weight: 1})

	table := NewTable()
	table.MustRegister("add", add)
	p := New(testConfig(), table, WithResolver(&transport.RegistryResolver{
		Registry: reg,
		Balancer: loadbalance.NewConsistentHashBalancer(),
		Service:  "supervisor",
		Key:      testPID,
	}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Start(ctx)

	conn, err := l.Accept(withTimeout(t))
	require.NoError(t, err)
	defer conn.Close()
	assert.Equal(t, testPID, conn.PID())

	value, err := codec.Marshal(int64(7))
	require.NoError(t, err)
	reply, err := conn.Call(withTimeout(t), "add", 3, 4)
	require.NoError(t, err)
	assert.Equal(t, value, reply.Raw)
}

func TestStartDialFailure(t *testing.T) {
	cfg := testConfig()
	cfg.DialAttempts = 2
	cfg.DialBackoff = time.Millisecond
	p := New(cfg, NewTable(),
		WithResolver(transport.StaticResolver("127.0.0.1:1")),
		WithDialer(func(context.Context, string, string) (net.Conn, error) {
			return nil, errors.New("connection refused")
		}))

	err := p.Start(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "after 2 attempts")
}
