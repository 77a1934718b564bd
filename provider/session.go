package provider

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"ipc-provider/codec"
	"ipc-provider/message"
	"ipc-provider/metrics"
	"ipc-provider/middleware"
	"ipc-provider/protocol"
	"ipc-provider/queue"
	"ipc-provider/transport"
)

// errRemoteClosed ends the read loop's goroutine on a clean EOF so the
// errgroup cancels the others.
var errRemoteClosed = errors.New("provider: connection closed by supervisor")

type outFrame struct {
	code  protocol.Code
	frame []byte
}

// session is the state of one connection: its queues, parser and the
// invocation chain.
type session struct {
	p       *Provider
	conn    io.ReadWriteCloser
	log     zerolog.Logger
	metrics *metrics.Metrics
	handler middleware.HandlerFunc

	functions *queue.Queue[[]byte]
	pings     *queue.Queue[[]byte]
	outbound  *queue.Queue[outFrame]

	cancel    context.CancelFunc
	abortOnce sync.Once
	abortErr  error
}

func newSession(p *Provider, conn io.ReadWriteCloser) *session {
	s := &session{
		p:       p,
		conn:    conn,
		log:     p.log,
		metrics: p.metrics,
	}

	chain := append([]middleware.Middleware{
		middleware.LoggingMiddleware(p.log),
		middleware.MetricsMiddleware(p.metrics),
	}, p.middlewares...)
	s.handler = middleware.Chain(chain...)(s.invoke)

	s.functions = queue.New("function", s.processFunction,
		queue.WithObserver(p.metrics.DepthObserver("function")))
	s.pings = queue.New("ping", s.processPing,
		queue.WithObserver(p.metrics.DepthObserver("ping")))
	s.outbound = queue.New("outbound", s.processOutbound,
		queue.WithObserver(p.metrics.DepthObserver("outbound")))
	return s
}

// run returns nil on a clean remote close and the first fatal error
// otherwise.
func (s *session) run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	s.cancel = cancel

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.outbound.Run(gctx) })
	g.Go(func() error { return s.functions.Run(gctx) })
	g.Go(func() error { return s.pings.Run(gctx) })
	g.Go(func() error {
		<-gctx.Done()
		s.conn.Close()
		return nil
	})
	g.Go(func() error {
		parser := protocol.NewParser(s)
		err := transport.ReadLoop(s.conn, s.p.cfg.ReadBufferSize, parser.Feed)
		if err == nil {
			return errRemoteClosed
		}
		return err
	})

	err := g.Wait()
	if s.abortErr != nil {
		return s.abortErr
	}
	if errors.Is(err, errRemoteClosed) {
		return nil
	}
	return err
}

// abort ends the session with err unless it already ended.
func (s *session) abort(err error) {
	s.abortOnce.Do(func() {
		s.abortErr = err
		s.cancel()
	})
}

// Function implements protocol.Router.
func (s *session) Function(body []byte) {
	s.metrics.RecordFrame(protocol.CodeFunction.String())
	if err := s.functions.Push(body, nil); err != nil {
		s.log.Warn().Err(err).Msg("function dropped")
	}
}

// Ping implements protocol.Router.
func (s *session) Ping(body []byte) {
	s.metrics.RecordFrame(protocol.CodePing.String())
	if err := s.pings.Push(body, nil); err != nil {
		s.log.Warn().Err(err).Msg("ping dropped")
	}
}

// send encodes msg and queues it for writing.
func (s *session) send(msg any) {
	code, err := codec.CodeOf(msg)
	if err != nil {
		s.log.Error().Err(err).Msg("cannot send message")
		return
	}
	frame, err := codec.EncodeFrame(msg)
	if err != nil {
		s.log.Error().Err(err).Str("code", code.String()).Msg("cannot encode message")
		return
	}
	if err := s.outbound.Push(outFrame{code: code, frame: frame}, s.written); err != nil {
		s.log.Warn().Err(err).Str("code", code.String()).Msg("message dropped")
	}
}

func (s *session) written(err error) {
	if err != nil {
		s.abort(fmt.Errorf("provider: write: %w", err))
	}
}

func (s *session) processOutbound(_ context.Context, out outFrame) error {
	if _, err := s.conn.Write(out.frame); err != nil {
		return err
	}
	s.metrics.RecordSent(out.code.String())
	return nil
}

func (s *session) processPing(_ context.Context, token []byte) error {
	s.log.Debug().Int("size", len(token)).Msg("ping")
	s.send(&message.Pong{Token: token})
	return nil
}

// processFunction decodes one FUNCTION body and runs the call. The queue
// admits the next FUNCTION once this call resolves.
func (s *session) processFunction(ctx context.Context, body []byte) error {
	var fn message.Function
	if err := codec.Binary.Decode(body, &fn); err != nil {
		s.sendFailure(protocol.CodeInvalidFunctionMsg, err.Error())
		return nil
	}

	f, ok := s.p.table.lookup(fn.Name)
	if !ok {
		nf := protocol.FunctionNotFound(fn.Name)
		s.log.Warn().Str("function", fn.Name).Msg("function not found")
		s.sendFailure(nf.Code, nf.Message)
		return nil
	}
	if f.arity >= 0 && len(fn.Args) != f.arity {
		s.sendFailure(protocol.CodeInvalidArgCount,
			fmt.Sprintf("Function %s takes %d arguments, got %d", fn.Name, f.arity, len(fn.Args)))
		return nil
	}

	args := make([]any, len(fn.Args))
	for i, raw := range fn.Args {
		v, err := codec.Unmarshal(raw)
		if err != nil {
			s.sendFailure(protocol.CodeInvalidArgument,
				fmt.Sprintf("Argument %d of %s: %v", i, fn.Name, err))
			return nil
		}
		args[i] = v
	}

	pc := newPendingCall(s, fn.Name)
	call := &message.Call{
		Name:     fn.Name,
		Args:     args,
		Progress: pc.progress,
		Fail:     pc.fail,
		Failed:   pc.failed,
	}
	go pc.run(ctx, s.handler, call)
	pc.wait(ctx)
	return nil
}

// invoke is the innermost handler of the middleware chain.
func (s *session) invoke(ctx context.Context, call *message.Call) (any, error) {
	f, ok := s.p.table.lookup(call.Name)
	if !ok {
		return nil, protocol.FunctionNotFound(call.Name)
	}
	return f.fn(ctx, call.Args, call.Progress, call.Fail)
}

func (s *session) sendFailure(code, msg string) {
	s.send(&message.Failure{Code: code, Message: msg})
}

func registerFrame(pid string) ([]byte, error) {
	return codec.EncodeFrame(&message.Register{
		Protocol: message.ProtocolID,
		PID:      []byte(pid),
	})
}
