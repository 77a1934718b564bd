// Package provider exposes a table of functions to a supervisor over one
// persistent TCP connection.
//
// Connection lifecycle:
//
//	Start: Resolve → Dial (retry) → Serve
//	Serve: write REGISTER ─► read loop ─► parser ─┬─► function queue ─┐
//	                                              └─► ping queue ─────┴─► outbound queue ─► conn
//
// Each queue runs one item at a time in arrival order, so calls execute
// strictly sequentially and frames leave in the order they were queued. A
// slow function never delays a ping.
package provider

import (
	"context"
	"fmt"
	"io"

	"github.com/rs/zerolog"

	"ipc-provider/config"
	"ipc-provider/metrics"
	"ipc-provider/middleware"
	"ipc-provider/protocol"
	"ipc-provider/transport"
)

// Provider is one provider process's connection to its supervisor.
type Provider struct {
	cfg         config.Config
	table       *Table
	log         zerolog.Logger
	metrics     *metrics.Metrics
	dial        transport.DialFunc
	resolver    transport.Resolver
	middlewares []middleware.Middleware
}

type Option func(*Provider)

func WithLogger(log zerolog.Logger) Option {
	return func(p *Provider) { p.log = log }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(p *Provider) { p.metrics = m }
}

func WithDialer(dial transport.DialFunc) Option {
	return func(p *Provider) { p.dial = dial }
}

// WithResolver replaces the configured host and port as the source of the
// supervisor address.
func WithResolver(r transport.Resolver) Option {
	return func(p *Provider) { p.resolver = r }
}

func New(cfg config.Config, table *Table, opts ...Option) *Provider {
	p := &Provider{
		cfg:   cfg,
		table: table,
		log:   zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.metrics == nil {
		p.metrics = metrics.Nop()
	}
	if rl := cfg.RateLimit; rl.CallsPerSecond > 0 {
		p.Use(middleware.RateLimitMiddleware(rl.CallsPerSecond, rl.Burst))
	}
	return p
}

// Use registers a middleware. Middlewares run in the order they are added,
// inside the provider's own logging and metrics middlewares.
func (p *Provider) Use(mw middleware.Middleware) {
	p.middlewares = append(p.middlewares, mw)
}

// Start connects to the supervisor and serves until the connection ends.
func (p *Provider) Start(ctx context.Context) error {
	resolver := p.resolver
	if resolver == nil {
		resolver = transport.StaticResolver(p.cfg.Address())
	}
	addr, err := resolver.Resolve(ctx)
	if err != nil {
		return err
	}

	conn, err := transport.Dial(ctx, p.dial, addr, p.cfg.DialAttempts, p.cfg.DialBackoff, p.log)
	if err != nil {
		return err
	}
	p.log.Info().Str("addr", addr).Msg("connected to supervisor")
	return p.Serve(ctx, conn)
}

// Serve runs the protocol on an established connection and closes it on
// return. It returns nil when the supervisor closes the connection, the
// parse error when the inbound stream violates the protocol, the write error
// when a frame cannot be sent, and ctx's error when ctx ends first.
func (p *Provider) Serve(ctx context.Context, conn io.ReadWriteCloser) error {
	defer conn.Close()

	if err := p.register(conn); err != nil {
		return err
	}
	p.log.Info().
		Str("pid", p.cfg.PID).
		Strs("functions", p.table.Names()).
		Msg("registered with supervisor")

	s := newSession(p, conn)
	err := s.run(ctx)
	switch {
	case ctx.Err() != nil:
		p.log.Info().Msg("provider stopped")
		return ctx.Err()
	case err == nil:
		p.log.Info().Msg("supervisor closed the connection")
		return nil
	case protocol.IsFatal(err):
		p.log.Error().Err(err).Msg("protocol error, abandoning connection")
	default:
		p.log.Error().Err(err).Msg("connection failed")
	}
	return err
}

// register writes the REGISTER frame before anything else can be sent.
func (p *Provider) register(w io.Writer) error {
	frame, err := registerFrame(p.cfg.PID)
	if err != nil {
		return err
	}
	if _, err := w.Write(frame); err != nil {
		return fmt.Errorf("provider: write register: %w", err)
	}
	p.metrics.RecordSent(protocol.CodeRegister.String())
	return nil
}
