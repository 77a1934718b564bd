// Package supervisor is the other end of a provider's connection: it
// accepts providers, reads their REGISTER frame, sends FUNCTION and PING
// frames, and collects what comes back.
//
// It is a minimal peer for driving providers from tests and tools, not a
// scheduler.
//
//	Call("add", 2, 3) ──FUNCTION──► provider
//	recvLoop: ◄── PROGRESS* ── RESULT|FAILURE ──► replies chan ──► Next()
//	          ◄── PONG ─────────────────────────► pongs chan   ──► Ping()
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"ipc-provider/codec"
	"ipc-provider/message"
	"ipc-provider/protocol"
)

var ErrClosed = errors.New("supervisor: connection closed")

// Listener accepts provider connections.
type Listener struct {
	ln net.Listener
}

// Listen opens a TCP listener on addr. "127.0.0.1:0" picks a free port.
func Listen(addr string) (*Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	return &Listener{ln: ln}, nil
}

// Addr is the address providers should dial.
func (l *Listener) Addr() string { return l.ln.Addr().String() }

func (l *Listener) Close() error { return l.ln.Close() }

// Accept waits for the next provider and reads its REGISTER frame. ctx's
// deadline, if any, bounds both steps.
func (l *Listener) Accept(ctx context.Context) (*Conn, error) {
	deadline, hasDeadline := ctx.Deadline()
	if tl, ok := l.ln.(*net.TCPListener); ok && hasDeadline {
		tl.SetDeadline(deadline)
		defer tl.SetDeadline(time.Time{})
	}
	nc, err := l.ln.Accept()
	if err != nil {
		return nil, err
	}
	if hasDeadline {
		nc.SetReadDeadline(deadline)
	}

	header, body, err := protocol.Decode(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("supervisor: read register: %w", err)
	}
	if header.Code != protocol.CodeRegister {
		nc.Close()
		return nil, fmt.Errorf("supervisor: first frame is %s, want REGISTER", header.Code)
	}
	var reg message.Register
	if err := codec.Binary.Decode(body, &reg); err != nil {
		nc.Close()
		return nil, fmt.Errorf("supervisor: decode register: %w", err)
	}
	if reg.Protocol != message.ProtocolID {
		nc.Close()
		return nil, fmt.Errorf("supervisor: unknown protocol %#04x", reg.Protocol)
	}
	nc.SetReadDeadline(time.Time{})

	c := &Conn{
		conn:     nc,
		Register: reg,
		replies:  make(chan *Reply, 64),
		pongs:    make(chan []byte, 64),
		closed:   make(chan struct{}),
	}
	go c.recvLoop()
	return c, nil
}

// Reply is the outcome of one call: the progress reported before it
// completed, then either a result or a failure.
type Reply struct {
	Progress []message.Progress
	Raw      []byte // serialized result; nil on failure
	Failure  *message.Failure
}

// Value decodes the result.
func (r *Reply) Value() (any, error) {
	if r.Failure != nil {
		return nil, fmt.Errorf("supervisor: call failed: %s: %s", r.Failure.Code, r.Failure.Message)
	}
	return codec.Unmarshal(r.Raw)
}

// Conn is one registered provider.
type Conn struct {
	conn     net.Conn
	Register message.Register

	sending sync.Mutex
	calling sync.Mutex

	replies chan *Reply
	pongs   chan []byte
	closed  chan struct{}
	err     error // set before closed is closed
}

// PID returns the provider's process identifier.
func (c *Conn) PID() string { return string(c.Register.PID) }

// Send writes a FUNCTION frame without waiting. Replies are collected in
// order by Next.
func (c *Conn) Send(name string, args ...any) error {
	raw := make([][]byte, len(args))
	for i, arg := range args {
		b, err := codec.Marshal(arg)
		if err != nil {
			return fmt.Errorf("supervisor: encode argument %d: %w", i, err)
		}
		raw[i] = b
	}
	return c.SendMessage(&message.Function{Name: name, Args: raw})
}

// SendMessage encodes and writes any message struct.
func (c *Conn) SendMessage(msg any) error {
	frame, err := codec.EncodeFrame(msg)
	if err != nil {
		return err
	}
	return c.Write(frame)
}

// Write sends raw bytes, which need not form valid frames.
func (c *Conn) Write(b []byte) error {
	c.sending.Lock()
	defer c.sending.Unlock()
	_, err := c.conn.Write(b)
	return err
}

// Next returns the reply to the oldest call still outstanding.
func (c *Conn) Next(ctx context.Context) (*Reply, error) {
	select {
	case r := <-c.replies:
		return r, nil
	case <-c.closed:
		select {
		case r := <-c.replies:
			return r, nil
		default:
		}
		return nil, c.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Call sends one FUNCTION and waits for its reply.
func (c *Conn) Call(ctx context.Context, name string, args ...any) (*Reply, error) {
	c.calling.Lock()
	defer c.calling.Unlock()
	if err := c.Send(name, args...); err != nil {
		return nil, err
	}
	return c.Next(ctx)
}

// Ping sends token and waits for the echo.
func (c *Conn) Ping(ctx context.Context, token []byte) ([]byte, error) {
	if err := c.SendMessage(&message.Ping{Token: token}); err != nil {
		return nil, err
	}
	select {
	case t := <-c.pongs:
		return t, nil
	case <-c.closed:
		return nil, c.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Done is closed once the provider's side of the connection ends.
func (c *Conn) Done() <-chan struct{} { return c.closed }

// Err reports why the connection ended. Valid after Done is closed.
func (c *Conn) Err() error { return c.err }

func (c *Conn) Close() error { return c.conn.Close() }

// recvLoop reads frames until the connection breaks, grouping PROGRESS
// frames with the RESULT or FAILURE that follows them.
func (c *Conn) recvLoop() {
	var progress []message.Progress
	for {
		header, body, err := protocol.Decode(c.conn)
		if err != nil {
			c.finish(err)
			return
		}

		switch header.Code {
		case protocol.CodeProgress:
			var p message.Progress
			if err := codec.Binary.Decode(body, &p); err != nil {
				c.finish(err)
				return
			}
			progress = append(progress, p)

		case protocol.CodeResult:
			c.replies <- &Reply{Progress: progress, Raw: body}
			progress = nil

		case protocol.CodeFailure:
			var f message.Failure
			if err := codec.Binary.Decode(body, &f); err != nil {
				c.finish(err)
				return
			}
			c.replies <- &Reply{Progress: progress, Failure: &f}
			progress = nil

		case protocol.CodePong:
			c.pongs <- body

		default:
			c.finish(fmt.Errorf("supervisor: unexpected %s from provider", header.Code))
			return
		}
	}
}

func (c *Conn) finish(err error) {
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
		err = ErrClosed
	}
	c.err = err
	close(c.closed)
}
