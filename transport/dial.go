// Package transport owns the provider's single TCP connection: finding the
// supervisor, dialing it, and pumping inbound bytes into the frame parser.
//
//	Resolve ──► addr ──► Dial (retry, exponential backoff) ──► net.Conn
//	                                                             │
//	ReadLoop: conn.Read(fresh buf) ──► feed(chunk) ──► parser ◄──┘
//
// The connection is established once per process lifetime. Retries happen
// only before it exists; once connected, any failure ends the provider.
package transport

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/rs/zerolog"
)

// DialFunc opens a connection. net.Dialer.DialContext satisfies it.
type DialFunc func(ctx context.Context, network, addr string) (net.Conn, error)

// Dial connects to addr, trying up to attempts times. The wait before
// retry i is backoff * 2^i.
func Dial(ctx context.Context, dial DialFunc, addr string, attempts int, backoff time.Duration, log zerolog.Logger) (net.Conn, error) {
	if dial == nil {
		var d net.Dialer
		dial = d.DialContext
	}
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for i := 0; i < attempts; i++ {
		conn, err := dial(ctx, "tcp", addr)
		if err == nil {
			return conn, nil
		}
		lastErr = err
		if i == attempts-1 {
			break
		}

		delay := backoff * time.Duration(1<<i)
		log.Warn().Err(err).
			Str("addr", addr).
			Int("attempt", i+1).
			Dur("retry_in", delay).
			Msg("dial failed")

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
	return nil, fmt.Errorf("transport: dial %s after %d attempts: %w", addr, attempts, lastErr)
}
