// Package transport delivers encoded messages to a mail server.
package transport

import (
	"context"
)

// Transport is a connection to an outbound mail server. A Transport is not
// safe for concurrent use; a sweep drives it from a single goroutine.
type Transport interface {
	// Open connects and authenticates. Opening an open transport is a no-op.
	Open(ctx context.Context) error
	// Send submits raw to the recipients in to.
	Send(ctx context.Context, from string, to []string, raw []byte) error
	// Close ends the session. Closing a closed transport is a no-op.
	Close() error
	IsOpen() bool
}

// New builds the SMTP transport described by config, wrapped in a circuit
// breaker when one is enabled.
func New(config Config, breaker BreakerConfig) Transport {
	t := NewSMTP(config)
	if !breaker.Enabled {
		return t
	}
	return NewBreaker("smtp:"+t.Address(), t, breaker)
}
