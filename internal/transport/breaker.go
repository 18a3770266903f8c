package transport

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/sony/gobreaker"
)

// BreakerConfig configures the circuit breaker placed in front of a relay
type BreakerConfig struct {
	Enabled             bool
	MaxRequests         uint32
	Interval            time.Duration
	Timeout             time.Duration
	ConsecutiveFailures uint32
}

// DefaultBreakerConfig returns the breaker defaults
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		Enabled:             true,
		MaxRequests:         1,
		Interval:            time.Minute,
		Timeout:             30 * time.Second,
		ConsecutiveFailures: 5,
	}
}

// Breaker stops hammering a relay that keeps failing at the connection or
// authentication level. While open, every call fails fast with
// KindUnavailable so the sweep defers the rest of the queue cheaply.
// Refused senders or recipients say nothing about relay health and do not
// count against it.
type Breaker struct {
	next   Transport
	cb     *gobreaker.CircuitBreaker
	logger *slog.Logger
}

var _ Transport = (*Breaker)(nil)

// NewBreaker wraps next in a circuit breaker
func NewBreaker(name string, next Transport, config BreakerConfig) *Breaker {
	if config.ConsecutiveFailures == 0 {
		config.ConsecutiveFailures = DefaultBreakerConfig().ConsecutiveFailures
	}
	logger := slog.Default().With("component", "smtp-breaker")
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: config.MaxRequests,
		Interval:    config.Interval,
		Timeout:     config.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= config.ConsecutiveFailures
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Warn("Circuit breaker state changed",
				"name", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
	})
	return &Breaker{next: next, cb: cb, logger: logger}
}

// State returns the breaker state
func (b *Breaker) State() gobreaker.State {
	return b.cb.State()
}

func (b *Breaker) IsOpen() bool {
	return b.next.IsOpen()
}

func (b *Breaker) Open(ctx context.Context) error {
	if b.next.IsOpen() {
		return nil
	}
	return b.execute(func() error { return b.next.Open(ctx) })
}

func (b *Breaker) Send(ctx context.Context, from string, to []string, raw []byte) error {
	return b.execute(func() error { return b.next.Send(ctx, from, to, raw) })
}

func (b *Breaker) Close() error {
	return b.next.Close()
}

func (b *Breaker) execute(fn func() error) error {
	var callErr error
	_, err := b.cb.Execute(func() (interface{}, error) {
		callErr = fn()
		if tripsBreaker(callErr) {
			return nil, callErr
		}
		return nil, nil
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return classified(KindUnavailable, err)
	}
	return callErr
}

func tripsBreaker(err error) bool {
	switch KindOf(err) {
	case KindConnect, KindAuth:
		return true
	default:
		return false
	}
}
