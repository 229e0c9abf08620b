// Package stunc implements STUN client transactions on top of pion/stun.
//
// A Transport owns one socket (UDP) or one connection (TCP) and
// demultiplexes responses by transaction ID, so several probes can share
// it. Retransmission follows RFC 5389: the request is sent RC times with
// the timeout doubling from RTO, and the last send waits RM*RTO. Over TCP
// a request is sent once and waits TI.
package stunc

import (
	"time"

	"github.com/benbjohnson/clock"
)

// Config holds the transaction parameters.
type Config struct {
	RTO      time.Duration
	RC       int
	RM       int
	TI       time.Duration
	TOS      int
	Software string
}

// DefaultConfig returns the RFC 5389 defaults.
func DefaultConfig() Config {
	return Config{
		RTO: 500 * time.Millisecond,
		RC:  7,
		RM:  16,
		TI:  39500 * time.Millisecond,
	}
}

// TransactionTimeout is the longest a UDP transaction can take.
func (c Config) TransactionTimeout() time.Duration {
	var total time.Duration
	rto := c.RTO
	for i := 0; i < c.RC-1; i++ {
		total += rto
		rto *= 2
	}
	return total + c.RTO*time.Duration(c.RM)
}

// Logger interface for transport logging
type Logger interface {
	Info(msg string, fields ...interface{})
	Error(msg string, fields ...interface{})
	Debug(msg string, fields ...interface{})
	Warn(msg string, fields ...interface{})
}

type nopLogger struct{}

func (nopLogger) Info(string, ...interface{})  {}
func (nopLogger) Error(string, ...interface{}) {}
func (nopLogger) Debug(string, ...interface{}) {}
func (nopLogger) Warn(string, ...interface{})  {}

type options struct {
	clock  clock.Clock
	logger Logger
}

// Option configures transports and engines of this package.
type Option func(*options)

// WithClock sets the clock used for retransmission and probe timers.
func WithClock(c clock.Clock) Option {
	return func(o *options) {
		o.clock = c
	}
}

// WithLogger sets the logger.
func WithLogger(l Logger) Option {
	return func(o *options) {
		o.logger = l
	}
}

func buildOptions(opts []Option) options {
	o := options{clock: clock.New(), logger: nopLogger{}}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}
