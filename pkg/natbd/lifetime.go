package natbd

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/pion/stun"
	"go.uber.org/multierr"

	"github.com/2gc-dev/natprobe/pkg/errors"
	"github.com/2gc-dev/natprobe/pkg/stunc"
)

// Interval is the binding lifetime search window, in interval units
// (seconds unless configured otherwise). Max is zero until a binding has
// been seen to expire.
type Interval struct {
	Min int
	Cur int
	Max int
}

// Next narrows the window after probing Cur. An alive binding raises Min,
// an expired one lowers Max; Cur doubles until an expiry has been seen and
// bisects the window afterwards.
func (i Interval) Next(alive bool) Interval {
	if alive {
		i.Min = i.Cur
	} else {
		i.Max = i.Cur
	}

	if i.Max > 0 {
		i.Cur = (i.Min + i.Max) / 2
	} else {
		i.Cur *= 2
	}
	return i
}

// Converged reports whether the search is finished.
func (i Interval) Converged() bool {
	return i.Min == i.Cur
}

func (i Interval) String() string {
	return fmt.Sprintf("min=%d cur=%d max=%d", i.Min, i.Cur, i.Max)
}

// LifetimeHandler receives the window after every probing round, with the
// error that ended the search if any.
type LifetimeHandler func(iv Interval, err error)

// Lifetime discovers the binding lifetime (RFC 5780 section 4.6). Socket X
// refreshes its binding, waits Cur units, then socket Y asks the server to
// answer to X's mapped port through RESPONSE-PORT. The binding is alive if
// X receives that answer.
type Lifetime struct {
	task

	server  net.Addr
	conf    stunc.Config
	handler LifetimeHandler
	opts    options
	initial Interval

	x, y *stunc.PacketTransport
}

// NewLifetime allocates a lifetime test starting at the given interval.
func NewLifetime(proto string, server net.Addr, conf stunc.Config, initial time.Duration, h LifetimeHandler, opts ...Option) (*Lifetime, error) {
	if proto != "udp" {
		return nil, errors.ErrUnsupportedTransport
	}
	o := buildOptions(opts)

	cur := int(initial / o.unit)
	if cur < 1 {
		cur = 1
	}

	x, err := listen(server, conf, o)
	if err != nil {
		return nil, fmt.Errorf("failed to open lifetime socket: %w", err)
	}
	y, err := listen(server, conf, o)
	if err != nil {
		x.Close()
		return nil, fmt.Errorf("failed to open lifetime socket: %w", err)
	}

	l := &Lifetime{
		server:  server,
		conf:    conf,
		handler: h,
		opts:    o,
		initial: Interval{Cur: cur},
		x:       x,
		y:       y,
	}
	l.init()
	return l, nil
}

// Start runs the search in the background.
func (l *Lifetime) Start() error {
	return l.start(l.run)
}

// Close aborts the search and closes both sockets.
func (l *Lifetime) Close() error {
	l.stop()
	return multierr.Combine(l.x.Close(), l.y.Close())
}

func (l *Lifetime) run(ctx context.Context) {
	iv := l.initial
	for {
		alive, err := l.probe(ctx, iv.Cur)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			l.handler(iv, err)
			return
		}

		iv = iv.Next(alive)
		l.opts.logger.Debug("Lifetime round", "alive", alive, "interval", iv.String())
		l.handler(iv, nil)
		if iv.Converged() {
			return
		}
	}
}

type lifetimeReply struct {
	err error
}

func (l *Lifetime) probe(ctx context.Context, units int) (bool, error) {
	_, mapped, err := binding(ctx, l.x, l.server, l.conf)
	if err != nil {
		return false, fmt.Errorf("refresh binding: %w", err)
	}

	timer := l.opts.clock.Timer(time.Duration(units) * l.opts.unit)
	select {
	case <-ctx.Done():
		timer.Stop()
		return false, ctx.Err()
	case <-timer.C:
	}

	req, err := stunc.NewBindingRequest(l.conf, stunc.ResponsePort(mapped.Port))
	if err != nil {
		return false, err
	}

	replies := make(chan lifetimeReply, 2)
	match := func(m *stun.Message) bool {
		return m.TransactionID == req.TransactionID
	}
	l.x.SetHandler(func(m *stun.Message, _ net.Addr) {
		if match(m) {
			select {
			case replies <- lifetimeReply{}:
			default:
			}
		}
	})
	// The server answers an unsupported RESPONSE-PORT with an error to Y.
	l.y.SetHandler(func(m *stun.Message, _ net.Addr) {
		if !match(m) {
			return
		}
		err := stunc.ResponseError(m)
		if err == nil {
			return
		}
		select {
		case replies <- lifetimeReply{err: err}:
		default:
		}
	})
	defer l.x.SetHandler(nil)
	defer l.y.SetHandler(nil)

	reply, err := stunc.Retransmit(ctx, l.conf, l.opts.clock, func() error {
		return l.y.Send(req, l.server)
	}, replies)
	switch {
	case err == nil:
		if reply.err != nil {
			return false, reply.err
		}
		return true, nil
	case errors.Is(err, stunc.ErrTimeout):
		return false, nil
	default:
		return false, err
	}
}
