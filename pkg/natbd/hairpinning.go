package natbd

import (
	"context"
	"fmt"
	"net"

	"github.com/pion/stun"
	"go.uber.org/multierr"

	"github.com/2gc-dev/natprobe/pkg/errors"
	"github.com/2gc-dev/natprobe/pkg/stunc"
)

// Hairpin is the hairpinning test result.
type Hairpin bool

func (h Hairpin) String() string {
	if h {
		return "Supported"
	}
	return "NOT Supported"
}

// HairpinningHandler receives the hairpinning result.
type HairpinningHandler func(supported Hairpin, err error)

// Hairpinning checks whether the NAT loops packets sent to one of its
// own mapped addresses back inside. Socket A learns its mapped address,
// socket B sends a Binding request to it; the NAT supports hairpinning
// if A receives that request.
type Hairpinning struct {
	task

	server  net.Addr
	conf    stunc.Config
	handler HairpinningHandler
	opts    options

	a, b *stunc.PacketTransport
}

// NewHairpinning allocates a hairpinning test and its two sockets.
func NewHairpinning(proto string, server net.Addr, conf stunc.Config, h HairpinningHandler, opts ...Option) (*Hairpinning, error) {
	if proto != "udp" {
		return nil, errors.ErrUnsupportedTransport
	}
	o := buildOptions(opts)

	a, err := listen(server, conf, o)
	if err != nil {
		return nil, fmt.Errorf("failed to open hairpinning socket: %w", err)
	}
	b, err := listen(server, conf, o)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to open hairpinning socket: %w", err)
	}

	hp := &Hairpinning{
		server:  server,
		conf:    conf,
		handler: h,
		opts:    o,
		a:       a,
		b:       b,
	}
	hp.init()
	return hp, nil
}

// Start runs the test in the background.
func (hp *Hairpinning) Start() error {
	return hp.start(func(ctx context.Context) {
		supported, err := hp.run(ctx)
		if ctx.Err() != nil {
			return
		}
		hp.handler(supported, err)
	})
}

// Close aborts the test and closes both sockets.
func (hp *Hairpinning) Close() error {
	hp.stop()
	return multierr.Combine(hp.a.Close(), hp.b.Close())
}

func (hp *Hairpinning) run(ctx context.Context) (Hairpin, error) {
	_, mapped, err := binding(ctx, hp.a, hp.server, hp.conf)
	if err != nil {
		return false, err
	}

	req, err := stunc.NewBindingRequest(hp.conf)
	if err != nil {
		return false, err
	}

	looped := make(chan struct{}, 1)
	hp.a.SetHandler(func(m *stun.Message, from net.Addr) {
		if m.TransactionID != req.TransactionID {
			return
		}
		select {
		case looped <- struct{}{}:
		default:
		}
	})
	defer hp.a.SetHandler(nil)

	_, err = stunc.Retransmit(ctx, hp.conf, hp.opts.clock, func() error {
		return hp.b.Send(req, mapped)
	}, looped)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, stunc.ErrTimeout):
		return false, nil
	default:
		return false, err
	}
}
