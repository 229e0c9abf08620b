package natbd

import (
	"context"
	"fmt"
	"net"

	"github.com/2gc-dev/natprobe/pkg/errors"
	"github.com/2gc-dev/natprobe/pkg/stunc"
)

// FilteringHandler receives the filtering classification.
type FilteringHandler func(b Behavior, err error)

// Filtering determines the NAT filtering behaviour (RFC 5780 section 4.4).
// It uses its own socket so that pinholes opened by other tests do not
// affect the result.
type Filtering struct {
	task

	server  net.Addr
	conf    stunc.Config
	handler FilteringHandler
	opts    options

	transport *stunc.PacketTransport
}

// NewFiltering allocates a filtering test and its socket.
func NewFiltering(proto string, server net.Addr, conf stunc.Config, h FilteringHandler, opts ...Option) (*Filtering, error) {
	if proto != "udp" {
		return nil, errors.ErrUnsupportedTransport
	}
	o := buildOptions(opts)
	tr, err := listen(server, conf, o)
	if err != nil {
		return nil, fmt.Errorf("failed to open filtering socket: %w", err)
	}
	f := &Filtering{
		server:    server,
		conf:      conf,
		handler:   h,
		opts:      o,
		transport: tr,
	}
	f.init()
	return f, nil
}

// Start runs the test in the background.
func (f *Filtering) Start() error {
	return f.start(func(ctx context.Context) {
		b, err := f.run(ctx)
		if ctx.Err() != nil {
			return
		}
		f.handler(b, err)
	})
}

// Close aborts the test and closes its socket.
func (f *Filtering) Close() error {
	f.stop()
	return f.transport.Close()
}

func (f *Filtering) run(ctx context.Context) (Behavior, error) {
	// Test I: the server must support behaviour discovery.
	res, _, err := binding(ctx, f.transport, f.server, f.conf)
	if err != nil {
		return Unknown, fmt.Errorf("test I: %w", err)
	}
	if _, err := stunc.OtherAddress(res.Message); err != nil {
		return Unknown, err
	}

	// Test II: response from the alternate IP and port.
	_, _, err = binding(ctx, f.transport, f.server, f.conf, stunc.ChangeRequest{IP: true, Port: true})
	switch {
	case err == nil:
		return EndpointIndependent, nil
	case !errors.Is(err, stunc.ErrTimeout):
		return Unknown, fmt.Errorf("test II: %w", err)
	}
	f.opts.logger.Debug("Filtering test II timed out", "server", f.server)

	// Test III: response from the primary IP, alternate port.
	_, _, err = binding(ctx, f.transport, f.server, f.conf, stunc.ChangeRequest{Port: true})
	switch {
	case err == nil:
		return AddressDependent, nil
	case errors.Is(err, stunc.ErrTimeout):
		return AddressPortDependent, nil
	default:
		return Unknown, fmt.Errorf("test III: %w", err)
	}
}
