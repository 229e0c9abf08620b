package natbd

import (
	"context"
	"fmt"
	"net"

	"github.com/2gc-dev/natprobe/pkg/stunc"
)

// MappingHandler receives the mapping classification.
type MappingHandler func(b Behavior, err error)

// Mapping determines the NAT mapping behaviour (RFC 5780 section 4.3) on
// a borrowed transport.
type Mapping struct {
	task

	transport stunc.Transport
	server    net.Addr
	conf      stunc.Config
	handler   MappingHandler
	opts      options
}

// NewMapping allocates a mapping test. The transport must be a datagram
// transport.
func NewMapping(tr stunc.Transport, server net.Addr, conf stunc.Config, h MappingHandler, opts ...Option) (*Mapping, error) {
	if err := requireDatagram(tr); err != nil {
		return nil, err
	}
	m := &Mapping{
		transport: tr,
		server:    server,
		conf:      conf,
		handler:   h,
		opts:      buildOptions(opts),
	}
	m.init()
	return m, nil
}

// Start runs the test in the background.
func (m *Mapping) Start() error {
	return m.start(func(ctx context.Context) {
		b, err := m.run(ctx)
		if ctx.Err() != nil {
			return
		}
		m.handler(b, err)
	})
}

// Close aborts the test. The transport is left open.
func (m *Mapping) Close() error {
	m.stop()
	return nil
}

func (m *Mapping) run(ctx context.Context) (Behavior, error) {
	// Test I: primary address.
	res, mapped1, err := binding(ctx, m.transport, m.server, m.conf)
	if err != nil {
		return Unknown, fmt.Errorf("test I: %w", err)
	}
	if m.isLocal(mapped1) {
		m.opts.logger.Debug("Mapped address equals local address, no NAT", "mapped", mapped1)
		return EndpointIndependent, nil
	}

	other, err := stunc.OtherAddress(res.Message)
	if err != nil {
		return Unknown, err
	}
	primary, ok := m.server.(*net.UDPAddr)
	if !ok {
		return Unknown, fmt.Errorf("unexpected server address %T", m.server)
	}

	// Test II: alternate IP, primary port.
	_, mapped2, err := binding(ctx, m.transport, &net.UDPAddr{IP: other.IP, Port: primary.Port}, m.conf)
	if err != nil {
		return Unknown, fmt.Errorf("test II: %w", err)
	}
	if equalAddr(mapped1, mapped2) {
		return EndpointIndependent, nil
	}

	// Test III: alternate IP and port.
	_, mapped3, err := binding(ctx, m.transport, other, m.conf)
	if err != nil {
		return Unknown, fmt.Errorf("test III: %w", err)
	}
	if equalAddr(mapped2, mapped3) {
		return AddressDependent, nil
	}
	return AddressPortDependent, nil
}

func (m *Mapping) isLocal(mapped *net.UDPAddr) bool {
	local := m.opts.localAddr
	if local == nil {
		local = m.transport.LocalAddr()
	}
	return stunc.SameEndpoint(mapped, local)
}
