package natbd

import (
	"context"
	"net"

	"github.com/pion/stun"

	"github.com/2gc-dev/natprobe/pkg/stunc"
)

// ALGStatus is the generic ALG detection result.
type ALGStatus int

const (
	ALGUnknown ALGStatus = iota
	ALGNotPresent
	ALGPresent
)

func (s ALGStatus) String() string {
	switch s {
	case ALGPresent:
		return "Present"
	case ALGNotPresent:
		return "Not Present"
	default:
		return "Unknown"
	}
}

// GenericALGHandler receives the detection result and the mapped address.
// A STUN error response is delivered as a *stunc.StatusError.
type GenericALGHandler func(status ALGStatus, mapped *net.UDPAddr, err error)

// GenericALG detects middleboxes that rewrite addresses in payloads: such
// an ALG changes MAPPED-ADDRESS but cannot recognise XOR-MAPPED-ADDRESS.
type GenericALG struct {
	task

	transport stunc.Transport
	server    net.Addr
	conf      stunc.Config
	handler   GenericALGHandler
}

// NewGenericALG allocates a detection on a borrowed transport.
func NewGenericALG(tr stunc.Transport, server net.Addr, conf stunc.Config, h GenericALGHandler) (*GenericALG, error) {
	g := &GenericALG{
		transport: tr,
		server:    server,
		conf:      conf,
		handler:   h,
	}
	g.init()
	return g, nil
}

// Start runs the detection in the background.
func (g *GenericALG) Start() error {
	return g.start(func(ctx context.Context) {
		status, mapped, err := g.run(ctx)
		if ctx.Err() != nil {
			return
		}
		g.handler(status, mapped, err)
	})
}

// Close aborts the detection. The transport is left open.
func (g *GenericALG) Close() error {
	g.stop()
	return nil
}

func (g *GenericALG) run(ctx context.Context) (ALGStatus, *net.UDPAddr, error) {
	req, err := stunc.NewBindingRequest(g.conf)
	if err != nil {
		return ALGUnknown, nil, err
	}
	res, err := g.transport.Do(ctx, req, g.server)
	if err != nil {
		return ALGUnknown, nil, err
	}
	status, mapped := Classify(res.Message)
	return status, mapped, nil
}

// Classify compares MAPPED-ADDRESS with XOR-MAPPED-ADDRESS in a Binding
// response. The returned address is the XOR-MAPPED one when present.
func Classify(m *stun.Message) (ALGStatus, *net.UDPAddr) {
	var xorAddr stun.XORMappedAddress
	var plain stun.MappedAddress

	xorErr := xorAddr.GetFrom(m)
	plainErr := plain.GetFrom(m)

	switch {
	case xorErr != nil && plainErr != nil:
		return ALGUnknown, nil
	case xorErr != nil:
		return ALGUnknown, &net.UDPAddr{IP: plain.IP, Port: plain.Port}
	case plainErr != nil:
		return ALGUnknown, &net.UDPAddr{IP: xorAddr.IP, Port: xorAddr.Port}
	}

	mapped := &net.UDPAddr{IP: xorAddr.IP, Port: xorAddr.Port}
	if xorAddr.IP.Equal(plain.IP) && xorAddr.Port == plain.Port {
		return ALGNotPresent, mapped
	}
	return ALGPresent, mapped
}
