// Package natbd implements the NAT behaviour discovery tests of RFC 5780
// (mapping, filtering, binding lifetime), hairpinning detection and
// generic ALG detection on top of stunc transports.
//
// Every engine follows the same lifecycle: construct, Start once, receive
// results through the handler from the engine goroutine, Close any number
// of times. Handlers are never called synchronously from Start.
package natbd

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pion/stun"

	"github.com/2gc-dev/natprobe/pkg/errors"
	"github.com/2gc-dev/natprobe/pkg/stunc"
)

// Behavior is a NAT mapping or filtering classification.
type Behavior int

const (
	Unknown Behavior = iota
	EndpointIndependent
	AddressDependent
	AddressPortDependent
)

func (b Behavior) String() string {
	switch b {
	case EndpointIndependent:
		return "Endpoint Independent"
	case AddressDependent:
		return "Address Dependent"
	case AddressPortDependent:
		return "Address and Port Dependent"
	default:
		return "Unknown"
	}
}

// Logger interface for engine logging
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
	clock     clock.Clock
	logger    Logger
	localAddr net.Addr
	unit      time.Duration
}

// Option configures an engine.
type Option func(*options)

// WithClock sets the clock used for timers.
func WithClock(c clock.Clock) Option {
	return func(o *options) { o.clock = c }
}

// WithLogger sets the logger.
func WithLogger(l Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithLocalAddr sets the local source address used to detect the absence
// of a NAT in the mapping test.
func WithLocalAddr(addr net.Addr) Option {
	return func(o *options) { o.localAddr = addr }
}

// WithLifetimeUnit sets the duration of one lifetime interval step.
// Default is one second.
func WithLifetimeUnit(d time.Duration) Option {
	return func(o *options) { o.unit = d }
}

func buildOptions(opts []Option) options {
	o := options{clock: clock.New(), logger: nopLogger{}, unit: time.Second}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// task is the goroutine lifecycle shared by all engines.
type task struct {
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once

	mu      sync.Mutex
	started bool
}

func (t *task) init() {
	t.ctx, t.cancel = context.WithCancel(context.Background())
}

func (t *task) start(fn func(ctx context.Context)) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.ctx.Err() != nil {
		return errors.ErrClosed
	}
	if t.started {
		return errors.New("already started")
	}
	t.started = true

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		fn(t.ctx)
	}()
	return nil
}

func (t *task) stop() {
	t.closeOnce.Do(func() {
		t.cancel()
		t.wg.Wait()
	})
}

// requireDatagram rejects stream transports for tests that need to reach
// the server's alternate address or open extra sockets.
func requireDatagram(tr stunc.Transport) error {
	if tr.Network() != "udp" {
		return errors.ErrUnsupportedTransport
	}
	return nil
}

// datagramNetwork picks udp4 or udp6 to match the server address family.
func datagramNetwork(server net.Addr) string {
	if udp, ok := server.(*net.UDPAddr); ok && udp.IP.To4() == nil {
		return "udp6"
	}
	return "udp4"
}

// listen opens a dedicated socket owned by one engine.
func listen(server net.Addr, conf stunc.Config, o options) (*stunc.PacketTransport, error) {
	return stunc.ListenPacket(datagramNetwork(server), ":0", conf,
		stunc.WithClock(o.clock), stunc.WithLogger(o.logger))
}

// binding runs one Binding transaction and returns the response.
func binding(ctx context.Context, tr stunc.Transport, to net.Addr, conf stunc.Config, setters ...stun.Setter) (*stunc.Response, *net.UDPAddr, error) {
	req, err := stunc.NewBindingRequest(conf, setters...)
	if err != nil {
		return nil, nil, err
	}
	res, err := tr.Do(ctx, req, to)
	if err != nil {
		return res, nil, err
	}
	mapped, err := stunc.MappedAddress(res.Message)
	if err != nil {
		return res, nil, err
	}
	return res, mapped, nil
}

func equalAddr(a, b *net.UDPAddr) bool {
	return a != nil && b != nil && a.IP.Equal(b.IP) && a.Port == b.Port
}
