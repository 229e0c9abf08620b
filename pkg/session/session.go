// Package session wires one diagnostic run together: server discovery,
// the shared socket, the probe engines and the run loop.
package session

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/multierr"

	"github.com/2gc-dev/natprobe/pkg/config"
	"github.com/2gc-dev/natprobe/pkg/discovery"
	"github.com/2gc-dev/natprobe/pkg/errors"
	"github.com/2gc-dev/natprobe/pkg/ice"
	"github.com/2gc-dev/natprobe/pkg/logging"
	"github.com/2gc-dev/natprobe/pkg/probe"
	"github.com/2gc-dev/natprobe/pkg/stunc"
	"github.com/2gc-dev/natprobe/pkg/types"
)

// Resolver locates the server of a run.
type Resolver interface {
	Resolve(ctx context.Context, q discovery.Query) (discovery.Endpoint, error)
}

// Recorder receives probe and relay statistics. *metrics.Metrics
// implements it.
type Recorder interface {
	probe.Recorder
	RecordForwarded(direction string, bytes int)
	RecordForwardError(direction string)
	SetBindingLifetime(d time.Duration)
}

// Option configures a Session.
type Option func(*Session)

// WithOutput sets where result lines are written. Default is stderr.
func WithOutput(w io.Writer) Option {
	return func(s *Session) { s.out = w }
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(s *Session) { s.logger = l }
}

// WithRecorder sets the statistics recorder.
func WithRecorder(r Recorder) Option {
	return func(s *Session) { s.recorder = r }
}

// WithResolver replaces DNS discovery.
func WithResolver(r Resolver) Option {
	return func(s *Session) { s.resolver = r }
}

// WithClock sets the clock of every engine.
func WithClock(c clock.Clock) Option {
	return func(s *Session) { s.clock = c }
}

// Session is one run of the requested probes.
type Session struct {
	cfg      *types.Config
	out      io.Writer
	logger   *logging.Logger
	recorder Recorder
	resolver Resolver
	clock    clock.Clock

	peer *net.UDPAddr

	mu     sync.Mutex
	runner *probe.Runner
}

// New creates a session for a validated configuration.
func New(cfg *types.Config, opts ...Option) *Session {
	s := &Session{
		cfg:      cfg,
		out:      os.Stderr,
		logger:   logging.NewNop(),
		recorder: nopRecorder{},
		clock:    clock.New(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.resolver == nil {
		s.resolver = discovery.NewResolver(cfg.DNS.ResolvConf, cfg.DNS.Timeout,
			discovery.WithLogger(s.logger.Named("dns")))
	}
	return s
}

// Requests converts the probe selection into a request set.
func Requests(p types.ProbesConfig) probe.RequestSet {
	var s probe.RequestSet
	for k, on := range map[probe.Kind]bool{
		probe.Binding:      p.Binding,
		probe.Hairpinning:  p.Hairpinning,
		probe.Mapping:      p.Mapping,
		probe.Filtering:    p.Filtering,
		probe.Lifetime:     p.Lifetime,
		probe.GenericALG:   p.GenericALG,
		probe.Relay:        p.Relay,
		probe.Connectivity: p.Connectivity,
	} {
		if on {
			s.Set(k)
		}
	}
	return s
}

// STUNConfig converts the transaction settings.
func STUNConfig(c types.STUNConfig) stunc.Config {
	conf := stunc.DefaultConfig()
	if c.RTO > 0 {
		conf.RTO = c.RTO
	}
	if c.RC > 0 {
		conf.RC = c.RC
	}
	if c.RM > 0 {
		conf.RM = c.RM
	}
	if c.TI > 0 {
		conf.TI = c.TI
	}
	conf.TOS = c.TOS
	conf.Software = c.Software
	return conf
}

// Run performs the run. It returns a FatalError when the run could not
// be set up; probe failures are only reported on the output.
func (s *Session) Run(ctx context.Context) error {
	cfg := s.cfg
	requests := Requests(cfg.Probes)
	if !requests.Any() {
		return errors.Fatal("setup", fmt.Errorf("no probe selected"))
	}

	if cfg.Relay.Peer != "" {
		peer, err := config.ParsePeer(cfg.Relay.Peer)
		if err != nil {
			return errors.Fatal("setup", err)
		}
		s.peer = peer
	}

	conf := STUNConfig(cfg.STUN)
	proto := cfg.Server.Proto
	if proto == "" {
		proto = types.ProtoUDP
	}

	fmt.Fprintf(s.out, "STUN client: local=%s srv=%s:%d (rto=%d)\n",
		printableIP(defaultSourceIP(cfg.Server.IPv6)), cfg.Server.Host, cfg.Server.Port, conf.RTO.Milliseconds())

	service := discovery.ServiceFor(cfg.Probes.Binding, cfg.Probes.Relay, cfg.Probes.Connectivity)
	fmt.Fprintf(s.out, "Service: %q, Protocol: %q\n", service, proto)

	ep, err := s.resolver.Resolve(ctx, discovery.Query{
		Service: service,
		Proto:   proto,
		Host:    cfg.Server.Host,
		Port:    cfg.Server.Port,
		IPv6:    cfg.Server.IPv6,
	})
	if err != nil {
		return errors.Fatal("resolve", fmt.Errorf("could not resolve STUN server %s: %w", cfg.Server.Host, err))
	}
	fmt.Fprintf(s.out, "Resolved STUN server: %s\n", ep)

	res, err := s.openResources(ctx, ep, proto, conf)
	if err != nil {
		return errors.Fatal("transport", err)
	}

	runner, err := probe.NewRunner(res, s.allocators(), requests,
		probe.WithOutput(s.out),
		probe.WithLogger(s.logger.Named("probe")),
		probe.WithRecorder(s.recorder),
		probe.WithClock(s.clock),
		probe.WithHold(cfg.Hold),
	)
	if err != nil {
		res.Close()
		return errors.Fatal("setup", err)
	}

	s.mu.Lock()
	s.runner = runner
	s.mu.Unlock()

	runErr := runner.Run(ctx)
	runErr = multierr.Append(runErr, res.Close())
	if runErr != nil {
		s.logger.Warn("Teardown failed", "error", runErr)
	}
	return nil
}

func (s *Session) openResources(ctx context.Context, ep discovery.Endpoint, proto string, conf stunc.Config) (*probe.Resources, error) {
	opts := []stunc.Option{
		stunc.WithClock(s.clock),
		stunc.WithLogger(s.logger.Named("stun")),
	}

	res := &probe.Resources{
		Proto:  proto,
		Config: conf,
		Clock:  s.clock,
		Logger: s.logger.Named("probe"),
	}

	switch proto {
	case types.ProtoUDP:
		server := ep.UDPAddr()
		network := "udp4"
		if ep.IP.To4() == nil {
			network = "udp6"
		}
		tr, err := stunc.ListenPacket(network, ":0", conf, opts...)
		if err != nil {
			return nil, fmt.Errorf("failed to open UDP socket: %w", err)
		}
		res.Transport = tr
		res.Server = server
		res.LocalAddr = localAddr(server, tr.LocalAddr())
	case types.ProtoTCP:
		server := ep.TCPAddr()
		tr, err := stunc.DialStream(ctx, "tcp", server, conf, opts...)
		if err != nil {
			return nil, err
		}
		res.Transport = tr
		res.Server = server
		res.LocalAddr = tr.LocalAddr()
	default:
		return nil, fmt.Errorf("%w: %s", errors.ErrUnsupportedTransport, proto)
	}

	s.logger.Debug("Shared transport ready", "local", res.LocalAddr, "server", res.Server)
	return res, nil
}

// RequestDebug dumps the ICE session, if ICE was requested. Safe to call
// from any goroutine.
func (s *Session) RequestDebug() {
	s.mu.Lock()
	r := s.runner
	s.mu.Unlock()
	if r == nil {
		return
	}

	_ = r.Post(func() {
		c := r.Controller(probe.Connectivity)
		if c == nil {
			s.logger.Debug("No ICE session to dump", "pending", r.Pending())
			return
		}
		s.logger.Debug("Dumping ICE session", "state", c.State(), "pending", r.Pending())
		agent, ok := c.Engine().(*ice.Agent)
		if !ok {
			return
		}
		if err := agent.WriteDebug(s.out); err != nil {
			s.logger.Warn("ICE debug dump failed", "error", err)
		}
	})
}

// localAddr combines the route source address towards server with the
// port of the bound socket.
func localAddr(server *net.UDPAddr, bound net.Addr) net.Addr {
	port := 0
	if u, ok := bound.(*net.UDPAddr); ok {
		port = u.Port
	}
	ip := sourceIP("udp", server.String())
	if ip == nil {
		return bound
	}
	return &net.UDPAddr{IP: ip, Port: port}
}

func defaultSourceIP(ipv6 bool) net.IP {
	if ipv6 {
		return sourceIP("udp6", "[2001:db8::1]:9")
	}
	return sourceIP("udp4", "192.0.2.1:9")
}

// sourceIP returns the address the kernel would send from towards remote.
// Connecting a UDP socket sends nothing.
func sourceIP(network, remote string) net.IP {
	conn, err := net.Dial(network, remote)
	if err != nil {
		return nil
	}
	defer conn.Close()
	if u, ok := conn.LocalAddr().(*net.UDPAddr); ok {
		return u.IP
	}
	return nil
}

func printableIP(ip net.IP) string {
	if ip == nil {
		return "?"
	}
	return ip.String()
}
