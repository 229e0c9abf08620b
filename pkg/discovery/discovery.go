// Package discovery locates the STUN/TURN server of a run: IP literals
// are used as given, an explicit port skips SRV, otherwise the
// _service._proto SRV records of the host are tried before falling back
// to the host itself on the default port.
package discovery

import (
	"context"
	"fmt"
	"net"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/miekg/dns"

	"github.com/2gc-dev/natprobe/pkg/errors"
)

// SRV service labels.
const (
	ServiceBinding  = "stun"
	ServiceRelay    = "turn"
	ServiceBehavior = "stun-behavior"
)

// DefaultPort is used when neither the caller nor SRV supplies a port.
const DefaultPort = 3478

// ErrNotFound is returned when no address could be found for the server.
var ErrNotFound = errors.New("server not found")

// ServiceFor picks the SRV service for the requested probes: ICE or
// binding discovery use the binding service, a relay alone uses the relay
// service, and anything else the behaviour service.
func ServiceFor(binding, relay, connectivity bool) string {
	switch {
	case connectivity:
		return ServiceBinding
	case relay:
		return ServiceRelay
	case binding:
		return ServiceBinding
	default:
		return ServiceBehavior
	}
}

// Logger interface for resolver logging
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

// Exchanger sends one DNS query. *dns.Client implements it.
type Exchanger interface {
	ExchangeContext(ctx context.Context, m *dns.Msg, address string) (*dns.Msg, time.Duration, error)
}

// Query describes the server to locate.
type Query struct {
	Service string
	Proto   string
	Host    string
	Port    int
	IPv6    bool
}

// Endpoint is a resolved server.
type Endpoint struct {
	IP   net.IP
	Port int
	// Target is the SRV target the address came from, if any.
	Target string
}

// UDPAddr returns the endpoint as a UDP address.
func (e Endpoint) UDPAddr() *net.UDPAddr {
	return &net.UDPAddr{IP: e.IP, Port: e.Port}
}

// TCPAddr returns the endpoint as a TCP address.
func (e Endpoint) TCPAddr() *net.TCPAddr {
	return &net.TCPAddr{IP: e.IP, Port: e.Port}
}

func (e Endpoint) String() string {
	return net.JoinHostPort(e.IP.String(), strconv.Itoa(e.Port))
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithExchanger replaces the DNS client.
func WithExchanger(x Exchanger) Option {
	return func(r *Resolver) { r.client = x }
}

// WithServers sets the name servers as host:port.
func WithServers(servers ...string) Option {
	return func(r *Resolver) { r.servers = servers }
}

// WithLogger sets the logger.
func WithLogger(l Logger) Option {
	return func(r *Resolver) { r.logger = l }
}

// Resolver queries name servers with miekg/dns.
type Resolver struct {
	client     Exchanger
	resolvConf string
	logger     Logger

	mu      sync.Mutex
	servers []string
}

// NewResolver creates a resolver. Without WithServers the name servers
// are read from resolvConf on the first query, so IP literals resolve
// even when it is missing.
func NewResolver(resolvConf string, timeout time.Duration, opts ...Option) *Resolver {
	r := &Resolver{
		client:     &dns.Client{Net: "udp", Timeout: timeout},
		resolvConf: resolvConf,
		logger:     nopLogger{},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Resolver) nameServers() ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.servers) > 0 {
		return r.servers, nil
	}

	cc, err := dns.ClientConfigFromFile(r.resolvConf)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", r.resolvConf, err)
	}
	for _, s := range cc.Servers {
		r.servers = append(r.servers, net.JoinHostPort(s, cc.Port))
	}
	if len(r.servers) == 0 {
		return nil, fmt.Errorf("no name servers in %s", r.resolvConf)
	}
	return r.servers, nil
}

// Resolve locates the server described by q.
func (r *Resolver) Resolve(ctx context.Context, q Query) (Endpoint, error) {
	port := q.Port
	if ip := net.ParseIP(q.Host); ip != nil {
		if port == 0 {
			port = DefaultPort
		}
		return Endpoint{IP: ip, Port: port}, nil
	}

	if port != 0 {
		ip, err := r.lookupHost(ctx, q.Host, q.IPv6)
		if err != nil {
			return Endpoint{}, err
		}
		return Endpoint{IP: ip, Port: port}, nil
	}

	srvName := fmt.Sprintf("_%s._%s.%s", q.Service, q.Proto, dns.Fqdn(q.Host))
	records, err := r.lookupSRV(ctx, srvName)
	if err != nil {
		r.logger.Debug("SRV lookup failed", "name", srvName, "error", err)
	}
	for _, srv := range records {
		ip, err := r.lookupHost(ctx, srv.Target, q.IPv6)
		if err != nil {
			r.logger.Debug("SRV target did not resolve", "target", srv.Target, "error", err)
			continue
		}
		return Endpoint{IP: ip, Port: int(srv.Port), Target: srv.Target}, nil
	}

	r.logger.Debug("No usable SRV record, using host", "name", srvName)
	ip, err := r.lookupHost(ctx, q.Host, q.IPv6)
	if err != nil {
		return Endpoint{}, err
	}
	return Endpoint{IP: ip, Port: DefaultPort}, nil
}

// lookupSRV returns the records ordered by priority, then by descending
// weight.
func (r *Resolver) lookupSRV(ctx context.Context, name string) ([]*dns.SRV, error) {
	answers, err := r.query(ctx, name, dns.TypeSRV)
	if err != nil {
		return nil, err
	}

	var records []*dns.SRV
	for _, rr := range answers {
		if srv, ok := rr.(*dns.SRV); ok {
			records = append(records, srv)
		}
	}
	sort.SliceStable(records, func(i, j int) bool {
		if records[i].Priority != records[j].Priority {
			return records[i].Priority < records[j].Priority
		}
		return records[i].Weight > records[j].Weight
	})
	return records, nil
}

// lookupHost resolves host, trying the preferred family first.
func (r *Resolver) lookupHost(ctx context.Context, host string, preferIPv6 bool) (net.IP, error) {
	order := []uint16{dns.TypeA, dns.TypeAAAA}
	if preferIPv6 {
		order = []uint16{dns.TypeAAAA, dns.TypeA}
	}

	var lastErr error
	for _, qtype := range order {
		answers, err := r.query(ctx, dns.Fqdn(host), qtype)
		if err != nil {
			lastErr = err
			continue
		}
		for _, rr := range answers {
			switch v := rr.(type) {
			case *dns.A:
				return v.A, nil
			case *dns.AAAA:
				return v.AAAA, nil
			}
		}
	}

	if lastErr != nil {
		return nil, fmt.Errorf("could not resolve %s: %w", host, lastErr)
	}
	return nil, fmt.Errorf("could not resolve %s: %w", host, ErrNotFound)
}

// query asks each name server in turn until one answers.
func (r *Resolver) query(ctx context.Context, name string, qtype uint16) ([]dns.RR, error) {
	servers, err := r.nameServers()
	if err != nil {
		return nil, err
	}

	m := new(dns.Msg)
	m.SetQuestion(name, qtype)
	m.RecursionDesired = true

	var lastErr error
	for _, server := range servers {
		resp, _, err := r.client.ExchangeContext(ctx, m, server)
		if err != nil {
			lastErr = err
			continue
		}
		switch resp.Rcode {
		case dns.RcodeSuccess:
			return resp.Answer, nil
		case dns.RcodeNameError:
			return nil, nil
		default:
			lastErr = fmt.Errorf("%s %s: %s", name, dns.TypeToString[qtype], dns.RcodeToString[resp.Rcode])
		}
	}
	return nil, lastErr
}
