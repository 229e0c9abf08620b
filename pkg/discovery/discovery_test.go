package discovery

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// zone is a fake Exchanger answering from a fixed record set.
type zone struct {
	mu      sync.Mutex
	records map[string][]dns.RR
	queries []string
	fail    bool
}

func newZone(t *testing.T, rrs ...string) *zone {
	t.Helper()
	z := &zone{records: make(map[string][]dns.RR)}
	for _, s := range rrs {
		rr, err := dns.NewRR(s)
		require.NoError(t, err)
		key := rr.Header().Name + " " + dns.TypeToString[rr.Header().Rrtype]
		z.records[key] = append(z.records[key], rr)
	}
	return z
}

func (z *zone) ExchangeContext(ctx context.Context, m *dns.Msg, address string) (*dns.Msg, time.Duration, error) {
	z.mu.Lock()
	defer z.mu.Unlock()

	q := m.Question[0]
	key := q.Name + " " + dns.TypeToString[q.Qtype]
	z.queries = append(z.queries, key)

	if z.fail {
		return nil, 0, context.DeadlineExceeded
	}

	resp := new(dns.Msg)
	resp.SetReply(m)
	resp.Answer = z.records[key]
	if len(resp.Answer) == 0 {
		resp.Rcode = dns.RcodeNameError
	}
	return resp, 0, nil
}

func (z *zone) Queries() []string {
	z.mu.Lock()
	defer z.mu.Unlock()
	return append([]string(nil), z.queries...)
}

func newTestResolver(t *testing.T, z *zone) *Resolver {
	t.Helper()
	return NewResolver("", time.Second, WithExchanger(z), WithServers("192.0.2.53:53"))
}

func TestServiceFor(t *testing.T) {
	assert.Equal(t, ServiceBinding, ServiceFor(false, true, true))
	assert.Equal(t, ServiceRelay, ServiceFor(true, true, false))
	assert.Equal(t, ServiceBinding, ServiceFor(true, false, false))
	assert.Equal(t, ServiceBehavior, ServiceFor(false, false, false))
}

func TestResolveIPLiteralSkipsDNS(t *testing.T) {
	z := newZone(t)
	r := newTestResolver(t, z)

	ep, err := r.Resolve(context.Background(), Query{Service: ServiceBehavior, Proto: "udp", Host: "192.0.2.7"})
	require.NoError(t, err)
	assert.Equal(t, "192.0.2.7:3478", ep.String())

	ep, err = r.Resolve(context.Background(), Query{Host: "2001:db8::7", Port: 5000})
	require.NoError(t, err)
	assert.Equal(t, "[2001:db8::7]:5000", ep.String())

	assert.Empty(t, z.Queries())
}

func TestResolveExplicitPortSkipsSRV(t *testing.T) {
	z := newZone(t, "stun.example.net. 60 IN A 198.51.100.1")
	r := newTestResolver(t, z)

	ep, err := r.Resolve(context.Background(), Query{Service: ServiceBinding, Proto: "udp", Host: "stun.example.net", Port: 19302})
	require.NoError(t, err)
	assert.Equal(t, "198.51.100.1:19302", ep.String())
	assert.Equal(t, []string{"stun.example.net. A"}, z.Queries())
}

func TestResolveSRV(t *testing.T) {
	z := newZone(t,
		"_stun-behavior._udp.example.net. 60 IN SRV 20 0 3479 backup.example.net.",
		"_stun-behavior._udp.example.net. 60 IN SRV 10 5 3478 low.example.net.",
		"_stun-behavior._udp.example.net. 60 IN SRV 10 50 3480 primary.example.net.",
		"primary.example.net. 60 IN A 198.51.100.10",
		"low.example.net. 60 IN A 198.51.100.11",
	)
	r := newTestResolver(t, z)

	ep, err := r.Resolve(context.Background(), Query{Service: ServiceBehavior, Proto: "udp", Host: "example.net"})
	require.NoError(t, err)
	assert.Equal(t, "198.51.100.10:3480", ep.String())
	assert.Equal(t, "primary.example.net.", ep.Target)
}

func TestResolveSRVSkipsUnresolvableTargets(t *testing.T) {
	z := newZone(t,
		"_turn._tcp.example.net. 60 IN SRV 10 0 3478 gone.example.net.",
		"_turn._tcp.example.net. 60 IN SRV 20 0 443 turn.example.net.",
		"turn.example.net. 60 IN A 198.51.100.20",
	)
	r := newTestResolver(t, z)

	ep, err := r.Resolve(context.Background(), Query{Service: ServiceRelay, Proto: "tcp", Host: "example.net"})
	require.NoError(t, err)
	assert.Equal(t, "198.51.100.20:443", ep.String())
	assert.Equal(t, 443, ep.TCPAddr().Port)
}

func TestResolveFallsBackToHost(t *testing.T) {
	z := newZone(t,
		"stun.example.net. 60 IN A 198.51.100.30",
		"stun.example.net. 60 IN AAAA 2001:db8::30",
	)
	r := newTestResolver(t, z)

	ep, err := r.Resolve(context.Background(), Query{Service: ServiceBinding, Proto: "udp", Host: "stun.example.net"})
	require.NoError(t, err)
	assert.Equal(t, "198.51.100.30:3478", ep.String())
	assert.Empty(t, ep.Target)

	ep, err = r.Resolve(context.Background(), Query{Service: ServiceBinding, Proto: "udp", Host: "stun.example.net", IPv6: true})
	require.NoError(t, err)
	assert.Equal(t, "[2001:db8::30]:3478", ep.String())
}

func TestResolveIPv6FallsBackToA(t *testing.T) {
	z := newZone(t, "v4only.example.net. 60 IN A 198.51.100.40")
	r := newTestResolver(t, z)

	ep, err := r.Resolve(context.Background(), Query{Host: "v4only.example.net", Port: 3478, IPv6: true})
	require.NoError(t, err)
	assert.Equal(t, "198.51.100.40", ep.IP.String())
	assert.Equal(t, []string{"v4only.example.net. AAAA", "v4only.example.net. A"}, z.Queries())
}

func TestResolveNotFound(t *testing.T) {
	r := newTestResolver(t, newZone(t))

	_, err := r.Resolve(context.Background(), Query{Service: ServiceBinding, Proto: "udp", Host: "missing.example.net"})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestResolveServerFailure(t *testing.T) {
	z := newZone(t)
	z.fail = true
	r := newTestResolver(t, z)

	_, err := r.Resolve(context.Background(), Query{Host: "stun.example.net", Port: 3478})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestNewResolverReadsResolvConf(t *testing.T) {
	path := filepath.Join(t.TempDir(), "resolv.conf")
	require.NoError(t, os.WriteFile(path, []byte("nameserver 192.0.2.53\nnameserver 2001:db8::53\n"), 0o600))

	servers, err := NewResolver(path, time.Second).nameServers()
	require.NoError(t, err)
	assert.Equal(t, []string{"192.0.2.53:53", "[2001:db8::53]:53"}, servers)
}

func TestMissingResolvConf(t *testing.T) {
	r := NewResolver(filepath.Join(t.TempDir(), "missing"), time.Second)

	ep, err := r.Resolve(context.Background(), Query{Host: "192.0.2.1"})
	require.NoError(t, err, "IP literals need no name server")
	assert.Equal(t, 3478, ep.Port)

	_, err = r.Resolve(context.Background(), Query{Host: "stun.example.net", Port: 3478})
	assert.Error(t, err)
}

func TestResolveAgainstDNSServer(t *testing.T) {
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)

	mux := dns.NewServeMux()
	mux.HandleFunc("example.test.", func(w dns.ResponseWriter, req *dns.Msg) {
		resp := new(dns.Msg)
		resp.SetReply(req)
		q := req.Question[0]
		switch q.Qtype {
		case dns.TypeSRV:
			rr, _ := dns.NewRR("_stun._udp.example.test. 60 IN SRV 0 0 3490 node.example.test.")
			resp.Answer = append(resp.Answer, rr)
		case dns.TypeA:
			if q.Name == "node.example.test." {
				rr, _ := dns.NewRR("node.example.test. 60 IN A 127.0.0.9")
				resp.Answer = append(resp.Answer, rr)
			}
		}
		_ = w.WriteMsg(resp)
	})

	started := make(chan struct{})
	srv := &dns.Server{PacketConn: pc, Handler: mux, NotifyStartedFunc: func() { close(started) }}
	go func() { _ = srv.ActivateAndServe() }()
	t.Cleanup(func() { _ = srv.Shutdown() })
	<-started

	r := NewResolver("", time.Second, WithServers(pc.LocalAddr().String()))

	ep, err := r.Resolve(context.Background(), Query{Service: ServiceBinding, Proto: "udp", Host: "example.test"})
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.9:3490", ep.String())
}
