package natbd

import (
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/pion/stun"
	"github.com/stretchr/testify/require"

	"github.com/2gc-dev/natprobe/pkg/stunc"
)

type filterMode int

const (
	filterNone filterMode = iota
	filterAddress
	filterAddressPort
)

// behaviorServer is an RFC 5780 server on 127.0.0.1 and 127.0.0.2, each
// with a primary and an alternate port. It can pretend to sit behind
// different NAT behaviours by rewriting mapped ports and dropping changed
// responses.
type behaviorServer struct {
	conns [2][2]net.PacketConn

	mu                 sync.Mutex
	mapping            Behavior
	filter             filterMode
	noOther            bool
	noMapped           bool
	algShift           int
	rejectResponsePort bool
	rejectAll          bool
	lifetime           time.Duration
	lastSeen           map[string]time.Time
}

func newBehaviorServer(t *testing.T) *behaviorServer {
	t.Helper()

	s := &behaviorServer{lastSeen: make(map[string]time.Time)}
	for port := 0; port < 2; port++ {
		a, b := listenPair(t)
		s.conns[0][port] = a
		s.conns[1][port] = b
	}

	for ip := 0; ip < 2; ip++ {
		for port := 0; port < 2; port++ {
			conn := s.conns[ip][port]
			go s.serve(ip, port)
			t.Cleanup(func() { conn.Close() })
		}
	}
	return s
}

// listenPair binds the same port on 127.0.0.1 and 127.0.0.2.
func listenPair(t *testing.T) (net.PacketConn, net.PacketConn) {
	t.Helper()

	for i := 0; i < 10; i++ {
		a, err := net.ListenPacket("udp4", "127.0.0.1:0")
		require.NoError(t, err)
		port := a.LocalAddr().(*net.UDPAddr).Port

		b, err := net.ListenPacket("udp4", net.JoinHostPort("127.0.0.2", strconv.Itoa(port)))
		if err == nil {
			return a, b
		}
		a.Close()
	}
	t.Skip("cannot bind a second loopback address")
	return nil, nil
}

func (s *behaviorServer) Addr() *net.UDPAddr {
	return s.conns[0][0].LocalAddr().(*net.UDPAddr)
}

func (s *behaviorServer) configure(fn func(s *behaviorServer)) {
	s.mu.Lock()
	fn(s)
	s.mu.Unlock()
}

func (s *behaviorServer) serve(ip, port int) {
	buf := make([]byte, 1500)
	for {
		n, addr, err := s.conns[ip][port].ReadFrom(buf)
		if err != nil {
			return
		}
		req := &stun.Message{Raw: append([]byte(nil), buf[:n]...)}
		if err := req.Decode(); err != nil || req.Type.Class != stun.ClassRequest {
			continue
		}
		s.handle(ip, port, req, addr.(*net.UDPAddr))
	}
}

func (s *behaviorServer) handle(ip, port int, req *stun.Message, from *net.UDPAddr) {
	s.mu.Lock()
	defer s.mu.Unlock()

	outIP, outPort := ip, port
	var cr stunc.ChangeRequest
	if cr.GetFrom(req) == nil {
		if cr.IP {
			outIP ^= 1
		}
		if cr.Port {
			outPort ^= 1
		}
	}
	switch {
	case s.filter == filterAddress && outIP != ip:
		return
	case s.filter == filterAddressPort && (outIP != ip || outPort != port):
		return
	}

	dest := from
	var rp stunc.ResponsePort
	hasResponsePort := rp.GetFrom(req) == nil
	if s.rejectAll || (hasResponsePort && s.rejectResponsePort) {
		res, _ := stun.Build(req, stun.NewType(stun.MethodBinding, stun.ClassErrorResponse),
			&stun.ErrorCodeAttribute{Code: stun.CodeUnknownAttribute, Reason: []byte("Unknown Attribute")})
		s.conns[ip][port].WriteTo(res.Raw, from)
		return
	}
	if hasResponsePort {
		dest = &net.UDPAddr{IP: from.IP, Port: int(rp)}
		if s.lifetime > 0 && time.Since(s.lastSeen[dest.String()]) > s.lifetime {
			return
		}
	} else {
		s.lastSeen[from.String()] = time.Now()
	}

	mappedPort := from.Port
	switch s.mapping {
	case EndpointIndependent:
		mappedPort++
	case AddressDependent:
		mappedPort += 1 + 100*ip
	case AddressPortDependent:
		mappedPort += 1 + 100*ip + 10*port
	}

	setters := []stun.Setter{req, stun.BindingSuccess,
		&stun.XORMappedAddress{IP: from.IP, Port: mappedPort}}
	if !s.noMapped {
		setters = append(setters, &stun.MappedAddress{IP: from.IP, Port: mappedPort + s.algShift})
	}
	if !s.noOther {
		other := s.conns[1][1].LocalAddr().(*net.UDPAddr)
		setters = append(setters, attrAs{stun.MappedAddress{IP: other.IP, Port: other.Port}, stun.AttrOtherAddress})
	}
	res, err := stun.Build(setters...)
	if err != nil {
		return
	}
	s.conns[outIP][outPort].WriteTo(res.Raw, dest)
}

type attrAs struct {
	addr stun.MappedAddress
	t    stun.AttrType
}

func (a attrAs) AddTo(m *stun.Message) error {
	return a.addr.AddToAs(m, a.t)
}

func fastConfig() stunc.Config {
	return stunc.Config{
		RTO: 5 * time.Millisecond,
		RC:  3,
		RM:  4,
		TI:  time.Second,
	}
}

func newShared(t *testing.T) *stunc.PacketTransport {
	t.Helper()
	tr, err := stunc.ListenPacket("udp4", "127.0.0.1:0", fastConfig())
	require.NoError(t, err)
	t.Cleanup(func() { tr.Close() })
	return tr
}
