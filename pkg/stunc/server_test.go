package stunc

import (
	"encoding/binary"
	"io"
	"net"
	"sync"
	"testing"

	"github.com/pion/stun"
	"github.com/stretchr/testify/require"
)

// testServer answers Binding requests on a loopback UDP socket.
type testServer struct {
	conn net.PacketConn

	mu        sync.Mutex
	drop      int
	errorCode int
	requests  int
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	conn, err := net.ListenPacket("udp4", "127.0.0.1:0")
	require.NoError(t, err)

	s := &testServer{conn: conn}
	go s.serve()
	t.Cleanup(func() { conn.Close() })
	return s
}

func (s *testServer) Addr() net.Addr {
	return s.conn.LocalAddr()
}

func (s *testServer) setDrop(n int) {
	s.mu.Lock()
	s.drop = n
	s.mu.Unlock()
}

func (s *testServer) setErrorCode(code int) {
	s.mu.Lock()
	s.errorCode = code
	s.mu.Unlock()
}

func (s *testServer) Requests() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requests
}

func (s *testServer) serve() {
	buf := make([]byte, 1500)
	for {
		n, from, err := s.conn.ReadFrom(buf)
		if err != nil {
			return
		}
		req := &stun.Message{Raw: append([]byte(nil), buf[:n]...)}
		if err := req.Decode(); err != nil || req.Type.Class != stun.ClassRequest {
			continue
		}

		s.mu.Lock()
		s.requests++
		drop := s.drop > 0
		if drop {
			s.drop--
		}
		code := s.errorCode
		s.mu.Unlock()
		if drop {
			continue
		}

		res, err := bindingResponse(req, from, code)
		if err != nil {
			continue
		}
		s.conn.WriteTo(res.Raw, from)
	}
}

func bindingResponse(req *stun.Message, from net.Addr, code int) (*stun.Message, error) {
	if code != 0 {
		return stun.Build(req, stun.NewType(stun.MethodBinding, stun.ClassErrorResponse),
			&stun.ErrorCodeAttribute{Code: stun.ErrorCode(code), Reason: []byte("Unknown Attribute")},
			stun.Fingerprint)
	}

	host, port, err := net.SplitHostPort(from.String())
	if err != nil {
		return nil, err
	}
	p, err := net.LookupPort("udp", port)
	if err != nil {
		return nil, err
	}
	return stun.Build(req, stun.BindingSuccess,
		&stun.XORMappedAddress{IP: net.ParseIP(host), Port: p},
		stun.Fingerprint)
}

// serveStream answers framed Binding requests on one accepted connection.
func serveStream(t *testing.T) net.Addr {
	t.Helper()

	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()

		header := make([]byte, messageHeaderSize)
		for {
			if _, err := io.ReadFull(conn, header); err != nil {
				return
			}
			raw := make([]byte, messageHeaderSize+int(binary.BigEndian.Uint16(header[2:4])))
			copy(raw, header)
			if _, err := io.ReadFull(conn, raw[messageHeaderSize:]); err != nil {
				return
			}
			req := &stun.Message{Raw: raw}
			if err := req.Decode(); err != nil {
				return
			}
			res, err := bindingResponse(req, conn.RemoteAddr(), 0)
			if err != nil {
				return
			}
			if _, err := conn.Write(res.Raw); err != nil {
				return
			}
		}
	}()

	return ln.Addr()
}
