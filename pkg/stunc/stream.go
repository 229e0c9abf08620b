package stunc

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/pion/stun"
)

const messageHeaderSize = 20

// StreamTransport runs transactions over a stream connection to a single
// server. Messages are framed by the length in the STUN header, requests
// are sent once and wait conf.TI for the response.
type StreamTransport struct {
	demux

	conn  net.Conn
	conf  Config
	clock clock.Clock

	writeMu sync.Mutex

	ctx       context.Context
	cancel    context.CancelFunc
	dead      chan struct{}
	readErr   error
	wg        sync.WaitGroup
	closeOnce sync.Once
	closeErr  error
}

// DialStream connects to addr over TCP and wraps the connection.
func DialStream(ctx context.Context, network string, addr net.Addr, conf Config, opts ...Option) (*StreamTransport, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, network, addr.String())
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", addr, err)
	}
	if err := SetStreamTOS(conn, conf.TOS); err != nil {
		buildOptions(opts).logger.Warn("Failed to set TOS", "tos", conf.TOS, "error", err)
	}
	return NewStreamTransport(conn, conf, opts...), nil
}

// NewStreamTransport takes ownership of conn and starts reading from it.
func NewStreamTransport(conn net.Conn, conf Config, opts ...Option) *StreamTransport {
	o := buildOptions(opts)
	ctx, cancel := context.WithCancel(context.Background())

	t := &StreamTransport{
		demux:  newDemux(o.logger),
		conn:   conn,
		conf:   conf,
		clock:  o.clock,
		ctx:    ctx,
		cancel: cancel,
		dead:   make(chan struct{}),
	}

	t.wg.Add(1)
	go t.readLoop()

	return t
}

// Do implements Transport. The destination must be the connected peer or nil.
func (t *StreamTransport) Do(ctx context.Context, req *stun.Message, to net.Addr) (*Response, error) {
	if to != nil && !SameEndpoint(to, t.conn.RemoteAddr()) {
		return nil, fmt.Errorf("stream transport cannot send to %s", to)
	}
	if t.ctx.Err() != nil {
		return nil, ErrClosed
	}

	ch, err := t.register(req.TransactionID)
	if err != nil {
		return nil, err
	}
	defer t.unregister(req.TransactionID)

	if err := t.write(req.Raw); err != nil {
		return nil, err
	}

	timer := t.clock.Timer(t.conf.TI)
	defer timer.Stop()

	select {
	case res := <-ch:
		return checkResponse(res)
	case <-timer.C:
		return nil, ErrTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-t.dead:
		if t.ctx.Err() != nil {
			return nil, ErrClosed
		}
		return nil, fmt.Errorf("connection lost: %w", t.readErr)
	}
}

// Send implements Transport.
func (t *StreamTransport) Send(m *stun.Message, to net.Addr) error {
	if to != nil && !SameEndpoint(to, t.conn.RemoteAddr()) {
		return fmt.Errorf("stream transport cannot send to %s", to)
	}
	return t.write(m.Raw)
}

// Conn returns the underlying connection.
func (t *StreamTransport) Conn() net.Conn {
	return t.conn
}

// LocalAddr implements Transport.
func (t *StreamTransport) LocalAddr() net.Addr {
	return t.conn.LocalAddr()
}

// Network implements Transport.
func (t *StreamTransport) Network() string {
	return "tcp"
}

// Close implements Transport. It is safe to call more than once.
func (t *StreamTransport) Close() error {
	t.closeOnce.Do(func() {
		t.cancel()
		t.closeErr = t.conn.Close()
		t.wg.Wait()
	})
	return t.closeErr
}

func (t *StreamTransport) write(b []byte) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	_, err := t.conn.Write(b)
	return err
}

func (t *StreamTransport) readLoop() {
	defer t.wg.Done()
	defer close(t.dead)

	header := make([]byte, messageHeaderSize)
	for {
		if _, err := io.ReadFull(t.conn, header); err != nil {
			t.lost(err)
			return
		}

		length := int(binary.BigEndian.Uint16(header[2:4]))
		msg := make([]byte, messageHeaderSize+length)
		copy(msg, header)
		if _, err := io.ReadFull(t.conn, msg[messageHeaderSize:]); err != nil {
			t.lost(err)
			return
		}

		t.dispatch(msg, t.conn.RemoteAddr())
	}
}

func (t *StreamTransport) lost(err error) {
	t.readErr = err
	if t.ctx.Err() == nil {
		t.logger.Warn("Stream connection lost", "remote", t.conn.RemoteAddr(), "error", err)
	}
}
