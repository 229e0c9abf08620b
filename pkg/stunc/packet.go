package stunc

import (
	"context"
	"errors"
	"net"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/pion/stun"
)

const maxPacketSize = 1500

// PacketTransport runs transactions over a datagram socket.
type PacketTransport struct {
	demux

	conn  net.PacketConn
	conf  Config
	clock clock.Clock

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
	closeErr  error
}

// NewPacketTransport takes ownership of conn and starts reading from it.
func NewPacketTransport(conn net.PacketConn, conf Config, opts ...Option) *PacketTransport {
	o := buildOptions(opts)
	ctx, cancel := context.WithCancel(context.Background())

	t := &PacketTransport{
		demux:  newDemux(o.logger),
		conn:   conn,
		conf:   conf,
		clock:  o.clock,
		ctx:    ctx,
		cancel: cancel,
	}

	t.wg.Add(1)
	go t.readLoop()

	return t
}

// ListenPacket opens a UDP socket on laddr and wraps it.
func ListenPacket(network, laddr string, conf Config, opts ...Option) (*PacketTransport, error) {
	conn, err := net.ListenPacket(network, laddr)
	if err != nil {
		return nil, err
	}
	if err := SetTOS(conn, conf.TOS); err != nil {
		buildOptions(opts).logger.Warn("Failed to set TOS", "tos", conf.TOS, "error", err)
	}
	return NewPacketTransport(conn, conf, opts...), nil
}

// Do implements Transport.
func (t *PacketTransport) Do(ctx context.Context, req *stun.Message, to net.Addr) (*Response, error) {
	if t.ctx.Err() != nil {
		return nil, ErrClosed
	}

	ch, err := t.register(req.TransactionID)
	if err != nil {
		return nil, err
	}
	defer t.unregister(req.TransactionID)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(t.ctx, cancel)
	defer stop()

	res, err := Retransmit(ctx, t.conf, t.clock, func() error {
		_, err := t.conn.WriteTo(req.Raw, to)
		return err
	}, ch)
	if err != nil {
		if t.ctx.Err() != nil {
			return nil, ErrClosed
		}
		return nil, err
	}
	return checkResponse(res)
}

// Send implements Transport.
func (t *PacketTransport) Send(m *stun.Message, to net.Addr) error {
	_, err := t.conn.WriteTo(m.Raw, to)
	return err
}

// WriteTo sends raw bytes on the underlying socket.
func (t *PacketTransport) WriteTo(b []byte, to net.Addr) (int, error) {
	return t.conn.WriteTo(b, to)
}

// LocalAddr implements Transport.
func (t *PacketTransport) LocalAddr() net.Addr {
	return t.conn.LocalAddr()
}

// Network implements Transport.
func (t *PacketTransport) Network() string {
	return "udp"
}

// Close implements Transport. It is safe to call more than once.
func (t *PacketTransport) Close() error {
	t.closeOnce.Do(func() {
		t.cancel()
		t.closeErr = t.conn.Close()
		t.wg.Wait()
	})
	return t.closeErr
}

func (t *PacketTransport) readLoop() {
	defer t.wg.Done()

	buf := make([]byte, maxPacketSize)
	for {
		n, from, err := t.conn.ReadFrom(buf)
		if err != nil {
			if t.ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			t.logger.Debug("Read failed", "local", t.conn.LocalAddr(), "error", err)
			continue
		}
		t.dispatch(buf[:n], from)
	}
}
