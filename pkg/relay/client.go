// Package relay allocates a TURN relay with pion/turn and optionally
// bridges a local loopback socket through it to a fixed peer.
package relay

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"github.com/pion/logging"
	"github.com/pion/turn/v2"
	"go.uber.org/multierr"

	"github.com/2gc-dev/natprobe/pkg/errors"
	"github.com/2gc-dev/natprobe/pkg/types"
)

const (
	defaultDialTimeout = 10 * time.Second
	maxDatagramSize    = 64 * 1024
)

// Logger interface for relay logging
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

// Config describes one allocation.
type Config struct {
	Server   net.Addr
	Proto    string
	Username string
	Password string
	Realm    string
	Software string
	RTO      time.Duration
	// Lifetime is the requested allocation lifetime. The server default
	// applies; it is only logged.
	Lifetime time.Duration
	// Peer is the destination of loopback traffic and the target of the
	// permission created after allocation. May be nil.
	Peer *net.UDPAddr
	// LoopPort opens a loopback socket on this port when non-zero.
	LoopPort int
}

// Allocation is the result of a successful Allocate.
type Allocation struct {
	Relayed net.Addr
	Mapped  net.Addr
}

func (a *Allocation) String() string {
	mapped := "?"
	if a.Mapped != nil {
		mapped = a.Mapped.String()
	}
	return fmt.Sprintf("relay_addr=%s, mapped_addr=%s", a.Relayed, mapped)
}

// Handler receives the allocation result exactly once.
type Handler func(*Allocation, error)

type options struct {
	logger   Logger
	recorder Recorder
	factory  logging.LoggerFactory
	out      io.Writer
}

// Option configures a Client.
type Option func(*options)

// WithLogger sets the logger.
func WithLogger(l Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithRecorder sets the forwarding statistics recorder.
func WithRecorder(r Recorder) Option {
	return func(o *options) { o.recorder = r }
}

// WithLoggerFactory sets the logger factory handed to pion/turn.
func WithLoggerFactory(f logging.LoggerFactory) Option {
	return func(o *options) { o.factory = f }
}

// WithOutput sets where the loop and channel banners are written.
func WithOutput(w io.Writer) Option {
	return func(o *options) { o.out = w }
}

// Client owns the sockets of one relay allocation.
type Client struct {
	conf    Config
	handler Handler
	opts    options

	app    net.PacketConn
	loop   net.PacketConn
	turn   *turn.Client
	bridge *Bridge

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	mu        sync.Mutex
	started   bool
	relayConn net.PacketConn
	closeOnce sync.Once
	closeErr  error
}

// NewClient opens the application socket, and the loopback socket if a
// loop port is configured.
func NewClient(conf Config, h Handler, opts ...Option) (*Client, error) {
	o := options{
		logger:   nopLogger{},
		recorder: nopRecorder{},
		factory:  logging.NewDefaultLoggerFactory(),
		out:      os.Stderr,
	}
	for _, opt := range opts {
		opt(&o)
	}

	if conf.Server == nil {
		return nil, fmt.Errorf("relay server address is required")
	}

	c := &Client{conf: conf, handler: h, opts: o}
	c.ctx, c.cancel = context.WithCancel(context.Background())

	app, err := c.openApp()
	if err != nil {
		return nil, err
	}
	c.app = app

	if conf.LoopPort != 0 {
		loop, err := net.ListenPacket("udp", fmt.Sprintf(":%d", conf.LoopPort))
		if err != nil {
			app.Close()
			return nil, fmt.Errorf("failed to open loop port %d: %w", conf.LoopPort, err)
		}
		c.loop = loop
		fmt.Fprintf(o.out, "Local loop on port %d\n", conf.LoopPort)
	}

	var peer net.Addr
	if conf.Peer != nil {
		peer = conf.Peer
	}
	c.bridge = NewBridge(c.loop, peer, o.logger, o.recorder)

	tc, err := turn.NewClient(&turn.ClientConfig{
		STUNServerAddr: conf.Server.String(),
		TURNServerAddr: conf.Server.String(),
		Username:       conf.Username,
		Password:       conf.Password,
		Realm:          conf.Realm,
		Software:       conf.Software,
		RTO:            conf.RTO,
		Conn:           c.app,
		LoggerFactory:  o.factory,
	})
	if err != nil {
		c.closeSockets()
		return nil, fmt.Errorf("failed to create TURN client: %w", err)
	}
	c.turn = tc

	return c, nil
}

func (c *Client) openApp() (net.PacketConn, error) {
	switch c.conf.Proto {
	case "", types.ProtoUDP:
		conn, err := net.ListenPacket("udp", ":0")
		if err != nil {
			return nil, fmt.Errorf("failed to open relay socket: %w", err)
		}
		return conn, nil
	case types.ProtoTCP:
		d := net.Dialer{Timeout: defaultDialTimeout}
		conn, err := d.DialContext(c.ctx, "tcp", c.conf.Server.String())
		if err != nil {
			return nil, fmt.Errorf("failed to connect to relay server: %w", err)
		}
		return turn.NewSTUNConn(conn), nil
	default:
		return nil, errors.ErrUnsupportedTransport
	}
}

// Bridge returns the loopback bridge.
func (c *Client) Bridge() *Bridge {
	return c.bridge
}

// LoopAddr returns the loopback socket address, or nil.
func (c *Client) LoopAddr() net.Addr {
	if c.loop == nil {
		return nil
	}
	return c.loop.LocalAddr()
}

// Start begins the allocation. The handler runs from the client goroutine.
func (c *Client) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.ctx.Err() != nil {
		return errors.ErrClosed
	}
	if c.started {
		return fmt.Errorf("relay client already started")
	}

	if err := c.turn.Listen(); err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	c.started = true

	if c.conf.Lifetime > 0 {
		c.opts.logger.Debug("Allocation lifetime is chosen by the server", "requested", c.conf.Lifetime)
	}

	c.wg.Add(1)
	go c.allocate()
	return nil
}

func (c *Client) allocate() {
	defer c.wg.Done()

	relayConn, err := c.turn.Allocate()
	if err != nil {
		if c.ctx.Err() == nil {
			c.handler(nil, err)
		}
		return
	}

	c.mu.Lock()
	if c.ctx.Err() != nil {
		c.mu.Unlock()
		relayConn.Close()
		return
	}
	c.relayConn = relayConn
	c.mu.Unlock()

	alloc := &Allocation{Relayed: relayConn.LocalAddr()}
	mapped, err := c.turn.SendBindingRequest()
	if err != nil {
		c.opts.logger.Warn("Failed to learn mapped address", "error", err)
	} else {
		alloc.Mapped = mapped
	}

	if c.conf.Peer != nil {
		fmt.Fprintf(c.opts.out, "ChannelBind: %s\n", c.conf.Peer)
		if err := c.bindPeer(relayConn); err != nil {
			c.opts.logger.Warn("Failed to bind peer", "peer", c.conf.Peer, "error", err)
		}
	}

	c.bridge.SetRelay(relayConn)
	c.wg.Add(1)
	go c.readLoop(relayConn, c.bridge.FromRelay)
	if c.loop != nil {
		c.wg.Add(1)
		go c.readLoop(c.loop, c.bridge.FromLoop)
	}

	c.handler(alloc, nil)
}

// bindPeer installs a permission for the peer ahead of the first send when
// the relayed connection supports it; otherwise the first send does.
func (c *Client) bindPeer(conn net.PacketConn) error {
	type permissioner interface {
		CreatePermissions(addrs ...net.Addr) error
	}
	if p, ok := conn.(permissioner); ok {
		return p.CreatePermissions(c.conf.Peer)
	}
	c.opts.logger.Debug("Permission is created on first send", "peer", c.conf.Peer)
	return nil
}

func (c *Client) readLoop(conn net.PacketConn, deliver func([]byte, net.Addr)) {
	defer c.wg.Done()

	buf := make([]byte, maxDatagramSize)
	for {
		n, from, err := conn.ReadFrom(buf)
		if err != nil {
			if c.ctx.Err() == nil {
				c.opts.logger.Debug("Relay read loop stopped", "local", conn.LocalAddr(), "error", err)
			}
			return
		}
		deliver(buf[:n], from)
	}
}

// Close releases the allocation and every socket. Safe to call repeatedly.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.cancel()
		relayConn := c.relayConn
		c.mu.Unlock()

		var err error
		if relayConn != nil {
			err = multierr.Append(err, relayConn.Close())
		}
		c.turn.Close()
		err = multierr.Append(err, c.closeSockets())
		c.wg.Wait()
		c.closeErr = err
	})
	return c.closeErr
}

func (c *Client) closeSockets() error {
	var err error
	if c.loop != nil {
		err = multierr.Append(err, c.loop.Close())
	}
	if c.app != nil {
		err = multierr.Append(err, c.app.Close())
	}
	return err
}
