package stunc

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// MappedHandler receives keepalive results. It is called for the first
// mapped address, for every later change of it, and for every failed
// probe.
type MappedHandler func(mapped *net.UDPAddr, err error)

// Keepalive periodically sends Binding requests to the server and tracks
// the mapped address of the transport.
type Keepalive struct {
	transport Transport
	server    net.Addr
	conf      Config
	interval  time.Duration
	handler   MappedHandler
	clock     clock.Clock
	logger    Logger

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once

	mu      sync.Mutex
	started bool
	mapped  *net.UDPAddr
}

// NewKeepalive creates a keepalive engine on a borrowed transport.
func NewKeepalive(tr Transport, server net.Addr, conf Config, interval time.Duration, h MappedHandler, opts ...Option) *Keepalive {
	o := buildOptions(opts)
	ctx, cancel := context.WithCancel(context.Background())
	return &Keepalive{
		transport: tr,
		server:    server,
		conf:      conf,
		interval:  interval,
		handler:   h,
		clock:     o.clock,
		logger:    o.logger,
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Start launches the probing goroutine.
func (k *Keepalive) Start() error {
	k.mu.Lock()
	defer k.mu.Unlock()

	if k.ctx.Err() != nil {
		return ErrClosed
	}
	if k.started {
		return errors.New("keepalive already started")
	}
	k.started = true

	k.wg.Add(1)
	go k.run()
	return nil
}

// Mapped returns the last mapped address, or nil.
func (k *Keepalive) Mapped() *net.UDPAddr {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.mapped
}

// Close stops probing. The transport is not closed.
func (k *Keepalive) Close() error {
	k.closeOnce.Do(func() {
		k.cancel()
		k.wg.Wait()
	})
	return nil
}

func (k *Keepalive) run() {
	defer k.wg.Done()

	for {
		mapped, err := k.probe()
		if k.ctx.Err() != nil {
			return
		}
		k.report(mapped, err)

		timer := k.clock.Timer(k.interval)
		select {
		case <-k.ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

func (k *Keepalive) probe() (*net.UDPAddr, error) {
	req, err := NewBindingRequest(k.conf)
	if err != nil {
		return nil, err
	}
	res, err := k.transport.Do(k.ctx, req, k.server)
	if err != nil {
		return nil, err
	}
	return MappedAddress(res.Message)
}

func (k *Keepalive) report(mapped *net.UDPAddr, err error) {
	if err != nil {
		k.logger.Debug("Keepalive probe failed", "server", k.server, "error", err)
		k.handler(nil, err)
		return
	}

	k.mu.Lock()
	prev := k.mapped
	k.mapped = mapped
	k.mu.Unlock()

	if prev != nil && prev.IP.Equal(mapped.IP) && prev.Port == mapped.Port {
		return
	}
	if prev != nil {
		k.logger.Info("Mapped address changed", "from", prev, "to", mapped)
	}
	k.handler(mapped, nil)
}
