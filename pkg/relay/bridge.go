package relay

import (
	"net"
	"sync"
)

// Forwarding directions, used as metric labels.
const (
	DirectionLoopToRelay = "loop_to_relay"
	DirectionRelayToLoop = "relay_to_loop"
)

// Recorder receives forwarding statistics.
type Recorder interface {
	RecordForwarded(direction string, bytes int)
	RecordForwardError(direction string)
}

type nopRecorder struct{}

func (nopRecorder) RecordForwarded(string, int) {}
func (nopRecorder) RecordForwardError(string)   {}

// Bridge couples a local loopback socket with a relay allocation.
//
// Datagrams received on the loopback socket are sent to the configured
// peer through the allocation; the sender becomes the loop peer. Data
// arriving on the allocation is sent back to the last loop peer. Nothing
// is forwarded before both ends are known.
type Bridge struct {
	loop net.PacketConn
	peer net.Addr

	mu       sync.Mutex
	relay    net.PacketConn
	loopPeer net.Addr

	logger   Logger
	recorder Recorder
}

// NewBridge creates a bridge. loop and peer may be nil.
func NewBridge(loop net.PacketConn, peer net.Addr, logger Logger, rec Recorder) *Bridge {
	if logger == nil {
		logger = nopLogger{}
	}
	if rec == nil {
		rec = nopRecorder{}
	}
	return &Bridge{loop: loop, peer: peer, logger: logger, recorder: rec}
}

// SetRelay attaches the allocation once it exists.
func (b *Bridge) SetRelay(conn net.PacketConn) {
	b.mu.Lock()
	b.relay = conn
	b.mu.Unlock()
}

// LoopPeer returns the last observed loopback sender.
func (b *Bridge) LoopPeer() net.Addr {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.loopPeer
}

// FromLoop handles a datagram received on the loopback socket.
func (b *Bridge) FromLoop(p []byte, from net.Addr) {
	b.mu.Lock()
	b.loopPeer = from
	relay := b.relay
	b.mu.Unlock()

	if relay == nil {
		b.logger.Warn("No relay allocation, dropping loop data", "from", from)
		return
	}
	if b.peer == nil {
		b.logger.Warn("Peer not set, dropping loop data", "from", from)
		return
	}

	if _, err := relay.WriteTo(p, b.peer); err != nil {
		b.logger.Warn("Relay send failed", "peer", b.peer, "error", err)
		b.recorder.RecordForwardError(DirectionLoopToRelay)
		return
	}
	b.recorder.RecordForwarded(DirectionLoopToRelay, len(p))
}

// FromRelay handles data received through the allocation.
func (b *Bridge) FromRelay(p []byte, from net.Addr) {
	b.mu.Lock()
	to := b.loopPeer
	b.mu.Unlock()

	if b.loop == nil || to == nil {
		b.logger.Debug("No loop peer, dropping relay data", "from", from, "bytes", len(p))
		return
	}

	if _, err := b.loop.WriteTo(p, to); err != nil {
		b.logger.Warn("Loop send failed", "to", to, "error", err)
		b.recorder.RecordForwardError(DirectionRelayToLoop)
		return
	}
	b.recorder.RecordForwarded(DirectionRelayToLoop, len(p))
}
