package relay

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

// mockRelayLogger records log messages for assertions.
type mockRelayLogger struct {
	mu   sync.Mutex
	logs []string
}

func (ml *mockRelayLogger) Info(msg string, fields ...interface{})  { ml.add("INFO: " + msg) }
func (ml *mockRelayLogger) Error(msg string, fields ...interface{}) { ml.add("ERROR: " + msg) }
func (ml *mockRelayLogger) Debug(msg string, fields ...interface{}) { ml.add("DEBUG: " + msg) }
func (ml *mockRelayLogger) Warn(msg string, fields ...interface{})  { ml.add("WARN: " + msg) }

func (ml *mockRelayLogger) add(line string) {
	ml.mu.Lock()
	defer ml.mu.Unlock()
	ml.logs = append(ml.logs, line)
}

func (ml *mockRelayLogger) Logs() []string {
	ml.mu.Lock()
	defer ml.mu.Unlock()
	return append([]string(nil), ml.logs...)
}

type write struct {
	data string
	to   net.Addr
}

// fakeConn captures WriteTo calls.
type fakeConn struct {
	mu     sync.Mutex
	writes []write
	err    error
}

func (c *fakeConn) ReadFrom([]byte) (int, net.Addr, error) { return 0, nil, net.ErrClosed }

func (c *fakeConn) WriteTo(p []byte, addr net.Addr) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return 0, c.err
	}
	c.writes = append(c.writes, write{data: string(p), to: addr})
	return len(p), nil
}

func (c *fakeConn) Writes() []write {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]write(nil), c.writes...)
}

func (c *fakeConn) Close() error                     { return nil }
func (c *fakeConn) LocalAddr() net.Addr              { return &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 1} }
func (c *fakeConn) SetDeadline(time.Time) error      { return nil }
func (c *fakeConn) SetReadDeadline(time.Time) error  { return nil }
func (c *fakeConn) SetWriteDeadline(time.Time) error { return nil }

type countingRecorder struct {
	mu     sync.Mutex
	bytes  map[string]int
	errors map[string]int
}

func newCountingRecorder() *countingRecorder {
	return &countingRecorder{bytes: map[string]int{}, errors: map[string]int{}}
}

func (r *countingRecorder) RecordForwarded(direction string, n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bytes[direction] += n
}

func (r *countingRecorder) RecordForwardError(direction string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errors[direction]++
}

var (
	loopSender = &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 40000}
	peerAddr   = &net.UDPAddr{IP: net.IPv4(192, 0, 2, 10), Port: 5000}
)

func TestBridgeRelayDataWaitsForLoopPeer(t *testing.T) {
	loop := &fakeConn{}
	rec := newCountingRecorder()
	b := NewBridge(loop, peerAddr, nil, rec)

	b.FromRelay([]byte("early"), peerAddr)
	assert.Empty(t, loop.Writes())

	b.FromLoop([]byte("hello"), loopSender)
	b.FromRelay([]byte("reply"), peerAddr)

	assert.Equal(t, []write{{data: "reply", to: loopSender}}, loop.Writes())
	assert.Equal(t, 5, rec.bytes[DirectionRelayToLoop])
}

func TestBridgeLoopDataNeedsRelayAndPeer(t *testing.T) {
	logger := &mockRelayLogger{}
	relayConn := &fakeConn{}

	noPeer := NewBridge(&fakeConn{}, nil, logger, nil)
	noPeer.SetRelay(relayConn)
	noPeer.FromLoop([]byte("x"), loopSender)
	assert.Empty(t, relayConn.Writes())
	assert.Equal(t, loopSender, noPeer.LoopPeer(), "loop peer is recorded even when nothing is forwarded")

	rec := newCountingRecorder()
	b := NewBridge(&fakeConn{}, peerAddr, logger, rec)
	b.FromLoop([]byte("before"), loopSender)
	assert.Empty(t, relayConn.Writes())

	b.SetRelay(relayConn)
	b.FromLoop([]byte("after"), loopSender)
	assert.Equal(t, []write{{data: "after", to: peerAddr}}, relayConn.Writes())
	assert.Equal(t, 5, rec.bytes[DirectionLoopToRelay])

	assert.Contains(t, logger.Logs(), "WARN: Peer not set, dropping loop data")
	assert.Contains(t, logger.Logs(), "WARN: No relay allocation, dropping loop data")
}

func TestBridgeForwardErrorsAreCounted(t *testing.T) {
	rec := newCountingRecorder()
	loop := &fakeConn{err: net.ErrClosed}
	relayConn := &fakeConn{err: net.ErrClosed}

	b := NewBridge(loop, peerAddr, nil, rec)
	b.SetRelay(relayConn)
	b.FromLoop([]byte("x"), loopSender)
	b.FromRelay([]byte("y"), peerAddr)

	assert.Equal(t, 1, rec.errors[DirectionLoopToRelay])
	assert.Equal(t, 1, rec.errors[DirectionRelayToLoop])
	assert.Zero(t, rec.bytes[DirectionLoopToRelay])
}

func TestBridgeWithoutLoopSocket(t *testing.T) {
	b := NewBridge(nil, peerAddr, nil, nil)
	b.FromRelay([]byte("data"), peerAddr)
	assert.Nil(t, b.LoopPeer())
}
