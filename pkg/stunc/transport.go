package stunc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pion/stun"
)

var (
	// ErrTimeout is returned when a transaction got no response.
	ErrTimeout = errors.New("stun transaction timed out")
	// ErrClosed is returned for transactions on a closed transport.
	ErrClosed = errors.New("stun transport closed")
)

// StatusError is a STUN error response.
type StatusError struct {
	Code   int
	Reason string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%d %s", e.Code, e.Reason)
}

// Response is a decoded response and the address it came from.
type Response struct {
	Message *stun.Message
	From    net.Addr
}

// Handler receives STUN messages that match no pending transaction:
// requests, indications and stray responses.
type Handler func(m *stun.Message, from net.Addr)

// Transport runs STUN transactions over one socket or connection.
type Transport interface {
	// Do sends req to the given address and waits for the matching
	// response. An error response is returned together with a
	// *StatusError.
	Do(ctx context.Context, req *stun.Message, to net.Addr) (*Response, error)
	// Send writes a message without waiting for anything.
	Send(m *stun.Message, to net.Addr) error
	// SetHandler installs the handler for unmatched messages.
	SetHandler(h Handler)
	LocalAddr() net.Addr
	Network() string
	Close() error
}

// Retransmit calls send and waits on recv, resending with a doubling
// timeout starting from conf.RTO. After conf.RC sends the last wait is
// conf.RM times conf.RTO.
func Retransmit[T any](ctx context.Context, conf Config, clk clock.Clock, send func() error, recv <-chan T) (T, error) {
	var zero T
	rto := conf.RTO
	for i := 0; i < conf.RC; i++ {
		if err := send(); err != nil {
			return zero, err
		}

		wait := rto
		if i == conf.RC-1 {
			wait = conf.RTO * time.Duration(conf.RM)
		}

		timer := clk.Timer(wait)
		select {
		case v := <-recv:
			timer.Stop()
			return v, nil
		case <-ctx.Done():
			timer.Stop()
			return zero, ctx.Err()
		case <-timer.C:
		}
		rto *= 2
	}
	return zero, ErrTimeout
}

// ResponseError returns a *StatusError for an error response and nil for
// any other message.
func ResponseError(m *stun.Message) error {
	if m.Type.Class != stun.ClassErrorResponse {
		return nil
	}
	var code stun.ErrorCodeAttribute
	if err := code.GetFrom(m); err != nil {
		return fmt.Errorf("error response without ERROR-CODE: %w", err)
	}
	return &StatusError{Code: int(code.Code), Reason: string(code.Reason)}
}

func checkResponse(res *Response) (*Response, error) {
	return res, ResponseError(res.Message)
}

// demux routes decoded messages to pending transactions or the handler.
type demux struct {
	logger Logger

	mu      sync.Mutex
	pending map[[stun.TransactionIDSize]byte]chan *Response
	handler Handler
}

func newDemux(logger Logger) demux {
	return demux{
		logger:  logger,
		pending: make(map[[stun.TransactionIDSize]byte]chan *Response),
	}
}

func (d *demux) register(id [stun.TransactionIDSize]byte) (chan *Response, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, exists := d.pending[id]; exists {
		return nil, fmt.Errorf("transaction %x already pending", id)
	}
	ch := make(chan *Response, 1)
	d.pending[id] = ch
	return ch, nil
}

func (d *demux) unregister(id [stun.TransactionIDSize]byte) {
	d.mu.Lock()
	delete(d.pending, id)
	d.mu.Unlock()
}

// SetHandler installs the handler for unmatched messages.
func (d *demux) SetHandler(h Handler) {
	d.mu.Lock()
	d.handler = h
	d.mu.Unlock()
}

func (d *demux) dispatch(data []byte, from net.Addr) {
	if !stun.IsMessage(data) {
		d.logger.Debug("Dropping non-STUN packet", "from", from, "bytes", len(data))
		return
	}

	m := &stun.Message{Raw: append([]byte(nil), data...)}
	if err := m.Decode(); err != nil {
		d.logger.Debug("Dropping malformed STUN message", "from", from, "error", err)
		return
	}

	if m.Type.Class == stun.ClassSuccessResponse || m.Type.Class == stun.ClassErrorResponse {
		d.mu.Lock()
		ch, ok := d.pending[m.TransactionID]
		d.mu.Unlock()
		if ok {
			select {
			case ch <- &Response{Message: m, From: from}:
			default:
				// duplicate response to a retransmitted request
			}
			return
		}
	}

	d.mu.Lock()
	h := d.handler
	d.mu.Unlock()
	if h == nil {
		d.logger.Debug("Unsolicited STUN message", "from", from, "type", m.Type.String())
		return
	}
	h(m, from)
}
