package probe

import (
	"fmt"
	"net"
	"sync"

	"github.com/benbjohnson/clock"

	"github.com/2gc-dev/natprobe/pkg/stunc"
)

// Outcome is one result delivered by an engine. Value is rendered after
// the kind's title; Err turns the line into a failure line.
type Outcome struct {
	Value     fmt.Stringer
	Err       error
	Converged bool
}

// Report hands an outcome to the run loop. It may be called from any
// goroutine and never blocks once the run is over.
type Report func(Outcome)

// Engine is a protocol engine driven by a controller.
type Engine interface {
	Start() error
	// Close releases the engine. It must be idempotent and must not
	// close the shared transport.
	Close() error
}

// Allocator builds the engine of one kind. Engines must not call report
// from inside Start.
type Allocator func(res *Resources, report Report) (Engine, error)

// Resources are shared by every engine of a run. Engines borrow them;
// only the owner calls Close, after the runner has returned.
type Resources struct {
	Transport stunc.Transport
	Server    net.Addr
	Proto     string
	Config    stunc.Config
	LocalAddr net.Addr
	Clock     clock.Clock
	Logger    Logger

	closeOnce sync.Once
	closeErr  error
}

// Close releases the shared transport once.
func (r *Resources) Close() error {
	r.closeOnce.Do(func() {
		if r.Transport != nil {
			r.closeErr = r.Transport.Close()
		}
	})
	return r.closeErr
}
