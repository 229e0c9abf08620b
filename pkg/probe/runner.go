package probe

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/multierr"

	"github.com/2gc-dev/natprobe/pkg/errors"
)

const eventQueueSize = 64

// Logger interface for runner logging
type Logger interface {
	Info(msg string, fields ...interface{})
	Error(msg string, fields ...interface{})
	Debug(msg string, fields ...interface{})
	Warn(msg string, fields ...interface{})
}

// Recorder receives probe lifecycle events, e.g. for metrics.
type Recorder interface {
	ProbeStarted(probe string)
	ProbeFinished(probe, result string, d time.Duration)
	PendingProbes(n int)
}

type nopLogger struct{}

func (nopLogger) Info(string, ...interface{})  {}
func (nopLogger) Error(string, ...interface{}) {}
func (nopLogger) Debug(string, ...interface{}) {}
func (nopLogger) Warn(string, ...interface{})  {}

type nopRecorder struct{}

func (nopRecorder) ProbeStarted(string)                         {}
func (nopRecorder) ProbeFinished(string, string, time.Duration) {}
func (nopRecorder) PendingProbes(int)                           {}

// Option configures a Runner.
type Option func(*Runner)

// WithOutput sets where result lines are written. Default is stderr.
func WithOutput(w io.Writer) Option {
	return func(r *Runner) { r.out = w }
}

// WithLogger sets the logger.
func WithLogger(l Logger) Option {
	return func(r *Runner) { r.logger = l }
}

// WithRecorder sets the lifecycle recorder.
func WithRecorder(rec Recorder) Option {
	return func(r *Runner) { r.recorder = rec }
}

// WithClock sets the clock used to time probes.
func WithClock(c clock.Clock) Option {
	return func(r *Runner) { r.clock = c }
}

// WithHold keeps the loop running after every probe has completed, until
// the context is cancelled.
func WithHold(hold bool) Option {
	return func(r *Runner) { r.hold = hold }
}

// Runner is the run loop of one diagnostic run.
type Runner struct {
	res         *Resources
	requests    RequestSet
	controllers []*Controller
	monitor     *Monitor

	out      io.Writer
	logger   Logger
	recorder Recorder
	clock    clock.Clock
	hold     bool

	events   chan func()
	quit     chan struct{}
	quitOnce sync.Once
	ran      bool
}

// NewRunner prepares a run of the requested probes. Every requested kind
// needs an allocator.
func NewRunner(res *Resources, allocators map[Kind]Allocator, requests RequestSet, opts ...Option) (*Runner, error) {
	r := &Runner{
		res:      res,
		requests: requests,
		out:      os.Stderr,
		logger:   nopLogger{},
		recorder: nopRecorder{},
		clock:    clock.New(),
		events:   make(chan func(), eventQueueSize),
		quit:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}

	for _, k := range requests.Kinds() {
		alloc, ok := allocators[k]
		if !ok || alloc == nil {
			return nil, fmt.Errorf("no engine for probe %s", k)
		}
		r.controllers = append(r.controllers, newController(k, alloc, r))
	}
	r.monitor = &Monitor{requests: &r.requests, stop: r.shutdown, hold: r.hold, logger: r.logger}

	return r, nil
}

// Run starts every requested probe in order and serves engine outcomes
// until all probes completed or ctx is cancelled. Every engine is
// released before Run returns; the returned error only reports failures
// to release them.
func (r *Runner) Run(ctx context.Context) error {
	if r.ran {
		return errors.New("runner already used")
	}
	r.ran = true

	r.recorder.PendingProbes(r.requests.Len())
	for _, c := range r.controllers {
		if err := c.Start(); err != nil {
			r.logger.Warn("Probe failed to start", "probe", c.kind.String(), "error", err)
		}
	}
	r.monitor.Check()

	r.loop(ctx)
	return r.teardown()
}

func (r *Runner) loop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			r.logger.Info("Run interrupted", "pending", r.requests.String())
			return
		case <-r.quit:
			return
		case fn := <-r.events:
			fn()
		}
	}
}

func (r *Runner) teardown() error {
	r.shutdown()

	var err error
	for _, c := range r.controllers {
		err = multierr.Append(err, c.release())
	}
	return err
}

func (r *Runner) shutdown() {
	r.quitOnce.Do(func() { close(r.quit) })
}

// complete clears the flag of a finished probe and consults the monitor.
func (r *Runner) complete(k Kind) {
	if !r.requests.Clear(k) {
		return
	}
	r.recorder.PendingProbes(r.requests.Len())
	r.monitor.Check()
}

func (r *Runner) post(fn func()) {
	select {
	case r.events <- fn:
	case <-r.quit:
	}
}

// Post runs fn on the loop goroutine. It returns ErrClosed once the run
// is over; fn may then never run.
func (r *Runner) Post(fn func()) error {
	select {
	case <-r.quit:
		return errors.ErrClosed
	default:
	}
	select {
	case r.events <- fn:
		return nil
	case <-r.quit:
		return errors.ErrClosed
	}
}

// Pending returns the flags still set. Loop goroutine only.
func (r *Runner) Pending() RequestSet {
	return r.requests
}

// Controller returns the controller of k, or nil. Loop goroutine only.
func (r *Runner) Controller(k Kind) *Controller {
	for _, c := range r.controllers {
		if c.kind == k {
			return c
		}
	}
	return nil
}

// Done is closed when the loop stops serving events.
func (r *Runner) Done() <-chan struct{} {
	return r.quit
}

// Monitor decides when a run is over.
type Monitor struct {
	requests *RequestSet
	stop     func()
	hold     bool
	logger   Logger
	fired    bool
}

// Check requests shutdown once no probe is pending. It reports whether
// the run is complete.
func (m *Monitor) Check() bool {
	if m.requests.Any() {
		return false
	}
	if m.fired {
		return true
	}
	m.fired = true

	if m.hold {
		m.logger.Info("All probes complete, holding until interrupted")
		return true
	}
	m.stop()
	return true
}
