package probe

import (
	"fmt"
	"time"

	"github.com/2gc-dev/natprobe/pkg/errors"
)

// State of a controller.
type State int

const (
	StateIdle State = iota
	StatePending
	StateSucceeded
	StateFailed
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateSucceeded:
		return "succeeded"
	case StateFailed:
		return "failed"
	default:
		return "idle"
	}
}

// Controller drives the engine of one kind. All methods run on the loop
// goroutine.
type Controller struct {
	kind   Kind
	alloc  Allocator
	runner *Runner

	engine  Engine
	state   State
	done    bool
	gen     uint64
	started time.Time
}

func newController(kind Kind, alloc Allocator, r *Runner) *Controller {
	return &Controller{kind: kind, alloc: alloc, runner: r}
}

// Kind returns the probe kind.
func (c *Controller) Kind() Kind {
	return c.kind
}

// State returns the current state.
func (c *Controller) State() State {
	return c.state
}

// Engine returns the live engine, or nil.
func (c *Controller) Engine() Engine {
	return c.engine
}

// Start allocates and starts the engine. Starting an active controller
// only logs a warning. On failure the probe is marked done and failed;
// the monitor is not consulted here.
func (c *Controller) Start() error {
	if c.engine != nil {
		c.runner.logger.Warn("Probe already in progress", "probe", c.kind.String())
		return nil
	}

	c.gen++
	gen := c.gen
	c.state = StatePending
	c.done = false
	c.started = c.runner.clock.Now()
	c.runner.recorder.ProbeStarted(c.kind.String())

	report := func(o Outcome) {
		c.runner.post(func() { c.handle(gen, o) })
	}

	engine, err := c.alloc(c.runner.res, report)
	if err != nil {
		return c.fail(errors.OpAllocate, err)
	}
	c.engine = engine

	if err := engine.Start(); err != nil {
		c.release()
		return c.fail(errors.OpStart, err)
	}

	c.runner.logger.Debug("Probe started", "probe", c.kind.String())
	return nil
}

func (c *Controller) fail(op string, err error) error {
	c.state = StateFailed
	c.done = true
	c.render(Outcome{Err: err})
	c.runner.recorder.ProbeFinished(c.kind.String(), c.state.String(), c.runner.clock.Since(c.started))
	c.runner.requests.Clear(c.kind)
	c.runner.recorder.PendingProbes(c.runner.requests.Len())
	return errors.NewProbeError(c.kind.String(), op, err)
}

func (c *Controller) handle(gen uint64, o Outcome) {
	if gen != c.gen {
		c.runner.logger.Debug("Dropping outcome of a previous start", "probe", c.kind.String())
		return
	}

	policy := c.kind.Policy()
	if c.done && policy != FirstReport {
		c.runner.logger.Debug("Ignoring outcome of completed probe", "probe", c.kind.String())
		return
	}

	c.render(o)
	if c.done {
		return
	}
	if policy == UntilConverged && o.Err == nil && !o.Converged {
		return
	}

	c.done = true
	if o.Err != nil {
		c.state = StateFailed
	} else {
		c.state = StateSucceeded
	}
	c.runner.recorder.ProbeFinished(c.kind.String(), c.state.String(), c.runner.clock.Since(c.started))

	if policy != FirstReport {
		c.release()
	}
	c.runner.complete(c.kind)
}

// release closes the engine. Safe to call repeatedly.
func (c *Controller) release() error {
	if c.engine == nil {
		return nil
	}
	engine := c.engine
	c.engine = nil
	if err := engine.Close(); err != nil {
		return fmt.Errorf("%s: %w", c.kind, err)
	}
	return nil
}

func (c *Controller) render(o Outcome) {
	out := c.runner.out
	switch {
	case o.Err != nil && o.Value != nil:
		fmt.Fprintf(out, "%s failed: %v (%v)\n", c.kind.Failure(), o.Err, o.Value)
	case o.Err != nil:
		fmt.Fprintf(out, "%s failed: %v\n", c.kind.Failure(), o.Err)
	case o.Value != nil:
		fmt.Fprintf(out, "%s: %v\n", c.kind.Title(), o.Value)
	default:
		fmt.Fprintf(out, "%s: done\n", c.kind.Title())
	}
}
