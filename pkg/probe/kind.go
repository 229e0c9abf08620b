// Package probe runs a set of independent NAT probes and decides when a
// run is over.
//
// A Runner owns one RequestSet, one Controller per requested Kind and a
// Monitor. Protocol engines work in their own goroutines and hand their
// outcomes to the run loop, which is the only goroutine that touches the
// request set, so no locking is involved. The loop stops once every
// requested probe has completed or the context is cancelled.
package probe

// Kind identifies a probe.
type Kind int

const (
	Binding Kind = iota
	Hairpinning
	Mapping
	Filtering
	Lifetime
	GenericALG
	Relay
	Connectivity

	numKinds
)

// Policy decides which outcome of an engine completes its probe.
type Policy int

const (
	// OneShot completes on the first outcome and releases the engine.
	OneShot Policy = iota
	// UntilConverged completes on the first outcome that carries an error
	// or is marked converged, then releases the engine.
	UntilConverged
	// FirstReport completes on the first outcome; the engine keeps running
	// until teardown and later outcomes are only rendered.
	FirstReport
)

var descriptors = [numKinds]struct {
	name    string
	title   string
	failure string
	policy  Policy
}{
	Binding:      {"binding", "Mapped address", "Binding discovery", FirstReport},
	Hairpinning:  {"hairpinning", "NAT Hairpinning", "NAT Hairpinning", OneShot},
	Mapping:      {"mapping", "NAT Mapping", "NAT mapping", OneShot},
	Filtering:    {"filtering", "NAT Filtering", "NAT filtering", OneShot},
	Lifetime:     {"lifetime", "NAT Lifetime", "NAT lifetime", UntilConverged},
	GenericALG:   {"generic_alg", "Generic ALG", "Generic ALG detection", OneShot},
	Relay:        {"relay", "Allocate Request", "TURN allocation", FirstReport},
	Connectivity: {"connectivity", "ICE", "ICE gathering", FirstReport},
}

// Kinds returns every probe kind in start order.
func Kinds() []Kind {
	kinds := make([]Kind, 0, numKinds)
	for k := Kind(0); k < numKinds; k++ {
		kinds = append(kinds, k)
	}
	return kinds
}

func (k Kind) valid() bool {
	return k >= 0 && k < numKinds
}

func (k Kind) String() string {
	if !k.valid() {
		return "unknown"
	}
	return descriptors[k].name
}

// Title is the prefix of result lines.
func (k Kind) Title() string {
	if !k.valid() {
		return "unknown"
	}
	return descriptors[k].title
}

// Failure is the prefix of failure lines.
func (k Kind) Failure() string {
	if !k.valid() {
		return "unknown"
	}
	return descriptors[k].failure
}

// Policy returns the completion policy of the kind.
func (k Kind) Policy() Policy {
	return descriptors[k].policy
}
