package probe

import "strings"

// RequestSet holds one flag per kind. A flag is set while the probe is
// requested and has not completed.
type RequestSet uint16

// NewRequestSet returns a set with the given kinds requested.
func NewRequestSet(kinds ...Kind) RequestSet {
	var s RequestSet
	for _, k := range kinds {
		s.Set(k)
	}
	return s
}

// Set marks k as requested.
func (s *RequestSet) Set(k Kind) {
	if k.valid() {
		*s |= 1 << uint(k)
	}
}

// Clear clears k and reports whether it was set. Clearing a clear flag is
// a no-op.
func (s *RequestSet) Clear(k Kind) bool {
	if !s.Has(k) {
		return false
	}
	*s &^= 1 << uint(k)
	return true
}

// Has reports whether k is set.
func (s RequestSet) Has(k Kind) bool {
	return k.valid() && s&(1<<uint(k)) != 0
}

// Any reports whether at least one flag is set.
func (s RequestSet) Any() bool {
	return s != 0
}

// Len returns the number of set flags.
func (s RequestSet) Len() int {
	n := 0
	for k := Kind(0); k < numKinds; k++ {
		if s.Has(k) {
			n++
		}
	}
	return n
}

// Kinds returns the set kinds in start order.
func (s RequestSet) Kinds() []Kind {
	var kinds []Kind
	for k := Kind(0); k < numKinds; k++ {
		if s.Has(k) {
			kinds = append(kinds, k)
		}
	}
	return kinds
}

func (s RequestSet) String() string {
	names := make([]string, 0, numKinds)
	for _, k := range s.Kinds() {
		names = append(names, k.String())
	}
	return "{" + strings.Join(names, ", ") + "}"
}
