// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package set

// HandleSet is a set of T, keyed by the Handle returned when adding.
// Values need not be comparable, which makes it suitable for callbacks.
//
// It is not safe for concurrent use.
type HandleSet[T any] map[Handle]T

// Handle is an opaque comparable value that's used as the map key in a
// HandleSet. The only way to get a valid one is to call HandleSet.Add.
// The zero Handle is never returned by Add.
type Handle struct {
	v *byte
}

// IsZero reports whether h is the zero Handle.
func (h Handle) IsZero() bool { return h.v == nil }

// NewHandle returns a new unique Handle, for use as a key in maps other
// than HandleSet.
func NewHandle() Handle {
	return Handle{new(byte)}
}

// Add adds the element (map value) e to the set.
//
// It returns the handle (map key) with which e can be removed, using a map
// delete.
func (s *HandleSet[T]) Add(e T) Handle {
	h := NewHandle()
	if *s == nil {
		*s = make(HandleSet[T])
	}
	(*s)[h] = e
	return h
}

// Values returns the elements of s in an unspecified order.
func (s HandleSet[T]) Values() []T {
	ret := make([]T, 0, len(s))
	for _, e := range s {
		ret = append(ret, e)
	}
	return ret
}
