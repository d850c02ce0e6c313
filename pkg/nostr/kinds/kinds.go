package kinds

import "github.com/Hubmakerlabs/feedr/pkg/nostr/kind"

// T is a set of kinds as carried in a filter.
type T []kind.T

// FromIntSlice converts plain ints, as found in config files.
func FromIntSlice(is []int) (k T) {
	for i := range is {
		k = append(k, kind.T(is[i]))
	}
	return
}

// Clone makes a new kinds.T with the same members.
func (ar T) Clone() (c T) {
	if ar == nil {
		return nil
	}
	c = make(T, len(ar))
	copy(c, ar)
	return
}

// Contains returns true if the provided element is found in the kinds.T.
func (ar T) Contains(s kind.T) bool {
	for i := range ar {
		if ar[i] == s {
			return true
		}
	}
	return false
}

// Equals checks that the provided kinds.T has the same members in the same
// order.
func (ar T) Equals(t1 T) bool {
	if len(ar) != len(t1) {
		return false
	}
	for i := range ar {
		if ar[i] != t1[i] {
			return false
		}
	}
	return true
}
