// Package filters is a request: a list of filters joined by logical OR.
package filters

import (
	"github.com/Hubmakerlabs/feedr/pkg/nostr/event"
	"github.com/Hubmakerlabs/feedr/pkg/nostr/filter"
)

type T []*filter.T

// Match is true if any filter matches the event.
func (eff T) Match(ev *event.T) bool {
	for _, f := range eff {
		if f.Matches(ev) {
			return true
		}
	}
	return false
}

// Clone deep copies every filter.
func (eff T) Clone() (c T) {
	if eff == nil {
		return nil
	}
	c = make(T, len(eff))
	for i := range eff {
		c[i] = eff[i].Clone()
	}
	return
}

// Trim drops filters that can never match because one of their array
// constraints is empty.
func (eff T) Trim() (out T) {
	for _, f := range eff {
		if f == nil || f.IsEmptySet() {
			continue
		}
		out = append(out, f)
	}
	return
}

// MarshalTo appends the filters comma separated, the form they take inside
// a REQ.
func (eff T) MarshalTo(dst []byte) []byte {
	for i, f := range eff {
		if i > 0 {
			dst = append(dst, ',')
		}
		dst = f.MarshalTo(dst)
	}
	return dst
}

func (eff T) String() string {
	return string(append(eff.MarshalTo([]byte{'['}), ']'))
}
