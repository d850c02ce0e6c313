package tags

import (
	"github.com/Hubmakerlabs/feedr/pkg/nostr/tag"
)

// T is a list of T - which are lists of string elements with ordering and no
// uniqueness constraint (not a set).
type T []tag.T

// GetFirst gets the first tag in tags that matches the prefix, see
// [tag.T.StartsWith]
func (t T) GetFirst(tagPrefix []string) *tag.T {
	for _, v := range t {
		if v.StartsWith(tagPrefix) {
			return &v
		}
	}
	return nil
}

// GetAll gets all the tags that match the prefix, see [tag.T.StartsWith]
func (t T) GetAll(tagPrefix []string) T {
	result := make(T, 0, len(t))
	for _, v := range t {
		if v.StartsWith(tagPrefix) {
			result = append(result, v)
		}
	}
	return result
}

// Values returns the second element of every tag with the given key.
func (t T) Values(key string) (vals []string) {
	for _, v := range t {
		if len(v) > tag.Value && v[tag.Key] == key {
			vals = append(vals, v[tag.Value])
		}
	}
	return
}

// ContainsAny returns true if any of the strings given in `values` matches
// any of the tag elements of the given key.
func (t T) ContainsAny(tagName string, values []string) bool {
	for _, v := range t {
		if len(v) < 2 {
			continue
		}
		if v[tag.Key] != tagName {
			continue
		}
		for _, candidate := range values {
			if v[tag.Value] == candidate {
				return true
			}
		}
	}
	return false
}

// Clone deep copies the tags.
func (t T) Clone() T {
	if t == nil {
		return nil
	}
	c := make(T, len(t))
	for i := range t {
		c[i] = t[i].Clone()
	}
	return c
}

// MarshalTo appends the tags as a JSON array of arrays. An absent tag list
// encodes as [].
func (t T) MarshalTo(dst []byte) []byte {
	dst = append(dst, '[')
	for i, tt := range t {
		if i > 0 {
			dst = append(dst, ',')
		}
		dst = tt.MarshalTo(dst)
	}
	return append(dst, ']')
}

func (t T) String() string { return string(t.MarshalTo(nil)) }
