package filter

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/Hubmakerlabs/feedr/pkg/nostr/event"
	"github.com/Hubmakerlabs/feedr/pkg/nostr/kind"
	"github.com/Hubmakerlabs/feedr/pkg/nostr/kinds"
	"github.com/Hubmakerlabs/feedr/pkg/nostr/text"
	"github.com/Hubmakerlabs/feedr/pkg/nostr/timestamp"
	"github.com/Hubmakerlabs/feedr/pkg/slog"
)

var log, chk = slog.New(os.Stderr)

// T is a query where one or all elements can be filled in.
//
// A nil slice leaves its field unconstrained. A non-nil empty slice matches
// nothing, such filters are removed by Trim before anything is sent.
//
// Tags are keyed by the bare tag letter; on the wire they are promoted to
// "#x" keys at the same level as the other fields, which is why JSON is
// handled by hand here.
type T struct {
	IDs     []string
	Kinds   kinds.T
	Authors []string
	Tags    TagMap
	Since   *timestamp.T
	Until   *timestamp.T
	Limit   int
	Search  string
}

// TagMap holds tag constraints by tag letter.
type TagMap map[string][]string

// Clone deep copies the tag map.
func (t TagMap) Clone() (t1 TagMap) {
	if t == nil {
		return
	}
	t1 = make(TagMap, len(t))
	for k, v := range t {
		t1[k] = cloneStrings(v)
	}
	return
}

// Keys returns the tag letters in sorted order.
func (t TagMap) Keys() (keys []string) {
	keys = make([]string, 0, len(t))
	for k := range t {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return
}

func cloneStrings(s []string) []string {
	if s == nil {
		return nil
	}
	c := make([]string, len(s))
	copy(c, s)
	return c
}

func appendStrings(dst []byte, s []string) []byte {
	dst = append(dst, '[')
	for i := range s {
		if i > 0 {
			dst = append(dst, ',')
		}
		dst = text.AppendQuoted(dst, s[i])
	}
	return append(dst, ']')
}

// MarshalTo appends the filter as a JSON object. Tag keys are emitted in
// sorted order so the same filter always encodes the same way.
func (f *T) MarshalTo(dst []byte) []byte {
	dst = append(dst, '{')
	first := true
	key := func(k string) {
		if !first {
			dst = append(dst, ',')
		}
		first = false
		dst = text.AppendQuoted(dst, k)
		dst = append(dst, ':')
	}
	if f.IDs != nil {
		key("ids")
		dst = appendStrings(dst, f.IDs)
	}
	if f.Kinds != nil {
		key("kinds")
		dst = append(dst, '[')
		for i, k := range f.Kinds {
			if i > 0 {
				dst = append(dst, ',')
			}
			dst = strconv.AppendUint(dst, uint64(k), 10)
		}
		dst = append(dst, ']')
	}
	if f.Authors != nil {
		key("authors")
		dst = appendStrings(dst, f.Authors)
	}
	for _, k := range f.Tags.Keys() {
		key("#" + k)
		dst = appendStrings(dst, f.Tags[k])
	}
	if f.Since != nil {
		key("since")
		dst = strconv.AppendInt(dst, int64(*f.Since), 10)
	}
	if f.Until != nil {
		key("until")
		dst = strconv.AppendInt(dst, int64(*f.Until), 10)
	}
	if f.Limit > 0 {
		key("limit")
		dst = strconv.AppendInt(dst, int64(f.Limit), 10)
	}
	if f.Search != "" {
		key("search")
		dst = text.AppendQuoted(dst, f.Search)
	}
	return append(dst, '}')
}

func (f *T) MarshalJSON() ([]byte, error) { return f.MarshalTo(nil), nil }

func (f *T) String() string { return string(f.MarshalTo(nil)) }

func stringArray(v gjson.Result) (s []string, err error) {
	if !v.IsArray() {
		return nil, fmt.Errorf("expected array, got %s", v.Raw)
	}
	s = make([]string, 0)
	v.ForEach(func(_, e gjson.Result) bool {
		if e.Type != gjson.String {
			err = fmt.Errorf("expected string, got %s", e.Raw)
			return false
		}
		s = append(s, e.Str)
		return true
	})
	return
}

// UnmarshalJSON unpacks a JSON encoded filter, rolling the "#x" keys up into
// Tags.
func (f *T) UnmarshalJSON(b []byte) (err error) {
	if f == nil {
		return fmt.Errorf("cannot unmarshal into nil filter")
	}
	if !gjson.ValidBytes(b) {
		return fmt.Errorf("invalid filter JSON: %s", b)
	}
	r := gjson.ParseBytes(b)
	if !r.IsObject() {
		return fmt.Errorf("filter is not an object: %s", b)
	}
	*f = T{}
	r.ForEach(func(k, v gjson.Result) bool {
		switch name := k.Str; {
		case name == "ids":
			f.IDs, err = stringArray(v)
		case name == "authors":
			f.Authors, err = stringArray(v)
		case name == "kinds":
			if !v.IsArray() {
				err = fmt.Errorf("kinds is not an array: %s", v.Raw)
				break
			}
			f.Kinds = kinds.T{}
			v.ForEach(func(_, e gjson.Result) bool {
				if e.Type != gjson.Number || e.Int() < 0 || e.Int() > 65535 {
					err = fmt.Errorf("invalid kind %s", e.Raw)
					return false
				}
				f.Kinds = append(f.Kinds, kind.T(e.Int()))
				return true
			})
		case strings.HasPrefix(name, "#") && len(name) > 1:
			var vals []string
			if vals, err = stringArray(v); err != nil {
				break
			}
			if f.Tags == nil {
				f.Tags = TagMap{}
			}
			f.Tags[name[1:]] = vals
		case name == "since":
			ts := timestamp.T(v.Int())
			f.Since = &ts
		case name == "until":
			ts := timestamp.T(v.Int())
			f.Until = &ts
		case name == "limit":
			f.Limit = int(v.Int())
		case name == "search":
			f.Search = v.Str
		default:
			log.T.F("ignoring unknown filter field %s", name)
		}
		return err == nil
	})
	return
}

func contains(s []string, v string) bool {
	for i := range s {
		if s[i] == v {
			return true
		}
	}
	return false
}

// Matches reports whether the event satisfies every constraint of the
// filter except limit and search.
func (f *T) Matches(ev *event.T) bool {
	if ev == nil {
		return false
	}
	if f.IDs != nil && !contains(f.IDs, string(ev.ID)) {
		return false
	}
	if f.Kinds != nil && !f.Kinds.Contains(ev.Kind) {
		return false
	}
	if f.Authors != nil && !contains(f.Authors, ev.PubKey) {
		return false
	}
	for k, v := range f.Tags {
		if v != nil && !ev.Tags.ContainsAny(k, v) {
			return false
		}
	}
	if f.Since != nil && ev.CreatedAt < *f.Since {
		return false
	}
	if f.Until != nil && ev.CreatedAt > *f.Until {
		return false
	}
	return true
}

// MatchesSearch is a case-insensitive substring match of the search term
// against the content. An empty search matches everything.
func (f *T) MatchesSearch(ev *event.T) bool {
	if f.Search == "" {
		return true
	}
	return strings.Contains(strings.ToLower(ev.Content), strings.ToLower(f.Search))
}

func stringsEqual(a, b []string) bool {
	if (a == nil) != (b == nil) || len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func timeEqual(a, b *timestamp.T) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

// Equal compares field by field, including element order.
func Equal(a, b *T) bool {
	switch {
	case (a.Kinds == nil) != (b.Kinds == nil),
		!a.Kinds.Equals(b.Kinds),
		!stringsEqual(a.IDs, b.IDs),
		!stringsEqual(a.Authors, b.Authors),
		len(a.Tags) != len(b.Tags),
		!timeEqual(a.Since, b.Since),
		!timeEqual(a.Until, b.Until),
		a.Limit != b.Limit,
		a.Search != b.Search:
		return false
	}
	for k, av := range a.Tags {
		if bv, ok := b.Tags[k]; !ok || !stringsEqual(av, bv) {
			return false
		}
	}
	return true
}

// Clone deep copies the filter.
func (f *T) Clone() (clone *T) {
	clone = &T{
		IDs:     cloneStrings(f.IDs),
		Authors: cloneStrings(f.Authors),
		Kinds:   f.Kinds.Clone(),
		Tags:    f.Tags.Clone(),
		Limit:   f.Limit,
		Search:  f.Search,
	}
	if f.Since != nil {
		clone.Since = f.Since.Ptr()
	}
	if f.Until != nil {
		clone.Until = f.Until.Ptr()
	}
	return
}

// IsEmptySet is true when some array constraint is present but empty, so
// the filter can never match.
func (f *T) IsEmptySet() bool {
	if f.IDs != nil && len(f.IDs) == 0 ||
		f.Authors != nil && len(f.Authors) == 0 ||
		f.Kinds != nil && len(f.Kinds) == 0 {
		return true
	}
	for _, v := range f.Tags {
		if v != nil && len(v) == 0 {
			return true
		}
	}
	return false
}

// IsIDsOnly is true for a pure id lookup, the shape the local cache can
// answer without asking a relay.
func (f *T) IsIDsOnly() bool {
	return len(f.IDs) > 0 && f.Authors == nil && f.Kinds == nil &&
		len(f.Tags) == 0 && f.Since == nil && f.Until == nil && f.Search == ""
}
