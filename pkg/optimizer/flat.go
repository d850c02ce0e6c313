// Package optimizer is set algebra over filters: expansion into single
// valued flat filters, diffing two generations of them, and merging or
// compressing them back into as few filters as possible.
package optimizer

import (
	"strconv"
	"strings"

	"golang.org/x/exp/slices"

	"github.com/Hubmakerlabs/feedr/pkg/nostr/filter"
	"github.com/Hubmakerlabs/feedr/pkg/nostr/filters"
	"github.com/Hubmakerlabs/feedr/pkg/nostr/kind"
	"github.com/Hubmakerlabs/feedr/pkg/nostr/timestamp"
)

// Field names used in flat filters. Tag constraints use "#" and the letter.
const (
	FieldIDs     = "ids"
	FieldAuthors = "authors"
	FieldKinds   = "kinds"
)

// Pair is one single valued constraint.
type Pair struct {
	Field, Value string
}

// Flat is a filter with at most one value per array field. The scalar fields
// are carried unchanged; two flats can only merge when those agree.
type Flat struct {
	Pairs  []Pair
	Since  *timestamp.T
	Until  *timestamp.T
	Limit  int
	Search string
}

func appendScalars(b *strings.Builder, since, until *timestamp.T, limit int,
	search string) {
	if since != nil {
		b.WriteString("|since=")
		b.WriteString(strconv.FormatInt(int64(*since), 10))
	}
	if until != nil {
		b.WriteString("|until=")
		b.WriteString(strconv.FormatInt(int64(*until), 10))
	}
	if limit > 0 {
		b.WriteString("|limit=")
		b.WriteString(strconv.Itoa(limit))
	}
	if search != "" {
		b.WriteString("|search=")
		b.WriteString(strconv.Quote(search))
	}
}

// Key is the canonical string of the flat. Equal keys mean equal flats.
func (f *Flat) Key() string {
	var b strings.Builder
	for _, p := range f.Pairs {
		b.WriteString(p.Field)
		b.WriteByte('=')
		b.WriteString(strconv.Quote(p.Value))
		b.WriteByte(';')
	}
	appendScalars(&b, f.Since, f.Until, f.Limit, f.Search)
	return b.String()
}

// arrays lists the array constraints of a filter in field order, nil for
// absent fields.
func arrays(f *filter.T) (fields []string, values [][]string) {
	if f.IDs != nil {
		fields = append(fields, FieldIDs)
		values = append(values, f.IDs)
	}
	if f.Authors != nil {
		fields = append(fields, FieldAuthors)
		values = append(values, f.Authors)
	}
	if f.Kinds != nil {
		ks := make([]string, len(f.Kinds))
		for i, k := range f.Kinds {
			ks[i] = strconv.Itoa(int(k))
		}
		fields = append(fields, FieldKinds)
		values = append(values, ks)
	}
	for _, k := range f.Tags.Keys() {
		if f.Tags[k] == nil {
			continue
		}
		fields = append(fields, "#"+k)
		values = append(values, f.Tags[k])
	}
	sortFields(fields, values)
	return
}

func sortFields(fields []string, values [][]string) {
	idx := make([]int, len(fields))
	for i := range idx {
		idx[i] = i
	}
	slices.SortFunc(idx, func(a, b int) int { return strings.Compare(fields[a], fields[b]) })
	f2 := make([]string, len(fields))
	v2 := make([][]string, len(values))
	for i, j := range idx {
		f2[i], v2[i] = fields[j], values[j]
	}
	copy(fields, f2)
	copy(values, v2)
}

// Expand decomposes one filter into the cross product of its array
// constraints. A filter with an empty array constraint expands to nothing; a
// filter without array constraints expands to a single flat.
func Expand(f *filter.T) (out []Flat) {
	fields, values := arrays(f)
	for _, v := range values {
		if len(v) == 0 {
			return nil
		}
	}
	var walk func(i int, acc []Pair)
	walk = func(i int, acc []Pair) {
		if i == len(fields) {
			fl := Flat{
				Pairs:  slices.Clone(acc),
				Limit:  f.Limit,
				Search: f.Search,
			}
			if f.Since != nil {
				fl.Since = f.Since.Ptr()
			}
			if f.Until != nil {
				fl.Until = f.Until.Ptr()
			}
			out = append(out, fl)
			return
		}
		for _, v := range values[i] {
			walk(i+1, append(acc, Pair{fields[i], v}))
		}
	}
	walk(0, make([]Pair, 0, len(fields)))
	return
}

// ExpandAll expands every filter of a request and removes duplicate flats.
func ExpandAll(ff filters.T) (out []Flat) {
	seen := make(map[string]struct{})
	for _, f := range ff {
		if f == nil {
			continue
		}
		for _, fl := range Expand(f) {
			k := fl.Key()
			if _, ok := seen[k]; ok {
				continue
			}
			seen[k] = struct{}{}
			out = append(out, fl)
		}
	}
	return
}

// Diff returns the flats in next that are not in prev.
func Diff(prev, next []Flat) (out []Flat) {
	have := make(map[string]struct{}, len(prev))
	for i := range prev {
		have[prev[i].Key()] = struct{}{}
	}
	for _, fl := range next {
		k := fl.Key()
		if _, ok := have[k]; ok {
			continue
		}
		have[k] = struct{}{}
		out = append(out, fl)
	}
	return
}

// Union returns a and the flats of b not already in a.
func Union(a, b []Flat) []Flat {
	return append(slices.Clone(a), Diff(a, b)...)
}

// setField sets a field of f from a list of values.
func setField(f *filter.T, field string, vals []string) {
	switch field {
	case FieldIDs:
		f.IDs = slices.Clone(vals)
	case FieldAuthors:
		f.Authors = slices.Clone(vals)
	case FieldKinds:
		for _, v := range vals {
			k, err := strconv.Atoi(v)
			if err != nil {
				continue
			}
			f.Kinds = append(f.Kinds, kind.T(k))
		}
		slices.Sort(f.Kinds)
	default:
		if f.Tags == nil {
			f.Tags = filter.TagMap{}
		}
		f.Tags[strings.TrimPrefix(field, "#")] = slices.Clone(vals)
	}
}
