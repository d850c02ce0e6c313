package optimizer

import (
	"strconv"
	"strings"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"github.com/Hubmakerlabs/feedr/pkg/nostr/filter"
	"github.com/Hubmakerlabs/feedr/pkg/nostr/filters"
	"github.com/Hubmakerlabs/feedr/pkg/nostr/timestamp"
)

// multi is a filter in the optimizer's own form: every array field is a
// sorted, duplicate free value list.
type multi struct {
	fields []string
	values map[string][]string
	since  *timestamp.T
	until  *timestamp.T
	limit  int
	search string
}

// scalars is the key of everything that is not an array field.
func (m *multi) scalars() string {
	var b strings.Builder
	appendScalars(&b, m.since, m.until, m.limit, m.search)
	return b.String()
}

// shape groups multis that could ever be merged: same fields, same scalars.
func (m *multi) shape() string {
	return strings.Join(m.fields, ",") + m.scalars()
}

// signature is the key of all array fields except skip.
func (m *multi) signature(skip string) string {
	var b strings.Builder
	for _, f := range m.fields {
		if f == skip {
			continue
		}
		b.WriteString(f)
		b.WriteByte('=')
		for _, v := range m.values[f] {
			b.WriteString(strconv.Quote(v))
		}
		b.WriteByte(';')
	}
	return b.String()
}

func (m *multi) key() string { return m.signature("") + m.scalars() }

func (m *multi) clone() *multi {
	c := *m
	c.values = make(map[string][]string, len(m.values))
	for k, v := range m.values {
		c.values[k] = v
	}
	return &c
}

func (m *multi) toFilter() *filter.T {
	f := &filter.T{Limit: m.limit, Search: m.search}
	if m.since != nil {
		f.Since = m.since.Ptr()
	}
	if m.until != nil {
		f.Until = m.until.Ptr()
	}
	for _, field := range m.fields {
		setField(f, field, m.values[field])
	}
	return f
}

func normalize(vals []string) []string {
	vals = slices.Clone(vals)
	slices.Sort(vals)
	return slices.Compact(vals)
}

func fromFlat(fl *Flat) *multi {
	m := &multi{
		values: make(map[string][]string, len(fl.Pairs)),
		since:  fl.Since,
		until:  fl.Until,
		limit:  fl.Limit,
		search: fl.Search,
	}
	for _, p := range fl.Pairs {
		m.fields = append(m.fields, p.Field)
		m.values[p.Field] = []string{p.Value}
	}
	return m
}

func fromFilter(f *filter.T) *multi {
	fields, values := arrays(f)
	m := &multi{
		fields: fields,
		values: make(map[string][]string, len(fields)),
		since:  f.Since,
		until:  f.Until,
		limit:  f.Limit,
		search: f.Search,
	}
	for i, field := range fields {
		m.values[field] = normalize(values[i])
	}
	return m
}

// collapse joins every group of multis that agree on all fields but axis.
func collapse(ms []*multi, axis string) (out []*multi) {
	idx := make(map[string]int)
	for _, m := range ms {
		sig := m.signature(axis)
		if i, ok := idx[sig]; ok {
			u := out[i]
			u.values[axis] = normalize(append(slices.Clone(u.values[axis]), m.values[axis]...))
			continue
		}
		idx[sig] = len(out)
		out = append(out, m.clone())
	}
	return
}

// mergeShape reduces multis of one shape. Each field is tried as the first
// axis and the others follow in turn until nothing more joins; the attempt
// leaving the fewest filters wins, the earliest on a tie.
func mergeShape(ms []*multi) []*multi {
	fields := ms[0].fields
	if len(fields) == 0 {
		return ms[:1]
	}
	var best []*multi
	for start := range fields {
		cur := ms
		for changed := true; changed; {
			changed = false
			for i := range fields {
				next := collapse(cur, fields[(start+i)%len(fields)])
				if len(next) < len(cur) {
					changed = true
				}
				cur = next
			}
		}
		if best == nil || len(cur) < len(best) {
			best = cur
		}
	}
	return best
}

// mergeMultis groups by shape and merges each group, returning filters in a
// deterministic order.
func mergeMultis(ms []*multi) (out filters.T) {
	shapes := make(map[string][]*multi)
	for _, m := range ms {
		s := m.shape()
		shapes[s] = append(shapes[s], m)
	}
	keys := maps.Keys(shapes)
	slices.Sort(keys)
	var merged []*multi
	for _, k := range keys {
		merged = append(merged, mergeShape(shapes[k])...)
	}
	slices.SortFunc(merged, func(a, b *multi) int { return strings.Compare(a.key(), b.key()) })
	for _, m := range merged {
		out = append(out, m.toFilter())
	}
	return
}

// Merge is the inverse of Expand: it collapses flats that differ in a single
// array field into filters, preferring fewer filters over smaller ones.
func Merge(flats []Flat) filters.T {
	if len(flats) == 0 {
		return nil
	}
	ms := make([]*multi, 0, len(flats))
	seen := make(map[string]struct{}, len(flats))
	for i := range flats {
		k := flats[i].Key()
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		ms = append(ms, fromFlat(&flats[i]))
	}
	return mergeMultis(ms)
}

func subset(a, b []string) bool {
	for _, v := range a {
		if _, found := slices.BinarySearch(b, v); !found {
			return false
		}
	}
	return true
}

// covers is true when every event b would return is also returned by a
// query for b, so a can be dropped in favour of it.
func covers(b, a *multi) bool {
	if b.limit != 0 {
		return false
	}
	if b.search != "" && b.search != a.search {
		return false
	}
	if b.since != nil && (a.since == nil || *a.since < *b.since) {
		return false
	}
	if b.until != nil && (a.until == nil || *a.until > *b.until) {
		return false
	}
	for _, f := range b.fields {
		av, ok := a.values[f]
		if !ok || !subset(av, b.values[f]) {
			return false
		}
	}
	return true
}

// Compress removes duplicate and subsumed filters and merges the rest where
// they differ in a single array field.
func Compress(ff filters.T) filters.T {
	var ms []*multi
	seen := make(map[string]struct{})
	for _, f := range ff {
		if f == nil || f.IsEmptySet() {
			continue
		}
		m := fromFilter(f)
		k := m.key()
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		ms = append(ms, m)
	}
	kept := ms[:0:0]
	for i, a := range ms {
		subsumed := false
		for j, b := range ms {
			if i != j && covers(b, a) {
				subsumed = true
				break
			}
		}
		if !subsumed {
			kept = append(kept, a)
		}
	}
	if len(kept) == 0 {
		return nil
	}
	return mergeMultis(kept)
}

// Build turns a request into its smallest equivalent form.
func Build(ff filters.T) filters.T { return Merge(ExpandAll(ff.Trim())) }
