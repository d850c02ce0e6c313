// Package cache is the local event cache: an indexed in-memory tier holding
// interned events, backed by a durable tier written in batches and read back
// lazily.
package cache

import (
	"os"
	"sort"
	"strconv"
	"sync"

	"golang.org/x/exp/slices"

	"github.com/Hubmakerlabs/feedr/pkg/intern"
	"github.com/Hubmakerlabs/feedr/pkg/nostr/event"
	"github.com/Hubmakerlabs/feedr/pkg/nostr/eventid"
	"github.com/Hubmakerlabs/feedr/pkg/nostr/filter"
	"github.com/Hubmakerlabs/feedr/pkg/nostr/keys"
	"github.com/Hubmakerlabs/feedr/pkg/nostr/kind"
	"github.com/Hubmakerlabs/feedr/pkg/nostr/tag"
	"github.com/Hubmakerlabs/feedr/pkg/nostr/tags"
	"github.com/Hubmakerlabs/feedr/pkg/nostr/timestamp"
	"github.com/Hubmakerlabs/feedr/pkg/slog"
)

var log, chk = slog.New(os.Stderr)

// packedTag is a tag whose hex reference, if any, is interned. For e and p
// tags holding a valid hex value, Elems[1] is blank and Ref stands for it.
type packedTag struct {
	Elems []string
	Ref   intern.Surrogate
}

// packed is the in-memory form of an event.
type packed struct {
	id        intern.Surrogate
	pubkey    intern.Surrogate
	createdAt timestamp.T
	kind      kind.T
	tags      []packedTag
	content   string
	sig       string
	relays    []string
	// flat is the tag index of the event: "e_<surrogate>", "p_<surrogate>"
	// and "d_<value>".
	flat []string
}

// flatTagKey builds the tag index key for a tag letter and value. e and p
// values are looked up as surrogates.
func (m *Memory) flatTagKey(letter, value string, issue bool) (string, bool) {
	switch letter {
	case "e", "p":
		var s intern.Surrogate
		if issue {
			s = m.ids.Intern(value)
		} else {
			var ok bool
			if s, ok = m.ids.Lookup(value); !ok {
				return "", false
			}
		}
		return letter + "_" + strconv.FormatUint(uint64(s), 36), true
	case "d":
		return "d_" + value, true
	}
	return "", false
}

func indexedLetter(l string) bool { return l == "e" || l == "p" || l == "d" }

// set is a set of events keyed by id surrogate.
type set map[intern.Surrogate]*packed

// Memory is the in-memory tier. It is safe for concurrent use.
type Memory struct {
	mx       sync.RWMutex
	ids      *intern.T
	byID     set
	byPubkey map[intern.Surrogate]set
	byKind   map[kind.T]set
	byFlat   map[string]set
	// timeline is every event ordered by created_at then id surrogate.
	timeline []*packed
}

// NewMemory creates an empty memory tier using ids for interning.
func NewMemory(ids *intern.T) *Memory {
	if ids == nil {
		ids = intern.New()
	}
	return &Memory{
		ids:      ids,
		byID:     set{},
		byPubkey: map[intern.Surrogate]set{},
		byKind:   map[kind.T]set{},
		byFlat:   map[string]set{},
	}
}

func (m *Memory) pack(ev *event.T) *packed {
	p := &packed{
		id:        m.ids.Intern(string(ev.ID)),
		pubkey:    m.ids.Intern(ev.PubKey),
		createdAt: ev.CreatedAt,
		kind:      ev.Kind,
		content:   ev.Content,
		sig:       ev.Sig,
		relays:    slices.Clone(ev.Relays),
	}
	p.tags = make([]packedTag, len(ev.Tags))
	for i, t := range ev.Tags {
		pt := packedTag{Elems: t.Clone()}
		k := t.Key()
		if (k == "e" || k == "p") && keys.IsValid32ByteHex(t.Value()) {
			pt.Ref = m.ids.Intern(t.Value())
			pt.Elems[tag.Value] = ""
		}
		p.tags[i] = pt
		if indexedLetter(k) && len(t) > 1 {
			if fk, ok := m.flatTagKey(k, t.Value(), true); ok && !slices.Contains(p.flat, fk) {
				p.flat = append(p.flat, fk)
			}
		}
	}
	return p
}

func (m *Memory) resolve(s intern.Surrogate) string {
	h, err := m.ids.Resolve(s)
	chk.E(err)
	return h
}

func (m *Memory) unpack(p *packed) *event.T {
	ev := &event.T{
		ID:        eventid.T(m.resolve(p.id)),
		PubKey:    m.resolve(p.pubkey),
		CreatedAt: p.createdAt,
		Kind:      p.kind,
		Content:   p.content,
		Sig:       p.sig,
		Relays:    slices.Clone(p.relays),
	}
	ev.Tags = make(tags.T, len(p.tags))
	for i, pt := range p.tags {
		t := tag.T(slices.Clone(pt.Elems))
		if pt.Ref != 0 {
			t[tag.Value] = m.resolve(pt.Ref)
		}
		ev.Tags[i] = t
	}
	return ev
}

func timelineLess(a, b *packed) int {
	switch {
	case a.createdAt < b.createdAt:
		return -1
	case a.createdAt > b.createdAt:
		return 1
	case a.id < b.id:
		return -1
	case a.id > b.id:
		return 1
	}
	return 0
}

func addTo[K comparable](idx map[K]set, k K, p *packed) {
	s, ok := idx[k]
	if !ok {
		s = set{}
		idx[k] = s
	}
	s[p.id] = p
}

func removeFrom[K comparable](idx map[K]set, k K, p *packed) {
	if s, ok := idx[k]; ok {
		delete(s, p.id)
		if len(s) == 0 {
			delete(idx, k)
		}
	}
}

// Has reports whether the id is in memory. It does no interning.
func (m *Memory) Has(id eventid.T) bool {
	s, ok := m.ids.Lookup(string(id))
	if !ok {
		return false
	}
	m.mx.RLock()
	defer m.mx.RUnlock()
	_, ok = m.byID[s]
	return ok
}

// Insert adds an event. It returns false, without touching anything, for
// an event already held or one without an id.
func (m *Memory) Insert(ev *event.T) bool {
	if ev == nil || ev.ID == "" {
		return false
	}
	if m.Has(ev.ID) {
		return false
	}
	p := m.pack(ev)
	m.mx.Lock()
	defer m.mx.Unlock()
	if _, ok := m.byID[p.id]; ok {
		return false
	}
	m.byID[p.id] = p
	addTo(m.byPubkey, p.pubkey, p)
	addTo(m.byKind, p.kind, p)
	for _, fk := range p.flat {
		addTo(m.byFlat, fk, p)
	}
	i, _ := slices.BinarySearchFunc(m.timeline, p, timelineLess)
	m.timeline = slices.Insert(m.timeline, i, p)
	return true
}

// Get returns the event with the given id.
func (m *Memory) Get(id eventid.T) *event.T {
	s, ok := m.ids.Lookup(string(id))
	if !ok {
		return nil
	}
	m.mx.RLock()
	defer m.mx.RUnlock()
	if p, ok := m.byID[s]; ok {
		return m.unpack(p)
	}
	return nil
}

func (m *Memory) remove(p *packed) {
	delete(m.byID, p.id)
	removeFrom(m.byPubkey, p.pubkey, p)
	removeFrom(m.byKind, p.kind, p)
	for _, fk := range p.flat {
		removeFrom(m.byFlat, fk, p)
	}
	if i, found := slices.BinarySearchFunc(m.timeline, p, timelineLess); found {
		m.timeline = slices.Delete(m.timeline, i, i+1)
	}
}

// Remove drops an event, returning whether it was held.
func (m *Memory) Remove(id eventid.T) bool {
	s, ok := m.ids.Lookup(string(id))
	if !ok {
		return false
	}
	m.mx.Lock()
	defer m.mx.Unlock()
	p, ok := m.byID[s]
	if !ok {
		return false
	}
	m.remove(p)
	return true
}

// Len is the number of events held.
func (m *Memory) Len() int {
	m.mx.RLock()
	defer m.mx.RUnlock()
	return len(m.byID)
}

// Interned is the number of identifiers interned so far.
func (m *Memory) Interned() int { return m.ids.Len() }

// query is a filter resolved against the interner. Values never interned
// cannot match anything held, so they are dropped here.
type query struct {
	f       *filter.T
	ids     map[intern.Surrogate]struct{}
	authors map[intern.Surrogate]struct{}
	// flat holds, per indexed tag letter, the accepted tag index keys.
	flat map[string][]string
}

func (m *Memory) resolveFilter(f *filter.T) *query {
	q := &query{f: f}
	lookup := func(vals []string) map[intern.Surrogate]struct{} {
		out := make(map[intern.Surrogate]struct{}, len(vals))
		for _, v := range vals {
			if s, ok := m.ids.Lookup(v); ok {
				out[s] = struct{}{}
			}
		}
		return out
	}
	if f.IDs != nil {
		q.ids = lookup(f.IDs)
	}
	if f.Authors != nil {
		q.authors = lookup(f.Authors)
	}
	for letter, vals := range f.Tags {
		if !indexedLetter(letter) || vals == nil {
			continue
		}
		if q.flat == nil {
			q.flat = map[string][]string{}
		}
		fks := make([]string, 0, len(vals))
		for _, v := range vals {
			if fk, ok := m.flatTagKey(letter, v, false); ok {
				fks = append(fks, fk)
			}
		}
		q.flat[letter] = fks
	}
	return q
}

// candidates narrows to the smallest applicable index. ok is false when no
// index applies and the timeline must be walked.
func (m *Memory) candidates(q *query) (c []*packed, ok bool) {
	var best []set
	bestSize := -1
	consider := func(sets []set) {
		n := 0
		for _, s := range sets {
			n += len(s)
		}
		if bestSize < 0 || n < bestSize {
			best, bestSize = sets, n
		}
	}
	if q.ids != nil {
		var sets []set
		single := set{}
		for s := range q.ids {
			if p, found := m.byID[s]; found {
				single[s] = p
			}
		}
		sets = append(sets, single)
		consider(sets)
	}
	if q.authors != nil {
		var sets []set
		for s := range q.authors {
			sets = append(sets, m.byPubkey[s])
		}
		consider(sets)
	}
	if q.f.Kinds != nil {
		var sets []set
		for _, k := range q.f.Kinds {
			sets = append(sets, m.byKind[k])
		}
		consider(sets)
	}
	for _, fks := range q.flat {
		var sets []set
		for _, fk := range fks {
			sets = append(sets, m.byFlat[fk])
		}
		consider(sets)
	}
	if bestSize < 0 {
		return nil, false
	}
	seen := make(map[intern.Surrogate]struct{}, bestSize)
	for _, s := range best {
		for id, p := range s {
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
			c = append(c, p)
		}
	}
	return c, true
}

func (m *Memory) matches(q *query, p *packed) bool {
	f := q.f
	if q.ids != nil {
		if _, ok := q.ids[p.id]; !ok {
			return false
		}
	}
	if q.authors != nil {
		if _, ok := q.authors[p.pubkey]; !ok {
			return false
		}
	}
	if f.Kinds != nil && !f.Kinds.Contains(p.kind) {
		return false
	}
	if f.Since != nil && p.createdAt < *f.Since {
		return false
	}
	if f.Until != nil && p.createdAt > *f.Until {
		return false
	}
	for _, fks := range q.flat {
		hit := false
		for _, fk := range fks {
			if slices.Contains(p.flat, fk) {
				hit = true
				break
			}
		}
		if !hit {
			return false
		}
	}
	for letter, vals := range f.Tags {
		if indexedLetter(letter) || vals == nil {
			continue
		}
		hit := false
		for _, pt := range p.tags {
			if len(pt.Elems) > 1 && pt.Elems[tag.Key] == letter &&
				slices.Contains(vals, pt.Elems[tag.Value]) {
				hit = true
				break
			}
		}
		if !hit {
			return false
		}
	}
	return f.MatchesSearch(&event.T{Content: p.content})
}

// find runs a filter and returns packed results newest first, truncated to
// the limit. Callers hold the read lock.
func (m *Memory) find(f *filter.T) (out []*packed) {
	if f.IsEmptySet() {
		return nil
	}
	q := m.resolveFilter(f)
	if c, ok := m.candidates(q); ok {
		for _, p := range c {
			if m.matches(q, p) {
				out = append(out, p)
			}
		}
		sort.Slice(out, func(i, j int) bool { return timelineLess(out[i], out[j]) > 0 })
	} else {
		for i := len(m.timeline) - 1; i >= 0; i-- {
			p := m.timeline[i]
			if f.Until != nil && p.createdAt > *f.Until {
				continue
			}
			if f.Since != nil && p.createdAt < *f.Since {
				break
			}
			if m.matches(q, p) {
				out = append(out, p)
				if f.Limit > 0 && len(out) >= f.Limit {
					break
				}
			}
		}
	}
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return
}

// Find answers a filter from memory, newest first, at most f.Limit events
// when a limit is set.
func (m *Memory) Find(f *filter.T) (evs []*event.T) {
	m.mx.RLock()
	defer m.mx.RUnlock()
	for _, p := range m.find(f) {
		evs = append(evs, m.unpack(p))
	}
	return
}

// FindAndRemove drops every event matching f, ignoring its limit, and
// returns their ids.
func (m *Memory) FindAndRemove(f *filter.T) (ids []eventid.T) {
	unlimited := f.Clone()
	unlimited.Limit = 0
	m.mx.Lock()
	defer m.mx.Unlock()
	for _, p := range m.find(unlimited) {
		ids = append(ids, eventid.T(m.resolve(p.id)))
		m.remove(p)
	}
	return
}
