package cache

import (
	"errors"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v2"
	"golang.org/x/sync/singleflight"

	"github.com/Hubmakerlabs/feedr/pkg/context"
	"github.com/Hubmakerlabs/feedr/pkg/durable"
	"github.com/Hubmakerlabs/feedr/pkg/intern"
	"github.com/Hubmakerlabs/feedr/pkg/nostr/event"
	"github.com/Hubmakerlabs/feedr/pkg/nostr/eventid"
	"github.com/Hubmakerlabs/feedr/pkg/nostr/filter"
	"github.com/Hubmakerlabs/feedr/pkg/nostr/kind"
	"github.com/Hubmakerlabs/feedr/pkg/nostr/kinds"
	"github.com/Hubmakerlabs/feedr/pkg/sched"
)

const (
	DefaultFlushInterval   = time.Second
	DefaultHydrateInterval = 100 * time.Millisecond
	// MaxFlushRetries is how many flushes in a row may fail before what
	// they carry is dropped.
	MaxFlushRetries = 5
)

// DefaultSeedKinds are hydrated eagerly on start: profiles and follow lists.
var DefaultSeedKinds = kinds.T{kind.ProfileMetadata, kind.FollowList}

// Options configures a Store. Zero values take the defaults.
type Options struct {
	// Durable is the persistent tier. Nil runs from memory only.
	Durable         durable.Store
	Sched           *sched.T
	Interner        *intern.T
	FlushInterval   time.Duration
	HydrateInterval time.Duration
	// SeedKinds are hydrated on Start. Nil takes DefaultSeedKinds; an empty
	// list hydrates nothing.
	SeedKinds kinds.T
	// Deliver receives events read back from the durable tier. The engine
	// feeds them through its own intake so they reach queries; they land in
	// memory when it calls Insert. Without it they are inserted directly.
	Deliver func(evs []*event.T)
}

// hydrateKey is one value of one filter field waiting to be read back.
type hydrateKey struct {
	field, value string
}

// Store is the two tier cache. Memory is authoritative for the session,
// the durable tier across sessions.
type Store struct {
	*Memory
	opts      Options
	available atomic.Bool
	degrade   sync.Once

	qmx      sync.Mutex
	queue    []*event.T
	deletes  []eventid.T
	failures int

	// loaded marks ids read from the durable tier so inserting them does
	// not write them back.
	loaded *xsync.MapOf[string, struct{}]

	hmx     sync.Mutex
	seen    map[hydrateKey]struct{}
	pending []hydrateKey
	reads   singleflight.Group
}

// New creates a Store. Call Start to open the durable tier and begin the
// periodic flush and hydration tasks.
func New(opts Options) *Store {
	if opts.Sched == nil {
		opts.Sched = sched.New(nil)
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = DefaultFlushInterval
	}
	if opts.HydrateInterval <= 0 {
		opts.HydrateInterval = DefaultHydrateInterval
	}
	if opts.SeedKinds == nil {
		opts.SeedKinds = DefaultSeedKinds
	}
	return &Store{
		Memory: NewMemory(opts.Interner),
		opts:   opts,
		loaded: xsync.NewMapOf[struct{}](),
		seen:   make(map[hydrateKey]struct{}),
	}
}

// Available reports whether the durable tier is in use.
func (s *Store) Available() bool { return s.available.Load() }

func (s *Store) unavailable(err error) {
	s.available.Store(false)
	s.degrade.Do(func() {
		log.W.Ln("durable store unavailable, continuing from memory only:", err)
	})
	s.qmx.Lock()
	s.queue, s.deletes = nil, nil
	s.qmx.Unlock()
}

// Start opens the durable tier, hydrates the seed kinds and schedules the
// flush and hydration tasks. A durable tier that fails to open leaves the
// store running from memory.
func (s *Store) Start(c context.T) {
	if s.opts.Durable != nil {
		if err := s.opts.Durable.Init(); err != nil {
			s.unavailable(err)
		} else {
			s.available.Store(true)
			if len(s.opts.SeedKinds) > 0 {
				s.hydrateSeeds(c)
			}
		}
	}
	s.opts.Sched.Every(c, "cache-flush", s.opts.FlushInterval,
		func(time.Time) { s.Flush(c) })
	s.opts.Sched.Every(c, "cache-hydrate", s.opts.HydrateInterval,
		func(time.Time) { s.Hydrate(c) })
}

// Close flushes what is queued and closes the durable tier.
func (s *Store) Close(c context.T) {
	chk.E(s.Flush(c))
	if s.opts.Durable != nil {
		s.opts.Durable.Close()
	}
	s.available.Store(false)
}

func (s *Store) hydrateSeeds(c context.T) {
	evs, err := s.opts.Durable.Query(c, &filter.T{Kinds: s.opts.SeedKinds})
	if err != nil {
		if errors.Is(err, durable.ErrUnavailable) {
			s.unavailable(err)
		} else {
			log.E.Ln("seed hydration failed:", err)
		}
		return
	}
	log.D.F("hydrated %d seed events", len(evs))
	s.handOver(evs)
}

// handOver passes events read from the durable tier to the engine, or into
// memory when nobody is listening.
func (s *Store) handOver(evs []*event.T) {
	var fresh []*event.T
	for _, ev := range evs {
		if s.Memory.Has(ev.ID) {
			continue
		}
		s.loaded.Store(string(ev.ID), struct{}{})
		fresh = append(fresh, ev)
	}
	if len(fresh) == 0 {
		return
	}
	if s.opts.Deliver != nil {
		s.opts.Deliver(fresh)
		return
	}
	for _, ev := range fresh {
		s.Insert(ev)
	}
}

// Insert adds an event to memory and queues it for the durable tier. It
// returns false for an event already seen this session, before any other
// work is done.
func (s *Store) Insert(ev *event.T) bool {
	if !s.Memory.Insert(ev) {
		return false
	}
	if _, ok := s.loaded.LoadAndDelete(string(ev.ID)); ok {
		return true
	}
	if s.available.Load() {
		s.qmx.Lock()
		s.queue = append(s.queue, ev)
		s.qmx.Unlock()
	}
	return true
}

// Remove drops the event from memory and queues its deletion from the
// durable tier.
func (s *Store) Remove(id eventid.T) bool {
	removed := s.Memory.Remove(id)
	s.queueDeletes(id)
	return removed
}

// FindAndRemove drops every event in memory matching f, and queues the same
// ids for deletion from the durable tier.
func (s *Store) FindAndRemove(f *filter.T) (ids []eventid.T) {
	ids = s.Memory.FindAndRemove(f)
	s.queueDeletes(ids...)
	return
}

func (s *Store) queueDeletes(ids ...eventid.T) {
	if !s.available.Load() || len(ids) == 0 {
		return
	}
	s.qmx.Lock()
	defer s.qmx.Unlock()
	for _, id := range ids {
		for i := 0; i < len(s.queue); i++ {
			if s.queue[i].ID == id {
				s.queue = append(s.queue[:i], s.queue[i+1:]...)
				i--
			}
		}
	}
	s.deletes = append(s.deletes, ids...)
}

// Queued is the number of events waiting to be written.
func (s *Store) Queued() int {
	s.qmx.Lock()
	defer s.qmx.Unlock()
	return len(s.queue)
}

// Flush writes queued events and deletions to the durable tier. What a
// failed flush did not write goes back to the head of the queue for the
// next one.
func (s *Store) Flush(c context.T) (err error) {
	if !s.available.Load() {
		return
	}
	s.qmx.Lock()
	batch, deletes := s.queue, s.deletes
	s.queue, s.deletes = nil, nil
	s.qmx.Unlock()
	var deleted int
	for _, id := range deletes {
		if err = s.opts.Durable.Delete(c, id); err != nil {
			break
		}
		deleted++
	}
	if err == nil && len(batch) > 0 {
		err = s.opts.Durable.Save(c, batch...)
		if err == nil {
			log.T.F("flushed %d events", len(batch))
		}
	}
	switch {
	case err == nil:
		s.qmx.Lock()
		s.failures = 0
		s.qmx.Unlock()
	case errors.Is(err, durable.ErrUnavailable):
		s.unavailable(err)
	default:
		s.requeue(batch, deletes[deleted:], err)
	}
	return
}

// requeue puts back what a failed flush left unwritten, ahead of anything
// queued since. Events deleted in the meantime are not put back.
func (s *Store) requeue(batch []*event.T, deletes []eventid.T, err error) {
	s.qmx.Lock()
	defer s.qmx.Unlock()
	if s.failures++; s.failures > MaxFlushRetries {
		log.E.F("dropping %d queued events and %d deletions after %d failed flushes: %v",
			len(batch), len(deletes), s.failures, err)
		s.failures = 0
		return
	}
	log.W.F("flush failed, retrying %d events and %d deletions: %v",
		len(batch), len(deletes), err)
	gone := make(map[eventid.T]struct{}, len(s.deletes))
	for _, id := range s.deletes {
		gone[id] = struct{}{}
	}
	queue := make([]*event.T, 0, len(batch)+len(s.queue))
	for _, ev := range batch {
		if _, ok := gone[ev.ID]; !ok {
			queue = append(queue, ev)
		}
	}
	s.queue = append(queue, s.queue...)
	s.deletes = append(append([]eventid.T(nil), deletes...), s.deletes...)
}

// Request registers the id, author and tag values of a filter for lazy
// hydration. Values already requested this session are ignored.
func (s *Store) Request(f *filter.T) {
	if !s.available.Load() || f == nil {
		return
	}
	var keys []hydrateKey
	switch {
	case f.IDs != nil:
		for _, id := range f.IDs {
			keys = append(keys, hydrateKey{"ids", id})
		}
	case f.Authors != nil:
		for _, a := range f.Authors {
			keys = append(keys, hydrateKey{"authors", a})
		}
	default:
		for letter, vals := range f.Tags {
			for _, v := range vals {
				keys = append(keys, hydrateKey{"#" + letter, v})
			}
		}
	}
	s.hmx.Lock()
	defer s.hmx.Unlock()
	for _, k := range keys {
		if _, ok := s.seen[k]; ok {
			continue
		}
		s.seen[k] = struct{}{}
		s.pending = append(s.pending, k)
	}
}

// Hydrate reads back everything requested since the last call, one durable
// read per field. Identical reads in flight at the same time share a result.
func (s *Store) Hydrate(c context.T) {
	s.hmx.Lock()
	pending := s.pending
	s.pending = nil
	s.hmx.Unlock()
	if len(pending) == 0 || !s.available.Load() {
		return
	}
	byField := make(map[string][]string)
	for _, k := range pending {
		byField[k.field] = append(byField[k.field], k.value)
	}
	fields := make([]string, 0, len(byField))
	for field := range byField {
		fields = append(fields, field)
	}
	sort.Strings(fields)
	for _, field := range fields {
		vals := byField[field]
		sort.Strings(vals)
		f := &filter.T{}
		switch field {
		case "ids":
			f.IDs = vals
		case "authors":
			f.Authors = vals
		default:
			f.Tags = filter.TagMap{strings.TrimPrefix(field, "#"): vals}
		}
		res, err, _ := s.reads.Do(f.String(), func() (interface{}, error) {
			return s.opts.Durable.Query(c, f)
		})
		if err != nil {
			if errors.Is(err, durable.ErrUnavailable) {
				s.unavailable(err)
				return
			}
			log.E.Ln("hydration read failed:", err)
			continue
		}
		s.handOver(res.([]*event.T))
	}
}
