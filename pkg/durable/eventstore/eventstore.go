// Package eventstore adapts any github.com/fiatjaf/eventstore backend into a
// durable.Store, so relay-grade stores can sit under the cache.
package eventstore

import (
	"errors"
	"os"
	"sort"

	"github.com/fiatjaf/eventstore"
	"github.com/nbd-wtf/go-nostr"

	"github.com/Hubmakerlabs/feedr/pkg/context"
	"github.com/Hubmakerlabs/feedr/pkg/durable"
	"github.com/Hubmakerlabs/feedr/pkg/nostr/event"
	"github.com/Hubmakerlabs/feedr/pkg/nostr/eventid"
	"github.com/Hubmakerlabs/feedr/pkg/nostr/filter"
	"github.com/Hubmakerlabs/feedr/pkg/nostr/kind"
	"github.com/Hubmakerlabs/feedr/pkg/nostr/tag"
	"github.com/Hubmakerlabs/feedr/pkg/nostr/tags"
	"github.com/Hubmakerlabs/feedr/pkg/nostr/timestamp"
	"github.com/Hubmakerlabs/feedr/pkg/slog"
)

var log, chk = slog.New(os.Stderr)

// Backend is the part of eventstore.Store the adapter uses.
type Backend interface {
	Init() error
	Close()
	QueryEvents(context.T, nostr.Filter) (chan *nostr.Event, error)
	DeleteEvent(context.T, *nostr.Event) error
	SaveEvent(context.T, *nostr.Event) error
}

var _ Backend = eventstore.Store(nil)

var _ durable.Store = (*Store)(nil)

// Store wraps an eventstore backend.
type Store struct {
	Backend
}

// New wraps b.
func New(b Backend) *Store { return &Store{Backend: b} }

func (s *Store) Init() (err error) {
	if err = s.Backend.Init(); chk.E(err) {
		return log.E.Err("%w: %v", durable.ErrUnavailable, err)
	}
	return
}

func (s *Store) Save(c context.T, evs ...*event.T) (err error) {
	for _, ev := range evs {
		if err = c.Err(); err != nil {
			return
		}
		if err = s.SaveEvent(c, ToNostr(ev)); err != nil {
			if errors.Is(err, eventstore.ErrDupEvent) {
				err = nil
				continue
			}
			return
		}
	}
	return
}

func (s *Store) Query(c context.T, f *filter.T) (evs []*event.T, err error) {
	if f.IsEmptySet() {
		return
	}
	nf := FilterToNostr(f)
	// backends differ on search support, it is applied here instead
	if nf.Search != "" {
		nf.Search, nf.Limit = "", 0
	}
	var ch chan *nostr.Event
	if ch, err = s.QueryEvents(c, nf); chk.E(err) {
		return
	}
	for nev := range ch {
		ev := FromNostr(nev)
		if f.MatchesSearch(ev) {
			evs = append(evs, ev)
		}
	}
	sort.Sort(event.Descending(evs))
	if f.Limit > 0 && len(evs) > f.Limit {
		evs = evs[:f.Limit]
	}
	return
}

func (s *Store) Delete(c context.T, id eventid.T) (err error) {
	var ch chan *nostr.Event
	if ch, err = s.QueryEvents(c, nostr.Filter{IDs: []string{string(id)}}); chk.E(err) {
		return
	}
	var found []*nostr.Event
	for nev := range ch {
		found = append(found, nev)
	}
	for _, nev := range found {
		if err = s.DeleteEvent(c, nev); chk.E(err) {
			return
		}
	}
	return
}

// ToNostr converts an event to the go-nostr form.
func ToNostr(ev *event.T) *nostr.Event {
	nev := &nostr.Event{
		ID:        string(ev.ID),
		PubKey:    ev.PubKey,
		CreatedAt: nostr.Timestamp(ev.CreatedAt),
		Kind:      int(ev.Kind),
		Content:   ev.Content,
		Sig:       ev.Sig,
	}
	nev.Tags = make(nostr.Tags, len(ev.Tags))
	for i, t := range ev.Tags {
		nev.Tags[i] = nostr.Tag(t.Clone())
	}
	return nev
}

// FromNostr converts a go-nostr event.
func FromNostr(nev *nostr.Event) *event.T {
	ev := &event.T{
		ID:        eventid.T(nev.ID),
		PubKey:    nev.PubKey,
		CreatedAt: timestamp.T(nev.CreatedAt),
		Kind:      kind.T(nev.Kind),
		Content:   nev.Content,
		Sig:       nev.Sig,
	}
	ev.Tags = make(tags.T, len(nev.Tags))
	for i, t := range nev.Tags {
		ev.Tags[i] = tag.T(append([]string(nil), t...))
	}
	return ev
}

// FilterToNostr converts a filter to the go-nostr form.
func FilterToNostr(f *filter.T) nostr.Filter {
	nf := nostr.Filter{
		IDs:     f.IDs,
		Authors: f.Authors,
		Limit:   f.Limit,
		Search:  f.Search,
	}
	if f.Kinds != nil {
		nf.Kinds = make([]int, len(f.Kinds))
		for i, k := range f.Kinds {
			nf.Kinds[i] = int(k)
		}
	}
	if len(f.Tags) > 0 {
		nf.Tags = nostr.TagMap{}
		for k, v := range f.Tags {
			nf.Tags[k] = v
		}
	}
	if f.Since != nil {
		ts := nostr.Timestamp(*f.Since)
		nf.Since = &ts
	}
	if f.Until != nil {
		ts := nostr.Timestamp(*f.Until)
		nf.Until = &ts
	}
	return nf
}
