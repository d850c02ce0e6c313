package query

import (
	"sort"
	"sync"

	"github.com/Hubmakerlabs/feedr/pkg/nostr/event"
	"github.com/Hubmakerlabs/feedr/pkg/nostr/eventid"
)

// Store collects the events a query has received, once per id. Duplicates
// from other relays only add to the relays the event was seen on.
type Store struct {
	mx   sync.RWMutex
	byID map[eventid.T]*event.T
}

func NewStore() *Store { return &Store{byID: make(map[eventid.T]*event.T)} }

// Add keeps a copy of ev and reports whether its id is new.
func (s *Store) Add(ev *event.T) (added bool) {
	s.mx.Lock()
	defer s.mx.Unlock()
	if have, ok := s.byID[ev.ID]; ok {
		for _, r := range ev.Relays {
			have.AddRelay(r)
		}
		return false
	}
	cp := *ev
	cp.Relays = append([]string(nil), ev.Relays...)
	s.byID[ev.ID] = &cp
	return true
}

// Get returns a copy of the stored event.
func (s *Store) Get(id eventid.T) *event.T {
	s.mx.RLock()
	defer s.mx.RUnlock()
	if ev, ok := s.byID[id]; ok {
		return copyEvent(ev)
	}
	return nil
}

func copyEvent(ev *event.T) *event.T {
	cp := *ev
	cp.Relays = append([]string(nil), ev.Relays...)
	return &cp
}

// Events are copies of every stored event, newest first.
func (s *Store) Events() (evs []*event.T) {
	s.mx.RLock()
	evs = make([]*event.T, 0, len(s.byID))
	for _, ev := range s.byID {
		evs = append(evs, copyEvent(ev))
	}
	s.mx.RUnlock()
	sort.SliceStable(evs, func(i, j int) bool {
		if evs[i].CreatedAt != evs[j].CreatedAt {
			return evs[i].CreatedAt > evs[j].CreatedAt
		}
		return evs[i].ID < evs[j].ID
	})
	return
}

func (s *Store) Len() int {
	s.mx.RLock()
	defer s.mx.RUnlock()
	return len(s.byID)
}
