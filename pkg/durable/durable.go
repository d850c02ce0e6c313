// Package durable defines the persistent tier of the event cache.
package durable

import (
	"errors"

	"github.com/Hubmakerlabs/feedr/pkg/context"
	"github.com/Hubmakerlabs/feedr/pkg/nostr/event"
	"github.com/Hubmakerlabs/feedr/pkg/nostr/eventid"
	"github.com/Hubmakerlabs/feedr/pkg/nostr/filter"
)

// ErrUnavailable is returned by a store that could not be opened or has been
// closed. The cache keeps running from memory when it sees it.
var ErrUnavailable = errors.New("durable store unavailable")

// Store is a persistence layer for events seen by the engine.
type Store interface {
	// Init opens the store. It must be called before anything else.
	Init() (err error)
	// Close releases the store's resources.
	Close()
	// Save writes a batch of events. Each event is written whole or not at
	// all, and events already present are left untouched.
	Save(c context.T, evs ...*event.T) (err error)
	// Query returns the stored events matching f, newest first, at most
	// f.Limit of them when a limit is set.
	Query(c context.T, f *filter.T) (evs []*event.T, err error)
	// Delete removes an event and its index entries.
	Delete(c context.T, id eventid.T) (err error)
}
