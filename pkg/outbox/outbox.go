// Package outbox recommends relays for reaching people, from the relay list
// events (kind 10002) found in the local cache.
package outbox

import (
	"os"
	"sort"

	"github.com/Hubmakerlabs/feedr/pkg/nostr/event"
	"github.com/Hubmakerlabs/feedr/pkg/nostr/filter"
	"github.com/Hubmakerlabs/feedr/pkg/nostr/keys"
	"github.com/Hubmakerlabs/feedr/pkg/nostr/kind"
	"github.com/Hubmakerlabs/feedr/pkg/nostr/kinds"
	"github.com/Hubmakerlabs/feedr/pkg/nostr/normalize"
	"github.com/Hubmakerlabs/feedr/pkg/nostr/tag"
	"github.com/Hubmakerlabs/feedr/pkg/slog"
)

var log, chk = slog.New(os.Stderr)

// DefaultPerRecipient is how many read relays are picked for each person
// mentioned in a reply.
const DefaultPerRecipient = 2

// Finder answers filters from a local store.
type Finder interface {
	Find(f *filter.T) []*event.T
}

// Relays is a parsed relay list.
type Relays struct {
	Read  []string
	Write []string
}

// Parse reads the r tags of a relay list event. A tag without a marker
// counts for both reading and writing. Invalid addresses are skipped.
func Parse(ev *event.T) (rl Relays) {
	for _, t := range ev.Tags {
		if t.Key() != "r" || len(t) < 2 {
			continue
		}
		u, err := normalize.Relay(t.Value())
		if chk.T(err) {
			continue
		}
		marker := ""
		if len(t) > 2 {
			marker = t[2]
		}
		switch marker {
		case tag.MarkerRead:
			rl.Read = append(rl.Read, u)
		case tag.MarkerWrite:
			rl.Write = append(rl.Write, u)
		case "":
			rl.Read = append(rl.Read, u)
			rl.Write = append(rl.Write, u)
		}
	}
	return
}

// T picks relays using relay lists from a cache.
type T struct {
	cache        Finder
	PerRecipient int
}

func New(cache Finder) *T {
	return &T{cache: cache, PerRecipient: DefaultPerRecipient}
}

// RelaysFor returns the newest relay list published by pubkey.
func (o *T) RelaysFor(pubkey string) (rl Relays, ok bool) {
	if !keys.IsValid32ByteHex(pubkey) {
		return
	}
	evs := o.cache.Find(&filter.T{
		Authors: []string{pubkey},
		Kinds:   kinds.T{kind.RelayListMetadata},
		Limit:   1,
	})
	if len(evs) == 0 {
		return
	}
	return Parse(evs[0]), true
}

// PickRelaysForReply returns up to PerRecipient read relays of every person
// tagged with p in ev, without duplicates, in tag order.
func (o *T) PickRelaysForReply(ev *event.T) (urls []string) {
	seen := make(map[string]struct{})
	for _, pk := range ev.Tags.Values("p") {
		rl, ok := o.RelaysFor(pk)
		if !ok {
			continue
		}
		var n int
		for _, u := range rl.Read {
			if n >= o.PerRecipient {
				break
			}
			n++
			if _, dup := seen[u]; dup {
				continue
			}
			seen[u] = struct{}{}
			urls = append(urls, u)
		}
	}
	log.T.F("outbox relays for %s: %v", ev.ID, urls)
	return
}

// PickRelaysForAuthors returns the write relays of each author that has
// published a relay list.
func (o *T) PickRelaysForAuthors(authors []string) (picked map[string][]string) {
	picked = make(map[string][]string)
	for _, a := range authors {
		if rl, ok := o.RelaysFor(a); ok && len(rl.Write) > 0 {
			picked[a] = rl.Write
		}
	}
	return
}

// ByRelay inverts an author to relays map into relay to sorted authors.
func ByRelay(picked map[string][]string) (byRelay map[string][]string) {
	byRelay = make(map[string][]string)
	for a, urls := range picked {
		for _, u := range urls {
			byRelay[u] = append(byRelay[u], a)
		}
	}
	for u := range byRelay {
		sort.Strings(byRelay[u])
	}
	return
}
