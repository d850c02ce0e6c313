package badger

import (
	"bytes"
	"encoding/json"
	"sort"

	"github.com/dgraph-io/badger/v4"

	"github.com/Hubmakerlabs/feedr/pkg/context"
	"github.com/Hubmakerlabs/feedr/pkg/nostr/event"
	"github.com/Hubmakerlabs/feedr/pkg/nostr/eventid"
	"github.com/Hubmakerlabs/feedr/pkg/nostr/filter"
)

// scanPrefixes picks the narrowest index for the filter. A nil result means
// no index applies and the event records are scanned in full.
func scanPrefixes(f *filter.T) (prefixes [][]byte) {
	switch {
	case f.Authors != nil && f.Kinds != nil:
		for _, a := range f.Authors {
			pk := pubkeyBytes(a)
			if pk == nil {
				continue
			}
			for _, k := range f.Kinds {
				prefixes = append(prefixes, pubkeyKindPrefix(pk, k))
			}
		}
	case f.Authors != nil:
		for _, a := range f.Authors {
			if pk := pubkeyBytes(a); pk != nil {
				prefixes = append(prefixes, pubkeyPrefix(pk))
			}
		}
	case len(f.Tags) > 0:
		for _, letter := range f.Tags.Keys() {
			if len(letter) != 1 {
				continue
			}
			for _, v := range f.Tags[letter] {
				prefixes = append(prefixes, tagPrefix(letter[0], v))
			}
			return
		}
		fallthrough
	case f.Kinds != nil:
		for _, k := range f.Kinds {
			prefixes = append(prefixes, kindPrefix(k))
		}
	}
	return
}

func getEvent(txn *badger.Txn, id []byte) (ev *event.T, err error) {
	var item *badger.Item
	if item, err = txn.Get(eventKey(id)); err != nil {
		return
	}
	err = item.Value(func(v []byte) error {
		ev = &event.T{}
		return json.Unmarshal(v, ev)
	})
	return
}

func matches(f *filter.T, ev *event.T) bool { return f.Matches(ev) && f.MatchesSearch(ev) }

// Query answers f from the indexes, newest first.
func (b *Backend) Query(c context.T, f *filter.T) (evs []*event.T, err error) {
	b.mx.RLock()
	defer b.mx.RUnlock()
	var db *badger.DB
	if db, err = b.db(); err != nil {
		return
	}
	if f.IsEmptySet() {
		return
	}
	err = db.View(func(txn *badger.Txn) (err error) {
		if f.IDs != nil {
			evs, err = queryIDs(txn, f)
			return
		}
		prefixes := scanPrefixes(f)
		if prefixes == nil {
			evs, err = queryAll(c, txn, f)
			return
		}
		seen := make(map[string]struct{})
		for _, p := range prefixes {
			if err = c.Err(); err != nil {
				return
			}
			var found []*event.T
			if found, err = queryPrefix(txn, p, f, seen); err != nil {
				return
			}
			evs = append(evs, found...)
		}
		return
	})
	if chk.E(err) {
		return nil, err
	}
	sort.Sort(event.Descending(evs))
	if f.Limit > 0 && len(evs) > f.Limit {
		evs = evs[:f.Limit]
	}
	return
}

func queryIDs(txn *badger.Txn, f *filter.T) (evs []*event.T, err error) {
	for _, id := range f.IDs {
		b := idBytes(eventid.T(id))
		if b == nil {
			continue
		}
		var ev *event.T
		if ev, err = getEvent(txn, b); err != nil {
			if err == badger.ErrKeyNotFound {
				err = nil
				continue
			}
			return
		}
		if matches(f, ev) {
			evs = append(evs, ev)
		}
	}
	return
}

// queryPrefix walks one index prefix newest first between until and since,
// stopping once limit matches are found.
func queryPrefix(txn *badger.Txn, prefix []byte, f *filter.T,
	seen map[string]struct{}) (evs []*event.T, err error) {
	it := txn.NewIterator(badger.IteratorOptions{Reverse: true})
	defer it.Close()
	start := append([]byte{}, prefix...)
	if f.Until != nil {
		start = append(start, f.Until.Bytes()...)
	} else {
		start = append(start, bytes.Repeat([]byte{0xff}, tsLen)...)
	}
	start = append(start, bytes.Repeat([]byte{0xff}, idLen)...)
	for it.Seek(start); it.ValidForPrefix(prefix); it.Next() {
		k := it.Item().Key()
		if len(k) != len(prefix)+suffixLen {
			continue
		}
		ca, id := splitSuffix(k)
		if f.Since != nil && ca < *f.Since {
			break
		}
		if _, ok := seen[string(id)]; ok {
			continue
		}
		seen[string(id)] = struct{}{}
		var ev *event.T
		if ev, err = getEvent(txn, id); err != nil {
			if err == badger.ErrKeyNotFound {
				err = nil
				continue
			}
			return
		}
		if !matches(f, ev) {
			continue
		}
		evs = append(evs, ev)
		if f.Limit > 0 && len(evs) >= f.Limit {
			break
		}
	}
	return
}

func queryAll(c context.T, txn *badger.Txn, f *filter.T) (evs []*event.T, err error) {
	it := txn.NewIterator(badger.DefaultIteratorOptions)
	defer it.Close()
	prefix := []byte{prefixEvent}
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		if err = c.Err(); err != nil {
			return
		}
		ev := &event.T{}
		if err = it.Item().Value(func(v []byte) error {
			return json.Unmarshal(v, ev)
		}); chk.E(err) {
			err = nil
			continue
		}
		if matches(f, ev) {
			evs = append(evs, ev)
		}
	}
	return
}

// Count is the number of stored events.
func (b *Backend) Count() (n int, err error) {
	b.mx.RLock()
	defer b.mx.RUnlock()
	var db *badger.DB
	if db, err = b.db(); err != nil {
		return
	}
	err = db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		prefix := []byte{prefixEvent}
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			n++
		}
		return nil
	})
	return
}
