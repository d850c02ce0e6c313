package badger

import (
	"errors"

	"github.com/dgraph-io/badger/v4"

	"github.com/Hubmakerlabs/feedr/pkg/context"
	"github.com/Hubmakerlabs/feedr/pkg/nostr/event"
)

// Save writes events in batches of BatchSize, one transaction per batch. A
// batch too big for one transaction is split in half until it fits, so an
// event's record and index keys always commit together.
func (b *Backend) Save(c context.T, evs ...*event.T) (err error) {
	b.mx.RLock()
	defer b.mx.RUnlock()
	var db *badger.DB
	if db, err = b.db(); err != nil {
		return
	}
	for start := 0; start < len(evs); start += b.BatchSize {
		if err = c.Err(); err != nil {
			return
		}
		end := start + b.BatchSize
		if end > len(evs) {
			end = len(evs)
		}
		if err = saveBatch(db, evs[start:end]); chk.E(err) {
			return
		}
	}
	return
}

func saveBatch(db *badger.DB, evs []*event.T) (err error) {
	err = db.Update(func(txn *badger.Txn) (err error) {
		for _, ev := range evs {
			if err = saveEvent(txn, ev); err != nil {
				return
			}
		}
		return
	})
	if errors.Is(err, badger.ErrTxnTooBig) && len(evs) > 1 {
		half := len(evs) / 2
		if err = saveBatch(db, evs[:half]); err != nil {
			return
		}
		return saveBatch(db, evs[half:])
	}
	return
}

func saveEvent(txn *badger.Txn, ev *event.T) (err error) {
	id := idBytes(ev.ID)
	if id == nil {
		log.D.Ln("not saving event with invalid id", ev.ID)
		return nil
	}
	ek := eventKey(id)
	if _, err = txn.Get(ek); err == nil {
		// already stored
		return nil
	} else if !errors.Is(err, badger.ErrKeyNotFound) {
		return
	}
	if err = txn.Set(ek, ev.MarshalTo(nil)); err != nil {
		return
	}
	for _, k := range indexKeys(ev, id) {
		if err = txn.Set(k, nil); err != nil {
			return
		}
	}
	log.T.F("event %s saved", ev.ID)
	return
}
