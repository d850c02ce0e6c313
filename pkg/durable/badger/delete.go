package badger

import (
	"errors"

	"github.com/dgraph-io/badger/v4"

	"github.com/Hubmakerlabs/feedr/pkg/context"
	"github.com/Hubmakerlabs/feedr/pkg/nostr/event"
	"github.com/Hubmakerlabs/feedr/pkg/nostr/eventid"
)

// Delete removes the event record and every index key pointing at it.
// Deleting an unknown id is not an error.
func (b *Backend) Delete(c context.T, id eventid.T) (err error) {
	b.mx.RLock()
	defer b.mx.RUnlock()
	var db *badger.DB
	if db, err = b.db(); err != nil {
		return
	}
	idb := idBytes(id)
	if idb == nil {
		return
	}
	return db.Update(func(txn *badger.Txn) (err error) {
		var ev *event.T
		if ev, err = getEvent(txn, idb); err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return nil
			}
			return
		}
		for _, k := range indexKeys(ev, idb) {
			if err = txn.Delete(k); err != nil {
				return
			}
		}
		return txn.Delete(eventKey(idb))
	})
}
