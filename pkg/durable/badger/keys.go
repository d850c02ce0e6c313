package badger

import (
	"encoding/binary"
	"encoding/hex"

	"github.com/minio/sha256-simd"

	"github.com/Hubmakerlabs/feedr/pkg/nostr/event"
	"github.com/Hubmakerlabs/feedr/pkg/nostr/eventid"
	"github.com/Hubmakerlabs/feedr/pkg/nostr/kind"
	"github.com/Hubmakerlabs/feedr/pkg/nostr/timestamp"
)

// Key prefixes. Every index key ends with created_at (8 bytes big endian)
// followed by the 32 byte event id, so a reverse scan of a prefix walks
// newest first.
const (
	prefixEvent      byte = 'e'
	prefixPubkey     byte = 'p'
	prefixKind       byte = 'k'
	prefixPubkeyKind byte = 'c'
	prefixTag        byte = 't'
)

const (
	idLen     = 32
	tsLen     = 8
	pubkeyLen = 8
	hashLen   = 8
	suffixLen = tsLen + idLen
)

func idBytes(id eventid.T) []byte {
	if id.Validate() != nil {
		return nil
	}
	return id.Bytes()
}

func eventKey(id []byte) []byte { return append([]byte{prefixEvent}, id...) }

// pubkeyBytes is the leading bytes of the pubkey, enough to narrow a scan.
// Results are always re-matched against the filter.
func pubkeyBytes(pk string) []byte {
	b, err := hex.DecodeString(pk)
	if err != nil || len(b) < pubkeyLen {
		return nil
	}
	return b[:pubkeyLen]
}

func kindBytes(k kind.T) []byte {
	b := make([]byte, 2)
	binary.BigEndian.PutUint16(b, uint16(k))
	return b
}

func tagValueHash(v string) []byte {
	h := sha256.Sum256([]byte(v))
	return h[:hashLen]
}

func pubkeyPrefix(pk []byte) []byte { return append([]byte{prefixPubkey}, pk...) }

func kindPrefix(k kind.T) []byte { return append([]byte{prefixKind}, kindBytes(k)...) }

func pubkeyKindPrefix(pk []byte, k kind.T) []byte {
	return append(append([]byte{prefixPubkeyKind}, pk...), kindBytes(k)...)
}

func tagPrefix(letter byte, value string) []byte {
	return append([]byte{prefixTag, letter}, tagValueHash(value)...)
}

func withSuffix(prefix []byte, ca timestamp.T, id []byte) []byte {
	k := make([]byte, 0, len(prefix)+suffixLen)
	k = append(k, prefix...)
	k = append(k, ca.Bytes()...)
	return append(k, id...)
}

// splitSuffix reads created_at and id from the end of an index key.
func splitSuffix(k []byte) (ca timestamp.T, id []byte) {
	if len(k) < suffixLen {
		return
	}
	ca = timestamp.FromBytes(k[len(k)-suffixLen : len(k)-idLen])
	id = k[len(k)-idLen:]
	return
}

// indexKeys generates all the index keys for an event.
func indexKeys(ev *event.T, id []byte) (keyz [][]byte) {
	keyz = make([][]byte, 0, 3+len(ev.Tags))
	if pk := pubkeyBytes(ev.PubKey); pk != nil {
		keyz = append(keyz,
			withSuffix(pubkeyPrefix(pk), ev.CreatedAt, id),
			withSuffix(pubkeyKindPrefix(pk, ev.Kind), ev.CreatedAt, id),
		)
	}
	keyz = append(keyz, withSuffix(kindPrefix(ev.Kind), ev.CreatedAt, id))
	seen := make(map[string]struct{})
	for _, t := range ev.Tags {
		// only single letter tags with a value are queryable
		if len(t) < 2 || len(t[0]) != 1 || len(t[1]) == 0 {
			continue
		}
		dedupe := t[0] + t[1]
		if _, ok := seen[dedupe]; ok {
			continue
		}
		seen[dedupe] = struct{}{}
		keyz = append(keyz, withSuffix(tagPrefix(t[0][0], t[1]), ev.CreatedAt, id))
	}
	return
}
