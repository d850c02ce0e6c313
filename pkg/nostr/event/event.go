package event

import (
	"encoding/hex"
	"os"
	"strconv"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/minio/sha256-simd"

	"github.com/Hubmakerlabs/feedr/pkg/nostr/eventid"
	"github.com/Hubmakerlabs/feedr/pkg/nostr/keys"
	"github.com/Hubmakerlabs/feedr/pkg/nostr/kind"
	"github.com/Hubmakerlabs/feedr/pkg/nostr/tags"
	"github.com/Hubmakerlabs/feedr/pkg/nostr/text"
	"github.com/Hubmakerlabs/feedr/pkg/nostr/timestamp"
	"github.com/Hubmakerlabs/feedr/pkg/slog"
)

var log, chk = slog.New(os.Stderr)

// Hash is the sha256 digest of in.
func Hash(in []byte) (out []byte) {
	h := sha256.Sum256(in)
	return h[:]
}

// T is the primary datatype of nostr. This is the form of the structure
// that defines its JSON string based format.
type T struct {

	// ID is the SHA256 hash of the canonical encoding of the event
	ID eventid.T `json:"id"`

	// PubKey is the public key of the event creator in *hexadecimal* format
	PubKey string `json:"pubkey"`

	// CreatedAt is the UNIX timestamp of the event according to the event
	// creator (never trust a timestamp!)
	CreatedAt timestamp.T `json:"created_at"`

	// Kind is the nostr protocol code for the type of event. See kind.T
	Kind kind.T `json:"kind"`

	// Tags are a list of tags, which are a list of strings usually structured
	// as a 3 layer scheme indicating specific features of an event.
	Tags tags.T `json:"tags"`

	// Content is an arbitrary string that can contain anything, but usually
	// structured according to the Kind and the Tags.
	Content string `json:"content"`

	// Sig is the signature on the ID hash that validates as coming from the
	// Pubkey.
	Sig string `json:"sig"`

	// Relays the event was seen on. Not part of the canonical form and never
	// serialized.
	Relays []string `json:"-"`
}

// C is a channel of events.
type C chan *T

// Ascending is a slice of events that sorts in ascending chronological order
type Ascending []*T

func (ev Ascending) Len() int           { return len(ev) }
func (ev Ascending) Less(i, j int) bool { return ev[i].CreatedAt < ev[j].CreatedAt }
func (ev Ascending) Swap(i, j int)      { ev[i], ev[j] = ev[j], ev[i] }

// Descending sorts a slice of events in reverse chronological order (newest
// first)
type Descending []*T

func (e Descending) Len() int           { return len(e) }
func (e Descending) Less(i, j int) bool { return e[i].CreatedAt > e[j].CreatedAt }
func (e Descending) Swap(i, j int)      { e[i], e[j] = e[j], e[i] }

// MarshalTo appends the wire JSON form of the event.
func (ev *T) MarshalTo(dst []byte) []byte {
	dst = append(dst, `{"id":`...)
	dst = text.AppendQuoted(dst, string(ev.ID))
	dst = append(dst, `,"pubkey":`...)
	dst = text.AppendQuoted(dst, ev.PubKey)
	dst = append(dst, `,"created_at":`...)
	dst = strconv.AppendInt(dst, int64(ev.CreatedAt), 10)
	dst = append(dst, `,"kind":`...)
	dst = strconv.AppendUint(dst, uint64(ev.Kind), 10)
	dst = append(dst, `,"tags":`...)
	dst = ev.Tags.MarshalTo(dst)
	dst = append(dst, `,"content":`...)
	dst = text.AppendQuoted(dst, ev.Content)
	dst = append(dst, `,"sig":`...)
	dst = text.AppendQuoted(dst, ev.Sig)
	return append(dst, '}')
}

func (ev *T) MarshalJSON() ([]byte, error) { return ev.MarshalTo(nil), nil }

func (ev *T) String() string { return string(ev.MarshalTo(nil)) }

// ToCanonical returns the serialization the id is the hash of:
// [0,pubkey,created_at,kind,tags,content].
func (ev *T) ToCanonical() []byte {
	dst := make([]byte, 0, 128+len(ev.Content))
	dst = append(dst, `[0,`...)
	dst = text.AppendQuoted(dst, ev.PubKey)
	dst = append(dst, ',')
	dst = strconv.AppendInt(dst, int64(ev.CreatedAt), 10)
	dst = append(dst, ',')
	dst = strconv.AppendUint(dst, uint64(ev.Kind), 10)
	dst = append(dst, ',')
	dst = ev.Tags.MarshalTo(dst)
	dst = append(dst, ',')
	dst = text.AppendQuoted(dst, ev.Content)
	return append(dst, ']')
}

// GetIDBytes returns the raw SHA256 hash of the canonical form of an T.
func (ev *T) GetIDBytes() []byte { return Hash(ev.ToCanonical()) }

// GetID serializes and returns the event ID as a hexadecimal string.
func (ev *T) GetID() eventid.T {
	return eventid.T(hex.EncodeToString(ev.GetIDBytes()))
}

// CheckID reports whether the stored id matches the one derived from the
// fields.
func (ev *T) CheckID() bool { return ev.ID == ev.GetID() }

// IsValid checks the shape of the event without touching the signature.
func (ev *T) IsValid() bool {
	if ev == nil {
		return false
	}
	if ev.ID.Validate() != nil {
		return false
	}
	if !keys.IsValid32ByteHex(ev.PubKey) {
		return false
	}
	if len(ev.Sig) != 128 || !eventid.IsLowerHex(ev.Sig) {
		return false
	}
	if ev.CreatedAt < 0 {
		return false
	}
	for _, t := range ev.Tags {
		if len(t) == 0 {
			return false
		}
	}
	return true
}

// Verify is true when the id matches the fields and the signature is valid
// for the id under the pubkey.
func (ev *T) Verify() bool {
	if !ev.CheckID() {
		return false
	}
	valid, err := ev.CheckSignature()
	if err != nil {
		return false
	}
	return valid
}

// CheckSignature checks if the signature is valid for the id (which is a hash
// of the serialized event content). returns an error if the signature itself is
// invalid.
func (ev *T) CheckSignature() (valid bool, err error) {

	// decode pubkey hex to bytes.
	var pkBytes []byte
	if pkBytes, err = hex.DecodeString(ev.PubKey); chk.D(err) {
		err = log.D.Err("event pubkey '%s' is invalid hex: %w", ev.PubKey, err)
		return
	}

	// parse pubkey bytes.
	var pk *btcec.PublicKey
	if pk, err = schnorr.ParsePubKey(pkBytes); chk.D(err) {
		err = log.D.Err("event has invalid pubkey '%s': %w", ev.PubKey, err)
		return
	}

	// decode signature hex to bytes.
	var sigBytes []byte
	if sigBytes, err = hex.DecodeString(ev.Sig); chk.D(err) {
		err = log.D.Err("signature '%s' is invalid hex: %w", ev.Sig, err)
		return
	}

	// parse signature bytes.
	var sig *schnorr.Signature
	if sig, err = schnorr.ParseSignature(sigBytes); chk.D(err) {
		err = log.D.Err("failed to parse signature: %w", err)
		return
	}

	valid = sig.Verify(ev.GetIDBytes(), pk)
	return
}

// Sign signs an event with a given Secret Key encoded in hexadecimal.
func (ev *T) Sign(skStr string) (err error) {
	var sk *btcec.PrivateKey
	if sk, err = keys.SecretKey(skStr); chk.D(err) {
		return
	}
	return ev.SignWithSecKey(sk)
}

// SignWithSecKey sets the pubkey, id and signature from the secret key.
func (ev *T) SignWithSecKey(sk *btcec.PrivateKey) (err error) {
	ev.PubKey = hex.EncodeToString(schnorr.SerializePubKey(sk.PubKey()))
	id := ev.GetIDBytes()
	var sig *schnorr.Signature
	if sig, err = schnorr.Sign(sk, id); chk.D(err) {
		return err
	}
	ev.ID = eventid.T(hex.EncodeToString(id))
	ev.Sig = hex.EncodeToString(sig.Serialize())
	return nil
}

// Clone deep copies the event including its relay provenance.
func (ev *T) Clone() *T {
	c := *ev
	c.Tags = ev.Tags.Clone()
	if ev.Relays != nil {
		c.Relays = append([]string(nil), ev.Relays...)
	}
	return &c
}

// AddRelay records that the event was seen on relay, ignoring repeats.
func (ev *T) AddRelay(relay string) {
	if relay == "" {
		return
	}
	for _, r := range ev.Relays {
		if r == relay {
			return
		}
	}
	ev.Relays = append(ev.Relays, relay)
}
