package main

import (
	"bytes"
	"strings"
	"testing"

	"github.com/nbd-wtf/go-nostr/nip19"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Hubmakerlabs/feedr/pkg/context"
	"github.com/Hubmakerlabs/feedr/pkg/durable/badger"
	"github.com/Hubmakerlabs/feedr/pkg/nostr/event"
	"github.com/Hubmakerlabs/feedr/pkg/nostr/filter"
	"github.com/Hubmakerlabs/feedr/pkg/nostr/keys"
	"github.com/Hubmakerlabs/feedr/pkg/nostr/kind"
	"github.com/Hubmakerlabs/feedr/pkg/nostr/kinds"
	"github.com/Hubmakerlabs/feedr/pkg/nostr/timestamp"
)

func signed(t *testing.T, k kind.T, ca timestamp.T) *event.T {
	ev := &event.T{Kind: k, CreatedAt: ca, Content: "hello"}
	require.NoError(t, ev.Sign(keys.GeneratePrivateKey()))
	return ev
}

func TestAddArg(t *testing.T) {
	ev := signed(t, kind.TextNote, 1)
	npub, err := nip19.EncodePublicKey(ev.PubKey)
	require.NoError(t, err)
	note, err := nip19.EncodeNote(string(ev.ID))
	require.NoError(t, err)
	nevent, err := nip19.EncodeEvent(string(ev.ID), []string{"wss://r.example.com"}, "")
	require.NoError(t, err)
	naddr, err := nip19.EncodeEntity(ev.PubKey, 30023, "post", nil)
	require.NoError(t, err)
	nsec, err := nip19.EncodePrivateKey(keys.GeneratePrivateKey())
	require.NoError(t, err)

	f := &filter.T{}
	for _, arg := range []string{"nostr:" + npub, note, nevent, naddr, string(ev.ID)} {
		require.NoError(t, addArg(f, arg), arg)
	}
	assert.Equal(t, []string{ev.PubKey, ev.PubKey}, f.Authors)
	assert.Equal(t, []string{string(ev.ID), string(ev.ID), string(ev.ID)}, f.IDs)
	assert.Equal(t, kinds.T{30023}, f.Kinds)
	assert.Equal(t, filter.TagMap{"d": {"post"}}, f.Tags)

	assert.Error(t, addArg(f, nsec))
	assert.Error(t, addArg(f, "npub1garbage"))
}

func TestImportAndCount(t *testing.T) {
	store := badger.NewInMemory()
	require.NoError(t, store.Init())
	defer store.Close()

	a, b := signed(t, kind.TextNote, 10), signed(t, kind.ProfileMetadata, 20)
	forged := signed(t, kind.TextNote, 30)
	forged.Content = "changed"
	var in bytes.Buffer
	for _, ev := range []*event.T{a, b, forged} {
		in.WriteString(ev.String() + "\n")
	}
	in.WriteString("\nnot json\n")

	c := context.Bg()
	n, skipped, err := importFrom(c, store, &in, true)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, 2, skipped)

	evs, err := store.Query(c, &filter.T{})
	require.NoError(t, err)
	require.Len(t, evs, 2)
	s := count(evs)
	assert.Equal(t, 2, s.Events)
	assert.Equal(t, 2, s.Authors)
	assert.Equal(t, map[string]int{"TextNote": 1, "ProfileMetadata": 1}, s.Kinds)

	var out bytes.Buffer
	require.NoError(t, writeEvents(&out, evs))
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 2)
	assert.Equal(t, b.String(), lines[0])

	// an unverified import keeps the forged note
	n, _, err = importFrom(c, store, strings.NewReader(forged.String()), false)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}
