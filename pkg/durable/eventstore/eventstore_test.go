package eventstore

import (
	"testing"

	"github.com/fiatjaf/eventstore/badger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Hubmakerlabs/feedr/pkg/context"
	"github.com/Hubmakerlabs/feedr/pkg/nostr/event"
	"github.com/Hubmakerlabs/feedr/pkg/nostr/filter"
	"github.com/Hubmakerlabs/feedr/pkg/nostr/keys"
	"github.com/Hubmakerlabs/feedr/pkg/nostr/kinds"
	"github.com/Hubmakerlabs/feedr/pkg/nostr/tags"
	"github.com/Hubmakerlabs/feedr/pkg/nostr/timestamp"
)

func TestAdapter(t *testing.T) {
	s := New(&badger.BadgerBackend{Path: t.TempDir()})
	require.NoError(t, s.Init())
	defer s.Close()
	c := context.Bg()
	sk := keys.GeneratePrivateKey()
	var evs []*event.T
	for i := 0; i < 5; i++ {
		ev := &event.T{
			CreatedAt: timestamp.T(1000 + i),
			Kind:      1,
			Tags:      tags.T{{"t", "go"}},
			Content:   "Hello",
		}
		require.NoError(t, ev.Sign(sk))
		evs = append(evs, ev)
	}
	require.NoError(t, s.Save(c, evs...))
	require.NoError(t, s.Save(c, evs[0]))

	got, err := s.Query(c, &filter.T{Kinds: kinds.T{1}, Limit: 2})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, evs[4].ID, got[0].ID)
	assert.True(t, got[0].Verify())

	got, err = s.Query(c, &filter.T{Tags: filter.TagMap{"t": {"go"}}, Search: "hello"})
	require.NoError(t, err)
	assert.Len(t, got, 5)

	require.NoError(t, s.Delete(c, evs[4].ID))
	got, err = s.Query(c, &filter.T{IDs: []string{string(evs[4].ID)}})
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestConversionRoundTrip(t *testing.T) {
	ev := &event.T{CreatedAt: 5, Kind: 7, Tags: tags.T{{"e", "x", "wss://r"}}, Content: "+"}
	require.NoError(t, ev.Sign(keys.GeneratePrivateKey()))
	back := FromNostr(ToNostr(ev))
	assert.Equal(t, ev.ID, back.ID)
	assert.True(t, back.Verify())
	since := timestamp.T(3)
	nf := FilterToNostr(&filter.T{Kinds: kinds.T{7}, Since: &since, Tags: filter.TagMap{"e": {"x"}}})
	assert.True(t, nf.Matches(ToNostr(ev)))
}
