package filters

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/Hubmakerlabs/feedr/pkg/nostr/event"
	"github.com/Hubmakerlabs/feedr/pkg/nostr/filter"
	"github.com/Hubmakerlabs/feedr/pkg/nostr/kinds"
)

func TestTrimAndMatch(t *testing.T) {
	f := T{
		{Kinds: kinds.T{1}},
		{Authors: []string{}},
		nil,
		{Tags: filter.TagMap{"p": {}}},
		{IDs: []string{"x"}},
	}
	trimmed := f.Trim()
	assert.Len(t, trimmed, 2)
	assert.True(t, trimmed.Match(&event.T{Kind: 1}))
	assert.True(t, trimmed.Match(&event.T{ID: "x", Kind: 3}))
	assert.False(t, trimmed.Match(&event.T{ID: "y", Kind: 3}))
	assert.Empty(t, T{{Kinds: kinds.T{}}}.Trim())
	assert.Equal(t, `[{"kinds":[1]},{"ids":["x"]}]`, trimmed.String())
}
