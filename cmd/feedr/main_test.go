package main

import (
	"bufio"
	"bytes"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Hubmakerlabs/feedr/pkg/config"
	"github.com/Hubmakerlabs/feedr/pkg/connection"
	"github.com/Hubmakerlabs/feedr/pkg/context"
	"github.com/Hubmakerlabs/feedr/pkg/nostr/event"
	"github.com/Hubmakerlabs/feedr/pkg/nostr/filter"
	"github.com/Hubmakerlabs/feedr/pkg/nostr/filters"
	"github.com/Hubmakerlabs/feedr/pkg/nostr/keys"
	"github.com/Hubmakerlabs/feedr/pkg/nostr/kind"
	"github.com/Hubmakerlabs/feedr/pkg/nostr/kinds"
	"github.com/Hubmakerlabs/feedr/pkg/nostr/timestamp"
	"github.com/Hubmakerlabs/feedr/pkg/query"
	"github.com/Hubmakerlabs/feedr/pkg/relaytest"
	"github.com/Hubmakerlabs/feedr/pkg/system"
)

const wait = 5 * time.Second

// buffer is a bytes.Buffer safe to read while another goroutine writes.
type buffer struct {
	mx  sync.Mutex
	buf bytes.Buffer
}

func (b *buffer) Write(p []byte) (int, error) {
	b.mx.Lock()
	defer b.mx.Unlock()
	return b.buf.Write(p)
}

func (b *buffer) lines() []string {
	b.mx.Lock()
	defer b.mx.Unlock()
	if b.buf.Len() == 0 {
		return nil
	}
	return strings.Split(strings.TrimSpace(b.buf.String()), "\n")
}

func signed(t *testing.T, ca timestamp.T) *event.T {
	ev := &event.T{Kind: kind.TextNote, CreatedAt: ca, Content: "hello"}
	require.NoError(t, ev.Sign(keys.GeneratePrivateKey()))
	return ev
}

func engine(t *testing.T, r *relaytest.Relay) *system.T {
	s := system.New(system.Options{
		Relays: map[string]connection.Settings{r.URL: {Read: true}},
	})
	s.Start()
	t.Cleanup(s.Stop)
	return s
}

func textNotes(id string, live bool) query.Request {
	return query.Request{ID: id, LeaveOpen: live,
		Filters: filters.T{{Kinds: kinds.T{kind.TextNote}}}}
}

func TestFetchPrintsEverything(t *testing.T) {
	r := relaytest.New(t)
	a, b := signed(t, 100), signed(t, 200)
	r.Store(a, b)
	s := engine(t, r)

	var buf buffer
	out := bufio.NewWriter(&buf)
	c, cancel := context.Timeout(context.Bg(), wait)
	defer cancel()
	require.NoError(t, fetch(c, s, textNotes(AppName, false), out))
	// everything is written by the time fetch returns
	assert.ElementsMatch(t, []string{a.String(), b.String()}, buf.lines())
	assert.Zero(t, out.Buffered())
}

func TestFetchInterrupted(t *testing.T) {
	r := relaytest.New(t)
	r.HoldEOSE.Store(true)
	s := engine(t, r)
	c, cancel := context.Cancel(context.Bg())
	cancel()
	var buf buffer
	assert.NoError(t, fetch(c, s, textNotes(AppName, false), bufio.NewWriter(&buf)))
}

func TestFollow(t *testing.T) {
	r := relaytest.New(t)
	old := signed(t, 100)
	r.Store(old)
	s := engine(t, r)
	st, err := s.Request(textNotes(AppName, true))
	require.NoError(t, err)
	defer st.Close()

	var buf buffer
	c, cancel := context.Cancel(context.Bg())
	done := make(chan error, 1)
	go func() { done <- follow(c, st, bufio.NewWriter(&buf)) }()
	require.Eventually(t, func() bool {
		l := buf.lines()
		return len(l) == 1 && l[0] == old.String()
	}, wait, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(wait):
		t.Fatal("follow did not stop when interrupted")
	}
}

func TestRunReturnsErrors(t *testing.T) {
	saved := args
	t.Cleanup(func() { args = saved })
	missing := filepath.Join(t.TempDir(), "feedr.yaml")
	for name, a := range map[string]Args{
		"bad kind":   {Kinds: []int{70000}},
		"bad diag":   {Args: config.Args{Diag: "7447"}},
		"bad config": {Args: config.Args{Durable: "floppy"}},
	} {
		t.Run(name, func(t *testing.T) {
			a.Config = missing
			if a.Durable == "" {
				a.Durable = config.BackendMemory
			}
			args = a
			assert.Error(t, run())
		})
	}
}

func TestFilter(t *testing.T) {
	now := time.Unix(10_000, 0)
	f, err := Args{
		Kinds:   []int{1, 7},
		Authors: []string{"aa"},
		Tags:    []string{"e=x", "e=y", "t=go"},
		Limit:   20,
		Since:   "1h",
	}.Filter(now)
	require.NoError(t, err)
	assert.Equal(t, kinds.T{1, 7}, f.Kinds)
	assert.Equal(t, []string{"aa"}, f.Authors)
	assert.Nil(t, f.IDs)
	assert.Equal(t, filter.TagMap{"e": {"x", "y"}, "t": {"go"}}, f.Tags)
	assert.Equal(t, 20, f.Limit)
	require.NotNil(t, f.Since)
	assert.Equal(t, timestamp.T(10_000-3600), *f.Since)

	f, err = Args{Since: "1700000000"}.Filter(now)
	require.NoError(t, err)
	assert.Equal(t, timestamp.T(1700000000), *f.Since)

	for _, a := range []Args{
		{Kinds: []int{70000}},
		{Tags: []string{"novalue"}},
		{Since: "yesterday"},
	} {
		_, err = a.Filter(now)
		assert.Error(t, err)
	}
}

func TestSplitListen(t *testing.T) {
	host, port, err := splitListen("127.0.0.1:7447")
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1", host)
	assert.Equal(t, 7447, port)
	_, _, err = splitListen("7447")
	assert.Error(t, err)
}
