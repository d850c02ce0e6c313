package query

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Hubmakerlabs/feedr/pkg/nostr/event"
	"github.com/Hubmakerlabs/feedr/pkg/nostr/eventid"
	"github.com/Hubmakerlabs/feedr/pkg/nostr/filter"
	"github.com/Hubmakerlabs/feedr/pkg/nostr/filters"
	"github.com/Hubmakerlabs/feedr/pkg/nostr/keys"
	"github.com/Hubmakerlabs/feedr/pkg/nostr/kind"
	"github.com/Hubmakerlabs/feedr/pkg/nostr/kinds"
	"github.com/Hubmakerlabs/feedr/pkg/nostr/timestamp"
)

var t0 = time.Unix(1700000000, 0)

type sent struct {
	url, id string
	ff      filters.T
}

type sender struct {
	subs   []sent
	closes []sent
	fail   string
}

func (s *sender) Subscribe(url, id string, ff filters.T) error {
	if url == s.fail {
		return errors.New("not connected")
	}
	s.subs = append(s.subs, sent{url, id, ff})
	return nil
}

func (s *sender) Unsubscribe(url, id string) error {
	s.closes = append(s.closes, sent{url: url, id: id})
	return nil
}

type cached map[eventid.T]*event.T

func (c cached) Get(id eventid.T) *event.T { return c[id] }

func signed(t *testing.T, ca timestamp.T) *event.T {
	ev := &event.T{CreatedAt: ca, Kind: kind.TextNote, Content: "hi"}
	require.NoError(t, ev.Sign(keys.GeneratePrivateKey()))
	return ev
}

func TestPlanSendsOnlyTheDelta(t *testing.T) {
	q := New(Request{ID: "feed"}, t0)
	first := Request{ID: "feed", Filters: filters.T{
		{Kinds: kinds.T{kind.TextNote}, Authors: []string{"a", "b"}},
	}}
	send := q.Plan(first, nil, t0)
	require.Len(t, send, 1)
	assert.ElementsMatch(t, []string{"a", "b"}, send[0].Authors)

	next := Request{ID: "feed", Filters: filters.T{
		{Kinds: kinds.T{kind.TextNote}, Authors: []string{"a", "b", "c"}},
	}}
	send = q.Plan(next, nil, t0)
	require.Len(t, send, 1)
	assert.Equal(t, []string{"c"}, send[0].Authors)

	assert.Empty(t, q.Plan(next, nil, t0))

	next.SkipDiff = true
	send = q.Plan(next, nil, t0)
	require.Len(t, send, 1)
	assert.ElementsMatch(t, []string{"a", "b", "c"}, send[0].Authors)
	assert.Len(t, q.Flats(), 3)
}

func TestPlanTrimsEmptyFilters(t *testing.T) {
	q := New(Request{ID: "x"}, t0)
	send := q.Plan(Request{Filters: filters.T{{Authors: []string{}}}}, nil, t0)
	assert.Empty(t, send)
	assert.True(t, q.Complete())
}

func TestCachedIDsNeedNoRelay(t *testing.T) {
	ev := signed(t, 100)
	c := cached{ev.ID: ev}
	q := New(Request{ID: "thread"}, t0)
	var got []*event.T
	q.OnEvent(func(evs []*event.T) { got = append(got, evs...) })

	send := q.Plan(Request{Filters: filters.T{{IDs: []string{string(ev.ID)}}}}, c, t0)
	assert.Empty(t, send)
	require.Len(t, got, 1)
	assert.Equal(t, ev.ID, got[0].ID)
	assert.True(t, q.Complete())
	tr := q.Traces()
	require.Len(t, tr, 1)
	assert.Equal(t, Cached, tr[0].State)

	missing := signed(t, 200)
	send = q.Plan(Request{Filters: filters.T{
		{IDs: []string{string(ev.ID), string(missing.ID)}},
	}}, c, t0)
	require.Len(t, send, 1)
	assert.Equal(t, []string{string(missing.ID)}, send[0].IDs)

	q2 := New(Request{ID: "fresh"}, t0)
	send = q2.Plan(Request{SkipCache: true, Filters: filters.T{{IDs: []string{string(ev.ID)}}}}, c, t0)
	assert.Len(t, send, 1)
}

func TestCompleteWaitsForEveryRelay(t *testing.T) {
	s := &sender{}
	q := New(Request{ID: "q", Timeout: 10 * time.Second}, t0)
	ff := q.Plan(Request{Filters: filters.T{{Kinds: kinds.T{kind.TextNote}}}}, nil, t0)
	a := q.Dispatch(s, "wss://a", ff, t0)
	b := q.Dispatch(s, "wss://b", ff, t0)
	c := q.Dispatch(s, "wss://c", ff, t0)
	require.Len(t, s.subs, 3)
	assert.NotEqual(t, a.ID, b.ID)
	assert.Equal(t, []string{"wss://a", "wss://b", "wss://c"}, q.Relays())

	lat, ok := q.EOSE("wss://a", a.ID, t0.Add(300*time.Millisecond))
	assert.True(t, ok)
	assert.Equal(t, 300*time.Millisecond, lat)
	assert.False(t, q.Complete())
	assert.False(t, q.Idle())
	assert.InDelta(t, 1.0/3, q.Progress(), 0.001)

	// unknown subscription or repeated EOSE changes nothing
	_, ok = q.EOSE("wss://b", a.ID, t0)
	assert.False(t, ok)
	_, ok = q.EOSE("wss://a", a.ID, t0)
	assert.False(t, ok)

	_, ok = q.EOSE("wss://b", b.ID, t0.Add(time.Second))
	assert.True(t, ok)
	assert.False(t, q.Complete())

	assert.Zero(t, q.Expire(t0.Add(5*time.Second)))
	assert.False(t, q.Idle())
	assert.Equal(t, 1, q.Expire(t0.Add(10*time.Second)))
	assert.True(t, q.Complete())
	assert.True(t, q.Idle())
	assert.Equal(t, TimedOut, c.State)

	assert.Equal(t, 3, q.CloseSubscriptions(s))
	assert.Len(t, s.closes, 3)
	assert.Empty(t, q.Relays())
	assert.Zero(t, q.CloseSubscriptions(s))
}

func TestLeaveOpenIsNeverIdle(t *testing.T) {
	s := &sender{}
	q := New(Request{ID: "live", LeaveOpen: true}, t0)
	tr := q.Dispatch(s, "wss://a", filters.T{{}}, t0)
	q.EOSE("wss://a", tr.ID, t0)
	assert.True(t, q.Complete())
	assert.False(t, q.Idle())
}

func TestDispatchFailureFinishesTrace(t *testing.T) {
	s := &sender{fail: "wss://down"}
	q := New(Request{ID: "q"}, t0)
	tr := q.Dispatch(s, "wss://down", filters.T{{}}, t0)
	assert.Equal(t, Closed, tr.State)
	assert.False(t, tr.Open)
	assert.True(t, q.Complete())
}

func TestConnectionLostAndRestored(t *testing.T) {
	s := &sender{}
	q := New(Request{ID: "q"}, t0)
	a := q.Dispatch(s, "wss://a", filters.T{{}}, t0)
	q.Dispatch(s, "wss://b", filters.T{{}}, t0)
	q.ConnectionLost("wss://a", t0)
	assert.Equal(t, Lost, q.Traces()[0].State)
	assert.Equal(t, 0.5, q.Progress())

	later := t0.Add(time.Minute)
	q.ConnectionRestored("wss://a", later)
	tr := q.Traces()[0]
	assert.Equal(t, Pending, tr.State)
	assert.Equal(t, later, tr.Sent)
	assert.Nil(t, tr.Finished)
	_, ok := q.EOSE("wss://a", a.ID, later)
	assert.True(t, ok)
}

func TestHandleEvent(t *testing.T) {
	s := &sender{}
	q := New(Request{ID: "q"}, t0)
	q.Plan(Request{Filters: filters.T{{Kinds: kinds.T{kind.TextNote}}}}, nil, t0)
	a := q.Dispatch(s, "wss://a", q.Filters(), t0)
	b := q.Dispatch(s, "wss://b", q.Filters(), t0)
	var batches int
	q.OnEvent(func([]*event.T) { batches++ })

	ev := signed(t, 100)
	fromA := ev.Clone()
	fromA.AddRelay("wss://a")
	fromB := ev.Clone()
	fromB.AddRelay("wss://b")
	assert.True(t, q.HandleEvent("wss://a", a.ID, fromA))
	assert.False(t, q.HandleEvent("wss://b", b.ID, fromB))
	assert.False(t, q.HandleEvent("wss://c", "other", fromB))
	assert.Equal(t, 1, batches)
	assert.ElementsMatch(t, []string{"wss://a", "wss://b"}, q.Store.Get(ev.ID).Relays)
	assert.Equal(t, 1, q.Traces()[1].Events)

	// events from outside any relay must match the filters
	other := &event.T{CreatedAt: 5, Kind: kind.RelayListMetadata}
	require.NoError(t, other.Sign(keys.GeneratePrivateKey()))
	assert.False(t, q.HandleEvent("", "", other))
	assert.True(t, q.HandleEvent("", "", signed(t, 300)))

	evs := q.Store.Events()
	require.Len(t, evs, 2)
	assert.Equal(t, timestamp.T(300), evs[0].CreatedAt)
}

func TestRelayClosed(t *testing.T) {
	s := &sender{}
	q := New(Request{ID: "q"}, t0)
	a := q.Dispatch(s, "wss://a", filters.T{{}}, t0)
	assert.True(t, q.RelayClosed("wss://a", a.ID, "auth-required: hi", true, t0))
	assert.Equal(t, Pending, q.Traces()[0].State)
	assert.False(t, q.RelayClosed("wss://a", "nope", "", false, t0))
	assert.True(t, q.RelayClosed("wss://a", a.ID, "restricted: no", false, t0))
	tr := q.Traces()[0]
	assert.Equal(t, Closed, tr.State)
	assert.Equal(t, "restricted: no", tr.Reason)
	assert.False(t, tr.Open)
	q.CloseTrace(s, "wss://a", a.ID)
	assert.Empty(t, s.closes)
}

func TestRemovalNeedsGraceWithoutObservers(t *testing.T) {
	q := New(Request{ID: "q"}, t0)
	assert.False(t, q.CanRemove(t0))
	q.Observe()
	q.Observe()
	q.Release(t0, DefaultGrace)
	assert.False(t, q.CanRemove(t0.Add(time.Hour)))
	q.Release(t0, DefaultGrace)
	assert.Zero(t, q.Observers())
	assert.False(t, q.CanRemove(t0.Add(time.Second)))
	assert.True(t, q.CanRemove(t0.Add(DefaultGrace)))
	// a new observer wins over a pending removal
	q.Observe()
	assert.False(t, q.CanRemove(t0.Add(time.Hour)))
}

func TestSnapshot(t *testing.T) {
	q := New(Request{ID: "q"}, t0)
	q.Plan(Request{Filters: filters.T{{Kinds: kinds.T{kind.TextNote}}}}, nil, t0)
	q.Dispatch(&sender{}, "wss://a", q.Filters(), t0)
	snap := q.Snapshot()
	assert.Equal(t, "q", snap.ID)
	assert.Equal(t, DefaultTimeout, q.Timeout)
	assert.Zero(t, snap.Progress)
	require.Len(t, snap.Traces, 1)
	assert.Equal(t, "wss://a", snap.Traces[0].Relay)
	assert.True(t, filter.Equal(&filter.T{Kinds: kinds.T{kind.TextNote}}, snap.Filters[0]))
	assert.Equal(t, []string{"abc"}, IDs(filters.T{{IDs: []string{"abc"}}, {Kinds: kinds.T{1}}}))
}
