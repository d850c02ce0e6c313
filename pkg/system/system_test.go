package system

import (
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Hubmakerlabs/feedr/pkg/cache"
	"github.com/Hubmakerlabs/feedr/pkg/connection"
	"github.com/Hubmakerlabs/feedr/pkg/context"
	"github.com/Hubmakerlabs/feedr/pkg/durable/badger"
	"github.com/Hubmakerlabs/feedr/pkg/nostr/envelopes"
	"github.com/Hubmakerlabs/feedr/pkg/nostr/event"
	"github.com/Hubmakerlabs/feedr/pkg/nostr/eventid"
	"github.com/Hubmakerlabs/feedr/pkg/nostr/filters"
	"github.com/Hubmakerlabs/feedr/pkg/nostr/keys"
	"github.com/Hubmakerlabs/feedr/pkg/nostr/kind"
	"github.com/Hubmakerlabs/feedr/pkg/nostr/kinds"
	"github.com/Hubmakerlabs/feedr/pkg/nostr/tags"
	"github.com/Hubmakerlabs/feedr/pkg/nostr/timestamp"
	"github.com/Hubmakerlabs/feedr/pkg/query"
	"github.com/Hubmakerlabs/feedr/pkg/relaytest"
	"github.com/Hubmakerlabs/feedr/pkg/sched"
)

const wait, tick = 5 * time.Second, 10 * time.Millisecond

var rw = connection.Settings{Read: true, Write: true}

func options(relays ...*relaytest.Relay) Options {
	opts := Options{
		Relays:        make(map[string]connection.Settings),
		SweepInterval: 20 * time.Millisecond,
		Grace:         50 * time.Millisecond,
	}
	for _, r := range relays {
		opts.Relays[r.URL] = rw
	}
	return opts
}

func start(t *testing.T, opts Options) *T {
	s := New(opts)
	s.Start()
	t.Cleanup(s.Stop)
	require.Eventually(t, func() bool {
		for _, c := range s.ConnectionSnapshot() {
			if c.State != "ready" {
				return false
			}
		}
		return len(s.ConnectionSnapshot()) == len(opts.Relays)
	}, wait, tick)
	return s
}

func signed(t *testing.T, sk string, k kind.T, ca timestamp.T, tt tags.T) *event.T {
	ev := &event.T{CreatedAt: ca, Kind: k, Tags: tt, Content: "content"}
	require.NoError(t, ev.Sign(sk))
	return ev
}

func note(t *testing.T, ca timestamp.T) *event.T {
	return signed(t, keys.GeneratePrivateKey(), kind.TextNote, ca, nil)
}

func ctx(t *testing.T) context.T {
	c, cancel := context.Timeout(context.Bg(), wait)
	t.Cleanup(cancel)
	return c
}

func textNotes() filters.T { return filters.T{{Kinds: kinds.T{kind.TextNote}}} }

func TestCachedIDNeedsNoRelay(t *testing.T) {
	r := relaytest.New(t)
	s := start(t, options(r))
	ev := note(t, 100)
	require.NoError(t, s.HandleExternalEvent(ev, false))

	evs, err := s.FetchOnce(ctx(t), query.Request{
		Filters: filters.T{{IDs: []string{string(ev.ID)}}},
	}, nil)
	require.NoError(t, err)
	require.Len(t, evs, 1)
	assert.Equal(t, ev.ID, evs[0].ID)
	assert.Zero(t, r.Count(envelopes.LabelReq))
}

func TestFetchOnceMergesRelays(t *testing.T) {
	r1, r2 := relaytest.New(t), relaytest.New(t)
	shared, a, b := note(t, 300), note(t, 200), note(t, 100)
	r1.Store(shared, a)
	r2.Store(shared, b)
	s := start(t, options(r1, r2))

	var mx sync.Mutex
	var batched []eventid.T
	evs, err := s.FetchOnce(ctx(t), query.Request{Filters: textNotes()},
		func(evs []*event.T) {
			mx.Lock()
			defer mx.Unlock()
			for _, ev := range evs {
				batched = append(batched, ev.ID)
			}
		})
	require.NoError(t, err)
	require.Len(t, evs, 3)
	assert.Equal(t, []eventid.T{shared.ID, a.ID, b.ID},
		[]eventid.T{evs[0].ID, evs[1].ID, evs[2].ID})
	assert.ElementsMatch(t, []string{r1.URL, r2.URL}, evs[0].Relays)
	mx.Lock()
	assert.ElementsMatch(t, []eventid.T{shared.ID, a.ID, b.ID}, batched)
	mx.Unlock()

	// subscriptions are closed once each relay has sent everything
	for _, r := range []*relaytest.Relay{r1, r2} {
		r := r
		assert.Eventually(t, func() bool { return r.Count(envelopes.LabelClose) == 1 },
			wait, tick)
	}
}

func TestCompleteWaitsForEveryRelay(t *testing.T) {
	r1, r2 := relaytest.New(t), relaytest.New(t)
	r2.HoldEOSE.Store(true)
	s := start(t, options(r1, r2))

	st, err := s.Request(query.Request{ID: "slow", Filters: textNotes(),
		Timeout: time.Second})
	require.NoError(t, err)
	defer st.Close()
	require.Eventually(t, func() bool {
		snap, err := s.Snapshot()
		if err != nil || len(snap) != 1 {
			return false
		}
		for _, tr := range snap[0].Traces {
			if tr.Relay == r1.URL && tr.State == query.Done {
				return true
			}
		}
		return false
	}, wait, tick)
	select {
	case <-st.Complete():
		t.Fatal("complete before the second relay finished")
	default:
	}

	select {
	case <-st.Complete():
	case <-time.After(wait):
		t.Fatal("query never timed out")
	}
	snap, err := s.Snapshot()
	require.NoError(t, err)
	require.Len(t, snap, 1)
	for _, tr := range snap[0].Traces {
		if tr.Relay == r2.URL {
			assert.Equal(t, query.TimedOut, tr.State)
		}
	}
	assert.Eventually(t, func() bool { return r2.Count(envelopes.LabelClose) == 1 },
		wait, tick)
}

func TestStreamLiveEvents(t *testing.T) {
	r := relaytest.New(t)
	s := start(t, options(r))
	var changes int
	var mx sync.Mutex
	s.OnChange(func([]query.Snapshot) {
		mx.Lock()
		changes++
		mx.Unlock()
	})

	st, err := s.Request(query.Request{ID: "live", Filters: textNotes(), LeaveOpen: true})
	require.NoError(t, err)
	select {
	case <-st.Complete():
	case <-time.After(wait):
		t.Fatal("no EOSE")
	}
	ev := note(t, timestamp.Now())
	r.Publish(ev)
	select {
	case got := <-st.Events():
		assert.Equal(t, ev.ID, got.ID)
	case <-time.After(wait):
		t.Fatal("live event not delivered")
	}
	assert.Zero(t, r.Count(envelopes.LabelClose))

	st.Close()
	assert.Eventually(t, func() bool {
		snap, err := s.Snapshot()
		return err == nil && len(snap) == 0
	}, wait, tick)
	assert.Eventually(t, func() bool { return r.Count(envelopes.LabelClose) == 1 },
		wait, tick)
	_, open := <-st.Events()
	assert.False(t, open)
	mx.Lock()
	assert.Equal(t, 2, changes)
	mx.Unlock()
}

func TestRequestUpdateSendsDelta(t *testing.T) {
	r := relaytest.New(t)
	s := start(t, options(r))
	alice, bob := keys.GeneratePrivateKey(), keys.GeneratePrivateKey()
	pa, err := keys.GetPublicKey(alice)
	require.NoError(t, err)
	pb, err := keys.GetPublicKey(bob)
	require.NoError(t, err)

	first, err := s.Request(query.Request{ID: "follows", LeaveOpen: true,
		Filters: filters.T{{Kinds: kinds.T{kind.TextNote}, Authors: []string{pa}}}})
	require.NoError(t, err)
	defer first.Close()
	second, err := s.Request(query.Request{ID: "follows", LeaveOpen: true,
		Filters: filters.T{{Kinds: kinds.T{kind.TextNote}, Authors: []string{pa, pb}}}})
	require.NoError(t, err)
	defer second.Close()

	require.Eventually(t, func() bool { return r.Count(envelopes.LabelReq) == 2 }, wait, tick)
	var reqs []*envelopes.Req
	for _, env := range r.Received() {
		if req, ok := env.(*envelopes.Req); ok {
			reqs = append(reqs, req)
		}
	}
	require.Len(t, reqs, 2)
	assert.NotEqual(t, reqs[0].SubscriptionID, reqs[1].SubscriptionID)
	require.Len(t, reqs[1].Filters, 1)
	assert.Equal(t, []string{pb}, reqs[1].Filters[0].Authors)

	ev := signed(t, bob, kind.TextNote, timestamp.Now(), nil)
	r.Publish(ev)
	for _, st := range []*Stream{first, second} {
		select {
		case got := <-st.Events():
			assert.Equal(t, ev.ID, got.ID)
		case <-time.After(wait):
			t.Fatal("event not delivered to every observer")
		}
	}
}

func TestDropsForgedEvents(t *testing.T) {
	r := relaytest.New(t)
	good, forged := note(t, 200), note(t, 100)
	forged.Content = "changed after signing"
	r.Store(good, forged)
	s := start(t, options(r))
	evs, err := s.FetchOnce(ctx(t), query.Request{Filters: textNotes()}, nil)
	require.NoError(t, err)
	require.Len(t, evs, 1)
	assert.Equal(t, good.ID, evs[0].ID)
	assert.False(t, s.Cache.Has(forged.ID))
}

func TestExplicitRelayIsEphemeral(t *testing.T) {
	home, other := relaytest.New(t), relaytest.New(t)
	ev := note(t, 100)
	other.Store(ev)
	s := start(t, options(home))
	evs, err := s.FetchOnce(ctx(t), query.Request{Filters: textNotes(),
		Relays: []string{other.URL}}, nil)
	require.NoError(t, err)
	require.Len(t, evs, 1)
	assert.Zero(t, home.Count(envelopes.LabelReq))
	assert.Eventually(t, func() bool {
		urls := s.Pool.URLs()
		return len(urls) == 1 && urls[0] == home.URL
	}, wait, tick)
}

func TestUseOutbox(t *testing.T) {
	home, theirs := relaytest.New(t), relaytest.New(t)
	sk := keys.GeneratePrivateKey()
	pk, err := keys.GetPublicKey(sk)
	require.NoError(t, err)
	post := signed(t, sk, kind.TextNote, 100, nil)
	theirs.Store(post)
	s := start(t, options(home))
	require.NoError(t, s.HandleExternalEvent(signed(t, sk, kind.RelayListMetadata, 50,
		tags.T{{"r", theirs.URL, "write"}}), false))

	evs, err := s.FetchOnce(ctx(t), query.Request{UseOutbox: true,
		Filters: filters.T{{Kinds: kinds.T{kind.TextNote}, Authors: []string{pk}}}}, nil)
	require.NoError(t, err)
	require.Len(t, evs, 1)
	assert.Equal(t, post.ID, evs[0].ID)
	assert.Equal(t, 1, home.Count(envelopes.LabelReq))
	assert.Equal(t, 1, theirs.Count(envelopes.LabelReq))
}

func TestBroadcastReachesLocalQueries(t *testing.T) {
	r := relaytest.New(t)
	s := start(t, options(r))
	st, err := s.Request(query.Request{Filters: textNotes(), LeaveOpen: true})
	require.NoError(t, err)
	defer st.Close()

	ev := note(t, timestamp.Now())
	results, err := s.Broadcast(ctx(t), ev)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.True(t, results[0].OK)
	select {
	case got := <-st.Events():
		assert.Equal(t, ev.ID, got.ID)
	case <-time.After(wait):
		t.Fatal("broadcast event not seen locally")
	}
	assert.True(t, s.Cache.Has(ev.ID))
}

func TestDurableHydration(t *testing.T) {
	d := badger.NewInMemory()
	require.NoError(t, d.Init())
	sk := keys.GeneratePrivateKey()
	pk, err := keys.GetPublicKey(sk)
	require.NoError(t, err)
	profile := signed(t, sk, kind.ProfileMetadata, 10, nil)
	post := signed(t, sk, kind.TextNote, 20, nil)
	require.NoError(t, d.Save(context.Bg(), profile, post))

	opts := options()
	opts.Cache = cache.Options{Durable: d, HydrateInterval: 20 * time.Millisecond}
	s := New(opts)
	var mx sync.Mutex
	var seen []eventid.T
	s.OnEvent(func(ev *event.T) {
		mx.Lock()
		seen = append(seen, ev.ID)
		mx.Unlock()
	})
	s.Start()
	t.Cleanup(s.Stop)
	assert.Eventually(t, func() bool {
		mx.Lock()
		defer mx.Unlock()
		return len(seen) == 1 && seen[0] == profile.ID
	}, wait, tick)

	st, err := s.Request(query.Request{LeaveOpen: true,
		Filters: filters.T{{Authors: []string{pk}}}})
	require.NoError(t, err)
	defer st.Close()
	var got []eventid.T
	for len(got) < 2 {
		select {
		case ev := <-st.Events():
			got = append(got, ev.ID)
		case <-time.After(wait):
			t.Fatal("durable events never reached the stream")
		}
	}
	assert.ElementsMatch(t, []eventid.T{profile.ID, post.ID}, got)
}

// mocked starts a System with no relays on a mock clock.
func mocked(t *testing.T, opts Options) (*T, *clock.Mock) {
	mock := clock.NewMock()
	opts.Sched = sched.New(mock)
	t.Cleanup(opts.Sched.Stop)
	return start(t, opts), mock
}

// sweepAt advances the mock clock and runs a sweep on the loop at the new
// time.
func sweepAt(t *testing.T, s *T, mock *clock.Mock, d time.Duration) {
	mock.Add(d)
	require.NoError(t, s.call(func() { s.sweep(mock.Now()) }))
}

// observers of the query id, or -1 when there is no such query.
func observers(s *T, id string) int {
	snap, err := s.Snapshot()
	if err != nil {
		return -2
	}
	for _, q := range snap {
		if q.ID == id {
			return q.Observers
		}
	}
	return -1
}

func TestHydrationAfterQueryRemoved(t *testing.T) {
	d := badger.NewInMemory()
	require.NoError(t, d.Init())
	sk := keys.GeneratePrivateKey()
	pk, err := keys.GetPublicKey(sk)
	require.NoError(t, err)
	post := signed(t, sk, kind.TextNote, 20, nil)
	require.NoError(t, d.Save(context.Bg(), post))

	opts := options()
	opts.Cache = cache.Options{Durable: d, HydrateInterval: time.Hour}
	s, mock := mocked(t, opts)
	var mx sync.Mutex
	var seen []eventid.T
	s.OnEvent(func(ev *event.T) {
		mx.Lock()
		seen = append(seen, ev.ID)
		mx.Unlock()
	})

	st, err := s.Request(query.Request{ID: "gone", LeaveOpen: true,
		Filters: filters.T{{Authors: []string{pk}}}})
	require.NoError(t, err)
	st.Close()
	require.Eventually(t, func() bool { return observers(s, "gone") == 0 }, wait, tick)
	sweepAt(t, s, mock, opts.Grace)
	require.Equal(t, -1, observers(s, "gone"))
	assert.False(t, s.Cache.Has(post.ID))

	// the read registered by the removed query completes now
	s.Cache.Hydrate(ctx(t))
	require.Eventually(t, func() bool {
		mx.Lock()
		defer mx.Unlock()
		return len(seen) == 1 && seen[0] == post.ID
	}, wait, tick)
	assert.True(t, s.Cache.Has(post.ID))
	snap, err := s.Snapshot()
	require.NoError(t, err)
	assert.Empty(t, snap)
	assert.Zero(t, s.Cache.Queued())
	_, open := <-st.Events()
	assert.False(t, open)

	// a new query with the same id is answered from memory
	again, err := s.Request(query.Request{ID: "gone", LeaveOpen: true,
		Filters: filters.T{{Authors: []string{pk}}}})
	require.NoError(t, err)
	defer again.Close()
	select {
	case ev := <-again.Events():
		assert.Equal(t, post.ID, ev.ID)
	case <-time.After(wait):
		t.Fatal("hydrated event not served to the new query")
	}
}

func TestRerequestDuringGraceKeepsQuery(t *testing.T) {
	s, mock := mocked(t, options())
	opts := s.opts
	ev := note(t, 100)
	require.NoError(t, s.HandleExternalEvent(ev, false))

	first, err := s.Request(query.Request{ID: "kept", LeaveOpen: true,
		Filters: textNotes()})
	require.NoError(t, err)
	first.Close()
	require.Eventually(t, func() bool { return observers(s, "kept") == 0 }, wait, tick)
	snap, err := s.Snapshot()
	require.NoError(t, err)
	require.Len(t, snap, 1)
	created := snap[0].Created

	sweepAt(t, s, mock, opts.Grace/2)
	require.Equal(t, 0, observers(s, "kept"))
	second, err := s.Request(query.Request{ID: "kept", LeaveOpen: true,
		Filters: textNotes()})
	require.NoError(t, err)
	defer second.Close()
	select {
	case got := <-second.Events():
		assert.Equal(t, ev.ID, got.ID)
	case <-time.After(wait):
		t.Fatal("held events not replayed to the new observer")
	}

	for i := 0; i < 4; i++ {
		sweepAt(t, s, mock, opts.Grace)
	}
	assert.Equal(t, 1, observers(s, "kept"))
	snap, err = s.Snapshot()
	require.NoError(t, err)
	require.Len(t, snap, 1)
	assert.Equal(t, created, snap[0].Created)

	second.Close()
	require.Eventually(t, func() bool { return observers(s, "kept") == 0 }, wait, tick)
	sweepAt(t, s, mock, opts.Grace)
	assert.Equal(t, -1, observers(s, "kept"))
}

func TestNegativeGraceRemovesAtNextSweep(t *testing.T) {
	opts := options()
	opts.Grace = -1
	s, mock := mocked(t, opts)
	st, err := s.Request(query.Request{ID: "brief", LeaveOpen: true, Filters: textNotes()})
	require.NoError(t, err)
	st.Close()
	require.Eventually(t, func() bool { return observers(s, "brief") == 0 }, wait, tick)
	sweepAt(t, s, mock, 0)
	assert.Equal(t, -1, observers(s, "brief"))

	// zero still means the default
	idle := New(Options{})
	defer idle.Stop()
	assert.Equal(t, query.DefaultGrace, idle.opts.Grace)
}

func TestStopped(t *testing.T) {
	s := New(options())
	s.Start()
	s.Stop()
	_, err := s.Request(query.Request{Filters: textNotes()})
	assert.ErrorIs(t, err, ErrStopped)
	_, err = s.Snapshot()
	assert.ErrorIs(t, err, ErrStopped)
}
