package system

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Hubmakerlabs/feedr/pkg/connection"
	"github.com/Hubmakerlabs/feedr/pkg/context"
	"github.com/Hubmakerlabs/feedr/pkg/nostr/event"
	"github.com/Hubmakerlabs/feedr/pkg/nostr/filters"
	"github.com/Hubmakerlabs/feedr/pkg/outbox"
	"github.com/Hubmakerlabs/feedr/pkg/pool"
	"github.com/Hubmakerlabs/feedr/pkg/query"
)

// open creates or updates the query for req on the loop. onEvents receives
// what the query already holds and everything new to it from then on;
// onComplete runs once every relay has finished. The returned release ends
// the observation.
func (s *T) open(req query.Request, onEvents func([]*event.T),
	onComplete func()) (release func()) {

	now := s.sched.Now()
	q, exists := s.queries[req.ID]
	if !exists {
		if req.Timeout <= 0 {
			req.Timeout = s.opts.Timeout
		}
		q = query.New(req, now)
		s.queries[req.ID] = q
		log.D.F("query %s created", req.ID)
	} else if held := q.Store.Events(); len(held) > 0 && onEvents != nil {
		onEvents(held)
	}
	q.Observe()
	var off func()
	if onEvents != nil {
		off = q.OnEvent(onEvents)
	}
	send := q.Plan(req, s.Cache, now)
	if !req.SkipCache {
		s.fromCache(q, req.Filters)
	}
	if len(send) > 0 {
		s.dispatch(q, req, send, now)
	}
	if onComplete != nil {
		s.waiters[q.ID] = append(s.waiters[q.ID], onComplete)
	}
	s.settle(q)
	if !exists {
		s.changed()
	}
	var once sync.Once
	return func() {
		once.Do(func() {
			if off != nil {
				off()
			}
			if s.queries[req.ID] == q {
				q.Release(s.sched.Now(), s.opts.Grace)
			}
		})
	}
}

// fromCache answers a request from memory and registers its filters for
// lazy hydration from the durable tier.
func (s *T) fromCache(q *query.T, ff filters.T) {
	for _, f := range ff.Trim() {
		s.Cache.Request(f)
		if f.IsIDsOnly() {
			continue
		}
		for _, ev := range s.Cache.Find(f) {
			q.HandleEvent("", "", ev)
		}
	}
}

// dispatch sends filters to the relays a request is meant for: the ones it
// names, or every durable read relay. With UseOutbox the write relays of the
// requested authors are asked too, each only for its own authors.
func (s *T) dispatch(q *query.T, req query.Request, send filters.T, now time.Time) {
	targets := make(map[string]filters.T)
	var dial []*connection.T
	if len(req.Relays) > 0 {
		for _, u := range req.Relays {
			conn, err := s.Pool.Add(u, connection.Settings{Read: true}, true)
			if chk.D(err) {
				continue
			}
			targets[conn.URL] = send
			dial = append(dial, conn)
		}
	} else {
		for _, u := range s.Pool.URLs() {
			if conn, ok := s.Pool.Get(u); ok && !conn.Ephemeral() &&
				conn.Settings().Read {
				targets[u] = send
			}
		}
	}
	if req.UseOutbox {
		picked := s.Outbox.PickRelaysForAuthors(authors(send))
		for u, who := range outbox.ByRelay(picked) {
			ff := restrict(send, who)
			if len(ff) == 0 {
				continue
			}
			conn, err := s.Pool.Add(u, connection.Settings{Read: true}, true)
			if chk.D(err) {
				continue
			}
			if _, ok := targets[conn.URL]; ok {
				continue
			}
			targets[conn.URL] = ff
			dial = append(dial, conn)
		}
	}
	urls := make([]string, 0, len(targets))
	for u := range targets {
		urls = append(urls, u)
	}
	sort.Strings(urls)
	for _, u := range urls {
		s.refs.Store(u, struct{}{})
		q.Dispatch(s.Pool, u, targets[u], now)
	}
	for _, conn := range dial {
		s.dial(conn)
	}
	log.D.F("query %s sent %v to %d relays", q.ID, send, len(urls))
}

func authors(ff filters.T) (out []string) {
	seen := make(map[string]struct{})
	for _, f := range ff {
		for _, a := range f.Authors {
			if _, ok := seen[a]; !ok {
				seen[a] = struct{}{}
				out = append(out, a)
			}
		}
	}
	return
}

// restrict keeps the filters that name authors, narrowed to who.
func restrict(ff filters.T, who []string) (out filters.T) {
	want := make(map[string]struct{}, len(who))
	for _, a := range who {
		want[a] = struct{}{}
	}
	for _, f := range ff {
		if f.Authors == nil {
			continue
		}
		var keep []string
		for _, a := range f.Authors {
			if _, ok := want[a]; ok {
				keep = append(keep, a)
			}
		}
		if len(keep) == 0 {
			continue
		}
		f = f.Clone()
		f.Authors = keep
		out = append(out, f)
	}
	return
}

// Stream delivers the events of a query as they arrive.
type Stream struct {
	ID string

	s        *T
	events   chan *event.T
	complete chan struct{}
	closed   chan struct{}
	notify   chan struct{}
	release  func()
	mx       sync.Mutex
	buf      []*event.T
	once     sync.Once
	done     sync.Once
}

func newStream(id string, s *T) *Stream {
	return &Stream{
		ID:       id,
		s:        s,
		events:   make(chan *event.T),
		complete: make(chan struct{}),
		closed:   make(chan struct{}),
		notify:   make(chan struct{}, 1),
	}
}

// Events yields each event once, in arrival order. It is closed by Close.
func (st *Stream) Events() <-chan *event.T { return st.events }

// Complete is closed once every relay asked has finished.
func (st *Stream) Complete() <-chan struct{} { return st.complete }

// Close stops the stream. The query is removed once no other stream
// observes it.
func (st *Stream) Close() {
	st.once.Do(func() {
		close(st.closed)
		if st.release != nil {
			chk.T(st.s.post(st.release))
		}
	})
}

func (st *Stream) push(evs []*event.T) {
	st.mx.Lock()
	st.buf = append(st.buf, evs...)
	st.mx.Unlock()
	select {
	case st.notify <- struct{}{}:
	default:
	}
}

func (st *Stream) finish() { st.done.Do(func() { close(st.complete) }) }

func (st *Stream) pump() {
	defer close(st.events)
	for {
		st.mx.Lock()
		buf := st.buf
		st.buf = nil
		st.mx.Unlock()
		for _, ev := range buf {
			select {
			case st.events <- ev:
			case <-st.closed:
				return
			}
		}
		if len(buf) > 0 {
			continue
		}
		select {
		case <-st.notify:
		case <-st.closed:
			return
		case <-st.s.done:
			return
		}
	}
}

// Request creates the query req describes, or updates the one with the same
// ID, and streams its events. An empty ID gets a random one.
func (s *T) Request(req query.Request) (st *Stream, err error) {
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	st = newStream(req.ID, s)
	if err = s.call(func() { st.release = s.open(req, st.push, st.finish) }); err != nil {
		return nil, err
	}
	go st.pump()
	return
}

// FetchOnce runs req until every relay has finished and returns what it
// found, newest first. onBatch, if not nil, receives events in batches
// while the fetch is running.
func (s *T) FetchOnce(c context.T, req query.Request,
	onBatch func(evs []*event.T)) (evs []*event.T, err error) {

	if req.ID == "" {
		req.ID = "fetch:" + uuid.NewString()
	}
	req.LeaveOpen = false
	var bmx, fmx sync.Mutex
	var batch []*event.T
	collect := func(evs []*event.T) {
		bmx.Lock()
		batch = append(batch, evs...)
		bmx.Unlock()
	}
	flush := func() {
		fmx.Lock()
		defer fmx.Unlock()
		bmx.Lock()
		b := batch
		batch = nil
		bmx.Unlock()
		if len(b) > 0 {
			onBatch(b)
		}
	}
	if onBatch == nil {
		collect = nil
	}
	complete := make(chan struct{})
	var once sync.Once
	var release func()
	if err = s.call(func() {
		release = s.open(req, collect,
			func() { once.Do(func() { close(complete) }) })
	}); err != nil {
		return
	}
	bc, cancel := context.Cancel(c)
	defer cancel()
	if onBatch != nil {
		s.sched.Every(bc, "fetch-batch", FetchBatchInterval, func(time.Time) { flush() })
	}
	select {
	case <-complete:
	case <-c.Done():
		err = c.Err()
	case <-s.done:
		return nil, ErrStopped
	}
	cancel()
	if onBatch != nil {
		flush()
	}
	if cerr := s.call(func() {
		if q, ok := s.queries[req.ID]; ok {
			evs = q.Store.Events()
		}
		release()
	}); err == nil {
		err = cerr
	}
	return
}

// Broadcast hands ev to local queries first and then publishes it to every
// durable write relay and the outbox relays of the people it mentions.
func (s *T) Broadcast(c context.T, ev *event.T) (results []pool.Result, err error) {
	if err = s.HandleExternalEvent(ev, true); err != nil {
		return
	}
	return s.Pool.Broadcast(c, ev), nil
}

// BroadcastTo publishes ev to one relay.
func (s *T) BroadcastTo(c context.T, url string, ev *event.T) (pool.Result, error) {
	return s.Pool.BroadcastTo(c, url, ev)
}
