// Package system is the engine. It owns the connection pool, the event cache
// and every query, and keeps all query bookkeeping on a single goroutine:
// connections, the cache and callers hand work to it through its inbox.
package system

import (
	"errors"
	"os"
	"sort"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v2"

	"github.com/Hubmakerlabs/feedr/pkg/cache"
	"github.com/Hubmakerlabs/feedr/pkg/connection"
	"github.com/Hubmakerlabs/feedr/pkg/context"
	"github.com/Hubmakerlabs/feedr/pkg/emitter"
	"github.com/Hubmakerlabs/feedr/pkg/metrics"
	"github.com/Hubmakerlabs/feedr/pkg/nostr/event"
	"github.com/Hubmakerlabs/feedr/pkg/outbox"
	"github.com/Hubmakerlabs/feedr/pkg/pool"
	"github.com/Hubmakerlabs/feedr/pkg/query"
	"github.com/Hubmakerlabs/feedr/pkg/sched"
	"github.com/Hubmakerlabs/feedr/pkg/slog"
)

var log, chk = slog.New(os.Stderr)

var ErrStopped = errors.New("system stopped")

const (
	DefaultSweepInterval = time.Second
	// FetchBatchInterval is how long FetchOnce buffers events before
	// handing them to its batch callback.
	FetchBatchInterval = 100 * time.Millisecond
	inboxSize          = 1024
)

// Options configures a System. Zero values take the defaults.
type Options struct {
	Sched *sched.T
	Pool  pool.Options
	Cache cache.Options
	// Relays are connected durably on Start.
	Relays map[string]connection.Settings
	// SkipVerify accepts relay events without checking signatures.
	SkipVerify    bool
	SweepInterval time.Duration
	// Grace is how long a query outlives its last observer. Zero takes
	// query.DefaultGrace; a negative value removes the query at the first
	// sweep after its last observer leaves.
	Grace time.Duration
	// Timeout is the default time a query waits for relays.
	Timeout time.Duration
}

// T is the engine.
type T struct {
	Pool   *pool.T
	Cache  *cache.Store
	Outbox *outbox.T

	opts     Options
	sched    *sched.T
	ownSched bool
	c        context.T
	cancel   context.F
	inbox    chan func()
	done     chan struct{}
	started  atomic.Bool
	offPool  func()

	// refs holds the relays with a subscription open for some query.
	refs    *xsync.MapOf[string, struct{}]
	events  *emitter.T[*event.T]
	changes *emitter.T[[]query.Snapshot]

	// owned by the loop
	queries map[string]*query.T
	waiters map[string][]func()
}

// New creates a System. Nothing runs until Start.
func New(opts Options) (s *T) {
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = DefaultSweepInterval
	}
	switch {
	case opts.Grace == 0:
		opts.Grace = query.DefaultGrace
	case opts.Grace < 0:
		opts.Grace = 0
	}
	if opts.Timeout <= 0 {
		opts.Timeout = query.DefaultTimeout
	}
	s = &T{
		inbox:   make(chan func(), inboxSize),
		done:    make(chan struct{}),
		refs:    xsync.NewMapOf[struct{}](),
		events:  emitter.New[*event.T](),
		changes: emitter.New[[]query.Snapshot](),
		queries: make(map[string]*query.T),
		waiters: make(map[string][]func()),
	}
	if opts.Sched == nil {
		opts.Sched = sched.New(nil)
		s.ownSched = true
	}
	s.sched = opts.Sched
	s.c, s.cancel = context.Cancel(context.Bg())

	opts.Cache.Sched = s.sched
	if opts.Cache.Deliver == nil {
		opts.Cache.Deliver = s.deliver
	}
	s.Cache = cache.New(opts.Cache)
	s.Outbox = outbox.New(s.Cache)

	opts.Pool.Connection.Sched = s.sched
	if opts.Pool.Connection.KeepAlive == nil {
		opts.Pool.Connection.KeepAlive = s.keepAlive
	}
	if opts.Pool.Outbox == nil {
		opts.Pool.Outbox = s.Outbox
	}
	if opts.Pool.Metrics == nil {
		opts.Pool.Metrics = metrics.New(s.sched.Now)
	}
	s.Pool = pool.New(opts.Pool)
	s.opts = opts
	s.offPool = s.Pool.On(s.relayMessage)
	return
}

// Start opens the cache, connects the configured relays and starts the
// engine loop and the query sweep.
func (s *T) Start() {
	if !s.started.CompareAndSwap(false, true) {
		return
	}
	go s.loop()
	s.Cache.Start(s.c)
	var conns []*connection.T
	for url, settings := range s.opts.Relays {
		conn, err := s.Pool.Add(url, settings, false)
		if chk.E(err) {
			continue
		}
		conns = append(conns, conn)
	}
	for _, conn := range conns {
		s.dial(conn)
	}
	s.sched.Every(s.c, "query-sweep", s.opts.SweepInterval, func(now time.Time) {
		chk.T(s.post(func() { s.sweep(now) }))
	})
}

// Stop ends the loop, flushes the cache and closes every connection.
func (s *T) Stop() {
	s.cancel()
	if s.started.Load() {
		<-s.done
	}
	s.offPool()
	s.Pool.Close()
	s.Cache.Close(context.Bg())
	if s.ownSched {
		s.sched.Stop()
	}
	log.D.Ln("system stopped")
}

// Sched is the scheduler the engine runs on.
func (s *T) Sched() *sched.T { return s.sched }

func (s *T) loop() {
	defer close(s.done)
	for {
		select {
		case <-s.c.Done():
			return
		case fn := <-s.inbox:
			fn()
		}
	}
}

// post queues fn to run on the loop.
func (s *T) post(fn func()) error {
	select {
	case <-s.c.Done():
		return ErrStopped
	default:
	}
	select {
	case s.inbox <- fn:
		return nil
	case <-s.c.Done():
		return ErrStopped
	}
}

// call runs fn on the loop and waits for it to return. It must not be used
// from the loop itself.
func (s *T) call(fn func()) error {
	finished := make(chan struct{})
	if err := s.post(func() { fn(); close(finished) }); err != nil {
		return err
	}
	select {
	case <-finished:
		return nil
	case <-s.done:
		return ErrStopped
	}
}

// dial connects in the background if the connection is not up.
func (s *T) dial(conn *connection.T) {
	if conn.State() != connection.StateDisconnected {
		return
	}
	go func() { chk.D(conn.Connect(s.c)) }()
}

// keepAlive is true for durable relays and for relays a query still uses.
func (s *T) keepAlive(url string) bool {
	if _, ok := s.refs.Load(url); ok {
		return true
	}
	conn, ok := s.Pool.Get(url)
	return ok && !conn.Ephemeral()
}

// OnEvent registers a listener for every event new to the cache. Listeners
// run on the engine goroutine and must not call back into the System.
func (s *T) OnEvent(fn func(ev *event.T)) (off func()) { return s.events.On(fn) }

// OnChange registers a listener called with a snapshot of every query each
// time a query is added or removed. Listeners run on the engine goroutine.
func (s *T) OnChange(fn func(snap []query.Snapshot)) (off func()) {
	return s.changes.On(fn)
}

func (s *T) changed() {
	if s.changes.Len() > 0 {
		s.changes.Emit(s.snapshot())
	}
}

func (s *T) snapshot() (out []query.Snapshot) {
	for _, q := range s.queries {
		out = append(out, q.Snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return
}

// Snapshot describes every query.
func (s *T) Snapshot() (out []query.Snapshot, err error) {
	err = s.call(func() { out = s.snapshot() })
	return
}

// ConnectionSnapshot describes every connection.
func (s *T) ConnectionSnapshot() []pool.Snapshot { return s.Pool.Snapshot() }

// ConnectToRelay adds a durable relay and waits for the first dial.
func (s *T) ConnectToRelay(c context.T, url string, settings connection.Settings) (err error) {
	_, err = s.Pool.Connect(c, url, settings, false)
	return
}

// DisconnectRelay closes and forgets a relay.
func (s *T) DisconnectRelay(url string) { s.Pool.Disconnect(url) }

// sweep expires traces, closes the subscriptions of finished queries and
// removes the queries nobody observes any more.
func (s *T) sweep(now time.Time) {
	var removed bool
	live := make(map[string]struct{})
	for id, q := range s.queries {
		if q.Expire(now) > 0 {
			s.settle(q)
		}
		if q.Idle() {
			q.CloseSubscriptions(s.Pool)
		}
		if q.CanRemove(now) {
			q.CloseSubscriptions(s.Pool)
			delete(s.queries, id)
			delete(s.waiters, id)
			removed = true
			log.D.F("query %s removed", id)
			continue
		}
		for _, url := range q.Relays() {
			live[url] = struct{}{}
		}
	}
	s.refs.Range(func(url string, _ struct{}) bool {
		if _, ok := live[url]; !ok {
			s.refs.Delete(url)
		}
		return true
	})
	if closed := s.Pool.Prune(func(url string) bool {
		_, ok := s.refs.Load(url)
		return ok
	}); len(closed) > 0 {
		log.D.Ln("closed idle relays", closed)
	}
	if removed {
		s.changed()
	}
}

// settle runs the completion waiters of a query that has finished.
func (s *T) settle(q *query.T) {
	if !q.Complete() {
		return
	}
	ws := s.waiters[q.ID]
	delete(s.waiters, q.ID)
	for _, fn := range ws {
		fn()
	}
}

// Metrics are the health counters of every relay seen so far.
func (s *T) Metrics() []metrics.Snapshot { return s.Pool.Metrics().All() }
