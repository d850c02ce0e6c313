// Package query tracks one logical subscription across relays. Each batch of
// filters sent to a relay is a trace with its own subscription id; the query
// is complete when every trace has finished.
//
// A query is not safe for concurrent use. The engine mutates it from one
// goroutine only.
package query

import (
	"encoding/hex"
	"os"
	"sort"
	"time"

	"lukechampine.com/frand"

	"github.com/Hubmakerlabs/feedr/pkg/emitter"
	"github.com/Hubmakerlabs/feedr/pkg/nostr/event"
	"github.com/Hubmakerlabs/feedr/pkg/nostr/eventid"
	"github.com/Hubmakerlabs/feedr/pkg/nostr/filters"
	"github.com/Hubmakerlabs/feedr/pkg/optimizer"
	"github.com/Hubmakerlabs/feedr/pkg/slog"
)

var log, chk = slog.New(os.Stderr)

const (
	DefaultTimeout = 30 * time.Second
	DefaultGrace   = 5 * time.Second
)

// Request is what a caller asks for. Repeating a request with the same ID
// updates the existing query.
type Request struct {
	ID      string
	Filters filters.T
	// Relays restricts the request to these relays, connecting to them
	// ephemerally if needed. Empty means every durable read relay.
	Relays []string
	// LeaveOpen keeps subscriptions open after every relay reports EOSE.
	LeaveOpen bool
	Timeout   time.Duration
	// SkipDiff resends every filter instead of only the new ones.
	SkipDiff bool
	// SkipCache sends id lookups even when the events are cached.
	SkipCache bool
	// UseOutbox also asks the write relays of the requested authors.
	UseOutbox bool
}

// Sender opens and closes subscriptions on relays by address.
type Sender interface {
	Subscribe(url, id string, ff filters.T) error
	Unsubscribe(url, id string) error
}

// Cache looks events up by id.
type Cache interface {
	Get(id eventid.T) *event.T
}

// TraceState is how far a trace has got.
type TraceState int

const (
	Pending TraceState = iota
	Done
	Lost
	TimedOut
	Closed
	Cached
)

func (s TraceState) String() string {
	switch s {
	case Pending:
		return "pending"
	case Done:
		return "eose"
	case Lost:
		return "lost"
	case TimedOut:
		return "timeout"
	case Closed:
		return "closed"
	case Cached:
		return "cached"
	}
	return "unknown"
}

func (s TraceState) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Trace is one set of filters sent to one relay.
type Trace struct {
	ID       string     `json:"id"`
	Relay    string     `json:"relay,omitempty"`
	Filters  filters.T  `json:"filters"`
	State    TraceState `json:"state"`
	Sent     time.Time  `json:"sent"`
	Finished *time.Time `json:"finished,omitempty"`
	Reason   string     `json:"reason,omitempty"`
	Events   int        `json:"events"`
	// Open is true while the subscription is open on the relay.
	Open bool `json:"open"`
}

func (t *Trace) finish(s TraceState, now time.Time) {
	t.State = s
	t.Finished = &now
}

func subscriptionID() string { return hex.EncodeToString(frand.Bytes(8)) }

// T is one query.
type T struct {
	ID        string
	Store     *Store
	LeaveOpen bool
	Timeout   time.Duration

	created   time.Time
	flats     []optimizer.Flat
	traces    []*Trace
	observers int
	cancelAt  time.Time
	events    *emitter.T[[]*event.T]
}

// New creates a query from the first request carrying its id.
func New(req Request, now time.Time) *T {
	if req.Timeout <= 0 {
		req.Timeout = DefaultTimeout
	}
	return &T{
		ID:        req.ID,
		Store:     NewStore(),
		LeaveOpen: req.LeaveOpen,
		Timeout:   req.Timeout,
		created:   now,
		events:    emitter.New[[]*event.T](),
	}
}

// OnEvent registers a listener for events new to the query.
func (q *T) OnEvent(fn func(evs []*event.T)) (off func()) { return q.events.On(fn) }

// Filters are every filter sent so far, merged.
func (q *T) Filters() filters.T { return optimizer.Merge(q.flats) }

// Flats are every flat filter sent so far.
func (q *T) Flats() []optimizer.Flat { return q.flats }

// Traces are copies of the query's traces in the order they were made.
func (q *T) Traces() (out []Trace) {
	for _, t := range q.traces {
		out = append(out, *t)
	}
	return
}

// Relays are the addresses with a subscription still open for the query.
func (q *T) Relays() (urls []string) {
	seen := make(map[string]struct{})
	for _, t := range q.traces {
		if !t.Open {
			continue
		}
		if _, ok := seen[t.Relay]; !ok {
			seen[t.Relay] = struct{}{}
			urls = append(urls, t.Relay)
		}
	}
	sort.Strings(urls)
	return
}

// Plan works out which filters a request still needs sent. Unless SkipDiff
// is set, only flats not sent before are kept. Unless SkipCache is set, id
// lookups are answered from cache where possible, recorded as a finished
// trace, and their ids dropped. An empty result means nothing to send.
func (q *T) Plan(req Request, cache Cache, now time.Time) (send filters.T) {
	next := optimizer.ExpandAll(req.Filters.Trim())
	delta := next
	if !req.SkipDiff {
		delta = optimizer.Diff(q.flats, next)
	}
	q.flats = optimizer.Union(q.flats, next)
	if req.LeaveOpen {
		q.LeaveOpen = true
	}
	if len(delta) == 0 {
		return
	}
	send = optimizer.Merge(delta)
	if !req.SkipCache && cache != nil {
		send = q.fromCache(send, cache, now)
	}
	return send.Trim()
}

func (q *T) fromCache(ff filters.T, cache Cache, now time.Time) filters.T {
	var hits []*event.T
	var hitIDs []string
	for i, f := range ff {
		if !f.IsIDsOnly() {
			continue
		}
		remaining := make([]string, 0, len(f.IDs))
		for _, id := range f.IDs {
			if ev := cache.Get(eventid.T(id)); ev != nil {
				hits = append(hits, ev)
				hitIDs = append(hitIDs, id)
				continue
			}
			remaining = append(remaining, id)
		}
		if len(remaining) < len(f.IDs) {
			f = f.Clone()
			f.IDs = remaining
			ff[i] = f
		}
	}
	if len(hits) == 0 {
		return ff
	}
	tr := &Trace{
		ID:      "cache",
		Filters: filters.T{{IDs: hitIDs}},
		Sent:    now,
		Events:  len(hits),
	}
	tr.finish(Cached, now)
	q.traces = append(q.traces, tr)
	log.D.F("query %s answered %d ids from cache", q.ID, len(hits))
	q.add(hits...)
	return ff
}

// Dispatch opens a new trace for ff on the relay at url.
func (q *T) Dispatch(s Sender, url string, ff filters.T, now time.Time) *Trace {
	tr := &Trace{ID: subscriptionID(), Relay: url, Filters: ff, Sent: now, Open: true}
	q.traces = append(q.traces, tr)
	if err := s.Subscribe(url, tr.ID, ff); chk.D(err) {
		tr.Open = false
		tr.Reason = err.Error()
		tr.finish(Closed, now)
	}
	return tr
}

func (q *T) trace(url, subID string) *Trace {
	for _, t := range q.traces {
		if t.ID == subID && t.Relay == url {
			return t
		}
	}
	return nil
}

// Owns reports whether the subscription belongs to the query.
func (q *T) Owns(url, subID string) bool { return q.trace(url, subID) != nil }

// add stores events and tells listeners about the new ones.
func (q *T) add(evs ...*event.T) (added int) {
	var fresh []*event.T
	for _, ev := range evs {
		if q.Store.Add(ev) {
			fresh = append(fresh, ev)
		}
	}
	if len(fresh) > 0 {
		q.events.Emit(fresh)
	}
	return len(fresh)
}

// HandleEvent takes an event that arrived on subscription subID of the relay
// at url. An event from outside any relay has an empty url and subID and is
// kept when it matches the query's filters. It reports whether the event
// was new to the query.
func (q *T) HandleEvent(url, subID string, ev *event.T) bool {
	if url == "" && subID == "" {
		if !q.Filters().Match(ev) {
			return false
		}
		return q.add(ev) > 0
	}
	t := q.trace(url, subID)
	if t == nil {
		return false
	}
	t.Events++
	return q.add(ev) > 0
}

// Matches reports whether an event from outside any relay belongs to the
// query.
func (q *T) Matches(ev *event.T) bool { return q.Filters().Match(ev) }

// EOSE marks the trace finished and returns how long the relay took.
func (q *T) EOSE(url, subID string, now time.Time) (latency time.Duration, ok bool) {
	t := q.trace(url, subID)
	if t == nil || t.State != Pending {
		return
	}
	t.finish(Done, now)
	return now.Sub(t.Sent), true
}

// RelayClosed handles the relay ending a subscription. A parked subscription
// waits for authentication and stays pending.
func (q *T) RelayClosed(url, subID, reason string, parked bool, now time.Time) bool {
	t := q.trace(url, subID)
	if t == nil {
		return false
	}
	t.Reason = reason
	if parked {
		return true
	}
	t.Open = false
	if t.State == Pending {
		t.finish(Closed, now)
	}
	return true
}

// ConnectionLost marks the relay's pending traces lost so the query does not
// wait on a relay that is gone.
func (q *T) ConnectionLost(url string, now time.Time) {
	for _, t := range q.traces {
		if t.Relay == url && t.State == Pending {
			t.finish(Lost, now)
		}
	}
}

// ConnectionRestored re-arms traces that were lost or are still open on the
// relay. The connection replays open subscriptions itself, so they are
// pending again from now.
func (q *T) ConnectionRestored(url string, now time.Time) {
	for _, t := range q.traces {
		if t.Relay == url && t.Open && (t.State == Lost || t.State == Pending) {
			t.State, t.Sent, t.Finished = Pending, now, nil
		}
	}
}

// Expire marks traces pending for longer than the timeout as timed out.
func (q *T) Expire(now time.Time) (expired int) {
	for _, t := range q.traces {
		if t.State == Pending && now.Sub(t.Sent) >= q.Timeout {
			t.finish(TimedOut, now)
			expired++
		}
	}
	return
}

// Progress is the finished share of traces. A query with no traces is
// complete.
func (q *T) Progress() float64 {
	if len(q.traces) == 0 {
		return 1
	}
	var done int
	for _, t := range q.traces {
		if t.State != Pending {
			done++
		}
	}
	return float64(done) / float64(len(q.traces))
}

// Complete is true when every trace has finished.
func (q *T) Complete() bool { return q.Progress() == 1 }

// Idle is true when the query is complete and not left open, so its
// subscriptions can be closed.
func (q *T) Idle() bool { return !q.LeaveOpen && q.Complete() }

// CloseTrace closes one subscription on its relay.
func (q *T) CloseTrace(s Sender, url, subID string) {
	t := q.trace(url, subID)
	if t == nil || !t.Open {
		return
	}
	t.Open = false
	chk.D(s.Unsubscribe(t.Relay, t.ID))
}

// CloseSubscriptions closes every open subscription and returns how many
// were closed.
func (q *T) CloseSubscriptions(s Sender) (n int) {
	for _, t := range q.traces {
		if t.Open {
			t.Open = false
			chk.D(s.Unsubscribe(t.Relay, t.ID))
			n++
		}
	}
	return
}

// Observe holds the query open for an observer. Once every observer has
// released it, the query can be removed after the grace period.
func (q *T) Observe() {
	q.observers++
	q.cancelAt = time.Time{}
}

// Release ends one observer's hold.
func (q *T) Release(now time.Time, grace time.Duration) {
	if q.observers > 0 {
		q.observers--
	}
	if q.observers == 0 {
		q.cancelAt = now.Add(grace)
	}
}

// Observers is the number of observers holding the query.
func (q *T) Observers() int { return q.observers }

// CanRemove is true once the query has had no observers for the grace
// period.
func (q *T) CanRemove(now time.Time) bool {
	return q.observers == 0 && !q.cancelAt.IsZero() && !now.Before(q.cancelAt)
}

// Snapshot describes a query.
type Snapshot struct {
	ID        string    `json:"id"`
	Filters   filters.T `json:"filters"`
	Progress  float64   `json:"progress"`
	LeaveOpen bool      `json:"leave_open"`
	Observers int       `json:"observers"`
	Events    int       `json:"events"`
	Created   time.Time `json:"created"`
	Traces    []Trace   `json:"traces"`
}

func (q *T) Snapshot() Snapshot {
	return Snapshot{
		ID:        q.ID,
		Filters:   q.Filters(),
		Progress:  q.Progress(),
		LeaveOpen: q.LeaveOpen,
		Observers: q.observers,
		Events:    q.Store.Len(),
		Created:   q.created,
		Traces:    q.Traces(),
	}
}

// IDs returns the ids asked for by id-only filters.
func IDs(ff filters.T) (ids []string) {
	for _, f := range ff {
		if f.IsIDsOnly() {
			ids = append(ids, f.IDs...)
		}
	}
	return
}
