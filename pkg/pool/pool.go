// Package pool owns every relay connection, indexed by normalized address.
// Callers refer to relays by address and resolve them here when sending.
package pool

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/fiatjaf/generic-ristretto/z"
	"github.com/puzpuzpuz/xsync/v2"
	"golang.org/x/sync/errgroup"

	"github.com/Hubmakerlabs/feedr/pkg/connection"
	"github.com/Hubmakerlabs/feedr/pkg/context"
	"github.com/Hubmakerlabs/feedr/pkg/emitter"
	"github.com/Hubmakerlabs/feedr/pkg/metrics"
	"github.com/Hubmakerlabs/feedr/pkg/nostr/event"
	"github.com/Hubmakerlabs/feedr/pkg/nostr/filters"
	"github.com/Hubmakerlabs/feedr/pkg/nostr/normalize"
	"github.com/Hubmakerlabs/feedr/pkg/slog"
)

var log, chk = slog.New(os.Stderr)

var ErrInvalidAddress = errors.New("invalid relay address")

// DefaultBroadcastTimeout bounds waiting for a relay to be ready and to
// acknowledge a published event.
const DefaultBroadcastTimeout = 10 * time.Second

const MaxLocks = 50

var namedMutexPool = make([]sync.Mutex, MaxLocks)

func namedLock(name string) (unlock func()) {
	idx := z.MemHashString(name) % MaxLocks
	namedMutexPool[idx].Lock()
	return namedMutexPool[idx].Unlock
}

// Outbox suggests extra relays that should receive an event.
type Outbox interface {
	PickRelaysForReply(ev *event.T) []string
}

// Options configures a pool.
type Options struct {
	// Connection is the template for every new connection.
	Connection       connection.Options
	Outbox           Outbox
	Metrics          *metrics.T
	BroadcastTimeout time.Duration
}

// Result is one relay's answer to a published event.
type Result struct {
	URL    string `json:"url"`
	OK     bool   `json:"ok"`
	Reason string `json:"reason,omitempty"`
}

// T is the connection pool.
type T struct {
	opts     Options
	conns    *xsync.MapOf[string, *connection.T]
	offs     *xsync.MapOf[string, func()]
	messages *emitter.T[connection.Message]
}

func New(opts Options) *T {
	if opts.Metrics == nil {
		opts.Metrics = metrics.New(nil)
	}
	if opts.BroadcastTimeout <= 0 {
		opts.BroadcastTimeout = DefaultBroadcastTimeout
	}
	return &T{
		opts:     opts,
		conns:    xsync.NewMapOf[*connection.T](),
		offs:     xsync.NewMapOf[func()](),
		messages: emitter.New[connection.Message](),
	}
}

// On registers a listener for the messages of every connection.
func (p *T) On(fn func(connection.Message)) (off func()) { return p.messages.On(fn) }

// Metrics is the pool's relay health table.
func (p *T) Metrics() *metrics.T { return p.opts.Metrics }

func (p *T) relay(msg connection.Message) {
	p.opts.Metrics.Observe(msg)
	p.messages.Emit(msg)
}

// Get resolves an address to its connection.
func (p *T) Get(url string) (conn *connection.T, ok bool) {
	nm, err := normalize.Relay(url)
	if err != nil {
		return
	}
	return p.conns.Load(nm)
}

// URLs are the addresses of every connection, sorted.
func (p *T) URLs() (urls []string) {
	p.conns.Range(func(url string, _ *connection.T) bool {
		urls = append(urls, url)
		return true
	})
	sort.Strings(urls)
	return
}

// Add returns the connection for url, creating it without dialing if
// needed. An existing connection takes the union of both settings and is
// made durable if ephemeral is false, never the reverse.
func (p *T) Add(url string, settings connection.Settings,
	ephemeral bool) (conn *connection.T, err error) {

	var nm string
	if nm, err = normalize.Relay(url); err != nil {
		return nil, fmt.Errorf("%w: '%s'", ErrInvalidAddress, url)
	}
	defer namedLock(nm)()
	var ok bool
	if conn, ok = p.conns.Load(nm); ok && conn.State() != connection.StateClosed {
		if conn.Upgrade(settings, ephemeral) {
			log.D.F("{%s} settings now %+v ephemeral %v", nm, conn.Settings(),
				conn.Ephemeral())
		}
		return
	}
	conn = connection.New(nm, settings, ephemeral, p.opts.Connection)
	p.offs.Store(nm, conn.On(p.relay))
	p.conns.Store(nm, conn)
	return
}

// Connect is Add followed by dialing the relay if it is not already
// connected. A failed dial still returns the connection, which keeps
// retrying in the background.
func (p *T) Connect(c context.T, url string, settings connection.Settings,
	ephemeral bool) (conn *connection.T, err error) {

	if conn, err = p.Add(url, settings, ephemeral); err != nil {
		return
	}
	err = conn.Connect(c)
	return
}

// Disconnect closes and forgets the connection to url.
func (p *T) Disconnect(url string) {
	nm, err := normalize.Relay(url)
	if err != nil {
		return
	}
	defer namedLock(nm)()
	p.disconnect(nm)
}

func (p *T) disconnect(nm string) {
	conn, ok := p.conns.LoadAndDelete(nm)
	if !ok {
		return
	}
	conn.Close()
	if off, ok := p.offs.LoadAndDelete(nm); ok {
		off()
	}
	log.D.F("{%s} removed from pool", nm)
}

// Close closes every connection.
func (p *T) Close() {
	for _, url := range p.URLs() {
		p.Disconnect(url)
	}
}

// Subscribe opens subscription id with ff on the relay at url, which must
// already be in the pool.
func (p *T) Subscribe(url, id string, ff filters.T) error {
	conn, ok := p.Get(url)
	if !ok {
		return fmt.Errorf("%w: '%s' is not connected", ErrInvalidAddress, url)
	}
	return conn.Subscribe(id, ff)
}

// Unsubscribe closes subscription id on the relay at url, if there is one.
func (p *T) Unsubscribe(url, id string) error {
	conn, ok := p.Get(url)
	if !ok {
		return nil
	}
	return conn.Unsubscribe(id)
}

// Prune closes ephemeral connections with no open subscriptions that keep
// does not claim, and returns their addresses.
func (p *T) Prune(keep func(url string) bool) (closed []string) {
	for _, url := range p.URLs() {
		unlock := namedLock(url)
		conn, ok := p.conns.Load(url)
		if ok && conn.Ephemeral() && len(conn.Subscriptions()) == 0 &&
			(keep == nil || !keep(url)) {
			p.disconnect(url)
			closed = append(closed, url)
		}
		unlock()
	}
	return
}

func (p *T) publish(c context.T, conn *connection.T, ev *event.T) (res Result, err error) {
	if err = conn.WaitReady(c); err != nil {
		return
	}
	res.URL = conn.URL
	res.OK, res.Reason, err = conn.Publish(c, ev)
	return
}

// Broadcast publishes ev to every durable write connection and to the relays
// the outbox suggests, in parallel. Relays that fail or time out are left
// out of the results, which are sorted by address.
func (p *T) Broadcast(c context.T, ev *event.T) (results []Result) {
	targets := make(map[string]struct{})
	p.conns.Range(func(url string, conn *connection.T) bool {
		if !conn.Ephemeral() && conn.Settings().Write &&
			conn.State() != connection.StateClosed {
			targets[url] = struct{}{}
		}
		return true
	})
	if p.opts.Outbox != nil {
		for _, u := range p.opts.Outbox.PickRelaysForReply(ev) {
			if nm, err := normalize.Relay(u); err == nil {
				targets[nm] = struct{}{}
			}
		}
	}
	var mx sync.Mutex
	var g errgroup.Group
	for url := range targets {
		url := url
		g.Go(func() error {
			res, err := p.BroadcastTo(c, url, ev)
			if err != nil {
				log.D.F("{%s} broadcast of %s failed: %v", url, ev.ID, err)
				return nil
			}
			mx.Lock()
			results = append(results, res)
			mx.Unlock()
			return nil
		})
	}
	chk.E(g.Wait())
	sort.Slice(results, func(i, j int) bool { return results[i].URL < results[j].URL })
	return
}

// BroadcastTo publishes ev to one relay. A relay not yet in the pool gets an
// ephemeral connection that is closed again once the relay has answered.
func (p *T) BroadcastTo(c context.T, url string, ev *event.T) (res Result, err error) {
	c, cancel := context.Timeout(c, p.opts.BroadcastTimeout)
	defer cancel()
	_, existed := p.Get(url)
	var conn *connection.T
	if conn, err = p.Connect(c, url, connection.Settings{Write: true}, true); err != nil {
		if conn == nil {
			return
		}
		log.D.F("{%s} %v, waiting for retry", conn.URL, err)
		err = nil
	}
	if !existed {
		defer func() {
			unlock := namedLock(conn.URL)
			defer unlock()
			if cur, ok := p.conns.Load(conn.URL); ok && cur == conn &&
				conn.Ephemeral() && len(conn.Subscriptions()) == 0 {
				p.disconnect(conn.URL)
			}
		}()
	}
	return p.publish(c, conn, ev)
}

// Snapshot describes one connection with its health counters.
type Snapshot struct {
	connection.Snapshot
	Metrics metrics.Snapshot `json:"metrics"`
}

// Snapshot describes every connection, sorted by address.
func (p *T) Snapshot() (out []Snapshot) {
	for _, url := range p.URLs() {
		conn, ok := p.conns.Load(url)
		if !ok {
			continue
		}
		m, _ := p.opts.Metrics.Get(url)
		out = append(out, Snapshot{Snapshot: conn.Snapshot(), Metrics: m})
	}
	return
}
