// Package connection maintains one relay link: it multiplexes subscriptions
// over a websocket, replays them after reconnecting with backoff, answers
// authentication challenges and reports what happens as typed messages.
package connection

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v2"

	"github.com/Hubmakerlabs/feedr/pkg/context"
	"github.com/Hubmakerlabs/feedr/pkg/emitter"
	"github.com/Hubmakerlabs/feedr/pkg/nostr/envelopes"
	"github.com/Hubmakerlabs/feedr/pkg/nostr/event"
	"github.com/Hubmakerlabs/feedr/pkg/nostr/eventid"
	"github.com/Hubmakerlabs/feedr/pkg/nostr/filters"
	"github.com/Hubmakerlabs/feedr/pkg/nostr/kind"
	"github.com/Hubmakerlabs/feedr/pkg/nostr/tags"
	"github.com/Hubmakerlabs/feedr/pkg/nostr/timestamp"
	"github.com/Hubmakerlabs/feedr/pkg/sched"
	"github.com/Hubmakerlabs/feedr/pkg/slog"
)

var log, chk = slog.New(os.Stderr)

var (
	ErrClosed       = errors.New("connection closed")
	ErrTimeout      = errors.New("timed out waiting for relay")
	ErrDisconnected = errors.New("relay disconnected")
)

const (
	DefaultDialTimeout    = 7 * time.Second
	DefaultPingInterval   = 29 * time.Second
	DefaultMinBackoff     = 2 * time.Second
	DefaultMaxBackoff     = 5 * time.Minute
	DefaultPublishTimeout = 10 * time.Second
	DefaultAuthTimeout    = 3 * time.Second
)

// State is where a connection is in its lifecycle.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateAuthenticating
	StateReady
	StateReconnecting
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateAuthenticating:
		return "authenticating"
	case StateReady:
		return "ready"
	case StateReconnecting:
		return "reconnecting"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// Settings are the read and write intents for a relay.
type Settings struct {
	Read  bool `json:"read" yaml:"read"`
	Write bool `json:"write" yaml:"write"`
}

// Merge is the union of both intents.
func (s Settings) Merge(o Settings) Settings {
	return Settings{Read: s.Read || o.Read, Write: s.Write || o.Write}
}

// Signer signs an authentication event in place.
type Signer func(ev *event.T) error

// Options configures a connection. Zero values take the defaults.
type Options struct {
	Dialer Dialer
	Sched  *sched.T
	// Signer answers AUTH challenges. Without one challenges are only
	// reported.
	Signer Signer
	// KeepAlive reports whether the relay is still wanted after the socket
	// drops. Nil always reconnects.
	KeepAlive      func(url string) bool
	DialTimeout    time.Duration
	PingInterval   time.Duration
	MinBackoff     time.Duration
	MaxBackoff     time.Duration
	PublishTimeout time.Duration
	AuthTimeout    time.Duration
}

func (o *Options) defaults() {
	if o.Dialer == nil {
		o.Dialer = WSDialer{}
	}
	if o.Sched == nil {
		o.Sched = sched.New(nil)
	}
	if o.DialTimeout <= 0 {
		o.DialTimeout = DefaultDialTimeout
	}
	if o.PingInterval <= 0 {
		o.PingInterval = DefaultPingInterval
	}
	if o.MinBackoff <= 0 {
		o.MinBackoff = DefaultMinBackoff
	}
	if o.MaxBackoff <= 0 {
		o.MaxBackoff = DefaultMaxBackoff
	}
	if o.PublishTimeout <= 0 {
		o.PublishTimeout = DefaultPublishTimeout
	}
	if o.AuthTimeout <= 0 {
		o.AuthTimeout = DefaultAuthTimeout
	}
}

type writeRequest struct {
	msg    []byte
	answer chan error
}

// session is one open socket. A reconnect makes a new one.
type session struct {
	sock   Socket
	c      context.T
	cancel context.F
	writes chan writeRequest
}

type okResult struct {
	ok     bool
	reason string
}

// T is a connection to one relay.
type T struct {
	URL string

	opts        Options
	messages    *emitter.T[Message]
	subs        *xsync.MapOf[string, filters.T]
	parked      *xsync.MapOf[string, filters.T]
	okCallbacks *xsync.MapOf[string, func(ok bool, reason string)]
	state       atomic.Int32
	received    atomic.Int64
	authing     atomic.Bool
	authed      atomic.Bool
	closed      chan struct{}

	mx        sync.Mutex
	settings  Settings
	ephemeral bool
	sess      *session
	pending   [][]byte
	ready     chan struct{}
	connected bool
	backoff   time.Duration
	stopRetry func() bool
}

// New creates a disconnected connection to a normalized relay address.
func New(url string, settings Settings, ephemeral bool, opts Options) (r *T) {
	opts.defaults()
	r = &T{
		URL:         url,
		opts:        opts,
		messages:    emitter.New[Message](),
		subs:        xsync.NewMapOf[filters.T](),
		parked:      xsync.NewMapOf[filters.T](),
		okCallbacks: xsync.NewMapOf[func(bool, string)](),
		closed:      make(chan struct{}),
		settings:    settings,
		ephemeral:   ephemeral,
		ready:       make(chan struct{}),
	}
	return
}

func (r *T) String() string { return r.URL }

// On registers a listener for everything the connection reports. Listeners
// run on the connection's reader goroutine and must not block on it.
func (r *T) On(fn func(Message)) (off func()) { return r.messages.On(fn) }

func (r *T) State() State { return State(r.state.Load()) }

func (r *T) setState(s State) {
	if old := State(r.state.Swap(int32(s))); old != s {
		log.T.F("{%s} %s -> %s", r.URL, old, s)
	}
}

// Settings are the current read and write intents.
func (r *T) Settings() Settings {
	r.mx.Lock()
	defer r.mx.Unlock()
	return r.settings
}

// Ephemeral reports whether the connection was opened for a one-off use.
func (r *T) Ephemeral() bool {
	r.mx.Lock()
	defer r.mx.Unlock()
	return r.ephemeral
}

// Upgrade merges settings into the current ones and makes the connection
// durable when ephemeral is false. A durable connection never becomes
// ephemeral again. It reports whether anything changed.
func (r *T) Upgrade(settings Settings, ephemeral bool) (changed bool) {
	r.mx.Lock()
	defer r.mx.Unlock()
	merged := r.settings.Merge(settings)
	if merged != r.settings {
		r.settings, changed = merged, true
	}
	if r.ephemeral && !ephemeral {
		r.ephemeral, changed = false, true
	}
	return
}

// Connect dials the relay unless a socket is already open or being opened.
// A failed dial schedules a retry with backoff and returns the error.
func (r *T) Connect(c context.T) (err error) {
	r.mx.Lock()
	switch r.State() {
	case StateClosed:
		r.mx.Unlock()
		return ErrClosed
	case StateConnecting, StateConnected, StateAuthenticating, StateReady:
		r.mx.Unlock()
		return
	}
	if r.stopRetry != nil {
		r.stopRetry()
		r.stopRetry = nil
	}
	r.setState(StateConnecting)
	r.mx.Unlock()

	dc, cancel := context.Timeout(c, r.opts.DialTimeout)
	defer cancel()
	var sock Socket
	if sock, err = r.opts.Dialer.Dial(dc, r.URL); err != nil {
		log.D.F("{%s} %v", r.URL, err)
		r.mx.Lock()
		if r.State() == StateConnecting {
			r.setState(StateDisconnected)
		}
		r.mx.Unlock()
		r.retry()
		return fmt.Errorf("error opening websocket to '%s': %w", r.URL, err)
	}
	sc, scancel := context.Cancel(context.Bg())
	sess := &session{sock: sock, c: sc, cancel: scancel,
		writes: make(chan writeRequest)}
	r.mx.Lock()
	if r.State() == StateClosed {
		r.mx.Unlock()
		scancel()
		chk.T(sock.Close())
		return ErrClosed
	}
	r.sess = sess
	wasReconnect := r.connected
	r.connected = true
	r.backoff = 0
	pending := r.pending
	r.pending = nil
	r.authed.Store(false)
	r.setState(StateConnected)
	r.mx.Unlock()

	go r.writeLoop(sess)
	go r.readLoop(sess)
	r.subs.Range(func(id string, ff filters.T) bool {
		chk.D(r.write(sess, envelopes.Marshal(&envelopes.Req{SubscriptionID: id, Filters: ff})))
		return true
	})
	for _, msg := range pending {
		chk.D(r.write(sess, msg))
	}
	r.mx.Lock()
	if r.sess == sess && r.State() == StateConnected {
		r.markReady()
	}
	r.mx.Unlock()
	log.D.F("{%s} connected", r.URL)
	r.messages.Emit(Connected{URL: r.URL, WasReconnect: wasReconnect})
	return
}

// markReady is called with mx held.
func (r *T) markReady() {
	r.setState(StateReady)
	select {
	case <-r.ready:
	default:
		close(r.ready)
	}
}

// retry schedules the next dial when the relay is still wanted.
func (r *T) retry() {
	keep := r.opts.KeepAlive == nil || r.opts.KeepAlive(r.URL)
	r.mx.Lock()
	defer r.mx.Unlock()
	if r.State() == StateClosed {
		return
	}
	if !keep {
		r.setState(StateDisconnected)
		return
	}
	if r.backoff == 0 {
		r.backoff = r.opts.MinBackoff
	} else if r.backoff *= 2; r.backoff > r.opts.MaxBackoff {
		r.backoff = r.opts.MaxBackoff
	}
	delay := r.backoff
	r.setState(StateReconnecting)
	log.D.F("{%s} reconnecting in %v", r.URL, delay)
	r.stopRetry = r.opts.Sched.After(delay, func() {
		r.mx.Lock()
		st := r.State()
		r.mx.Unlock()
		if st != StateReconnecting {
			return
		}
		chk.D(r.Connect(context.Bg()))
	})
}

// Backoff is the delay before the pending or most recent retry.
func (r *T) Backoff() time.Duration {
	r.mx.Lock()
	defer r.mx.Unlock()
	return r.backoff
}

// WaitReady blocks until the connection is ready, closed or c is done.
func (r *T) WaitReady(c context.T) error {
	r.mx.Lock()
	ready := r.ready
	r.mx.Unlock()
	select {
	case <-ready:
		return nil
	case <-r.closed:
		return ErrClosed
	case <-c.Done():
		return fmt.Errorf("%w: %v", ErrTimeout, c.Err())
	}
}

// Close ends the connection for good. Pending retries are cancelled.
func (r *T) Close() {
	r.mx.Lock()
	if r.State() == StateClosed {
		r.mx.Unlock()
		return
	}
	r.setState(StateClosed)
	close(r.closed)
	if r.stopRetry != nil {
		r.stopRetry()
		r.stopRetry = nil
	}
	sess := r.sess
	r.sess, r.pending = nil, nil
	r.mx.Unlock()
	if sess != nil {
		sess.cancel()
		chk.T(sess.sock.Close())
		r.messages.Emit(Disconnect{URL: r.URL, Err: ErrClosed})
	}
}

// lost tears down a failed session and starts reconnecting.
func (r *T) lost(sess *session, err error) {
	r.mx.Lock()
	if r.sess != sess {
		r.mx.Unlock()
		return
	}
	r.sess, r.pending = nil, nil
	r.ready = make(chan struct{})
	r.setState(StateDisconnected)
	r.mx.Unlock()
	sess.cancel()
	chk.T(sess.sock.Close())
	log.D.F("{%s} disconnected: %v", r.URL, err)
	r.messages.Emit(Disconnect{URL: r.URL, Err: err})
	r.retry()
}

// writeLoop serializes writes and pings for one session.
func (r *T) writeLoop(sess *session) {
	ticker := r.opts.Sched.Clock().Ticker(r.opts.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := sess.sock.Ping(); err != nil {
				log.D.F("{%s} error writing ping: %v; closing websocket", r.URL, err)
				r.lost(sess, err)
				return
			}
		case w := <-sess.writes:
			err := sess.sock.WriteMessage(w.msg)
			if err != nil {
				w.answer <- err
			}
			close(w.answer)
			if err != nil {
				r.lost(sess, err)
				return
			}
		case <-sess.c.Done():
			return
		}
	}
}

func (r *T) write(sess *session, msg []byte) error {
	answer := make(chan error, 1)
	select {
	case sess.writes <- writeRequest{msg: msg, answer: answer}:
	case <-sess.c.Done():
		return ErrDisconnected
	}
	select {
	case err := <-answer:
		return err
	case <-sess.c.Done():
		return ErrDisconnected
	}
}

// send writes msg now, or queues it until the next connect when no socket
// is open. The queue is dropped if that socket fails.
func (r *T) send(msg []byte) error {
	r.mx.Lock()
	if r.State() == StateClosed {
		r.mx.Unlock()
		return ErrClosed
	}
	sess := r.sess
	if sess == nil {
		r.pending = append(r.pending, msg)
		r.mx.Unlock()
		return nil
	}
	r.mx.Unlock()
	return r.write(sess, msg)
}

func (r *T) readLoop(sess *session) {
	buf := new(bytes.Buffer)
	for {
		buf.Reset()
		if err := sess.sock.ReadMessage(sess.c, buf); err != nil {
			r.lost(sess, err)
			return
		}
		log.T.F("{%s} %s", r.URL, buf.Bytes())
		r.dispatch(buf.Bytes())
	}
}

func (r *T) dispatch(msg []byte) {
	env, err := envelopes.Parse(msg)
	if err != nil {
		log.D.F("{%s} dropping message: %v", r.URL, err)
		return
	}
	switch env := env.(type) {
	case *envelopes.Event:
		ff, ok := r.subs.Load(env.SubscriptionID)
		if !ok {
			log.T.F("{%s} no subscription with id '%s'", r.URL, env.SubscriptionID)
			return
		}
		if !ff.Match(env.Event) {
			log.D.F("{%s} filter does not match: %v ~ %v", r.URL, ff, env.Event)
			return
		}
		r.received.Add(1)
		r.messages.Emit(Event{URL: r.URL, SubscriptionID: env.SubscriptionID,
			Event: env.Event})
	case *envelopes.EOSE:
		if _, ok := r.subs.Load(env.SubscriptionID); ok {
			r.messages.Emit(EOSE{URL: r.URL, SubscriptionID: env.SubscriptionID})
		}
	case *envelopes.OK:
		if cb, ok := r.okCallbacks.Load(string(env.ID)); ok {
			cb(env.OK, env.Reason)
		}
	case *envelopes.Notice:
		log.D.F("NOTICE from %s: '%s'", r.URL, env.Message)
		r.messages.Emit(Notice{URL: r.URL, Message: env.Message})
	case *envelopes.AuthChallenge:
		if env.Challenge == "" {
			return
		}
		r.messages.Emit(Auth{URL: r.URL, Challenge: env.Challenge})
		if r.opts.Signer != nil {
			go r.authenticate(env.Challenge)
		}
	case *envelopes.Closed:
		ff, ok := r.subs.LoadAndDelete(env.SubscriptionID)
		if !ok {
			return
		}
		parked := r.opts.Signer != nil && !r.authed.Load() &&
			envelopes.ReasonPrefix(env.Reason) == envelopes.ReasonAuthRequired
		if parked {
			r.parked.Store(env.SubscriptionID, ff)
		}
		log.D.F("{%s} subscription %s closed: %s", r.URL, env.SubscriptionID, env.Reason)
		r.messages.Emit(Closed{URL: r.URL, SubscriptionID: env.SubscriptionID,
			Reason: env.Reason, Parked: parked})
	}
}

// authenticate answers a challenge and resends the subscriptions that were
// refused for lack of it.
func (r *T) authenticate(challenge string) {
	if !r.authing.CompareAndSwap(false, true) {
		return
	}
	defer r.authing.Store(false)
	r.mx.Lock()
	if st := r.State(); st == StateConnected || st == StateReady {
		r.setState(StateAuthenticating)
	}
	r.mx.Unlock()
	ev := &event.T{
		CreatedAt: timestamp.Now(),
		Kind:      kind.ClientAuthentication,
		Tags: tags.T{
			{"relay", r.URL},
			{"challenge", challenge},
		},
	}
	var ok bool
	var reason string
	err := r.opts.Signer(ev)
	if !chk.E(err) {
		c, cancel := context.Timeout(context.Bg(), r.opts.AuthTimeout)
		ok, reason, err = r.roundTrip(c, &envelopes.AuthResponse{Event: ev}, ev.ID)
		cancel()
		chk.D(err)
	}
	r.mx.Lock()
	if r.State() == StateAuthenticating && r.sess != nil {
		r.markReady()
	}
	r.mx.Unlock()
	if ok {
		r.authed.Store(true)
		r.parked.Range(func(id string, ff filters.T) bool {
			r.parked.Delete(id)
			chk.D(r.Subscribe(id, ff))
			return true
		})
	} else {
		log.W.F("{%s} authentication failed: %s", r.URL, reason)
	}
	r.messages.Emit(Auth{URL: r.URL, Challenge: challenge, Done: true, OK: ok})
}

// roundTrip sends env and waits for the OK carrying id.
func (r *T) roundTrip(c context.T, env envelopes.Envelope,
	id eventid.T) (ok bool, reason string, err error) {

	res := make(chan okResult, 1)
	r.okCallbacks.Store(string(id), func(ok bool, reason string) {
		select {
		case res <- okResult{ok, reason}:
		default:
		}
	})
	defer r.okCallbacks.Delete(string(id))
	if err = r.send(envelopes.Marshal(env)); err != nil {
		return
	}
	select {
	case o := <-res:
		return o.ok, o.reason, nil
	case <-r.closed:
		return false, "", ErrClosed
	case <-c.Done():
		return false, "", fmt.Errorf("%w: %v", ErrTimeout, c.Err())
	}
}

// Publish sends ev and waits for the relay's OK. Without a deadline on c it
// waits at most the publish timeout.
func (r *T) Publish(c context.T, ev *event.T) (ok bool, reason string, err error) {
	if _, has := c.Deadline(); !has {
		var cancel context.F
		c, cancel = context.Timeout(c, r.opts.PublishTimeout)
		defer cancel()
	}
	log.D.F("{%s} publishing %s", r.URL, ev.ID)
	return r.roundTrip(c, &envelopes.Event{Event: ev}, ev.ID)
}

// Subscribe opens or replaces subscription id. It is sent now when the
// socket is open and replayed on every connect until Unsubscribe.
func (r *T) Subscribe(id string, ff filters.T) error {
	r.subs.Store(id, ff)
	r.parked.Delete(id)
	r.mx.Lock()
	sess := r.sess
	r.mx.Unlock()
	if sess == nil {
		return nil
	}
	return r.write(sess, envelopes.Marshal(&envelopes.Req{SubscriptionID: id, Filters: ff}))
}

// Unsubscribe closes subscription id.
func (r *T) Unsubscribe(id string) error {
	r.parked.Delete(id)
	if _, ok := r.subs.LoadAndDelete(id); !ok {
		return nil
	}
	r.mx.Lock()
	sess := r.sess
	r.mx.Unlock()
	if sess == nil {
		return nil
	}
	return r.write(sess, envelopes.Marshal(&envelopes.Close{SubscriptionID: id}))
}

// Subscriptions are the ids of the open subscriptions, sorted.
func (r *T) Subscriptions() (ids []string) {
	r.subs.Range(func(id string, _ filters.T) bool {
		ids = append(ids, id)
		return true
	})
	sort.Strings(ids)
	return
}

// Received is the number of subscription events accepted from the relay.
func (r *T) Received() int64 { return r.received.Load() }

// Snapshot is a point in time description of a connection.
type Snapshot struct {
	URL           string        `json:"url"`
	State         string        `json:"state"`
	Settings      Settings      `json:"settings"`
	Ephemeral     bool          `json:"ephemeral"`
	Subscriptions []string      `json:"subscriptions"`
	Parked        []string      `json:"parked,omitempty"`
	Pending       int           `json:"pending"`
	Received      int64         `json:"received"`
	Backoff       time.Duration `json:"backoff,omitempty"`
}

func (r *T) Snapshot() (s Snapshot) {
	r.mx.Lock()
	s = Snapshot{
		URL:       r.URL,
		State:     r.State().String(),
		Settings:  r.settings,
		Ephemeral: r.ephemeral,
		Pending:   len(r.pending),
		Received:  r.received.Load(),
		Backoff:   r.backoff,
	}
	r.mx.Unlock()
	s.Subscriptions = r.Subscriptions()
	r.parked.Range(func(id string, _ filters.T) bool {
		s.Parked = append(s.Parked, id)
		return true
	})
	sort.Strings(s.Parked)
	return
}
