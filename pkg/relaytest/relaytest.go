// Package relaytest runs an in-process relay for tests. It stores published
// events, answers subscriptions with stored matches and EOSE, and forwards
// new events to live subscriptions. Knobs make it withhold OK replies, hold
// back EOSE or demand authentication.
package relaytest

import (
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/fasthttp/websocket"

	"github.com/Hubmakerlabs/feedr/pkg/nostr/envelopes"
	"github.com/Hubmakerlabs/feedr/pkg/nostr/event"
	"github.com/Hubmakerlabs/feedr/pkg/nostr/filters"
	"github.com/Hubmakerlabs/feedr/pkg/nostr/kind"
	"github.com/Hubmakerlabs/feedr/pkg/slog"
)

var log, chk = slog.New(os.Stderr)

// Relay is a fake relay listening on a local httptest server.
type Relay struct {
	*httptest.Server
	// URL is the websocket address of the relay.
	URL string

	// WithholdOK stops the relay answering published events.
	WithholdOK atomic.Bool
	// HoldEOSE stops the relay sending EOSE after stored events.
	HoldEOSE atomic.Bool
	// Reject makes the relay answer published events with OK false.
	Reject atomic.Bool

	upgrader  websocket.Upgrader
	mx        sync.Mutex
	challenge string
	events    []*event.T
	received  []envelopes.Envelope
	clients   map[*client]struct{}
	connects  int
}

type client struct {
	conn   *websocket.Conn
	wmx    sync.Mutex
	smx    sync.Mutex
	subs   map[string]filters.T
	authed bool
}

func (c *client) write(env envelopes.Envelope) {
	c.wmx.Lock()
	defer c.wmx.Unlock()
	log.T.Ln("relay sending", string(envelopes.Marshal(env)))
	chk.T(c.conn.WriteMessage(websocket.TextMessage, envelopes.Marshal(env)))
}

// New starts a relay that is shut down when the test ends.
func New(t testing.TB) (r *Relay) {
	r = &Relay{clients: make(map[*client]struct{})}
	r.Server = httptest.NewServer(http.HandlerFunc(r.handle))
	r.URL = "ws" + strings.TrimPrefix(r.Server.URL, "http")
	t.Cleanup(r.Close)
	return
}

// RequireAuth makes the relay send challenge to every new client and refuse
// subscriptions with CLOSED auth-required until the client authenticates.
func (r *Relay) RequireAuth(challenge string) {
	r.mx.Lock()
	defer r.mx.Unlock()
	r.challenge = challenge
}

// Store adds events as if they had been published earlier.
func (r *Relay) Store(evs ...*event.T) {
	r.mx.Lock()
	defer r.mx.Unlock()
	r.events = append(r.events, evs...)
}

// Publish stores ev and sends it to every live subscription it matches.
func (r *Relay) Publish(ev *event.T) {
	r.mx.Lock()
	r.events = append(r.events, ev)
	clients := make([]*client, 0, len(r.clients))
	for cl := range r.clients {
		clients = append(clients, cl)
	}
	r.mx.Unlock()
	for _, cl := range clients {
		cl.smx.Lock()
		var ids []string
		for id, ff := range cl.subs {
			if ff.Match(ev) {
				ids = append(ids, id)
			}
		}
		cl.smx.Unlock()
		for _, id := range ids {
			cl.write(&envelopes.Event{SubscriptionID: id, Event: ev})
		}
	}
}

// Received is every message clients have sent, in arrival order.
func (r *Relay) Received() []envelopes.Envelope {
	r.mx.Lock()
	defer r.mx.Unlock()
	return append([]envelopes.Envelope(nil), r.received...)
}

// Count is the number of received messages with the given label.
func (r *Relay) Count(label string) (n int) {
	for _, env := range r.Received() {
		if env.Label() == label {
			n++
		}
	}
	return
}

// Connects is the number of websocket connections accepted so far.
func (r *Relay) Connects() int {
	r.mx.Lock()
	defer r.mx.Unlock()
	return r.connects
}

// Drop closes every client connection without a close handshake, as a
// network failure would.
func (r *Relay) Drop() {
	r.mx.Lock()
	defer r.mx.Unlock()
	for cl := range r.clients {
		chk.T(cl.conn.UnderlyingConn().Close())
	}
}

// Close drops all clients and stops the server.
func (r *Relay) Close() {
	r.Drop()
	r.Server.CloseClientConnections()
	r.Server.Close()
}

func (r *Relay) handle(w http.ResponseWriter, req *http.Request) {
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if chk.E(err) {
		return
	}
	cl := &client{conn: conn, subs: make(map[string]filters.T)}
	r.mx.Lock()
	r.clients[cl] = struct{}{}
	r.connects++
	challenge := r.challenge
	r.mx.Unlock()
	defer func() {
		r.mx.Lock()
		delete(r.clients, cl)
		r.mx.Unlock()
		chk.T(conn.Close())
	}()
	if challenge != "" {
		cl.write(&envelopes.AuthChallenge{Challenge: challenge})
	}
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			log.T.Ln("relay client gone:", err)
			return
		}
		env, err := envelopes.Parse(msg)
		if chk.D(err) {
			cl.write(&envelopes.Notice{Message: "error: " + err.Error()})
			continue
		}
		r.mx.Lock()
		r.received = append(r.received, env)
		r.mx.Unlock()
		r.process(cl, challenge, env)
	}
}

func (r *Relay) process(cl *client, challenge string, env envelopes.Envelope) {
	switch env := env.(type) {
	case *envelopes.Req:
		cl.smx.Lock()
		authed := cl.authed
		cl.smx.Unlock()
		if challenge != "" && !authed {
			cl.write(&envelopes.Closed{SubscriptionID: env.SubscriptionID,
				Reason: envelopes.ReasonAuthRequired + ": log in first"})
			return
		}
		cl.smx.Lock()
		cl.subs[env.SubscriptionID] = env.Filters
		cl.smx.Unlock()
		for _, ev := range r.stored(env.Filters) {
			cl.write(&envelopes.Event{SubscriptionID: env.SubscriptionID, Event: ev})
		}
		if !r.HoldEOSE.Load() {
			cl.write(&envelopes.EOSE{SubscriptionID: env.SubscriptionID})
		}
	case *envelopes.Close:
		cl.smx.Lock()
		delete(cl.subs, env.SubscriptionID)
		cl.smx.Unlock()
	case *envelopes.Event:
		if r.WithholdOK.Load() {
			return
		}
		if !env.Event.Verify() {
			cl.write(&envelopes.OK{ID: env.Event.ID,
				Reason: envelopes.ReasonInvalid + ": bad signature"})
			return
		}
		if r.Reject.Load() {
			cl.write(&envelopes.OK{ID: env.Event.ID,
				Reason: envelopes.ReasonRestricted + ": not accepted"})
			return
		}
		cl.write(&envelopes.OK{ID: env.Event.ID, OK: true})
		r.Publish(env.Event)
	case *envelopes.AuthResponse:
		ev := env.Event
		ok := ev.Verify() && ev.Kind == kind.ClientAuthentication &&
			ev.Tags.GetFirst([]string{"challenge", challenge}) != nil
		if ok {
			cl.smx.Lock()
			cl.authed = true
			cl.smx.Unlock()
			cl.write(&envelopes.OK{ID: ev.ID, OK: true})
			return
		}
		cl.write(&envelopes.OK{ID: ev.ID, Reason: envelopes.ReasonInvalid + ": bad auth"})
	}
}

// stored returns the stored events matching ff, each filter's matches newest
// first and cut to its limit.
func (r *Relay) stored(ff filters.T) (out []*event.T) {
	r.mx.Lock()
	defer r.mx.Unlock()
	seen := make(map[string]struct{})
	for _, f := range ff {
		var n int
		for i := len(r.events) - 1; i >= 0; i-- {
			ev := r.events[i]
			if !f.Matches(ev) || !f.MatchesSearch(ev) {
				continue
			}
			if _, ok := seen[string(ev.ID)]; ok {
				continue
			}
			seen[string(ev.ID)] = struct{}{}
			out = append(out, ev)
			n++
			if f.Limit > 0 && n >= f.Limit {
				break
			}
		}
	}
	return
}
