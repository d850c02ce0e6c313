package system

import (
	"github.com/Hubmakerlabs/feedr/pkg/connection"
	"github.com/Hubmakerlabs/feedr/pkg/nostr/event"
)

// intake checks an event before it is handed to the loop. An id already in
// the cache is answered with the cached copy, which was checked on its way
// in, so the signature is not verified again.
func (s *T) intake(ev *event.T, skipVerify bool) (out *event.T, ok bool) {
	if ev == nil || !ev.IsValid() {
		log.D.Ln("dropping malformed event")
		return
	}
	if cached := s.Cache.Get(ev.ID); cached != nil {
		for _, r := range ev.Relays {
			cached.AddRelay(r)
		}
		return cached, true
	}
	if skipVerify || s.opts.SkipVerify {
		return ev, true
	}
	if !ev.Verify() {
		log.D.F("dropping unverified event %s from %v", ev.ID, ev.Relays)
		return
	}
	return ev, true
}

// relayMessage runs on the goroutine of the connection that sent msg.
func (s *T) relayMessage(msg connection.Message) {
	if m, ok := msg.(connection.Event); ok {
		ev, ok := s.intake(m.Event, false)
		if !ok {
			return
		}
		ev.AddRelay(m.URL)
		m.Event = ev
		msg = m
	}
	chk.T(s.post(func() { s.handle(msg) }))
}

func (s *T) handle(msg connection.Message) {
	now := s.sched.Now()
	switch m := msg.(type) {
	case connection.Event:
		if s.Cache.Insert(m.Event) {
			s.events.Emit(m.Event)
		}
		for _, q := range s.queries {
			if q.Owns(m.URL, m.SubscriptionID) {
				q.HandleEvent(m.URL, m.SubscriptionID, m.Event)
				break
			}
		}
	case connection.EOSE:
		for _, q := range s.queries {
			latency, ok := q.EOSE(m.URL, m.SubscriptionID, now)
			if !ok {
				continue
			}
			s.Pool.Metrics().EOSE(m.URL, latency)
			if !q.LeaveOpen {
				q.CloseTrace(s.Pool, m.URL, m.SubscriptionID)
			}
			s.settle(q)
			break
		}
	case connection.Closed:
		for _, q := range s.queries {
			if q.RelayClosed(m.URL, m.SubscriptionID, m.Reason, m.Parked, now) {
				s.settle(q)
				break
			}
		}
	case connection.Connected:
		if m.WasReconnect {
			for _, q := range s.queries {
				q.ConnectionRestored(m.URL, now)
			}
		}
	case connection.Disconnect:
		for _, q := range s.queries {
			q.ConnectionLost(m.URL, now)
			s.settle(q)
		}
	case connection.Notice:
		log.I.F("{%s} notice: %s", m.URL, m.Message)
	case connection.Auth:
		if m.Done {
			log.D.F("{%s} authenticated: %v", m.URL, m.OK)
		} else {
			log.D.F("{%s} auth challenge '%s'", m.URL, m.Challenge)
		}
	}
}

// ingest takes an event that did not come from a subscription and offers it
// to every query whose filters it matches.
func (s *T) ingest(ev *event.T) {
	if s.Cache.Insert(ev) {
		s.events.Emit(ev)
	}
	for _, q := range s.queries {
		if q.HandleEvent("", "", ev) {
			log.T.F("query %s took %s", q.ID, ev.ID)
		}
	}
}

// deliver receives events read back from the durable tier.
func (s *T) deliver(evs []*event.T) {
	chk.T(s.post(func() {
		for _, ev := range evs {
			s.ingest(ev)
		}
	}))
}

// HandleExternalEvent feeds an event from outside the relays, such as one
// the user just signed or one loaded from elsewhere, through the engine.
// Signatures are checked unless skipVerify is set. A malformed or forged
// event is dropped.
func (s *T) HandleExternalEvent(ev *event.T, skipVerify bool) error {
	ev, ok := s.intake(ev, skipVerify)
	if !ok {
		return nil
	}
	return s.post(func() { s.ingest(ev) })
}
