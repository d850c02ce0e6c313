// Package metrics keeps per relay health counters.
package metrics

import (
	"errors"
	"io"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws/wsutil"
	"github.com/puzpuzpuz/xsync/v2"

	"github.com/Hubmakerlabs/feedr/pkg/connection"
	"github.com/Hubmakerlabs/feedr/pkg/context"
)

// Relay holds the counters of one relay.
type Relay struct {
	connects    atomic.Int64
	disconnects atomic.Int64
	events      atomic.Int64
	eoses       atomic.Int64
	eoseTotal   atomic.Int64
	lastSeen    atomic.Int64
	mx          sync.Mutex
	codes       map[string]int
}

// Snapshot is a copy of one relay's counters.
type Snapshot struct {
	URL         string         `json:"url"`
	Connects    int64          `json:"connects"`
	Disconnects int64          `json:"disconnects"`
	Events      int64          `json:"events"`
	LastSeen    *time.Time     `json:"last_seen,omitempty"`
	AvgEOSE     time.Duration  `json:"avg_eose"`
	Codes       map[string]int `json:"disconnect_codes,omitempty"`
}

// T is the metrics table, keyed by relay address.
type T struct {
	relays *xsync.MapOf[string, *Relay]
	now    func() time.Time
}

// New creates an empty table. A nil now uses the wall clock.
func New(now func() time.Time) *T {
	if now == nil {
		now = time.Now
	}
	return &T{relays: xsync.NewMapOf[*Relay](), now: now}
}

func (m *T) relay(url string) *Relay {
	r, _ := m.relays.LoadOrCompute(url, func() *Relay {
		return &Relay{codes: make(map[string]int)}
	})
	return r
}

// Observe counts a connection message.
func (m *T) Observe(msg connection.Message) {
	switch msg := msg.(type) {
	case connection.Connected:
		m.relay(msg.URL).connects.Add(1)
	case connection.Disconnect:
		r := m.relay(msg.URL)
		r.disconnects.Add(1)
		code := Code(msg.Err)
		r.mx.Lock()
		r.codes[code]++
		r.mx.Unlock()
	case connection.Event:
		r := m.relay(msg.URL)
		r.events.Add(1)
		r.lastSeen.Store(m.now().UnixNano())
	}
}

// EOSE records how long a relay took to finish sending stored events.
func (m *T) EOSE(url string, latency time.Duration) {
	r := m.relay(url)
	r.eoses.Add(1)
	r.eoseTotal.Add(int64(latency))
}

// Code classifies why a socket went away.
func Code(err error) string {
	var closed wsutil.ClosedError
	switch {
	case err == nil:
		return "none"
	case errors.Is(err, connection.ErrClosed):
		return "closed"
	case errors.As(err, &closed):
		return strconv.Itoa(int(closed.Code))
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		return "eof"
	case errors.Is(err, context.Deadline):
		return "timeout"
	}
	return "error"
}

func (m *T) snapshot(url string, r *Relay) (s Snapshot) {
	s = Snapshot{
		URL:         url,
		Connects:    r.connects.Load(),
		Disconnects: r.disconnects.Load(),
		Events:      r.events.Load(),
	}
	if ls := r.lastSeen.Load(); ls != 0 {
		t := time.Unix(0, ls)
		s.LastSeen = &t
	}
	if n := r.eoses.Load(); n > 0 {
		s.AvgEOSE = time.Duration(r.eoseTotal.Load() / n)
	}
	r.mx.Lock()
	if len(r.codes) > 0 {
		s.Codes = make(map[string]int, len(r.codes))
		for k, v := range r.codes {
			s.Codes[k] = v
		}
	}
	r.mx.Unlock()
	return
}

// Get returns the counters for url.
func (m *T) Get(url string) (s Snapshot, ok bool) {
	var r *Relay
	if r, ok = m.relays.Load(url); !ok {
		return Snapshot{URL: url}, false
	}
	return m.snapshot(url, r), true
}

// All returns every relay's counters sorted by address.
func (m *T) All() (out []Snapshot) {
	m.relays.Range(func(url string, r *Relay) bool {
		out = append(out, m.snapshot(url, r))
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].URL < out[j].URL })
	return
}
