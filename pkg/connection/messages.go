package connection

import (
	"github.com/Hubmakerlabs/feedr/pkg/nostr/event"
)

// Message is something a connection reports. It is one of Event, EOSE,
// Connected, Disconnect, Auth, Notice or Closed.
type Message interface {
	Relay() string
	isMessage()
}

// Event is an event received on a subscription.
type Event struct {
	URL            string
	SubscriptionID string
	Event          *event.T
}

// EOSE is the end of stored events for a subscription.
type EOSE struct {
	URL            string
	SubscriptionID string
}

// Connected is sent once the socket is open and subscriptions have been
// replayed.
type Connected struct {
	URL          string
	WasReconnect bool
}

// Disconnect is sent when a live socket goes away, whether by failure or by
// Close.
type Disconnect struct {
	URL string
	Err error
}

// Auth reports an authentication challenge and, once answered, its outcome.
type Auth struct {
	URL       string
	Challenge string
	// Done is false when the challenge arrives and true once the response
	// has been acknowledged or has failed.
	Done bool
	OK   bool
}

// Notice is a human readable message from the relay.
type Notice struct {
	URL     string
	Message string
}

// Closed is the relay ending a subscription.
type Closed struct {
	URL            string
	SubscriptionID string
	Reason         string
	// Parked is true when the subscription waits for authentication and will
	// be sent again after it succeeds.
	Parked bool
}

func (m Event) Relay() string      { return m.URL }
func (m EOSE) Relay() string       { return m.URL }
func (m Connected) Relay() string  { return m.URL }
func (m Disconnect) Relay() string { return m.URL }
func (m Auth) Relay() string       { return m.URL }
func (m Notice) Relay() string     { return m.URL }
func (m Closed) Relay() string     { return m.URL }

func (Event) isMessage()      {}
func (EOSE) isMessage()       {}
func (Connected) isMessage()  {}
func (Disconnect) isMessage() {}
func (Auth) isMessage()       {}
func (Notice) isMessage()     {}
func (Closed) isMessage()     {}
