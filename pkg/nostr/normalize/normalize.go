// Package normalize puts relay addresses into one canonical form so they can
// be used as map keys.
package normalize

import (
	"errors"
	"net/url"
	"strings"
)

// ErrInvalidURL is returned by Relay for addresses that cannot name a relay.
var ErrInvalidURL = errors.New("invalid relay url")

// URL normalizes the url and replaces http://, https:// schemes by
// ws://, wss://.
func URL(u string) string {
	if u == "" {
		return ""
	}
	u = strings.TrimSpace(u)
	u = strings.ToLower(u)
	// if prefix isn't specified as http/s or websocket, assume secure
	// websocket and add wss prefix (this is the most common).
	if !(strings.HasPrefix(u, "http://") ||
		strings.HasPrefix(u, "https://") ||
		strings.HasPrefix(u, "ws://") ||
		strings.HasPrefix(u, "wss://")) {
		u = "wss://" + u
	}
	p, err := url.Parse(u)
	if err != nil {
		return ""
	}
	switch p.Scheme {
	case "https":
		p.Scheme = "wss"
	case "http":
		p.Scheme = "ws"
	}
	p.Path = strings.TrimRight(p.Path, "/")
	return p.String()
}

// Relay normalizes u and rejects anything without a host.
func Relay(u string) (string, error) {
	n := URL(u)
	if n == "" {
		return "", ErrInvalidURL
	}
	p, err := url.Parse(n)
	if err != nil || p.Host == "" {
		return "", ErrInvalidURL
	}
	return n, nil
}
