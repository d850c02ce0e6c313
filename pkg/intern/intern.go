// Package intern maps hex identifiers to small integer surrogates and back.
// Only the cache uses it; everything that talks to relays uses full hex.
package intern

import (
	"errors"
	"sync"
)

// ErrNotFound is returned when resolving a surrogate that was never issued.
var ErrNotFound = errors.New("surrogate not found")

// Surrogate stands in for a hex identifier for the life of the process.
// Zero is never issued.
type Surrogate uint32

// T is an interner. Surrogates are never reused.
type T struct {
	mx    sync.RWMutex
	byHex map[string]Surrogate
	byID  []string
}

// New creates an empty interner.
func New() *T {
	return &T{
		byHex: make(map[string]Surrogate),
		byID:  []string{""},
	}
}

// Intern returns the surrogate for hex, issuing one on first sight.
func (t *T) Intern(hex string) Surrogate {
	t.mx.RLock()
	s, ok := t.byHex[hex]
	t.mx.RUnlock()
	if ok {
		return s
	}
	t.mx.Lock()
	defer t.mx.Unlock()
	if s, ok = t.byHex[hex]; ok {
		return s
	}
	s = Surrogate(len(t.byID))
	t.byID = append(t.byID, hex)
	t.byHex[hex] = s
	return s
}

// Lookup returns the surrogate for hex without issuing a new one.
func (t *T) Lookup(hex string) (s Surrogate, ok bool) {
	t.mx.RLock()
	s, ok = t.byHex[hex]
	t.mx.RUnlock()
	return
}

// Resolve returns the hex a surrogate stands for.
func (t *T) Resolve(s Surrogate) (string, error) {
	t.mx.RLock()
	defer t.mx.RUnlock()
	if s == 0 || int(s) >= len(t.byID) {
		return "", ErrNotFound
	}
	return t.byID[s], nil
}

// Len is the number of identifiers interned.
func (t *T) Len() int {
	t.mx.RLock()
	defer t.mx.RUnlock()
	return len(t.byID) - 1
}
