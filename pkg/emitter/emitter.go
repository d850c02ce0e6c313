// Package emitter is a typed subscriber list. Each channel of messages gets
// its own emitter with its own message type, so listeners never switch on
// event names.
package emitter

import "sync"

type entry[M any] struct {
	id int
	fn func(M)
}

// T delivers messages of type M to every registered listener in
// registration order.
type T[M any] struct {
	mx   sync.RWMutex
	next int
	subs []entry[M]
}

// New creates an emitter with no listeners.
func New[M any]() *T[M] { return &T[M]{} }

// On registers fn and returns a function that removes it again.
func (e *T[M]) On(fn func(M)) (off func()) {
	e.mx.Lock()
	e.next++
	id := e.next
	e.subs = append(e.subs, entry[M]{id: id, fn: fn})
	e.mx.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			e.mx.Lock()
			defer e.mx.Unlock()
			for i := range e.subs {
				if e.subs[i].id == id {
					e.subs = append(e.subs[:i:i], e.subs[i+1:]...)
					return
				}
			}
		})
	}
}

// Emit calls every listener with m. Listeners run on the caller's goroutine
// and may call On or the returned off functions.
func (e *T[M]) Emit(m M) {
	e.mx.RLock()
	subs := e.subs
	e.mx.RUnlock()
	for _, s := range subs {
		s.fn(m)
	}
}

// Len is the number of listeners.
func (e *T[M]) Len() int {
	e.mx.RLock()
	defer e.mx.RUnlock()
	return len(e.subs)
}
