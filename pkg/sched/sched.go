// Package sched runs the engine's periodic tasks against an injectable
// clock, so tests can step time by hand.
package sched

import (
	"os"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/Hubmakerlabs/feedr/pkg/context"
	"github.com/Hubmakerlabs/feedr/pkg/slog"
)

var log, chk = slog.New(os.Stderr)

// T owns a set of periodic tasks.
type T struct {
	clock   clock.Clock
	c       context.T
	cancel  context.F
	wg      sync.WaitGroup
	mx      sync.Mutex
	stopped bool
}

// New creates a scheduler. A nil clock uses the wall clock.
func New(clk clock.Clock) *T {
	if clk == nil {
		clk = clock.New()
	}
	c, cancel := context.Cancel(context.Bg())
	return &T{clock: clk, c: c, cancel: cancel}
}

// Clock is the clock the scheduler runs on.
func (s *T) Clock() clock.Clock { return s.clock }

// Now is the scheduler's current time.
func (s *T) Now() time.Time { return s.clock.Now() }

// Every runs fn each interval until c is done or the scheduler stops. Ticks
// that arrive while fn is still running are dropped.
func (s *T) Every(c context.T, name string, interval time.Duration,
	fn func(now time.Time)) {
	s.mx.Lock()
	defer s.mx.Unlock()
	if s.stopped {
		return
	}
	ticker := s.clock.Ticker(interval)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer ticker.Stop()
		log.T.Ln("starting periodic task", name, interval)
		for {
			select {
			case <-c.Done():
				return
			case <-s.c.Done():
				return
			case now := <-ticker.C:
				fn(now)
			}
		}
	}()
}

// After runs fn once after d unless the returned stop function is called
// first.
func (s *T) After(d time.Duration, fn func()) (stop func() bool) {
	return s.clock.AfterFunc(d, fn).Stop
}

// Stop ends every task and waits for running ones to return.
func (s *T) Stop() {
	s.mx.Lock()
	s.stopped = true
	s.mx.Unlock()
	s.cancel()
	s.wg.Wait()
}
