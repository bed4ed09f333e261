// Package ticker produces calendar aligned tick signals that drive the
// scheduler.
package ticker

import (
	"context"
	"sync"
	"time"
)

// Source yields ticks to the scheduler.
type Source interface {
	// Next blocks until the next tick boundary and returns its signal.
	Next(ctx context.Context) (TickSignal, error)
	// Current returns the signal of the tick containing now.
	Current() TickSignal
}

// Clock abstracts time for tests.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

type realClock struct{}

func (realClock) Now() time.Time                         { return time.Now() }
func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// Option configures a Ticker.
type Option func(*Ticker)

// WithLocation aligns ticks to wall clock time in loc.
func WithLocation(loc *time.Location) Option {
	return func(t *Ticker) {
		if loc != nil {
			t.loc = loc
		}
	}
}

// WithClock replaces the wall clock.
func WithClock(c Clock) Option {
	return func(t *Ticker) {
		if c != nil {
			t.clock = c
		}
	}
}

// Ticker is a Source aligned to granularity boundaries of the wall clock.
type Ticker struct {
	granularity Granularity
	loc         *time.Location
	clock       Clock

	mu   sync.Mutex
	last time.Time
}

// New creates a ticker with the given granularity.
func New(g Granularity, opts ...Option) *Ticker {
	t := &Ticker{
		granularity: g,
		loc:         time.Local,
		clock:       realClock{},
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *Ticker) Granularity() Granularity { return t.granularity }

func (t *Ticker) now() time.Time {
	return t.clock.Now().In(t.loc)
}

// Current returns the signal of the tick containing now.
func (t *Ticker) Current() TickSignal {
	return NewTickSignal(t.now(), t.granularity)
}

// Next waits for the next boundary. The boundary current at the first call
// counts as already seen, and no boundary is returned twice.
func (t *Ticker) Next(ctx context.Context) (TickSignal, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.last.IsZero() {
		t.last = t.granularity.Truncate(t.now())
	}
	for {
		now := t.now()
		cur := t.granularity.Truncate(now)
		if cur.After(t.last) {
			t.last = cur
			return TickSignal{t: cur, granularity: t.granularity}, nil
		}

		next := t.last.Add(t.granularity.Duration())
		wait := next.Sub(now)
		if wait <= 0 {
			// the zone offset moved under a tick; step past it
			t.last = next
			continue
		}
		select {
		case <-ctx.Done():
			return TickSignal{}, ctx.Err()
		case <-t.clock.After(wait):
		}
	}
}
