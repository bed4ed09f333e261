package ticker

import (
	"context"
	"sync"
	"time"
)

// Manual is a Source driven by explicit Fire calls.
type Manual struct {
	granularity Granularity
	ticks       chan TickSignal

	mu      sync.Mutex
	current TickSignal
}

// NewManual creates a manual source whose current tick is start.
func NewManual(start time.Time, g Granularity) *Manual {
	return &Manual{
		granularity: g,
		ticks:       make(chan TickSignal, 64),
		current:     NewTickSignal(start, g),
	}
}

// Fire makes t the current tick and queues it for Next.
func (m *Manual) Fire(t time.Time) TickSignal {
	s := NewTickSignal(t, m.granularity)
	m.mu.Lock()
	m.current = s
	m.mu.Unlock()
	m.ticks <- s
	return s
}

// Advance fires the tick following the current one.
func (m *Manual) Advance() TickSignal {
	return m.Fire(m.Current().Time().Add(m.granularity.Duration()))
}

func (m *Manual) Next(ctx context.Context) (TickSignal, error) {
	select {
	case <-ctx.Done():
		return TickSignal{}, ctx.Err()
	case s := <-m.ticks:
		return s, nil
	}
}

func (m *Manual) Current() TickSignal {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}
