package notification

import (
	"context"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ChuLiYu/scout-runtime/internal/logging"
	"github.com/ChuLiYu/scout-runtime/internal/metrics"
	"github.com/ChuLiYu/scout-runtime/pkg/types"
)

var (
	ErrNilNotification = errors.New("notification: notification must not be nil")
	ErrNilFilter       = errors.New("notification: filter must not be nil")
)

// Element is a queued (notification, filter) pair.
type Element struct {
	id           uuid.UUID
	notification Notification
	filter       Filter
	created      time.Time

	mu         sync.Mutex
	consumedBy map[types.SessionID]struct{}
}

func newElement(n Notification, f Filter) *Element {
	return &Element{
		id:           uuid.New(),
		notification: n,
		filter:       f,
		created:      time.Now(),
		consumedBy:   make(map[types.SessionID]struct{}),
	}
}

func (e *Element) ID() string                 { return e.id.String() }
func (e *Element) Notification() Notification { return e.notification }
func (e *Element) Filter() Filter             { return e.filter }
func (e *Element) Created() time.Time         { return e.created }

// IsConsumedBy reports whether session already received this element.
func (e *Element) IsConsumedBy(session types.SessionID) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.consumedBy[session]
	return ok
}

func (e *Element) setConsumedBy(session types.SessionID) {
	e.mu.Lock()
	e.consumedBy[session] = struct{}{}
	e.mu.Unlock()
}

// ConsumedBy lists the sessions that received this element.
func (e *Element) ConsumedBy() []types.SessionID {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]types.SessionID, 0, len(e.consumedBy))
	for s := range e.consumedBy {
		out = append(out, s)
	}
	return out
}

// EventType classifies queue events.
type EventType int

const (
	EventPut EventType = iota
	EventDelivered
	EventEvicted
)

func (t EventType) String() string {
	switch t {
	case EventPut:
		return "put"
	case EventDelivered:
		return "delivered"
	case EventEvicted:
		return "evicted"
	}
	return "unknown"
}

// Event describes a queue change. Element is set for EventPut, Session
// for EventDelivered, Count for EventDelivered and EventEvicted.
type Event struct {
	Type    EventType
	Element *Element
	Session types.Session
	Count   int
}

// Listener observes queue events. It runs on the caller's goroutine after
// the queue lock is released.
type Listener func(Event)

// Queue is the client notification queue. One lock guards the element
// list; waiters block on a channel that is replaced on every put.
type Queue struct {
	log     *zap.SugaredLogger
	metrics *metrics.Collector

	mu       sync.Mutex
	elements []*Element
	changed  chan struct{}

	listenersMu sync.RWMutex
	listeners   []Listener
}

// Option configures a Queue.
type Option func(*Queue)

func WithLogger(l *zap.SugaredLogger) Option {
	return func(q *Queue) { q.log = logging.Component(l, "notifications") }
}

func WithMetrics(c *metrics.Collector) Option {
	return func(q *Queue) { q.metrics = c }
}

func NewQueue(opts ...Option) *Queue {
	q := &Queue{
		log:     logging.Component(nil, "notifications"),
		changed: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// AddListener registers l for all future events.
func (q *Queue) AddListener(l Listener) {
	if l == nil {
		return
	}
	q.listenersMu.Lock()
	q.listeners = append(q.listeners, l)
	q.listenersMu.Unlock()
}

// Put queues n for the sessions selected by f. Elements whose filter is
// inactive, that hold n itself, or that n coalesces are dropped first.
func (q *Queue) Put(n Notification, f Filter) error {
	if isNil(n) {
		return ErrNilNotification
	}
	if isNil(f) {
		return ErrNilFilter
	}

	el := newElement(n, f)
	coalesced, evicted, size := q.put(el)

	q.metrics.RecordPut(coalesced)
	q.metrics.RecordEvicted(evicted)
	q.metrics.SetQueueSize(size)
	q.log.Debugw("notification queued",
		"id", el.ID(),
		"kind", KindOf(n),
		"coalesced", coalesced,
		"evicted", evicted,
		"size", size)

	q.fire(Event{Type: EventPut, Element: el})
	if evicted > 0 {
		q.fire(Event{Type: EventEvicted, Count: evicted})
	}
	return nil
}

func (q *Queue) put(el *Element) (coalesced, evicted, size int) {
	q.mu.Lock()
	defer q.mu.Unlock()

	n, f := el.notification, el.filter
	kept := q.elements[:0]
	for _, e := range q.elements {
		switch {
		case !e.filter.IsActive():
			evicted++
		case sameNotification(e.notification, n):
			coalesced++
		case sameType(e.notification, n) && filtersEqual(e.filter, f) && n.Coalesce(e.notification):
			coalesced++
		default:
			kept = append(kept, e)
		}
	}
	clear(q.elements[len(kept):])
	q.elements = append(kept, el)

	close(q.changed)
	q.changed = make(chan struct{})
	return coalesced, evicted, len(q.elements)
}

// GetNextNotifications returns the notifications available to session,
// waiting up to timeout for at least one to arrive. It returns an empty,
// non-nil slice when the timeout elapses or ctx ends first. A timeout <= 0
// checks once without waiting.
func (q *Queue) GetNextNotifications(ctx context.Context, session types.Session, timeout time.Duration) []Notification {
	var deadline <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		deadline = timer.C
	}

	for {
		out, evicted, size, changed := q.collect(session)

		q.metrics.RecordEvicted(evicted)
		if evicted > 0 {
			q.metrics.SetQueueSize(size)
			q.fire(Event{Type: EventEvicted, Count: evicted})
		}
		if len(out) > 0 {
			q.metrics.RecordDelivered(len(out))
			q.metrics.SetQueueSize(size)
			q.fire(Event{Type: EventDelivered, Session: session, Count: len(out)})
			return out
		}
		if timeout <= 0 {
			return out
		}

		select {
		case <-changed:
		case <-deadline:
			return out
		case <-ctx.Done():
			return out
		}
	}
}

func (q *Queue) collect(session types.Session) (out []Notification, evicted, size int, changed chan struct{}) {
	q.mu.Lock()
	defer q.mu.Unlock()

	out = make([]Notification, 0)
	kept := q.elements[:0]
	for _, e := range q.elements {
		if !e.filter.IsActive() {
			evicted++
			continue
		}
		if e.IsConsumedBy(session.ID) || !e.filter.Accept(session) {
			kept = append(kept, e)
			continue
		}
		out = append(out, e.notification)
		if e.filter.IsMulticast() {
			e.setConsumedBy(session.ID)
			kept = append(kept, e)
		}
	}
	clear(q.elements[len(kept):])
	q.elements = kept
	return out, evicted, len(q.elements), q.changed
}

// Purge drops every element whose filter is inactive and returns how many
// were dropped.
func (q *Queue) Purge() int {
	q.mu.Lock()
	kept := q.elements[:0]
	for _, e := range q.elements {
		if e.filter.IsActive() {
			kept = append(kept, e)
		}
	}
	evicted := len(q.elements) - len(kept)
	clear(q.elements[len(kept):])
	q.elements = kept
	size := len(kept)
	q.mu.Unlock()

	q.metrics.RecordEvicted(evicted)
	q.metrics.SetQueueSize(size)
	if evicted > 0 {
		q.log.Debugw("inactive notifications purged", logging.FieldCount, evicted)
		q.fire(Event{Type: EventEvicted, Count: evicted})
	}
	return evicted
}

// Len returns the number of queued elements, including inactive ones not
// yet purged.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.elements)
}

// Elements returns a snapshot of the queued elements.
func (q *Queue) Elements() []*Element {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]*Element, len(q.elements))
	copy(out, q.elements)
	return out
}

func (q *Queue) fire(ev Event) {
	q.listenersMu.RLock()
	listeners := q.listeners
	q.listenersMu.RUnlock()

	for _, l := range listeners {
		func() {
			defer func() {
				if r := recover(); r != nil {
					q.log.Errorw("notification listener panicked", "event", ev.Type.String(), logging.FieldError, r)
				}
			}()
			l(ev)
		}()
	}
}
