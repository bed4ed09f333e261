// Package notification implements the client notification queue: a
// filtered, coalescing buffer that client sessions drain by polling.
package notification

import (
	"reflect"

	"github.com/ChuLiYu/scout-runtime/pkg/types"
)

// Notification is a payload queued for client sessions.
type Notification interface {
	// Coalesce reports whether this notification supersedes existing, a
	// queued notification of the same concrete type and with an equal
	// filter. The superseded one is dropped.
	Coalesce(existing Notification) bool
}

// Kinded notifications name themselves on the wire.
type Kinded interface {
	Kind() string
}

// KindOf returns the wire name of n: Kind() when implemented, the Go type
// name otherwise.
func KindOf(n Notification) string {
	if k, ok := n.(Kinded); ok {
		return k.Kind()
	}
	t := reflect.TypeOf(n)
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	return t.Name()
}

// Message is the general purpose notification. Two messages with the same
// name and a non-empty coalesce key replace each other.
type Message struct {
	Name        string `json:"kind"`
	CoalesceKey string `json:"coalesce_key,omitempty"`
	Body        any    `json:"body,omitempty"`
}

func (m *Message) Kind() string { return m.Name }

func (m *Message) Coalesce(existing Notification) bool {
	other, ok := existing.(*Message)
	if !ok || m.CoalesceKey == "" {
		return false
	}
	return other.Name == m.Name && other.CoalesceKey == m.CoalesceKey
}

// Filter decides who receives a queued notification and for how long.
type Filter interface {
	// IsActive reports whether the notification is still deliverable.
	// Inactive elements are dropped on the next put or poll.
	IsActive() bool
	// Accept reports whether session should receive the notification.
	Accept(session types.Session) bool
	// IsMulticast reports whether every accepted session receives the
	// notification once. Otherwise the first accepted session consumes
	// it.
	IsMulticast() bool
}

// FilterEqualer lets a filter define its own equality for coalescing.
// Filters without it are compared with reflect.DeepEqual.
type FilterEqualer interface {
	Equal(other Filter) bool
}

func filtersEqual(a, b Filter) bool {
	if e, ok := a.(FilterEqualer); ok {
		return e.Equal(b)
	}
	return reflect.DeepEqual(a, b)
}

// sameNotification reports whether a and b are the same instance. Value
// typed notifications have no identity and are never the same.
func sameNotification(a, b Notification) bool {
	ta := reflect.TypeOf(a)
	if ta != reflect.TypeOf(b) || ta.Kind() != reflect.Pointer {
		return false
	}
	return reflect.ValueOf(a).Pointer() == reflect.ValueOf(b).Pointer()
}

func sameType(a, b Notification) bool {
	return reflect.TypeOf(a) == reflect.TypeOf(b)
}

func isNil(v any) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Pointer, reflect.Map, reflect.Slice, reflect.Func, reflect.Interface, reflect.Chan:
		return rv.IsNil()
	}
	return false
}
