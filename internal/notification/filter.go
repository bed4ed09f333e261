package notification

import (
	"time"

	"github.com/ChuLiYu/scout-runtime/pkg/types"
)

func validUntil(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return time.Now().Add(ttl)
}

func alive(until time.Time) bool {
	return until.IsZero() || time.Now().Before(until)
}

// AllSessionsFilter delivers once to every session until it expires.
type AllSessionsFilter struct {
	// ValidUntil is the expiry; zero never expires.
	ValidUntil time.Time
}

// NewAllSessionsFilter expires after ttl; ttl <= 0 never expires.
func NewAllSessionsFilter(ttl time.Duration) AllSessionsFilter {
	return AllSessionsFilter{ValidUntil: validUntil(ttl)}
}

func (f AllSessionsFilter) IsActive() bool            { return alive(f.ValidUntil) }
func (f AllSessionsFilter) Accept(types.Session) bool { return true }
func (f AllSessionsFilter) IsMulticast() bool         { return true }

// Equal ignores expiry: a newer message replaces an older one for the
// same audience.
func (f AllSessionsFilter) Equal(other Filter) bool {
	_, ok := other.(AllSessionsFilter)
	return ok
}

// UserFilter delivers once to every session of one user.
type UserFilter struct {
	UserID     string
	ValidUntil time.Time
}

func NewUserFilter(userID string, ttl time.Duration) UserFilter {
	return UserFilter{UserID: userID, ValidUntil: validUntil(ttl)}
}

func (f UserFilter) IsActive() bool { return alive(f.ValidUntil) }

func (f UserFilter) Accept(s types.Session) bool {
	return f.UserID != "" && s.UserID == f.UserID
}

func (f UserFilter) IsMulticast() bool { return true }

func (f UserFilter) Equal(other Filter) bool {
	o, ok := other.(UserFilter)
	return ok && o.UserID == f.UserID
}

// SessionFilter delivers to exactly one session, once.
type SessionFilter struct {
	SessionID  types.SessionID
	ValidUntil time.Time
}

func NewSessionFilter(id types.SessionID, ttl time.Duration) SessionFilter {
	return SessionFilter{SessionID: id, ValidUntil: validUntil(ttl)}
}

func (f SessionFilter) IsActive() bool { return alive(f.ValidUntil) }

func (f SessionFilter) Accept(s types.Session) bool {
	return s.ID == f.SessionID
}

func (f SessionFilter) IsMulticast() bool { return false }

func (f SessionFilter) Equal(other Filter) bool {
	o, ok := other.(SessionFilter)
	return ok && o.SessionID == f.SessionID
}

// AnySessionFilter delivers to whichever session polls first.
type AnySessionFilter struct {
	ValidUntil time.Time
}

func NewAnySessionFilter(ttl time.Duration) AnySessionFilter {
	return AnySessionFilter{ValidUntil: validUntil(ttl)}
}

func (f AnySessionFilter) IsActive() bool            { return alive(f.ValidUntil) }
func (f AnySessionFilter) Accept(types.Session) bool { return true }
func (f AnySessionFilter) IsMulticast() bool         { return false }

func (f AnySessionFilter) Equal(other Filter) bool {
	_, ok := other.(AnySessionFilter)
	return ok
}
