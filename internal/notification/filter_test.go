package notification

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/ChuLiYu/scout-runtime/pkg/types"
)

func TestFilters(t *testing.T) {
	s1 := types.Session{ID: "s1", UserID: "alice"}
	s2 := types.Session{ID: "s2", UserID: "bob"}

	testCases := []struct {
		name      string
		filter    Filter
		multicast bool
		acceptS1  bool
		acceptS2  bool
	}{
		{"all sessions", NewAllSessionsFilter(time.Minute), true, true, true},
		{"user", NewUserFilter("alice", time.Minute), true, true, false},
		{"empty user matches nobody", NewUserFilter("", time.Minute), true, false, false},
		{"session", NewSessionFilter("s2", time.Minute), false, false, true},
		{"any session", NewAnySessionFilter(time.Minute), false, true, true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.True(t, tc.filter.IsActive())
			assert.Equal(t, tc.multicast, tc.filter.IsMulticast())
			assert.Equal(t, tc.acceptS1, tc.filter.Accept(s1))
			assert.Equal(t, tc.acceptS2, tc.filter.Accept(s2))
		})
	}
}

func TestFilterExpiry(t *testing.T) {
	assert.True(t, AllSessionsFilter{}.IsActive(), "zero ValidUntil never expires")
	assert.True(t, NewSessionFilter("s1", 0).ValidUntil.IsZero())
	assert.False(t, UserFilter{UserID: "u", ValidUntil: time.Now().Add(-time.Second)}.IsActive())
}

type alwaysEqual struct{ AllSessionsFilter }

func (alwaysEqual) Equal(Filter) bool { return true }

func TestFiltersEqual(t *testing.T) {
	until := time.Now().Add(time.Hour)
	assert.True(t, filtersEqual(UserFilter{UserID: "a", ValidUntil: until}, UserFilter{UserID: "a", ValidUntil: until}))
	assert.False(t, filtersEqual(UserFilter{UserID: "a"}, UserFilter{UserID: "b"}))
	assert.False(t, filtersEqual(UserFilter{UserID: "a"}, SessionFilter{SessionID: "a"}))
	assert.True(t, filtersEqual(alwaysEqual{}, SessionFilter{}))
	assert.True(t, filtersEqual(NewUserFilter("a", time.Minute), NewUserFilter("a", time.Hour)), "expiry is not part of the audience")
	assert.True(t, filtersEqual(NewAllSessionsFilter(0), NewAllSessionsFilter(time.Second)))
	assert.False(t, filtersEqual(NewAnySessionFilter(0), NewAllSessionsFilter(0)))
	assert.False(t, filtersEqual(NewSessionFilter("s1", 0), NewSessionFilter("s2", 0)))
}

func TestMessageCoalesce(t *testing.T) {
	a := &Message{Name: "changed", CoalesceKey: "k"}

	assert.True(t, (&Message{Name: "changed", CoalesceKey: "k"}).Coalesce(a))
	assert.False(t, (&Message{Name: "other", CoalesceKey: "k"}).Coalesce(a))
	assert.False(t, (&Message{Name: "changed"}).Coalesce(&Message{Name: "changed"}))
	assert.False(t, a.Coalesce(&opaque{}))
}
