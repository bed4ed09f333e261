package ticker

import (
	"strings"
	"time"

	"github.com/cockroachdb/errors"
)

// Granularity is the distance between two ticks.
type Granularity int

const (
	Second Granularity = iota
	Minute
	Hour
)

// ParseGranularity maps "second", "minute" or "hour" to a Granularity.
// Empty means Minute.
func ParseGranularity(s string) (Granularity, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "second":
		return Second, nil
	case "", "minute":
		return Minute, nil
	case "hour":
		return Hour, nil
	}
	return Minute, errors.Newf("unknown tick granularity %q", s)
}

// Duration returns the length of one tick.
func (g Granularity) Duration() time.Duration {
	switch g {
	case Second:
		return time.Second
	case Hour:
		return time.Hour
	default:
		return time.Minute
	}
}

func (g Granularity) String() string {
	switch g {
	case Second:
		return "second"
	case Hour:
		return "hour"
	default:
		return "minute"
	}
}

// Truncate returns the start of the tick containing t, in t's location.
// Boundaries are computed on the absolute instant so that the repeated hour
// of a daylight saving fall back yields distinct ticks.
func (g Granularity) Truncate(t time.Time) time.Time {
	switch g {
	case Second:
		return t.Truncate(time.Second)
	case Hour:
		into := time.Duration(t.Minute())*time.Minute +
			time.Duration(t.Second())*time.Second +
			time.Duration(t.Nanosecond())
		return t.Add(-into).Round(0)
	default:
		// zone offsets are whole minutes
		return t.Truncate(time.Minute)
	}
}

// TickSignal is one calendar aligned scheduling pulse. It is an immutable
// value; jobs inspect its calendar fields to decide whether to fire.
type TickSignal struct {
	t           time.Time
	granularity Granularity
}

// NewTickSignal builds the signal for the tick containing t.
func NewTickSignal(t time.Time, g Granularity) TickSignal {
	return TickSignal{t: g.Truncate(t), granularity: g}
}

// IsZero reports whether s is the zero value.
func (s TickSignal) IsZero() bool { return s.t.IsZero() }

func (s TickSignal) Time() time.Time          { return s.t }
func (s TickSignal) Granularity() Granularity { return s.granularity }

func (s TickSignal) Second() int { return s.t.Second() }

func (s TickSignal) Minute() int { return s.t.Minute() }

func (s TickSignal) Hour() int { return s.t.Hour() }

// Day returns the day of the month.
func (s TickSignal) Day() int { return s.t.Day() }

func (s TickSignal) Month() time.Month { return s.t.Month() }

func (s TickSignal) Year() int { return s.t.Year() }

func (s TickSignal) DayOfYear() int { return s.t.YearDay() }

// DayOfWeek returns the weekday, Sunday being 0.
func (s TickSignal) DayOfWeek() time.Weekday { return s.t.Weekday() }

// Week returns the ISO 8601 week number.
func (s TickSignal) Week() int {
	_, w := s.t.ISOWeek()
	return w
}

// DayOfMonthReverse counts days from the end of the month: 1 on the last
// day, 2 on the day before and so on.
func (s TickSignal) DayOfMonthReverse() int {
	firstOfNext := time.Date(s.t.Year(), s.t.Month()+1, 1, 0, 0, 0, 0, s.t.Location())
	last := firstOfNext.AddDate(0, 0, -1).Day()
	return last - s.t.Day() + 1
}

// SecondOfDay returns seconds elapsed since local midnight.
func (s TickSignal) SecondOfDay() int {
	return s.t.Hour()*3600 + s.t.Minute()*60 + s.t.Second()
}

// Equal reports whether both signals denote the same tick.
func (s TickSignal) Equal(o TickSignal) bool {
	return s.granularity == o.granularity && s.t.Equal(o.t)
}

func (s TickSignal) String() string {
	switch s.granularity {
	case Second:
		return s.t.Format("2006-01-02 15:04:05")
	case Hour:
		return s.t.Format("2006-01-02 15h")
	default:
		return s.t.Format("2006-01-02 15:04")
	}
}
