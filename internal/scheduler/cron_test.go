package scheduler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/scout-runtime/internal/ticker"
)

func tickAt(t time.Time) ticker.TickSignal {
	return ticker.NewTickSignal(t, ticker.Minute)
}

func TestCronJobAcceptTick(t *testing.T) {
	testCases := []struct {
		name   string
		spec   string
		at     time.Time
		accept bool
	}{
		{"every quarter hour match", "*/15 * * * *", time.Date(2026, 10, 16, 10, 15, 0, 0, time.UTC), true},
		{"every quarter hour miss", "*/15 * * * *", time.Date(2026, 10, 16, 10, 16, 0, 0, time.UTC), false},
		{"hourly descriptor", "@hourly", time.Date(2026, 10, 16, 10, 0, 0, 0, time.UTC), true},
		{"weekday only on friday", "30 9 * * 1-5", time.Date(2026, 10, 16, 9, 30, 0, 0, time.UTC), true},
		{"weekday only on saturday", "30 9 * * 1-5", time.Date(2026, 10, 17, 9, 30, 0, 0, time.UTC), false},
		{"six field spec", "0 0 12 * * *", time.Date(2026, 10, 16, 12, 0, 0, 0, time.UTC), true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			job, err := NewCronJob("G", "J", tc.spec, nil)
			require.NoError(t, err)
			assert.Equal(t, tc.accept, job.AcceptTick(tickAt(tc.at)))
		})
	}
}

func TestCronJobUsesTickLocation(t *testing.T) {
	zurich, err := time.LoadLocation("Europe/Zurich")
	require.NoError(t, err)

	job := MustCronJob("G", "J", "0 9 * * *", nil)
	assert.True(t, job.AcceptTick(tickAt(time.Date(2026, 10, 16, 9, 0, 0, 0, zurich))))
	assert.False(t, job.AcceptTick(tickAt(time.Date(2026, 10, 16, 9, 0, 0, 0, zurich).In(time.UTC))))
}

func TestCronJobRejectsBadSpecs(t *testing.T) {
	_, err := NewCronJob("G", "J", "not a spec", nil)
	assert.Error(t, err)

	_, err = NewCronJob("G", "J", "@every 5m", nil)
	assert.Error(t, err, "interval specs do not align to ticks")

	assert.Panics(t, func() { MustCronJob("G", "J", "61 * * * *", nil) })
}

func TestCronJobZeroTick(t *testing.T) {
	job := MustCronJob("G", "J", "* * * * *", nil)
	assert.False(t, job.AcceptTick(ticker.TickSignal{}))
	assert.Equal(t, "* * * * *", job.Spec())
	assert.Equal(t,
		time.Date(2026, 10, 16, 10, 1, 0, 0, time.UTC),
		job.Next(time.Date(2026, 10, 16, 10, 0, 30, 0, time.UTC)))
}
