package scheduler

import (
	"context"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/robfig/cron/v3"

	"github.com/ChuLiYu/scout-runtime/internal/ticker"
)

// cronParser accepts 5 field specs, 6 field specs with leading seconds,
// and descriptors such as @hourly.
var cronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// CronJob fires on the ticks matched by a cron expression.
type CronJob struct {
	BaseJob
	spec     string
	schedule cron.Schedule
	pinnedTZ bool
	run      RunFunc
}

// NewCronJob parses spec and returns a job running run on every matching
// tick. The expression is evaluated in the tick's location unless it
// carries its own CRON_TZ prefix.
func NewCronJob(groupID, jobID, spec string, run RunFunc) (*CronJob, error) {
	sched, err := cronParser.Parse(spec)
	if err != nil {
		return nil, errors.Wrapf(err, "parse cron spec %q", spec)
	}
	if _, ok := sched.(cron.ConstantDelaySchedule); ok {
		return nil, errors.WithHint(
			errors.Newf("cron spec %q is an interval, not a calendar expression", spec),
			"use a field expression such as */5 * * * *")
	}
	trimmed := strings.TrimSpace(spec)
	return &CronJob{
		BaseJob:  NewBaseJob(groupID, jobID),
		spec:     spec,
		schedule: sched,
		pinnedTZ: strings.HasPrefix(trimmed, "CRON_TZ=") || strings.HasPrefix(trimmed, "TZ="),
		run:      run,
	}, nil
}

// MustCronJob is NewCronJob for specs known at compile time.
func MustCronJob(groupID, jobID, spec string, run RunFunc) *CronJob {
	j, err := NewCronJob(groupID, jobID, spec, run)
	if err != nil {
		panic(err)
	}
	return j
}

func (j *CronJob) Spec() string { return j.spec }

// AcceptTick reports whether the tick instant is a firing time of the
// expression.
func (j *CronJob) AcceptTick(tick ticker.TickSignal) bool {
	at := tick.Time()
	if at.IsZero() {
		return false
	}
	sched := j.schedule
	if ss, ok := sched.(*cron.SpecSchedule); ok && !j.pinnedTZ {
		local := *ss
		local.Location = at.Location()
		sched = &local
	}
	return sched.Next(at.Add(-time.Nanosecond)).Equal(at)
}

// Next returns the first firing time after t.
func (j *CronJob) Next(t time.Time) time.Time {
	return j.schedule.Next(t)
}

func (j *CronJob) Run(ctx context.Context, s *Scheduler, tick ticker.TickSignal) error {
	if j.run == nil {
		return nil
	}
	return j.run(ctx, s, tick)
}
