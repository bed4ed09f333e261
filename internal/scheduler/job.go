package scheduler

import (
	"context"
	"sync/atomic"

	"github.com/ChuLiYu/scout-runtime/internal/ticker"
	"github.com/ChuLiYu/scout-runtime/pkg/types"
)

// Job is a unit of work the scheduler offers every tick to.
//
// Implementations must be pointer types: the scheduler tracks jobs by
// identity. Interruption is cooperative; Run should return soon after ctx
// is cancelled or IsInterrupted reports true.
type Job interface {
	GroupID() string
	JobID() string

	// AcceptTick reports whether the job wants to run for tick.
	AcceptTick(tick ticker.TickSignal) bool
	// Run executes the job body. It runs on its own goroutine, outside
	// the scheduler lock, so it may call back into s.
	Run(ctx context.Context, s *Scheduler, tick ticker.TickSignal) error

	IsDisposed() bool
	SetDisposed(disposed bool)
	IsInterrupted() bool
	SetInterrupted(interrupted bool)
}

// RunFunc is the body of a FuncJob or CronJob.
type RunFunc func(ctx context.Context, s *Scheduler, tick ticker.TickSignal) error

// Key returns the identity of job.
func Key(job Job) types.JobKey {
	return types.JobKey{GroupID: job.GroupID(), JobID: job.JobID()}
}

// BaseJob carries identity and the disposed and interrupted flags. Embed
// it to implement Job.
type BaseJob struct {
	groupID     string
	jobID       string
	disposed    atomic.Bool
	interrupted atomic.Bool
}

// NewBaseJob returns a BaseJob for the given identity.
func NewBaseJob(groupID, jobID string) BaseJob {
	return BaseJob{groupID: groupID, jobID: jobID}
}

func (b *BaseJob) GroupID() string { return b.groupID }

func (b *BaseJob) JobID() string { return b.jobID }

func (b *BaseJob) IsDisposed() bool { return b.disposed.Load() }

func (b *BaseJob) SetDisposed(v bool) { b.disposed.Store(v) }

func (b *BaseJob) IsInterrupted() bool { return b.interrupted.Load() }

func (b *BaseJob) SetInterrupted(v bool) { b.interrupted.Store(v) }

// FuncJob adapts a pair of functions to Job.
type FuncJob struct {
	BaseJob
	accept func(ticker.TickSignal) bool
	run    RunFunc
}

// NewFuncJob creates a job from an accept predicate and a body. A nil
// accept fires on every tick.
func NewFuncJob(groupID, jobID string, accept func(ticker.TickSignal) bool, run RunFunc) *FuncJob {
	return &FuncJob{
		BaseJob: NewBaseJob(groupID, jobID),
		accept:  accept,
		run:     run,
	}
}

func (j *FuncJob) AcceptTick(tick ticker.TickSignal) bool {
	if j.accept == nil {
		return true
	}
	return j.accept(tick)
}

func (j *FuncJob) Run(ctx context.Context, s *Scheduler, tick ticker.TickSignal) error {
	if j.run == nil {
		return nil
	}
	return j.run(ctx, s, tick)
}
