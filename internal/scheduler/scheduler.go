// ============================================================================
// Scout Runtime Scheduler - tick driven job dispatcher
// ============================================================================
//
// Package: internal/scheduler
// File: scheduler.go
// Purpose: Offer every tick to every available job and run accepted jobs
//          on their own goroutines
//
// Job sets:
//   - available: jobs registered with AddJob, at most one per (group, job)
//   - running: jobs currently executing, at most one per (group, job)
//
// Dispatcher loop:
//   wait for next tick -> visit all available jobs -> repeat
//   While inactive the loop sleeps for one second instead of waiting for
//   ticks.
//
// Visit (per job, under the lock):
//   1. same key running   -> skip (debug log, rate limited)
//   2. disposed           -> evict from available
//   3. already launched for this tick -> skip
//   4. AcceptTick true    -> move to running, launch goroutine
//
// Completion (success, error or panic):
//   remove from running under the lock; evict from available when the job
//   was disposed meanwhile. Errors are logged and never reach the
//   dispatcher.
//
// Interruption:
//   InterruptJobs and Stop set the interrupted flag and cancel the run
//   context. Job bodies must cooperate.
//
// ============================================================================

package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/ChuLiYu/scout-runtime/internal/logging"
	"github.com/ChuLiYu/scout-runtime/internal/metrics"
	"github.com/ChuLiYu/scout-runtime/internal/ticker"
	"github.com/ChuLiYu/scout-runtime/pkg/types"
)

var (
	ErrNilJob         = errors.New("scheduler: job must not be nil")
	ErrAlreadyStarted = errors.New("scheduler: already started")
	ErrJobPanicked    = errors.New("scheduler: job panicked")
)

// InactivePollInterval is how long the dispatcher sleeps between checks
// while the scheduler is inactive.
const InactivePollInterval = time.Second

// ============================================================================
// Data structures
// ============================================================================

type runningJob struct {
	job     Job
	tick    ticker.TickSignal
	cancel  context.CancelFunc
	started time.Time
}

// JobInfo is a point in time view of one job.
type JobInfo struct {
	GroupID     string    `json:"group_id"`
	JobID       string    `json:"job_id"`
	Running     bool      `json:"running"`
	Available   bool      `json:"available"`
	Interrupted bool      `json:"interrupted"`
	LastTick    string    `json:"last_tick,omitempty"`
	StartedAt   time.Time `json:"started_at,omitempty"`
}

// Scheduler dispatches ticks from a Source to registered jobs.
type Scheduler struct {
	source  ticker.Source
	log     *zap.SugaredLogger
	metrics *metrics.Collector
	// skipLog throttles "still running" messages; long jobs would
	// otherwise log once per tick.
	skipLog *rate.Limiter

	active atomic.Bool

	mu           sync.Mutex
	available    []Job
	running      map[types.JobKey]*runningJob
	lastLaunched map[types.JobKey]ticker.TickSignal
	started      bool
	jobsCtx      context.Context
	cancelJobs   context.CancelFunc
	cancelLoop   context.CancelFunc
	loopDone     chan struct{}
	jobWg        sync.WaitGroup
}

// Option configures a Scheduler.
type Option func(*Scheduler)

func WithLogger(l *zap.SugaredLogger) Option {
	return func(s *Scheduler) { s.log = logging.Component(l, "scheduler") }
}

func WithMetrics(c *metrics.Collector) Option {
	return func(s *Scheduler) { s.metrics = c }
}

// New creates an active, stopped scheduler reading ticks from source.
func New(source ticker.Source, opts ...Option) *Scheduler {
	s := &Scheduler{
		source:       source,
		log:          logging.Component(nil, "scheduler"),
		skipLog:      rate.NewLimiter(rate.Every(10*time.Second), 5),
		running:      make(map[types.JobKey]*runningJob),
		lastLaunched: make(map[types.JobKey]ticker.TickSignal),
	}
	s.active.Store(true)
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ============================================================================
// Lifecycle
// ============================================================================

// Start launches the dispatcher goroutine. It runs until Stop is called or
// ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return ErrAlreadyStarted
	}
	s.started = true
	s.jobsCtx, s.cancelJobs = context.WithCancel(context.WithoutCancel(ctx))

	loopCtx, cancel := context.WithCancel(ctx)
	s.cancelLoop = cancel
	s.loopDone = make(chan struct{})
	go s.loop(loopCtx, s.loopDone)

	s.log.Infow("scheduler started", "active", s.IsActive())
	return nil
}

// Stop halts the dispatcher, interrupts every running job and waits for
// them to return or for ctx to end.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = false
	s.cancelLoop()
	for _, rj := range s.running {
		rj.job.SetInterrupted(true)
		rj.cancel()
	}
	s.cancelJobs()
	loopDone := s.loopDone
	s.mu.Unlock()

	<-loopDone

	jobsDone := make(chan struct{})
	go func() {
		s.jobWg.Wait()
		close(jobsDone)
	}()

	select {
	case <-jobsDone:
		s.log.Infow("scheduler stopped")
		return nil
	case <-ctx.Done():
		s.log.Warnw("scheduler stopped with jobs still running", logging.FieldCount, s.GetRunningJobCount())
		return errors.Wrap(ctx.Err(), "waiting for running jobs")
	}
}

// IsRunning reports whether the dispatcher is started.
func (s *Scheduler) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.started
}

// SetActive pauses or resumes tick dispatch. Running jobs are unaffected.
func (s *Scheduler) SetActive(active bool) {
	if s.active.Swap(active) != active {
		s.log.Infow("scheduler active flag changed", "active", active)
	}
}

func (s *Scheduler) IsActive() bool {
	return s.active.Load()
}

func (s *Scheduler) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	for {
		if ctx.Err() != nil {
			return
		}
		if !s.IsActive() {
			select {
			case <-ctx.Done():
				return
			case <-time.After(InactivePollInterval):
			}
			continue
		}

		tick, err := s.source.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.log.Warnw("tick source failed", logging.FieldError, err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(InactivePollInterval):
			}
			continue
		}
		if !s.IsActive() {
			continue
		}
		s.visitAll(tick)
	}
}

// ============================================================================
// Dispatch
// ============================================================================

func (s *Scheduler) visitAll(tick ticker.TickSignal) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.started {
		return
	}
	s.metrics.RecordTick()

	for key, last := range s.lastLaunched {
		if last.Time().Before(tick.Time()) {
			delete(s.lastLaunched, key)
		}
	}

	snapshot := make([]Job, len(s.available))
	copy(snapshot, s.available)
	for _, job := range snapshot {
		s.visitJobLocked(job, tick)
	}
}

func (s *Scheduler) visitJobLocked(job Job, tick ticker.TickSignal) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Errorw("job visit panicked",
				logging.FieldGroupID, job.GroupID(),
				logging.FieldJobID, job.JobID(),
				logging.FieldError, r)
		}
	}()

	key := Key(job)
	if _, busy := s.running[key]; busy {
		if s.skipLog.Allow() {
			s.log.Debugw("job still running; skipping",
				logging.FieldGroupID, key.GroupID,
				logging.FieldJobID, key.JobID,
				logging.FieldTick, tick.String())
		}
		return
	}
	if job.IsDisposed() {
		s.removeAvailableLocked(job)
		return
	}
	if last, ok := s.lastLaunched[key]; ok && last.Equal(tick) {
		return
	}
	if !job.AcceptTick(tick) {
		return
	}
	s.launchLocked(job, tick)
}

func (s *Scheduler) launchLocked(job Job, tick ticker.TickSignal) {
	key := Key(job)
	ctx, cancel := context.WithCancel(s.jobsCtx)
	rj := &runningJob{job: job, tick: tick, cancel: cancel, started: time.Now()}

	job.SetInterrupted(false)
	s.running[key] = rj
	s.lastLaunched[key] = tick
	s.jobWg.Add(1)
	s.metrics.RecordJobStarted()

	s.log.Debugw("job launched",
		logging.FieldGroupID, key.GroupID,
		logging.FieldJobID, key.JobID,
		logging.FieldTick, tick.String())

	go s.runJob(ctx, rj)
}

func (s *Scheduler) runJob(ctx context.Context, rj *runningJob) {
	defer s.jobWg.Done()

	key := Key(rj.job)
	err := s.invoke(ctx, rj)
	rj.cancel()

	elapsed := time.Since(rj.started)
	failed := err != nil
	switch {
	case !failed:
	case rj.job.IsInterrupted() && errors.Is(err, context.Canceled):
		s.log.Infow("job interrupted",
			logging.FieldGroupID, key.GroupID,
			logging.FieldJobID, key.JobID,
			logging.FieldDuration, elapsed)
	default:
		s.log.Warnw("job failed",
			logging.FieldGroupID, key.GroupID,
			logging.FieldJobID, key.JobID,
			logging.FieldDuration, elapsed,
			logging.FieldError, err)
	}

	s.mu.Lock()
	if cur, ok := s.running[key]; ok && cur == rj {
		delete(s.running, key)
	}
	if rj.job.IsDisposed() {
		s.removeAvailableLocked(rj.job)
	}
	s.mu.Unlock()

	s.metrics.RecordJobFinished(elapsed, failed)
}

func (s *Scheduler) invoke(ctx context.Context, rj *runningJob) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Mark(errors.Newf("job %s panicked: %v", Key(rj.job), r), ErrJobPanicked)
		}
	}()
	return rj.job.Run(ctx, s, rj.tick)
}

func (s *Scheduler) removeAvailableLocked(job Job) {
	for i, j := range s.available {
		if j == job {
			s.available = append(s.available[:i], s.available[i+1:]...)
			return
		}
	}
}

// ============================================================================
// Job management
// ============================================================================

// AddJob registers job, replacing and disposing any job with the same
// (group, job) key. When no job with that key is running and the
// dispatcher is active, job is offered the current tick right away.
func (s *Scheduler) AddJob(job Job) error {
	if job == nil {
		return ErrNilJob
	}
	key := Key(job)

	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.available[:0]
	for _, old := range s.available {
		if Key(old) == key {
			if old != job {
				old.SetDisposed(true)
			}
			continue
		}
		kept = append(kept, old)
	}
	for i := len(kept); i < len(s.available); i++ {
		s.available[i] = nil
	}
	job.SetDisposed(false)
	s.available = append(kept, job)

	s.log.Debugw("job added", logging.FieldGroupID, key.GroupID, logging.FieldJobID, key.JobID)

	if _, busy := s.running[key]; !busy && s.started && s.IsActive() {
		s.visitJobLocked(job, s.source.Current())
	}
	return nil
}

// RemoveJobs disposes and unregisters the available jobs matching the
// pattern; an empty groupID or jobID matches everything. Running instances
// are not interrupted.
func (s *Scheduler) RemoveJobs(groupID, jobID string) []Job {
	s.mu.Lock()
	defer s.mu.Unlock()

	var removed []Job
	kept := s.available[:0]
	for _, job := range s.available {
		if Key(job).Matches(groupID, jobID) {
			job.SetDisposed(true)
			removed = append(removed, job)
			continue
		}
		kept = append(kept, job)
	}
	for i := len(kept); i < len(s.available); i++ {
		s.available[i] = nil
	}
	s.available = kept

	if len(removed) > 0 {
		s.log.Infow("jobs removed", logging.FieldGroupID, groupID, logging.FieldJobID, jobID, logging.FieldCount, len(removed))
	}
	return removed
}

// InterruptJobs flags and cancels the running jobs matching the pattern.
func (s *Scheduler) InterruptJobs(groupID, jobID string) []Job {
	s.mu.Lock()
	defer s.mu.Unlock()

	var interrupted []Job
	for key, rj := range s.running {
		if !key.Matches(groupID, jobID) {
			continue
		}
		rj.job.SetInterrupted(true)
		rj.cancel()
		interrupted = append(interrupted, rj.job)
	}

	if len(interrupted) > 0 {
		s.log.Infow("jobs interrupted", logging.FieldGroupID, groupID, logging.FieldJobID, jobID, logging.FieldCount, len(interrupted))
	}
	return interrupted
}

// GetJob returns the first available job with the given job id in any
// group, or nil.
func (s *Scheduler) GetJob(jobID string) Job {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, job := range s.available {
		if job.JobID() == jobID {
			return job
		}
	}
	return nil
}

// GetJobs returns the available jobs matching the pattern.
func (s *Scheduler) GetJobs(groupID, jobID string) []Job {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Job
	for _, job := range s.available {
		if Key(job).Matches(groupID, jobID) {
			out = append(out, job)
		}
	}
	return out
}

func (s *Scheduler) GetAllJobs() []Job {
	return s.GetJobs("", "")
}

func (s *Scheduler) GetJobCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.available)
}

// GetRunningJobs returns the running jobs matching the pattern.
func (s *Scheduler) GetRunningJobs(groupID, jobID string) []Job {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Job
	for key, rj := range s.running {
		if key.Matches(groupID, jobID) {
			out = append(out, rj.job)
		}
	}
	return out
}

func (s *Scheduler) GetRunningJobCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.running)
}

// Snapshot describes every available or running job.
func (s *Scheduler) Snapshot() []JobInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	infos := make([]JobInfo, 0, len(s.available)+len(s.running))
	seen := make(map[types.JobKey]int, len(s.available))
	for _, job := range s.available {
		key := Key(job)
		seen[key] = len(infos)
		infos = append(infos, JobInfo{
			GroupID:     key.GroupID,
			JobID:       key.JobID,
			Available:   true,
			Interrupted: job.IsInterrupted(),
		})
	}
	for key, rj := range s.running {
		i, ok := seen[key]
		if !ok {
			i = len(infos)
			infos = append(infos, JobInfo{GroupID: key.GroupID, JobID: key.JobID})
		}
		infos[i].Running = true
		infos[i].Interrupted = rj.job.IsInterrupted()
		infos[i].LastTick = rj.tick.String()
		infos[i].StartedAt = rj.started
	}
	return infos
}
