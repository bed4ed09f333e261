package services

import (
	"context"

	"github.com/ChuLiYu/scout-runtime/internal/scheduler"
	"github.com/ChuLiYu/scout-runtime/internal/tunnel"
	"github.com/ChuLiYu/scout-runtime/pkg/types"
)

// SchedulerAdmin serves SchedulerService.
type SchedulerAdmin struct {
	sched *scheduler.Scheduler
}

func NewSchedulerAdmin(s *scheduler.Scheduler) *SchedulerAdmin {
	return &SchedulerAdmin{sched: s}
}

func (s *SchedulerAdmin) Name() string { return SchedulerService }

func (s *SchedulerAdmin) Operations() map[string]tunnel.Operation {
	return map[string]tunnel.Operation{
		"listJobs":      s.listJobs,
		"interruptJobs": s.interruptJobs,
		"removeJobs":    s.removeJobs,
	}
}

func (s *SchedulerAdmin) listJobs(context.Context, []any) (any, error) {
	return s.sched.Snapshot(), nil
}

func (s *SchedulerAdmin) interruptJobs(_ context.Context, args []any) (any, error) {
	group, job, err := pattern(args)
	if err != nil {
		return nil, err
	}
	return keys(s.sched.InterruptJobs(group, job)), nil
}

func (s *SchedulerAdmin) removeJobs(_ context.Context, args []any) (any, error) {
	group, job, err := pattern(args)
	if err != nil {
		return nil, err
	}
	return keys(s.sched.RemoveJobs(group, job)), nil
}

// pattern reads the optional (groupID, jobID) arguments.
func pattern(args []any) (group, job string, err error) {
	if _, err = tunnel.OptionalArg(args, 0, &group); err != nil {
		return "", "", err
	}
	if _, err = tunnel.OptionalArg(args, 1, &job); err != nil {
		return "", "", err
	}
	return group, job, nil
}

func keys(jobs []scheduler.Job) []string {
	out := make([]string, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, types.JobKey{GroupID: j.GroupID(), JobID: j.JobID()}.String())
	}
	return out
}
