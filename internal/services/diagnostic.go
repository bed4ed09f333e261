package services

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/ChuLiYu/scout-runtime/internal/tunnel"
)

// MaxSleep bounds DiagnosticService.sleep.
const MaxSleep = 10 * time.Minute

// StatusFunc reports node status for DiagnosticService.status.
type StatusFunc func() map[string]interface{}

// Diagnostic serves DiagnosticService. sleep simulates a long running
// operation and returns early when the request is cancelled.
type Diagnostic struct {
	started time.Time
	status  StatusFunc
}

// NewDiagnostic creates the service; status may be nil.
func NewDiagnostic(status StatusFunc) *Diagnostic {
	return &Diagnostic{started: time.Now(), status: status}
}

func (s *Diagnostic) Name() string { return DiagnosticService }

func (s *Diagnostic) Operations() map[string]tunnel.Operation {
	return map[string]tunnel.Operation{
		"ping":   s.ping,
		"sleep":  s.sleep,
		"status": s.getStatus,
	}
}

// PingResult is returned by ping.
type PingResult struct {
	Session string `json:"session"`
	Seq     string `json:"seq"`
	Time    string `json:"time"`
	Uptime  string `json:"uptime"`
}

func (s *Diagnostic) ping(ctx context.Context, _ []any) (any, error) {
	session, _ := tunnel.SessionFrom(ctx)
	seq, _ := tunnel.SeqFrom(ctx)
	return PingResult{
		Session: string(session.ID),
		Seq:     seq.String(),
		Time:    time.Now().UTC().Format(time.RFC3339Nano),
		Uptime:  time.Since(s.started).Round(time.Millisecond).String(),
	}, nil
}

// sleep(ms) waits ms milliseconds and returns the time slept in ms.
func (s *Diagnostic) sleep(ctx context.Context, args []any) (any, error) {
	var ms int64
	if err := tunnel.Arg(args, 0, &ms); err != nil {
		return nil, err
	}
	d := time.Duration(ms) * time.Millisecond
	if d < 0 || d > MaxSleep {
		return nil, errors.Mark(errors.Newf("sleep %s out of range [0, %s]", d, MaxSleep), tunnel.ErrBadRequest)
	}

	start := time.Now()
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return nil, errors.Wrapf(ctx.Err(), "sleep interrupted after %s", time.Since(start).Round(time.Millisecond))
	case <-timer.C:
		return time.Since(start).Milliseconds(), nil
	}
}

func (s *Diagnostic) getStatus(context.Context, []any) (any, error) {
	if s.status == nil {
		return map[string]interface{}{"uptime": time.Since(s.started).Round(time.Second).String()}, nil
	}
	return s.status(), nil
}
