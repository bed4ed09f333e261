package services

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/ChuLiYu/scout-runtime/internal/notification"
	"github.com/ChuLiYu/scout-runtime/internal/scheduler"
	"github.com/ChuLiYu/scout-runtime/internal/ticker"
	"github.com/ChuLiYu/scout-runtime/internal/tunnel"
	"github.com/ChuLiYu/scout-runtime/pkg/types"
)

var (
	alice = types.Session{ID: "s-alice", UserID: "alice"}
	bob   = types.Session{ID: "s-bob", UserID: "bob"}
)

func sessionCtx(s types.Session) context.Context {
	return tunnel.ContextWithSeq(tunnel.ContextWithSession(context.Background(), s), 7)
}

func newRegistry(t *testing.T, svcs ...Service) *tunnel.ServiceRegistry {
	t.Helper()
	r := tunnel.NewServiceRegistry()
	require.NoError(t, Register(r, svcs...))
	return r
}

func call(t *testing.T, r *tunnel.ServiceRegistry, ctx context.Context, service, op string, args ...any) (any, error) {
	t.Helper()
	fn, err := r.Lookup(service, op)
	require.NoError(t, err)
	return fn(ctx, args)
}

func TestRegisterRejectsDuplicateService(t *testing.T) {
	r := tunnel.NewServiceRegistry()
	require.NoError(t, Register(r, NewDiagnostic(nil)))
	assert.Error(t, Register(r, NewDiagnostic(nil)))
}

func TestPublishAndConsume(t *testing.T) {
	q := notification.NewQueue()
	pub := NewPublisher(q, time.Minute, zaptest.NewLogger(t).Sugar())
	r := newRegistry(t, pub, NewNotificationConsumer(q))

	_, err := call(t, r, context.Background(), NotificationService, "publish",
		"orderChanged", "order-7", map[string]any{"id": 7.0},
		map[string]any{"type": "user", "target": "alice"})
	require.NoError(t, err)

	got, err := call(t, r, sessionCtx(alice), NotificationConsumerService, "getNextNotifications", 0.0)
	require.NoError(t, err)
	ws := got.([]tunnel.WireNotification)
	require.Len(t, ws, 1)
	assert.Equal(t, "orderChanged", ws[0].Kind)
	assert.Equal(t, map[string]any{"id": 7.0}, ws[0].Body)

	got, err = call(t, r, sessionCtx(bob), NotificationConsumerService, "getNextNotifications", 0.0)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestPublishCoalesces(t *testing.T) {
	q := notification.NewQueue()
	pub := NewPublisher(q, time.Minute, nil)

	for i := 0; i < 3; i++ {
		require.NoError(t, pub.Publish(&notification.Message{Name: "price", CoalesceKey: "sku-1", Body: i}, FilterSpec{}))
	}
	assert.Equal(t, 1, q.Len())

	ns := q.GetNextNotifications(context.Background(), alice, 0)
	require.Len(t, ns, 1)
	assert.Equal(t, 2, ns[0].(*notification.Message).Body)
}

func TestPublishValidation(t *testing.T) {
	q := notification.NewQueue()
	r := newRegistry(t, NewPublisher(q, time.Minute, nil))

	_, err := call(t, r, context.Background(), NotificationService, "publish")
	assert.ErrorIs(t, err, tunnel.ErrBadRequest)

	_, err = call(t, r, context.Background(), NotificationService, "publish", "")
	assert.ErrorIs(t, err, tunnel.ErrBadRequest)

	_, err = call(t, r, context.Background(), NotificationService, "publish", "k", "", nil,
		map[string]any{"type": "session"})
	assert.ErrorIs(t, err, tunnel.ErrBadRequest)

	_, err = call(t, r, context.Background(), NotificationService, "publish", "k", "", nil,
		map[string]any{"type": "broadcast"})
	assert.ErrorIs(t, err, tunnel.ErrBadRequest)
	assert.Equal(t, 0, q.Len())
}

func TestFilterSpecTTL(t *testing.T) {
	f, err := FilterSpec{Type: "all"}.Build(time.Minute)
	require.NoError(t, err)
	until := f.(notification.AllSessionsFilter).ValidUntil
	assert.WithinDuration(t, time.Now().Add(time.Minute), until, time.Second)

	f, err = FilterSpec{Type: "session", Target: "s1", TTLMs: -1}.Build(time.Minute)
	require.NoError(t, err)
	assert.True(t, f.(notification.SessionFilter).ValidUntil.IsZero())

	f, err = FilterSpec{Type: "any", TTLMs: 1}.Build(time.Minute)
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)
	assert.False(t, f.IsActive())
}

func TestConsumerWaitsForNotification(t *testing.T) {
	q := notification.NewQueue()
	r := newRegistry(t, NewNotificationConsumer(q))

	go func() {
		time.Sleep(20 * time.Millisecond)
		_ = q.Put(&notification.Message{Name: "late"}, notification.NewSessionFilter(alice.ID, time.Minute))
	}()

	got, err := call(t, r, sessionCtx(alice), NotificationConsumerService, "getNextNotifications", 2000.0)
	require.NoError(t, err)
	ws := got.([]tunnel.WireNotification)
	require.Len(t, ws, 1)
	assert.Equal(t, "late", ws[0].Kind)
}

func TestConsumerRequiresSession(t *testing.T) {
	r := newRegistry(t, NewNotificationConsumer(notification.NewQueue()))
	_, err := call(t, r, context.Background(), NotificationConsumerService, "getNextNotifications")
	assert.ErrorIs(t, err, tunnel.ErrBadRequest)
}

func TestSchedulerAdmin(t *testing.T) {
	s := scheduler.New(ticker.NewManual(time.Date(2026, 10, 16, 10, 0, 0, 0, time.UTC), ticker.Minute))
	require.NoError(t, s.AddJob(scheduler.NewFuncJob("reports", "daily", nil, nil)))
	require.NoError(t, s.AddJob(scheduler.NewFuncJob("reports", "weekly", nil, nil)))
	require.NoError(t, s.AddJob(scheduler.NewFuncJob("housekeeping", "sweep", nil, nil)))
	r := newRegistry(t, NewSchedulerAdmin(s))

	got, err := call(t, r, context.Background(), SchedulerService, "listJobs")
	require.NoError(t, err)
	assert.Len(t, got, 3)

	got, err = call(t, r, context.Background(), SchedulerService, "interruptJobs", "reports")
	require.NoError(t, err)
	assert.Empty(t, got, "nothing is running")

	got, err = call(t, r, context.Background(), SchedulerService, "removeJobs", "reports", "weekly")
	require.NoError(t, err)
	assert.Equal(t, []string{"reports/weekly"}, got)
	assert.Equal(t, 2, s.GetJobCount())

	_, err = call(t, r, context.Background(), SchedulerService, "removeJobs", 5.0)
	assert.ErrorIs(t, err, tunnel.ErrBadRequest)
}

func TestDiagnosticPing(t *testing.T) {
	r := newRegistry(t, NewDiagnostic(nil))

	got, err := call(t, r, sessionCtx(alice), DiagnosticService, "ping")
	require.NoError(t, err)
	res := got.(PingResult)
	assert.Equal(t, "s-alice", res.Session)
	assert.Equal(t, "7", res.Seq)
}

func TestDiagnosticSleep(t *testing.T) {
	r := newRegistry(t, NewDiagnostic(nil))

	got, err := call(t, r, context.Background(), DiagnosticService, "sleep", 10.0)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, got.(int64), int64(10))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	start := time.Now()
	_, err = call(t, r, ctx, DiagnosticService, "sleep", 60000.0)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 5*time.Second)

	_, err = call(t, r, context.Background(), DiagnosticService, "sleep", -1.0)
	assert.ErrorIs(t, err, tunnel.ErrBadRequest)
}

func TestDiagnosticStatus(t *testing.T) {
	r := newRegistry(t, NewDiagnostic(func() map[string]interface{} {
		return map[string]interface{}{"jobs": 3}
	}))
	got, err := call(t, r, context.Background(), DiagnosticService, "status")
	require.NoError(t, err)
	assert.Equal(t, map[string]interface{}{"jobs": 3}, got)

	r = newRegistry(t, NewDiagnostic(nil))
	got, err = call(t, r, context.Background(), DiagnosticService, "status")
	require.NoError(t, err)
	assert.Contains(t, got, "uptime")
}
