package server

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/test/bufconn"

	"github.com/ChuLiYu/scout-runtime/internal/notification"
	"github.com/ChuLiYu/scout-runtime/internal/tunnel"
	"github.com/ChuLiYu/scout-runtime/pkg/types"
)

var errOrderLocked = errors.New("order locked")

type harness struct {
	t            *testing.T
	server       *Server
	transactions *tunnel.TransactionRegistry
	queue        *notification.Queue
	conn         *grpc.ClientConn

	started chan types.RequestSeq
	release chan struct{}
	seen    chan error
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	log := zaptest.NewLogger(t).Sugar()

	h := &harness{
		t:            t,
		transactions: tunnel.NewTransactionRegistry(nil),
		queue:        notification.NewQueue(notification.WithLogger(log)),
		started:      make(chan types.RequestSeq, 4),
		release:      make(chan struct{}),
		seen:         make(chan error, 4),
	}

	services := tunnel.NewServiceRegistry()
	require.NoError(t, services.Register("Test", map[string]tunnel.Operation{
		"echo": func(_ context.Context, args []any) (any, error) {
			if len(args) == 0 {
				return nil, nil
			}
			return args[0], nil
		},
		"whoami": func(ctx context.Context, _ []any) (any, error) {
			s, _ := tunnel.SessionFrom(ctx)
			seq, _ := tunnel.SeqFrom(ctx)
			return map[string]any{"session": string(s.ID), "user": s.UserID, "seq": seq.String()}, nil
		},
		"lock": func(context.Context, []any) (any, error) {
			return nil, errors.Wrap(errOrderLocked, "save order 7")
		},
		"panic": func(context.Context, []any) (any, error) {
			panic("boom")
		},
		"slow": func(ctx context.Context, _ []any) (any, error) {
			seq, _ := tunnel.SeqFrom(ctx)
			h.started <- seq
			select {
			case <-h.release:
				return "done", nil
			case <-ctx.Done():
				h.seen <- context.Cause(ctx)
				return nil, ctx.Err()
			}
		},
	}))

	srv, err := NewServer(services, h.transactions,
		WithNotifications(h.queue, true),
		WithLogger(log))
	require.NoError(t, err)
	h.server = srv

	lis := bufconn.Listen(1 << 20)
	g := srv.NewGRPCServer()
	go func() { _ = g.Serve(lis) }()
	t.Cleanup(g.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	h.conn = conn
	return h
}

func (h *harness) client(session types.Session, opts ...tunnel.ClientOption) *tunnel.Client {
	base := []tunnel.ClientOption{
		tunnel.WithSession(session),
		tunnel.WithPollInterval(10 * time.Millisecond),
		tunnel.WithCancelTimeout(time.Second),
		tunnel.WithClientLogger(zaptest.NewLogger(h.t).Sugar()),
	}
	return tunnel.NewClient(h.conn, append(base, opts...)...)
}

var alice = types.Session{ID: "s-alice", UserID: "alice"}

func TestServerEcho(t *testing.T) {
	h := newHarness(t)
	c := h.client(alice)

	data, err := c.Call(context.Background(), "Test", "echo", "hello")
	require.NoError(t, err)
	assert.Equal(t, "hello", data)
}

func TestServerSessionInContext(t *testing.T) {
	h := newHarness(t)
	c := h.client(alice)

	var who struct {
		Session string `json:"session"`
		User    string `json:"user"`
		Seq     string `json:"seq"`
	}
	require.NoError(t, c.CallInto(context.Background(), &who, "Test", "whoami"))
	assert.Equal(t, "s-alice", who.Session)
	assert.Equal(t, "alice", who.User)
	assert.Equal(t, c.LastSeq().String(), who.Seq)
}

func TestServerErrorIdentity(t *testing.T) {
	h := newHarness(t)
	c := h.client(alice)

	_, err := c.Call(context.Background(), "Nope", "x")
	assert.ErrorIs(t, err, tunnel.ErrUnknownService)

	_, err = c.Call(context.Background(), "Test", "nope")
	assert.ErrorIs(t, err, tunnel.ErrUnknownOperation)

	_, err = c.Call(context.Background(), "Test", "lock")
	assert.ErrorIs(t, err, errOrderLocked)
	assert.Contains(t, err.Error(), "save order 7")
	assert.False(t, errors.Is(err, tunnel.ErrInterrupted))
}

func TestServerRecoversPanickingOperation(t *testing.T) {
	h := newHarness(t)
	c := h.client(alice)

	_, err := c.Call(context.Background(), "Test", "panic")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")

	data, err := c.Call(context.Background(), "Test", "echo", 1)
	require.NoError(t, err)
	assert.Equal(t, float64(1), data)
	assert.Equal(t, 0, h.transactions.Len())
}

func TestCancelUnknownSeqReturnsFalse(t *testing.T) {
	h := newHarness(t)
	c := h.client(alice)

	data, err := c.Call(context.Background(), tunnel.CancelService, tunnel.CancelOperation, "4242")
	require.NoError(t, err)
	assert.Equal(t, false, data)
}

func TestCancelRequiresSeq(t *testing.T) {
	h := newHarness(t)
	c := h.client(alice)

	_, err := c.Call(context.Background(), tunnel.CancelService, tunnel.CancelOperation)
	assert.ErrorIs(t, err, tunnel.ErrBadRequest)

	_, err = c.Call(context.Background(), tunnel.CancelService, tunnel.CancelOperation, "abc")
	assert.ErrorIs(t, err, tunnel.ErrBadRequest)
}

func TestCancelRunningRequest(t *testing.T) {
	h := newHarness(t)
	c := h.client(alice)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-h.started
		cancel()
	}()

	resp := c.Invoke(ctx, "Test", "slow")
	require.Error(t, resp.Err)
	assert.True(t, resp.Interrupted())
	assert.ErrorIs(t, resp.Err, context.Canceled)

	select {
	case cause := <-h.seen:
		assert.ErrorIs(t, cause, errCancelledByClient)
	case <-time.After(2 * time.Second):
		t.Fatal("operation was not interrupted")
	}
	assert.Eventually(t, func() bool { return h.transactions.Len() == 0 },
		2*time.Second, 5*time.Millisecond)
}

func TestCancelFromAnotherSessionIsRefused(t *testing.T) {
	h := newHarness(t)
	c := h.client(alice)
	mallory := h.client(types.Session{ID: "s-mallory", UserID: "mallory"})

	done := make(chan *tunnel.Response, 1)
	go func() { done <- c.Invoke(context.Background(), "Test", "slow") }()

	seq := <-h.started
	data, err := mallory.Call(context.Background(), tunnel.CancelService, tunnel.CancelOperation, seq.String())
	require.NoError(t, err)
	assert.Equal(t, false, data)

	close(h.release)
	resp := <-done
	require.NoError(t, resp.Err)
	assert.Equal(t, "done", resp.Data)
}

func TestPiggybackedNotifications(t *testing.T) {
	h := newHarness(t)

	got := make(chan []tunnel.WireNotification, 4)
	c := h.client(alice, tunnel.WithNotificationHandler(func(ns []tunnel.WireNotification) { got <- ns }))

	require.NoError(t, h.queue.Put(&notification.Message{Name: "changed", Body: "order-7"},
		notification.NewSessionFilter(alice.ID, time.Minute)))
	require.NoError(t, h.queue.Put(&notification.Message{Name: "other"},
		notification.NewSessionFilter("s-bob", time.Minute)))

	_, err := c.Call(context.Background(), "Test", "echo")
	require.NoError(t, err)

	select {
	case ns := <-got:
		require.Len(t, ns, 1)
		assert.Equal(t, "changed", ns[0].Kind)
		assert.Equal(t, "order-7", ns[0].Body)
	default:
		t.Fatal("no notifications piggybacked")
	}

	h.server.SetPiggyback(false)
	require.NoError(t, h.queue.Put(&notification.Message{Name: "later"},
		notification.NewSessionFilter(alice.ID, time.Minute)))
	_, err = c.Call(context.Background(), "Test", "echo")
	require.NoError(t, err)
	assert.Empty(t, got)
	assert.Equal(t, 2, h.queue.Len(), "bob's and the unpiggybacked element remain")
}

func TestNewServerRejectsSecondCancelService(t *testing.T) {
	services := tunnel.NewServiceRegistry()
	tx := tunnel.NewTransactionRegistry(nil)
	_, err := NewServer(services, tx)
	require.NoError(t, err)
	_, err = NewServer(services, tx)
	assert.Error(t, err)
}
