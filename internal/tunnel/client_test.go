package tunnel

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/ChuLiYu/scout-runtime/pkg/types"
)

// fakeConn answers tunnel calls in process.
type fakeConn struct {
	mu       sync.Mutex
	requests []*Request
	handle   func(ctx context.Context, req *Request) (*Response, error)
}

func (f *fakeConn) Invoke(ctx context.Context, method string, args any, reply any, _ ...grpc.CallOption) error {
	if method != InvokeMethod {
		return status.Errorf(codes.Unimplemented, "method %s", method)
	}
	req, err := DecodeRequest(args.(*structpb.Struct))
	if err != nil {
		return err
	}
	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.mu.Unlock()

	resp, err := f.handle(ctx, req)
	if err != nil {
		return err
	}
	env, err := EncodeResponse(ctx, resp)
	if err != nil {
		return err
	}
	proto.Merge(reply.(*structpb.Struct), env)
	return nil
}

func (f *fakeConn) NewStream(context.Context, *grpc.StreamDesc, string, ...grpc.CallOption) (grpc.ClientStream, error) {
	return nil, status.Error(codes.Unimplemented, "streams")
}

func (f *fakeConn) seen() []*Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*Request(nil), f.requests...)
}

func newTestClient(t *testing.T, conn *fakeConn, opts ...ClientOption) *Client {
	t.Helper()
	base := []ClientOption{
		WithSession(types.Session{ID: "s1", UserID: "alice"}),
		WithPollInterval(10 * time.Millisecond),
		WithCancelTimeout(time.Second),
		WithClientLogger(zaptest.NewLogger(t).Sugar()),
	}
	return NewClient(conn, append(base, opts...)...)
}

func TestClientInvoke(t *testing.T) {
	conn := &fakeConn{handle: func(_ context.Context, req *Request) (*Response, error) {
		return &Response{Data: req.Args[0]}, nil
	}}
	c := newTestClient(t, conn)

	data, err := c.Call(context.Background(), "Echo", "echo", "hi")
	require.NoError(t, err)
	assert.Equal(t, "hi", data)

	var n int
	require.NoError(t, c.CallInto(context.Background(), &n, "Echo", "echo", 12))
	assert.Equal(t, 12, n)

	reqs := conn.seen()
	require.Len(t, reqs, 2)
	assert.Equal(t, types.RequestSeq(1), reqs[0].Seq)
	assert.Equal(t, types.RequestSeq(2), reqs[1].Seq)
	assert.Equal(t, types.SessionID("s1"), reqs[0].Session.ID)
	assert.Equal(t, types.RequestSeq(2), c.LastSeq())
}

func TestClientServerErrorIsReturnedInResponse(t *testing.T) {
	conn := &fakeConn{handle: func(context.Context, *Request) (*Response, error) {
		return &Response{Err: errors.Mark(errors.New("no such service"), ErrUnknownService)}, nil
	}}
	c := newTestClient(t, conn)

	resp := c.Invoke(context.Background(), "Nope", "x")
	assert.ErrorIs(t, resp.Err, ErrUnknownService)
	assert.False(t, resp.Interrupted())
}

func TestClientTransportFailureIsInterrupted(t *testing.T) {
	conn := &fakeConn{handle: func(context.Context, *Request) (*Response, error) {
		return nil, status.Error(codes.Unavailable, "connection refused")
	}}
	c := newTestClient(t, conn)

	resp := c.Invoke(context.Background(), "Echo", "echo")
	require.Error(t, resp.Err)
	assert.True(t, resp.Interrupted())
	assert.Contains(t, resp.Err.Error(), "connection refused")
}

// slowConn blocks the main call until released or until the cancellation
// service answers cancelResult.
func slowConn(cancelResult func() (*Response, error)) (*fakeConn, chan struct{}) {
	release := make(chan struct{})
	conn := &fakeConn{}
	conn.handle = func(ctx context.Context, req *Request) (*Response, error) {
		if req.Service == CancelService {
			return cancelResult()
		}
		select {
		case <-release:
			return &Response{Data: "finished"}, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return conn, release
}

func TestClientCancelConfirmed(t *testing.T) {
	var release chan struct{}
	var conn *fakeConn
	conn, release = slowConn(func() (*Response, error) {
		close(release)
		return &Response{Data: true}, nil
	})
	c := newTestClient(t, conn)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	resp := c.Invoke(ctx, "Slow", "work")
	require.Error(t, resp.Err)
	assert.True(t, resp.Interrupted())
	assert.ErrorIs(t, resp.Err, context.DeadlineExceeded)

	reqs := conn.seen()
	require.Len(t, reqs, 2)
	assert.Equal(t, CancelService, reqs[1].Service)
	assert.Equal(t, CancelOperation, reqs[1].Operation)
	assert.Equal(t, reqs[0].Seq.String(), reqs[1].Args[0], "cancel carries the original seq")
	assert.Greater(t, reqs[1].Seq, reqs[0].Seq)
}

func TestClientCancelRefusedKeepsWaiting(t *testing.T) {
	var cancels atomic.Int32
	conn, release := slowConn(func() (*Response, error) {
		cancels.Add(1)
		return &Response{Data: false}, nil
	})
	c := newTestClient(t, conn)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	go func() {
		time.Sleep(150 * time.Millisecond)
		close(release)
	}()

	resp := c.Invoke(ctx, "Slow", "work")
	require.NoError(t, resp.Err)
	assert.Equal(t, "finished", resp.Data)
	assert.Equal(t, int32(1), cancels.Load(), "cancel is attempted once")
}

func TestClientCancelRefusedLogsOnce(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	conn, release := slowConn(func() (*Response, error) {
		return &Response{Data: false}, nil
	})
	c := newTestClient(t, conn, WithClientLogger(zap.New(core).Sugar()))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	go func() {
		time.Sleep(150 * time.Millisecond)
		close(release)
	}()

	resp := c.Invoke(ctx, "Slow", "work")
	require.NoError(t, resp.Err)

	waiting := logs.FilterMessage("request not cancelled, awaiting server response")
	require.Equal(t, 1, waiting.Len())
	fields := waiting.All()[0].ContextMap()
	assert.Equal(t, "Slow", fields["service"])
	assert.Equal(t, "work", fields["operation"])
}

func TestClientCancelFailureKeepsWaiting(t *testing.T) {
	conn, release := slowConn(func() (*Response, error) {
		return nil, status.Error(codes.DeadlineExceeded, "cancel timed out")
	})
	c := newTestClient(t, conn)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	go func() {
		time.Sleep(100 * time.Millisecond)
		close(release)
	}()

	resp := c.Invoke(ctx, "Slow", "work")
	require.NoError(t, resp.Err)
	assert.Equal(t, "finished", resp.Data)
}

func TestClientCallTimeout(t *testing.T) {
	conn, _ := slowConn(func() (*Response, error) { return &Response{Data: false}, nil })
	c := newTestClient(t, conn, WithCallTimeout(30*time.Millisecond))

	resp := c.Invoke(context.Background(), "Slow", "work")
	assert.True(t, resp.Interrupted())
}

func TestClientNotificationHandler(t *testing.T) {
	conn := &fakeConn{handle: func(context.Context, *Request) (*Response, error) {
		return &Response{Data: "ok", Notifications: []WireNotification{{Kind: "changed", Body: "order-7"}}}, nil
	}}

	got := make(chan []WireNotification, 1)
	c := newTestClient(t, conn, WithNotificationHandler(func(ns []WireNotification) { got <- ns }))

	_, err := c.Call(context.Background(), "Echo", "echo")
	require.NoError(t, err)

	select {
	case ns := <-got:
		require.Len(t, ns, 1)
		assert.Equal(t, "changed", ns[0].Kind)
		assert.Equal(t, "order-7", ns[0].Body)
	default:
		t.Fatal("notification handler not called")
	}
}

func TestClientEncodeFailure(t *testing.T) {
	c := newTestClient(t, &fakeConn{})
	resp := c.Invoke(context.Background(), "Echo", "echo", make(chan int))
	assert.Error(t, resp.Err)
	assert.False(t, resp.Interrupted())
}
