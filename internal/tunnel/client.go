package tunnel

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/ChuLiYu/scout-runtime/internal/logging"
	"github.com/ChuLiYu/scout-runtime/pkg/types"
)

// Client defaults.
const (
	DefaultPollInterval  = 500 * time.Millisecond
	DefaultCancelTimeout = 10 * time.Second
)

// Client issues tunnel calls on behalf of one session.
//
// A call runs on a background goroutine detached from the caller's
// context. The caller polls for the response; when its context ends, the
// client asks the server once, through the cancellation service, to
// interrupt the request. If the server confirms, the call returns a
// response marked ErrInterrupted; otherwise the client keeps waiting for
// the original response.
type Client struct {
	conn    grpc.ClientConnInterface
	session types.Session
	seq     atomic.Uint64

	pollInterval  time.Duration
	cancelTimeout time.Duration
	callTimeout   time.Duration
	onNotify      func([]WireNotification)
	log           *zap.SugaredLogger
}

// ClientOption configures a Client.
type ClientOption func(*Client)

func WithSession(s types.Session) ClientOption {
	return func(c *Client) { c.session = s }
}

func WithPollInterval(d time.Duration) ClientOption {
	return func(c *Client) {
		if d > 0 {
			c.pollInterval = d
		}
	}
}

func WithCancelTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		if d > 0 {
			c.cancelTimeout = d
		}
	}
}

// WithCallTimeout bounds the background round trip. Zero means no bound.
func WithCallTimeout(d time.Duration) ClientOption {
	return func(c *Client) { c.callTimeout = d }
}

// WithNotificationHandler receives notifications piggybacked on responses.
func WithNotificationHandler(fn func([]WireNotification)) ClientOption {
	return func(c *Client) { c.onNotify = fn }
}

func WithClientLogger(l *zap.SugaredLogger) ClientOption {
	return func(c *Client) { c.log = logging.Component(l, "tunnel-client") }
}

// NewClient creates a client on conn, usually a *grpc.ClientConn.
func NewClient(conn grpc.ClientConnInterface, opts ...ClientOption) *Client {
	c := &Client{
		conn:          conn,
		pollInterval:  DefaultPollInterval,
		cancelTimeout: DefaultCancelTimeout,
		log:           logging.Component(nil, "tunnel-client"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) Session() types.Session { return c.session }

// LastSeq returns the most recently assigned request seq.
func (c *Client) LastSeq() types.RequestSeq {
	return types.RequestSeq(c.seq.Load())
}

func (c *Client) nextSeq() types.RequestSeq {
	return types.RequestSeq(c.seq.Add(1))
}

// Invoke calls service.operation with args. It never returns nil; failures
// are reported in Response.Err.
func (c *Client) Invoke(ctx context.Context, service, operation string, args ...any) *Response {
	req := &Request{
		Seq:       c.nextSeq(),
		Service:   service,
		Operation: operation,
		Args:      args,
		Session:   c.session,
	}
	env, err := EncodeRequest(req)
	if err != nil {
		return &Response{Err: errors.Wrap(err, "encode request")}
	}

	sendCtx := context.WithoutCancel(ctx)
	cancelSend := context.CancelFunc(func() {})
	if c.callTimeout > 0 {
		sendCtx, cancelSend = context.WithTimeout(sendCtx, c.callTimeout)
	}

	done := make(chan *Response, 1)
	go func() {
		defer cancelSend()
		done <- c.roundTrip(sendCtx, req, env)
	}()

	poll := time.NewTicker(c.pollInterval)
	defer poll.Stop()

	cancelTried := false
	for {
		select {
		case resp := <-done:
			c.deliver(resp)
			return resp
		case <-poll.C:
			if cancelTried || ctx.Err() == nil {
				continue
			}
			cancelTried = true
			if c.cancel(req.Seq) {
				c.log.Infow("request cancelled",
					logging.FieldSeq, req.Seq,
					logging.FieldService, service,
					logging.FieldOperation, operation)
				return &Response{Err: errors.Mark(
					errors.Wrapf(context.Cause(ctx), "request %s to %s.%s cancelled", req.Seq, service, operation),
					ErrInterrupted)}
			}
			c.log.Warnw("request not cancelled, awaiting server response",
				logging.FieldSeq, req.Seq,
				logging.FieldService, service,
				logging.FieldOperation, operation,
				"call_timeout", c.callTimeout)
		}
	}
}

// Call is Invoke returning (data, error).
func (c *Client) Call(ctx context.Context, service, operation string, args ...any) (any, error) {
	resp := c.Invoke(ctx, service, operation, args...)
	return resp.Data, resp.Err
}

// CallInto is Call decoding the result into dst.
func (c *Client) CallInto(ctx context.Context, dst any, service, operation string, args ...any) error {
	data, err := c.Call(ctx, service, operation, args...)
	if err != nil {
		return err
	}
	if dst == nil || data == nil {
		return nil
	}
	return Decode(data, dst)
}

// roundTrip sends env and decodes the reply. Transport failures are
// marked ErrInterrupted.
func (c *Client) roundTrip(ctx context.Context, req *Request, env *structpb.Struct) *Response {
	out, err := invoke(ctx, c.conn, env)
	if err != nil {
		return &Response{Err: errors.Mark(
			errors.Wrapf(err, "tunnel call %s.%s (seq %s)", req.Service, req.Operation, req.Seq),
			ErrInterrupted)}
	}
	return DecodeResponse(ctx, out)
}

// cancel asks the server to interrupt seq and reports whether it did. Any
// failure counts as not cancelled.
func (c *Client) cancel(seq types.RequestSeq) bool {
	ctx, cancel := context.WithTimeout(context.Background(), c.cancelTimeout)
	defer cancel()

	req := &Request{
		Seq:       c.nextSeq(),
		Service:   CancelService,
		Operation: CancelOperation,
		Args:      []any{seq.String()},
		Session:   c.session,
	}
	env, err := EncodeRequest(req)
	if err != nil {
		return false
	}
	resp := c.roundTrip(ctx, req, env)
	if resp.Err != nil {
		c.log.Warnw("cancel request failed", logging.FieldSeq, seq, logging.FieldError, resp.Err)
		return false
	}
	ok, _ := resp.Data.(bool)
	if !ok {
		c.log.Debugw("server did not cancel request", logging.FieldSeq, seq)
	}
	return ok
}

func (c *Client) deliver(resp *Response) {
	if c.onNotify == nil || len(resp.Notifications) == 0 {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			c.log.Errorw("notification handler panicked", logging.FieldError, r)
		}
	}()
	c.onNotify(resp.Notifications)
}
