package server

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/ChuLiYu/scout-runtime/internal/logging"
	"github.com/ChuLiYu/scout-runtime/internal/metrics"
	"github.com/ChuLiYu/scout-runtime/internal/notification"
	"github.com/ChuLiYu/scout-runtime/internal/tunnel"
	"github.com/ChuLiYu/scout-runtime/pkg/types"
)

// errCancelledByClient is the cancel cause set by the cancellation service.
var errCancelledByClient = errors.New("cancelled by client request")

// Server implements the gRPC tunnel service.
type Server struct {
	services     *tunnel.ServiceRegistry
	transactions *tunnel.TransactionRegistry
	queue        *notification.Queue
	piggyback    atomic.Bool
	metrics      *metrics.Collector
	log          *zap.SugaredLogger
}

// Option configures a Server.
type Option func(*Server)

// WithNotifications attaches the queue; with piggyback set, every
// response carries the calling session's pending notifications.
func WithNotifications(q *notification.Queue, piggyback bool) Option {
	return func(s *Server) {
		s.queue = q
		s.piggyback.Store(piggyback)
	}
}

func WithLogger(l *zap.SugaredLogger) Option {
	return func(s *Server) { s.log = logging.Component(l, "tunnel-server") }
}

func WithMetrics(c *metrics.Collector) Option {
	return func(s *Server) { s.metrics = c }
}

// NewServer creates the server and registers the cancellation service in
// services.
func NewServer(services *tunnel.ServiceRegistry, transactions *tunnel.TransactionRegistry, opts ...Option) (*Server, error) {
	s := &Server{
		services:     services,
		transactions: transactions,
		log:          logging.Component(nil, "tunnel-server"),
	}
	for _, opt := range opts {
		opt(s)
	}

	err := services.Register(tunnel.CancelService, map[string]tunnel.Operation{
		tunnel.CancelOperation: s.cancel,
	})
	if err != nil {
		return nil, errors.Wrap(err, "register cancellation service")
	}
	return s, nil
}

// SetPiggyback toggles notification piggybacking at runtime.
func (s *Server) SetPiggyback(on bool) {
	s.piggyback.Store(on)
}

// Register attaches the tunnel service to a gRPC server.
func (s *Server) Register(g grpc.ServiceRegistrar) {
	tunnel.RegisterTunnelServer(g, s)
}

// NewGRPCServer returns a gRPC server serving s.
func (s *Server) NewGRPCServer(opts ...grpc.ServerOption) *grpc.Server {
	g := grpc.NewServer(opts...)
	s.Register(g)
	return g
}

// Invoke handles one tunnel request.
func (s *Server) Invoke(ctx context.Context, env *structpb.Struct) (*structpb.Struct, error) {
	start := time.Now()

	req, err := tunnel.DecodeRequest(env)
	if err != nil {
		s.log.Warnw("malformed tunnel request", logging.FieldError, err)
		return s.encode(ctx, &tunnel.Response{Err: err})
	}

	resp := s.dispatch(ctx, req)
	s.attachNotifications(ctx, req.Session, resp)

	outcome := "ok"
	switch {
	case resp.Interrupted():
		outcome = "interrupted"
	case resp.Err != nil:
		outcome = "error"
	}
	elapsed := time.Since(start)
	s.metrics.RecordRequest(req.Service, req.Operation, outcome, elapsed)
	s.log.Debugw("tunnel request served",
		logging.FieldSession, req.Session.String(),
		logging.FieldSeq, req.Seq,
		logging.FieldService, req.Service,
		logging.FieldOperation, req.Operation,
		logging.FieldDuration, elapsed,
		"outcome", outcome)

	return s.encode(ctx, resp)
}

func (s *Server) dispatch(ctx context.Context, req *tunnel.Request) *tunnel.Response {
	op, err := s.services.Lookup(req.Service, req.Operation)
	if err != nil {
		return &tunnel.Response{Err: err}
	}

	opCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	key := req.TransactionKey()
	if err := s.transactions.Register(key, func() { cancel(errCancelledByClient) }); err != nil {
		return &tunnel.Response{Err: err}
	}
	defer s.transactions.Unregister(key)

	opCtx = tunnel.ContextWithSeq(tunnel.ContextWithSession(opCtx, req.Session), req.Seq)
	data, err := s.call(opCtx, op, req.Args)
	if err != nil {
		if errors.Is(context.Cause(opCtx), errCancelledByClient) {
			err = errors.Mark(err, tunnel.ErrInterrupted)
		}
		return &tunnel.Response{Err: err}
	}
	return &tunnel.Response{Data: data}
}

func (s *Server) call(ctx context.Context, op tunnel.Operation, args []any) (data any, err error) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Errorw("tunnel operation panicked", logging.FieldError, r)
			err = errors.Newf("operation panicked: %v", r)
		}
	}()
	return op(ctx, args)
}

func (s *Server) attachNotifications(ctx context.Context, session types.Session, resp *tunnel.Response) {
	if !s.piggyback.Load() || s.queue == nil || session.ID == "" {
		return
	}
	pending := s.queue.GetNextNotifications(ctx, session, 0)
	if len(pending) > 0 {
		resp.Notifications = tunnel.ToWire(pending)
	}
}

func (s *Server) encode(ctx context.Context, resp *tunnel.Response) (*structpb.Struct, error) {
	out, err := tunnel.EncodeResponse(ctx, resp)
	if err == nil {
		return out, nil
	}
	s.log.Warnw("response not serializable", logging.FieldError, err)
	out, err = tunnel.EncodeResponse(ctx, &tunnel.Response{Err: err, Notifications: resp.Notifications})
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode response: %v", err)
	}
	return out, nil
}

// cancel implements ProcessingCancelService.cancel(seq). It interrupts a
// request of the calling session and reports whether one was running.
func (s *Server) cancel(ctx context.Context, args []any) (any, error) {
	seq, err := seqArg(args)
	if err != nil {
		return nil, err
	}
	session, _ := tunnel.SessionFrom(ctx)
	key := types.TransactionKey{Session: session.ID, Seq: seq}

	ok := s.transactions.Cancel(key)
	s.log.Infow("cancel requested", logging.FieldSession, session.String(), logging.FieldSeq, seq, "cancelled", ok)
	return ok, nil
}

func seqArg(args []any) (types.RequestSeq, error) {
	if len(args) == 0 {
		return 0, errors.Mark(errors.New("cancel: seq argument required"), tunnel.ErrBadRequest)
	}
	switch v := args[0].(type) {
	case string:
		seq, err := types.ParseRequestSeq(v)
		if err != nil {
			return 0, errors.Mark(errors.Wrap(err, "cancel: invalid seq"), tunnel.ErrBadRequest)
		}
		return seq, nil
	case float64:
		if v < 0 {
			return 0, errors.Mark(errors.Newf("cancel: negative seq %v", v), tunnel.ErrBadRequest)
		}
		return types.RequestSeq(v), nil
	}
	return 0, errors.Mark(errors.Newf("cancel: seq of type %T", args[0]), tunnel.ErrBadRequest)
}
