package services

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/ChuLiYu/scout-runtime/internal/logging"
	"github.com/ChuLiYu/scout-runtime/internal/notification"
	"github.com/ChuLiYu/scout-runtime/internal/tunnel"
	"github.com/ChuLiYu/scout-runtime/pkg/types"
)

// MaxPollWait caps the wait of a single getNextNotifications call.
const MaxPollWait = time.Minute

// NotificationConsumer serves ClientNotificationConsumerService.
type NotificationConsumer struct {
	queue   *notification.Queue
	maxWait time.Duration
}

func NewNotificationConsumer(q *notification.Queue) *NotificationConsumer {
	return &NotificationConsumer{queue: q, maxWait: MaxPollWait}
}

func (s *NotificationConsumer) Name() string { return NotificationConsumerService }

func (s *NotificationConsumer) Operations() map[string]tunnel.Operation {
	return map[string]tunnel.Operation{
		"getNextNotifications": s.getNextNotifications,
	}
}

// getNextNotifications(timeoutMs) blocks until the calling session has
// notifications or the timeout passes.
func (s *NotificationConsumer) getNextNotifications(ctx context.Context, args []any) (any, error) {
	session, err := callerSession(ctx)
	if err != nil {
		return nil, err
	}
	var timeoutMs int64
	if _, err := tunnel.OptionalArg(args, 0, &timeoutMs); err != nil {
		return nil, err
	}
	timeout := time.Duration(timeoutMs) * time.Millisecond
	if timeout > s.maxWait {
		timeout = s.maxWait
	}
	return tunnel.ToWire(s.queue.GetNextNotifications(ctx, session, timeout)), nil
}

// FilterSpec is the wire form of a notification filter.
type FilterSpec struct {
	// Type is one of all, user, session or any.
	Type   string `json:"type"`
	Target string `json:"target,omitempty"`
	// TTLMs is the lifetime in milliseconds. Zero applies the default TTL,
	// a negative value never expires.
	TTLMs int64 `json:"ttlMs,omitempty"`
}

// Build converts the spec into a queue filter.
func (f FilterSpec) Build(defaultTTL time.Duration) (notification.Filter, error) {
	ttl := time.Duration(f.TTLMs) * time.Millisecond
	switch {
	case f.TTLMs == 0:
		ttl = defaultTTL
	case f.TTLMs < 0:
		ttl = 0
	}

	switch f.Type {
	case "", "all":
		return notification.NewAllSessionsFilter(ttl), nil
	case "any":
		return notification.NewAnySessionFilter(ttl), nil
	case "user":
		if f.Target == "" {
			return nil, errors.Mark(errors.New("user filter needs a target user"), tunnel.ErrBadRequest)
		}
		return notification.NewUserFilter(f.Target, ttl), nil
	case "session":
		if f.Target == "" {
			return nil, errors.Mark(errors.New("session filter needs a target session"), tunnel.ErrBadRequest)
		}
		return notification.NewSessionFilter(types.SessionID(f.Target), ttl), nil
	}
	return nil, errors.Mark(errors.Newf("unknown filter type %q", f.Type), tunnel.ErrBadRequest)
}

// Publisher serves ClientNotificationService.
type Publisher struct {
	queue      *notification.Queue
	defaultTTL atomic.Int64
	log        *zap.SugaredLogger
}

func NewPublisher(q *notification.Queue, defaultTTL time.Duration, log *zap.SugaredLogger) *Publisher {
	p := &Publisher{queue: q, log: logging.Component(log, "notification-service")}
	p.defaultTTL.Store(int64(defaultTTL))
	return p
}

func (s *Publisher) Name() string { return NotificationService }

func (s *Publisher) Operations() map[string]tunnel.Operation {
	return map[string]tunnel.Operation{
		"publish": s.publish,
	}
}

// SetDefaultTTL changes the lifetime applied when a publish names none.
func (s *Publisher) SetDefaultTTL(ttl time.Duration) {
	s.defaultTTL.Store(int64(ttl))
}

// Publish queues a message for the sessions selected by spec.
func (s *Publisher) Publish(msg *notification.Message, spec FilterSpec) error {
	if msg == nil || msg.Name == "" {
		return errors.Mark(errors.New("notification kind required"), tunnel.ErrBadRequest)
	}
	f, err := spec.Build(time.Duration(s.defaultTTL.Load()))
	if err != nil {
		return err
	}
	if err := s.queue.Put(msg, f); err != nil {
		return err
	}
	s.log.Debugw("notification published", "kind", msg.Name, "filter", spec.Type, "target", spec.Target)
	return nil
}

// publish(kind, coalesceKey, body, filter)
func (s *Publisher) publish(_ context.Context, args []any) (any, error) {
	msg := &notification.Message{}
	if err := tunnel.Arg(args, 0, &msg.Name); err != nil {
		return nil, err
	}
	if _, err := tunnel.OptionalArg(args, 1, &msg.CoalesceKey); err != nil {
		return nil, err
	}
	if len(args) > 2 {
		msg.Body = args[2]
	}
	var spec FilterSpec
	if _, err := tunnel.OptionalArg(args, 3, &spec); err != nil {
		return nil, err
	}
	if err := s.Publish(msg, spec); err != nil {
		return nil, err
	}
	return s.queue.Len(), nil
}
