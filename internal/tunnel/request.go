// Package tunnel implements the service tunnel: synchronous request and
// response calls from a client session to named server operations, with
// out of band cancellation keyed by request sequence number.
package tunnel

import (
	"context"
	"encoding/json"

	"github.com/cockroachdb/errors"

	"github.com/ChuLiYu/scout-runtime/pkg/types"
)

// Well known cancellation service.
const (
	CancelService   = "ProcessingCancelService"
	CancelOperation = "cancel"
)

var (
	// ErrInterrupted marks a call that did not complete: it was cancelled,
	// its transport failed, or the server interrupted the operation.
	ErrInterrupted          = errors.New("tunnel: request interrupted")
	ErrUnknownService       = errors.New("tunnel: unknown service")
	ErrUnknownOperation     = errors.New("tunnel: unknown operation")
	ErrBadRequest           = errors.New("tunnel: malformed request")
	ErrDuplicateTransaction = errors.New("tunnel: transaction already registered")
)

// Request is one call through the tunnel.
type Request struct {
	// Seq is assigned by the client, strictly increasing per client.
	Seq       types.RequestSeq
	Service   string
	Operation string
	Args      []any
	Session   types.Session
}

// TransactionKey identifies the request on the server.
func (r *Request) TransactionKey() types.TransactionKey {
	return types.TransactionKey{Session: r.Session.ID, Seq: r.Seq}
}

// WireNotification is a client notification piggybacked on a response or
// returned by the consumer service.
type WireNotification struct {
	Kind string `json:"kind"`
	Body any    `json:"body,omitempty"`
}

// Response carries either Data or Err. Transport and server failures are
// reported in Err rather than returned separately.
type Response struct {
	Data          any
	Err           error
	Notifications []WireNotification
}

// Interrupted reports whether the call ended without completing.
func (r *Response) Interrupted() bool {
	return r != nil && errors.Is(r.Err, ErrInterrupted)
}

type ctxKey int

const (
	sessionKey ctxKey = iota
	seqKey
)

// ContextWithSession attaches the calling session to ctx.
func ContextWithSession(ctx context.Context, s types.Session) context.Context {
	return context.WithValue(ctx, sessionKey, s)
}

// SessionFrom returns the calling session stored in ctx.
func SessionFrom(ctx context.Context) (types.Session, bool) {
	s, ok := ctx.Value(sessionKey).(types.Session)
	return s, ok
}

// ContextWithSeq attaches the request sequence number to ctx.
func ContextWithSeq(ctx context.Context, seq types.RequestSeq) context.Context {
	return context.WithValue(ctx, seqKey, seq)
}

// SeqFrom returns the request sequence number stored in ctx.
func SeqFrom(ctx context.Context) (types.RequestSeq, bool) {
	s, ok := ctx.Value(seqKey).(types.RequestSeq)
	return s, ok
}

// Decode converts a wire value (maps, slices, float64 numbers) into dst
// through its JSON form.
func Decode(v any, dst any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return errors.Wrap(err, "encode wire value")
	}
	if err := json.Unmarshal(b, dst); err != nil {
		return errors.Mark(errors.Wrapf(err, "decode wire value into %T", dst), ErrBadRequest)
	}
	return nil
}

// Arg decodes args[i] into dst.
func Arg(args []any, i int, dst any) error {
	if i < 0 || i >= len(args) {
		return errors.Mark(errors.Newf("missing argument %d", i), ErrBadRequest)
	}
	return Decode(args[i], dst)
}

// OptionalArg decodes args[i] into dst when present and reports whether it
// was.
func OptionalArg(args []any, i int, dst any) (bool, error) {
	if i >= len(args) || args[i] == nil {
		return false, nil
	}
	return true, Decode(args[i], dst)
}
