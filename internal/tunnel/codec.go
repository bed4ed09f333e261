package tunnel

import (
	"context"
	"encoding/base64"
	"encoding/json"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/errors/errorspb"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/ChuLiYu/scout-runtime/pkg/types"
)

// Envelope field names.
const (
	fieldSeq           = "seq"
	fieldService       = "service"
	fieldOperation     = "operation"
	fieldArgs          = "args"
	fieldSession       = "session"
	fieldSessionID     = "id"
	fieldUserID        = "user"
	fieldData          = "data"
	fieldError         = "error"
	fieldNotifications = "notifications"
)

// toValue converts v into a protobuf value, going through JSON for types
// structpb does not know.
func toValue(v any) (*structpb.Value, error) {
	if val, err := structpb.NewValue(v); err == nil {
		return val, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, errors.Wrapf(err, "value of type %T is not serializable", v)
	}
	var generic any
	if err := json.Unmarshal(b, &generic); err != nil {
		return nil, errors.Wrap(err, "re-decode value")
	}
	return structpb.NewValue(generic)
}

// EncodeRequest builds the wire envelope for req.
func EncodeRequest(req *Request) (*structpb.Struct, error) {
	args := make([]*structpb.Value, 0, len(req.Args))
	for i, a := range req.Args {
		v, err := toValue(a)
		if err != nil {
			return nil, errors.Wrapf(err, "argument %d", i)
		}
		args = append(args, v)
	}

	return &structpb.Struct{Fields: map[string]*structpb.Value{
		fieldSeq:       structpb.NewStringValue(req.Seq.String()),
		fieldService:   structpb.NewStringValue(req.Service),
		fieldOperation: structpb.NewStringValue(req.Operation),
		fieldArgs:      structpb.NewListValue(&structpb.ListValue{Values: args}),
		fieldSession: structpb.NewStructValue(&structpb.Struct{Fields: map[string]*structpb.Value{
			fieldSessionID: structpb.NewStringValue(string(req.Session.ID)),
			fieldUserID:    structpb.NewStringValue(req.Session.UserID),
		}}),
	}}, nil
}

// DecodeRequest parses a wire envelope. Failures are marked ErrBadRequest.
func DecodeRequest(env *structpb.Struct) (*Request, error) {
	if env == nil {
		return nil, errors.Mark(errors.New("empty envelope"), ErrBadRequest)
	}
	f := env.GetFields()

	seq, err := types.ParseRequestSeq(f[fieldSeq].GetStringValue())
	if err != nil {
		return nil, errors.Mark(errors.Wrap(err, "invalid seq"), ErrBadRequest)
	}
	req := &Request{
		Seq:       seq,
		Service:   f[fieldService].GetStringValue(),
		Operation: f[fieldOperation].GetStringValue(),
	}
	if req.Service == "" || req.Operation == "" {
		return nil, errors.Mark(errors.New("service and operation are required"), ErrBadRequest)
	}
	for _, v := range f[fieldArgs].GetListValue().GetValues() {
		req.Args = append(req.Args, v.AsInterface())
	}
	if s := f[fieldSession].GetStructValue(); s != nil {
		req.Session = types.Session{
			ID:     types.SessionID(s.GetFields()[fieldSessionID].GetStringValue()),
			UserID: s.GetFields()[fieldUserID].GetStringValue(),
		}
	}
	return req, nil
}

// EncodeResponse builds the wire envelope for resp. The error keeps its
// identity across the wire, so errors.Is works on the client.
func EncodeResponse(ctx context.Context, resp *Response) (*structpb.Struct, error) {
	fields := make(map[string]*structpb.Value, 3)

	if resp.Data != nil {
		v, err := toValue(resp.Data)
		if err != nil {
			return nil, errors.Wrap(err, "response data")
		}
		fields[fieldData] = v
	}

	if resp.Err != nil {
		enc := errors.EncodeError(ctx, resp.Err)
		b, err := enc.Marshal()
		if err != nil {
			return nil, errors.Wrap(err, "marshal error")
		}
		fields[fieldError] = structpb.NewStringValue(base64.StdEncoding.EncodeToString(b))
	}

	if len(resp.Notifications) > 0 {
		list := make([]*structpb.Value, 0, len(resp.Notifications))
		for _, n := range resp.Notifications {
			body, err := toValue(n.Body)
			if err != nil {
				return nil, errors.Wrapf(err, "notification %s", n.Kind)
			}
			list = append(list, structpb.NewStructValue(&structpb.Struct{Fields: map[string]*structpb.Value{
				"kind": structpb.NewStringValue(n.Kind),
				"body": body,
			}}))
		}
		fields[fieldNotifications] = structpb.NewListValue(&structpb.ListValue{Values: list})
	}

	return &structpb.Struct{Fields: fields}, nil
}

// DecodeResponse parses a wire envelope. A malformed envelope yields a
// response whose Err says so.
func DecodeResponse(ctx context.Context, env *structpb.Struct) *Response {
	f := env.GetFields()
	resp := &Response{}

	if v, ok := f[fieldData]; ok {
		resp.Data = v.AsInterface()
	}

	if s := f[fieldError].GetStringValue(); s != "" {
		resp.Err = decodeError(ctx, s)
	}

	for _, v := range f[fieldNotifications].GetListValue().GetValues() {
		nf := v.GetStructValue().GetFields()
		resp.Notifications = append(resp.Notifications, WireNotification{
			Kind: nf["kind"].GetStringValue(),
			Body: nf["body"].AsInterface(),
		})
	}
	return resp
}

func decodeError(ctx context.Context, s string) error {
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return errors.Wrap(err, "undecodable error payload")
	}
	var enc errorspb.EncodedError
	if err := enc.Unmarshal(b); err != nil {
		return errors.Wrap(err, "undecodable error payload")
	}
	return errors.DecodeError(ctx, enc)
}
