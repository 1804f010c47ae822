package api

import (
	"errors"
	"fmt"

	"google.golang.org/grpc/codes"
	"google.golang.org/protobuf/encoding/protowire"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/anypb"
)

// Envelope wire layout (protobuf wire format):
//
//	1  id             varint
//	2  proxy_id       varint
//	3  init_request   bytes
//	4  init_response  bytes
//	5  heartbeat      bytes
//	6  message        bytes (google.protobuf.Any)
//	7  complete       bytes (empty)
//	8  error          bytes
//
// Payload fields above 8 decode to Unrecognized so that the channel can reject them.
const (
	fieldID           protowire.Number = 1
	fieldProxyID      protowire.Number = 2
	fieldInitRequest  protowire.Number = 3
	fieldInitResponse protowire.Number = 4
	fieldHeartbeat    protowire.Number = 5
	fieldMessage      protowire.Number = 6
	fieldComplete     protowire.Number = 7
	fieldError        protowire.Number = 8
)

// CodecName is the gRPC content-subtype used by clients of the proxy stream
const CodecName = "gridproxy"

// ErrNoPayload is returned when encoding an envelope without a payload
var ErrNoPayload = errors.New("envelope has no payload")

// Codec is a grpc encoding.Codec for *Envelope. Any proto.Message is delegated
// to the protobuf codec so that health and reflection services keep working
// when the codec is forced on a server.
type Codec struct{}

// Name implements encoding.Codec
func (Codec) Name() string { return CodecName }

// Marshal implements encoding.Codec
func (Codec) Marshal(v any) ([]byte, error) {
	switch m := v.(type) {
	case *Envelope:
		return MarshalEnvelope(m)
	case proto.Message:
		return proto.Marshal(m)
	default:
		return nil, fmt.Errorf("codec: cannot marshal %T", v)
	}
}

// Unmarshal implements encoding.Codec
func (Codec) Unmarshal(data []byte, v any) error {
	switch m := v.(type) {
	case *Envelope:
		return UnmarshalEnvelope(data, m)
	case proto.Message:
		return proto.Unmarshal(data, m)
	default:
		return fmt.Errorf("codec: cannot unmarshal into %T", v)
	}
}

// MarshalEnvelope encodes an envelope
func MarshalEnvelope(e *Envelope) ([]byte, error) {
	if e.Payload == nil {
		return nil, ErrNoPayload
	}
	b := make([]byte, 0, 64)
	if e.ID != 0 {
		b = protowire.AppendTag(b, fieldID, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(e.ID))
	}
	if e.ProxyID != 0 {
		b = protowire.AppendTag(b, fieldProxyID, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(int64(e.ProxyID)))
	}

	var (
		field protowire.Number
		body  []byte
	)
	switch p := e.Payload.(type) {
	case *InitRequest:
		field, body = fieldInitRequest, appendInitRequest(nil, p)
	case *InitResponse:
		field, body = fieldInitResponse, appendInitResponse(nil, p)
	case *Heartbeat:
		field, body = fieldHeartbeat, appendBool(nil, 1, p.Ack)
	case *Message:
		field = fieldMessage
		if p.Body != nil {
			var err error
			if body, err = proto.Marshal(p.Body); err != nil {
				return nil, fmt.Errorf("failed to marshal message body: %w", err)
			}
		}
	case *Complete:
		field = fieldComplete
	case *ErrorInfo:
		field, body = fieldError, appendErrorInfo(nil, p)
	case *Unrecognized:
		field = protowire.Number(p.Field)
	default:
		return nil, fmt.Errorf("unsupported payload type %T", p)
	}
	b = protowire.AppendTag(b, field, protowire.BytesType)
	b = protowire.AppendBytes(b, body)
	return b, nil
}

// UnmarshalEnvelope decodes data into e
func UnmarshalEnvelope(data []byte, e *Envelope) error {
	*e = Envelope{}
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return protowire.ParseError(n)
		}
		data = data[n:]

		switch {
		case num == fieldID && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return protowire.ParseError(n)
			}
			e.ID = int64(v)
			data = data[n:]
		case num == fieldProxyID && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return protowire.ParseError(n)
			}
			e.ProxyID = int32(v)
			data = data[n:]
		case num >= fieldInitRequest && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return protowire.ParseError(n)
			}
			p, err := decodePayload(num, v)
			if err != nil {
				return err
			}
			e.Payload = p
			data = data[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return protowire.ParseError(n)
			}
			data = data[n:]
		}
	}
	return nil
}

func decodePayload(num protowire.Number, b []byte) (Payload, error) {
	switch num {
	case fieldInitRequest:
		return decodeInitRequest(b)
	case fieldInitResponse:
		return decodeInitResponse(b)
	case fieldHeartbeat:
		hb := &Heartbeat{}
		err := walk(b, func(num protowire.Number, v uint64, _ []byte) {
			if num == 1 {
				hb.Ack = v != 0
			}
		})
		return hb, err
	case fieldMessage:
		body := &anypb.Any{}
		if err := proto.Unmarshal(b, body); err != nil {
			return nil, fmt.Errorf("failed to unmarshal message body: %w", err)
		}
		return &Message{Body: body}, nil
	case fieldComplete:
		return &Complete{}, nil
	case fieldError:
		return decodeErrorInfo(b)
	default:
		return &Unrecognized{Field: int32(num)}, nil
	}
}

func appendInitRequest(b []byte, p *InitRequest) []byte {
	b = appendString(b, 1, p.Protocol)
	b = appendInt32(b, 2, p.ProtocolVersion)
	b = appendInt32(b, 3, p.SupportedProtocolVersion)
	b = appendBytesField(b, 4, p.Identity)
	b = appendString(b, 5, p.Format)
	b = appendString(b, 6, p.Scope)
	return b
}

func decodeInitRequest(b []byte) (*InitRequest, error) {
	p := &InitRequest{}
	err := walk(b, func(num protowire.Number, v uint64, raw []byte) {
		switch num {
		case 1:
			p.Protocol = string(raw)
		case 2:
			p.ProtocolVersion = int32(v)
		case 3:
			p.SupportedProtocolVersion = int32(v)
		case 4:
			p.Identity = append([]byte(nil), raw...)
		case 5:
			p.Format = string(raw)
		case 6:
			p.Scope = string(raw)
		}
	})
	return p, err
}

func appendInitResponse(b []byte, p *InitResponse) []byte {
	b = appendString(b, 1, p.ServerVersion)
	b = appendInt32(b, 2, p.ProtocolVersion)
	b = appendBytesField(b, 3, p.ClientUID)
	b = appendInt32(b, 4, p.MemberID)
	b = appendBytesField(b, 5, p.MemberUID)
	for _, ext := range p.Extensions {
		var eb []byte
		eb = appendString(eb, 1, ext.Protocol)
		eb = appendInt32(eb, 2, ext.ProxyID)
		b = protowire.AppendTag(b, 6, protowire.BytesType)
		b = protowire.AppendBytes(b, eb)
	}
	return b
}

func decodeInitResponse(b []byte) (*InitResponse, error) {
	p := &InitResponse{}
	var extErr error
	err := walk(b, func(num protowire.Number, v uint64, raw []byte) {
		switch num {
		case 1:
			p.ServerVersion = string(raw)
		case 2:
			p.ProtocolVersion = int32(v)
		case 3:
			p.ClientUID = append([]byte(nil), raw...)
		case 4:
			p.MemberID = int32(v)
		case 5:
			p.MemberUID = append([]byte(nil), raw...)
		case 6:
			var ext Extension
			if err := walk(raw, func(num protowire.Number, v uint64, raw []byte) {
				switch num {
				case 1:
					ext.Protocol = string(raw)
				case 2:
					ext.ProxyID = int32(v)
				}
			}); err != nil {
				extErr = err
				return
			}
			p.Extensions = append(p.Extensions, ext)
		}
	})
	if err == nil {
		err = extErr
	}
	return p, err
}

func appendErrorInfo(b []byte, p *ErrorInfo) []byte {
	b = appendInt32(b, 1, int32(p.Code))
	b = appendString(b, 2, p.Message)
	b = appendBytesField(b, 3, p.Detail)
	return b
}

func decodeErrorInfo(b []byte) (*ErrorInfo, error) {
	p := &ErrorInfo{}
	err := walk(b, func(num protowire.Number, v uint64, raw []byte) {
		switch num {
		case 1:
			p.Code = codes.Code(v)
		case 2:
			p.Message = string(raw)
		case 3:
			p.Detail = append([]byte(nil), raw...)
		}
	})
	return p, err
}

// walk visits every varint and bytes field of a nested message.
// Other wire types are skipped.
func walk(b []byte, visit func(num protowire.Number, v uint64, raw []byte)) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]
		switch typ {
		case protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			visit(num, v, nil)
			b = b[n:]
		case protowire.BytesType:
			raw, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			visit(num, 0, raw)
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			b = b[n:]
		}
	}
	return nil
}

func appendString(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendBytesField(b []byte, num protowire.Number, v []byte) []byte {
	if len(v) == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

func appendInt32(b []byte, num protowire.Number, v int32) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, uint64(int64(v)))
}

func appendBool(b []byte, num protowire.Number, v bool) []byte {
	if !v {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, 1)
}
