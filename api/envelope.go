// Package api defines the envelope exchanged on the multiplexed proxy stream,
// its wire codec and the gRPC service descriptor that carries it.
package api

import (
	"fmt"

	"google.golang.org/grpc/codes"
	"google.golang.org/protobuf/types/known/anypb"
)

// Kind classifies an envelope by its payload
type Kind int

const (
	KindUnknown Kind = iota
	KindInit
	KindHeartbeat
	KindMessage
	KindComplete
	KindError
)

func (k Kind) String() string {
	switch k {
	case KindInit:
		return "init"
	case KindHeartbeat:
		return "heartbeat"
	case KindMessage:
		return "message"
	case KindComplete:
		return "complete"
	case KindError:
		return "error"
	default:
		return "unknown"
	}
}

// RootProxyID is the proxy id of the negotiated root protocol
const RootProxyID int32 = 0

// Envelope is the outer message of the proxy stream.
// ID correlates a request with its responses within one stream only.
type Envelope struct {
	ID      int64
	ProxyID int32
	Payload Payload
}

// Payload is the one-of carried by an Envelope
type Payload interface {
	isPayload()
}

// InitRequest opens a session for the named protocol
type InitRequest struct {
	Protocol                 string
	ProtocolVersion          int32
	SupportedProtocolVersion int32
	// Identity is an opaque client descriptor
	Identity []byte
	Format   string
	Scope    string
}

// Extension maps an extended protocol to the proxy id it was registered on
type Extension struct {
	Protocol string
	ProxyID  int32
}

// InitResponse acknowledges an InitRequest
type InitResponse struct {
	ServerVersion   string
	ProtocolVersion int32
	ClientUID       []byte
	MemberID        int32
	MemberUID       []byte
	Extensions      []Extension
}

// Heartbeat is answered with a Heartbeat carrying the same id when Ack is set
type Heartbeat struct {
	Ack bool
}

// Message carries a type-tagged protocol payload
type Message struct {
	Body *anypb.Any
}

// Complete terminates a request successfully
type Complete struct{}

// ErrorInfo terminates a request (or the stream) with an error
type ErrorInfo struct {
	Code    codes.Code
	Message string
	Detail  []byte
}

// Unrecognized is produced by the codec for a payload field it does not know
type Unrecognized struct {
	Field int32
}

func (*InitRequest) isPayload()  {}
func (*InitResponse) isPayload() {}
func (*Heartbeat) isPayload()    {}
func (*Message) isPayload()      {}
func (*Complete) isPayload()     {}
func (*ErrorInfo) isPayload()    {}
func (*Unrecognized) isPayload() {}

// Kind returns the envelope kind derived from its payload
func (e *Envelope) Kind() Kind {
	if e == nil {
		return KindUnknown
	}
	switch e.Payload.(type) {
	case *InitRequest, *InitResponse:
		return KindInit
	case *Heartbeat:
		return KindHeartbeat
	case *Message:
		return KindMessage
	case *Complete:
		return KindComplete
	case *ErrorInfo:
		return KindError
	default:
		return KindUnknown
	}
}

func (e *Envelope) String() string {
	if e == nil {
		return "<nil>"
	}
	return fmt.Sprintf("envelope{id=%d proxy=%d kind=%s}", e.ID, e.ProxyID, e.Kind())
}

// NewMessage wraps body in a Message envelope
func NewMessage(id int64, proxyID int32, body *anypb.Any) *Envelope {
	return &Envelope{ID: id, ProxyID: proxyID, Payload: &Message{Body: body}}
}

// NewComplete builds a Complete envelope
func NewComplete(id int64, proxyID int32) *Envelope {
	return &Envelope{ID: id, ProxyID: proxyID, Payload: &Complete{}}
}

// NewError builds an Error envelope
func NewError(id int64, proxyID int32, code codes.Code, msg string) *Envelope {
	return &Envelope{ID: id, ProxyID: proxyID, Payload: &ErrorInfo{Code: code, Message: msg}}
}

// NewHeartbeat builds a Heartbeat envelope
func NewHeartbeat(id int64, ack bool) *Envelope {
	return &Envelope{ID: id, Payload: &Heartbeat{Ack: ack}}
}
