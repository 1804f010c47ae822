// Package protocol defines the sub-protocol SPI served over a proxy channel,
// the registry that resolves protocols by name and the version negotiation
// performed during the channel handshake.
package protocol

import (
	"context"

	"google.golang.org/protobuf/proto"

	"github.com/SkynetNext/grid-gateway/api"
)

// ResponseSink receives the responses to one request.
// A request produces zero or more Next calls followed by exactly one of
// Complete or Error; calls after the terminal one are dropped.
type ResponseSink interface {
	Next(msg proto.Message) error
	Complete() error
	Error(err error) error
}

// InitParams carries the negotiated handshake state into SubProtocol.Init
type InitParams struct {
	// Version is the negotiated protocol version
	Version   int32
	ClientUID []byte
	// RemoteAddr is the peer address of the stream
	RemoteAddr string
	Request    *api.InitRequest
}

// SubProtocol is one protocol instance bound to a single channel.
// Instances are never shared between channels.
type SubProtocol interface {
	Name() string
	// Version is the current version; SupportedVersion is the oldest version
	// still accepted and never exceeds Version.
	Version() int32
	SupportedVersion() int32
	// RequestType returns a prototype of the message carried in Message payloads
	RequestType() proto.Message

	// Init binds the protocol to a channel. The sink stays open for the life
	// of the channel and may be retained to push unsolicited messages.
	// The returned names are extend protocols to register as sub-channels.
	Init(ctx context.Context, params InitParams, sink ResponseSink) ([]string, error)
	// OnRequest handles one decoded request. A returned error is reported on
	// sink when the handler has not already terminated it.
	OnRequest(ctx context.Context, req proto.Message, sink ResponseSink) error
	// OnError is called when the channel fails
	OnError(err error)
	Close() error
}

// NewRequest returns an empty message of the protocol's request type
func NewRequest(p SubProtocol) proto.Message {
	return p.RequestType().ProtoReflect().New().Interface()
}
