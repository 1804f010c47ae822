package api

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/protobuf/encoding/protowire"
	"google.golang.org/protobuf/types/known/anypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

func roundTrip(t *testing.T, in *Envelope) *Envelope {
	t.Helper()
	b, err := Codec{}.Marshal(in)
	require.NoError(t, err)
	out := new(Envelope)
	require.NoError(t, Codec{}.Unmarshal(b, out))
	return out
}

func TestCodec_InitResponseWithExtensions(t *testing.T) {
	in := &Envelope{
		ID: 42,
		Payload: &InitResponse{
			ServerVersion:   "1.0.0",
			ProtocolVersion: 1,
			ClientUID:       []byte{1, 2, 3},
			MemberID:        -1,
			MemberUID:       []byte("member"),
			Extensions: []Extension{
				{Protocol: "MapEvents", ProxyID: 1},
				{Protocol: "Other", ProxyID: 2},
			},
		},
	}
	out := roundTrip(t, in)
	assert.Equal(t, in, out)
	assert.Equal(t, KindInit, out.Kind())
}

func TestCodec_MessageBodyKeepsTypeURL(t *testing.T) {
	req, err := structpb.NewStruct(map[string]any{"type": "get", "key": "k"})
	require.NoError(t, err)
	body, err := anypb.New(req)
	require.NoError(t, err)

	out := roundTrip(t, NewMessage(7, 3, body))
	require.Equal(t, KindMessage, out.Kind())
	assert.Equal(t, int64(7), out.ID)
	assert.Equal(t, int32(3), out.ProxyID)

	got := &structpb.Struct{}
	require.NoError(t, out.Payload.(*Message).Body.UnmarshalTo(got))
	assert.Equal(t, "get", got.Fields["type"].GetStringValue())
}

func TestCodec_UnknownPayloadField(t *testing.T) {
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.VarintType)
	b = protowire.AppendVarint(b, 9)
	b = protowire.AppendTag(b, 20, protowire.BytesType)
	b = protowire.AppendBytes(b, []byte{0xff})

	out := new(Envelope)
	require.NoError(t, UnmarshalEnvelope(b, out))
	assert.Equal(t, KindUnknown, out.Kind())
	assert.Equal(t, &Unrecognized{Field: 20}, out.Payload)
}

func TestCodec_ErrorAndHeartbeat(t *testing.T) {
	out := roundTrip(t, NewError(5, 0, codes.FailedPrecondition, "boom"))
	assert.Equal(t, &ErrorInfo{Code: codes.FailedPrecondition, Message: "boom"}, out.Payload)

	out = roundTrip(t, NewHeartbeat(11, true))
	assert.Equal(t, &Heartbeat{Ack: true}, out.Payload)
	assert.Equal(t, int64(11), out.ID)
}

func TestCodec_Truncated(t *testing.T) {
	b, err := MarshalEnvelope(NewError(5, 0, codes.Internal, "truncated"))
	require.NoError(t, err)
	assert.Error(t, UnmarshalEnvelope(b[:len(b)-3], new(Envelope)))
}

func TestCodec_NoPayload(t *testing.T) {
	_, err := MarshalEnvelope(&Envelope{ID: 1})
	assert.ErrorIs(t, err, ErrNoPayload)
}

func TestCodec_DelegatesProtoMessages(t *testing.T) {
	b, err := Codec{}.Marshal(wrapperspb.String("ping"))
	require.NoError(t, err)
	out := &wrapperspb.StringValue{}
	require.NoError(t, Codec{}.Unmarshal(b, out))
	assert.Equal(t, "ping", out.GetValue())

	_, err = Codec{}.Marshal(42)
	assert.Error(t, err)
}
