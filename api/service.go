package api

import (
	"context"

	"google.golang.org/grpc"
)

const (
	// ServiceName is the fully-qualified gRPC service name of the proxy
	ServiceName = "gridproxy.v1.ProxyService"
	// SubChannelMethod is the full method name of the bidirectional proxy stream
	SubChannelMethod = "/" + ServiceName + "/subChannel"
)

// ProxyServiceServer is implemented by the proxy stream handler
type ProxyServiceServer interface {
	SubChannel(SubChannelServer) error
}

// SubChannelServer is the server side of one proxy stream
type SubChannelServer interface {
	Send(*Envelope) error
	Recv() (*Envelope, error)
	grpc.ServerStream
}

type subChannelServer struct {
	grpc.ServerStream
}

func (s *subChannelServer) Send(e *Envelope) error {
	return s.ServerStream.SendMsg(e)
}

func (s *subChannelServer) Recv() (*Envelope, error) {
	e := new(Envelope)
	if err := s.ServerStream.RecvMsg(e); err != nil {
		return nil, err
	}
	return e, nil
}

func subChannelHandler(srv any, stream grpc.ServerStream) error {
	return srv.(ProxyServiceServer).SubChannel(&subChannelServer{stream})
}

// ProxyServiceDesc describes the proxy service for grpc.Server.RegisterService.
// The server must be built with grpc.ForceServerCodec(Codec{}).
var ProxyServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*ProxyServiceServer)(nil),
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "subChannel",
			Handler:       subChannelHandler,
			ServerStreams: true,
			ClientStreams: true,
		},
	},
	Metadata: "gridproxy/v1/proxy.proto",
}

// RegisterProxyServiceServer registers srv on s
func RegisterProxyServiceServer(s grpc.ServiceRegistrar, srv ProxyServiceServer) {
	s.RegisterService(&ProxyServiceDesc, srv)
}

// ProxyServiceClient opens proxy streams
type ProxyServiceClient interface {
	SubChannel(ctx context.Context, opts ...grpc.CallOption) (SubChannelClient, error)
}

// SubChannelClient is the client side of one proxy stream
type SubChannelClient interface {
	Send(*Envelope) error
	Recv() (*Envelope, error)
	grpc.ClientStream
}

type proxyServiceClient struct {
	cc grpc.ClientConnInterface
}

// NewProxyServiceClient returns a client that encodes envelopes with Codec
func NewProxyServiceClient(cc grpc.ClientConnInterface) ProxyServiceClient {
	return &proxyServiceClient{cc: cc}
}

func (c *proxyServiceClient) SubChannel(ctx context.Context, opts ...grpc.CallOption) (SubChannelClient, error) {
	opts = append([]grpc.CallOption{grpc.ForceCodec(Codec{})}, opts...)
	stream, err := c.cc.NewStream(ctx, &ProxyServiceDesc.Streams[0], SubChannelMethod, opts...)
	if err != nil {
		return nil, err
	}
	return &subChannelClient{stream}, nil
}

type subChannelClient struct {
	grpc.ClientStream
}

func (c *subChannelClient) Send(e *Envelope) error {
	return c.ClientStream.SendMsg(e)
}

func (c *subChannelClient) Recv() (*Envelope, error) {
	e := new(Envelope)
	if err := c.ClientStream.RecvMsg(e); err != nil {
		return nil, err
	}
	return e, nil
}
