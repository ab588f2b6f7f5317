package rpc

import (
	"context"

	"google.golang.org/grpc"
)

const updatesServiceName = "/fuzzctl.Updates"

// UpdatesServer is implemented by the agent. Get streams every Update the
// agent produces to the single subscriber currently attached (spec §5: at
// most one live stream per agent at a time — a second Get while one is open
// is rejected with Unavailable).
type UpdatesServer interface {
	Get(*Empty, UpdatesGetServer) error
}

// UpdatesGetServer is the server-side handle for a single Get stream.
type UpdatesGetServer interface {
	Send(*Update) error
	grpc.ServerStream
}

type updatesGetServer struct {
	grpc.ServerStream
}

func (s *updatesGetServer) Send(u *Update) error {
	return s.ServerStream.SendMsg(u)
}

func _Updates_Get_Handler(srv any, stream grpc.ServerStream) error {
	in := new(Empty)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(UpdatesServer).Get(in, &updatesGetServer{ServerStream: stream})
}

// UpdatesClient is the stub held by the server's Broker for the streaming
// half of an agent connection.
type UpdatesClient interface {
	Get(ctx context.Context, in *Empty, opts ...grpc.CallOption) (UpdatesGetClient, error)
}

// UpdatesGetClient is the client-side handle for a single Get stream.
type UpdatesGetClient interface {
	Recv() (*Update, error)
	grpc.ClientStream
}

type updatesGetClient struct {
	grpc.ClientStream
}

func (c *updatesGetClient) Recv() (*Update, error) {
	m := new(Update)
	if err := c.ClientStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

type updatesClient struct {
	cc grpc.ClientConnInterface
}

// NewUpdatesClient wraps cc for the Updates service.
func NewUpdatesClient(cc grpc.ClientConnInterface) UpdatesClient {
	return &updatesClient{cc: cc}
}

func (c *updatesClient) Get(ctx context.Context, in *Empty, opts ...grpc.CallOption) (UpdatesGetClient, error) {
	stream, err := c.cc.NewStream(ctx, &UpdatesServiceDesc.Streams[0], updatesServiceName+"/Get", opts...)
	if err != nil {
		return nil, err
	}
	x := &updatesGetClient{ClientStream: stream}
	if err := x.ClientStream.SendMsg(in); err != nil {
		return nil, err
	}
	if err := x.ClientStream.CloseSend(); err != nil {
		return nil, err
	}
	return x, nil
}

// UpdatesServiceDesc is the grpc.ServiceDesc registered by the agent's grpc
// server for the Updates service.
var UpdatesServiceDesc = grpc.ServiceDesc{
	ServiceName: "fuzzctl.Updates",
	HandlerType: (*UpdatesServer)(nil),
	Methods:     []grpc.MethodDesc{},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Get",
			Handler:       _Updates_Get_Handler,
			ServerStreams: true,
		},
	},
	Metadata: "fuzzctl/updates.proto",
}

// RegisterUpdatesServer registers srv with s using UpdatesServiceDesc.
func RegisterUpdatesServer(s grpc.ServiceRegistrar, srv UpdatesServer) {
	s.RegisterService(&UpdatesServiceDesc, srv)
}
