package rpc

import (
	"context"

	"google.golang.org/grpc"
)

const sysInfoServiceName = "/fuzzctl.SystemInfo"

// SystemInfoServer is implemented by the agent. Get reports the host's
// total CPU count and RAM, gathered once at Broker attach time and used by
// the scheduler's bin-packing pass (spec §4.1, §6).
type SystemInfoServer interface {
	Get(context.Context, *Empty) (*SysInfo, error)
}

// SystemInfoClient is the stub held by the server's Broker.
type SystemInfoClient interface {
	Get(ctx context.Context, in *Empty, opts ...grpc.CallOption) (*SysInfo, error)
}

type sysInfoClient struct {
	cc grpc.ClientConnInterface
}

// NewSystemInfoClient wraps cc for the SystemInfo service.
func NewSystemInfoClient(cc grpc.ClientConnInterface) SystemInfoClient {
	return &sysInfoClient{cc: cc}
}

func (c *sysInfoClient) Get(ctx context.Context, in *Empty, opts ...grpc.CallOption) (*SysInfo, error) {
	out := new(SysInfo)
	if err := c.cc.Invoke(ctx, sysInfoServiceName+"/Get", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func _SystemInfo_Get_Handler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(SystemInfoServer).Get(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: sysInfoServiceName + "/Get"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(SystemInfoServer).Get(ctx, req.(*Empty))
	}
	return interceptor(ctx, in, info, handler)
}

// SystemInfoServiceDesc is the grpc.ServiceDesc registered by the agent's
// grpc server for the SystemInfo service.
var SystemInfoServiceDesc = grpc.ServiceDesc{
	ServiceName: "fuzzctl.SystemInfo",
	HandlerType: (*SystemInfoServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Get", Handler: _SystemInfo_Get_Handler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "fuzzctl/sysinfo.proto",
}

// RegisterSystemInfoServer registers srv with s using SystemInfoServiceDesc.
func RegisterSystemInfoServer(s grpc.ServiceRegistrar, srv SystemInfoServer) {
	s.RegisterService(&SystemInfoServiceDesc, srv)
}
