package rpc

import (
	"context"
	"encoding/gob"

	"google.golang.org/grpc"
)

func init() {
	gob.Register(&JobMsg{})
	gob.Register(&CrashMsg{})
}

// JobServer is implemented by the agent and dialed by the server's Broker.
// It owns the container lifecycle for sub-jobs assigned to this agent
// (spec §4.4).
type JobServer interface {
	Create(context.Context, *JobCreateRequest) (*Empty, error)
	Destroy(context.Context, *JobGuid) (*Empty, error)
	List(context.Context, *Empty) (*JobsList, error)
	GetAll(context.Context, *Empty) (*JobInfoContainerList, error)
	Stop(context.Context, *JobGuid) (*Empty, error)
	AnalyzeCrash(context.Context, *AnalyzeRequest) (*AnalyzeResponse, error)
}

// JobClient is the stub held by the server's Broker for a single agent
// connection.
type JobClient interface {
	Create(ctx context.Context, in *JobCreateRequest, opts ...grpc.CallOption) (*Empty, error)
	Destroy(ctx context.Context, in *JobGuid, opts ...grpc.CallOption) (*Empty, error)
	List(ctx context.Context, in *Empty, opts ...grpc.CallOption) (*JobsList, error)
	GetAll(ctx context.Context, in *Empty, opts ...grpc.CallOption) (*JobInfoContainerList, error)
	Stop(ctx context.Context, in *JobGuid, opts ...grpc.CallOption) (*Empty, error)
	AnalyzeCrash(ctx context.Context, in *AnalyzeRequest, opts ...grpc.CallOption) (*AnalyzeResponse, error)
}

type jobClient struct {
	cc grpc.ClientConnInterface
}

// NewJobClient wraps cc for the Job service. Callers should dial with
// grpc.WithDefaultCallOptions(grpc.CallContentSubtype(rpc.CodecName)) so
// every Invoke on this stub goes through the gob codec.
func NewJobClient(cc grpc.ClientConnInterface) JobClient {
	return &jobClient{cc: cc}
}

func (c *jobClient) Create(ctx context.Context, in *JobCreateRequest, opts ...grpc.CallOption) (*Empty, error) {
	out := new(Empty)
	if err := c.cc.Invoke(ctx, jobServiceName+"/Create", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *jobClient) Destroy(ctx context.Context, in *JobGuid, opts ...grpc.CallOption) (*Empty, error) {
	out := new(Empty)
	if err := c.cc.Invoke(ctx, jobServiceName+"/Destroy", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *jobClient) List(ctx context.Context, in *Empty, opts ...grpc.CallOption) (*JobsList, error) {
	out := new(JobsList)
	if err := c.cc.Invoke(ctx, jobServiceName+"/List", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *jobClient) GetAll(ctx context.Context, in *Empty, opts ...grpc.CallOption) (*JobInfoContainerList, error) {
	out := new(JobInfoContainerList)
	if err := c.cc.Invoke(ctx, jobServiceName+"/GetAll", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *jobClient) Stop(ctx context.Context, in *JobGuid, opts ...grpc.CallOption) (*Empty, error) {
	out := new(Empty)
	if err := c.cc.Invoke(ctx, jobServiceName+"/Stop", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *jobClient) AnalyzeCrash(ctx context.Context, in *AnalyzeRequest, opts ...grpc.CallOption) (*AnalyzeResponse, error) {
	out := new(AnalyzeResponse)
	if err := c.cc.Invoke(ctx, jobServiceName+"/AnalyzeCrash", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

const jobServiceName = "/fuzzctl.Job"

func _Job_Create_Handler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(JobCreateRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(JobServer).Create(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: jobServiceName + "/Create"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(JobServer).Create(ctx, req.(*JobCreateRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func _Job_Destroy_Handler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(JobGuid)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(JobServer).Destroy(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: jobServiceName + "/Destroy"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(JobServer).Destroy(ctx, req.(*JobGuid))
	}
	return interceptor(ctx, in, info, handler)
}

func _Job_List_Handler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(JobServer).List(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: jobServiceName + "/List"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(JobServer).List(ctx, req.(*Empty))
	}
	return interceptor(ctx, in, info, handler)
}

func _Job_GetAll_Handler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(JobServer).GetAll(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: jobServiceName + "/GetAll"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(JobServer).GetAll(ctx, req.(*Empty))
	}
	return interceptor(ctx, in, info, handler)
}

func _Job_Stop_Handler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(JobGuid)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(JobServer).Stop(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: jobServiceName + "/Stop"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(JobServer).Stop(ctx, req.(*JobGuid))
	}
	return interceptor(ctx, in, info, handler)
}

func _Job_AnalyzeCrash_Handler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(AnalyzeRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(JobServer).AnalyzeCrash(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: jobServiceName + "/AnalyzeCrash"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(JobServer).AnalyzeCrash(ctx, req.(*AnalyzeRequest))
	}
	return interceptor(ctx, in, info, handler)
}

// JobServiceDesc is the grpc.ServiceDesc registered by the agent's grpc
// server for the Job service.
var JobServiceDesc = grpc.ServiceDesc{
	ServiceName: "fuzzctl.Job",
	HandlerType: (*JobServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Create", Handler: _Job_Create_Handler},
		{MethodName: "Destroy", Handler: _Job_Destroy_Handler},
		{MethodName: "List", Handler: _Job_List_Handler},
		{MethodName: "GetAll", Handler: _Job_GetAll_Handler},
		{MethodName: "Stop", Handler: _Job_Stop_Handler},
		{MethodName: "AnalyzeCrash", Handler: _Job_AnalyzeCrash_Handler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "fuzzctl/job.proto",
}

// RegisterJobServer registers srv with s using JobServiceDesc.
func RegisterJobServer(s grpc.ServiceRegistrar, srv JobServer) {
	s.RegisterService(&JobServiceDesc, srv)
}
