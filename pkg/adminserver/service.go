package adminserver

import (
	"context"

	"google.golang.org/grpc"
)

// AdminServiceServer is the interface AdminServer implements. Written
// by hand rather than generated from a .proto file — there is no
// protoc step in this build, so the ServiceDesc below plays the role
// a generated _grpc.pb.go file normally would, and jsonCodec (codec.go)
// plays the role of protobuf wire encoding.
type AdminServiceServer interface {
	Health(context.Context, *HealthRequest) (*HealthResponse, error)
	UpdateEndpointFromPolicyStore(context.Context, *UpdateEndpointFromPolicyStoreRequest) (*UpdateEndpointFromPolicyStoreResponse, error)
	GetBest(context.Context, *GetBestRequest) (*GetBestResponse, error)
	SetBest(context.Context, *SetBestRequest) (*SetBestResponse, error)
	SetDefault(context.Context, *SetDefaultRequest) (*SetDefaultResponse, error)
	EnforcePolicy(context.Context, *EnforcePolicyRequest) (*EnforcePolicyResponse, error)
}

const serviceName = "geopm.admin.v1.AdminService"

func _AdminService_Health_Handler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(HealthRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(AdminServiceServer).Health(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/Health"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(AdminServiceServer).Health(ctx, req.(*HealthRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func _AdminService_UpdateEndpointFromPolicyStore_Handler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(UpdateEndpointFromPolicyStoreRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(AdminServiceServer).UpdateEndpointFromPolicyStore(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/UpdateEndpointFromPolicyStore"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(AdminServiceServer).UpdateEndpointFromPolicyStore(ctx, req.(*UpdateEndpointFromPolicyStoreRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func _AdminService_GetBest_Handler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(GetBestRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(AdminServiceServer).GetBest(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/GetBest"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(AdminServiceServer).GetBest(ctx, req.(*GetBestRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func _AdminService_SetBest_Handler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(SetBestRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(AdminServiceServer).SetBest(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/SetBest"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(AdminServiceServer).SetBest(ctx, req.(*SetBestRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func _AdminService_SetDefault_Handler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(SetDefaultRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(AdminServiceServer).SetDefault(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/SetDefault"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(AdminServiceServer).SetDefault(ctx, req.(*SetDefaultRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func _AdminService_EnforcePolicy_Handler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(EnforcePolicyRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(AdminServiceServer).EnforcePolicy(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/EnforcePolicy"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(AdminServiceServer).EnforcePolicy(ctx, req.(*EnforcePolicyRequest))
	}
	return interceptor(ctx, in, info, handler)
}

// ServiceDesc registers AdminServiceServer on a *grpc.Server the same
// way a generated _grpc.pb.go's xxxServiceDesc would.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*AdminServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Health", Handler: _AdminService_Health_Handler},
		{MethodName: "UpdateEndpointFromPolicyStore", Handler: _AdminService_UpdateEndpointFromPolicyStore_Handler},
		{MethodName: "GetBest", Handler: _AdminService_GetBest_Handler},
		{MethodName: "SetBest", Handler: _AdminService_SetBest_Handler},
		{MethodName: "SetDefault", Handler: _AdminService_SetDefault_Handler},
		{MethodName: "EnforcePolicy", Handler: _AdminService_EnforcePolicy_Handler},
	},
	Metadata: "adminserver.go",
}
