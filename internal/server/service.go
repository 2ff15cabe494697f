// ============================================================================
// ttq gRPC TaskService
// ============================================================================
//
// Package: internal/server
// File: service.go
// Purpose: Service descriptor and messages of ttq.v1.TaskService.
//
// The service is described by hand instead of generated from a .proto file;
// messages travel through the "json" codec registered in codec.go, so the
// structs below are the wire format.
//
//   rpc Enqueue(EnqueueRequest) returns (EnqueueResponse)
//   rpc Status(StatusRequest)   returns (StatusResponse)
//   rpc Revoke(RevokeRequest)   returns (RevokeResponse)
//   rpc Allowed(AllowedRequest) returns (AllowedResponse)
//
// ============================================================================

package server

import (
	"context"

	"google.golang.org/grpc"

	"github.com/ChuLiYu/ttq-tasks/internal/gateway"
	"github.com/ChuLiYu/ttq-tasks/pkg/types"
)

const serviceName = "ttq.v1.TaskService"

type EnqueueRequest struct {
	TaskName string         `json:"task_name"`
	Kwargs   map[string]any `json:"kwargs,omitempty"`
}

type EnqueueResponse struct {
	TaskID types.JobID `json:"task_id"`
}

type StatusRequest struct {
	TaskID types.JobID `json:"task_id"`
}

type StatusResponse = gateway.StatusView

type RevokeRequest struct {
	TaskID    types.JobID `json:"task_id"`
	Terminate bool        `json:"terminate"`
}

type RevokeResponse struct {
	TaskID  types.JobID `json:"task_id"`
	Revoked bool        `json:"revoked"`
}

type AllowedRequest struct{}

type AllowedResponse struct {
	Names []string `json:"names"`
}

// TaskServiceServer is the server API for ttq.v1.TaskService.
type TaskServiceServer interface {
	Enqueue(context.Context, *EnqueueRequest) (*EnqueueResponse, error)
	Status(context.Context, *StatusRequest) (*StatusResponse, error)
	Revoke(context.Context, *RevokeRequest) (*RevokeResponse, error)
	Allowed(context.Context, *AllowedRequest) (*AllowedResponse, error)
}

// Register attaches srv to s.
func Register(s grpc.ServiceRegistrar, srv TaskServiceServer) {
	s.RegisterService(&serviceDesc, srv)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*TaskServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Enqueue", Handler: unary(func(s TaskServiceServer, ctx context.Context, in *EnqueueRequest) (any, error) { return s.Enqueue(ctx, in) })},
		{MethodName: "Status", Handler: unary(func(s TaskServiceServer, ctx context.Context, in *StatusRequest) (any, error) { return s.Status(ctx, in) })},
		{MethodName: "Revoke", Handler: unary(func(s TaskServiceServer, ctx context.Context, in *RevokeRequest) (any, error) { return s.Revoke(ctx, in) })},
		{MethodName: "Allowed", Handler: unary(func(s TaskServiceServer, ctx context.Context, in *AllowedRequest) (any, error) { return s.Allowed(ctx, in) })},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "ttq/v1/task_service",
}

// unary adapts a typed method into a grpc.MethodDesc handler, running the
// server's interceptor chain when one is installed.
func unary[Req any](call func(TaskServiceServer, context.Context, *Req) (any, error)) grpc.MethodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(Req)
		if err := dec(in); err != nil {
			return nil, err
		}
		s := srv.(TaskServiceServer)
		if interceptor == nil {
			return call(s, ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod(ctx)}
		return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
			return call(s, ctx, req.(*Req))
		})
	}
}

func fullMethod(ctx context.Context) string {
	if m, ok := grpc.Method(ctx); ok {
		return m
	}
	return "/" + serviceName
}
