package server

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/ChuLiYu/ttq-tasks/internal/gateway"
	"github.com/ChuLiYu/ttq-tasks/internal/registry"
	"github.com/ChuLiYu/ttq-tasks/pkg/types"
)

// Service is the slice of the gateway the gRPC layer needs.
type Service interface {
	Enqueue(ctx context.Context, name string, kwargs map[string]any) (types.JobID, error)
	Status(ctx context.Context, id types.JobID) (gateway.StatusView, error)
	Revoke(ctx context.Context, id types.JobID, terminate bool) (bool, error)
	Allowed() []string
}

// Server implements TaskServiceServer over a gateway.
type Server struct {
	svc Service
}

var _ TaskServiceServer = (*Server)(nil)

// NewServer creates a new gRPC server instance.
func NewServer(svc Service) *Server {
	return &Server{svc: svc}
}

// New returns a grpc.Server with the TaskService registered and a request
// logging interceptor installed.
func New(svc Service, log *slog.Logger, opts ...grpc.ServerOption) *grpc.Server {
	if log == nil {
		log = slog.Default()
	}
	opts = append([]grpc.ServerOption{grpc.ChainUnaryInterceptor(UnaryLogger(log.With("component", "grpc")))}, opts...)
	s := grpc.NewServer(opts...)
	Register(s, NewServer(svc))
	return s
}

// Enqueue handles job submission from clients.
func (s *Server) Enqueue(ctx context.Context, req *EnqueueRequest) (*EnqueueResponse, error) {
	if req.TaskName == "" {
		return nil, status.Error(codes.InvalidArgument, "task_name is required")
	}
	id, err := s.svc.Enqueue(ctx, req.TaskName, req.Kwargs)
	if err != nil {
		return nil, toStatus(err)
	}
	return &EnqueueResponse{TaskID: id}, nil
}

// Status returns the current view of a task.
func (s *Server) Status(ctx context.Context, req *StatusRequest) (*StatusResponse, error) {
	if req.TaskID == "" {
		return nil, status.Error(codes.InvalidArgument, "task_id is required")
	}
	v, err := s.svc.Status(ctx, req.TaskID)
	if err != nil {
		return nil, toStatus(err)
	}
	return &v, nil
}

// Revoke requests cancellation of a task.
func (s *Server) Revoke(ctx context.Context, req *RevokeRequest) (*RevokeResponse, error) {
	if req.TaskID == "" {
		return nil, status.Error(codes.InvalidArgument, "task_id is required")
	}
	revoked, err := s.svc.Revoke(ctx, req.TaskID, req.Terminate)
	if err != nil {
		return nil, toStatus(err)
	}
	return &RevokeResponse{TaskID: req.TaskID, Revoked: revoked}, nil
}

// Allowed lists the registered task names.
func (s *Server) Allowed(context.Context, *AllowedRequest) (*AllowedResponse, error) {
	return &AllowedResponse{Names: s.svc.Allowed()}, nil
}

// toStatus maps gateway errors onto gRPC codes.
func toStatus(err error) error {
	switch {
	case errors.Is(err, registry.ErrUnknownJob), errors.Is(err, gateway.ErrNotFound):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, gateway.ErrChannelUnavailable):
		return status.Error(codes.Unavailable, err.Error())
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}

// UnaryLogger logs every call at debug level and failures at warn.
func UnaryLogger(log *slog.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)

		code := status.Code(err)
		level := slog.LevelDebug
		if code != codes.OK && code != codes.NotFound {
			level = slog.LevelWarn
		}
		log.Log(ctx, level, "grpc request",
			"method", info.FullMethod,
			"code", code.String(),
			"duration", time.Since(start),
		)
		return resp, err
	}
}
