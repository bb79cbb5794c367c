package handler

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/reflection"
	"google.golang.org/grpc/status"

	"github.com/pesio-ai/be-ops-approvals/internal/errors"
)

// GRPCServer exposes the standard health service and reflection for
// platform health checks and debugging.
type GRPCServer struct {
	*grpc.Server
	health *health.Server
	logger zerolog.Logger
}

// NewGRPCServer creates a gRPC server with logging and error mapping
// interceptors.
func NewGRPCServer(logger zerolog.Logger) *GRPCServer {
	l := logger.With().Str("handler", "grpc").Logger()
	s := grpc.NewServer(grpc.ChainUnaryInterceptor(loggingInterceptor(l), errorInterceptor))

	hs := health.NewServer()
	healthpb.RegisterHealthServer(s, hs)
	reflection.Register(s)

	return &GRPCServer{Server: s, health: hs, logger: l}
}

// SetServing reports the overall serving status to health checks.
func (s *GRPCServer) SetServing(serving bool) {
	st := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		st = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus("", st)
}

// WatchReadiness polls ready until ctx is done and mirrors the result into
// the health service.
func (s *GRPCServer) WatchReadiness(ctx context.Context, ready func(ctx context.Context) error, interval time.Duration) {
	check := func() {
		cctx, cancel := context.WithTimeout(ctx, interval)
		defer cancel()
		err := ready(cctx)
		if err != nil {
			s.logger.Warn().Err(err).Msg("Readiness check failed")
		}
		s.SetServing(err == nil)
	}

	check()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			check()
		}
	}
}

// Shutdown marks the server not serving and stops it gracefully.
func (s *GRPCServer) Shutdown() {
	s.health.Shutdown()
	s.GracefulStop()
}

func loggingInterceptor(logger zerolog.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		start := time.Now()
		resp, err := handler(ctx, req)

		event := logger.Debug()
		if err != nil {
			event = logger.Warn().Err(err)
		}
		if md, ok := metadata.FromIncomingContext(ctx); ok {
			if ids := md.Get("x-request-id"); len(ids) > 0 {
				event = event.Str("request_id", ids[0])
			}
		}
		event.
			Str("method", info.FullMethod).
			Str("code", status.Code(err).String()).
			Dur("duration", time.Since(start)).
			Msg("gRPC call")
		return resp, err
	}
}

func errorInterceptor(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
	resp, err := handler(ctx, req)
	return resp, mapErrorToGRPC(err)
}

// mapErrorToGRPC converts application errors to gRPC status errors. Errors
// that already carry a status pass through.
func mapErrorToGRPC(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}

	msg := err.Error()
	switch errors.CodeOf(err) {
	case errors.ErrCodeValidation:
		return status.Error(codes.InvalidArgument, msg)
	case errors.ErrCodeNotFound:
		return status.Error(codes.NotFound, msg)
	case errors.ErrCodeNoPendingApproval:
		return status.Error(codes.FailedPrecondition, msg)
	case errors.ErrCodeConflict:
		return status.Error(codes.Aborted, msg)
	case errors.ErrCodeUnauthorized:
		return status.Error(codes.PermissionDenied, msg)
	case errors.ErrCodeDirectoryLookup, errors.ErrCodePersistence:
		return status.Error(codes.Unavailable, msg)
	default:
		return status.Error(codes.Internal, msg)
	}
}
