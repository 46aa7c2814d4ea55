package server

import (
	"context"
	"log/slog"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
	"google.golang.org/grpc/status"

	repo "github.com/joseph-ayodele/resume-pipeline/internal/repository"
)

// NewGRPCServer builds the operations endpoint: the standard health service
// plus reflection for grpcurl.
func NewGRPCServer(logger *slog.Logger) (*grpc.Server, *health.Server) {
	s := grpc.NewServer(grpc.ChainUnaryInterceptor(loggingInterceptor(logger)))
	hs := health.NewServer()
	healthpb.RegisterHealthServer(s, hs)
	hs.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	reflection.Register(s)
	return s, hs
}

func loggingInterceptor(logger *slog.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		logger.Debug("grpc.call", "method", info.FullMethod,
			"code", status.Code(err).String(), "elapsed_ms", time.Since(start).Milliseconds())
		return resp, err
	}
}

// WatchHealth flips the health status with the database until ctx is done.
func WatchHealth(ctx context.Context, hs *health.Server, db *repo.DB, interval time.Duration, logger *slog.Logger) {
	t := time.NewTicker(interval)
	defer t.Stop()
	last := healthpb.HealthCheckResponse_SERVING
	for {
		select {
		case <-ctx.Done():
			hs.Shutdown()
			return
		case <-t.C:
			st := healthpb.HealthCheckResponse_SERVING
			if err := db.HealthCheck(ctx, 3*time.Second, logger); err != nil {
				st = healthpb.HealthCheckResponse_NOT_SERVING
			}
			if st != last {
				logger.Warn("health status changed", "status", st.String())
				last = st
			}
			hs.SetServingStatus("", st)
		}
	}
}
