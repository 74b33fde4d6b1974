package grpcx

import (
	"context"
	"log/slog"
	"net"
	"time"

	"github.com/MaxsuelsSouza/piscina.pwa-sub000/libs/runtime"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// Server is a grpc.Server with tracing, request ids and the standard health service.
type Server struct {
	*grpc.Server
	health *health.Server
	logger *slog.Logger
}

func NewServer(logger *slog.Logger, extra ...grpc.ServerOption) *Server {
	opts := []grpc.ServerOption{
		grpc.StatsHandler(otelgrpc.NewServerHandler()),
		grpc.ChainUnaryInterceptor(
			UnaryServerRequestIDInterceptor(),
			UnaryServerLoggingInterceptor(logger),
		),
	}
	opts = append(opts, extra...)

	srv := grpc.NewServer(opts...)
	hs := health.NewServer()
	healthpb.RegisterHealthServer(srv, hs)
	hs.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)

	return &Server{Server: srv, health: hs, logger: logger}
}

func (s *Server) SetServing(serving bool) {
	st := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		st = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus("", st)
}

// WatchReadiness re-evaluates checks every interval and mirrors the result into the
// health service until ctx ends.
func (s *Server) WatchReadiness(ctx context.Context, interval time.Duration, checks ...runtime.ReadyCheck) {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	update := func() {
		results, ok := runtime.RunChecks(ctx, 2*time.Second, checks...)
		if !ok {
			s.logger.Warn("grpc health not serving", "checks", results)
		}
		s.SetServing(ok)
	}
	update()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			update()
		}
	}
}

// ListenAndServe blocks until the listener fails or ctx ends, then stops gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}

	go func() {
		<-ctx.Done()
		s.health.Shutdown()
		s.GracefulStop()
	}()

	s.logger.Info("grpc server starting", "addr", lis.Addr().String())
	err = s.Serve(lis)
	if err == grpc.ErrServerStopped {
		return nil
	}
	return err
}
