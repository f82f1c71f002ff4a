package dataapi

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"

	"github.com/rafaeljc/bifrost/internal/config"
)

// Server hosts the DataPlane service and the standard gRPC health service.
type Server struct {
	grpc   *grpc.Server
	health *health.Server
	logger *slog.Logger
}

// NewServer builds a gRPC server with the logging and metrics interceptors,
// the configured keepalive policy and api registered.
func NewServer(cfg *config.DataPlaneConfig, logger *slog.Logger, api *API) *Server {
	if cfg == nil {
		panic("dataapi: config cannot be nil")
	}
	if api == nil {
		panic("dataapi: api cannot be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}

	srv := grpc.NewServer(
		grpc.ChainUnaryInterceptor(
			RequestLoggerInterceptor(logger),
			ObservabilityInterceptor(),
		),
		grpc.MaxConcurrentStreams(cfg.MaxConcurrentStreams),
		grpc.KeepaliveParams(keepalive.ServerParameters{
			Time:             cfg.KeepaliveTime,
			Timeout:          cfg.KeepaliveTimeout,
			MaxConnectionAge: cfg.MaxConnectionAge,
		}),
	)
	api.Register(srv)

	hs := health.NewServer()
	healthpb.RegisterHealthServer(srv, hs)
	hs.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	hs.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)

	return &Server{grpc: srv, health: hs, logger: logger}
}

// Serve accepts connections on lis until ctx is cancelled, then drains
// in-flight RPCs.
func (s *Server) Serve(ctx context.Context, lis net.Listener) error {
	s.logger.Info("data plane listening", slog.String("addr", lis.Addr().String()))

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- s.grpc.Serve(lis)
	}()

	select {
	case <-ctx.Done():
		s.health.Shutdown()
		s.grpc.GracefulStop()
		return normalizeServeErr(<-serveErr)
	case err := <-serveErr:
		return normalizeServeErr(err)
	}
}

// ListenAndServe listens on addr and calls Serve.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to bind %s: %w", addr, err)
	}
	return s.Serve(ctx, lis)
}

func normalizeServeErr(err error) error {
	if err == nil || errors.Is(err, grpc.ErrServerStopped) {
		return nil
	}
	return fmt.Errorf("serve gRPC: %w", err)
}
