// Package grpc serves the collector's gRPC health and reflection services.
package grpc

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/sreeram77/gpu-collector/internal/config"
)

// ServiceName is the health service name reported for the collector.
const ServiceName = "gpucollector.Collector"

const healthInterval = time.Second

// StatusSource reports whether the collector is serving.
type StatusSource interface {
	Running() bool
}

// Server represents the gRPC server
type Server struct {
	logger     zerolog.Logger
	config     config.GRPCServerConfig
	grpcServer *grpc.Server
	health     *health.Server
	status     StatusSource
}

// NewServer creates a new gRPC server
func NewServer(logger zerolog.Logger, cfg config.GRPCServerConfig, status StatusSource) *Server {
	logger = logger.With().Str("component", "grpc").Logger()

	opts := []grpc.ServerOption{
		grpc.MaxRecvMsgSize(1024 * 1024),
	}
	if cfg.Timeout > 0 {
		opts = append(opts, grpc.ConnectionTimeout(cfg.Timeout))
	}
	grpcServer := grpc.NewServer(opts...)

	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)

	// Enable reflection for gRPC CLI tools like grpcurl
	reflection.Register(grpcServer)

	s := &Server{
		logger:     logger,
		config:     cfg,
		grpcServer: grpcServer,
		health:     healthServer,
		status:     status,
	}
	s.UpdateHealth()
	return s
}

// UpdateHealth publishes the collector state to the health service.
func (s *Server) UpdateHealth() {
	st := healthpb.HealthCheckResponse_NOT_SERVING
	if s.status.Running() {
		st = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus("", st)
	s.health.SetServingStatus(ServiceName, st)
}

// Start listens on the configured port and serves until Stop.
func (s *Server) Start() error {
	addr := fmt.Sprintf(":%d", s.config.Port)
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	return s.Serve(lis)
}

// Serve serves on an existing listener until Stop.
func (s *Server) Serve(lis net.Listener) error {
	s.logger.Info().
		Str("address", lis.Addr().String()).
		Msg("Starting gRPC server")

	if err := s.grpcServer.Serve(lis); err != nil {
		return fmt.Errorf("failed to serve: %w", err)
	}
	return nil
}

// Stop gracefully stops the gRPC server
func (s *Server) Stop() error {
	s.logger.Info().Msg("Shutting down gRPC server")

	s.health.Shutdown()
	s.grpcServer.GracefulStop()

	s.logger.Info().Msg("gRPC server stopped")
	return nil
}

// Run serves and refreshes the health status until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	serverErrors := make(chan error, 1)

	go func() {
		if err := s.Start(); err != nil {
			serverErrors <- err
		}
	}()

	ticker := time.NewTicker(healthInterval)
	defer ticker.Stop()

	for {
		select {
		case err := <-serverErrors:
			return fmt.Errorf("server error: %w", err)
		case <-ticker.C:
			s.UpdateHealth()
		case <-ctx.Done():
			return s.Stop()
		}
	}
}
