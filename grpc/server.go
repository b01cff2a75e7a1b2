// Package grpc exposes the archiver's health over the standard gRPC health protocol.
package grpc

import (
	"context"
	"fmt"
	"log/slog"
	"net"

	grpc "google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// IngestService is the health service name that tracks ingestion throttling.
const IngestService = "archiver.ingest"

// HealthServer serves grpc.health.v1. The overall status is always SERVING while the
// process runs; IngestService turns NOT_SERVING while memory cleanup pauses ingestion.
type HealthServer struct {
	health *health.Server
	server *grpc.Server
	logger *slog.Logger
}

// NewHealthServer returns a server with every service SERVING.
func NewHealthServer(logger *slog.Logger) *HealthServer {
	if logger == nil {
		logger = slog.Default()
	}
	h := &HealthServer{
		health: health.NewServer(),
		server: grpc.NewServer(),
		logger: logger.With("module", "grpc"),
	}
	healthpb.RegisterHealthServer(h.server, h.health)
	h.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	h.health.SetServingStatus(IngestService, healthpb.HealthCheckResponse_SERVING)
	return h
}

// SetThrottled flips IngestService. It matches the memory governor's throttle
// listener signature.
func (h *HealthServer) SetThrottled(throttled bool) {
	status := healthpb.HealthCheckResponse_SERVING
	if throttled {
		status = healthpb.HealthCheckResponse_NOT_SERVING
	}
	h.health.SetServingStatus(IngestService, status)
	h.logger.Debug("ingest health changed", "status", status.String())
}

// Serve listens on addr until ctx is done.
func (h *HealthServer) Serve(ctx context.Context, addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	return h.ServeListener(ctx, lis)
}

// ServeListener serves on lis until ctx is done, then stops gracefully.
func (h *HealthServer) ServeListener(ctx context.Context, lis net.Listener) error {
	go func() {
		<-ctx.Done()
		h.health.Shutdown()
		h.server.GracefulStop()
	}()
	h.logger.Info("gRPC health server listening", "addr", lis.Addr().String())
	if err := h.server.Serve(lis); err != nil {
		return fmt.Errorf("gRPC server stopped: %w", err)
	}
	return nil
}
