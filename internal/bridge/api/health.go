package api

import (
	"context"
	"fmt"
	"log/slog"
	"net"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// HealthServer exposes grpc.health.v1.Health for load balancers. The
// overall status ("") flips to NOT_SERVING when the bridge starts draining.
type HealthServer struct {
	addr   string
	grpc   *grpc.Server
	health *health.Server
}

// NewHealthServer creates the gRPC server in SERVING state.
func NewHealthServer(addr string) *HealthServer {
	h := &HealthServer{
		addr:   addr,
		grpc:   grpc.NewServer(),
		health: health.NewServer(),
	}
	healthpb.RegisterHealthServer(h.grpc, h.health)
	h.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	return h
}

// SetDraining marks the service NOT_SERVING.
func (h *HealthServer) SetDraining() {
	h.health.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
}

// Status returns the current overall status.
func (h *HealthServer) Status(ctx context.Context) (healthpb.HealthCheckResponse_ServingStatus, error) {
	resp, err := h.health.Check(ctx, &healthpb.HealthCheckRequest{})
	if err != nil {
		return healthpb.HealthCheckResponse_UNKNOWN, err
	}
	return resp.GetStatus(), nil
}

// Run serves until ctx is cancelled.
func (h *HealthServer) Run(ctx context.Context) error {
	lis, err := net.Listen("tcp", h.addr)
	if err != nil {
		return fmt.Errorf("grpc listen on %s: %w", h.addr, err)
	}
	return h.Serve(ctx, lis)
}

// Serve serves on lis until ctx is cancelled.
func (h *HealthServer) Serve(ctx context.Context, lis net.Listener) error {
	slog.Info("[gRPC] Health service listening", "addr", lis.Addr().String())

	errCh := make(chan error, 1)
	go func() { errCh <- h.grpc.Serve(lis) }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		h.health.Shutdown()
		h.grpc.GracefulStop()
		return nil
	}
}
