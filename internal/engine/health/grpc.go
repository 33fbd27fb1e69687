package health

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"time"

	"google.golang.org/grpc"
	grpchealth "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// ServiceName returns the gRPC health service name of a slot.
func ServiceName(slot int) string {
	return fmt.Sprintf("wlantunnel.slot.%d", slot)
}

// GRPCServer serves the standard gRPC health protocol. The empty service
// name reports the aggregate status.
type GRPCServer struct {
	monitor  *Monitor
	health   *grpchealth.Server
	server   *grpc.Server
	port     int
	interval time.Duration
	logger   *slog.Logger
}

func NewGRPCServer(monitor *Monitor, port int, interval time.Duration, logger *slog.Logger) *GRPCServer {
	if interval <= 0 {
		interval = defaultCacheTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &GRPCServer{
		monitor:  monitor,
		health:   grpchealth.NewServer(),
		server:   grpc.NewServer(),
		port:     port,
		interval: interval,
		logger:   logger.With("component", "grpc-health"),
	}
	healthpb.RegisterHealthServer(s.server, s.health)
	return s
}

// Refresh copies the monitor report into the health service.
func (s *GRPCServer) Refresh(ctx context.Context) {
	report := s.monitor.CheckHealth(ctx)
	for slot, h := range report {
		s.health.SetServingStatus(ServiceName(slot), servingStatus(h.Status))
	}
	s.health.SetServingStatus("", servingStatus(Aggregate(report)))
}

// Watch refreshes the health service until ctx is cancelled.
func (s *GRPCServer) Watch(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.Refresh(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Refresh(ctx)
		}
	}
}

// Start listens on the configured port and serves until Stop.
func (s *GRPCServer) Start() error {
	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", s.port))
	if err != nil {
		return fmt.Errorf("listen grpc health: %w", err)
	}
	return s.Serve(lis)
}

func (s *GRPCServer) Serve(lis net.Listener) error {
	s.logger.Info("grpc health listening", "addr", lis.Addr().String())
	return s.server.Serve(lis)
}

// Stop marks every service as not serving and stops the server.
func (s *GRPCServer) Stop() {
	s.health.Shutdown()
	s.server.GracefulStop()
}

func servingStatus(status SystemStatus) healthpb.HealthCheckResponse_ServingStatus {
	if status == StatusCritical {
		return healthpb.HealthCheckResponse_NOT_SERVING
	}
	return healthpb.HealthCheckResponse_SERVING
}
