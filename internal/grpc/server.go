// Package grpc runs the gRPC side listener: the standard health service and
// server reflection. The webhook API itself is served by the Connect handler,
// which also speaks the gRPC protocol on the HTTP port.
package grpc

import (
	"context"
	"log/slog"
	"net"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/sarathsp06/herald/internal/logger"
)

// HealthServer serves grpc.health.v1 and reflection.
type HealthServer struct {
	server   *grpc.Server
	health   *health.Server
	services []string
	logger   *slog.Logger
}

// NewHealthServer creates a server that reports every name in services,
// plus the overall "" service, as SERVING until told otherwise.
func NewHealthServer(services ...string) *HealthServer {
	s := &HealthServer{
		server:   grpc.NewServer(grpc.StatsHandler(otelgrpc.NewServerHandler())),
		health:   health.NewServer(),
		services: append([]string{""}, services...),
		logger:   logger.NewLogger("grpc-health-server"),
	}
	healthpb.RegisterHealthServer(s.server, s.health)
	reflection.Register(s.server)
	s.SetServing(true)
	return s
}

// SetServing flips the status of every registered service.
func (s *HealthServer) SetServing(serving bool) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		status = healthpb.HealthCheckResponse_SERVING
	}
	for _, name := range s.services {
		s.health.SetServingStatus(name, status)
	}
}

// WatchReadiness runs check every interval and mirrors its result into the
// health status until ctx is done.
func (s *HealthServer) WatchReadiness(ctx context.Context, interval time.Duration, check func(context.Context) error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	serving := true
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			checkCtx, cancel := context.WithTimeout(ctx, interval)
			err := check(checkCtx)
			cancel()
			if ok := err == nil; ok != serving {
				serving = ok
				s.SetServing(ok)
				s.logger.Warn("Health status changed", "serving", ok, "error", err)
			}
		}
	}
}

// Serve accepts connections on lis until Stop is called.
func (s *HealthServer) Serve(lis net.Listener) error {
	s.logger.Info("gRPC health server listening", "addr", lis.Addr().String())
	return s.server.Serve(lis)
}

// Stop marks every service NOT_SERVING and drains connections, forcing the
// stop when ctx expires first.
func (s *HealthServer) Stop(ctx context.Context) {
	s.health.Shutdown()

	done := make(chan struct{})
	go func() {
		s.server.GracefulStop()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.logger.Warn("gRPC graceful stop timed out, forcing")
		s.server.Stop()
	}
}
