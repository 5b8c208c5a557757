// Package health exposes the connection state over the standard gRPC health
// checking protocol.
package health

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/rbright/obdgate/internal/fsm"
	"github.com/rbright/obdgate/internal/job"
	"github.com/rbright/obdgate/internal/transport"
)

// Service is the health service name that tracks the adapter session. The
// empty service name reports the process itself.
const Service = "obdgate.Adapter"

// Server mirrors the connection state: SERVING while connected, NOT_SERVING
// otherwise.
type Server struct {
	logger *slog.Logger
	health *health.Server
}

// NewServer returns a server reporting the process up and the adapter down.
func NewServer(logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	s := &Server{logger: logger, health: health.NewServer()}
	s.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	s.health.SetServingStatus(Service, healthpb.HealthCheckResponse_NOT_SERVING)
	return s
}

// Connection updates the adapter status on state changes.
func (s *Server) Connection(ev transport.Event) {
	if ev.Kind != transport.EventState {
		return
	}
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if ev.State == fsm.StateConnected {
		status = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus(Service, status)
	if ev.State == fsm.StateNone {
		s.health.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	}
}

// JobCompleted is a no-op; job outcomes do not affect health.
func (s *Server) JobCompleted(job.Job) {}

// Register adds the health service to g.
func (s *Server) Register(g *grpc.Server) {
	healthpb.RegisterHealthServer(g, s.health)
}

// Serve runs a gRPC server on addr until ctx is done.
func (s *Server) Serve(ctx context.Context, addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen health %s: %w", addr, err)
	}
	return s.ServeListener(ctx, listener)
}

// ServeListener runs a gRPC server on listener until ctx is done.
func (s *Server) ServeListener(ctx context.Context, listener net.Listener) error {
	g := grpc.NewServer()
	s.Register(g)

	go func() {
		<-ctx.Done()
		s.health.Shutdown()
		g.GracefulStop()
	}()

	s.logger.Info("health server listening", "addr", listener.Addr().String())
	if err := g.Serve(listener); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return fmt.Errorf("serve health: %w", err)
	}
	return nil
}

// Check asks the health server at addr for the status of service.
func Check(ctx context.Context, addr, service string, timeout time.Duration) (healthpb.HealthCheckResponse_ServingStatus, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return healthpb.HealthCheckResponse_UNKNOWN, fmt.Errorf("dial health %s: %w", addr, err)
	}
	defer conn.Close()

	conn.Connect()
	if err := waitForReady(ctx, conn); err != nil {
		return healthpb.HealthCheckResponse_UNKNOWN, fmt.Errorf("health %s not ready: %w", addr, err)
	}

	resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{Service: service})
	if err != nil {
		return healthpb.HealthCheckResponse_UNKNOWN, fmt.Errorf("health check %s: %w", addr, err)
	}
	return resp.GetStatus(), nil
}

// waitForReady blocks until the connection enters Ready or fails.
func waitForReady(ctx context.Context, conn *grpc.ClientConn) error {
	for {
		state := conn.GetState()
		switch state {
		case connectivity.Ready:
			return nil
		case connectivity.Shutdown:
			return errors.New("grpc connection entered shutdown state")
		}

		if !conn.WaitForStateChange(ctx, state) {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("grpc readiness wait timed out in state %s", state.String())
		}
	}
}
