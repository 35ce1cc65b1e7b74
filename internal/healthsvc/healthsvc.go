// Package healthsvc exposes the pipeline's health over the standard gRPC
// health protocol. The named service follows the last terminal snapshot;
// the empty service name reports the process itself.
package healthsvc

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/tensora-ai/densityview/internal/monitoring"
	"github.com/tensora-ai/densityview/internal/pipeline"
)

// DefaultService is the health service name for the dashboard pipeline.
const DefaultService = "densityview.Pipeline"

// Reporter maps published snapshots onto a health.Server.
type Reporter struct {
	hs      *health.Server
	service string

	mu   sync.Mutex
	last healthpb.HealthCheckResponse_ServingStatus
}

// NewReporter creates a Reporter. The process is reported SERVING and the
// pipeline service UNKNOWN until the first terminal snapshot.
func NewReporter(service string) *Reporter {
	if service == "" {
		service = DefaultService
	}
	r := &Reporter{
		hs:      health.NewServer(),
		service: service,
		last:    healthpb.HealthCheckResponse_UNKNOWN,
	}
	r.hs.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	r.hs.SetServingStatus(service, healthpb.HealthCheckResponse_UNKNOWN)
	return r
}

// Service returns the pipeline service name.
func (r *Reporter) Service() string { return r.service }

// Server returns the underlying health server.
func (r *Reporter) Server() *health.Server { return r.hs }

// Status returns the pipeline service status last set.
func (r *Reporter) Status() healthpb.HealthCheckResponse_ServingStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.last
}

// Observe updates the pipeline status from a published snapshot. Success
// and empty results are SERVING, errors NOT_SERVING; other states leave the
// status unchanged.
func (r *Reporter) Observe(snap *pipeline.Snapshot) {
	if snap == nil {
		return
	}
	var status healthpb.HealthCheckResponse_ServingStatus
	switch snap.State {
	case pipeline.StateSuccess, pipeline.StateEmpty:
		status = healthpb.HealthCheckResponse_SERVING
	case pipeline.StateError:
		status = healthpb.HealthCheckResponse_NOT_SERVING
	default:
		return
	}

	r.mu.Lock()
	changed := status != r.last
	r.last = status
	r.mu.Unlock()

	r.hs.SetServingStatus(r.service, status)
	if changed {
		monitoring.Logf("[Health] %s is %s after run %s (%s)", r.service, status, snap.RunID, snap.State)
	}
}

// Run observes snapshots until ctx is done or snaps is closed.
func (r *Reporter) Run(ctx context.Context, snaps <-chan *pipeline.Snapshot) {
	for {
		select {
		case <-ctx.Done():
			return
		case snap, ok := <-snaps:
			if !ok {
				return
			}
			r.Observe(snap)
		}
	}
}

// Register adds the health service to s.
func (r *Reporter) Register(s *grpc.Server) {
	healthpb.RegisterHealthServer(s, r.hs)
}

// Shutdown sets every service to NOT_SERVING and ignores later updates.
func (r *Reporter) Shutdown() {
	r.hs.Shutdown()
}

// Server serves the health service on its own listener.
type Server struct {
	reporter *Reporter
	server   *grpc.Server
	listener net.Listener
	running  atomic.Bool
	wg       sync.WaitGroup
}

// NewServer creates a gRPC server with the reporter's health service
// registered.
func NewServer(r *Reporter, opts ...grpc.ServerOption) *Server {
	s := &Server{reporter: r, server: grpc.NewServer(opts...)}
	r.Register(s.server)
	return s
}

// GRPCServer returns the underlying gRPC server for further registration.
func (s *Server) GRPCServer() *grpc.Server { return s.server }

// Start listens on addr and serves in the background.
func (s *Server) Start(addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	return s.Serve(lis)
}

// Serve serves on lis in the background.
func (s *Server) Serve(lis net.Listener) error {
	if !s.running.CompareAndSwap(false, true) {
		return fmt.Errorf("health server already running")
	}
	s.listener = lis

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		monitoring.Logf("[Health] gRPC health listening on %s", lis.Addr())
		if err := s.server.Serve(lis); err != nil && s.running.Load() {
			monitoring.Logf("[Health] gRPC server error: %v", err)
		}
	}()
	return nil
}

// Addr returns the listening address, or nil before Start.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Stop marks every service NOT_SERVING and stops the server gracefully.
func (s *Server) Stop() {
	if !s.running.CompareAndSwap(true, false) {
		return
	}
	s.reporter.Shutdown()
	s.server.GracefulStop()
	s.wg.Wait()
	monitoring.Logf("[Health] gRPC health server stopped")
}
