// Package health exposes the standard gRPC health service so orchestrators
// can probe the server without speaking its HTTP API.
package health

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	grpc_health_v1 "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/BrandonDHaskell/interjornada/server/internal/interjornada/service"
)

// IngestionService is the health service name tracking the ingestion worker.
// The empty name reports the same status.
const IngestionService = "interjornada.v1.Ingestion"

// WorkerStatus is the ingestion worker as seen by the health probe.
type WorkerStatus interface {
	Status() service.WorkerStatus
}

type Server struct {
	listener net.Listener
	grpc     *grpc.Server
	health   *health.Server
	logger   *log.Logger
}

// Listen binds addr and registers the health service as SERVING.
func Listen(addr string, logger *log.Logger) (*Server, error) {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", addr, err)
	}
	return New(lis, logger), nil
}

func New(lis net.Listener, logger *log.Logger) *Server {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	gs := grpc.NewServer(grpc.StatsHandler(otelgrpc.NewServerHandler()))
	hs := health.NewServer()
	grpc_health_v1.RegisterHealthServer(gs, hs)

	s := &Server{listener: lis, grpc: gs, health: hs, logger: logger}
	s.set(grpc_health_v1.HealthCheckResponse_SERVING)
	return s
}

func (s *Server) Addr() string { return s.listener.Addr().String() }

// Update maps the worker status onto the health service: NOT_SERVING once
// the worker has fail-stopped.
func (s *Server) Update(st service.WorkerStatus) {
	if st.FailStopped {
		s.set(grpc_health_v1.HealthCheckResponse_NOT_SERVING)
		return
	}
	s.set(grpc_health_v1.HealthCheckResponse_SERVING)
}

func (s *Server) set(status grpc_health_v1.HealthCheckResponse_ServingStatus) {
	s.health.SetServingStatus("", status)
	s.health.SetServingStatus(IngestionService, status)
}

// Watch polls src every interval until ctx is cancelled.
func (s *Server) Watch(ctx context.Context, src WorkerStatus, every time.Duration) {
	if every <= 0 {
		every = 5 * time.Second
	}
	t := time.NewTicker(every)
	defer t.Stop()

	s.Update(src.Status())
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			s.Update(src.Status())
		}
	}
}

// Serve blocks until ctx is cancelled or the listener fails.
func (s *Server) Serve(ctx context.Context) error {
	s.logger.Printf("grpc health listening on %s", s.Addr())

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- s.grpc.Serve(s.listener)
	}()

	select {
	case <-ctx.Done():
		s.health.Shutdown()
		s.grpc.GracefulStop()
		if err := <-serveErr; err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			return fmt.Errorf("serve grpc health: %w", err)
		}
		return nil
	case err := <-serveErr:
		if err == nil || errors.Is(err, grpc.ErrServerStopped) {
			return nil
		}
		return fmt.Errorf("serve grpc health: %w", err)
	}
}
