// Package rpc serves the gRPC health and reflection endpoints used by
// orchestrators to probe the server.
package rpc

import (
	"context"
	"fmt"
	"net"
	"sync"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/guessio/drawserver/internal/config"
)

// HealthServer reports serving status over the standard gRPC health protocol.
// It implements server.Service.
type HealthServer struct {
	cfg     config.RPCConfig
	service string
	logger  *zap.Logger
	grpc    *grpc.Server
	health  *health.Server

	mu       sync.Mutex
	listener net.Listener
	ready    chan struct{}
}

// NewHealthServer creates a health server reporting under service and the
// empty (whole-server) name.
//
// Precondition: logger must be non-nil.
func NewHealthServer(cfg config.RPCConfig, service string, logger *zap.Logger) *HealthServer {
	gs := grpc.NewServer()
	hs := health.NewServer()
	healthpb.RegisterHealthServer(gs, hs)
	reflection.Register(gs)

	hs.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	hs.SetServingStatus(service, healthpb.HealthCheckResponse_NOT_SERVING)

	return &HealthServer{
		cfg:     cfg,
		service: service,
		logger:  logger.Named("rpc"),
		grpc:    gs,
		health:  hs,
		ready:   make(chan struct{}),
	}
}

// Start listens on the configured address and serves until Stop.
//
// Postcondition: Both names report SERVING while Start is serving.
func (h *HealthServer) Start(ctx context.Context) error {
	lis, err := net.Listen("tcp", h.cfg.Addr())
	if err != nil {
		return fmt.Errorf("listening on %s: %w", h.cfg.Addr(), err)
	}
	h.mu.Lock()
	h.listener = lis
	h.mu.Unlock()
	close(h.ready)

	h.SetServing(true)
	h.logger.Info("gRPC health server listening", zap.String("addr", lis.Addr().String()))
	return h.grpc.Serve(lis)
}

// SetServing flips the reported status for both names.
func (h *HealthServer) SetServing(serving bool) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		status = healthpb.HealthCheckResponse_SERVING
	}
	h.health.SetServingStatus("", status)
	h.health.SetServingStatus(h.service, status)
}

// Addr returns the bound address once Start has begun listening.
func (h *HealthServer) Addr() net.Addr {
	<-h.ready
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.listener.Addr()
}

// Stop marks every name NOT_SERVING and drains in-flight calls.
func (h *HealthServer) Stop() {
	h.health.Shutdown()
	h.grpc.GracefulStop()
}
