package deviceapi

import (
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"

	"github.com/BrandonDHaskell/paxcount/device/internal/paxcount/service"
)

// SyncServiceName is the health service that tracks the sync mode.
const SyncServiceName = "paxcount.sync"

// HealthServer reports the process as SERVING and paxcount.sync as
// SERVING only while the device is ONLINE.
type HealthServer struct {
	*health.Server
}

func NewHealthServer() *HealthServer {
	hs := &HealthServer{Server: health.NewServer()}
	hs.SetServingStatus("", grpc_health_v1.HealthCheckResponse_SERVING)
	hs.SetServingStatus(SyncServiceName, grpc_health_v1.HealthCheckResponse_NOT_SERVING)
	return hs
}

// SetMode is meant for service.LoopConfig.OnModeChange.
func (h *HealthServer) SetMode(m service.Mode) {
	status := grpc_health_v1.HealthCheckResponse_NOT_SERVING
	if m == service.ModeOnline {
		status = grpc_health_v1.HealthCheckResponse_SERVING
	}
	h.SetServingStatus(SyncServiceName, status)
}

// NewGRPCServer returns a traced gRPC server with h registered.
func NewGRPCServer(h *HealthServer) *grpc.Server {
	srv := grpc.NewServer(grpc.StatsHandler(otelgrpc.NewServerHandler()))
	grpc_health_v1.RegisterHealthServer(srv, h)
	return srv
}
