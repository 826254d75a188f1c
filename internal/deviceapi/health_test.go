package deviceapi_test

import (
	"context"
	"testing"

	"google.golang.org/grpc/health/grpc_health_v1"

	"github.com/BrandonDHaskell/paxcount/device/internal/deviceapi"
	"github.com/BrandonDHaskell/paxcount/device/internal/paxcount/service"
)

func check(t *testing.T, hs *deviceapi.HealthServer, name string) grpc_health_v1.HealthCheckResponse_ServingStatus {
	t.Helper()
	resp, err := hs.Check(context.Background(), &grpc_health_v1.HealthCheckRequest{Service: name})
	if err != nil {
		t.Fatalf("Check(%q): %v", name, err)
	}
	return resp.GetStatus()
}

func TestHealthServer_TracksMode(t *testing.T) {
	hs := deviceapi.NewHealthServer()

	if got := check(t, hs, ""); got != grpc_health_v1.HealthCheckResponse_SERVING {
		t.Errorf("process status = %s", got)
	}
	if got := check(t, hs, deviceapi.SyncServiceName); got != grpc_health_v1.HealthCheckResponse_NOT_SERVING {
		t.Errorf("initial sync status = %s", got)
	}

	hs.SetMode(service.ModeOnline)
	if got := check(t, hs, deviceapi.SyncServiceName); got != grpc_health_v1.HealthCheckResponse_SERVING {
		t.Errorf("online sync status = %s", got)
	}

	hs.SetMode(service.ModeOffline)
	if got := check(t, hs, deviceapi.SyncServiceName); got != grpc_health_v1.HealthCheckResponse_NOT_SERVING {
		t.Errorf("offline sync status = %s", got)
	}
}

func TestNewGRPCServer_RegistersHealth(t *testing.T) {
	srv := deviceapi.NewGRPCServer(deviceapi.NewHealthServer())
	defer srv.Stop()

	if _, ok := srv.GetServiceInfo()[grpc_health_v1.Health_ServiceDesc.ServiceName]; !ok {
		t.Error("health service not registered")
	}
}
