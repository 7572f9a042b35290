package threatintel

import (
	"context"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
)

// Checker reports the health of one dependency
type Checker func(ctx context.Context) error

// RegisterHealthServer registers the gRPC health service and keeps the
// serving status in line with the checkers until ctx is done
func RegisterHealthServer(ctx context.Context, grpcServer *grpc.Server, interval time.Duration, checkers ...Checker) *health.Server {
	healthServer := health.NewServer()
	grpc_health_v1.RegisterHealthServer(grpcServer, healthServer)

	set := func(st grpc_health_v1.HealthCheckResponse_ServingStatus) {
		healthServer.SetServingStatus("", st)
		healthServer.SetServingStatus(ServiceName, st)
	}
	check := func() {
		pctx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		for _, p := range checkers {
			if err := p(pctx); err != nil {
				set(grpc_health_v1.HealthCheckResponse_NOT_SERVING)
				return
			}
		}
		set(grpc_health_v1.HealthCheckResponse_SERVING)
	}

	check()
	if interval <= 0 {
		interval = 10 * time.Second
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				healthServer.Shutdown()
				return
			case <-ticker.C:
				check()
			}
		}
	}()
	return healthServer
}
