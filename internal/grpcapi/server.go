package grpcapi

import (
	"context"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"

	"cargolane.io/internal/obs"
)

// ReadinessChecker reports whether dependencies are reachable.
type ReadinessChecker interface {
	Check(ctx context.Context) error
}

// NewServer builds a gRPC server with the auth interceptors installed and the
// standard health service registered. Business services register on the
// returned server before Serve.
func NewServer(i *Interceptor, opts ...grpc.ServerOption) (*grpc.Server, *health.Server) {
	opts = append(opts,
		grpc.ChainUnaryInterceptor(i.Unary()),
		grpc.ChainStreamInterceptor(i.Stream()),
	)
	srv := grpc.NewServer(opts...)
	hs := health.NewServer()
	grpc_health_v1.RegisterHealthServer(srv, hs)
	return srv, hs
}

// WatchReadiness probes the dependencies every interval and mirrors the
// result into the health service until ctx ends.
func WatchReadiness(ctx context.Context, hs *health.Server, probe ReadinessChecker, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	check := func() {
		callCtx, cancel := context.WithTimeout(ctx, interval)
		err := probe.Check(callCtx)
		cancel()
		if err != nil {
			obs.SetReady(false)
			hs.SetServingStatus("", grpc_health_v1.HealthCheckResponse_NOT_SERVING)
			return
		}
		obs.SetReady(true)
		hs.SetServingStatus("", grpc_health_v1.HealthCheckResponse_SERVING)
	}

	check()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			hs.Shutdown()
			return
		case <-ticker.C:
			check()
		}
	}
}
