package server

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/openkcm/common-sdk/pkg/commongrpc"
	"github.com/openkcm/common-sdk/pkg/health"
	"github.com/samber/oops"
	"google.golang.org/grpc"

	slogctx "github.com/veqryn/slog-context"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/openkcm/session-worker/internal/config"
	"github.com/openkcm/session-worker/pkg/rpc/grpcrpc"
)

// StartGRPCServer serves the worker on cfg.GRPC.Address until ctx ends or
// the server fails.
func StartGRPCServer(ctx context.Context, cfg *config.Config, handler grpcrpc.Handler) error {
	grpcServer := commongrpc.NewServer(ctx, &cfg.GRPC.GRPCServer)

	healthpb.RegisterHealthServer(grpcServer, &health.GRPCServer{})
	grpcrpc.RegisterServer(grpcServer, handler)

	listener, err := new(net.ListenConfig).Listen(ctx, "tcp", cfg.GRPC.Address)
	if err != nil {
		return oops.In("gRPC Server").
			WithContext(ctx).
			Wrapf(err, "creating listener")
	}

	serveErr := make(chan error, 1)
	go func() {
		slogctx.Info(ctx, "Starting GRPC server", "address", listener.Addr().String(), "service", grpcrpc.ServiceName)
		serveErr <- grpcServer.Serve(listener)
	}()

	select {
	case err := <-serveErr:
		if err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			return oops.In("gRPC Server").
				WithContext(ctx).
				Wrapf(err, "serving the worker")
		}

		return nil
	case <-ctx.Done():
	}

	stop(context.WithoutCancel(ctx), grpcServer, cfg.GRPC.ShutdownTimeout)

	return nil
}

type stopper interface {
	GracefulStop()
	Stop()
}

// stop drains in-flight calls and forces the server down once timeout passes.
func stop(ctx context.Context, grpcServer stopper, timeout time.Duration) {
	stopped := make(chan struct{})
	go func() {
		grpcServer.GracefulStop()
		close(stopped)
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-stopped:
		slogctx.Info(ctx, "Completed graceful shutdown of gRPC server")
	case <-timer.C:
		slogctx.Warn(ctx, "Graceful shutdown of gRPC server timed out, stopping", "timeout", timeout)
		grpcServer.Stop()
		<-stopped
	}
}
