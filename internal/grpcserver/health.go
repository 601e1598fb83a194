// Package grpcserver exposes the standard gRPC health service, reporting
// SERVING only once the model is ready.
package grpcserver

import (
	"context"
	"errors"
	"net"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/example/cancer-check/internal/logging"
	"github.com/example/cancer-check/internal/model"
)

// ServiceName is the health service name clients may query in addition to
// the empty overall name.
const ServiceName = "cancercheck.Predictor"

// Observable is the subset of model.Holder the health server watches.
type Observable interface {
	Observe(fn func(model.State))
}

// HealthServer wraps a grpc.Server carrying only the health service.
type HealthServer struct {
	server *grpc.Server
	health *health.Server
	logger *zap.Logger
}

// NewHealthServer registers the health service and subscribes it to models.
func NewHealthServer(models Observable, logger *zap.Logger) *HealthServer {
	hs := &HealthServer{
		server: grpc.NewServer(),
		health: health.NewServer(),
		logger: logger.Named("grpc_health"),
	}
	healthpb.RegisterHealthServer(hs.server, hs.health)

	models.Observe(func(state model.State) {
		status := servingStatus(state)
		hs.health.SetServingStatus("", status)
		hs.health.SetServingStatus(ServiceName, status)
		hs.logger.Info("health status changed", zap.String("model", state.String()), zap.String("status", status.String()))
	})
	return hs
}

func servingStatus(state model.State) healthpb.HealthCheckResponse_ServingStatus {
	if state == model.StateReady {
		return healthpb.HealthCheckResponse_SERVING
	}
	return healthpb.HealthCheckResponse_NOT_SERVING
}

// Serve blocks serving on lis until Stop is called.
func (hs *HealthServer) Serve(lis net.Listener) error {
	hs.logger.Info("gRPC health listening", zap.String("addr", lis.Addr().String()))
	if err := hs.server.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return logging.NewOperationError("grpcserver.serve", "", err)
	}
	return nil
}

// Stop marks every service NOT_SERVING and drains in-flight checks, giving
// up when ctx ends.
func (hs *HealthServer) Stop(ctx context.Context) {
	hs.health.Shutdown()
	done := make(chan struct{})
	go func() {
		hs.server.GracefulStop()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		hs.server.Stop()
	}
}
