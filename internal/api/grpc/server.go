package grpc

import (
	"context"
	"fmt"
	"net"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
	"google.golang.org/grpc/status"

	"github.com/kubilitics/kubilitics-explain/internal/pipeline"
	"github.com/kubilitics/kubilitics-explain/internal/render"
	"github.com/kubilitics/kubilitics-explain/pkg/contracts"
)

// Deps are the components the gRPC server exposes. Explainer is required.
type Deps struct {
	Explainer pipeline.Explainer
	Runner    Runner
	Renderer  *render.Renderer
	Logger    *zap.Logger
}

// Server is the gRPC server of the explanation service.
type Server struct {
	server       *grpc.Server
	healthServer *health.Server
	port         int
	logger       *zap.Logger
}

// NewServer creates a server listening on port once started.
func NewServer(port int, d Deps) *Server {
	if d.Renderer == nil {
		d.Renderer = render.New(render.Options{})
	}
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}

	s := grpc.NewServer(
		grpc.MaxRecvMsgSize(4*1024*1024),
		grpc.ConnectionTimeout(30*time.Second),
		grpc.ChainUnaryInterceptor(loggingInterceptor(d.Logger)),
	)
	healthServer := health.NewServer()
	grpc_health_v1.RegisterHealthServer(s, healthServer)
	healthServer.SetServingStatus("", grpc_health_v1.HealthCheckResponse_SERVING)
	healthServer.SetServingStatus(contracts.ServiceName, grpc_health_v1.HealthCheckResponse_SERVING)

	reflection.Register(s)

	RegisterExplainServiceServer(s, &explainService{
		explainer: d.Explainer,
		runner:    d.Runner,
		renderer:  d.Renderer,
		logger:    d.Logger,
	})

	return &Server{server: s, healthServer: healthServer, port: port, logger: d.Logger}
}

// Start listens on the configured port and serves in the background.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf("0.0.0.0:%d", s.port)
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.logger.Info("gRPC server starting", zap.String("address", addr))
	go s.Serve(lis)
	return nil
}

// Serve serves on lis until the server stops.
func (s *Server) Serve(lis net.Listener) error {
	if err := s.server.Serve(lis); err != nil && err != grpc.ErrServerStopped {
		s.logger.Error("gRPC server failed", zap.Error(err))
		return err
	}
	return nil
}

// Stop gracefully stops the gRPC server, forcing it after five seconds.
func (s *Server) Stop() {
	s.logger.Info("stopping gRPC server")
	s.healthServer.Shutdown()

	stopped := make(chan struct{})
	go func() {
		s.server.GracefulStop()
		close(stopped)
	}()

	select {
	case <-stopped:
		s.logger.Info("gRPC server stopped gracefully")
	case <-time.After(5 * time.Second):
		s.logger.Warn("gRPC server forced to stop after timeout")
		s.server.Stop()
	}
}

func loggingInterceptor(logger *zap.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		logger.Debug("grpc request",
			zap.String("method", info.FullMethod),
			zap.String("code", status.Code(err).String()),
			zap.Duration("duration", time.Since(start)),
		)
		return resp, err
	}
}
