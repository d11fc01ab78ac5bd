package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"runtime/debug"
	"time"

	grpc_prometheus "github.com/grpc-ecosystem/go-grpc-prometheus"
	"go.opentelemetry.io/otel"
	otelcodes "go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
	"google.golang.org/grpc/status"

	"github.com/miradorstack/mirador-triage/internal/config"
	"github.com/miradorstack/mirador-triage/internal/utils"
)

// Server owns the gRPC control plane: the triage service, health probes and optional reflection.
type Server struct {
	grpcServer *grpc.Server
	health     *health.Server
	listener   net.Listener
	graceful   time.Duration
}

// NewServer binds cfg.GRPCAddress and registers service on it.
func NewServer(cfg config.ServerConfig, service TriageEngineServer, logger *slog.Logger, opts ...grpc.ServerOption) (*Server, error) {
	lis, err := net.Listen("tcp", cfg.GRPCAddress)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", cfg.GRPCAddress, err)
	}

	grpc_prometheus.EnableHandlingTimeHistogram()
	base := []grpc.ServerOption{
		grpc.ChainUnaryInterceptor(grpc_prometheus.UnaryServerInterceptor, observeUnary(logger)),
		grpc.ChainStreamInterceptor(grpc_prometheus.StreamServerInterceptor),
	}
	grpcServer := grpc.NewServer(append(base, opts...)...)

	RegisterTriageEngineServer(grpcServer, service)
	grpc_prometheus.Register(grpcServer)

	healthSrv := health.NewServer()
	for _, name := range []string{"", ServiceName} {
		healthSrv.SetServingStatus(name, healthpb.HealthCheckResponse_SERVING)
	}
	healthpb.RegisterHealthServer(grpcServer, healthSrv)

	if cfg.Reflection {
		reflection.Register(grpcServer)
	}

	return &Server{grpcServer: grpcServer, health: healthSrv, listener: lis, graceful: cfg.GracefulTimeout}, nil
}

// observeUnary wraps each call in a span, turns panics into Internal errors and logs failures.
func observeUnary(logger *slog.Logger) grpc.UnaryServerInterceptor {
	log := utils.Component(logger, "grpc")
	tracer := otel.Tracer("mirador-triage/api")
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (resp any, err error) {
		ctx, span := tracer.Start(ctx, info.FullMethod, trace.WithSpanKind(trace.SpanKindServer))
		start := time.Now()
		defer func() {
			if r := recover(); r != nil {
				log.Error("grpc handler panicked",
					slog.String("method", info.FullMethod),
					slog.Any("panic", r),
					slog.String("stack", string(debug.Stack())))
				resp, err = nil, status.Error(codes.Internal, "internal error")
			}
			code := status.Code(err)
			if err != nil {
				span.SetStatus(otelcodes.Error, code.String())
				level := slog.LevelWarn
				if code == codes.Internal || code == codes.Unknown {
					level = slog.LevelError
				}
				log.Log(ctx, level, "grpc call failed",
					slog.String("method", info.FullMethod),
					slog.String("code", code.String()),
					slog.Duration("duration", time.Since(start)),
					slog.Any("error", err))
			}
			span.End()
		}()
		return handler(ctx, req)
	}
}

// Start serves until Shutdown.
func (s *Server) Start() error {
	if s.grpcServer == nil || s.listener == nil {
		return errors.New("server not initialised")
	}
	return s.grpcServer.Serve(s.listener)
}

// Shutdown flips health to NOT_SERVING, drains in-flight calls and hard-stops once ctx ends.
func (s *Server) Shutdown(ctx context.Context) {
	if s.grpcServer == nil {
		return
	}
	s.health.Shutdown()

	drained := make(chan struct{})
	go func() {
		defer close(drained)
		s.grpcServer.GracefulStop()
	}()
	select {
	case <-drained:
	case <-ctx.Done():
		s.grpcServer.Stop()
	}
}

// Address is the bound listener address.
func (s *Server) Address() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// GracefulTimeout is how long Shutdown callers should wait for in-flight calls.
func (s *Server) GracefulTimeout() time.Duration {
	return s.graceful
}
