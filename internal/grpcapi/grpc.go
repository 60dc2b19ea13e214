// Package grpcapi exposes the standard gRPC health service for the serve
// mode, so load balancers and supervisors can probe the daemon.
package grpcapi

import (
	"context"
	"crypto/subtle"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/reflection"
	"google.golang.org/grpc/status"

	"github.com/BrandonDHaskell/voucher-bypass/internal/bypass/service"
)

// ServiceName is the health service name reporting the sync engine's
// readiness.  The empty name reports process liveness.
const ServiceName = "voucherbypass.Sync"

// Prober runs the diagnostics that decide readiness.
type Prober interface {
	Run(ctx context.Context) service.Report
}

// NewGRPCServer creates a gRPC server with standard interceptors and
// registers the health service and reflection.
func NewGRPCServer(hs *health.Server, token string, logger *slog.Logger) *grpc.Server {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	srv := grpc.NewServer(
		grpc.ChainUnaryInterceptor(
			recoveryInterceptor(logger),
			loggingInterceptor(logger),
			authInterceptor(token),
		),
	)
	healthpb.RegisterHealthServer(srv, hs)
	reflection.Register(srv)
	return srv
}

// Health keeps the health service's status in step with diagnostics.
type Health struct {
	server *health.Server
	prober Prober
	logger *slog.Logger
}

func NewHealth(prober Prober, logger *slog.Logger) *Health {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	hs := health.NewServer()
	hs.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_NOT_SERVING)
	return &Health{server: hs, prober: prober, logger: logger}
}

func (h *Health) Server() *health.Server { return h.server }

// Refresh runs the prober once and publishes the result.
func (h *Health) Refresh(ctx context.Context) bool {
	rep := h.prober.Run(ctx)
	st := healthpb.HealthCheckResponse_SERVING
	if !rep.OK() {
		st = healthpb.HealthCheckResponse_NOT_SERVING
		for _, c := range rep.Checks {
			if !c.OK && !c.Info {
				h.logger.Warn("health check failing", "check", c.Name, "detail", c.Detail)
			}
		}
	}
	h.server.SetServingStatus(ServiceName, st)
	return rep.OK()
}

// Watch refreshes every interval until ctx is done, then marks every
// service NOT_SERVING.
func (h *Health) Watch(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	h.Refresh(ctx)
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			h.server.Shutdown()
			return
		case <-t.C:
			h.Refresh(ctx)
		}
	}
}

// ── Interceptors ─────────────────────────────────────────────────────────────

func loggingInterceptor(logger *slog.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		if err != nil {
			logger.Error("rpc completed", "method", info.FullMethod, "dur", time.Since(start), "err", err)
		} else {
			logger.Debug("rpc completed", "method", info.FullMethod, "dur", time.Since(start))
		}
		return resp, err
	}
}

func recoveryInterceptor(logger *slog.Logger) grpc.UnaryServerInterceptor {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (resp any, err error) {
		defer func() {
			if r := recover(); r != nil {
				logger.Error("panic recovered in gRPC handler",
					"method", info.FullMethod,
					"panic", fmt.Sprintf("%v", r),
					"stack", string(debug.Stack()),
				)
				err = status.Errorf(codes.Internal, "internal server error")
			}
		}()
		return handler(ctx, req)
	}
}

// authInterceptor requires a bearer token on every RPC except the health
// service.  An empty token disables auth.
func authInterceptor(token string) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		if token == "" || strings.HasPrefix(info.FullMethod, "/grpc.health.v1.Health/") {
			return handler(ctx, req)
		}
		md, ok := metadata.FromIncomingContext(ctx)
		if !ok {
			return nil, status.Error(codes.Unauthenticated, "missing metadata")
		}
		vals := md.Get("authorization")
		if len(vals) == 0 {
			return nil, status.Error(codes.Unauthenticated, "missing authorization header")
		}
		provided, found := strings.CutPrefix(vals[0], "Bearer ")
		if !found || subtle.ConstantTimeCompare([]byte(provided), []byte(token)) != 1 {
			return nil, status.Error(codes.Unauthenticated, "invalid token")
		}
		return handler(ctx, req)
	}
}
