package cli

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/BrandonDHaskell/voucher-bypass/internal/bypass/service"
	"github.com/BrandonDHaskell/voucher-bypass/internal/grpcapi"
	"github.com/BrandonDHaskell/voucher-bypass/internal/httpapi"
)

// NewServeCommand creates the serve command.
func NewServeCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run reconciliation periodically and serve the query API",
		Long: `Run reconciliation every run_interval and serve the HTTP query API on
http_addr.  When grpc_addr is set, the standard gRPC health service is
served there, reporting NOT_SERVING while diagnostics fail.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context(), opts)
		},
	}
	return cmd
}

func serve(parent context.Context, opts *RootOptions) error {
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := openApp(ctx, opts, true)
	if err != nil {
		return err
	}
	defer a.Close()
	logger := a.logger

	sched := service.NewScheduler(a.engine, a.cfg.RunInterval, logger.With("component", "scheduler"))
	sched.Start(ctx)
	defer sched.Stop()

	srv := httpapi.NewServer(httpapi.Dependencies{
		Logger:      logger.With("component", "http"),
		Addr:        a.cfg.HTTPAddr,
		Token:       a.cfg.APIToken,
		Registry:    a.registry,
		Diagnostics: a.diagnostics,
		RunLog:      a.runLog,
	})
	go func() {
		logger.Info("http listening", "addr", a.cfg.HTTPAddr)
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", "err", err)
			stop()
		}
	}()

	if a.cfg.GRPCAddr != "" {
		health := grpcapi.NewHealth(a.diagnostics, logger.With("component", "health"))
		gs := grpcapi.NewGRPCServer(health.Server(), a.cfg.APIToken, logger.With("component", "grpc"))
		lis, err := net.Listen("tcp", a.cfg.GRPCAddr)
		if err != nil {
			return WrapExitError(ExitCommandError, "grpc listen", err)
		}
		go health.Watch(ctx, a.cfg.HealthRefresh)
		go func() {
			logger.Info("grpc listening", "addr", a.cfg.GRPCAddr)
			if err := gs.Serve(lis); err != nil {
				logger.Error("grpc server error", "err", err)
				stop()
			}
		}()
		defer gs.GracefulStop()
	}

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	return nil
}
