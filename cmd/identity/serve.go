// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/samber/oops"
	"github.com/spf13/cobra"

	"github.com/holomush/identity/internal/api"
	"github.com/holomush/identity/internal/auth"
	"github.com/holomush/identity/internal/observability"
)

// shutdownTimeout bounds graceful shutdown.
const shutdownTimeout = 10 * time.Second

// errServerFailed marks a shutdown caused by a server error rather than a
// signal.
var errServerFailed = errors.New("server failed")

// NewServeCmd creates the serve subcommand.
func NewServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the identity API server",
		Long: `Start the HTTP API and, unless server.metrics_addr is empty, the
metrics and health endpoints. Stops gracefully on SIGINT or SIGTERM.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd)
		},
	}
}

func runServe(cmd *cobra.Command) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return oops.With("operation", "validate configuration").Wrap(err)
	}
	logger, err := setupLogging(cfg)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	accounts, closeStore, err := openStore(ctx, cfg.Database, logger)
	if err != nil {
		return oops.With("operation", "open account store").Wrap(err)
	}
	defer closeStore()

	var (
		obsServer *observability.Server
		recorder  auth.Recorder
	)
	if cfg.Server.MetricsAddr != "" {
		obsServer = observability.NewServer(cfg.Server.MetricsAddr, observability.PingReadiness(accounts))
		recorder = obsServer.Metrics()
	}

	svc, err := newServices(cfg, accounts, os.Stderr, recorder, logger)
	if err != nil {
		return oops.With("operation", "build services").Wrap(err)
	}

	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	if obsServer != nil {
		obsErrCh, err := obsServer.Start()
		if err != nil {
			return oops.With("operation", "start observability server").Wrap(err)
		}
		go monitorServerErrors(ctx, cancel, obsErrCh, "observability")
	}

	apiServer := api.NewServer(cfg.Server.Addr, api.NewHandler(svc.accounts, svc.sessions, logger))
	apiErrCh, err := apiServer.Start()
	if err != nil {
		stopServers(logger, nil, obsServer)
		return oops.With("operation", "start api server").Wrap(err)
	}
	go monitorServerErrors(ctx, cancel, apiErrCh, "api")

	cmd.Println("Identity service started")
	logger.Info("identity service ready",
		"addr", apiServer.Addr(),
		"metrics_addr", cfg.Server.MetricsAddr,
		"store", cfg.Database.Driver,
		"federation", cfg.Federation.Enabled(),
	)

	<-ctx.Done()
	logger.Info("shutting down...")
	stopServers(logger, apiServer, obsServer)
	if err := serverFailure(ctx); err != nil {
		return err
	}
	logger.Info("shutdown complete")
	return nil
}

// serverFailure returns the server error that ended ctx, or nil when ctx
// was canceled by a signal or its parent.
func serverFailure(ctx context.Context) error {
	if cause := context.Cause(ctx); errors.Is(cause, errServerFailed) {
		return cause
	}
	return nil
}

func stopServers(logger *slog.Logger, apiServer *api.Server, obsServer *observability.Server) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if apiServer != nil {
		if err := apiServer.Stop(ctx); err != nil {
			logger.Warn("error stopping api server", "error", err)
		}
	}
	if obsServer != nil {
		if err := obsServer.Stop(ctx); err != nil {
			logger.Warn("error stopping observability server", "error", err)
		}
	}
}

// monitorServerErrors cancels ctx with the error a server reports. It exits
// when the channel closes or ctx is done.
func monitorServerErrors(ctx context.Context, cancel context.CancelCauseFunc, errCh <-chan error, serverName string) {
	select {
	case err, ok := <-errCh:
		if !ok {
			return
		}
		if err != nil {
			slog.Error("server error, triggering shutdown",
				"server", serverName,
				"error", err,
			)
			cancel(oops.With("server", serverName).
				Wrap(fmt.Errorf("%s %w: %w", serverName, errServerFailed, err)))
		}
	case <-ctx.Done():
	}
}
