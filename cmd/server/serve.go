package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/crosslogic/usage-meter/internal/analytics"
	"github.com/crosslogic/usage-meter/internal/config"
	"github.com/crosslogic/usage-meter/internal/gateway"
	"github.com/crosslogic/usage-meter/internal/identity"
	"github.com/crosslogic/usage-meter/internal/metering"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

const shutdownTimeout = 30 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the metering proxy and analytics API",
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := envFrom(cmd)
		if err != nil {
			return err
		}
		return runServe(cmd.Context(), env)
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(ctx context.Context, env *cmdEnv) error {
	cfg, logger := env.cfg, env.logger
	logger.Info("starting usage meter")

	a, err := newApp(env)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			logger.Error("failed to close resources", zap.Error(err))
		}
	}()

	if err := a.migrate(ctx); err != nil {
		return err
	}

	keyring, err := identity.NewKeyring(cfg.Security.CredentialSecret)
	if err != nil {
		return fmt.Errorf("failed to initialize credential keyring: %w", err)
	}

	runner := a.followUps()

	dispatcher, stopDispatcher := newDispatcher(cfg, runner, logger)

	notifier, err := a.startNotifications()
	if err != nil {
		stopDispatcher(context.Background())
		return err
	}

	gw := gateway.NewGateway(cfg, gateway.Deps{
		Store:      a.store,
		Cache:      a.cache,
		Resolver:   identity.NewResolver(keyring, a.store, a.cache, cfg.Redis.CallerCacheTTL, logger),
		Recorder:   metering.NewRecorder(a.prices, a.store, dispatcher, logger),
		Aggregator: analytics.NewAggregator(a.store, logger),
		Publisher:  a.bus,
	}, logger)

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      gw,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("HTTP server listening",
			zap.String("addr", server.Addr),
			zap.String("upstream", cfg.Upstream.BaseURL),
			zap.String("followup_backend", cfg.Metering.Backend),
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err, ok := <-serverErr:
		if ok {
			runErr = fmt.Errorf("server failed: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", zap.Error(err))
	}
	if err := gw.Drain(shutdownCtx); err != nil {
		logger.Warn("usage writes lost at shutdown", zap.Error(err))
	}
	stopDispatcher(shutdownCtx)
	if err := notifier.Stop(shutdownCtx); err != nil {
		logger.Warn("notification service did not stop cleanly", zap.Error(err))
	}

	logger.Info("server stopped")
	return runErr
}

// newDispatcher returns the follow-up dispatcher for the configured backend
// and a function that stops it.
func newDispatcher(cfg *config.Config, runner *metering.JobRunner, logger *zap.Logger) (metering.Dispatcher, func(context.Context)) {
	if cfg.Metering.Backend == config.BackendAsynq {
		d := metering.NewAsynqDispatcher(metering.RedisOpt(cfg.Redis), cfg.Metering.JobTimeout, logger)
		logger.Info("follow-up jobs enqueued on asynq; run the worker command to process them")
		return d, func(context.Context) {
			if err := d.Close(); err != nil {
				logger.Warn("failed to close asynq client", zap.Error(err))
			}
		}
	}

	pool := metering.NewWorkerPool(runner.Run, metering.PoolConfig{
		Workers:    cfg.Metering.Workers,
		QueueSize:  cfg.Metering.QueueSize,
		JobTimeout: cfg.Metering.JobTimeout,
	}, logger)
	pool.Start()
	logger.Info("follow-up worker pool started",
		zap.Int("workers", cfg.Metering.Workers),
		zap.Int("queue_size", cfg.Metering.QueueSize),
	)
	return pool, func(ctx context.Context) {
		if err := pool.Shutdown(ctx); err != nil {
			logger.Warn("follow-up jobs still running at shutdown", zap.Error(err))
		}
	}
}
