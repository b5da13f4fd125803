package main

import (
	"context"
	"fmt"

	"github.com/crosslogic/usage-meter/internal/metering"
	"github.com/hibiken/asynq"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Process follow-up jobs from the asynq queue",
	Long: `Starts an asynq worker that classifies new usage records and re-evaluates
budgets. Only needed when the proxy runs with FOLLOWUP_BACKEND=asynq.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := envFrom(cmd)
		if err != nil {
			return err
		}
		return runWorker(cmd.Context(), env)
	},
}

func init() {
	rootCmd.AddCommand(workerCmd)
}

func runWorker(ctx context.Context, env *cmdEnv) error {
	cfg, logger := env.cfg, env.logger
	if !cfg.Redis.Enabled {
		return fmt.Errorf("the worker needs Redis: set REDIS_ENABLED=true")
	}

	a, err := newApp(env)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			logger.Error("failed to close resources", zap.Error(err))
		}
	}()

	runner := a.followUps()

	notifier, err := a.startNotifications()
	if err != nil {
		return err
	}

	srv := metering.NewAsynqServer(metering.RedisOpt(cfg.Redis), cfg.Metering.Workers, logger)
	mux := asynq.NewServeMux()
	metering.RegisterHandlers(mux, runner)

	if err := srv.Start(mux); err != nil {
		return fmt.Errorf("failed to start asynq worker: %w", err)
	}
	logger.Info("follow-up worker started",
		zap.Int("concurrency", cfg.Metering.Workers),
		zap.String("queue", metering.FollowUpQueue),
	)

	<-ctx.Done()
	logger.Info("shutting down worker")
	srv.Shutdown()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := notifier.Stop(shutdownCtx); err != nil {
		logger.Warn("notification service did not stop cleanly", zap.Error(err))
	}

	logger.Info("worker stopped")
	return nil
}
