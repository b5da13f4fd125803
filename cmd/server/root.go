package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/crosslogic/usage-meter/internal/config"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Commands annotated with skipConfig run without environment configuration.
const skipConfig = "skip-config"

type contextKey string

const envKey contextKey = "env"

// cmdEnv is what every configured command starts from.
type cmdEnv struct {
	cfg    *config.Config
	logger *zap.Logger
}

var rootCmd = &cobra.Command{
	Use:   "usage-meter",
	Short: "Metering proxy for the Messages API",
	Long: `usage-meter proxies Messages API calls, records token usage and cost per
caller, auto-tags calls, raises budget alerts and serves usage analytics.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Annotations[skipConfig] == "true" || cmd.Name() == "help" {
			return nil
		}

		cfg, err := config.LoadConfig()
		if err != nil {
			return fmt.Errorf("failed to load configuration: %w", err)
		}

		logger, err := newLogger(cfg.Monitoring)
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}

		cmd.SetContext(context.WithValue(cmd.Context(), envKey, &cmdEnv{cfg: cfg, logger: logger}))
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if rt, ok := cmd.Context().Value(envKey).(*cmdEnv); ok {
			_ = rt.logger.Sync()
		}
	},
}

func envFrom(cmd *cobra.Command) (*cmdEnv, error) {
	rt, ok := cmd.Context().Value(envKey).(*cmdEnv)
	if !ok || rt == nil {
		return nil, fmt.Errorf("configuration not loaded")
	}
	return rt, nil
}

// newLogger builds the production JSON logger, or the development console
// logger when LOG_FORMAT=console.
func newLogger(cfg config.MonitoringConfig) (*zap.Logger, error) {
	zcfg := zap.NewProductionConfig()
	if strings.EqualFold(cfg.LogFormat, "console") {
		zcfg = zap.NewDevelopmentConfig()
	}

	if cfg.LogLevel != "" {
		level, err := zapcore.ParseLevel(cfg.LogLevel)
		if err != nil {
			return nil, fmt.Errorf("invalid LOG_LEVEL %q: %w", cfg.LogLevel, err)
		}
		zcfg.Level = zap.NewAtomicLevelAt(level)
	}

	return zcfg.Build()
}
