package main

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/crosslogic/usage-meter/internal/analytics"
	"github.com/crosslogic/usage-meter/internal/config"
	"github.com/crosslogic/usage-meter/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func TestSeedIsRepeatable(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()

	require.NoError(t, seed(ctx, s))
	require.NoError(t, seed(ctx, s))

	caller, err := s.GetCaller(ctx, demoCallerID)
	require.NoError(t, err)
	require.NotNil(t, caller.MonthlyBudget)
	assert.Equal(t, demoBudget, *caller.MonthlyBudget)

	tags, err := s.ListTags(ctx, demoCallerID)
	require.NoError(t, err)
	assert.Len(t, tags, len(demoTags))

	auto, err := s.ListAutoTags(ctx, demoCallerID)
	require.NoError(t, err)
	assert.Len(t, auto, 3)
}

func TestReportRange(t *testing.T) {
	now := time.Date(2025, 11, 20, 15, 0, 0, 0, time.UTC)

	r, err := reportRange("", "", now)
	require.NoError(t, err)
	assert.Equal(t, analytics.DefaultRange(now), r)

	r, err = reportRange("2025-11-01", "2025-11-30", now)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2025, 11, 1, 0, 0, 0, 0, time.UTC), r.Start)
	assert.Equal(t, time.Date(2025, 12, 1, 0, 0, 0, 0, time.UTC), r.End)

	_, err = reportRange("11/01/2025", "", now)
	assert.Error(t, err)

	_, err = reportRange("2025-11-10", "2025-11-09", now)
	assert.Error(t, err)
}

func TestRenderReport(t *testing.T) {
	var buf bytes.Buffer
	r := analytics.Range{
		Start: time.Date(2025, 11, 1, 0, 0, 0, 0, time.UTC),
		End:   time.Date(2025, 11, 8, 0, 0, 0, 0, time.UTC),
	}
	renderReport(&buf, "demo-user", r, &analytics.Overview{
		Summary: analytics.Summary{TotalTokens: 1500, TotalCost: 0.0105, RequestCount: 1, AvgTokensPerRequest: 1500, AvgDuration: 420},
		ByModel: []analytics.ModelBreakdown{
			{Model: "claude-sonnet-4-5-20250929", TotalTokens: 1500, TotalCost: 0.0105, RequestCount: 1, Percentage: 100},
		},
	})

	out := buf.String()
	assert.Contains(t, out, "2025-11-01 to 2025-11-07")
	assert.Contains(t, out, "$0.0105")
	assert.Contains(t, out, "claude-sonnet-4-5-20250929")
	assert.Contains(t, out, "100.0%")
	assert.NotContains(t, out, "By tag")
}

func TestNewLogger(t *testing.T) {
	logger, err := newLogger(config.MonitoringConfig{LogLevel: "warn", LogFormat: "json"})
	require.NoError(t, err)
	assert.False(t, logger.Core().Enabled(zapcore.InfoLevel))
	assert.True(t, logger.Core().Enabled(zapcore.WarnLevel))

	_, err = newLogger(config.MonitoringConfig{LogLevel: "loud"})
	assert.Error(t, err)
}

func TestCostCommand(t *testing.T) {
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"cost", "--model", "claude-sonnet-4-5-20250929", "--input", "1000", "--output", "500"})
	t.Cleanup(func() {
		rootCmd.SetArgs(nil)
		rootCmd.SetOut(nil)
		costModel, costInput, costOutput = "", 0, 0
	})

	require.NoError(t, rootCmd.ExecuteContext(context.Background()))
	assert.Contains(t, out.String(), "$0.0105")
}

func TestServeChecksKeyringBeforeStartingServices(t *testing.T) {
	// The notifier would fail first if it were started.
	t.Setenv("NOTIFICATIONS_ENABLED", "true")
	t.Setenv("NOTIFICATIONS_SLACK_ENABLED", "false")
	t.Setenv("NOTIFICATIONS_WEBHOOK_ENABLED", "false")

	env := &cmdEnv{
		cfg: &config.Config{
			Database: config.DatabaseConfig{Driver: config.DriverMemory},
			Metering: config.MeteringConfig{Backend: config.BackendPool, Workers: 1, QueueSize: 1},
		},
		logger: zap.NewNop(),
	}

	err := runServe(context.Background(), env)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "credential keyring")
}
