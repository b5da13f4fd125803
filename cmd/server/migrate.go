package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/crosslogic/usage-meter/internal/metering"
	"github.com/crosslogic/usage-meter/internal/store"
	"github.com/crosslogic/usage-meter/pkg/models"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

const (
	demoCallerID = "demo-user"
	demoBudget   = 150.0
)

var seedDemo bool

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply the store schema",
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := envFrom(cmd)
		if err != nil {
			return err
		}

		a, err := newApp(env)
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.migrate(cmd.Context()); err != nil {
			return err
		}
		env.logger.Info("schema up to date", zap.String("driver", env.cfg.Database.Driver))

		if seedDemo {
			if err := seed(cmd.Context(), a.store); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "seeded caller %s with a $%.2f monthly budget\n", demoCallerID, demoBudget)
		}
		return nil
	},
}

func init() {
	migrateCmd.Flags().BoolVar(&seedDemo, "seed", false, "create a demo caller with a budget and auto-tags")
	rootCmd.AddCommand(migrateCmd)
}

// demoTags are auto-tags matched against call metadata.
var demoTags = []models.Tag{
	{Name: "tools", Color: "#3b82f6", AutoPattern: `"stopreason":"tool_use"`},
	{Name: "truncated", Color: "#ef4444", AutoPattern: `"stopreason":"max_tokens"`},
	{Name: "streaming", Color: "#10b981", AutoPattern: `"stream":true`},
	{Name: "manual", Color: "#6b7280"},
}

// seed creates the demo caller and its tags. Existing rows are left alone.
func seed(ctx context.Context, s store.Store) error {
	err := s.CreateCaller(ctx, &models.Caller{ID: demoCallerID})
	if err != nil && !errors.Is(err, store.ErrConflict) {
		return fmt.Errorf("failed to create demo caller: %w", err)
	}

	budget := demoBudget
	if err := s.SetMonthlyBudget(ctx, demoCallerID, &budget); err != nil {
		return fmt.Errorf("failed to set demo budget: %w", err)
	}

	for _, t := range demoTags {
		if t.AutoPattern != "" {
			if err := metering.ValidatePattern(t.AutoPattern); err != nil {
				return err
			}
		}
		tag := t
		tag.CallerID = demoCallerID
		if err := s.CreateTag(ctx, &tag); err != nil && !errors.Is(err, store.ErrConflict) {
			return fmt.Errorf("failed to create tag %s: %w", t.Name, err)
		}
	}
	return nil
}
