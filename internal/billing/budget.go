package billing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/crosslogic/usage-meter/pkg/events"
	"github.com/crosslogic/usage-meter/pkg/metrics"
	"github.com/crosslogic/usage-meter/pkg/models"
	"go.uber.org/zap"
)

// ErrAlertEvaluationFailed wraps any failure inside Evaluate.
var ErrAlertEvaluationFailed = errors.New("alert evaluation failed")

// BudgetThresholds is the percent-of-budget ladder at which alerts fire.
var BudgetThresholds = []float64{50, 80, 90, 100}

// BudgetStore is the slice of the store the budget engine needs.
type BudgetStore interface {
	GetCaller(ctx context.Context, id string) (*models.Caller, error)
	SumCostSince(ctx context.Context, callerID string, since time.Time) (float64, error)
	CreateAlertOnce(ctx context.Context, alert *models.Alert) (bool, error)
}

// Publisher delivers domain events.
type Publisher interface {
	Publish(ctx context.Context, event events.Event) error
}

// BudgetEngine raises one alert per threshold per billing period when a
// caller's month-to-date spend crosses a rung of the ladder.
type BudgetEngine struct {
	store     BudgetStore
	publisher Publisher
	location  *time.Location
	now       func() time.Time
	logger    *zap.Logger
}

// NewBudgetEngine creates an engine whose billing periods are calendar months
// in loc. A nil loc means UTC; a nil publisher disables event publication.
func NewBudgetEngine(store BudgetStore, publisher Publisher, loc *time.Location, logger *zap.Logger) *BudgetEngine {
	if loc == nil {
		loc = time.UTC
	}
	return &BudgetEngine{
		store:     store,
		publisher: publisher,
		location:  loc,
		now:       time.Now,
		logger:    logger,
	}
}

// WithClock replaces the engine's time source.
func (e *BudgetEngine) WithClock(now func() time.Time) *BudgetEngine {
	e.now = now
	return e
}

// PeriodStart returns 00:00 on the first day of the month containing t, in loc.
func PeriodStart(t time.Time, loc *time.Location) time.Time {
	local := t.In(loc)
	return time.Date(local.Year(), local.Month(), 1, 0, 0, 0, 0, loc)
}

// PeriodKey names the billing period starting at start, e.g. "2025-03".
func PeriodKey(start time.Time) string {
	return start.Format("2006-01")
}

// BudgetMessage renders the alert text.
func BudgetMessage(percent, spend, budget float64) string {
	return fmt.Sprintf("Budget alert: %.1f%% of monthly budget used ($%.2f / $%.2f)", percent, spend, budget)
}

// Evaluate recomputes the caller's period spend and creates every alert
// whose threshold is now met. Callers without a budget are skipped.
func (e *BudgetEngine) Evaluate(ctx context.Context, callerID string) error {
	caller, err := e.store.GetCaller(ctx, callerID)
	if err != nil {
		return fmt.Errorf("%w: failed to load caller %s: %w", ErrAlertEvaluationFailed, callerID, err)
	}
	if !caller.HasBudget() {
		return nil
	}
	budget := *caller.MonthlyBudget

	start := PeriodStart(e.now(), e.location)
	spend, err := e.store.SumCostSince(ctx, callerID, start)
	if err != nil {
		return fmt.Errorf("%w: failed to sum period spend: %w", ErrAlertEvaluationFailed, err)
	}

	percent := spend / budget * 100
	period := PeriodKey(start)

	var errs []error
	for _, threshold := range BudgetThresholds {
		if percent < threshold {
			continue
		}

		alert := &models.Alert{
			CallerID:  callerID,
			Kind:      models.AlertKindBudget,
			Threshold: threshold,
			Message:   BudgetMessage(percent, spend, budget),
			Period:    period,
			CreatedAt: e.now().UTC(),
		}
		created, err := e.store.CreateAlertOnce(ctx, alert)
		if err != nil {
			errs = append(errs, fmt.Errorf("threshold %.0f: %w", threshold, err))
			continue
		}
		if !created {
			continue
		}

		metrics.ObserveBudgetAlert(threshold)
		e.logger.Info("budget threshold crossed",
			zap.String("caller_id", callerID),
			zap.Float64("threshold", threshold),
			zap.Float64("spend", spend),
			zap.Float64("budget", budget),
			zap.String("period", period),
		)
		e.publish(ctx, alert, spend, budget, percent)
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrAlertEvaluationFailed, errors.Join(errs...))
	}
	return nil
}

func (e *BudgetEngine) publish(ctx context.Context, alert *models.Alert, spend, budget, percent float64) {
	if e.publisher == nil {
		return
	}
	event := events.NewEvent(events.EventBudgetThresholdCrossed, alert.CallerID, map[string]interface{}{
		"alert_id":  alert.ID,
		"threshold": alert.Threshold,
		"message":   alert.Message,
		"period":    alert.Period,
		"spend":     spend,
		"budget":    budget,
		"percent":   percent,
	})
	if err := e.publisher.Publish(ctx, event); err != nil {
		e.logger.Warn("failed to publish budget alert event",
			zap.String("caller_id", alert.CallerID),
			zap.String("alert_id", alert.ID),
			zap.Error(err),
		)
	}
}
