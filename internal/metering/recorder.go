package metering

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/crosslogic/usage-meter/internal/billing"
	"github.com/crosslogic/usage-meter/pkg/metrics"
	"github.com/crosslogic/usage-meter/pkg/models"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Pricer computes the cost of a call.
type Pricer interface {
	Cost(model string, inputTokens, outputTokens int64) (float64, error)
}

// RecordWriter persists usage records.
type RecordWriter interface {
	InsertRecord(ctx context.Context, rec *models.UsageRecord) error
}

// RecordParams describes the outcome of one intercepted call.
type RecordParams struct {
	CallerID     string
	Model        string
	InputTokens  int64
	OutputTokens int64
	DurationMs   int64
	StatusCode   int
	ToolsUsed    []string
	Metadata     map[string]any
}

// Recorder writes exactly one usage record per call and hands the follow-up
// work to a dispatcher.
type Recorder struct {
	prices     Pricer
	records    RecordWriter
	dispatcher Dispatcher
	now        func() time.Time
	logger     *zap.Logger
}

// NewRecorder creates a recorder. A nil dispatcher disables follow-ups.
func NewRecorder(prices Pricer, records RecordWriter, dispatcher Dispatcher, logger *zap.Logger) *Recorder {
	return &Recorder{
		prices:     prices,
		records:    records,
		dispatcher: dispatcher,
		now:        time.Now,
		logger:     logger,
	}
}

// WithClock replaces the recorder's time source.
func (r *Recorder) WithClock(now func() time.Time) *Recorder {
	r.now = now
	return r
}

// Record prices and persists the call and returns the new record id.
// Unknown models are rejected with billing.ErrUnknownModel. Store failures
// return ErrStorageUnavailable. Follow-up dispatch never fails the call.
func (r *Recorder) Record(ctx context.Context, p RecordParams) (string, error) {
	input, output := p.InputTokens, p.OutputTokens
	if !models.IsSuccessStatus(p.StatusCode) {
		input, output = 0, 0
	}

	cost, err := r.prices.Cost(p.Model, input, output)
	if err != nil {
		reason := "invalid_tokens"
		if errors.Is(err, billing.ErrUnknownModel) {
			reason = "unknown_model"
		}
		metrics.RecordFailures.WithLabelValues(reason).Inc()
		return "", fmt.Errorf("failed to price call: %w", err)
	}

	tools := p.ToolsUsed
	if tools == nil {
		tools = []string{}
	}
	metadata := p.Metadata
	if metadata == nil {
		metadata = map[string]any{}
	}

	rec := &models.UsageRecord{
		ID:           uuid.NewString(),
		CallerID:     p.CallerID,
		Model:        p.Model,
		InputTokens:  input,
		OutputTokens: output,
		TotalTokens:  input + output,
		Cost:         cost,
		DurationMs:   p.DurationMs,
		StatusCode:   p.StatusCode,
		ToolsUsed:    tools,
		Metadata:     metadata,
		Timestamp:    r.now().UTC(),
	}

	if err := r.records.InsertRecord(ctx, rec); err != nil {
		metrics.RecordFailures.WithLabelValues("storage").Inc()
		return "", fmt.Errorf("%w: failed to insert usage record: %w", ErrStorageUnavailable, err)
	}

	metrics.ObserveRecord(rec.Model, rec.StatusCode, rec.InputTokens, rec.OutputTokens, rec.Cost)
	r.logger.Debug("usage recorded",
		zap.String("record_id", rec.ID),
		zap.String("caller_id", rec.CallerID),
		zap.String("model", rec.Model),
		zap.Int64("total_tokens", rec.TotalTokens),
		zap.Float64("cost", rec.Cost),
		zap.Int("status_code", rec.StatusCode),
	)

	r.dispatchFollowUps(ctx, rec)
	return rec.ID, nil
}

func (r *Recorder) dispatchFollowUps(ctx context.Context, rec *models.UsageRecord) {
	if r.dispatcher == nil {
		return
	}

	jobs := []Job{
		{Kind: JobClassify, RecordID: rec.ID, CallerID: rec.CallerID, Metadata: rec.Metadata},
		{Kind: JobEvaluate, RecordID: rec.ID, CallerID: rec.CallerID},
	}
	for _, job := range jobs {
		if err := r.dispatcher.Dispatch(ctx, job); err != nil {
			r.logger.Warn("failed to dispatch follow-up job",
				zap.String("kind", string(job.Kind)),
				zap.String("record_id", rec.ID),
				zap.String("caller_id", rec.CallerID),
				zap.Error(err),
			)
		}
	}
}
