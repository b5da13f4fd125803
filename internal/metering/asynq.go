package metering

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/crosslogic/usage-meter/internal/config"
	"github.com/crosslogic/usage-meter/pkg/metrics"
	"github.com/hibiken/asynq"
	"go.uber.org/zap"
)

// Task types processed by the follow-up worker.
const (
	TypeClassify = "meter:followup:classify"
	TypeEvaluate = "meter:followup:evaluate"

	// FollowUpQueue is the asynq queue follow-up tasks are enqueued on.
	FollowUpQueue = "followup"
)

func taskType(kind JobKind) (string, error) {
	switch kind {
	case JobClassify:
		return TypeClassify, nil
	case JobEvaluate:
		return TypeEvaluate, nil
	default:
		return "", fmt.Errorf("unknown job kind %q", kind)
	}
}

// NewFollowUpTask encodes job as an asynq task. Tasks are never retried.
func NewFollowUpTask(job Job, timeout time.Duration) (*asynq.Task, error) {
	typ, err := taskType(job.Kind)
	if err != nil {
		return nil, err
	}
	payload, err := json.Marshal(job)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s job: %w", job.Kind, err)
	}
	opts := []asynq.Option{asynq.MaxRetry(0), asynq.Queue(FollowUpQueue)}
	if timeout > 0 {
		opts = append(opts, asynq.Timeout(timeout))
	}
	return asynq.NewTask(typ, payload, opts...), nil
}

// RedisOpt builds the asynq connection options from the Redis config.
func RedisOpt(cfg config.RedisConfig) asynq.RedisClientOpt {
	return asynq.RedisClientOpt{
		Addr:     cfg.Addr(),
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	}
}

// AsynqDispatcher enqueues follow-up jobs on Redis for the worker process.
type AsynqDispatcher struct {
	client     *asynq.Client
	jobTimeout time.Duration
	logger     *zap.Logger
}

// NewAsynqDispatcher creates a dispatcher backed by an asynq client.
func NewAsynqDispatcher(opt asynq.RedisConnOpt, jobTimeout time.Duration, logger *zap.Logger) *AsynqDispatcher {
	return &AsynqDispatcher{
		client:     asynq.NewClient(opt),
		jobTimeout: jobTimeout,
		logger:     logger,
	}
}

// Dispatch enqueues job.
func (d *AsynqDispatcher) Dispatch(ctx context.Context, job Job) error {
	task, err := NewFollowUpTask(job, d.jobTimeout)
	if err != nil {
		return err
	}
	info, err := d.client.EnqueueContext(ctx, task)
	if err != nil {
		metrics.FollowUpJobs.WithLabelValues(string(job.Kind), metrics.OutcomeDropped).Inc()
		return fmt.Errorf("failed to enqueue %s job for record %s: %w", job.Kind, job.RecordID, err)
	}
	d.logger.Debug("follow-up job enqueued",
		zap.String("task_id", info.ID),
		zap.String("type", task.Type()),
		zap.String("record_id", job.RecordID),
	)
	return nil
}

// Close releases the Redis connection.
func (d *AsynqDispatcher) Close() error {
	return d.client.Close()
}

// RegisterHandlers routes both follow-up task types to runner.
func RegisterHandlers(mux *asynq.ServeMux, runner *JobRunner) {
	handler := handleFollowUp(runner)
	mux.HandleFunc(TypeClassify, handler)
	mux.HandleFunc(TypeEvaluate, handler)
}

func handleFollowUp(runner *JobRunner) func(context.Context, *asynq.Task) error {
	return func(ctx context.Context, task *asynq.Task) error {
		var job Job
		if err := json.Unmarshal(task.Payload(), &job); err != nil {
			return fmt.Errorf("failed to decode %s payload: %v: %w", task.Type(), err, asynq.SkipRetry)
		}
		if err := runner.Run(ctx, job); err != nil {
			metrics.FollowUpJobs.WithLabelValues(string(job.Kind), metrics.OutcomeFailed).Inc()
			return fmt.Errorf("%s job for record %s: %w", job.Kind, job.RecordID, err)
		}
		metrics.FollowUpJobs.WithLabelValues(string(job.Kind), metrics.OutcomeSucceeded).Inc()
		return nil
	}
}

// NewAsynqServer creates the follow-up worker server. Failed tasks are
// logged; MaxRetry(0) on every task means they are archived, not retried.
func NewAsynqServer(opt asynq.RedisConnOpt, concurrency int, logger *zap.Logger) *asynq.Server {
	return asynq.NewServer(opt, asynq.Config{
		Concurrency: concurrency,
		Queues:      map[string]int{FollowUpQueue: 1},
		ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
			logger.Error("follow-up task failed",
				zap.String("type", task.Type()),
				zap.ByteString("payload", task.Payload()),
				zap.Error(err),
			)
		}),
	})
}
