package metering

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/crosslogic/usage-meter/pkg/metrics"
	"go.uber.org/zap"
)

// JobKind names a follow-up action.
type JobKind string

const (
	JobClassify JobKind = "classify"
	JobEvaluate JobKind = "evaluate"
)

// Job is one follow-up action for a freshly written record.
type Job struct {
	Kind     JobKind        `json:"kind"`
	RecordID string         `json:"record_id"`
	CallerID string         `json:"caller_id"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Dispatcher hands a job to some asynchronous executor. Dispatch must not
// block on the job itself.
type Dispatcher interface {
	Dispatch(ctx context.Context, job Job) error
}

// Classifier attaches matching auto-tags to a record.
type Classifier interface {
	Classify(ctx context.Context, recordID, callerID string, metadata map[string]any) error
}

// Evaluator re-checks a caller's budget.
type Evaluator interface {
	Evaluate(ctx context.Context, callerID string) error
}

// JobRunner routes jobs to the component that executes them.
type JobRunner struct {
	classifier Classifier
	evaluator  Evaluator
}

// NewJobRunner creates a runner.
func NewJobRunner(classifier Classifier, evaluator Evaluator) *JobRunner {
	return &JobRunner{classifier: classifier, evaluator: evaluator}
}

// Run executes job once.
func (r *JobRunner) Run(ctx context.Context, job Job) error {
	switch job.Kind {
	case JobClassify:
		return r.classifier.Classify(ctx, job.RecordID, job.CallerID, job.Metadata)
	case JobEvaluate:
		return r.evaluator.Evaluate(ctx, job.CallerID)
	default:
		return fmt.Errorf("unknown job kind %q", job.Kind)
	}
}

// JobFailure is reported on the pool's failure channel.
type JobFailure struct {
	Job Job
	Err error
	At  time.Time
}

// PoolConfig sizes a WorkerPool.
type PoolConfig struct {
	Workers    int
	QueueSize  int
	JobTimeout time.Duration
}

// WorkerPool runs follow-up jobs on a fixed set of goroutines fed by a
// bounded queue. Each job gets one attempt under its own timeout. A full
// queue drops the job. Failures go to a dedicated channel that a reporter
// goroutine drains, so they never reach the code that wrote the record.
type WorkerPool struct {
	run       func(ctx context.Context, job Job) error
	cfg       PoolConfig
	queue     chan Job
	failures  chan JobFailure
	onFailure func(JobFailure)
	logger    *zap.Logger

	mu       sync.RWMutex
	closed   bool
	workers  sync.WaitGroup
	reporter sync.WaitGroup
}

// NewWorkerPool creates a pool that executes jobs with run. Call Start
// before dispatching.
func NewWorkerPool(run func(ctx context.Context, job Job) error, cfg PoolConfig, logger *zap.Logger) *WorkerPool {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.QueueSize < 1 {
		cfg.QueueSize = 1
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = 10 * time.Second
	}
	return &WorkerPool{
		run:      run,
		cfg:      cfg,
		queue:    make(chan Job, cfg.QueueSize),
		failures: make(chan JobFailure, cfg.QueueSize),
		logger:   logger,
	}
}

// OnFailure registers a callback invoked by the reporter goroutine after a
// failure has been logged. It must be set before Start.
func (p *WorkerPool) OnFailure(fn func(JobFailure)) {
	p.onFailure = fn
}

// Start launches the workers and the failure reporter.
func (p *WorkerPool) Start() {
	p.reporter.Add(1)
	go p.reportFailures()

	for i := 0; i < p.cfg.Workers; i++ {
		p.workers.Add(1)
		go p.worker()
	}

	p.logger.Info("follow-up worker pool started",
		zap.Int("workers", p.cfg.Workers),
		zap.Int("queue_size", p.cfg.QueueSize),
		zap.Duration("job_timeout", p.cfg.JobTimeout),
	)
}

// Dispatch queues job without waiting. It returns ErrQueueFull when the
// queue has no room.
func (p *WorkerPool) Dispatch(ctx context.Context, job Job) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		return ErrDispatcherClosed
	}

	select {
	case p.queue <- job:
		metrics.FollowUpQueueDepth.Set(float64(len(p.queue)))
		return nil
	default:
		metrics.FollowUpJobs.WithLabelValues(string(job.Kind), metrics.OutcomeDropped).Inc()
		p.logger.Warn("follow-up queue full, dropping job",
			zap.String("kind", string(job.Kind)),
			zap.String("record_id", job.RecordID),
			zap.String("caller_id", job.CallerID),
		)
		return ErrQueueFull
	}
}

// Shutdown stops accepting jobs, lets queued jobs finish, and waits for the
// workers until ctx expires.
func (p *WorkerPool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.queue)
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.workers.Wait()
		close(p.failures)
		p.reporter.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Info("follow-up worker pool stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("worker pool shutdown: %w", ctx.Err())
	}
}

func (p *WorkerPool) worker() {
	defer p.workers.Done()

	for job := range p.queue {
		metrics.FollowUpQueueDepth.Set(float64(len(p.queue)))
		p.execute(job)
	}
}

func (p *WorkerPool) execute(job Job) {
	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.JobTimeout)
	defer cancel()

	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("job panicked: %v", r)
			}
		}()
		return p.run(ctx, job)
	}()

	if err == nil {
		metrics.FollowUpJobs.WithLabelValues(string(job.Kind), metrics.OutcomeSucceeded).Inc()
		return
	}

	metrics.FollowUpJobs.WithLabelValues(string(job.Kind), metrics.OutcomeFailed).Inc()
	failure := JobFailure{Job: job, Err: err, At: time.Now().UTC()}
	select {
	case p.failures <- failure:
	default:
		// Reporter is behind; log inline rather than block the worker.
		p.logFailure(failure)
	}
}

func (p *WorkerPool) reportFailures() {
	defer p.reporter.Done()

	for failure := range p.failures {
		p.logFailure(failure)
		if p.onFailure != nil {
			p.onFailure(failure)
		}
	}
}

func (p *WorkerPool) logFailure(f JobFailure) {
	p.logger.Error("follow-up job failed",
		zap.String("kind", string(f.Job.Kind)),
		zap.String("record_id", f.Job.RecordID),
		zap.String("caller_id", f.Job.CallerID),
		zap.Error(f.Err),
	)
}
