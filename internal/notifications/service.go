// Package notifications delivers budget events to Slack and generic
// webhooks, retrying failed deliveries in the background.
package notifications

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/crosslogic/usage-meter/pkg/cache"
	"github.com/crosslogic/usage-meter/pkg/events"
	"go.uber.org/zap"
)

const maxBackoff = 5 * time.Minute

// Notifier is one delivery channel.
type Notifier interface {
	Name() string
	Send(ctx context.Context, event events.Event) error
}

// Subscriber registers event handlers.
type Subscriber interface {
	Subscribe(eventType events.EventType, handler events.Handler)
}

// DeliveryTask represents a notification delivery task
type DeliveryTask struct {
	ID         string
	Channel    string
	Event      events.Event
	RetryCount int
	MaxRetries int
	CreatedAt  time.Time
}

// Service routes budget events to the configured channels
type Service struct {
	config    *Config
	cache     *cache.Cache
	logger    *zap.Logger
	notifiers map[string]Notifier

	retryQueue chan *DeliveryTask
	stopChan   chan struct{}
	stopOnce   sync.Once
	wg         sync.WaitGroup
}

// NewService creates the service and its channel adapters. c may be nil,
// in which case alert deliveries are not de-duplicated across instances.
func NewService(config *Config, c *cache.Cache, logger *zap.Logger) *Service {
	s := &Service{
		config:     config,
		cache:      c,
		logger:     logger,
		notifiers:  make(map[string]Notifier),
		retryQueue: make(chan *DeliveryTask, max(config.RetryQueueSize, 1)),
		stopChan:   make(chan struct{}),
	}

	if !config.Enabled {
		logger.Info("notification service is disabled")
		return s
	}

	if config.SlackEnabled {
		s.Register(NewSlackAdapter(config.SlackWebhookURL, config.SlackChannel, config.DashboardURL, logger))
		logger.Info("slack notifications enabled", zap.String("webhook_url", maskURL(config.SlackWebhookURL)))
	}
	if config.WebhookEnabled {
		s.Register(NewWebhookAdapter(config.WebhookURL, config.WebhookSecret, config.WebhookMethod, config.WebhookHeaders, logger))
		logger.Info("generic webhook notifications enabled", zap.String("url", maskURL(config.WebhookURL)))
	}

	logger.Info("notification service initialized",
		zap.Bool("slack", config.SlackEnabled),
		zap.Bool("webhook", config.WebhookEnabled),
		zap.Int("max_retries", config.MaxRetries),
		zap.Int("retry_workers", config.RetryWorkers),
	)
	return s
}

// Register adds or replaces the notifier for its channel name.
func (s *Service) Register(n Notifier) {
	s.notifiers[n.Name()] = n
}

// Start subscribes to budget events and starts the retry workers.
func (s *Service) Start(bus Subscriber) {
	if !s.config.Enabled {
		s.logger.Info("notification service is disabled, skipping start")
		return
	}

	bus.Subscribe(events.EventBudgetThresholdCrossed, s.HandleEvent)
	bus.Subscribe(events.EventBudgetUpdated, s.HandleEvent)

	for i := 0; i < s.config.RetryWorkers; i++ {
		s.wg.Add(1)
		go s.retryWorker(i)
	}

	s.logger.Info("notification service started",
		zap.Int("retry_workers", s.config.RetryWorkers),
	)
}

// Stop stops the retry workers. Pending retries are dropped.
func (s *Service) Stop(ctx context.Context) error {
	s.stopOnce.Do(func() { close(s.stopChan) })

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		if n := len(s.retryQueue); n > 0 {
			s.logger.Warn("dropping pending notification retries", zap.Int("count", n))
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("notification workers did not stop: %w", ctx.Err())
	}
}

// HandleEvent delivers event to every channel routed for its type. A
// threshold event is delivered at most once per alert.
func (s *Service) HandleEvent(ctx context.Context, event events.Event) error {
	s.logger.Debug("handling event",
		zap.String("event_id", event.ID),
		zap.String("event_type", string(event.Type)),
		zap.String("caller_id", event.CallerID),
	)

	channels := s.config.GetChannelsForEvent(string(event.Type))
	if len(channels) == 0 {
		return nil
	}

	if !s.claim(ctx, event) {
		duplicatesSkipped.Inc()
		s.logger.Debug("alert already notified, skipping", zap.String("event_id", event.ID))
		return nil
	}

	var errs []error
	for _, channel := range channels {
		task := &DeliveryTask{
			ID:         event.ID + "-" + channel,
			Channel:    channel,
			Event:      event,
			MaxRetries: s.config.MaxRetries,
			CreatedAt:  time.Now(),
		}
		if err := s.deliver(ctx, task); err != nil {
			errs = append(errs, err)
			s.enqueueRetry(task)
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("delivery failed, queued for retry: %w", errors.Join(errs...))
	}
	return nil
}

// claim reserves the alert's notified marker. Events without an alert id,
// a missing cache, or a cache failure all deliver.
func (s *Service) claim(ctx context.Context, event events.Event) bool {
	alertID := getStringField(event.Payload, "alert_id")
	if event.Type != events.EventBudgetThresholdCrossed || alertID == "" || s.cache == nil {
		return true
	}

	ok, err := s.cache.SetNX(ctx, cache.AlertNotifiedKey(alertID), event.ID, s.config.DedupeTTL)
	if err != nil {
		s.logger.Warn("failed to check alert notification marker",
			zap.String("alert_id", alertID),
			zap.Error(err),
		)
		return true
	}
	return ok
}

func (s *Service) deliver(ctx context.Context, task *DeliveryTask) error {
	start := time.Now()

	n, ok := s.notifiers[task.Channel]
	if !ok {
		return fmt.Errorf("channel %s not configured", task.Channel)
	}

	timeout := s.config.DeliveryTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	err := n.Send(ctx, task.Event)
	duration := time.Since(start)

	if err != nil {
		recordDelivery(task.Channel, string(task.Event.Type), "failed", duration)
		s.logger.Error("notification delivery failed",
			zap.String("event_id", task.Event.ID),
			zap.String("channel", task.Channel),
			zap.Int("retry_count", task.RetryCount),
			zap.Error(err),
		)
		return err
	}

	recordDelivery(task.Channel, string(task.Event.Type), "success", duration)
	s.logger.Info("notification delivered",
		zap.String("event_id", task.Event.ID),
		zap.String("event_type", string(task.Event.Type)),
		zap.String("caller_id", task.Event.CallerID),
		zap.String("channel", task.Channel),
		zap.Duration("duration", duration),
	)
	return nil
}

func (s *Service) enqueueRetry(task *DeliveryTask) {
	task.RetryCount++
	if task.RetryCount > task.MaxRetries {
		s.logger.Error("max retries exceeded, giving up",
			zap.String("task_id", task.ID),
			zap.String("channel", task.Channel),
			zap.Int("retry_count", task.RetryCount-1),
		)
		return
	}

	select {
	case s.retryQueue <- task:
		recordRetry(task.Channel, task.RetryCount)
		retryQueueDepth.Set(float64(len(s.retryQueue)))
	default:
		s.logger.Error("retry queue full, dropping task",
			zap.String("task_id", task.ID),
			zap.String("channel", task.Channel),
		)
	}
}

func (s *Service) retryWorker(workerID int) {
	defer s.wg.Done()

	for {
		select {
		case <-s.stopChan:
			s.logger.Debug("retry worker stopping", zap.Int("worker_id", workerID))
			return

		case task := <-s.retryQueue:
			retryQueueDepth.Set(float64(len(s.retryQueue)))

			timer := time.NewTimer(s.backoff(task.RetryCount))
			select {
			case <-s.stopChan:
				timer.Stop()
				return
			case <-timer.C:
			}

			if err := s.deliver(context.Background(), task); err != nil {
				s.enqueueRetry(task)
			}
		}
	}
}

// backoff is base * 2^(retryCount-1), capped at five minutes.
func (s *Service) backoff(retryCount int) time.Duration {
	shift := min(max(retryCount-1, 0), 16)
	backoff := s.config.RetryBackoffBase * time.Duration(1<<uint(shift))
	if backoff > maxBackoff || backoff <= 0 {
		backoff = maxBackoff
	}
	return backoff
}

// maskURL masks sensitive parts of a URL for logging
func maskURL(url string) string {
	if len(url) < 20 {
		return "***"
	}
	return url[:20] + "***"
}
