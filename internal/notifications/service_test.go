package notifications

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/crosslogic/usage-meter/internal/config"
	"github.com/crosslogic/usage-meter/pkg/cache"
	"github.com/crosslogic/usage-meter/pkg/events"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeNotifier struct {
	name string

	mu       sync.Mutex
	sent     []events.Event
	failures int
}

func (f *fakeNotifier) Name() string { return f.name }

func (f *fakeNotifier) Send(ctx context.Context, event events.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failures > 0 {
		f.failures--
		return errors.New("channel unavailable")
	}
	f.sent = append(f.sent, event)
	return nil
}

func (f *fakeNotifier) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func testServiceConfig() *Config {
	return &Config{
		Enabled:          true,
		WebhookEnabled:   true,
		WebhookURL:       "http://example.invalid/hook",
		WebhookMethod:    "POST",
		MaxRetries:       2,
		RetryBackoffBase: 5 * time.Millisecond,
		RetryQueueSize:   10,
		RetryWorkers:     1,
		DeliveryTimeout:  time.Second,
		DedupeTTL:        time.Hour,
	}
}

func setupCache(t *testing.T) *cache.Cache {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	port, _ := strconv.Atoi(mr.Port())
	c, err := cache.NewCache(config.RedisConfig{Host: mr.Host(), Port: port})
	if err != nil {
		mr.Close()
		t.Fatalf("failed to init cache: %v", err)
	}
	t.Cleanup(func() {
		c.Close()
		mr.Close()
	})
	return c
}

func thresholdEvent(alertID string) events.Event {
	return events.NewEvent(events.EventBudgetThresholdCrossed, "demo", map[string]interface{}{
		"alert_id":  alertID,
		"threshold": 50.0,
		"message":   "Budget alert: 55.0% of monthly budget used ($55.00 / $100.00)",
		"period":    "2025-03",
		"spend":     55.0,
		"budget":    100.0,
	})
}

func TestHandleEventDeliversToRoutedChannels(t *testing.T) {
	svc := NewService(testServiceConfig(), nil, zap.NewNop())
	hook := &fakeNotifier{name: ChannelWebhook}
	svc.Register(hook)

	require.NoError(t, svc.HandleEvent(context.Background(), thresholdEvent("alert-1")))
	assert.Equal(t, 1, hook.count())
}

func TestHandleEventNotifiesAlertOnce(t *testing.T) {
	c := setupCache(t)
	svc := NewService(testServiceConfig(), c, zap.NewNop())
	hook := &fakeNotifier{name: ChannelWebhook}
	svc.Register(hook)
	ctx := context.Background()

	require.NoError(t, svc.HandleEvent(ctx, thresholdEvent("alert-1")))
	require.NoError(t, svc.HandleEvent(ctx, thresholdEvent("alert-1")))
	require.NoError(t, svc.HandleEvent(ctx, thresholdEvent("alert-2")))
	assert.Equal(t, 2, hook.count())

	// A second instance sharing the cache skips it too.
	other := NewService(testServiceConfig(), c, zap.NewNop())
	otherHook := &fakeNotifier{name: ChannelWebhook}
	other.Register(otherHook)
	require.NoError(t, other.HandleEvent(ctx, thresholdEvent("alert-1")))
	assert.Zero(t, otherHook.count())
}

func TestHandleEventBudgetUpdatesAreNotDeduplicated(t *testing.T) {
	c := setupCache(t)
	svc := NewService(testServiceConfig(), c, zap.NewNop())
	hook := &fakeNotifier{name: ChannelWebhook}
	svc.Register(hook)

	for i := 0; i < 2; i++ {
		e := events.NewEvent(events.EventBudgetUpdated, "demo", map[string]interface{}{"monthlyBudget": 150.0})
		require.NoError(t, svc.HandleEvent(context.Background(), e))
	}
	assert.Equal(t, 2, hook.count())
}

func TestHandleEventRetriesFailedDelivery(t *testing.T) {
	svc := NewService(testServiceConfig(), nil, zap.NewNop())
	hook := &fakeNotifier{name: ChannelWebhook, failures: 1}
	svc.Register(hook)
	svc.Start(events.NewBus(zap.NewNop()))
	t.Cleanup(func() { _ = svc.Stop(context.Background()) })

	err := svc.HandleEvent(context.Background(), thresholdEvent("alert-1"))
	assert.Error(t, err)

	assert.Eventually(t, func() bool { return hook.count() == 1 }, 2*time.Second, 5*time.Millisecond)
}

func TestHandleEventGivesUpAfterMaxRetries(t *testing.T) {
	cfg := testServiceConfig()
	cfg.MaxRetries = 0
	svc := NewService(cfg, nil, zap.NewNop())
	hook := &fakeNotifier{name: ChannelWebhook, failures: 1}
	svc.Register(hook)

	assert.Error(t, svc.HandleEvent(context.Background(), thresholdEvent("alert-1")))
	assert.Zero(t, len(svc.retryQueue))
}

func TestStartSubscribesToBudgetEvents(t *testing.T) {
	bus := events.NewBus(zap.NewNop())
	svc := NewService(testServiceConfig(), nil, zap.NewNop())
	hook := &fakeNotifier{name: ChannelWebhook}
	svc.Register(hook)
	svc.Start(bus)
	t.Cleanup(func() { _ = svc.Stop(context.Background()) })

	require.NoError(t, bus.Publish(context.Background(), thresholdEvent("alert-1")))
	bus.Wait()
	assert.Equal(t, 1, hook.count())
}

func TestDisabledServiceDoesNotSubscribe(t *testing.T) {
	bus := events.NewBus(zap.NewNop())
	svc := NewService(&Config{}, nil, zap.NewNop())
	svc.Start(bus)

	assert.Empty(t, bus.Stats())
	assert.NoError(t, svc.Stop(context.Background()))
}

func TestBackoffIsCapped(t *testing.T) {
	svc := NewService(&Config{RetryBackoffBase: time.Second}, nil, zap.NewNop())

	assert.Equal(t, time.Second, svc.backoff(1))
	assert.Equal(t, 2*time.Second, svc.backoff(2))
	assert.Equal(t, 4*time.Second, svc.backoff(3))
	assert.Equal(t, maxBackoff, svc.backoff(20))
}

func TestWebhookAdapterSignsPayload(t *testing.T) {
	var (
		body []byte
		hdr  http.Header
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ = io.ReadAll(r.Body)
		hdr = r.Header.Clone()
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	adapter := NewWebhookAdapter(srv.URL, "shh", "", map[string]string{"X-Team": "finops"}, zap.NewNop())
	event := thresholdEvent("alert-1")
	require.NoError(t, adapter.Send(context.Background(), event))

	assert.True(t, VerifySignature(body, hdr.Get(HeaderSignature), "shh"))
	assert.False(t, VerifySignature(body, hdr.Get(HeaderSignature), "other"))
	assert.Equal(t, event.ID, hdr.Get(HeaderEventID))
	assert.Equal(t, "finops", hdr.Get("X-Team"))

	var payload WebhookPayload
	require.NoError(t, json.Unmarshal(body, &payload))
	assert.Equal(t, "budget.threshold_crossed", payload.EventType)
	assert.Equal(t, "demo", payload.CallerID)
	assert.Equal(t, "alert-1", payload.Data["alert_id"])
}

func TestWebhookAdapterReportsErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	adapter := NewWebhookAdapter(srv.URL, "", "POST", nil, zap.NewNop())
	err := adapter.Send(context.Background(), thresholdEvent("alert-1"))
	assert.EqualError(t, err, "webhook returned status 502")
}

func TestSlackAdapterFormatsThresholdAlert(t *testing.T) {
	var payload SlackWebhookPayload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&payload)
	}))
	defer srv.Close()

	adapter := NewSlackAdapter(srv.URL, "#finops", "https://meter.example.com", zap.NewNop())
	require.NoError(t, adapter.Send(context.Background(), thresholdEvent("alert-1")))

	assert.Equal(t, "#finops", payload.Channel)
	assert.Equal(t, "Budget alert: 55.0% of monthly budget used ($55.00 / $100.00)", payload.Text)
	require.NotEmpty(t, payload.Blocks)
	assert.Equal(t, "Budget alert: 50% threshold crossed", payload.Blocks[0].Text.Text)
	last := payload.Blocks[len(payload.Blocks)-1]
	require.Len(t, last.Elements, 1)
	assert.Contains(t, last.Elements[0].Text, "https://meter.example.com")
}

func TestSlackAdapterFormatsClearedBudget(t *testing.T) {
	adapter := NewSlackAdapter("", "", "", zap.NewNop())

	blocks := adapter.formatEvent(events.NewEvent(events.EventBudgetUpdated, "demo", map[string]interface{}{"monthlyBudget": nil}))
	assert.Contains(t, blocks[0].Text.Text, "*none*")

	blocks = adapter.formatEvent(events.NewEvent(events.EventBudgetUpdated, "demo", map[string]interface{}{"monthlyBudget": 150.0}))
	assert.Contains(t, blocks[0].Text.Text, "*$150.00*")
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"valid", func(c *Config) {}, false},
		{"disabled skips checks", func(c *Config) { c.Enabled = false; c.WebhookEnabled = false }, false},
		{"no channels", func(c *Config) { c.WebhookEnabled = false }, true},
		{"slack without url", func(c *Config) { c.SlackEnabled = true }, true},
		{"bad method", func(c *Config) { c.WebhookMethod = "GET" }, true},
		{"unknown routed channel", func(c *Config) { c.EventRouting = map[string][]string{"budget.updated": {"pager"}} }, true},
		{"no workers", func(c *Config) { c.RetryWorkers = 0 }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testServiceConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestGetChannelsForEvent(t *testing.T) {
	cfg := testServiceConfig()
	cfg.SlackEnabled = true
	assert.Equal(t, []string{ChannelSlack, ChannelWebhook}, cfg.GetChannelsForEvent("budget.threshold_crossed"))

	cfg.EventRouting = map[string][]string{"budget.updated": {ChannelSlack}}
	assert.Equal(t, []string{ChannelSlack}, cfg.GetChannelsForEvent("budget.updated"))
}
