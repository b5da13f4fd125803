package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/crosslogic/usage-meter/internal/analytics"
	"github.com/crosslogic/usage-meter/internal/billing"
	"github.com/crosslogic/usage-meter/internal/config"
	"github.com/crosslogic/usage-meter/internal/identity"
	"github.com/crosslogic/usage-meter/internal/metering"
	"github.com/crosslogic/usage-meter/internal/notifications"
	"github.com/crosslogic/usage-meter/internal/store"
	"github.com/crosslogic/usage-meter/pkg/cache"
	"github.com/crosslogic/usage-meter/pkg/events"
	"github.com/crosslogic/usage-meter/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type webhookSink struct {
	mu    sync.Mutex
	types []string
}

func (s *webhookSink) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var p notifications.WebhookPayload
	if err := json.NewDecoder(r.Body).Decode(&p); err == nil {
		s.mu.Lock()
		s.types = append(s.types, p.EventType)
		s.mu.Unlock()
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *webhookSink) received() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.types...)
}

// pipeline is a gateway wired the way the serve command wires it, with
// Redis replaced by miniredis.
type pipeline struct {
	*testEnv
	bus  *events.Bus
	jobs *atomic.Int64
	sink *webhookSink
}

func setupPipeline(t *testing.T) *pipeline {
	t.Helper()

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, toolUseReply)
	}))
	t.Cleanup(upstream.Close)

	sink := &webhookSink{}
	hook := httptest.NewServer(sink)
	t.Cleanup(hook.Close)

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	port, _ := strconv.Atoi(mr.Port())
	c, err := cache.NewCache(config.RedisConfig{Host: mr.Host(), Port: port, PoolSize: 4})
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })

	logger := zap.NewNop()
	cfg := testConfig(upstream.URL)
	s := store.NewMemoryStore()
	bus := events.NewBus(logger)

	engine := billing.NewBudgetEngine(s, bus, time.UTC, logger)
	bus.Subscribe(events.EventBudgetUpdated, func(ctx context.Context, e events.Event) error {
		return engine.Evaluate(ctx, e.CallerID)
	})
	runner := metering.NewJobRunner(metering.NewTagger(s, logger), engine)
	jobs := &atomic.Int64{}
	pool := metering.NewWorkerPool(func(ctx context.Context, job metering.Job) error {
		defer jobs.Add(1)
		return runner.Run(ctx, job)
	}, metering.PoolConfig{Workers: 2, QueueSize: 16, JobTimeout: 2 * time.Second}, logger)
	pool.Start()
	t.Cleanup(func() { _ = pool.Shutdown(context.Background()) })

	notifier := notifications.NewService(&notifications.Config{
		Enabled:          true,
		WebhookEnabled:   true,
		WebhookURL:       hook.URL,
		WebhookMethod:    http.MethodPost,
		RetryQueueSize:   4,
		RetryWorkers:     1,
		RetryBackoffBase: 10 * time.Millisecond,
		DeliveryTimeout:  2 * time.Second,
		DedupeTTL:        time.Hour,
	}, c, logger)
	notifier.Start(bus)
	t.Cleanup(func() { _ = notifier.Stop(context.Background()) })

	keyring, err := identity.NewKeyring(cfg.Security.CredentialSecret)
	require.NoError(t, err)

	gw := NewGateway(cfg, Deps{
		Store:      s,
		Cache:      c,
		Resolver:   identity.NewResolver(keyring, s, c, time.Minute, logger),
		Recorder:   metering.NewRecorder(billing.DefaultPriceTable(), s, pool, logger),
		Aggregator: analytics.NewAggregator(s, logger),
		Publisher:  bus,
	}, logger)

	return &pipeline{
		testEnv: &testEnv{gw: gw, store: s},
		bus:     bus,
		jobs:    jobs,
		sink:    sink,
	}
}

// settle waits for usage writes, until wantJobs follow-up jobs have run,
// and for event handlers.
func (p *pipeline) settle(t *testing.T, wantJobs int64) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, p.gw.Drain(ctx))
	require.Eventually(t, func() bool {
		return p.jobs.Load() == wantJobs
	}, 5*time.Second, 10*time.Millisecond)
	p.bus.Wait()
}

func TestPipelineMetersTagsAndAlerts(t *testing.T) {
	p := setupPipeline(t)

	rec := p.do(t, http.MethodPost, "/v1/messages", messagesBody(false), bearer())
	require.Equal(t, http.StatusOK, rec.Code)
	p.settle(t, 2)

	first := p.records(t)
	require.Len(t, first, 1)
	callerID := first[0].CallerID
	require.NotEmpty(t, callerID)
	assert.Empty(t, first[0].Tags)

	rec = p.admin(t, http.MethodPost, "/api/callers/"+callerID+"/tags", map[string]any{
		"name":        "tools",
		"color":       "#3b82f6",
		"autoPattern": `"stopreason":"tool_use"`,
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = p.do(t, http.MethodPost, "/v1/messages", messagesBody(false), bearer())
	require.Equal(t, http.StatusOK, rec.Code)
	p.settle(t, 4)

	rec = p.admin(t, http.MethodGet, "/api/analytics/requests?userId="+callerID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	page := decode[analytics.RequestPage](t, rec)
	require.Len(t, page.Data, 2)
	assert.Equal(t, []string{"tools"}, page.Data[0].Tags)
	assert.Empty(t, page.Data[1].Tags)

	// 0.021 spent against 0.03 is 70%: only the 50% rung.
	for i := 0; i < 2; i++ {
		rec = p.admin(t, http.MethodPut, "/api/callers/"+callerID+"/budget", map[string]any{"monthlyBudget": 0.03})
		require.Equal(t, http.StatusOK, rec.Code)
		p.settle(t, 4)
	}

	rec = p.admin(t, http.MethodGet, "/api/callers/"+callerID+"/alerts", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	alerts := decode[[]models.Alert](t, rec)
	require.Len(t, alerts, 1)
	assert.Equal(t, 50.0, alerts[0].Threshold)
	assert.Equal(t, time.Now().UTC().Format("2006-01"), alerts[0].Period)

	var crossed, updated int
	for _, typ := range p.sink.received() {
		switch typ {
		case string(events.EventBudgetThresholdCrossed):
			crossed++
		case string(events.EventBudgetUpdated):
			updated++
		}
	}
	assert.Equal(t, 1, crossed, "threshold notifications")
	assert.Equal(t, 2, updated, "budget update notifications")

	rec = p.admin(t, http.MethodGet, fmt.Sprintf("/api/analytics/summary?userId=%s", callerID), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	summary := decode[analytics.Summary](t, rec)
	assert.Equal(t, int64(2), summary.RequestCount)
	assert.InDelta(t, 0.021, summary.TotalCost, 1e-9)
}
