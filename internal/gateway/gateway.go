package gateway

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/crosslogic/usage-meter/internal/analytics"
	"github.com/crosslogic/usage-meter/internal/config"
	"github.com/crosslogic/usage-meter/internal/metering"
	"github.com/crosslogic/usage-meter/pkg/cache"
	"github.com/crosslogic/usage-meter/pkg/events"
	"github.com/crosslogic/usage-meter/pkg/models"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"
)

// CallerResolver maps a presented credential to a caller id.
type CallerResolver interface {
	Resolve(ctx context.Context, credential string) (string, error)
}

// UsageRecorder writes one usage record per proxied call.
type UsageRecorder interface {
	Record(ctx context.Context, p metering.RecordParams) (string, error)
}

// SettingsStore is the slice of the store behind the settings endpoints.
type SettingsStore interface {
	GetCaller(ctx context.Context, id string) (*models.Caller, error)
	SetMonthlyBudget(ctx context.Context, id string, budget *float64) error
	CreateTag(ctx context.Context, tag *models.Tag) error
	ListTags(ctx context.Context, callerID string) ([]models.Tag, error)
	DeleteTag(ctx context.Context, callerID, tagID string) error
	ListAlerts(ctx context.Context, callerID string) ([]models.Alert, error)
	AcknowledgeAlert(ctx context.Context, id string) error
	Ping(ctx context.Context) error
}

// Publisher delivers domain events.
type Publisher interface {
	Publish(ctx context.Context, event events.Event) error
}

// handlerStats is implemented by publishers that report subscriptions.
type handlerStats interface {
	Stats() map[string]int
}

// Deps are the collaborators the gateway routes requests to.
type Deps struct {
	Store      SettingsStore
	Cache      *cache.Cache
	Resolver   CallerResolver
	Recorder   UsageRecorder
	Aggregator *analytics.Aggregator
	Publisher  Publisher
}

// Gateway handles API requests
type Gateway struct {
	cfg         *config.Config
	store       SettingsStore
	cache       *cache.Cache
	resolver    CallerResolver
	recorder    UsageRecorder
	aggregator  *analytics.Aggregator
	publisher   Publisher
	rateLimiter *RateLimiter
	upstream    *http.Client
	router      *chi.Mux
	logger      *zap.Logger

	// recordings tracks detached usage writes so shutdown can drain them.
	recordings sync.WaitGroup
}

// NewGateway creates a new API gateway
func NewGateway(cfg *config.Config, deps Deps, logger *zap.Logger) *Gateway {
	g := &Gateway{
		cfg:         cfg,
		store:       deps.Store,
		cache:       deps.Cache,
		resolver:    deps.Resolver,
		recorder:    deps.Recorder,
		aggregator:  deps.Aggregator,
		publisher:   deps.Publisher,
		rateLimiter: NewRateLimiter(deps.Cache, cfg.Security.RateLimitRequests, cfg.Security.RateLimitWindow, logger),
		upstream:    &http.Client{Timeout: cfg.Upstream.Timeout},
		router:      chi.NewRouter(),
		logger:      logger,
	}

	g.setupRoutes()
	return g
}

// setupRoutes configures the HTTP routes
func (g *Gateway) setupRoutes() {
	g.router.Use(middleware.RequestID)
	g.router.Use(middleware.RealIP)
	g.router.Use(g.loggerMiddleware)
	g.router.Use(g.metricsMiddleware)
	g.router.Use(middleware.Recoverer)
	g.router.Use(securityHeaders)

	g.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   g.cfg.Server.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Api-Key", "X-Admin-Token", "Anthropic-Version", "Anthropic-Beta"},
		ExposedHeaders:   []string{"X-RateLimit-Limit", "X-RateLimit-Remaining", "X-RateLimit-Reset", "Retry-After"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	if g.cfg.Monitoring.Enabled {
		g.registerMetrics()
	}

	g.router.Get("/health", g.handleHealth)
	g.router.Get("/ready", g.handleReady)

	// Upstream calls stream for as long as the model generates, so the
	// proxy route carries no request timeout of its own.
	g.router.With(g.requireJSON).Post("/v1/messages", g.handleMessages)

	g.router.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(60 * time.Second))
		r.Use(g.adminAuthMiddleware)
		r.Use(g.requireJSON)

		r.Route("/api/analytics", func(r chi.Router) {
			r.Get("/daily", g.handleDaily)
			r.Get("/by-model", g.handleByModel)
			r.Get("/by-tag", g.handleByTag)
			r.Get("/summary", g.handleSummary)
			r.Get("/overview", g.handleOverview)
			r.Get("/requests", g.handleRequests)
		})

		r.Route("/api/callers/{caller_id}", func(r chi.Router) {
			r.Get("/budget", g.handleGetBudget)
			r.Put("/budget", g.handleSetBudget)
			r.Get("/tags", g.handleListTags)
			r.Post("/tags", g.handleCreateTag)
			r.Delete("/tags/{tag_id}", g.handleDeleteTag)
			r.Get("/alerts", g.handleListAlerts)
		})

		r.Post("/api/alerts/{alert_id}/acknowledge", g.handleAcknowledgeAlert)
	})

	g.router.NotFound(func(w http.ResponseWriter, r *http.Request) {
		g.writeError(w, http.StatusNotFound, "not found: use POST /v1/messages to proxy Messages API calls")
	})
}

// ServeHTTP implements http.Handler
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.router.ServeHTTP(w, r)
}

// Drain waits for in-flight usage writes until ctx expires.
func (g *Gateway) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		g.recordings.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("usage writes still in flight: %w", ctx.Err())
	}
}

// Middleware implementations

func (g *Gateway) loggerMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		g.logger.Info("request",
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("remote_addr", r.RemoteAddr),
		)
	})
}

func (g *Gateway) adminAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		adminToken := r.Header.Get("X-Admin-Token")
		if adminToken == "" {
			g.writeError(w, http.StatusUnauthorized, "missing admin token")
			return
		}

		if subtle.ConstantTimeCompare([]byte(adminToken), []byte(g.cfg.Security.AdminAPIToken)) != 1 {
			g.logger.Warn("invalid admin token attempt",
				zap.String("remote_addr", r.RemoteAddr),
				zap.String("path", r.URL.Path),
			)
			g.writeError(w, http.StatusUnauthorized, "invalid admin token")
			return
		}

		next.ServeHTTP(w, r)
	})
}

// Handler implementations

func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	g.writeJSON(w, http.StatusOK, map[string]string{
		"status": "healthy",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if err := g.store.Ping(ctx); err != nil {
		dependencyUp.WithLabelValues("store").Set(0)
		g.writeError(w, http.StatusServiceUnavailable, "store not ready")
		return
	}
	dependencyUp.WithLabelValues("store").Set(1)

	if g.cache != nil {
		if err := g.cache.Health(ctx); err != nil {
			dependencyUp.WithLabelValues("redis").Set(0)
			g.writeError(w, http.StatusServiceUnavailable, "cache not ready")
			return
		}
		dependencyUp.WithLabelValues("redis").Set(1)
	}

	resp := map[string]any{"status": "ready"}
	if s, ok := g.publisher.(handlerStats); ok {
		resp["event_handlers"] = s.Stats()
	}
	g.writeJSON(w, http.StatusOK, resp)
}

// Utility methods

func (g *Gateway) writeJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		g.logger.Debug("failed to write response", zap.Error(err))
	}
}

func (g *Gateway) writeError(w http.ResponseWriter, statusCode int, message string) {
	g.writeJSON(w, statusCode, map[string]interface{}{
		"error": map[string]string{
			"message": message,
			"type":    errorType(statusCode),
		},
	})
}

func errorType(statusCode int) string {
	switch {
	case statusCode == http.StatusUnauthorized:
		return "authentication_error"
	case statusCode == http.StatusNotFound:
		return "not_found_error"
	case statusCode == http.StatusTooManyRequests:
		return "rate_limit_error"
	case statusCode >= 500:
		return "api_error"
	default:
		return "invalid_request_error"
	}
}
