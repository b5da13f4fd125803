package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/crosslogic/usage-meter/internal/billing"
	"github.com/crosslogic/usage-meter/internal/config"
	"github.com/crosslogic/usage-meter/internal/metering"
	"github.com/crosslogic/usage-meter/internal/notifications"
	"github.com/crosslogic/usage-meter/internal/store"
	"github.com/crosslogic/usage-meter/pkg/cache"
	"github.com/crosslogic/usage-meter/pkg/database"
	"github.com/crosslogic/usage-meter/pkg/events"
	"go.uber.org/zap"
)

type migrator interface {
	Migrate(ctx context.Context) error
}

// app holds the long-lived components shared by the serve, worker, migrate
// and report commands.
type app struct {
	cfg    *config.Config
	logger *zap.Logger
	store  store.Store
	cache  *cache.Cache
	bus    *events.Bus
	prices *billing.PriceTable
}

func newApp(rt *cmdEnv) (*app, error) {
	cfg, logger := rt.cfg, rt.logger

	s, err := openStore(cfg.Database)
	if err != nil {
		return nil, err
	}
	logger.Info("store opened", zap.String("driver", cfg.Database.Driver))

	a := &app{
		cfg:    cfg,
		logger: logger,
		store:  s,
		bus:    events.NewBus(logger),
	}

	if cfg.Redis.Enabled {
		a.cache, err = cache.NewCache(cfg.Redis)
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("failed to connect to Redis: %w", err)
		}
		logger.Info("connected to Redis", zap.String("addr", cfg.Redis.Addr()))
	}

	a.prices, err = loadPrices(cfg.Billing.PriceTableFile)
	if err != nil {
		a.Close()
		return nil, err
	}
	logger.Info("price table loaded",
		zap.String("version", a.prices.Version()),
		zap.Strings("models", a.prices.Models()),
	)

	return a, nil
}

func openStore(cfg config.DatabaseConfig) (store.Store, error) {
	switch cfg.Driver {
	case config.DriverPostgres:
		db, err := database.NewDatabase(cfg)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to postgres: %w", err)
		}
		return store.NewPostgresStore(db), nil
	case config.DriverSQLite:
		db, err := database.OpenSQLite(cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		return store.NewSQLiteStore(db), nil
	case config.DriverMemory:
		return store.NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unsupported store driver %q", cfg.Driver)
	}
}

func loadPrices(path string) (*billing.PriceTable, error) {
	if path == "" {
		return billing.DefaultPriceTable(), nil
	}
	t, err := billing.LoadPriceTable(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load price table: %w", err)
	}
	return t, nil
}

// migrate applies the schema. The memory store has none.
func (a *app) migrate(ctx context.Context) error {
	m, ok := a.store.(migrator)
	if !ok {
		return nil
	}
	if err := m.Migrate(ctx); err != nil {
		return fmt.Errorf("failed to migrate store: %w", err)
	}
	return nil
}

// followUps wires the budget engine and tagger behind a job runner and
// subscribes budget re-evaluation to budget updates.
func (a *app) followUps() *metering.JobRunner {
	engine := billing.NewBudgetEngine(a.store, a.bus, a.cfg.Billing.Location, a.logger)
	tagger := metering.NewTagger(a.store, a.logger)

	a.bus.Subscribe(events.EventBudgetUpdated, func(ctx context.Context, e events.Event) error {
		return engine.Evaluate(ctx, e.CallerID)
	})

	return metering.NewJobRunner(tagger, engine)
}

func (a *app) startNotifications() (*notifications.Service, error) {
	ncfg, err := notifications.LoadConfig()
	if err != nil {
		return nil, err
	}
	svc := notifications.NewService(ncfg, a.cache, a.logger)
	svc.Start(a.bus)
	return svc, nil
}

// Close waits for event handlers and releases connections.
func (a *app) Close() error {
	a.bus.Wait()

	var errs []error
	if a.cache != nil {
		errs = append(errs, a.cache.Close())
	}
	errs = append(errs, a.store.Close())
	return errors.Join(errs...)
}
