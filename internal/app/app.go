// Package app assembles the ledger and its collaborators from configuration.
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/noah-isme/attendance-kiosk/internal/models"
	"github.com/noah-isme/attendance-kiosk/internal/repository"
	"github.com/noah-isme/attendance-kiosk/internal/service"
	"github.com/noah-isme/attendance-kiosk/pkg/cache"
	"github.com/noah-isme/attendance-kiosk/pkg/config"
	"github.com/noah-isme/attendance-kiosk/pkg/database"
	"github.com/noah-isme/attendance-kiosk/pkg/storage"
)

const cacheKeyPrefix = "kiosk:"

// Mode selects how check-in events leave the process.
type Mode int

const (
	// ModeServer delivers events from a background queue.
	ModeServer Mode = iota
	// ModeCLI publishes events inline before the command returns.
	ModeCLI
)

// Runtime is a ready ledger plus everything that must be closed with it.
type Runtime struct {
	Ledger    *service.AttendanceLedger
	Reports   *service.ReportService
	Metrics   *service.MetricsService
	Closeouts service.CloseoutStore
	Checks    map[string]func(context.Context) error

	dispatcher    *service.EventDispatcher
	closeoutTable func(context.Context) error
	closers    []func() error
	logger     *zap.Logger
}

// Build opens the configured backend, bootstraps it and returns the runtime.
func Build(ctx context.Context, cfg *config.Config, mode Mode, logger *zap.Logger) (*Runtime, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	rt := &Runtime{
		Metrics: service.NewMetricsService(),
		Checks:  map[string]func(context.Context) error{},
		logger:  logger,
	}

	events, roster, err := rt.openStores(cfg)
	if err != nil {
		rt.Close()
		return nil, err
	}

	cacheSvc, err := rt.openCache(ctx, cfg)
	if err != nil {
		rt.Close()
		return nil, err
	}

	policy := models.RosterAllowShadowing
	if cfg.Storage.UniqueIDs {
		policy = models.RosterUniqueIDs
	}
	var seed []models.Subject
	if cfg.Storage.SeedRoster {
		seed = repository.DefaultRoster(repository.RosterFormat(cfg.Storage.RosterFormat))
	}

	rt.Ledger = service.NewAttendanceLedger(events, roster, service.LedgerOptions{
		Policy:   policy,
		Seed:     seed,
		Location: cfg.Location(),
		Cache:    cacheSvc,
		Metrics:  rt.Metrics,
		Notifier: rt.notifier(ctx, cfg, mode),
		Logger:   logger,
	})
	rt.Reports = service.NewReportService(rt.Ledger, logger)
	rt.Checks["ledger"] = func(ctx context.Context) error {
		_, err := rt.Ledger.ListRoster(ctx)
		return err
	}

	if cfg.Storage.Driver == config.DriverFile || cfg.Storage.BootstrapTable {
		if err := rt.Ledger.Bootstrap(ctx); err != nil {
			rt.Close()
			return nil, fmt.Errorf("bootstrap ledger: %w", err)
		}
		if rt.closeoutTable != nil {
			if err := rt.closeoutTable(ctx); err != nil {
				rt.Close()
				return nil, err
			}
		}
	}
	logger.Info("ledger ready",
		zap.String("driver", cfg.Storage.Driver),
		zap.Bool("unique_ids", cfg.Storage.UniqueIDs),
		zap.String("timezone", cfg.Location().String()),
	)
	return rt, nil
}

// Close stops background delivery and releases backend handles.
func (r *Runtime) Close() {
	if r.dispatcher != nil {
		r.dispatcher.Stop()
	}
	for i := len(r.closers) - 1; i >= 0; i-- {
		if err := r.closers[i](); err != nil {
			r.logger.Warn("close runtime resource", zap.Error(err))
		}
	}
	r.closers = nil
}

func (r *Runtime) openStores(cfg *config.Config) (service.EventStore, service.RosterStore, error) {
	if cfg.Storage.Driver == config.DriverFile {
		files, err := storage.NewLocalStorage(cfg.Storage.DataDir)
		if err != nil {
			return nil, nil, fmt.Errorf("open data dir: %w", err)
		}
		events := repository.NewCSVEventStore(files, cfg.Storage.LogFile, repository.LogSchema(cfg.Storage.LogSchema), cfg.Storage.LockTimeout, r.logger)
		roster := repository.NewJSONRosterStore(files, cfg.Storage.RosterFile, repository.RosterFormat(cfg.Storage.RosterFormat), cfg.Storage.LockTimeout, r.logger)
		r.Closeouts = repository.NewFileCloseoutStore(files, cfg.Storage.LogFile+".closeouts", cfg.Storage.LockTimeout)
		return events, roster, nil
	}

	db, err := database.Open(cfg.Storage, cfg.Database)
	if err != nil {
		return nil, nil, fmt.Errorf("open database: %w", err)
	}
	r.closers = append(r.closers, db.Close)
	r.Checks["database"] = dbCheck(db)
	closeouts := repository.NewSQLCloseoutStore(db)
	r.Closeouts = closeouts
	r.closeoutTable = closeouts.Bootstrap
	return repository.NewSQLEventStore(db), repository.NewSQLRosterStore(db), nil
}

func (r *Runtime) openCache(ctx context.Context, cfg *config.Config) (*service.CacheService, error) {
	if !cfg.Board.CacheEnabled {
		return nil, nil
	}
	client, err := cache.NewRedis(ctx, cfg.Redis)
	if err != nil {
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	repo := repository.NewCacheRepository(client, cacheKeyPrefix, r.logger)
	r.closers = append(r.closers, repo.Close)
	r.Checks["redis"] = repo.Ping
	return service.NewCacheService(repo, r.Metrics, cfg.Board.CacheTTL, r.logger, true), nil
}

func (r *Runtime) notifier(ctx context.Context, cfg *config.Config, mode Mode) service.CheckInNotifier {
	if !cfg.Events.Enabled {
		return nil
	}
	publisher := service.NewAMQPPublisher(cfg.Events.AMQPURL, cfg.Events.Queue, r.logger)
	r.closers = append(r.closers, publisher.Close)
	if mode == ModeCLI {
		return service.NewInlineNotifier(publisher, r.Metrics, 5*time.Second, r.logger)
	}
	r.dispatcher = service.NewEventDispatcher(publisher, r.Metrics, cfg.Events.MaxRetries, r.logger)
	r.dispatcher.Start(ctx)
	return r.dispatcher
}

func dbCheck(db *sqlx.DB) func(context.Context) error {
	return func(ctx context.Context) error {
		return db.PingContext(ctx)
	}
}
