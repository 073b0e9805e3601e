package commands

import (
	"context"
	"fmt"

	"github.com/wonny/spotcast/internal/contracts"
	"github.com/wonny/spotcast/internal/model"
	"github.com/wonny/spotcast/internal/pipeline"
	"github.com/wonny/spotcast/internal/source"
	"github.com/wonny/spotcast/internal/source/entsoe"
	"github.com/wonny/spotcast/internal/source/fingrid"
	"github.com/wonny/spotcast/internal/source/fmi"
	"github.com/wonny/spotcast/internal/source/nordpool"
	"github.com/wonny/spotcast/internal/store"
	"github.com/wonny/spotcast/internal/window"
	"github.com/wonny/spotcast/pkg/config"
	"github.com/wonny/spotcast/pkg/database"
	"github.com/wonny/spotcast/pkg/httputil"
	"github.com/wonny/spotcast/pkg/logger"
	"github.com/wonny/spotcast/pkg/redis"
)

const keyPrefix = "spotcast"

// app holds every dependency of a command
type app struct {
	cfg    *config.Config
	log    *logger.Logger
	db     *database.DB // nil unless STORE=postgres
	redis  *redis.Client
	store  pipeline.TableStore
	runner *pipeline.Runner
}

// loadConfig loads configuration and creates the logger
func loadConfig() (*config.Config, *logger.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	if verbose {
		cfg.LogLevel = "debug"
	}
	return cfg, logger.New(cfg), nil
}

// newApp wires the full pipeline
// ⭐ SSOT: 의존성 조립은 여기서만
func newApp(ctx context.Context) (*app, error) {
	cfg, log, err := loadConfig()
	if err != nil {
		return nil, err
	}

	a := &app{cfg: cfg, log: log}

	// 1. Table store
	if err := a.openStore(ctx); err != nil {
		a.Close()
		return nil, err
	}

	// 2. Redis (cache + run lock), no-op when disabled
	a.redis, err = redis.New(cfg)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	// 3. Source registry
	settings := source.DefaultSettings()
	if cfg.SourcesFile != "" {
		settings, _, err = source.LoadSettings(cfg.SourcesFile)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("load sources: %w", err)
		}
	}
	hash, err := source.Hash(settings)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("hash sources: %w", err)
	}

	adapters := newAdapters(cfg, log)
	if a.redis.Enabled() {
		cache := redis.NewCache(a.redis, keyPrefix)
		for name, ad := range adapters {
			adapters[name] = source.NewCached(ad, cache, cfg.Redis.CacheTTL, hash, log.Zerolog())
		}
	}

	regs, err := source.Build(settings, adapters, cfg.Window.Lookback())
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("build sources: %w", err)
	}

	// 4. Runner
	runCfg := pipeline.Config{
		Window: window.Config{
			Lookback: cfg.Window.Lookback(),
			Horizon:  cfg.Window.Horizon(),
		},
		Location:  cfg.Window.Location,
		Retention: cfg.Window.Retention(),
		Workers:   cfg.Fetch.Workers,
	}
	lock := redis.NewLock(a.redis, keyPrefix, "run", cfg.Redis.LockTTL)
	mdl := model.NewLinear(model.DefaultConfig(), log.Zerolog())
	a.runner = pipeline.NewRunner(runCfg, a.store, regs, mdl, lock, log.Zerolog())

	log.WithFields(map[string]interface{}{
		"store":       cfg.Store.Backend,
		"sources":     len(regs),
		"sources_sha": hash[:12],
		"redis":       a.redis.Enabled(),
	}).Info("Pipeline ready")

	return a, nil
}

// openStore opens the configured table store
func (a *app) openStore(ctx context.Context) error {
	switch a.cfg.Store.Backend {
	case "postgres":
		db, err := database.New(ctx, a.cfg)
		if err != nil {
			return fmt.Errorf("connect to database: %w", err)
		}
		a.db = db
		pg := store.NewPostgresStore(db.Pool, a.log.Zerolog())
		if err := pg.EnsureSchema(ctx); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
		a.store = pg
	default:
		a.store = store.NewCSVStore(a.cfg.Store.DataPath, a.log.Zerolog())
	}
	return nil
}

// newAdapters builds one adapter per source, keyed by registry name
func newAdapters(cfg *config.Config, log *logger.Logger) map[string]contracts.Adapter {
	client := httputil.New(cfg, log)
	zl := log.Zerolog()

	return map[string]contracts.Adapter{
		"fmi": fmi.New(fmi.Config{
			BaseURL:      cfg.FMI.BaseURL,
			WindStations: cfg.FMI.WindStations,
			TempStations: cfg.FMI.TempStations,
		}, client, zl),
		"fingrid": fingrid.New(fingrid.Config{
			BaseURL:   cfg.Fingrid.BaseURL,
			APIKey:    cfg.Fingrid.APIKey,
			DatasetID: cfg.Fingrid.DatasetID,
		}, client, zl),
		"entsoe": entsoe.New(entsoe.Config{
			BaseURL:     cfg.ENTSOE.BaseURL,
			APIKey:      cfg.ENTSOE.APIKey,
			BiddingZone: cfg.ENTSOE.BiddingZone,
			CapacityMW:  cfg.ENTSOE.NuclearCapacityMW,
		}, client, zl),
		"nordpool": nordpool.New(nordpool.Config{
			TokenURL: cfg.Nordpool.TokenURL,
			BaseURL:  cfg.Nordpool.BaseURL,
			Token:    cfg.Nordpool.Token,
			Payload:  cfg.Nordpool.Payload,
			Area:     cfg.Nordpool.Area,
			Currency: cfg.Nordpool.Currency,
		}, client, zl),
	}
}

// Close releases connections
func (a *app) Close() {
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.log.WithError(err).Warn("close redis")
		}
	}
	if a.db != nil {
		a.db.Close()
	}
}
