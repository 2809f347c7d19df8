package cmd

import (
	"context"
	"fmt"

	"github.com/jonboulle/clockwork"
	"github.com/newrelic/go-agent/v3/newrelic"
	"github.com/rs/zerolog/log"

	"example.com/backstage/services/eventstore/config"
	"example.com/backstage/services/eventstore/internal/cache"
	"example.com/backstage/services/eventstore/internal/database"
	"example.com/backstage/services/eventstore/internal/eventstore"
	"example.com/backstage/services/eventstore/internal/messaging"
	"example.com/backstage/services/eventstore/internal/metrics"
	"example.com/backstage/services/eventstore/internal/models"
	"example.com/backstage/services/eventstore/internal/projection"
	"example.com/backstage/services/eventstore/internal/repository"
	"example.com/backstage/services/eventstore/internal/repository/memory"
	"example.com/backstage/services/eventstore/internal/repository/postgres"
	"example.com/backstage/services/eventstore/internal/search"
	"example.com/backstage/services/eventstore/internal/tracing"
)

const (
	searchIndexProjection = "search-index"
	publisherProjection   = "integration-publisher"
)

// app holds the components shared by the server and worker commands
type app struct {
	clock     clockwork.Clock
	store     repository.Store
	service   *eventstore.Service
	metrics   *metrics.Metrics
	cache     *cache.RedisCache
	newrelic  *newrelic.Application
	scheduler *projection.CronScheduler
	engine    *projection.Engine
	closers   []func(ctx context.Context) error
}

// newApp connects the configured store and builds the event store service
func newApp(ctx context.Context, cfg config.Config) (*app, error) {
	a := &app{clock: clockwork.NewRealClock()}
	a.metrics = metrics.NewMetrics(a.clock)

	store, err := openStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	a.store = store
	a.closers = append(a.closers, func(context.Context) error { return store.Close() })

	nrApp, err := tracing.NewApplication(cfg.Tracing)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to initialize tracer, continuing without tracing")
	}
	a.newrelic = nrApp

	opts := []eventstore.Option{eventstore.WithMetrics(a.metrics)}
	redisCache, err := cache.NewRedisCache(cfg.Redis)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to initialize Redis cache, continuing without caching")
	} else if redisCache.Enabled() {
		a.cache = redisCache
		opts = append(opts, eventstore.WithCache(redisCache))
		a.closers = append(a.closers, func(context.Context) error { return redisCache.Close() })
	}

	a.service = eventstore.NewService(store, a.clock, eventstore.Config{
		DefaultMaxCount:    cfg.EventStore.DefaultMaxCount,
		MaxCountLimit:      cfg.EventStore.MaxCountLimit,
		SnapshotCacheTTL:   cfg.EventStore.SnapshotCacheTTL,
		StatisticsCacheTTL: cfg.EventStore.StatisticsCacheTTL,
	}, opts...)

	return a, nil
}

func openStore(ctx context.Context, cfg config.Config) (repository.Store, error) {
	switch cfg.Storage.Driver {
	case "memory":
		log.Warn().Msg("Using in-memory storage, events are lost on exit")
		return memory.NewStore(), nil
	case "postgres", "":
		db, err := database.Connect(cfg.DB)
		if err != nil {
			return nil, err
		}
		if err := database.Migrate(ctx, db); err != nil {
			database.Close(db)
			return nil, err
		}
		return postgres.NewStore(db, postgres.WithSnapshotCompression(cfg.Storage.CompressSnapshots)), nil
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Storage.Driver)
	}
}

// startProjections creates the projection engine and starts the built-in
// projections enabled in config.
func (a *app) startProjections(ctx context.Context, cfg config.Config) error {
	scheduler, err := projection.NewCronScheduler(a.clock)
	if err != nil {
		return err
	}
	a.scheduler = scheduler

	a.engine = projection.NewEngine(a.store.Checkpoints(), a.store.Events(), scheduler, a.clock, projection.Config{
		TickInterval:     cfg.Projections.TickInterval,
		DefaultBatchSize: cfg.Projections.BatchSize,
		DefaultRetry: projection.RetryPolicy{
			MaxRetries:        cfg.Projections.MaxRetries,
			InitialDelay:      cfg.Projections.InitialDelay,
			BackoffMultiplier: cfg.Projections.BackoffMultiplier,
			MaxDelay:          cfg.Projections.MaxDelay,
		},
	}, projection.WithMetrics(a.metrics), projection.WithApplication(a.newrelic))

	if cfg.Projections.SearchIndex {
		client, err := search.NewElasticClient(cfg.Elastic)
		if err != nil {
			return err
		}
		indexer := search.NewIndexer(client, cfg.Elastic)
		if err := indexer.EnsureIndex(ctx); err != nil {
			log.Warn().Err(err).Str("index", indexer.Index()).Msg("Failed to ensure search index, continuing")
		}
		if err := a.run(ctx, searchIndexProjection, indexer); err != nil {
			return err
		}
	}

	if cfg.Projections.Publisher && cfg.Azure.Enabled {
		publisher, err := messaging.NewPublisher(cfg.Azure)
		if err != nil {
			return err
		}
		a.closers = append(a.closers, publisher.Close)
		if err := a.run(ctx, publisherProjection, publisher); err != nil {
			return err
		}
	}

	return nil
}

// run registers a projection and starts it if its checkpoint is RUNNING.
// Paused, stopped and faulted projections stay registered for an operator.
func (a *app) run(ctx context.Context, name string, handler projection.Handler) error {
	checkpoint, err := a.engine.Register(ctx, name, handler, projection.Options{})
	if err != nil {
		return err
	}
	if checkpoint.Status != models.ProjectionRunning {
		log.Warn().Str("projection", name).Str("status", string(checkpoint.Status)).Msg("Projection not started")
		return nil
	}
	return a.engine.Start(ctx, name)
}

// close stops projections and releases connections in reverse order
func (a *app) close(ctx context.Context) {
	if a.engine != nil {
		a.engine.Shutdown()
	}
	if a.scheduler != nil {
		if err := a.scheduler.Shutdown(); err != nil {
			log.Error().Err(err).Msg("Failed to shut down scheduler")
		}
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			log.Error().Err(err).Msg("Failed to close resource")
		}
	}
	tracing.Shutdown(a.newrelic)
}
