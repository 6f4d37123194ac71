package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/martinsantos/licitometro-sub001/internal/adapter"
	"github.com/martinsantos/licitometro-sub001/internal/catalog"
	"github.com/martinsantos/licitometro-sub001/internal/config"
	"github.com/martinsantos/licitometro-sub001/internal/egress"
	"github.com/martinsantos/licitometro-sub001/internal/enrich"
	"github.com/martinsantos/licitometro-sub001/internal/match"
	"github.com/martinsantos/licitometro-sub001/internal/publisher"
	"github.com/martinsantos/licitometro-sub001/internal/registry"
	"github.com/martinsantos/licitometro-sub001/internal/resolve"
	"github.com/martinsantos/licitometro-sub001/internal/session"
	"github.com/martinsantos/licitometro-sub001/internal/storage"
	"github.com/martinsantos/licitometro-sub001/internal/tender"
)

// app holds the wired pipeline. Stores are Postgres-backed when a DSN is
// configured and in-memory otherwise, so a laptop run needs no database.
type app struct {
	cfg    config.Config
	logger *zap.Logger

	catalog catalog.Store
	sources registry.Store
	nodes   match.NodeStore
	edges   match.EdgeStore
	blobs   storage.BlobStore
	pub     publisher.Publisher

	queue    *enrich.Queue
	pipeline *enrich.Pipeline
	matcher  *match.Engine
	resolver *resolve.Resolver
	runner   *session.Runner

	closers []func()
}

func newApp(ctx context.Context, cfg config.Config, logger *zap.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger}

	if err := a.wireStores(ctx); err != nil {
		return nil, err
	}
	if err := a.wirePublisher(ctx); err != nil {
		a.close()
		return nil, err
	}
	if err := a.wirePipeline(ctx); err != nil {
		a.close()
		return nil, err
	}
	return a, nil
}

func (a *app) wireStores(ctx context.Context) error {
	if a.cfg.DB.DSN == "" {
		a.logger.Warn("no database configured, using in-memory stores")
		a.catalog = catalog.NewMemoryStore()
		a.sources = registry.NewMemoryStore()
		a.nodes = match.NewMemoryNodeStore()
		a.edges = match.NewMemoryEdgeStore()
	} else {
		poolCfg, err := pgxpool.ParseConfig(a.cfg.DB.DSN)
		if err != nil {
			return fmt.Errorf("parse db dsn: %w", err)
		}
		if a.cfg.DB.MaxConns > 0 {
			poolCfg.MaxConns = a.cfg.DB.MaxConns
		}
		pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
		if err != nil {
			return fmt.Errorf("connect db: %w", err)
		}
		a.closers = append(a.closers, pool.Close)
		a.catalog = catalog.NewPostgresStoreWithDB(pool)
		a.sources = registry.NewPostgresStoreWithDB(pool)
		a.nodes = match.NewPostgresNodeStoreWithDB(pool)
		a.edges = match.NewPostgresEdgeStoreWithDB(pool)
	}

	blobs, err := storage.New(ctx, a.cfg.Storage)
	if err != nil {
		return fmt.Errorf("build blob store: %w", err)
	}
	a.blobs = blobs
	a.closers = append(a.closers, func() { _ = blobs.Close() })
	return nil
}

func (a *app) wirePublisher(ctx context.Context) error {
	if !a.cfg.PubSub.Enabled {
		a.pub = publisher.NoOpPublisher{}
		return nil
	}
	pub, err := publisher.NewPubSubPublisher(ctx, a.cfg.PubSub.ProjectID, a.cfg.PubSub.TopicName)
	if err != nil {
		return fmt.Errorf("build pubsub publisher: %w", err)
	}
	a.pub = pub
	a.closers = append(a.closers, func() { _ = pub.Close() })
	return nil
}

func (a *app) wirePipeline(_ context.Context) error {
	router, err := egress.NewRouter(egress.Config{
		ProxyURL:       a.cfg.Relay.ProxyURL,
		MaxConcurrent:  a.cfg.Relay.MaxConcurrent,
		RequestsPerSec: a.cfg.Relay.RequestsPerSec,
		Timeout:        a.cfg.Relay.Timeout,
	}, a.cfg.Crawl.RequestTimeout, a.logger.Named("egress"))
	if err != nil {
		return err
	}
	detector := egress.NewBlockingDetector(0)

	a.queue = enrich.NewQueue(a.cfg.Enrich.QueueDepth)
	fetcher := enrich.NewFetcher(router, a.blobs, a.cfg.Crawl.UserAgent, a.cfg.Enrich.FetchTimeout, a.logger.Named("enrich"))
	a.pipeline = enrich.NewPipeline(a.queue, a.catalog, a.sources, fetcher, enrich.Options{
		Workers:     a.cfg.Enrich.Workers,
		MaxAttempts: a.cfg.Enrich.MaxAttempts,
		BaseBackoff: a.cfg.Enrich.BaseBackoff,
		MaxBackoff:  a.cfg.Enrich.MaxBackoff,
	}, a.logger.Named("enrich"))

	a.matcher = match.NewEngine(a.nodes, a.edges, a.catalog, a.logger.Named("match"))

	a.resolver = resolve.NewResolver(a.catalog, a.logger.Named("resolve"),
		a.pipeline,
		a.matcher,
		publisher.NewSink(a.pub),
	)

	deps := adapter.Deps{
		Router:         router,
		Detector:       detector,
		UserAgent:      a.cfg.Crawl.UserAgent,
		RequestTimeout: a.cfg.Crawl.RequestTimeout,
		RenderTimeout:  a.cfg.Crawl.RenderTimeout,
		RenderMaxTabs:  a.cfg.Crawl.RenderMaxTabs,
		Logger:         a.logger.Named("adapter"),
	}
	engine := session.NewEngine(deps, adapter.NewRetryPolicy(a.cfg.Crawl.MaxRetries), session.Limits{
		MaxPages: a.cfg.Crawl.DefaultMaxPages,
		MaxItems: a.cfg.Crawl.DefaultMaxItems,
		QPS:      a.cfg.Crawl.DefaultSourceQPS,
	}, a.logger.Named("session"))
	a.runner = session.NewRunner(engine, a.sources, a.cfg.Crawl.Concurrency, a.logger.Named("session"))
	return nil
}

// crawlSink feeds raw records into identity resolution. Conflicts are held
// aside by the resolver itself and do not count as sink failures.
func (a *app) crawlSink() session.Sink {
	return session.SinkFunc(func(ctx context.Context, raw tender.RawRecord) error {
		_, err := a.resolver.Resolve(ctx, raw)
		if errors.Is(err, resolve.ErrConflict) {
			return nil
		}
		return err
	})
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}
