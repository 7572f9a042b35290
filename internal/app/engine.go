// Package app assembles the engine from configuration: the storage backend,
// the optional infrastructure (redis, neo4j, nats, kafka, s3, bolt state),
// the domain services and the network surfaces on top of them.
package app

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"tiace/internal/admin"
	"tiace/internal/api"
	"tiace/internal/api/handlers"
	"tiace/internal/api/middleware"
	"tiace/internal/config"
	"tiace/internal/domain/services"
	"tiace/internal/export"
	grpcserver "tiace/internal/grpc/threatintel"
	"tiace/internal/infrastructure/cache"
	"tiace/internal/infrastructure/database"
	"tiace/internal/infrastructure/database/repository"
	"tiace/internal/infrastructure/graph"
	"tiace/internal/infrastructure/statestore"
	"tiace/internal/metrics"
	"tiace/internal/parsers"
	"tiace/internal/sources"
	"tiace/internal/sources/commercial"
	"tiace/internal/sources/custom"
	"tiace/internal/sources/misp"
	"tiace/internal/sources/opensource"
	"tiace/internal/sources/taxii"
	"tiace/internal/storage"
	"tiace/internal/streaming"
	"tiace/pkg/logger"
)

// Engine owns every long-lived component
type Engine struct {
	Config      *config.Config
	Store       storage.Store
	Metrics     *metrics.Metrics
	Changes     *streaming.ChangeFeed
	Hub         *streaming.WebSocketHub
	Sources     *sources.Registry
	Parsers     *parsers.Registry
	Identity    *services.IdentityResolver
	Pipeline    *services.EnrichmentPipeline
	Correlation *services.CorrelationEngine
	Syncer      *services.Syncer
	Scheduler   *services.Scheduler
	Query       *services.QueryService
	Exports     *export.Service
	Keys        *middleware.KeyRing

	redis     *cache.RedisCache
	neo4j     *graph.Neo4jClient
	states    *statestore.BoltStore
	forwarder *streaming.Forwarder
	fwCancel  context.CancelFunc
	checks    []handlers.Check
	logger    *logger.Logger
}

// Options adjust how New builds the engine
type Options struct {
	// Backend overrides storage.backend when set
	Backend string
	// NoStateFile skips the bolt state store
	NoStateFile bool
}

// New builds an engine. Optional infrastructure that fails to connect is
// logged and skipped; the storage backend is mandatory.
func New(ctx context.Context, cfg *config.Config, opts Options, log *logger.Logger) (*Engine, error) {
	if opts.Backend != "" {
		cfg.Storage.Backend = opts.Backend
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}
	e := &Engine{
		Config:  cfg,
		Metrics: metrics.New(),
		Keys:    middleware.NewKeyRing(cfg.APIKeys),
		logger:  log.WithComponent("engine"),
	}
	if err := e.initStore(ctx); err != nil {
		return nil, err
	}
	e.initInfrastructure(ctx, opts)
	e.initStreaming(ctx)
	if err := e.initServices(ctx); err != nil {
		e.Close()
		return nil, err
	}
	if err := e.loadFeeds(); err != nil {
		e.Close()
		return nil, err
	}
	return e, nil
}

func (e *Engine) initStore(ctx context.Context) error {
	switch e.Config.Storage.Backend {
	case "postgres":
		db, err := database.NewPostgres(ctx, e.Config.Database, e.logger)
		if err != nil {
			return fmt.Errorf("connect postgres: %w", err)
		}
		if err := db.Migrate(ctx); err != nil {
			db.Close()
			return fmt.Errorf("migrate: %w", err)
		}
		e.Store = repository.NewStore(db, e.Config.Storage.MaxBatchSize, e.logger)
		e.checks = append(e.checks, handlers.Check{Name: "postgres", Ping: db.Ping})
	default:
		e.Store = storage.NewMemoryStore(e.Config.Storage.MaxBatchSize)
	}
	e.checks = append(e.checks, handlers.Check{Name: "store", Ping: e.Store.HealthCheck})
	e.logger.Info().Str("backend", e.Config.Storage.Backend).Msg("storage ready")
	return nil
}

func (e *Engine) initInfrastructure(ctx context.Context, opts Options) {
	cfg := e.Config
	if cfg.Redis.Enabled {
		rc, err := cache.NewRedis(ctx, cfg.Redis, e.logger)
		if err != nil {
			e.logger.Warn().Err(err).Msg("failed to connect to redis, continuing with in-process index and limits")
		} else {
			e.redis = rc
			e.checks = append(e.checks, handlers.Check{Name: "redis", Ping: rc.Ping})
		}
	}
	if cfg.Neo4j.Enabled {
		nc, err := graph.NewNeo4jClient(ctx, cfg.Neo4j, e.logger)
		if err != nil {
			e.logger.Warn().Err(err).Msg("failed to connect to neo4j, continuing without graph mirror")
		} else {
			e.neo4j = nc
			e.checks = append(e.checks, handlers.Check{Name: "neo4j", Ping: nc.Health})
		}
	}
	if !opts.NoStateFile && cfg.Scheduler.StateFile != "" {
		st, err := statestore.Open(cfg.Scheduler.StateFile, e.logger)
		if err != nil {
			e.logger.Warn().Err(err).Str("path", cfg.Scheduler.StateFile).Msg("feed state will not persist")
		} else {
			e.states = st
		}
	}
}

func (e *Engine) initStreaming(ctx context.Context) {
	cfg := e.Config
	e.Changes = streaming.NewChangeFeed(cfg.ChangeFeed.Retention, e.Metrics, e.logger)

	var sinks []streaming.Sink
	if cfg.NATS.Enabled {
		p, err := streaming.NewNATSPublisher(ctx, cfg.NATS, e.logger)
		if err != nil {
			e.logger.Warn().Err(err).Msg("failed to connect to NATS, continuing without it")
		} else {
			sinks = append(sinks, p)
		}
	}
	if cfg.Kafka.Enabled {
		k, err := streaming.NewKafkaSink(cfg.Kafka, e.logger)
		if err != nil {
			e.logger.Warn().Err(err).Msg("kafka sink disabled")
		} else {
			sinks = append(sinks, k)
		}
	}
	if len(sinks) > 0 {
		e.forwarder = streaming.NewForwarder(cfg.ChangeFeed.BufferSize, e.logger, sinks...)
		e.Changes.SetForwarder(e.forwarder)
		fctx, cancel := context.WithCancel(context.Background())
		e.fwCancel = cancel
		go e.forwarder.Run(fctx)
	}
	e.Hub = streaming.NewWebSocketHub(e.Changes, cfg.ChangeFeed.BufferSize, e.logger)
}

func (e *Engine) initServices(ctx context.Context) error {
	cfg := e.Config
	log := e.logger

	geo, err := services.LoadGeoTable(cfg.Enrichment.GeoTableFile)
	if err != nil {
		return fmt.Errorf("geo table: %w", err)
	}
	resolver, err := services.NewContextResolver(geo)
	if err != nil {
		return fmt.Errorf("geo table: %w", err)
	}
	e.Pipeline = services.NewEnrichmentPipeline(
		services.NewScorer(cfg.Enrichment, log),
		resolver,
		services.NewAttributor(),
		services.NewSynthesizer(cfg.Enrichment),
		cfg.Enrichment, e.Metrics, log,
	)

	e.Identity = services.NewIdentityResolver(e.Store, cfg.Dedup, e.Metrics, log)
	e.Identity.SetEnricher(e.Pipeline)
	e.Identity.SetPublisher(e.Changes)

	e.Correlation = services.NewCorrelationEngine(e.Store, cfg.Correlation, e.Metrics, log)
	e.Correlation.SetPublisher(e.Changes)
	if e.neo4j != nil {
		e.Correlation.SetMirror(e.neo4j)
	}

	e.Sources = sources.NewRegistry(log)
	transport := sources.NewTransport(sources.DefaultTransportConfig(), nil, log)
	for _, c := range []sources.Connector{
		misp.NewConnector(transport, log),
		taxii.NewConnector(transport, log),
		commercial.NewConnector(transport, log),
		opensource.NewConnector(transport, log),
		custom.NewConnector(transport, log),
	} {
		if err := e.Sources.Register(c); err != nil {
			return err
		}
	}
	e.Parsers = parsers.NewDefaultRegistry(log)

	e.Syncer = services.NewSyncer(e.Sources, e.Parsers, e.Identity, e.Pipeline, e.Correlation, e.Store, e.Metrics, log)
	e.Scheduler = services.NewScheduler(e.Syncer, e.Store, cfg.Scheduler, e.Metrics, log)
	if e.states != nil {
		e.Scheduler.SetStateStore(e.states)
	}
	if e.redis != nil {
		e.Identity.SetIndex(e.redis)
		e.Scheduler.SetLocker(e.redis)
	}

	e.Query = services.NewQueryService(e.Store, e.Identity, e.Correlation, log)

	var sink *export.S3Sink
	if cfg.S3.Enabled {
		sink, err = export.NewS3Sink(ctx, cfg.S3, log)
		if err != nil {
			log.Warn().Err(err).Msg("s3 export sink disabled")
			sink = nil
		}
	}
	e.Exports = export.NewService(export.NewRegistry(), e.Query, sink, cfg.App.Name, log)
	return nil
}

// loadFeeds reads the feed catalog and restores persisted feed state
func (e *Engine) loadFeeds() error {
	if e.Config.FeedsFile == "" {
		return nil
	}
	feeds, err := config.LoadFeeds(e.Config.FeedsFile)
	if err != nil {
		return err
	}
	if err := e.Scheduler.SetFeeds(feeds); err != nil {
		return err
	}
	e.logger.Info().Int("feeds", len(feeds)).Str("file", e.Config.FeedsFile).Msg("feed catalog loaded")
	return e.Scheduler.Restore()
}

// Checks returns the readiness checks of the configured dependencies
func (e *Engine) Checks() []handlers.Check { return e.checks }

// Limiter returns the shared rate limiter, nil when redis is not configured
func (e *Engine) Limiter() middleware.Limiter {
	if e.redis == nil {
		return nil
	}
	return e.redis
}

// HTTPHandler builds the public API handler
func (e *Engine) HTTPHandler() http.Handler {
	h := handlers.NewHandlers(handlers.Dependencies{
		Query:     e.Query,
		Scheduler: e.Scheduler,
		Export:    e.Exports,
		Hub:       e.Hub,
		Checks:    e.checks,
		Version:   e.Config.App.Version,
		Logger:    e.logger,
	})
	return api.NewRouter(*e.Config, h, e.Limiter(), e.logger).Setup()
}

// Serve runs the scheduler and every enabled listener until ctx is
// cancelled, then shuts them down in order
func (e *Engine) Serve(ctx context.Context) error {
	cfg := e.Config

	var grpcLis net.Listener
	if cfg.GRPC.Enabled {
		addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.GRPC.Port)
		lis, err := net.Listen("tcp", addr)
		if err != nil {
			return fmt.Errorf("grpc listen: %w", err)
		}
		grpcLis = lis
	}

	g, ctx := errgroup.WithContext(ctx)
	if cfg.Scheduler.Enabled {
		if err := e.Scheduler.Start(ctx); err != nil {
			if grpcLis != nil {
				grpcLis.Close()
			}
			return err
		}
		defer e.Scheduler.Stop()
	}

	srv := &http.Server{
		Addr:              cfg.Server.Addr(),
		Handler:           e.HTTPHandler(),
		ReadHeaderTimeout: cfg.Server.ReadTimeout,
		IdleTimeout:       cfg.Server.IdleTimeout,
	}
	g.Go(func() error {
		e.logger.Info().Str("addr", srv.Addr).Msg("http listener started")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("http: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		e.Hub.Close()
		return srv.Shutdown(sctx)
	})

	if grpcLis != nil {
		gs := grpc.NewServer(grpc.UnaryInterceptor(grpcserver.TenantInterceptor(e.Keys)))
		grpcserver.NewServer(e.Query, e.Scheduler, e.Exports, e.logger).Register(gs)
		checkers := make([]grpcserver.Checker, 0, len(e.checks))
		for _, c := range e.checks {
			checkers = append(checkers, c.Ping)
		}
		grpcserver.RegisterHealthServer(ctx, gs, 10*time.Second, checkers...)
		g.Go(func() error {
			e.logger.Info().Str("addr", grpcLis.Addr().String()).Msg("grpc listener started")
			return gs.Serve(grpcLis)
		})
		g.Go(func() error {
			<-ctx.Done()
			gs.GracefulStop()
			return nil
		})
	}

	if cfg.Admin.Enabled {
		health := handlers.NewHealthHandler(cfg.App.Version, e.checks, e.logger)
		adm := admin.New(e.Metrics, health, e.Scheduler, e.logger)
		addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Admin.Port)
		g.Go(func() error { return adm.ListenAndServe(ctx, addr) })
	}

	return g.Wait()
}

// Close releases every connection the engine opened
func (e *Engine) Close() {
	if e.fwCancel != nil {
		e.fwCancel()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		e.forwarder.Close(ctx)
		cancel()
	}
	if e.Changes != nil {
		e.Changes.Close()
	}
	if e.neo4j != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := e.neo4j.Close(ctx); err != nil {
			e.logger.Warn().Err(err).Msg("failed to close neo4j")
		}
		cancel()
	}
	if e.redis != nil {
		e.redis.Close()
	}
	if e.states != nil {
		e.states.Close()
	}
	// the postgres store owns the pool
	if e.Store != nil {
		e.Store.Close()
	}
}
