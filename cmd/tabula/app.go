package main

import (
	"context"
	"fmt"
	"net/http"

	"github.com/juju/clock"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/pitabwire/tabula/internal/callback"
	"github.com/pitabwire/tabula/internal/capability"
	"github.com/pitabwire/tabula/internal/config"
	"github.com/pitabwire/tabula/internal/definition"
	"github.com/pitabwire/tabula/internal/dispatch"
	"github.com/pitabwire/tabula/internal/invoker"
	"github.com/pitabwire/tabula/internal/observability"
	"github.com/pitabwire/tabula/internal/openapi"
	"github.com/pitabwire/tabula/internal/query"
	"github.com/pitabwire/tabula/internal/transport"
)

// catalog is the registered tables together with the sources behind them.
type catalog struct {
	sources *sourceSet
	tables  *definition.Registry
}

func (c *catalog) Close() error {
	return c.sources.close()
}

// loadCatalog opens the store, loads every definition directory and
// registers the tables. Every table is built once before returning so a
// broken definition fails startup.
func loadCatalog(ctx context.Context, cfg *config.Config, metrics *observability.Metrics) (*catalog, error) {
	sources, err := openSources(ctx, cfg.Store)
	if err != nil {
		return nil, fmt.Errorf("store: %w", err)
	}

	var handlerOpts []invoker.Option
	if b := cfg.Actions.Breaker; b.Enabled {
		handlerOpts = append(handlerOpts, invoker.WithCircuitBreaker(invoker.BreakerSettings{
			FailureThreshold:   b.FailureThreshold,
			SuccessThreshold:   b.SuccessThreshold,
			Timeout:            b.Timeout,
			ErrorRateThreshold: b.ErrorRateThreshold,
			ErrorRateWindow:    b.ErrorRateWindow,
		}))
	}
	handlers := invoker.NewRegistry(handlerOpts...)

	docs, err := definition.NewLoader().LoadAll(cfg.Definitions.Directories)
	if err != nil {
		sources.close()
		return nil, fmt.Errorf("definitions: %w", err)
	}

	tables := definition.NewRegistry(definition.WithMetrics(metrics))
	if err := tables.RegisterDocuments(docs, sources.sources, handlers); err != nil {
		sources.close()
		return nil, fmt.Errorf("definitions: %w", err)
	}
	if err := tables.ValidateAll(ctx); err != nil {
		sources.close()
		return nil, fmt.Errorf("definitions: %w", err)
	}
	return &catalog{sources: sources, tables: tables}, nil
}

func newIssuer(cfg *config.Config, metrics *observability.Metrics) (*callback.Issuer, error) {
	key, err := config.EnvValue(cfg.Callback.SigningKeyEnv)
	if err != nil {
		return nil, err
	}
	return callback.NewIssuer([]byte(key), cfg.Callback.Issuer,
		callback.WithTTL(cfg.Callback.TTL),
		callback.WithBaseURL(cfg.Server.BaseURL),
		callback.WithMetrics(metrics),
	)
}

func newCapabilityResolver(cfg config.CapabilityConfig, metrics *observability.Metrics) (*capability.Resolver, error) {
	policy := capability.NewStaticPolicy(nil)
	if cfg.StaticPolicyFile != "" {
		var err error
		if policy, err = capability.LoadStaticPolicy(cfg.StaticPolicyFile); err != nil {
			return nil, err
		}
	}
	return capability.NewResolver(policy,
		capability.WithTTL(cfg.Cache.TTL),
		capability.WithMaxEntries(cfg.Cache.MaxEntries),
		capability.WithMetrics(metrics),
	), nil
}

// newIdempotencyStore returns a nil store when idempotency is disabled.
func newIdempotencyStore(cfg config.IdempotencyConfig, logger *zap.Logger) (dispatch.IdempotencyStore, func() error, error) {
	noop := func() error { return nil }
	if !cfg.Enabled {
		return nil, noop, nil
	}

	switch cfg.Store.Driver {
	case "redis":
		addr, err := config.EnvValue(cfg.Store.AddrEnv)
		if err != nil {
			return nil, nil, err
		}
		client := redis.NewClient(&redis.Options{Addr: addr, DB: cfg.Store.DB})
		logger.Info("using redis idempotency store", zap.Int("db", cfg.Store.DB))
		return dispatch.NewRedisIdempotencyStore(client), client.Close, nil
	default:
		logger.Info("using in-memory idempotency store")
		return dispatch.NewMemoryIdempotencyStore(clock.WallClock), noop, nil
	}
}

// server is everything serve wires behind the HTTP handler.
type server struct {
	handler http.Handler
	closers []func() error
}

func newServer(ctx context.Context, cfg *config.Config, logger *zap.Logger, metrics *observability.Metrics) (*server, error) {
	cat, err := loadCatalog(ctx, cfg, metrics)
	if err != nil {
		return nil, err
	}
	s := &server{closers: []func() error{cat.Close}}

	fail := func(err error) (*server, error) {
		s.Close(logger)
		return nil, err
	}

	issuer, err := newIssuer(cfg, metrics)
	if err != nil {
		return fail(fmt.Errorf("callback issuer: %w", err))
	}
	resolver, err := newCapabilityResolver(cfg.Capability, metrics)
	if err != nil {
		return fail(fmt.Errorf("capability resolver: %w", err))
	}
	index, err := openapi.NewInvocationIndex(ctx, callback.Path, observability.Version)
	if err != nil {
		return fail(fmt.Errorf("invocation schema: %w", err))
	}

	idem, closeIdem, err := newIdempotencyStore(cfg.Idempotency, logger)
	if err != nil {
		return fail(fmt.Errorf("idempotency store: %w", err))
	}
	s.closers = append(s.closers, closeIdem)

	dispatchOpts := []dispatch.Option{
		dispatch.WithLogger(logger),
		dispatch.WithMetrics(metrics),
	}
	if idem != nil {
		dispatchOpts = append(dispatchOpts, dispatch.WithIdempotencyStore(idem, cfg.Idempotency.Store.DefaultTTL))
	}
	if cfg.RateLimit.Enabled {
		dispatchOpts = append(dispatchOpts, dispatch.WithRateLimiter(
			dispatch.NewSubjectRateLimiter(cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.Burst)))
	}

	sessionKey, err := transport.SessionKey(cfg.Session)
	if err != nil {
		return fail(err)
	}
	auth := transport.NewSessionAuthenticator(cfg.Session, sessionKey)

	readiness := observability.ReadinessChecks{
		TablesRegistered: cat.tables.Len,
		Store:            cat.sources.health,
	}
	if hc, ok := idem.(observability.HealthChecker); ok {
		readiness.IdempotencyStore = hc
	}

	var metricsHandler http.Handler
	if cfg.Observability.Metrics.Enabled {
		metricsHandler = observability.Handler()
	}

	s.handler = transport.NewRouter(transport.Dependencies{
		Config:         cfg,
		Logger:         logger,
		Authenticate:   auth.Middleware,
		Capabilities:   resolver,
		Tables:         cat.tables,
		Renderer:       query.NewAssembler(issuer, query.WithLogger(logger), query.WithMetrics(metrics)),
		Invoker:        dispatch.NewDispatcher(issuer, cat.tables, index, dispatchOpts...),
		Schema:         index.Document(),
		Metrics:        metrics,
		MetricsHandler: metricsHandler,
		Readiness:      readiness,
	})

	logger.Info("tables registered",
		zap.Int("tables", cat.tables.Len()),
		zap.String("checksum", cat.tables.Checksum()),
	)
	return s, nil
}

// Close releases stores in reverse order of acquisition.
func (s *server) Close(logger *zap.Logger) {
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			logger.Error("closing store", zap.Error(err))
		}
	}
}
