package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/pitabwire/watchtower/internal/audit"
	"github.com/pitabwire/watchtower/internal/backend"
	"github.com/pitabwire/watchtower/internal/capability"
	"github.com/pitabwire/watchtower/internal/config"
	"github.com/pitabwire/watchtower/internal/controllers"
	"github.com/pitabwire/watchtower/internal/observability"
	"github.com/pitabwire/watchtower/internal/pipeline"
	"github.com/pitabwire/watchtower/internal/prefs"
	"github.com/pitabwire/watchtower/internal/session"
	"github.com/pitabwire/watchtower/internal/transport"
	"github.com/pitabwire/watchtower/internal/validate"
	"github.com/pitabwire/watchtower/model"
)

type healthyBackend interface {
	model.Backend
	observability.HealthChecker
}

type flashStore interface {
	model.FlashStore
	observability.HealthChecker
}

type preferenceStore interface {
	model.PreferenceStore
	observability.HealthChecker
}

type idempotencyStore interface {
	pipeline.IdempotencyStore
	observability.HealthChecker
}

// closers collects shutdown hooks in creation order.
type closers []func()

func (c *closers) add(fn func()) { *c = append(*c, fn) }

func (c closers) run() {
	for i := len(c) - 1; i >= 0; i-- {
		c[i]()
	}
}

func serve(ctx context.Context, cfg *config.Config) error {
	logger, err := observability.NewLogger(cfg.Observability)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer logger.Sync()

	tracingShutdown, err := observability.InitTracing(ctx, cfg.Observability.Tracing, "watchtower-console", version)
	if err != nil {
		return fmt.Errorf("tracing: %w", err)
	}

	metrics := observability.InitMetrics(prometheus.DefaultRegisterer)

	var cleanup closers
	defer cleanup.run()

	back, err := buildBackend(ctx, cfg.Backend, metrics, logger, &cleanup)
	if err != nil {
		return err
	}
	flash, err := buildFlashStore(cfg.Session, logger, &cleanup)
	if err != nil {
		return err
	}
	preferences, err := buildPreferenceStore(cfg.Preferences, logger, &cleanup)
	if err != nil {
		return err
	}
	idempotency, err := buildIdempotencyStore(cfg.Idempotency, logger, &cleanup)
	if err != nil {
		return err
	}
	capResolver, err := buildCapabilityResolver(cfg.Capability, metrics)
	if err != nil {
		return err
	}
	csrf, err := session.NewCSRF(cfg.Session.CSRFSecret)
	if err != nil {
		return fmt.Errorf("csrf: %w", err)
	}

	validator := validate.NewValidator(logger)
	actions, err := controllers.NewRegistry(controllers.Deps{
		Validator:    validator,
		Audit:        audit.NewRecorder(logger),
		Capabilities: capResolver,
	})
	if err != nil {
		return fmt.Errorf("controllers: %w", err)
	}

	views, err := transport.NewViews(nil)
	if err != nil {
		return fmt.Errorf("views: %w", err)
	}

	services := &pipeline.Services{
		Validator:      validator,
		CSRF:           csrf,
		IdempotencyTTL: cfg.Idempotency.Store.DefaultTTL,
		Metrics:        metrics,
		Logger:         logger,
	}
	readiness := observability.ReadinessChecks{
		Backend:         back,
		FlashStore:      flash,
		PreferenceStore: preferences,
	}
	if idempotency != nil {
		services.Idempotency = idempotency
		readiness.IdempotencyStore = idempotency
	}

	console := transport.NewConsole(transport.ConsoleDeps{
		Actions:     actions,
		Services:    services,
		Backend:     back,
		Preferences: preferences,
		Flash:       flash,
		Views:       views,
		CSRF:        csrf,
		Logger:      logger,
	})

	router := transport.NewRouter(transport.Dependencies{
		Config:             cfg,
		Logger:             logger,
		Authenticate:       transport.JWTAuthenticator(cfg.Identity),
		CapabilityResolver: capResolver,
		Console:            console,
		Metrics:            metrics,
		Readiness:          readiness,
		Build:              observability.BuildInfo{Version: version, Commit: commit},
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	logger.Info("server started",
		zap.Int("port", cfg.Server.Port),
		zap.String("version", version),
		zap.String("commit", commit),
		zap.String("backend", cfg.Backend.Driver),
		zap.Int("actions", actions.Len()),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		reloadPolicies(gctx, capResolver, logger)
		return nil
	})
	if mem, ok := idempotency.(*pipeline.MemoryIdempotencyStore); ok {
		g.Go(func() error {
			sweepIdempotency(gctx, mem, time.Minute)
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutdown initiated")

		shutdownTimeout := cfg.Server.ShutdownTimeout
		if shutdownTimeout == 0 {
			shutdownTimeout = 30 * time.Second
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("HTTP server shutdown error", zap.Error(err))
		}
		if err := tracingShutdown(shutdownCtx); err != nil {
			logger.Error("tracing shutdown error", zap.Error(err))
		}
		return nil
	})

	err = g.Wait()
	logger.Info("shutdown complete")
	return err
}

// reloadPolicies re-reads the capability policy on SIGHUP until ctx ends.
func reloadPolicies(ctx context.Context, resolver *capability.Resolver, logger *zap.Logger) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			if err := resolver.Reload(); err != nil {
				logger.Error("capability policy reload failed", zap.Error(err))
				continue
			}
			logger.Info("capability policy reloaded")
		}
	}
}

// sweepIdempotency drops expired in-memory claims every interval.
func sweepIdempotency(ctx context.Context, store *pipeline.MemoryIdempotencyStore, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			store.Sweep()
		}
	}
}

// buildBackend creates the configured monitoring backend wrapped with
// metrics and tracing.
func buildBackend(ctx context.Context, cfg config.BackendConfig, metrics *observability.Metrics, logger *zap.Logger, cleanup *closers) (healthyBackend, error) {
	var rec backend.Recorder
	if metrics != nil {
		rec = metrics
	}
	switch cfg.Driver {
	case "memory":
		mem := backend.NewMemory()
		if cfg.FixturesFile != "" {
			if err := mem.LoadFixtures(cfg.FixturesFile); err != nil {
				return nil, err
			}
		}
		logger.Warn("using in-memory backend", zap.String("fixtures", cfg.FixturesFile))
		return backend.Instrument(mem, "memory", rec), nil

	case "postgres":
		dsn := os.Getenv(cfg.DSNEnv)
		if dsn == "" {
			return nil, fmt.Errorf("backend: %s environment variable not set", cfg.DSNEnv)
		}
		poolCfg, err := pgxpool.ParseConfig(dsn)
		if err != nil {
			return nil, fmt.Errorf("backend: parse DSN: %w", err)
		}
		if cfg.MaxOpenConns > 0 {
			poolCfg.MaxConns = int32(cfg.MaxOpenConns)
		}
		poolCfg.MaxConnLifetime = cfg.ConnMaxLifetime

		pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
		if err != nil {
			return nil, fmt.Errorf("backend: connect: %w", err)
		}
		cleanup.add(pool.Close)
		if err := pool.Ping(ctx); err != nil {
			return nil, fmt.Errorf("backend: ping: %w", err)
		}
		pg := backend.NewPostgres(pool)
		if err := pg.EnsureSchema(ctx); err != nil {
			return nil, err
		}
		return backend.Instrument(pg, "postgres", rec), nil

	case "rpc":
		breaker := backend.NewCircuitBreaker(
			cfg.CircuitBreaker.FailureThreshold,
			cfg.CircuitBreaker.SuccessThreshold,
			cfg.CircuitBreaker.Timeout,
			backend.WithStateListener(func(s backend.BreakerState) {
				if metrics != nil {
					metrics.SetBackendCircuitBreakerState("rpc", float64(s))
				}
				logger.Warn("backend circuit breaker changed state", zap.Stringer("state", s))
			}),
		)
		rpc := backend.NewRPC(cfg.URL, os.Getenv(cfg.TokenEnv), cfg.Timeout, breaker)
		return backend.Instrument(rpc, "rpc", rec), nil
	}
	return nil, fmt.Errorf("unsupported backend driver: %q", cfg.Driver)
}

func redisClient(addrEnv string, db int, cleanup *closers) (*redis.Client, error) {
	addr := os.Getenv(addrEnv)
	if addr == "" {
		return nil, fmt.Errorf("redis: %s environment variable not set", addrEnv)
	}
	client := redis.NewClient(&redis.Options{Addr: addr, DB: db})
	cleanup.add(func() { _ = client.Close() })
	return client, nil
}

func buildFlashStore(cfg config.SessionConfig, logger *zap.Logger, cleanup *closers) (flashStore, error) {
	switch cfg.FlashDriver {
	case "memory":
		logger.Info("using in-memory flash store")
		return session.NewMemoryFlashStore(cfg.FlashTTL), nil
	case "redis":
		client, err := redisClient(cfg.RedisAddrEnv, cfg.RedisDB, cleanup)
		if err != nil {
			return nil, fmt.Errorf("flash store: %w", err)
		}
		return session.NewRedisFlashStore(client, cfg.FlashTTL), nil
	}
	return nil, fmt.Errorf("unsupported flash driver: %q", cfg.FlashDriver)
}

func buildPreferenceStore(cfg config.PreferencesConfig, logger *zap.Logger, cleanup *closers) (preferenceStore, error) {
	switch cfg.Driver {
	case "memory":
		logger.Info("using in-memory preference store")
		return prefs.NewMemoryStore(), nil
	case "redis":
		client, err := redisClient(cfg.RedisAddrEnv, cfg.RedisDB, cleanup)
		if err != nil {
			return nil, fmt.Errorf("preference store: %w", err)
		}
		return prefs.NewRedisStore(client), nil
	case "sqlite":
		store, err := prefs.NewSQLiteStore(cfg.Path)
		if err != nil {
			return nil, fmt.Errorf("preference store: %w", err)
		}
		cleanup.add(func() { _ = store.Close() })
		return store, nil
	}
	return nil, fmt.Errorf("unsupported preferences driver: %q", cfg.Driver)
}

// buildIdempotencyStore returns nil when idempotency is disabled.
func buildIdempotencyStore(cfg config.IdempotencyConfig, logger *zap.Logger, cleanup *closers) (idempotencyStore, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	switch cfg.Store.Driver {
	case "memory":
		logger.Info("using in-memory idempotency store")
		return pipeline.NewMemoryIdempotencyStore(), nil
	case "redis":
		client, err := redisClient(cfg.Store.AddrEnv, cfg.Store.DB, cleanup)
		if err != nil {
			return nil, fmt.Errorf("idempotency store: %w", err)
		}
		return pipeline.NewRedisIdempotencyStore(client), nil
	}
	return nil, fmt.Errorf("unsupported idempotency store driver: %q", cfg.Store.Driver)
}

// buildCapabilityResolver creates the resolver over the static policy file.
func buildCapabilityResolver(cfg config.CapabilityConfig, metrics *observability.Metrics) (*capability.Resolver, error) {
	evaluator, err := capability.NewStaticPolicyEvaluator(cfg.StaticPolicyFile)
	if err != nil {
		return nil, fmt.Errorf("static policy: %w", err)
	}
	var opts []capability.ResolverOption
	if metrics != nil {
		opts = append(opts, capability.WithCacheRecorder(metrics))
	}
	return capability.NewResolver(evaluator, cfg.Cache.TTL, opts...), nil
}
