package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"github.com/platinummonkey/entitlements/pkg/api"
	"github.com/platinummonkey/entitlements/pkg/billing"
	"github.com/platinummonkey/entitlements/pkg/config"
	"github.com/platinummonkey/entitlements/pkg/gate"
	"github.com/platinummonkey/entitlements/pkg/jobs"
	"github.com/platinummonkey/entitlements/pkg/middleware"
	"github.com/platinummonkey/entitlements/pkg/observability"
	"github.com/platinummonkey/entitlements/pkg/orgs"
	"github.com/platinummonkey/entitlements/pkg/plans"
	"github.com/platinummonkey/entitlements/pkg/storage/postgres"
	"github.com/platinummonkey/entitlements/pkg/usage"
)

var version = "dev"

var (
	runJob      = flag.String("run-job", "", "Run one reconciliation job (purge_invitations or subscription_rollover) and exit")
	migrateOnly = flag.Bool("migrate-only", false, "Apply migrations, seed the plan catalog and exit")
)

func main() {
	flag.Parse()

	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "entitlementd: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return err
	}

	logger := observability.NewLogger(cfg.Observability.LogLevel, os.Stdout).
		WithField("service", "entitlementd")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	otelCfg := cfg.Observability.OTel()
	if otelCfg.ServiceVersion == "" {
		otelCfg.ServiceVersion = version
	}
	providers, err := observability.InitOTel(ctx, otelCfg, logger)
	if err != nil {
		return err
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := observability.NewMetrics(registry)
	otelMetrics, err := observability.NewOTelMetrics()
	if err != nil {
		return err
	}

	db, err := postgres.NewConnectionManager(cfg.Database.Connection(), logger)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	catalog := plans.DefaultCatalog()
	if cfg.Plans.File != "" {
		if err := catalog.LoadFile(cfg.Plans.File); err != nil {
			db.Close()
			return fmt.Errorf("failed to load plan file: %w", err)
		}
	}

	if cfg.Database.AutoMigrate || *migrateOnly {
		if err := migrate(ctx, db, catalog, logger); err != nil {
			db.Close()
			return err
		}
	}
	if *migrateOnly {
		return db.Close()
	}

	var redisClient *postgres.RedisClient
	if cfg.Redis.Enabled() {
		redisClient, err = postgres.NewRedisClient(cfg.Redis.Client())
		if err != nil {
			db.Close()
			return fmt.Errorf("failed to connect to redis: %w", err)
		}
		logger.Info("connected to redis")
	}

	members := orgs.NewPostgresService(db.Primary(),
		orgs.WithInvitationTTL(cfg.Invitations.TTL),
		orgs.WithReadDB(db),
		orgs.WithLogger(logger),
	)
	subscriptions := billing.NewPostgresService(db.Primary(), catalog,
		billing.WithLogger(logger),
	)

	counter, err := newCounter(cfg, db, redisClient)
	if err != nil {
		closeStores(db, redisClient)
		return err
	}
	meter := usage.NewMeter(counter, subscriptions, catalog,
		usage.WithLogger(logger),
		usage.WithMetrics(metrics),
		usage.WithOTelMetrics(otelMetrics),
	)

	engine := gate.New(gate.Dependencies{
		Members:       members,
		Invitations:   members,
		Subscriptions: subscriptions,
		Meter:         meter,
		Catalog:       catalog,
	},
		gate.WithLogger(logger),
		gate.WithMetrics(metrics),
		gate.WithOTelMetrics(otelMetrics),
	)

	scheduler, err := jobs.New(jobs.Config{
		PurgeSchedule:    cfg.Jobs.PurgeSchedule,
		RolloverSchedule: cfg.Jobs.RolloverSchedule,
		Retention:        cfg.Invitations.Retention,
	}, members, subscriptions, jobs.WithLogger(logger), jobs.WithMetrics(metrics))
	if err != nil {
		closeStores(db, redisClient)
		return err
	}

	if *runJob != "" {
		err := runOnce(ctx, scheduler, *runJob)
		closeStores(db, redisClient)
		return errors.Join(err, observability.ShutdownOTel(context.Background(), providers, logger))
	}

	var serverOpts []api.Option
	serverOpts = append(serverOpts,
		api.WithLogger(logger),
		api.WithMaxBodyBytes(cfg.Server.MaxBodyBytes),
		api.WithHealthChecker(newHealthChecker(cfg, db, redisClient)),
	)
	if cfg.Observability.MetricsEnabled {
		serverOpts = append(serverOpts, api.WithMetrics(metrics), api.WithMetricsEndpoint(registry))
	}
	if cfg.RateLimit.Enabled {
		serverOpts = append(serverOpts, api.WithRateLimit(newRateLimit(ctx, cfg, redisClient, logger)))
	}
	server := api.NewServer(engine, serverOpts...)

	httpServer := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      server.Handler(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	shutdown := observability.NewShutdownManager(logger, httpServer, cfg.Server.ShutdownTimeout)
	shutdown.Register("otel", func(ctx context.Context) error {
		return observability.ShutdownOTel(ctx, providers, logger)
	})
	shutdown.Register("database", func(context.Context) error {
		return db.Close()
	})
	if redisClient != nil {
		shutdown.Register("redis", func(context.Context) error {
			return redisClient.Close()
		})
	}

	g, gctx := errgroup.WithContext(ctx)

	db.StartHealthCheckRoutine(gctx, 30*time.Second)
	g.Go(func() error {
		reportDBStats(gctx, db, metrics, 15*time.Second)
		return nil
	})

	if cfg.Plans.File != "" && cfg.Plans.Watch {
		watcher, err := plans.NewWatcher(catalog, cfg.Plans.File, logger)
		if err != nil {
			logger.WithError(err).Warn("plan file watch disabled")
		} else {
			watcher.OnReload(metrics.RecordCatalogReload)
			g.Go(func() error {
				return watcher.Run(gctx)
			})
		}
	}

	if cfg.Jobs.Enabled {
		scheduler.Start()
		shutdown.Register("jobs", scheduler.Stop)
	}

	g.Go(func() error {
		logger.WithFields(map[string]interface{}{
			"addr":    httpServer.Addr,
			"version": version,
		}).Info("entitlementd listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		return shutdown.WaitForShutdown(gctx)
	})

	return g.Wait()
}

func migrate(ctx context.Context, db *postgres.ConnectionManager, catalog *plans.Catalog, logger *observability.Logger) error {
	if err := postgres.RunMigrations(ctx, db.Primary(), logger); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	if err := postgres.SeedPlans(ctx, db.Primary(), catalog.List()); err != nil {
		return fmt.Errorf("failed to seed plans: %w", err)
	}
	return nil
}

func runOnce(ctx context.Context, scheduler *jobs.Scheduler, name string) error {
	switch name {
	case jobs.JobPurgeInvitations:
		return scheduler.RunPurge(ctx)
	case jobs.JobRollover:
		return scheduler.RunRollover(ctx)
	default:
		return fmt.Errorf("unknown job %q", name)
	}
}

// newCounter picks the usage counter backend. Config validation guarantees
// a redis client exists when the redis backend is selected.
func newCounter(cfg *config.Config, db *postgres.ConnectionManager, redisClient *postgres.RedisClient) (usage.Counter, error) {
	switch cfg.Usage.CounterBackend {
	case config.CounterBackendPostgres:
		return usage.NewPostgresCounter(db.Primary()), nil
	case config.CounterBackendRedis:
		if redisClient == nil {
			return nil, errors.New("redis usage counter requires a redis connection")
		}
		return usage.NewRedisCounter(redisClient.GetClient(), cfg.Usage.RedisKeyPrefix).
			WithGrace(cfg.Usage.RedisGrace), nil
	default:
		return nil, fmt.Errorf("unknown usage counter backend %q", cfg.Usage.CounterBackend)
	}
}

func newRateLimit(ctx context.Context, cfg *config.Config, redisClient *postgres.RedisClient, logger *observability.Logger) *middleware.RateLimitMiddleware {
	if cfg.RateLimit.Backend == config.RateLimitBackendRedis && redisClient != nil {
		return middleware.NewDistributedRateLimitMiddleware(redisClient.GetClient(), logger)
	}

	user := middleware.NewRateLimiter(middleware.PerUserRateLimitConfig())
	anon := middleware.NewRateLimiter(middleware.DefaultRateLimitConfig())
	user.StartCleanup(ctx)
	anon.StartCleanup(ctx)
	return middleware.NewRateLimitMiddleware(user, anon, logger, true)
}

func newHealthChecker(cfg *config.Config, db *postgres.ConnectionManager, redisClient *postgres.RedisClient) *observability.HealthChecker {
	opts := []observability.HealthOption{observability.WithVersion(version)}
	if redisClient == nil {
		return observability.NewHealthChecker(db.Primary(), nil, opts...)
	}
	opts = append(opts, observability.WithRedisRequired(cfg.Usage.CounterBackend == config.CounterBackendRedis))
	return observability.NewHealthChecker(db.Primary(), redisClient.GetClient(), opts...)
}

func reportDBStats(ctx context.Context, db *postgres.ConnectionManager, metrics *observability.Metrics, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			metrics.UpdateDBStats(db.Stats().Primary)
		}
	}
}

func closeStores(db *postgres.ConnectionManager, redisClient *postgres.RedisClient) {
	if redisClient != nil {
		redisClient.Close()
	}
	db.Close()
}
