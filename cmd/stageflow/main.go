// Package main is the entry point for the stageflow workflow engine server.
// It wires all dependencies together and starts the HTTP server.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/attestia/stageflow/internal/actors"
	"github.com/attestia/stageflow/internal/config"
	"github.com/attestia/stageflow/internal/dispatch"
	"github.com/attestia/stageflow/internal/engine"
	"github.com/attestia/stageflow/internal/entity"
	"github.com/attestia/stageflow/internal/observability"
	"github.com/attestia/stageflow/internal/scheduler"
	"github.com/attestia/stageflow/internal/template"
	"github.com/attestia/stageflow/internal/transport"
	"github.com/attestia/stageflow/model"
)

// Build-time variables set via ldflags:
//
//	go build -ldflags "-X main.version=1.0.0 -X main.commit=abc1234"
var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "config.yaml", "path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return 1
	}

	observability.Version = version
	observability.Commit = commit

	logger, err := observability.NewLogger(cfg.Observability)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger error: %v\n", err)
		return 1
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	tracingShutdown, err := observability.InitTracing(ctx, cfg.Observability.Tracing, "stageflow", version)
	if err != nil {
		logger.Error("tracing initialization failed", zap.Error(err))
		return 1
	}

	metrics := observability.InitMetrics(prometheus.DefaultRegisterer)

	// Stores: either both in memory or both on the same Postgres pool.
	templateStore, instanceStore, readiness, closeStores, err := buildStores(ctx, cfg.Store, logger)
	if err != nil {
		logger.Error("store initialization failed", zap.Error(err))
		return 1
	}

	// Collaborators.
	actorResolver, err := buildActorResolver(cfg.Actors)
	if err != nil {
		logger.Error("actor resolver initialization failed", zap.Error(err))
		return 1
	}
	dispatcher := buildDispatcher(cfg.Dispatch, logger, metrics)
	lookup := buildEntityLookup(cfg.EntityContext)

	// Core services.
	validator := template.NewValidator()
	templates := template.NewService(templateStore, validator, instanceStore)
	eng := engine.New(templateStore, instanceStore, lookup, dispatcher, actorResolver, logger, metrics)

	// Seed templates.
	if cfg.Templates.SeedDirectory != "" {
		seedLoader := template.NewLoader(templates, logger)
		loaded, err := seedLoader.LoadDirectory(ctx, cfg.Templates.SeedDirectory, cfg.Templates.SeedTenant, cfg.Templates.ActivateOnLoad)
		if err != nil {
			logger.Error("seed template loading failed", zap.Error(err))
			return 1
		}
		metrics.SetTemplatesLoaded(float64(loaded))
	}

	router := transport.NewRouter(transport.Dependencies{
		Config:       cfg,
		Authenticate: transport.JWTAuthenticator(cfg.Identity, transport.NewJWKSClient(cfg.Identity.JWKSURL, cfg.Identity.JWKSCacheTTL)),
		Templates:    templates,
		Engine:       eng,
		Metrics:      metrics,
		Readiness:    readiness,
		Logger:       logger,
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// Background SLA sweep.
	bgCtx, bgCancel := context.WithCancel(ctx)
	defer bgCancel()
	if cfg.Scheduler.Enabled {
		sched := scheduler.New(eng, cfg.Scheduler.Interval, logger, metrics)
		go sched.Run(bgCtx)
	}

	logger.Info("server started",
		zap.Int("port", cfg.Server.Port),
		zap.String("version", version),
		zap.String("commit", commit),
		zap.String("store_driver", cfg.Store.Driver),
	)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown initiated")
	case err := <-errCh:
		logger.Error("server error", zap.Error(err))
		return 1
	}

	shutdownTimeout := cfg.Server.ShutdownTimeout
	if shutdownTimeout == 0 {
		shutdownTimeout = 30 * time.Second
	}
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	// Stop accepting new connections and drain in-flight requests.
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", zap.Error(err))
	}

	// Cancel the scheduler before closing the store it sweeps.
	bgCancel()

	if closeStores != nil {
		closeStores()
	}

	if err := tracingShutdown(shutdownCtx); err != nil {
		logger.Error("tracing shutdown error", zap.Error(err))
	}

	logger.Info("shutdown complete")
	return 0
}

// buildStores creates the template and instance stores on a shared driver.
func buildStores(ctx context.Context, cfg config.StoreConfig, logger *zap.Logger) (template.Store, engine.InstanceStore, observability.ReadinessChecks, func(), error) {
	switch cfg.Driver {
	case "memory":
		logger.Info("using in-memory stores")
		return template.NewMemoryStore(), engine.NewMemoryInstanceStore(), observability.ReadinessChecks{}, nil, nil

	case "postgres":
		dsn := os.Getenv(cfg.DSNEnv)
		if dsn == "" {
			return nil, nil, observability.ReadinessChecks{}, nil,
				fmt.Errorf("store: %s environment variable not set", cfg.DSNEnv)
		}

		poolCfg, err := pgxpool.ParseConfig(dsn)
		if err != nil {
			return nil, nil, observability.ReadinessChecks{}, nil, fmt.Errorf("store: parse DSN: %w", err)
		}
		poolCfg.MaxConns = int32(cfg.MaxConns)
		poolCfg.MinConns = int32(cfg.MinConns)
		poolCfg.MaxConnLifetime = cfg.ConnMaxLifetime

		pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
		if err != nil {
			return nil, nil, observability.ReadinessChecks{}, nil, fmt.Errorf("store: connect: %w", err)
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return nil, nil, observability.ReadinessChecks{}, nil, fmt.Errorf("store: ping: %w", err)
		}

		templateStore := template.NewPgStore(pool)
		instanceStore := engine.NewPgInstanceStore(pool)
		readiness := observability.ReadinessChecks{
			TemplateStore: templateStore,
			InstanceStore: instanceStore,
		}
		return templateStore, instanceStore, readiness, pool.Close, nil

	default:
		return nil, nil, observability.ReadinessChecks{}, nil,
			fmt.Errorf("unsupported store driver: %q", cfg.Driver)
	}
}

// buildActorResolver creates the permission resolver based on config.
func buildActorResolver(cfg config.ActorsConfig) (model.ActorResolver, error) {
	switch cfg.Resolver {
	case "static":
		return actors.NewStaticPolicyResolver(cfg.StaticPolicyFile)
	case "allow_all", "":
		return actors.AllowAllResolver{}, nil
	default:
		return nil, fmt.Errorf("unsupported actor resolver: %q", cfg.Resolver)
	}
}

// buildDispatcher creates the action dispatcher based on config.
func buildDispatcher(cfg config.DispatchConfig, logger *zap.Logger, metrics *observability.Metrics) model.ActionDispatcher {
	if cfg.Mode == "webhook" {
		return dispatch.NewWebhookDispatcher(cfg.Endpoints, cfg.DefaultURL, cfg.Timeout, logger, metrics)
	}
	return dispatch.NewLogDispatcher(logger)
}

// buildEntityLookup creates the entity context lookup based on config.
func buildEntityLookup(cfg config.EntityContextConfig) model.EntityContextLookup {
	if cfg.Provider == "http" {
		return entity.NewHTTPLookup(cfg.BaseURL, cfg.Timeout, cfg.CacheTTL)
	}
	return entity.NewStaticLookup()
}
