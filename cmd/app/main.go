// File: cmd/app/main.go
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/rs/zerolog"

	"llm-dispatch/internal/config"
	"llm-dispatch/internal/domain/model"
	"llm-dispatch/internal/domain/ports/adapter"
	"llm-dispatch/internal/domain/ports/repository"
	"llm-dispatch/internal/infra/adapters/llm"
	"llm-dispatch/internal/infra/api"
	"llm-dispatch/internal/infra/auth"
	"llm-dispatch/internal/infra/db/memory"
	pg "llm-dispatch/internal/infra/db/postgres"
	"llm-dispatch/internal/infra/logging"
	"llm-dispatch/internal/infra/metrics"
	red "llm-dispatch/internal/infra/redis"
	"llm-dispatch/internal/infra/scheduler"
	"llm-dispatch/internal/infra/worker"
	"llm-dispatch/internal/usecase"
)

// set with -ldflags "-X main.version=... -X main.commit=..."
var (
	version = "dev"
	commit  = "none"
)

const (
	roleAll    = "all"
	roleAPI    = "api"
	roleWorker = "worker"
)

// stores bundles the repositories a process runs against.
type stores struct {
	jobs      repository.JobRepository
	providers repository.ProviderRepository
	limits    repository.RateLimitRepository
	replay    adapter.ReplayGuard
	scopes    auth.ScopeFactory
	ready     func(ctx context.Context) error
	close     func()
}

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ---- CLI flags ----
	cfgPath := flag.String("config", "config.yaml", "path to YAML config file")
	devMode := flag.Bool("dev", false, "enable developer mode (in-memory store, echo LLM clients)")
	role := flag.String("role", roleAll, "process role: all, api or worker")
	flag.Parse()

	cfg, err := config.LoadConfig(*cfgPath, *devMode)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	cfg.Runtime.Role = strings.ToLower(*role)
	switch cfg.Runtime.Role {
	case roleAll, roleAPI, roleWorker:
	default:
		fmt.Fprintf(os.Stderr, "unknown role %q\n", *role)
		os.Exit(2)
	}

	logger := logging.New(cfg.Log, cfg.Runtime.Dev)
	logger.Info().Str("version", version).Str("role", cfg.Runtime.Role).Bool("dev", cfg.Runtime.Dev).Msg("starting llm-dispatch")

	metrics.MustRegister()
	metrics.SetBuildInfo(version, commit, cfg.Runtime.Role)

	// ---- Storage ----
	st, err := openStores(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("storage")
	}
	defer st.close()

	// ---- LLM clients ----
	clients, err := llm.NewClientsFromConfig(ctx, cfg.LLM, cfg.Runtime.Dev, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("llm clients")
	}
	registry := llm.NewRegistry(st.providers, clients, cfg.LLM.DefaultProvider)

	// ---- Use cases ----
	backoff := worker.NewBackoff(cfg.Worker.Backoff)
	exec := usecase.NewJobExecutor(st.jobs, registry, backoff.Delay, logger)

	var server *http.Server
	if cfg.Runtime.Role != roleWorker {
		srv := api.NewServer(api.Deps{
			Auth:    auth.NewJWTAuthenticator(cfg.Auth, st.scopes),
			Query:   usecase.NewQueryUseCase(st.jobs, st.limits, registry, exec, logger),
			Cancel:  usecase.NewCancelUseCase(st.jobs, registry, logger),
			Webhook: usecase.NewWebhookUseCase(st.jobs, registry, st.replay, cfg.Webhook.Secrets, cfg.Webhook.Tolerance, logger),
			Jobs:    usecase.NewJobUseCase(st.jobs, st.limits),
			Ready:   st.ready,
			Logger:  logger,
		})
		server = &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
			Handler:      api.NewRouter(srv, cfg.Server, cfg.CORS),
			ReadTimeout:  cfg.Server.ReadTimeout,
			WriteTimeout: cfg.Server.WriteTimeout,
		}
		go func() {
			logger.Info().Str("addr", server.Addr).Msg("http server listening")
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error().Err(err).Msg("http server error")
				cancel()
			}
		}()
	}

	// ---- Worker ----
	var (
		pool   *worker.Pool
		reaper *scheduler.Scheduler
	)
	if cfg.Runtime.Role == roleWorker || (cfg.Runtime.Role == roleAll && cfg.Worker.Enabled) {
		pool = worker.NewPool(cfg.Worker.Concurrency, logger)
		pool.Start(ctx)
		go worker.NewJobProcessor(st.jobs, registry, exec, cfg.Worker, logger).Start(ctx, pool)
		reaper = scheduler.New("reaper", cfg.Worker.ReapInterval, 30*time.Second, worker.NewReaper(st.jobs, cfg.Worker, logger).Sweep, logger)
		reaper.Start(ctx)
	}

	// ---- Graceful shutdown ----
	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)
	select {
	case s := <-sigc:
		logger.Info().Str("signal", s.String()).Msg("shutdown requested")
	case <-ctx.Done():
	}

	shutdownCtx, stop := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer stop()
	if server != nil {
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("http shutdown")
		}
	}
	cancel()
	if reaper != nil {
		reaper.Stop()
	}
	if pool != nil {
		pool.Stop()
	}
	logger.Info().Msg("bye")
}

// openStores wires Postgres and Redis, or in-memory stores when running in
// dev mode without a database url.
func openStores(ctx context.Context, cfg *config.Config, logger *zerolog.Logger) (*stores, error) {
	if cfg.Database.URL == "" {
		return memoryStores(cfg, logger)
	}

	if cfg.Database.Migrate {
		if err := pg.Migrate(cfg.Database.URL); err != nil {
			return nil, fmt.Errorf("migrate: %w", err)
		}
		logger.Info().Msg("migrations applied")
	}
	pool, err := pg.NewPgxPool(ctx, cfg.Database, logger)
	if err != nil {
		return nil, err
	}
	go pg.ReportPoolStats(ctx, pool, 15*time.Second)

	tm := pg.NewTxManager(pool)
	st := &stores{
		jobs:      pg.NewJobRepo(pool),
		providers: pg.NewProviderRepo(pool),
		limits:    pg.NewRateLimitRepo(pool, cfg.RateLimit.DefaultQuota, cfg.RateLimit.Window),
		replay:    memory.NewReplayGuard(nil),
		scopes: func(claims map[string]any, _ *model.User) (repository.Scope, error) {
			return pg.NewClaimsScope(tm, claims)
		},
		ready: pingPool(pool),
		close: pool.Close,
	}

	if cfg.Redis.URL == "" {
		logger.Warn().Msg("redis.url not set; webhook replay guard is process-local")
		return st, nil
	}
	rc, err := red.NewClient(ctx, &cfg.Redis)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("redis: %w", err)
	}
	st.providers = pg.NewProviderRepoCacheDecorator(st.providers, rc, cfg.Redis.TTL, logger)
	st.replay = red.NewReplayGuard(rc)
	st.ready = func(ctx context.Context) error {
		if err := pool.Ping(ctx); err != nil {
			return err
		}
		return rc.Ping(ctx)
	}
	st.close = func() {
		_ = rc.Close()
		pool.Close()
	}
	return st, nil
}

func memoryStores(cfg *config.Config, logger *zerolog.Logger) (*stores, error) {
	logger.Warn().Msg("database.url not set; using in-memory store")
	providers := memory.NewProviderRepo()
	for _, seed := range cfg.LLM.Providers {
		p, err := llm.ProviderFromSeed(seed, cfg.LLM)
		if err != nil {
			return nil, err
		}
		if err := providers.Upsert(context.Background(), nil, p); err != nil {
			return nil, fmt.Errorf("provider %s: %w", seed.Slug, err)
		}
	}
	return &stores{
		jobs:      memory.NewJobRepo(nil).WithProviders(providers),
		providers: providers,
		limits:    memory.NewRateLimitRepo(cfg.RateLimit.DefaultQuota, cfg.RateLimit.Window, nil),
		replay:    memory.NewReplayGuard(nil),
		scopes: func(_ map[string]any, u *model.User) (repository.Scope, error) {
			return memory.NewScope(u.CustomerID), nil
		},
		close: func() {},
	}, nil
}

func pingPool(pool *pgxpool.Pool) func(ctx context.Context) error {
	return func(ctx context.Context) error { return pool.Ping(ctx) }
}
