package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"llm-dispatch/internal/config"
	"llm-dispatch/internal/infra/adapters/llm"
	pg "llm-dispatch/internal/infra/db/postgres"
	"llm-dispatch/internal/infra/logging"
)

func main() {
	cfgPath := flag.String("config", "config.yaml", "path to YAML config file")
	migrate := flag.Bool("migrate", true, "apply migrations before seeding")
	flag.Parse()

	// ---- Config ----
	cfg, err := config.LoadConfig(*cfgPath, false)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	logger := logging.New(cfg.Log, false)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if *migrate {
		if err := pg.Migrate(cfg.Database.URL); err != nil {
			logger.Fatal().Err(err).Msg("migrate")
		}
	}

	// Connect Postgres
	pool, err := pg.NewPgxPool(ctx, cfg.Database, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("postgres")
	}
	defer pool.Close()

	providers := pg.NewProviderRepo(pool)
	if len(cfg.LLM.Providers) == 0 {
		logger.Warn().Msg("llm.providers is empty; nothing to seed")
		return
	}
	for _, seed := range cfg.LLM.Providers {
		p, err := llm.ProviderFromSeed(seed, cfg.LLM)
		if err != nil {
			logger.Fatal().Err(err).Msg("invalid provider entry")
		}
		if err := providers.Upsert(ctx, nil, p); err != nil {
			logger.Fatal().Err(err).Str("slug", seed.Slug).Msg("upsert provider")
		}
		logger.Info().
			Str("slug", p.Slug).
			Str("id", p.ID).
			Str("kind", string(p.Kind)).
			Bool("enabled", p.Enabled).
			Msg("seeded provider")
	}

	if _, err := providers.GetBySlug(ctx, nil, cfg.LLM.DefaultProvider); err != nil {
		logger.Warn().Str("slug", cfg.LLM.DefaultProvider).Msg("default provider is not seeded")
	}
	logger.Info().Int("count", len(cfg.LLM.Providers)).Msg("seeding complete")
}
