package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/rs/zerolog"

	"llm-dispatch/internal/config"
	"llm-dispatch/internal/infra/metrics"
)

// NewPgxPool connects to Postgres, retrying while the database comes up.
func NewPgxPool(ctx context.Context, cfg config.DatabaseConfig, logger *zerolog.Logger) (*pgxpool.Pool, error) {
	pcfg, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	if cfg.MaxConns > 0 {
		pcfg.MaxConns = cfg.MaxConns
	}
	pcfg.HealthCheckPeriod = 30 * time.Second

	var pool *pgxpool.Pool
	const attempts = 10
	for i := 1; i <= attempts; i++ {
		cctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		pool, err = pgxpool.ConnectConfig(cctx, pcfg)
		if err == nil {
			err = pool.Ping(cctx)
		}
		cancel()
		if err == nil {
			return pool, nil
		}
		if pool != nil {
			pool.Close()
		}
		logger.Warn().Int("attempt", i).Msg("database not ready")
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Duration(i) * 500 * time.Millisecond):
		}
	}
	// the driver error can echo the dsn
	return nil, fmt.Errorf("connect database after %d attempts", attempts)
}

// ReportPoolStats publishes pool gauges until ctx is done.
func ReportPoolStats(ctx context.Context, pool *pgxpool.Pool, every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			s := pool.Stat()
			metrics.SetDBPoolStats(s.TotalConns(), s.IdleConns(), s.AcquiredConns())
		}
	}
}
