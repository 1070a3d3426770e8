package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"

	"llm-dispatch/internal/domain"
	"llm-dispatch/internal/domain/model"
	"llm-dispatch/internal/domain/ports/repository"
)

var _ repository.ProviderRepository = (*providerRepo)(nil)

const providerColumns = `id, slug, kind, name, timeout_seconds, max_retries, config, enabled, created_at, updated_at`

type providerRepo struct {
	pool *pgxpool.Pool
}

func NewProviderRepo(pool *pgxpool.Pool) *providerRepo {
	return &providerRepo{pool: pool}
}

func (r *providerRepo) GetBySlug(ctx context.Context, tx repository.Tx, slug string) (*model.Provider, error) {
	row, err := pickRow(ctx, r.pool, tx, `SELECT `+providerColumns+` FROM llm_providers WHERE slug = $1`, slug)
	if err != nil {
		return nil, err
	}
	return scanProvider(row)
}

func (r *providerRepo) GetByID(ctx context.Context, tx repository.Tx, id string) (*model.Provider, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, domain.ErrNotFound
	}
	row, err := pickRow(ctx, r.pool, tx, `SELECT `+providerColumns+` FROM llm_providers WHERE id = $1`, id)
	if err != nil {
		return nil, err
	}
	return scanProvider(row)
}

func (r *providerRepo) ListEnabled(ctx context.Context, tx repository.Tx) ([]*model.Provider, error) {
	rows, err := queryRows(ctx, r.pool, tx, `SELECT `+providerColumns+` FROM llm_providers WHERE enabled ORDER BY slug`)
	if err != nil {
		return nil, fmt.Errorf("list providers: %w", err)
	}
	defer rows.Close()

	var out []*model.Provider
	for rows.Next() {
		p, err := scanProvider(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (r *providerRepo) Upsert(ctx context.Context, tx repository.Tx, p *model.Provider) error {
	if !p.Kind.Valid() {
		return domain.ErrUnsupportedKind
	}
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	cfg := p.Config
	if len(cfg) == 0 {
		cfg = json.RawMessage(`{}`)
	}
	const q = `
INSERT INTO llm_providers (id, slug, kind, name, timeout_seconds, max_retries, config, enabled)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
ON CONFLICT (slug) DO UPDATE SET
  kind = EXCLUDED.kind,
  name = EXCLUDED.name,
  timeout_seconds = EXCLUDED.timeout_seconds,
  max_retries = EXCLUDED.max_retries,
  config = EXCLUDED.config,
  enabled = EXCLUDED.enabled,
  updated_at = now()
RETURNING id, created_at, updated_at`

	row, err := pickRow(ctx, r.pool, tx, q,
		p.ID, p.Slug, string(p.Kind), p.Name, p.TimeoutSeconds, p.MaxRetries, []byte(cfg), p.Enabled)
	if err != nil {
		return err
	}
	if err := row.Scan(&p.ID, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return fmt.Errorf("%w: upsert provider: %v", domain.ErrOperationFailed, err)
	}
	return nil
}

func scanProvider(row pgx.Row) (*model.Provider, error) {
	var (
		p    model.Provider
		kind string
		cfg  []byte
	)
	err := row.Scan(&p.ID, &p.Slug, &kind, &p.Name, &p.TimeoutSeconds, &p.MaxRetries, &cfg, &p.Enabled,
		&p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("%w: %v", domain.ErrReadDatabaseRow, err)
	}
	p.Kind = model.ProviderKind(kind)
	p.Config = json.RawMessage(cfg)
	return &p, nil
}
