package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v4/pgxpool"

	"llm-dispatch/internal/domain/model"
	"llm-dispatch/internal/domain/ports/repository"
)

var _ repository.RateLimitRepository = (*rateLimitRepo)(nil)

// rateLimitRepo calls the rate-limit procedures. Defaults only apply when a
// customer has no window row yet; existing rows keep their own quota.
type rateLimitRepo struct {
	pool          *pgxpool.Pool
	defaultQuota  int
	windowSeconds int
}

func NewRateLimitRepo(pool *pgxpool.Pool, defaultQuota int, window time.Duration) *rateLimitRepo {
	return &rateLimitRepo{pool: pool, defaultQuota: defaultQuota, windowSeconds: int(window.Seconds())}
}

func (r *rateLimitRepo) Increment(ctx context.Context, tx repository.Tx, customerID string) (*model.RateLimitUsage, error) {
	return r.call(ctx, tx, `SELECT allowed, used, quota, reset_at FROM llm_increment_rate_limit($1, $2, $3)`, customerID)
}

func (r *rateLimitRepo) Check(ctx context.Context, tx repository.Tx, customerID string) (*model.RateLimitUsage, error) {
	return r.call(ctx, tx, `SELECT allowed, used, quota, reset_at FROM llm_check_rate_limit($1, $2, $3)`, customerID)
}

func (r *rateLimitRepo) call(ctx context.Context, tx repository.Tx, q, customerID string) (*model.RateLimitUsage, error) {
	row, err := pickRow(ctx, r.pool, tx, q, customerID, r.defaultQuota, r.windowSeconds)
	if err != nil {
		return nil, err
	}
	u := &model.RateLimitUsage{CustomerID: customerID}
	if err := row.Scan(&u.Allowed, &u.Used, &u.Quota, &u.ResetAt); err != nil {
		return nil, fmt.Errorf("rate limit: %w", err)
	}
	return u, nil
}
