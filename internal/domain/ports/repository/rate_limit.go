package repository

import (
	"context"

	"llm-dispatch/internal/domain/model"
)

// RateLimitRepository fronts the two rate-limit procedures. Both are single
// round-trips; Increment is the only place a customer's counter changes.
type RateLimitRepository interface {
	Increment(ctx context.Context, tx Tx, customerID string) (*model.RateLimitUsage, error)
	Check(ctx context.Context, tx Tx, customerID string) (*model.RateLimitUsage, error)
}
