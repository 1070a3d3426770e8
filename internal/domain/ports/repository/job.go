package repository

import (
	"context"
	"time"

	"llm-dispatch/internal/domain/model"
)

type JobRepository interface {
	// Create inserts a queued job. When the job carries an idempotency key that
	// already exists for the customer, the stored job is returned with created=false.
	Create(ctx context.Context, tx Tx, job *model.Job) (stored *model.Job, created bool, err error)
	FindByID(ctx context.Context, tx Tx, id string) (*model.Job, error)
	FindByIdempotencyKey(ctx context.Context, tx Tx, customerID, key string) (*model.Job, error)

	// Transition applies t only if the job is currently in one of t.From.
	// Returns domain.ErrNotFound for unknown ids and a *domain.ConflictError
	// (wrapping domain.ErrStateConflict) when the guard does not match.
	Transition(ctx context.Context, tx Tx, id string, t model.Transition) (*model.Job, error)

	// ClaimQueued atomically moves up to limit runnable jobs to running.
	// Two concurrent callers never receive the same job.
	ClaimQueued(ctx context.Context, limit int) ([]*model.Job, error)

	// ReclaimStale moves jobs stuck in running since before cutoff, and jobs
	// waiting on a webhook since before cutoff minus their provider's
	// timeout, back to retrying, or to exhausted when their retry ceiling is
	// reached.
	ReclaimStale(ctx context.Context, cutoff time.Time) (int, error)
}
