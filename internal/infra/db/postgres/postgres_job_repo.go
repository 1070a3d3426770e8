package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"

	"llm-dispatch/internal/domain"
	"llm-dispatch/internal/domain/model"
	"llm-dispatch/internal/domain/ports/repository"
)

var _ repository.JobRepository = (*jobRepo)(nil)

const jobColumns = `id, customer_id, user_id, feature_slug, provider_id, prompt, system_prompt, input,
  status, retry_count, max_retries, idempotency_key, provider_request_id, result, error, last_error,
  next_attempt_at, created_at, updated_at, started_at, completed_at, cancelled_at`

// Recorded on jobs the reaper pulls back from a dead worker or from a
// provider that never called back.
const (
	reclaimedRunning = "worker stopped responding while the job was running"
	reclaimedWaiting = "provider did not deliver a result before the timeout"
)

type jobRepo struct {
	pool *pgxpool.Pool
}

func NewJobRepo(pool *pgxpool.Pool) *jobRepo {
	return &jobRepo{pool: pool}
}

func (r *jobRepo) Create(ctx context.Context, tx repository.Tx, job *model.Job) (*model.Job, bool, error) {
	const q = `
INSERT INTO llm_jobs (id, customer_id, user_id, feature_slug, provider_id, prompt, system_prompt, input,
  status, retry_count, max_retries, idempotency_key, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, 0, $10, $11, $12, $12)
ON CONFLICT (customer_id, idempotency_key) WHERE idempotency_key IS NOT NULL DO NOTHING
RETURNING ` + jobColumns

	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now().UTC()
	}
	row, err := pickRow(ctx, r.pool, tx, q,
		job.ID, job.CustomerID, nullString(job.UserID), nullString(job.FeatureSlug), job.ProviderID,
		job.Prompt, nullString(job.SystemPrompt), jsonArg(job.Input), string(model.JobStatusQueued),
		job.MaxRetries, nullString(job.IdempotencyKey), job.CreatedAt)
	if err != nil {
		return nil, false, err
	}
	stored, err := scanJob(row)
	if errors.Is(err, domain.ErrNotFound) && job.IdempotencyKey != "" {
		existing, ferr := r.FindByIdempotencyKey(ctx, tx, job.CustomerID, job.IdempotencyKey)
		return existing, false, ferr
	}
	if err != nil {
		return nil, false, err
	}
	return stored, true, nil
}

func (r *jobRepo) FindByID(ctx context.Context, tx repository.Tx, id string) (*model.Job, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, domain.ErrNotFound
	}
	row, err := pickRow(ctx, r.pool, tx, `SELECT `+jobColumns+` FROM llm_jobs WHERE id = $1`, id)
	if err != nil {
		return nil, err
	}
	return scanJob(row)
}

func (r *jobRepo) FindByIdempotencyKey(ctx context.Context, tx repository.Tx, customerID, key string) (*model.Job, error) {
	const q = `SELECT ` + jobColumns + ` FROM llm_jobs WHERE customer_id = $1 AND idempotency_key = $2`
	row, err := pickRow(ctx, r.pool, tx, q, customerID, key)
	if err != nil {
		return nil, err
	}
	return scanJob(row)
}

func (r *jobRepo) Transition(ctx context.Context, tx repository.Tx, id string, t model.Transition) (*model.Job, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, domain.ErrNotFound
	}
	const q = `
UPDATE llm_jobs SET
  status = $2,
  updated_at = now(),
  retry_count = COALESCE($3, retry_count),
  next_attempt_at = $4,
  provider_request_id = COALESCE($5, provider_request_id),
  result = $6,
  error = $7,
  last_error = CASE WHEN $2 = 'retrying' THEN $8 ELSE last_error END,
  started_at = CASE WHEN $2 = 'running' THEN COALESCE(started_at, now()) ELSE started_at END,
  completed_at = CASE WHEN $2 IN ('completed', 'error', 'exhausted') THEN now() ELSE completed_at END,
  cancelled_at = CASE WHEN $2 = 'cancelled' THEN now() ELSE cancelled_at END
WHERE id = $1 AND status = ANY($9)
RETURNING ` + jobColumns

	from := make([]string, len(t.From))
	for i, s := range t.From {
		from[i] = string(s)
	}
	result, errText := t.Outcome()
	row, err := pickRow(ctx, r.pool, tx, q,
		id, string(t.To), t.RetryCount, t.NextAttemptAt, nullString(t.ProviderRequestID),
		jsonArg(result), nullString(errText), nullString(t.Error), from)
	if err != nil {
		return nil, err
	}
	job, err := scanJob(row)
	if !errors.Is(err, domain.ErrNotFound) {
		return job, err
	}

	// guard missed: tell unknown ids apart from status conflicts
	row, err = pickRow(ctx, r.pool, tx, `SELECT status FROM llm_jobs WHERE id = $1`, id)
	if err != nil {
		return nil, err
	}
	var status string
	if err := row.Scan(&status); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, domain.ErrReadDatabaseRow
	}
	return nil, &domain.ConflictError{JobID: id, Status: status}
}

func (r *jobRepo) ClaimQueued(ctx context.Context, limit int) ([]*model.Job, error) {
	if limit <= 0 {
		limit = 1
	}
	const q = `
UPDATE llm_jobs SET
  status = 'running',
  started_at = COALESCE(started_at, now()),
  next_attempt_at = NULL,
  updated_at = now()
WHERE status IN ('queued', 'retrying') AND id IN (
  SELECT id FROM llm_jobs
  WHERE status = 'queued'
     OR (status = 'retrying' AND (next_attempt_at IS NULL OR next_attempt_at <= now()))
  ORDER BY created_at
  LIMIT $1
  FOR UPDATE SKIP LOCKED
)
RETURNING ` + jobColumns

	rows, err := queryRows(ctx, r.pool, nil, q, limit)
	if err != nil {
		return nil, fmt.Errorf("claim jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*model.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("claim jobs: %w", err)
	}
	return jobs, nil
}

func (r *jobRepo) ReclaimStale(ctx context.Context, cutoff time.Time) (int, error) {
	const q = `
UPDATE llm_jobs j SET
  retry_count = j.retry_count + 1,
  status = CASE WHEN j.retry_count + 1 < j.max_retries THEN 'retrying' ELSE 'exhausted' END,
  next_attempt_at = CASE WHEN j.retry_count + 1 < j.max_retries THEN now() ELSE NULL END,
  error = CASE WHEN j.retry_count + 1 < j.max_retries THEN NULL
               WHEN j.status = 'running' THEN $2::text ELSE $3::text END,
  completed_at = CASE WHEN j.retry_count + 1 < j.max_retries THEN NULL ELSE now() END,
  last_error = CASE WHEN j.status = 'running' THEN $2::text ELSE $3::text END,
  updated_at = now()
FROM llm_providers p
WHERE p.id = j.provider_id
  AND ((j.status = 'running' AND j.updated_at < $1::timestamptz)
    OR (j.status = 'waiting_llm' AND j.updated_at < $1::timestamptz - make_interval(secs => p.timeout_seconds)))`

	tag, err := execSQL(ctx, r.pool, nil, q, cutoff, reclaimedRunning, reclaimedWaiting)
	if err != nil {
		return 0, fmt.Errorf("reclaim stale jobs: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func scanJob(row pgx.Row) (*model.Job, error) {
	var (
		j                                                 model.Job
		userID, featureSlug, systemPrompt, idemKey, reqID *string
		errText, lastErr                                  *string
		input, result                                     []byte
		status                                            string
	)
	err := row.Scan(
		&j.ID, &j.CustomerID, &userID, &featureSlug, &j.ProviderID, &j.Prompt, &systemPrompt, &input,
		&status, &j.RetryCount, &j.MaxRetries, &idemKey, &reqID, &result, &errText, &lastErr,
		&j.NextAttemptAt, &j.CreatedAt, &j.UpdatedAt, &j.StartedAt, &j.CompletedAt, &j.CancelledAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("%w: %v", domain.ErrReadDatabaseRow, err)
	}
	j.Status = model.JobStatus(status)
	j.UserID = deref(userID)
	j.FeatureSlug = deref(featureSlug)
	j.SystemPrompt = deref(systemPrompt)
	j.IdempotencyKey = deref(idemKey)
	j.ProviderRequestID = deref(reqID)
	j.Error = deref(errText)
	j.LastError = deref(lastErr)
	if len(input) > 0 {
		j.Input = json.RawMessage(input)
	}
	if len(result) > 0 {
		j.Result = json.RawMessage(result)
	}
	return &j, nil
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// jsonArg keeps empty payloads as SQL NULL instead of the JSON literal null.
func jsonArg(raw json.RawMessage) interface{} {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}
