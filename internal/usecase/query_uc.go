package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"llm-dispatch/internal/domain"
	"llm-dispatch/internal/domain/model"
	"llm-dispatch/internal/domain/ports/adapter"
	"llm-dispatch/internal/domain/ports/repository"
	"llm-dispatch/internal/infra/logging"
	"llm-dispatch/internal/infra/metrics"
)

// Compile-time check
var _ QueryUseCase = (*queryUC)(nil)

const (
	ModeSync  = "sync"
	ModeAsync = "async"
)

// QueryInput is a validated /llm-query request.
type QueryInput struct {
	Prompt         string
	SystemPrompt   string
	FeatureSlug    string
	ProviderSlug   string
	Input          json.RawMessage
	Mode           string
	IdempotencyKey string
}

type QueryResult struct {
	Job       *model.Job
	RateLimit *model.RateLimitUsage
	// Replayed is set when an Idempotency-Key matched an existing job.
	Replayed bool
}

type QueryUseCase interface {
	Submit(ctx context.Context, s *adapter.Session, in QueryInput) (*QueryResult, error)
}

type queryUC struct {
	jobs     repository.JobRepository
	limits   repository.RateLimitRepository
	registry ProviderRegistry
	exec     *JobExecutor
	log      *zerolog.Logger
}

func NewQueryUseCase(
	jobs repository.JobRepository,
	limits repository.RateLimitRepository,
	registry ProviderRegistry,
	exec *JobExecutor,
	logger *zerolog.Logger,
) *queryUC {
	return &queryUC{jobs: jobs, limits: limits, registry: registry, exec: exec, log: logger}
}

func (q *queryUC) Submit(ctx context.Context, s *adapter.Session, in QueryInput) (*QueryResult, error) {
	if s == nil || s.User == nil {
		return nil, domain.ErrUnauthorized
	}
	if !s.User.HasCustomer() {
		return nil, domain.ErrNoCustomer
	}
	customerID := s.User.CustomerID
	ctx = logging.WithCustomerID(logging.WithUserID(ctx, s.User.ID), customerID)
	log := logging.With(ctx, q.log)

	var (
		provider *model.Provider
		res      = &QueryResult{}
	)
	err := s.DB.Run(ctx, func(ctx context.Context, tx repository.Tx) error {
		var err error
		provider, err = q.registry.Resolve(ctx, tx, in.ProviderSlug)
		if err != nil {
			return err
		}

		if key := strings.TrimSpace(in.IdempotencyKey); key != "" {
			existing, err := q.jobs.FindByIdempotencyKey(ctx, tx, customerID, key)
			switch {
			case err == nil:
				usage, err := q.limits.Check(ctx, tx, customerID)
				if err != nil {
					return err
				}
				res.Job, res.RateLimit, res.Replayed = existing, usage, true
				return nil
			case !errors.Is(err, domain.ErrNotFound):
				return err
			}
		}

		usage, err := q.limits.Increment(ctx, tx, customerID)
		if err != nil {
			return fmt.Errorf("rate limit: %w", err)
		}
		metrics.IncRateLimit(usage.Allowed)
		if !usage.Allowed {
			return &domain.RateLimitError{Used: usage.Used, Quota: usage.Quota, ResetAt: usage.ResetAt}
		}
		res.RateLimit = usage

		job, err := model.NewJob(customerID, s.User.ID, provider, in.Prompt)
		if err != nil {
			return err
		}
		job.SystemPrompt = in.SystemPrompt
		job.FeatureSlug = in.FeatureSlug
		job.Input = in.Input
		job.IdempotencyKey = strings.TrimSpace(in.IdempotencyKey)

		stored, created, err := q.jobs.Create(ctx, tx, job)
		if err != nil {
			return fmt.Errorf("create job: %w", err)
		}
		res.Job, res.Replayed = stored, !created
		return nil
	})
	if err != nil {
		return nil, err
	}
	if res.Replayed {
		log.Info().Str("job_id", res.Job.ID).Msg("idempotency key matched existing job")
		return res, nil
	}
	metrics.IncJobTransition(string(model.JobStatusQueued), SourceQuery)

	if in.Mode == ModeAsync {
		log.Info().Str("job_id", res.Job.ID).Str("provider", provider.Slug).Msg("job queued")
		return res, nil
	}
	return q.runSync(ctx, res, provider)
}

// runSync claims the job for this request and runs it inline. The claim does
// not observe the request context, so a job is never left queued for the
// worker after its caller went away.
func (q *queryUC) runSync(ctx context.Context, res *QueryResult, p *model.Provider) (*QueryResult, error) {
	running, err := q.jobs.Transition(context.WithoutCancel(ctx), nil, res.Job.ID, model.ToRunning())
	if err != nil {
		if errors.Is(err, domain.ErrStateConflict) {
			return nil, domain.ErrJobCancelled
		}
		return nil, fmt.Errorf("start job: %w", err)
	}
	metrics.IncJobTransition(string(model.JobStatusRunning), SourceQuery)

	done, err := q.exec.Execute(ctx, running, p, SourceQuery)
	if err != nil {
		return nil, err
	}
	res.Job = done
	switch done.Status {
	case model.JobStatusCompleted:
		return res, nil
	case model.JobStatusCancelled:
		return nil, domain.ErrJobCancelled
	default:
		return nil, domain.ErrProviderFailed
	}
}
