package usecase

import (
	"context"

	"llm-dispatch/internal/domain"
	"llm-dispatch/internal/domain/model"
	"llm-dispatch/internal/domain/ports/adapter"
	"llm-dispatch/internal/domain/ports/repository"
)

// Compile-time check
var _ JobUseCase = (*jobUC)(nil)

// JobUseCase serves the read-only endpoints.
type JobUseCase interface {
	Get(ctx context.Context, s *adapter.Session, jobID string) (*model.Job, error)
	RateLimit(ctx context.Context, s *adapter.Session) (*model.RateLimitUsage, error)
}

type jobUC struct {
	jobs   repository.JobRepository
	limits repository.RateLimitRepository
}

func NewJobUseCase(jobs repository.JobRepository, limits repository.RateLimitRepository) *jobUC {
	return &jobUC{jobs: jobs, limits: limits}
}

func (u *jobUC) Get(ctx context.Context, s *adapter.Session, jobID string) (*model.Job, error) {
	if s == nil || s.User == nil {
		return nil, domain.ErrUnauthorized
	}
	if !s.User.HasCustomer() {
		return nil, domain.ErrNoCustomer
	}
	job, err := u.jobs.FindByID(ctx, nil, jobID)
	if err != nil {
		return nil, err
	}
	if job.CustomerID != s.User.CustomerID {
		return nil, domain.ErrForbidden
	}
	return job, nil
}

func (u *jobUC) RateLimit(ctx context.Context, s *adapter.Session) (*model.RateLimitUsage, error) {
	if s == nil || s.User == nil {
		return nil, domain.ErrUnauthorized
	}
	if !s.User.HasCustomer() {
		return nil, domain.ErrNoCustomer
	}
	var usage *model.RateLimitUsage
	err := s.DB.Run(ctx, func(ctx context.Context, tx repository.Tx) error {
		var err error
		usage, err = u.limits.Check(ctx, tx, s.User.CustomerID)
		return err
	})
	return usage, err
}
