package usecase

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"llm-dispatch/internal/domain"
	"llm-dispatch/internal/domain/model"
	"llm-dispatch/internal/domain/ports/adapter"
	"llm-dispatch/internal/domain/ports/repository"
	"llm-dispatch/internal/infra/logging"
	"llm-dispatch/internal/infra/metrics"
)

// Compile-time check
var _ CancelUseCase = (*cancelUC)(nil)

const providerCancelTimeout = 10 * time.Second

// CancelOutcome is one entry of a batch cancel.
type CancelOutcome struct {
	JobID string
	Job   *model.Job
	Err   error
}

type CancelUseCase interface {
	Cancel(ctx context.Context, s *adapter.Session, jobID string) (*model.Job, error)
	CancelMany(ctx context.Context, s *adapter.Session, jobIDs []string) ([]CancelOutcome, error)
}

type cancelUC struct {
	jobs     repository.JobRepository
	registry ProviderRegistry
	log      *zerolog.Logger
}

func NewCancelUseCase(jobs repository.JobRepository, registry ProviderRegistry, logger *zerolog.Logger) *cancelUC {
	return &cancelUC{jobs: jobs, registry: registry, log: logger}
}

func (c *cancelUC) Cancel(ctx context.Context, s *adapter.Session, jobID string) (*model.Job, error) {
	if s == nil || s.User == nil {
		return nil, domain.ErrUnauthorized
	}
	if !s.User.HasCustomer() {
		return nil, domain.ErrNoCustomer
	}
	ctx = logging.WithJobID(logging.WithCustomerID(ctx, s.User.CustomerID), jobID)

	// Ownership is decided outside the caller's scope so another tenant's
	// job reads as forbidden rather than missing.
	job, err := c.jobs.FindByID(ctx, nil, jobID)
	if err != nil {
		return nil, err
	}
	if job.CustomerID != s.User.CustomerID {
		return nil, domain.ErrForbidden
	}
	if job.Status.IsTerminal() {
		return nil, &domain.ConflictError{JobID: job.ID, Status: string(job.Status)}
	}

	var cancelled *model.Job
	err = s.DB.Run(ctx, func(ctx context.Context, tx repository.Tx) error {
		var err error
		cancelled, err = c.jobs.Transition(ctx, tx, jobID, model.ToCancelled())
		return err
	})
	if err != nil {
		return nil, err
	}
	metrics.IncJobTransition(string(model.JobStatusCancelled), SourceCancel)
	logging.With(ctx, c.log).Info().Str("from", string(job.Status)).Msg("job cancelled")

	// the request id may have been recorded after the ownership read
	if cancelled.ProviderRequestID != "" {
		c.abort(ctx, cancelled)
	}
	return cancelled, nil
}

func (c *cancelUC) CancelMany(ctx context.Context, s *adapter.Session, jobIDs []string) ([]CancelOutcome, error) {
	if s == nil || s.User == nil {
		return nil, domain.ErrUnauthorized
	}
	if !s.User.HasCustomer() {
		return nil, domain.ErrNoCustomer
	}
	out := make([]CancelOutcome, 0, len(jobIDs))
	for _, id := range jobIDs {
		job, err := c.Cancel(ctx, s, id)
		if err != nil && !isCancelOutcome(err) {
			return nil, err
		}
		out = append(out, CancelOutcome{JobID: id, Job: job, Err: err})
	}
	return out, nil
}

// isCancelOutcome reports errors that belong to a single item of a batch
// rather than failing the whole request.
func isCancelOutcome(err error) bool {
	return errors.Is(err, domain.ErrNotFound) ||
		errors.Is(err, domain.ErrForbidden) ||
		errors.Is(err, domain.ErrStateConflict)
}

// abort asks the provider to stop work it already accepted. Failures are
// logged only; the job is cancelled either way.
func (c *cancelUC) abort(ctx context.Context, job *model.Job) {
	log := logging.With(ctx, c.log)
	p, err := c.registry.ByID(ctx, job.ProviderID)
	if err != nil {
		log.Warn().Err(err).Msg("provider lookup for cancel failed")
		return
	}
	client, err := c.registry.Client(p)
	if err != nil {
		return
	}
	canceller, ok := client.(adapter.Canceller)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), providerCancelTimeout)
	defer cancel()
	if err := canceller.CancelRequest(ctx, job.ProviderRequestID); err != nil {
		metrics.IncProviderCancel(string(p.Kind), "error")
		log.Warn().Err(err).Str("provider_request_id", job.ProviderRequestID).Msg("provider cancel failed")
		return
	}
	metrics.IncProviderCancel(string(p.Kind), "ok")
}
