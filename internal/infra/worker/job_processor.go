package worker

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"llm-dispatch/internal/config"
	"llm-dispatch/internal/domain/model"
	"llm-dispatch/internal/domain/ports/repository"
	"llm-dispatch/internal/infra/logging"
	"llm-dispatch/internal/infra/metrics"
	"llm-dispatch/internal/usecase"
)

// JobProcessor polls the job table and runs claimed jobs on a Pool.
type JobProcessor struct {
	jobs      repository.JobRepository
	registry  usecase.ProviderRegistry
	exec      *usecase.JobExecutor
	interval  time.Duration
	batchSize int
	log       *zerolog.Logger
	tracer    trace.Tracer
}

func NewJobProcessor(
	jobs repository.JobRepository,
	registry usecase.ProviderRegistry,
	exec *usecase.JobExecutor,
	cfg config.WorkerConfig,
	logger *zerolog.Logger,
) *JobProcessor {
	l := logger.With().Str("component", "job_processor").Logger()
	return &JobProcessor{
		jobs:      jobs,
		registry:  registry,
		exec:      exec,
		interval:  cfg.PollInterval,
		batchSize: cfg.BatchSize,
		log:       &l,
		tracer:    otel.Tracer("llm-dispatch/worker"),
	}
}

// Start runs the poll loop until ctx is done.
// This should be run in a goroutine.
func (p *JobProcessor) Start(ctx context.Context, pool *Pool) {
	p.log.Info().Dur("interval", p.interval).Msg("job processor started")
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			p.log.Info().Msg("job processor stopping")
			return
		case <-ticker.C:
			if _, err := p.PollOnce(ctx, pool); err != nil && ctx.Err() == nil {
				p.log.Error().Err(err).Msg("poll failed")
			}
		}
	}
}

// PollOnce claims at most as many jobs as the pool has idle workers and
// submits them. It returns the number of jobs claimed.
func (p *JobProcessor) PollOnce(ctx context.Context, pool *Pool) (int, error) {
	limit := min(p.batchSize, pool.Free())
	if limit <= 0 {
		return 0, nil
	}
	ctx, span := p.tracer.Start(ctx, "worker.poll", trace.WithAttributes(attribute.Int("limit", limit)))
	defer span.End()

	claimed, err := p.jobs.ClaimQueued(ctx, limit)
	if err != nil {
		span.RecordError(err)
		return 0, err
	}
	span.SetAttributes(attribute.Int("claimed", len(claimed)))
	if len(claimed) == 0 {
		return 0, nil
	}
	metrics.AddJobsClaimed(len(claimed))
	for range claimed {
		metrics.IncJobTransition(string(model.JobStatusRunning), usecase.SourceWorker)
	}

	for i, job := range claimed {
		if err := pool.Submit(ctx, func(ctx context.Context) error { return p.process(ctx, job) }); err != nil {
			// unsubmitted jobs stay running until the reaper returns them
			p.log.Warn().Err(err).Int("unsubmitted", len(claimed)-i).Msg("could not hand claimed jobs to the pool")
			return i, nil
		}
	}
	return len(claimed), nil
}

func (p *JobProcessor) process(ctx context.Context, job *model.Job) error {
	ctx = logging.WithCustomerID(logging.WithJobID(ctx, job.ID), job.CustomerID)
	log := logging.With(ctx, p.log)

	provider, err := p.registry.ByID(ctx, job.ProviderID)
	if err != nil {
		log.Error().Err(err).Str("provider_id", job.ProviderID).Msg("provider lookup failed")
		_, terr := p.jobs.Transition(ctx, nil, job.ID, model.ToFailed(model.JobStatusError, "provider is not available"))
		return terr
	}

	done := logging.TraceDuration(log, "job attempt")
	defer done()
	out, err := p.exec.Execute(ctx, job, provider, usecase.SourceWorker)
	if err != nil {
		return err
	}
	log.Info().Str("status", string(out.Status)).Int("retry_count", out.RetryCount).Msg("job attempt finished")
	return nil
}
