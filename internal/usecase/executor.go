package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"llm-dispatch/internal/domain"
	"llm-dispatch/internal/domain/model"
	"llm-dispatch/internal/domain/ports/adapter"
	"llm-dispatch/internal/domain/ports/repository"
	"llm-dispatch/internal/infra/logging"
	"llm-dispatch/internal/infra/metrics"
)

// ProviderRegistry is the slice of the provider registry the use cases need.
type ProviderRegistry interface {
	Resolve(ctx context.Context, tx repository.Tx, slug string) (*model.Provider, error)
	ByID(ctx context.Context, id string) (*model.Provider, error)
	Client(p *model.Provider) (adapter.LLMClient, error)
}

// RetryDelay returns how long to wait before attempt number retry (1-based).
type RetryDelay func(retry int) time.Duration

// Attempt origins, used as the source label on transition metrics.
const (
	SourceQuery   = "query"
	SourceWorker  = "worker"
	SourceWebhook = "webhook"
	SourceCancel  = "cancel"
	SourceReaper  = "reaper"
)

// JobExecutor runs one provider attempt for a job that is already running
// and records the outcome. It is shared by the sync query path and the worker.
type JobExecutor struct {
	jobs     repository.JobRepository
	registry ProviderRegistry
	delay    RetryDelay
	now      func() time.Time
	log      *zerolog.Logger
	tracer   trace.Tracer
}

func NewJobExecutor(jobs repository.JobRepository, registry ProviderRegistry, delay RetryDelay, logger *zerolog.Logger) *JobExecutor {
	return &JobExecutor{
		jobs:     jobs,
		registry: registry,
		delay:    delay,
		now:      func() time.Time { return time.Now().UTC() },
		log:      logger,
		tracer:   otel.Tracer("llm-dispatch/usecase"),
	}
}

// Execute makes one attempt. source decides the failure policy: the sync path
// fails the job on any error, the worker retries transient failures and may
// hand webhook-delivered providers off instead of waiting.
//
// The returned job is the stored state after the attempt. The error is only
// set for store failures; provider failures show up in the job status.
func (e *JobExecutor) Execute(ctx context.Context, job *model.Job, p *model.Provider, source string) (*model.Job, error) {
	ctx = logging.WithJobID(ctx, job.ID)
	log := logging.With(ctx, e.log)

	ctx, span := e.tracer.Start(ctx, "llm.execute", trace.WithAttributes(
		attribute.String("job.id", job.ID),
		attribute.String("provider.slug", p.Slug),
		attribute.String("provider.kind", string(p.Kind)),
		attribute.Int("job.retry_count", job.RetryCount),
		attribute.String("source", source),
	))
	defer span.End()

	client, err := e.registry.Client(p)
	if err != nil {
		log.Error().Err(err).Str("provider", p.Slug).Msg("no client for provider")
		span.SetStatus(codes.Error, "no client")
		return e.finish(ctx, job, model.ToFailed(model.JobStatusError, "provider is not available"), source)
	}

	req := adapter.NewCompletionRequest(p, job)
	callCtx, cancel := context.WithTimeout(ctx, p.Timeout())
	defer cancel()

	settings := p.Settings()
	if d, ok := client.(adapter.Dispatcher); ok && source == SourceWorker && settings.Delivery == model.DeliveryWebhook {
		reqID, err := d.Dispatch(callCtx, req)
		if err == nil {
			log.Debug().Str("provider_request_id", reqID).Msg("dispatched for webhook delivery")
			return e.finish(ctx, job, model.ToWaiting(reqID), source)
		}
		span.RecordError(err)
		return e.fail(ctx, job, p, err, source)
	}

	start := time.Now()
	out, err := client.Complete(callCtx, req)
	elapsed := time.Since(start)
	if err != nil {
		metrics.ObserveCall(string(p.Kind), settings.Model, 0, 0, elapsed, false)
		span.RecordError(err)
		span.SetStatus(codes.Error, "provider call failed")
		return e.fail(ctx, job, p, err, source)
	}
	metrics.ObserveCall(string(p.Kind), out.Model, out.Usage.PromptTokens, out.Usage.CompletionTokens, elapsed, true)
	span.SetAttributes(attribute.Int("llm.tokens.total", out.Usage.TotalTokens))

	result, err := json.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("encode result: %w", err)
	}
	log.Debug().Dur("elapsed", elapsed).Int("tokens", out.Usage.TotalTokens).Msg("provider call completed")
	return e.finish(ctx, job, model.ToCompleted(result), source)
}

func (e *JobExecutor) fail(ctx context.Context, job *model.Job, p *model.Provider, callErr error, source string) (*model.Job, error) {
	log := logging.With(ctx, e.log)
	transient := adapter.IsTransient(callErr)
	metrics.IncCallError(string(p.Kind), transient)
	msg := errorMessage(callErr)

	if source != SourceWorker || !transient {
		log.Warn().Err(callErr).Bool("transient", transient).Msg("provider call failed")
		return e.finish(ctx, job, model.ToFailed(model.JobStatusError, msg), source)
	}

	retry := job.RetryCount + 1
	if retry < job.MaxRetries {
		delay := e.delay(retry)
		metrics.ObserveRetryDelay(delay.Seconds())
		log.Info().Err(callErr).Int("retry", retry).Dur("delay", delay).Msg("transient provider failure; retrying")
		return e.finish(ctx, job, model.ToRetrying(retry, e.now().Add(delay), msg), source)
	}
	log.Warn().Err(callErr).Int("retry", retry).Msg("retries exhausted")
	t := model.ToFailed(model.JobStatusExhausted, msg)
	t.RetryCount = &retry
	return e.finish(ctx, job, t, source)
}

// finish applies t. A guard miss means the job left running while the call
// was in flight (usually a cancel); the outcome is dropped and the stored
// job returned. The write outlives the caller's context: a job must not stay
// running because the client hung up.
func (e *JobExecutor) finish(ctx context.Context, job *model.Job, t model.Transition, source string) (*model.Job, error) {
	ctx = context.WithoutCancel(ctx)
	updated, err := e.jobs.Transition(ctx, nil, job.ID, t)
	if err == nil {
		metrics.IncJobTransition(string(t.To), source)
		return updated, nil
	}
	if errors.Is(err, domain.ErrStateConflict) {
		logging.With(ctx, e.log).Info().
			Str("target", string(t.To)).
			Msg("job left running while the provider call was in flight; outcome discarded")
		return e.jobs.FindByID(ctx, nil, job.ID)
	}
	return nil, fmt.Errorf("record %s: %w", t.To, err)
}

// errorMessage is what gets persisted on the job. ProviderError already
// sanitizes; anything else goes through the same filter.
func errorMessage(err error) string {
	var pe *adapter.ProviderError
	if errors.As(err, &pe) {
		return pe.Error()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "provider request timed out"
	}
	if errors.Is(err, context.Canceled) {
		return "request was cancelled before the provider responded"
	}
	return adapter.Sanitize(err.Error())
}
