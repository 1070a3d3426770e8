package usecase

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"

	"llm-dispatch/internal/domain"
	"llm-dispatch/internal/domain/model"
	"llm-dispatch/internal/domain/ports/adapter"
	"llm-dispatch/internal/domain/ports/repository"
	"llm-dispatch/internal/infra/logging"
	"llm-dispatch/internal/infra/metrics"
)

// Compile-time check
var _ WebhookUseCase = (*webhookUC)(nil)

const signaturePrefix = "sha256="

type WebhookOutcome string

const (
	WebhookApplied   WebhookOutcome = "applied"
	WebhookIgnored   WebhookOutcome = "ignored"
	WebhookDuplicate WebhookOutcome = "duplicate"
)

// WebhookDelivery is an inbound provider callback as received.
type WebhookDelivery struct {
	Provider  string
	Timestamp string
	Signature string
	JobID     string
	Body      []byte
}

type WebhookUseCase interface {
	Receive(ctx context.Context, d WebhookDelivery) (WebhookOutcome, *model.Job, error)
}

type webhookUC struct {
	jobs      repository.JobRepository
	registry  ProviderRegistry
	replay    adapter.ReplayGuard
	secrets   map[string]string
	tolerance time.Duration
	now       func() time.Time
	log       *zerolog.Logger
}

func NewWebhookUseCase(
	jobs repository.JobRepository,
	registry ProviderRegistry,
	replay adapter.ReplayGuard,
	secrets map[string]string,
	tolerance time.Duration,
	logger *zerolog.Logger,
) *webhookUC {
	return &webhookUC{
		jobs:      jobs,
		registry:  registry,
		replay:    replay,
		secrets:   secrets,
		tolerance: tolerance,
		now:       time.Now,
		log:       logger,
	}
}

func (w *webhookUC) Receive(ctx context.Context, d WebhookDelivery) (WebhookOutcome, *model.Job, error) {
	if !gjson.ValidBytes(d.Body) {
		return "", nil, domain.NewValidationError("body", "Invalid JSON body")
	}
	body := gjson.ParseBytes(d.Body)
	provider := strings.ToLower(strings.TrimSpace(d.Provider))
	if provider == "" {
		provider = detectProvider(body)
	}

	if err := w.verify(provider, d); err != nil {
		metrics.IncWebhook(provider, "rejected")
		return "", nil, err
	}

	key := provider + ":" + d.Signature
	first, err := w.replay.FirstSeen(ctx, key, w.tolerance)
	if err != nil {
		return "", nil, fmt.Errorf("replay guard: %w", err)
	}
	if !first {
		metrics.IncWebhook(provider, string(WebhookDuplicate))
		return WebhookDuplicate, nil, nil
	}

	outcome, job, err := w.apply(ctx, provider, d, body)
	if err != nil {
		// the provider redelivers on failure; that attempt must not be a duplicate
		if ferr := w.replay.Forget(context.WithoutCancel(ctx), key); ferr != nil {
			w.log.Warn().Err(ferr).Str("provider", provider).Msg("webhook replay key not released")
		}
		return "", nil, err
	}
	return outcome, job, nil
}

func (w *webhookUC) apply(ctx context.Context, provider string, d WebhookDelivery, body gjson.Result) (WebhookOutcome, *model.Job, error) {
	jobID := strings.TrimSpace(d.JobID)
	if jobID == "" {
		jobID = firstString(body, "metadata.job_id", "custom_id", "response.metadata.job_id", "data.metadata.job_id")
	}
	if jobID == "" {
		return "", nil, domain.ErrUnknownJob
	}
	ctx = logging.WithJobID(ctx, jobID)
	log := logging.With(ctx, w.log)

	t, err := transitionFor(provider, body)
	if err != nil {
		metrics.IncWebhook(provider, "unparsed")
		return "", nil, err
	}

	job, err := w.jobs.FindByID(ctx, nil, jobID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return "", nil, domain.ErrUnknownJob
		}
		return "", nil, err
	}
	if err := w.matchRequest(ctx, provider, job, body); err != nil {
		if errors.Is(err, domain.ErrUnknownJob) {
			metrics.IncWebhook(provider, "rejected")
			log.Warn().Str("provider", provider).Msg("webhook does not match the job's provider request")
		}
		return "", nil, err
	}
	if job.Status.IsTerminal() {
		metrics.IncWebhook(provider, string(WebhookIgnored))
		log.Info().Str("status", string(job.Status)).Msg("webhook for terminal job ignored")
		return WebhookIgnored, job, nil
	}

	updated, err := w.jobs.Transition(ctx, nil, jobID, t)
	if err != nil {
		if errors.Is(err, domain.ErrStateConflict) {
			metrics.IncWebhook(provider, string(WebhookIgnored))
			return WebhookIgnored, job, nil
		}
		return "", nil, err
	}
	metrics.IncWebhook(provider, string(WebhookApplied))
	metrics.IncJobTransition(string(t.To), SourceWebhook)
	log.Info().Str("provider", provider).Str("status", string(t.To)).Msg("webhook applied")
	return WebhookApplied, updated, nil
}

// matchRequest reports ErrUnknownJob unless the delivery comes from the kind
// of provider the job was routed to and, once the provider has acknowledged
// the request, names that same request.
func (w *webhookUC) matchRequest(ctx context.Context, provider string, job *model.Job, body gjson.Result) error {
	p, err := w.registry.ByID(ctx, job.ProviderID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return domain.ErrUnknownJob
		}
		return err
	}
	if string(p.Kind) != provider {
		return domain.ErrUnknownJob
	}
	if job.ProviderRequestID == "" {
		return nil
	}
	if id := firstString(responseBody(body), "id", "responseId"); id != "" && id != job.ProviderRequestID {
		return domain.ErrUnknownJob
	}
	return nil
}

// verify checks the HMAC over "<timestamp>.<body>" before the timestamp
// window so an unsigned request learns nothing about clock skew.
func (w *webhookUC) verify(provider string, d WebhookDelivery) error {
	secret := w.secrets[provider]
	if secret == "" || !strings.HasPrefix(d.Signature, signaturePrefix) || d.Timestamp == "" {
		return domain.ErrInvalidSignature
	}
	got, err := hex.DecodeString(strings.TrimPrefix(d.Signature, signaturePrefix))
	if err != nil {
		return domain.ErrInvalidSignature
	}
	if !hmac.Equal(got, Sign(secret, d.Timestamp, d.Body)) {
		return domain.ErrInvalidSignature
	}

	ts, err := strconv.ParseInt(d.Timestamp, 10, 64)
	if err != nil {
		return domain.ErrStaleWebhook
	}
	skew := w.now().Sub(time.Unix(ts, 0))
	if skew < 0 {
		skew = -skew
	}
	if skew > w.tolerance {
		return domain.ErrStaleWebhook
	}
	return nil
}

// Sign computes HMAC-SHA256(secret, timestamp + "." + body).
func Sign(secret, timestamp string, body []byte) []byte {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp))
	mac.Write([]byte("."))
	mac.Write(body)
	return mac.Sum(nil)
}

// SignatureHeader formats a signature the way the receiver expects it.
func SignatureHeader(secret, timestamp string, body []byte) string {
	return signaturePrefix + hex.EncodeToString(Sign(secret, timestamp, body))
}

func detectProvider(body gjson.Result) string {
	switch {
	case body.Get("object").String() == "response",
		body.Get("object").String() == "chat.completion",
		strings.HasPrefix(body.Get("type").String(), "response."):
		return string(model.ProviderKindOpenAI)
	case body.Get("type").String() == "message":
		return string(model.ProviderKindAnthropic)
	case body.Get("candidates").Exists(), body.Get("usageMetadata").Exists():
		return string(model.ProviderKindGemini)
	}
	return ""
}

// responseBody unwraps OpenAI event wrappers, which carry the response
// object under "data" or "response".
func responseBody(body gjson.Result) gjson.Result {
	for _, wrap := range []string{"data", "response"} {
		if inner := body.Get(wrap); inner.IsObject() && inner.Get("object").String() == "response" {
			return inner
		}
	}
	return body
}

func firstString(body gjson.Result, paths ...string) string {
	for _, p := range paths {
		if v := body.Get(p); v.Type == gjson.String && v.String() != "" {
			return v.String()
		}
	}
	return ""
}

// transitionFor turns a provider envelope into the terminal transition it
// implies. Any non-terminal job may receive it.
func transitionFor(provider string, body gjson.Result) (model.Transition, error) {
	body = responseBody(body)

	if e := body.Get("error"); e.Exists() && e.Type != gjson.Null {
		msg := e.Get("message").String()
		if msg == "" {
			msg = e.String()
		}
		return model.ToFailed(model.JobStatusError, adapter.Sanitize(provider+": "+msg), model.CancellableStatuses...), nil
	}

	if body.Get("object").String() == "response" {
		switch st := body.Get("status").String(); st {
		case "failed", "cancelled", "incomplete":
			reason := body.Get("incomplete_details.reason").String()
			if reason == "" {
				reason = st
			}
			return model.ToFailed(model.JobStatusError, adapter.Sanitize(provider+": response "+reason), model.CancellableStatuses...), nil
		}
	}

	c, err := parseEnvelope(provider, body)
	if err != nil {
		return model.Transition{}, err
	}
	result, err := json.Marshal(c)
	if err != nil {
		return model.Transition{}, err
	}
	return model.ToCompleted(result, model.CancellableStatuses...), nil
}

func parseEnvelope(provider string, body gjson.Result) (*adapter.Completion, error) {
	c := &adapter.Completion{Provider: provider, Model: body.Get("model").String()}
	var text strings.Builder

	switch {
	case body.Get("choices").IsArray():
		for _, ch := range body.Get("choices").Array() {
			text.WriteString(ch.Get("message.content").String())
		}
		c.FinishReason = body.Get("choices.0.finish_reason").String()
		c.Usage = adapter.Usage{
			PromptTokens:     int(body.Get("usage.prompt_tokens").Int()),
			CompletionTokens: int(body.Get("usage.completion_tokens").Int()),
			TotalTokens:      int(body.Get("usage.total_tokens").Int()),
		}

	case body.Get("object").String() == "response":
		body.Get("output").ForEach(func(_, item gjson.Result) bool {
			item.Get("content").ForEach(func(_, part gjson.Result) bool {
				if part.Get("type").String() == "output_text" || part.Get("text").Exists() {
					text.WriteString(part.Get("text").String())
				}
				return true
			})
			return true
		})
		c.FinishReason = body.Get("status").String()
		c.Usage = adapter.Usage{
			PromptTokens:     int(body.Get("usage.input_tokens").Int()),
			CompletionTokens: int(body.Get("usage.output_tokens").Int()),
			TotalTokens:      int(body.Get("usage.total_tokens").Int()),
		}

	case body.Get("type").String() == "message":
		body.Get("content").ForEach(func(_, block gjson.Result) bool {
			if block.Get("type").String() == "text" {
				text.WriteString(block.Get("text").String())
			}
			return true
		})
		c.FinishReason = body.Get("stop_reason").String()
		in, out := int(body.Get("usage.input_tokens").Int()), int(body.Get("usage.output_tokens").Int())
		c.Usage = adapter.Usage{PromptTokens: in, CompletionTokens: out, TotalTokens: in + out}

	case body.Get("candidates").IsArray():
		body.Get("candidates.0.content.parts").ForEach(func(_, part gjson.Result) bool {
			text.WriteString(part.Get("text").String())
			return true
		})
		c.FinishReason = body.Get("candidates.0.finishReason").String()
		c.Model = firstString(body, "modelVersion", "model")
		c.Usage = adapter.Usage{
			PromptTokens:     int(body.Get("usageMetadata.promptTokenCount").Int()),
			CompletionTokens: int(body.Get("usageMetadata.candidatesTokenCount").Int()),
			TotalTokens:      int(body.Get("usageMetadata.totalTokenCount").Int()),
		}

	default:
		return nil, domain.ErrUnknownEnvelope
	}

	c.Text = text.String()
	if c.Usage.TotalTokens == 0 {
		c.Usage.TotalTokens = c.Usage.PromptTokens + c.Usage.CompletionTokens
	}
	return c, nil
}
