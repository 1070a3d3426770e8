//go:build !integration

package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"llm-dispatch/internal/domain"
	"llm-dispatch/internal/domain/model"
	"llm-dispatch/internal/domain/ports/adapter"
	"llm-dispatch/internal/infra/db/memory"
)

var secrets = map[string]string{"openai": "whsec-openai", "anthropic": "whsec-anthropic", "gemini": "whsec-gemini"}

func newWebhook(e *env) *webhookUC {
	return NewWebhookUseCase(e.jobs, e.registry, memory.NewReplayGuard(nil), secrets, 5*time.Minute, e.log)
}

// slugs routes each provider kind to the env provider of that kind.
var slugs = map[string]string{"openai": "openai", "anthropic": "claude-batch", "gemini": "gemini-batch"}

func delivery(provider, jobID string, body string, at time.Time) WebhookDelivery {
	ts := strconv.FormatInt(at.Unix(), 10)
	return WebhookDelivery{
		Provider:  provider,
		Timestamp: ts,
		Signature: SignatureHeader(secrets[provider], ts, []byte(body)),
		JobID:     jobID,
		Body:      []byte(body),
	}
}

func waitingJob(e *env, slug, requestID string) *model.Job {
	j := e.runningJob(slug, "c1")
	j.Status = model.JobStatusWaitingLLM
	j.ProviderRequestID = requestID
	e.jobs.Put(j)
	return j
}

func TestWebhook_AppliesEnvelopes(t *testing.T) {
	cases := []struct {
		provider  string
		requestID string
		body      string
		text      string
		tokens    int
	}{
		{"openai", "chatcmpl-1", `{"id":"chatcmpl-1","object":"chat.completion","model":"gpt-4o","choices":[{"message":{"role":"assistant","content":"hi there"},"finish_reason":"stop"}],"usage":{"prompt_tokens":4,"completion_tokens":2,"total_tokens":6}}`, "hi there", 6},
		{"openai", "resp_1", `{"id":"resp_1","object":"response","status":"completed","output":[{"type":"message","content":[{"type":"output_text","text":"from responses"}]}],"usage":{"input_tokens":5,"output_tokens":3,"total_tokens":8}}`, "from responses", 8},
		{"anthropic", "msg_1", `{"id":"msg_1","type":"message","model":"claude","content":[{"type":"text","text":"a"},{"type":"text","text":"b"}],"stop_reason":"end_turn","usage":{"input_tokens":1,"output_tokens":1}}`, "ab", 2},
		{"gemini", "", `{"candidates":[{"content":{"parts":[{"text":"g"}]},"finishReason":"STOP"}],"usageMetadata":{"promptTokenCount":2,"candidatesTokenCount":1,"totalTokenCount":3},"modelVersion":"gemini-2.0"}`, "g", 3},
	}
	for _, tc := range cases {
		t.Run(tc.provider+"/"+tc.text, func(t *testing.T) {
			e := newEnv()
			uc := newWebhook(e)
			j := waitingJob(e, slugs[tc.provider], tc.requestID)

			outcome, got, err := uc.Receive(context.Background(), delivery(tc.provider, j.ID, tc.body, time.Now()))
			require.NoError(t, err)
			assert.Equal(t, WebhookApplied, outcome)
			assert.Equal(t, model.JobStatusCompleted, got.Status)

			var c adapter.Completion
			require.NoError(t, json.Unmarshal(got.Result, &c))
			assert.Equal(t, tc.text, c.Text)
			assert.Equal(t, tc.tokens, c.Usage.TotalTokens)
		})
	}
}

func TestWebhook_JobIDFromPayload(t *testing.T) {
	e := newEnv()
	uc := newWebhook(e)
	j := waitingJob(e, "openai", "")
	body := `{"object":"response","status":"completed","metadata":{"job_id":"` + j.ID + `"},"output":[]}`

	d := delivery("openai", "", body, time.Now())
	d.Provider = ""
	d.Signature = SignatureHeader(secrets["openai"], d.Timestamp, d.Body)

	outcome, _, err := uc.Receive(context.Background(), d)
	require.NoError(t, err)
	assert.Equal(t, WebhookApplied, outcome)
}

func TestWebhook_ErrorEnvelopeFailsJob(t *testing.T) {
	e := newEnv()
	uc := newWebhook(e)
	j := waitingJob(e, "claude-batch", "req-1")
	body := `{"type":"error","error":{"type":"overloaded_error","message":"Overloaded at api.internal:443"}}`

	outcome, got, err := uc.Receive(context.Background(), delivery("anthropic", j.ID, body, time.Now()))
	require.NoError(t, err)
	assert.Equal(t, WebhookApplied, outcome)
	assert.Equal(t, model.JobStatusError, got.Status)
	assert.NotContains(t, got.Error, "api.internal")
	assert.Nil(t, got.Result)
}

func TestWebhook_Rejections(t *testing.T) {
	ctx := context.Background()
	body := `{"type":"message","content":[{"type":"text","text":"x"}]}`

	t.Run("bad signature", func(t *testing.T) {
		e := newEnv()
		j := waitingJob(e, "claude-batch", "req-1")
		d := delivery("anthropic", j.ID, body, time.Now())
		d.Signature = "sha256=" + "00"
		_, _, err := newWebhook(e).Receive(ctx, d)
		assert.ErrorIs(t, err, domain.ErrInvalidSignature)
		stored, _ := e.jobs.FindByID(ctx, nil, j.ID)
		assert.Equal(t, model.JobStatusWaitingLLM, stored.Status)
	})

	t.Run("signed with another provider's secret", func(t *testing.T) {
		e := newEnv()
		j := waitingJob(e, "claude-batch", "req-1")
		d := delivery("anthropic", j.ID, body, time.Now())
		d.Provider = "gemini"
		_, _, err := newWebhook(e).Receive(ctx, d)
		assert.ErrorIs(t, err, domain.ErrInvalidSignature)
	})

	t.Run("stale timestamp", func(t *testing.T) {
		e := newEnv()
		j := waitingJob(e, "claude-batch", "req-1")
		_, _, err := newWebhook(e).Receive(ctx, delivery("anthropic", j.ID, body, time.Now().Add(-10*time.Minute)))
		assert.ErrorIs(t, err, domain.ErrStaleWebhook)
	})

	t.Run("unknown job", func(t *testing.T) {
		e := newEnv()
		_, _, err := newWebhook(e).Receive(ctx, delivery("anthropic", "6f1c1f5e-0000-4000-8000-000000000000", body, time.Now()))
		assert.ErrorIs(t, err, domain.ErrUnknownJob)
	})

	t.Run("unrecognized payload", func(t *testing.T) {
		e := newEnv()
		j := waitingJob(e, "claude-batch", "req-1")
		_, _, err := newWebhook(e).Receive(ctx, delivery("anthropic", j.ID, `{"hello":"world"}`, time.Now()))
		assert.ErrorIs(t, err, domain.ErrUnknownEnvelope)
	})
}

func TestWebhook_Idempotent(t *testing.T) {
	ctx := context.Background()
	e := newEnv()
	uc := newWebhook(e)
	j := waitingJob(e, "claude-batch", "req-1")
	body := `{"type":"message","content":[{"type":"text","text":"first"}]}`

	d := delivery("anthropic", j.ID, body, time.Now())
	outcome, _, err := uc.Receive(ctx, d)
	require.NoError(t, err)
	assert.Equal(t, WebhookApplied, outcome)

	outcome, _, err = uc.Receive(ctx, d)
	require.NoError(t, err)
	assert.Equal(t, WebhookDuplicate, outcome)

	// a differently signed redelivery reaches the store and is ignored
	later := delivery("anthropic", j.ID, `{"type":"message","content":[{"type":"text","text":"second"}]}`, time.Now().Add(time.Second))
	outcome, got, err := uc.Receive(ctx, later)
	require.NoError(t, err)
	assert.Equal(t, WebhookIgnored, outcome)

	var c adapter.Completion
	require.NoError(t, json.Unmarshal(got.Result, &c))
	assert.Equal(t, "first", c.Text)
}

func TestWebhook_CancelledJobIgnored(t *testing.T) {
	ctx := context.Background()
	e := newEnv()
	uc := newWebhook(e)
	j := waitingJob(e, "claude-batch", "req-1")
	_, err := e.jobs.Transition(ctx, nil, j.ID, model.ToCancelled())
	require.NoError(t, err)

	outcome, got, err := uc.Receive(ctx, delivery("anthropic", j.ID, `{"type":"message","content":[]}`, time.Now()))
	require.NoError(t, err)
	assert.Equal(t, WebhookIgnored, outcome)
	assert.Equal(t, model.JobStatusCancelled, got.Status)
}

func TestWebhook_RejectsDeliveryForAnotherRequest(t *testing.T) {
	ctx := context.Background()

	t.Run("job routed to another provider", func(t *testing.T) {
		e := newEnv()
		j := waitingJob(e, "claude-batch", "")
		body := `{"id":"chatcmpl-9","object":"chat.completion","choices":[{"message":{"content":"forged"}}]}`

		_, _, err := newWebhook(e).Receive(ctx, delivery("openai", j.ID, body, time.Now()))
		assert.ErrorIs(t, err, domain.ErrUnknownJob)
		stored, _ := e.jobs.FindByID(ctx, nil, j.ID)
		assert.Equal(t, model.JobStatusWaitingLLM, stored.Status)
	})

	t.Run("different provider request", func(t *testing.T) {
		e := newEnv()
		j := waitingJob(e, "claude-batch", "msg_expected")
		body := `{"id":"msg_other","type":"message","content":[{"type":"text","text":"x"}]}`

		_, _, err := newWebhook(e).Receive(ctx, delivery("anthropic", j.ID, body, time.Now()))
		assert.ErrorIs(t, err, domain.ErrUnknownJob)
		stored, _ := e.jobs.FindByID(ctx, nil, j.ID)
		assert.Equal(t, model.JobStatusWaitingLLM, stored.Status)
	})

	t.Run("event wrapper is matched on the response id", func(t *testing.T) {
		e := newEnv()
		uc := newWebhook(e)
		j := waitingJob(e, "openai", "resp_a")

		other := `{"id":"evt_1","type":"response.completed","data":{"object":"response","id":"resp_b","status":"completed","output":[]}}`
		_, _, err := uc.Receive(ctx, delivery("openai", j.ID, other, time.Now()))
		assert.ErrorIs(t, err, domain.ErrUnknownJob)

		own := `{"id":"evt_2","type":"response.completed","data":{"object":"response","id":"resp_a","status":"completed","output":[]}}`
		outcome, got, err := uc.Receive(ctx, delivery("openai", j.ID, own, time.Now()))
		require.NoError(t, err)
		assert.Equal(t, WebhookApplied, outcome)
		assert.Equal(t, model.JobStatusCompleted, got.Status)
	})
}

func TestWebhook_StoreErrorAllowsRedelivery(t *testing.T) {
	ctx := context.Background()
	e := newEnv()
	jobs := &strictJobs{JobRepo: e.jobs}
	uc := NewWebhookUseCase(jobs, e.registry, memory.NewReplayGuard(nil), secrets, 5*time.Minute, e.log)
	j := waitingJob(e, "claude-batch", "msg_1")
	d := delivery("anthropic", j.ID, `{"id":"msg_1","type":"message","content":[{"type":"text","text":"late"}]}`, time.Now())

	jobs.failNextFind(errors.New("conn reset by peer"))
	_, _, err := uc.Receive(ctx, d)
	require.Error(t, err)
	stored, _ := e.jobs.FindByID(ctx, nil, j.ID)
	require.Equal(t, model.JobStatusWaitingLLM, stored.Status)

	outcome, got, err := uc.Receive(ctx, d)
	require.NoError(t, err)
	assert.Equal(t, WebhookApplied, outcome)
	assert.Equal(t, model.JobStatusCompleted, got.Status)

	outcome, _, err = uc.Receive(ctx, d)
	require.NoError(t, err)
	assert.Equal(t, WebhookDuplicate, outcome)
}

func TestWebhook_TimestampFromHeaderOnly(t *testing.T) {
	ctx := context.Background()
	old := strconv.FormatInt(time.Now().Add(-time.Hour).Unix(), 10)
	fresh := strconv.FormatInt(time.Now().Unix(), 10)

	e := newEnv()
	j := waitingJob(e, "claude-batch", "")
	body := `{"type":"message","timestamp":` + old + `,"content":[{"type":"text","text":"x"}]}`
	outcome, _, err := newWebhook(e).Receive(ctx, delivery("anthropic", j.ID, body, time.Now()))
	require.NoError(t, err)
	assert.Equal(t, WebhookApplied, outcome)

	e = newEnv()
	j = waitingJob(e, "claude-batch", "")
	body = `{"type":"message","timestamp":` + fresh + `,"content":[{"type":"text","text":"x"}]}`
	_, _, err = newWebhook(e).Receive(ctx, delivery("anthropic", j.ID, body, time.Now().Add(-time.Hour)))
	assert.ErrorIs(t, err, domain.ErrStaleWebhook)
}
