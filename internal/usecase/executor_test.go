//go:build !integration

package usecase

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"llm-dispatch/internal/domain/model"
	"llm-dispatch/internal/domain/ports/adapter"
)

func TestExecute_WorkerOutcomes(t *testing.T) {
	ctx := context.Background()
	cases := []struct {
		name       string
		err        error
		retryCount int
		want       model.JobStatus
		wantRetry  int
	}{
		{"success", nil, 0, model.JobStatusCompleted, 0},
		{"rate limited retries", adapter.NewProviderError("openai", 429, errors.New("slow down")), 0, model.JobStatusRetrying, 1},
		{"overloaded retries", adapter.NewProviderError("anthropic", 529, errors.New("overloaded")), 1, model.JobStatusRetrying, 2},
		{"timeout retries", context.DeadlineExceeded, 0, model.JobStatusRetrying, 1},
		{"ceiling exhausts", adapter.NewProviderError("openai", 500, errors.New("boom")), 2, model.JobStatusExhausted, 3},
		{"bad request fails", adapter.NewProviderError("openai", 400, errors.New("bad")), 0, model.JobStatusError, 0},
		{"unprocessable fails", adapter.NewProviderError("openai", 422, errors.New("bad")), 1, model.JobStatusError, 1},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			e := newEnv()
			e.openai.errs = []error{tc.err}
			j := e.runningJob("openai", "c1")
			j.RetryCount = tc.retryCount
			e.jobs.Put(j)

			got, err := e.exec.Execute(ctx, j, e.provider("openai"), SourceWorker)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got.Status)
			assert.Equal(t, tc.wantRetry, got.RetryCount)

			switch tc.want {
			case model.JobStatusRetrying:
				require.NotNil(t, got.NextAttemptAt)
				assert.WithinDuration(t, time.Now().Add(time.Second), *got.NextAttemptAt, 2*time.Second)
				assert.Empty(t, got.Error)
				assert.Nil(t, got.Result)
			case model.JobStatusCompleted:
				assert.NotEmpty(t, got.Result)
				assert.Empty(t, got.Error)
			default:
				assert.NotEmpty(t, got.Error)
				assert.Nil(t, got.Result)
			}
		})
	}
}

func TestExecute_WebhookDelivery(t *testing.T) {
	e := newEnv()
	j := e.runningJob("claude-batch", "c1")

	got, err := e.exec.Execute(context.Background(), j, e.provider("claude-batch"), SourceWorker)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusWaitingLLM, got.Status)
	assert.Equal(t, "req-"+j.ID, got.ProviderRequestID)
	assert.Equal(t, 0, e.claude.calls)
}

func TestExecute_CancelledWhileInFlight(t *testing.T) {
	e := newEnv()
	j := e.runningJob("openai", "c1")
	e.openai.onCall = func() {
		_, err := e.jobs.Transition(context.Background(), nil, j.ID, model.ToCancelled())
		require.NoError(t, err)
	}

	got, err := e.exec.Execute(context.Background(), j, e.provider("openai"), SourceWorker)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusCancelled, got.Status)
	assert.Equal(t, "cancelled", got.Error)
	assert.Nil(t, got.Result, "late result must be discarded")
}

func TestExecute_MissingClient(t *testing.T) {
	e := newEnv()
	delete(e.registry.clients, model.ProviderKindOpenAI)
	j := e.runningJob("openai", "c1")

	got, err := e.exec.Execute(context.Background(), j, e.provider("openai"), SourceWorker)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusError, got.Status)
}

func TestErrorMessage_IsSanitized(t *testing.T) {
	msg := errorMessage(errors.New("dial tcp postgres://svc:pw@db.internal:5432/app failed\n\tat main.go:12"))
	assert.NotContains(t, msg, "postgres://")
	assert.NotContains(t, msg, "db.internal")
	assert.NotContains(t, msg, " at ")
}
