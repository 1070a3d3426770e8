//go:build !integration

package llm

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"llm-dispatch/internal/config"
	"llm-dispatch/internal/domain/ports/adapter"
)

func TestOpenAIAdapter_Complete(t *testing.T) {
	var body map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.True(t, strings.HasSuffix(r.URL.Path, "/chat/completions"))
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		b, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(b, &body)
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"id":"chatcmpl-1","object":"chat.completion","created":1,"model":"gpt-4o-mini",
			"choices":[{"index":0,"finish_reason":"stop","message":{"role":"assistant","content":"pong"}}],
			"usage":{"prompt_tokens":7,"completion_tokens":1,"total_tokens":8}}`)
	}))
	defer srv.Close()

	a, err := NewOpenAIAdapter(config.VendorConfig{APIKey: "sk-test", BaseURL: srv.URL + "/v1/", DefaultModel: "gpt-4o-mini"})
	require.NoError(t, err)

	out, err := a.Complete(context.Background(), adapter.CompletionRequest{SystemPrompt: "be brief", Prompt: "ping"})
	require.NoError(t, err)
	assert.Equal(t, "pong", out.Text)
	assert.Equal(t, 8, out.Usage.TotalTokens)
	assert.Equal(t, "gpt-4o-mini", body["model"])
	assert.Len(t, body["messages"], 2)
}

func TestOpenAIAdapter_ErrorClasses(t *testing.T) {
	cases := []struct {
		status    int
		transient bool
	}{
		{http.StatusTooManyRequests, true},
		{http.StatusServiceUnavailable, true},
		{http.StatusBadRequest, false},
		{http.StatusUnauthorized, false},
		{http.StatusUnprocessableEntity, false},
	}
	for _, tc := range cases {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(tc.status)
			_, _ = io.WriteString(w, `{"error":{"message":"nope at db.internal:5432","type":"x"}}`)
		}))
		a, err := NewOpenAIAdapter(config.VendorConfig{APIKey: "sk-test", BaseURL: srv.URL + "/v1/"})
		require.NoError(t, err)
		_, err = a.Complete(context.Background(), adapter.CompletionRequest{Prompt: "x"})
		srv.Close()

		var pe *adapter.ProviderError
		require.True(t, errors.As(err, &pe), "status %d", tc.status)
		assert.Equal(t, tc.status, pe.StatusCode)
		assert.Equal(t, tc.transient, pe.Transient, "status %d", tc.status)
		assert.Equal(t, tc.transient, adapter.IsTransient(err))
		assert.NotContains(t, pe.Error(), "db.internal")
	}
}

func TestOpenAIAdapter_DispatchAndCancel(t *testing.T) {
	var paths []string
	var dispatched map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		paths = append(paths, r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		if strings.HasSuffix(r.URL.Path, "/responses") {
			b, _ := io.ReadAll(r.Body)
			_ = json.Unmarshal(b, &dispatched)
			_, _ = io.WriteString(w, `{"id":"resp_abc","object":"response","status":"queued"}`)
			return
		}
		_, _ = io.WriteString(w, `{"id":"resp_abc","object":"response","status":"cancelled"}`)
	}))
	defer srv.Close()

	a, err := NewOpenAIAdapter(config.VendorConfig{APIKey: "sk-test", BaseURL: srv.URL + "/v1/", DefaultModel: "gpt-4o-mini"})
	require.NoError(t, err)

	id, err := a.Dispatch(context.Background(), adapter.CompletionRequest{JobID: "job-1", SystemPrompt: "sys", Prompt: "hello"})
	require.NoError(t, err)
	assert.Equal(t, "resp_abc", id)
	assert.Equal(t, true, dispatched["background"])
	assert.Equal(t, "sys", dispatched["instructions"])
	assert.Equal(t, map[string]any{"job_id": "job-1"}, dispatched["metadata"])

	require.NoError(t, a.CancelRequest(context.Background(), "resp_abc"))
	assert.True(t, strings.HasSuffix(paths[len(paths)-1], "/responses/resp_abc/cancel"))
}

func TestAnthropicAdapter_Complete(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.True(t, strings.HasSuffix(r.URL.Path, "/messages"))
		var body map[string]any
		b, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(b, &body)
		assert.EqualValues(t, 4096, body["max_tokens"])
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"id":"msg_1","type":"message","role":"assistant","model":"claude-3-5-haiku-latest",
			"content":[{"type":"text","text":"hel"},{"type":"text","text":"lo"}],
			"stop_reason":"end_turn","usage":{"input_tokens":3,"output_tokens":2}}`)
	}))
	defer srv.Close()

	a, err := NewAnthropicAdapter(config.VendorConfig{APIKey: "k", BaseURL: srv.URL, DefaultModel: "claude-3-5-haiku-latest"})
	require.NoError(t, err)
	out, err := a.Complete(context.Background(), adapter.CompletionRequest{Prompt: "hi", SystemPrompt: "s"})
	require.NoError(t, err)
	assert.Equal(t, "hello", out.Text)
	assert.Equal(t, 5, out.Usage.TotalTokens)
	assert.Equal(t, "end_turn", out.FinishReason)
}

func TestAnthropicAdapter_Overloaded(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(529)
		_, _ = io.WriteString(w, `{"type":"error","error":{"type":"overloaded_error","message":"Overloaded"}}`)
	}))
	defer srv.Close()

	a, err := NewAnthropicAdapter(config.VendorConfig{APIKey: "k", BaseURL: srv.URL})
	require.NoError(t, err)
	_, err = a.Complete(context.Background(), adapter.CompletionRequest{Prompt: "hi"})
	assert.True(t, adapter.IsTransient(err))
}

func TestClassify(t *testing.T) {
	err := classify("gemini", errors.New("Error 429, Message: quota, Status: RESOURCE_EXHAUSTED"))
	var pe *adapter.ProviderError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, 429, pe.StatusCode)
	assert.True(t, pe.Transient)

	err = classify("gemini", errors.New("Error 400, Message: bad, Status: INVALID_ARGUMENT"))
	assert.False(t, adapter.IsTransient(err))

	err = classify("openai", context.DeadlineExceeded)
	assert.True(t, adapter.IsTransient(err))

	assert.ErrorIs(t, classify("openai", context.Canceled), context.Canceled)
	assert.False(t, adapter.IsTransient(classify("openai", context.Canceled)))
}
