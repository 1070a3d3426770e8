package llm

import (
	"context"
	"encoding/json"
	"errors"
	"net/url"
	"strings"

	"github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/option"

	"llm-dispatch/internal/config"
	"llm-dispatch/internal/domain/model"
	"llm-dispatch/internal/domain/ports/adapter"
)

// Compile-time assurance this adapter satisfies the ports
var (
	_ adapter.LLMClient  = (*OpenAIAdapter)(nil)
	_ adapter.Dispatcher = (*OpenAIAdapter)(nil)
	_ adapter.Canceller  = (*OpenAIAdapter)(nil)
)

// OpenAIAdapter serves sync calls through Chat Completions and webhook
// delivery through background Responses.
type OpenAIAdapter struct {
	client       openai.Client
	defaultModel string
	maxOut       int
}

func NewOpenAIAdapter(cfg config.VendorConfig) (*OpenAIAdapter, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("openai api key empty")
	}
	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		// retries are the worker's job
		option.WithMaxRetries(0),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	return &OpenAIAdapter{
		client:       openai.NewClient(opts...),
		defaultModel: cfg.DefaultModel,
		maxOut:       cfg.MaxOutputTokens,
	}, nil
}

func (o *OpenAIAdapter) Kind() model.ProviderKind { return model.ProviderKindOpenAI }

func (o *OpenAIAdapter) Complete(ctx context.Context, req adapter.CompletionRequest) (*adapter.Completion, error) {
	m := modelOrDefault(req.Model, o.defaultModel)
	var msgs []openai.ChatCompletionMessageParamUnion
	for _, msg := range req.Messages() {
		if msg.Role == "system" {
			msgs = append(msgs, openai.SystemMessage(msg.Content))
			continue
		}
		msgs = append(msgs, openai.UserMessage(msg.Content))
	}
	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(m),
		Messages: msgs,
	}
	if n := firstPositive(req.MaxOutputTokens, o.maxOut); n > 0 {
		params.MaxCompletionTokens = openai.Int(int64(n))
	}

	resp, err := o.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, classify("openai", err)
	}
	if len(resp.Choices) == 0 {
		return nil, adapter.NewProviderError("openai", 502, errors.New("no choices in response"))
	}
	out := &adapter.Completion{
		Provider:     "openai",
		Model:        modelOrDefault(resp.Model, m),
		Text:         resp.Choices[0].Message.Content,
		FinishReason: string(resp.Choices[0].FinishReason),
		Usage: adapter.Usage{
			PromptTokens:     int(resp.Usage.PromptTokens),
			CompletionTokens: int(resp.Usage.CompletionTokens),
			TotalTokens:      int(resp.Usage.TotalTokens),
		},
	}
	fillUsage(out, req)
	return out, nil
}

type responseObject struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

// Dispatch starts a background response. The result arrives later as a
// webhook carrying metadata.job_id.
func (o *OpenAIAdapter) Dispatch(ctx context.Context, req adapter.CompletionRequest) (string, error) {
	body := map[string]any{
		"model":      modelOrDefault(req.Model, o.defaultModel),
		"background": true,
		"metadata":   map[string]string{"job_id": req.JobID},
	}
	var input []map[string]string
	for _, msg := range req.Messages() {
		if msg.Role == "system" {
			body["instructions"] = msg.Content
			continue
		}
		input = append(input, map[string]string{"role": msg.Role, "content": msg.Content})
	}
	body["input"] = input
	if n := firstPositive(req.MaxOutputTokens, o.maxOut); n > 0 {
		body["max_output_tokens"] = n
	}

	var res responseObject
	if err := o.client.Post(ctx, "responses", body, &res); err != nil {
		return "", classify("openai", err)
	}
	if res.ID == "" {
		return "", adapter.NewProviderError("openai", 502, errors.New("response id missing"))
	}
	return res.ID, nil
}

func (o *OpenAIAdapter) CancelRequest(ctx context.Context, providerRequestID string) error {
	var res json.RawMessage
	path := "responses/" + url.PathEscape(strings.TrimSpace(providerRequestID)) + "/cancel"
	if err := o.client.Post(ctx, path, nil, &res); err != nil {
		return classify("openai", err)
	}
	return nil
}
