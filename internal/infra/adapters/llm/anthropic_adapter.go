package llm

import (
	"context"
	"errors"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"llm-dispatch/internal/config"
	"llm-dispatch/internal/domain/model"
	"llm-dispatch/internal/domain/ports/adapter"
)

var _ adapter.LLMClient = (*AnthropicAdapter)(nil)

// Anthropic requires max_tokens on every call.
const defaultAnthropicMaxTokens = 4096

type AnthropicAdapter struct {
	messages     anthropic.MessageService
	defaultModel string
	maxOut       int
}

func NewAnthropicAdapter(cfg config.VendorConfig) (*AnthropicAdapter, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("anthropic api key empty")
	}
	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithMaxRetries(0),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	return &AnthropicAdapter{
		messages:     anthropic.NewClient(opts...).Messages,
		defaultModel: cfg.DefaultModel,
		maxOut:       cfg.MaxOutputTokens,
	}, nil
}

func (a *AnthropicAdapter) Kind() model.ProviderKind { return model.ProviderKindAnthropic }

func (a *AnthropicAdapter) Complete(ctx context.Context, req adapter.CompletionRequest) (*adapter.Completion, error) {
	m := modelOrDefault(req.Model, a.defaultModel)
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(m),
		MaxTokens: int64(firstPositive(req.MaxOutputTokens, a.maxOut, defaultAnthropicMaxTokens)),
	}
	for _, msg := range req.Messages() {
		if msg.Role == "system" {
			params.System = []anthropic.TextBlockParam{{Text: msg.Content}}
			continue
		}
		params.Messages = append(params.Messages, anthropic.NewUserMessage(anthropic.NewTextBlock(msg.Content)))
	}

	resp, err := a.messages.New(ctx, params)
	if err != nil {
		return nil, classify("anthropic", err)
	}
	var text strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	out := &adapter.Completion{
		Provider:     "anthropic",
		Model:        modelOrDefault(string(resp.Model), m),
		Text:         text.String(),
		FinishReason: string(resp.StopReason),
		Usage: adapter.Usage{
			PromptTokens:     int(resp.Usage.InputTokens),
			CompletionTokens: int(resp.Usage.OutputTokens),
			TotalTokens:      int(resp.Usage.InputTokens + resp.Usage.OutputTokens),
		},
	}
	fillUsage(out, req)
	return out, nil
}
