package llm

import (
	"context"
	"errors"

	"google.golang.org/genai"

	"llm-dispatch/internal/config"
	"llm-dispatch/internal/domain/model"
	"llm-dispatch/internal/domain/ports/adapter"
)

var _ adapter.LLMClient = (*GeminiAdapter)(nil)

type GeminiAdapter struct {
	client       *genai.Client
	defaultModel string
	maxOut       int
}

// NewGeminiAdapter creates a Gemini adapter using the official SDK.
func NewGeminiAdapter(ctx context.Context, cfg config.VendorConfig) (*GeminiAdapter, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("gemini: empty api key")
	}
	c, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
		HTTPOptions: genai.HTTPOptions{
			BaseURL: cfg.BaseURL,
		},
	})
	if err != nil {
		return nil, err
	}
	return &GeminiAdapter{client: c, defaultModel: cfg.DefaultModel, maxOut: cfg.MaxOutputTokens}, nil
}

func (g *GeminiAdapter) Kind() model.ProviderKind { return model.ProviderKindGemini }

func (g *GeminiAdapter) Complete(ctx context.Context, req adapter.CompletionRequest) (*adapter.Completion, error) {
	m := modelOrDefault(req.Model, g.defaultModel)
	cfg := &genai.GenerateContentConfig{}
	if n := firstPositive(req.MaxOutputTokens, g.maxOut); n > 0 {
		cfg.MaxOutputTokens = int32(n)
	}
	var contents []*genai.Content
	for _, msg := range req.Messages() {
		if msg.Role == "system" {
			cfg.SystemInstruction = genai.NewContentFromText(msg.Content, genai.RoleUser)
			continue
		}
		contents = append(contents, genai.NewContentFromText(msg.Content, genai.RoleUser))
	}

	resp, err := g.client.Models.GenerateContent(ctx, m, contents, cfg)
	if err != nil {
		return nil, classify("gemini", err)
	}
	if resp == nil || len(resp.Candidates) == 0 {
		// blocked prompts come back without candidates
		return nil, adapter.NewProviderError("gemini", 422, errors.New("no candidates in response"))
	}
	out := &adapter.Completion{
		Provider:     "gemini",
		Model:        m,
		Text:         resp.Text(),
		FinishReason: string(resp.Candidates[0].FinishReason),
	}
	if resp.UsageMetadata != nil {
		out.Usage = adapter.Usage{
			PromptTokens:     int(resp.UsageMetadata.PromptTokenCount),
			CompletionTokens: int(resp.UsageMetadata.CandidatesTokenCount),
			TotalTokens:      int(resp.UsageMetadata.TotalTokenCount),
		}
	}
	fillUsage(out, req)
	return out, nil
}
