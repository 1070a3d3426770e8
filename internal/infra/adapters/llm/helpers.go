package llm

import (
	"strings"

	"llm-dispatch/internal/domain/ports/adapter"
)

func modelOrDefault(model, def string) string {
	if strings.TrimSpace(model) != "" {
		return model
	}
	return def
}

func firstPositive(vals ...int) int {
	for _, v := range vals {
		if v > 0 {
			return v
		}
	}
	return 0
}

// fillUsage estimates token counts when the provider did not report them.
func fillUsage(c *adapter.Completion, req adapter.CompletionRequest) {
	if c.Usage.TotalTokens > 0 {
		return
	}
	if c.Usage.PromptTokens == 0 {
		for _, m := range req.Messages() {
			c.Usage.PromptTokens += EstimateTokens(m.Content)
		}
	}
	if c.Usage.CompletionTokens == 0 {
		c.Usage.CompletionTokens = EstimateTokens(c.Text)
	}
	c.Usage.TotalTokens = c.Usage.PromptTokens + c.Usage.CompletionTokens
}
