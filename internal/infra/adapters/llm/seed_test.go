//go:build !integration

package llm_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"llm-dispatch/internal/config"
	"llm-dispatch/internal/domain/model"
	"llm-dispatch/internal/infra/adapters/llm"
)

func TestProviderFromSeed(t *testing.T) {
	vendors := config.LLMConfig{
		Anthropic: config.VendorConfig{DefaultModel: "claude-sonnet-4-5", MaxOutputTokens: 2048},
	}
	off := false

	p, err := llm.ProviderFromSeed(config.ProviderSeed{
		Slug: "claude-batch", Kind: "anthropic", MaxRetries: 2, Delivery: "webhook", Enabled: &off,
	}, vendors)
	require.NoError(t, err)

	assert.Equal(t, "claude-batch", p.Name)
	assert.Equal(t, model.ProviderKindAnthropic, p.Kind)
	assert.False(t, p.Enabled)
	assert.Equal(t, model.ProviderSettings{
		Model: "claude-sonnet-4-5", MaxOutputTokens: 2048, Delivery: model.DeliveryWebhook,
	}, p.Settings())

	_, err = llm.ProviderFromSeed(config.ProviderSeed{Slug: "x", Kind: "mistral"}, vendors)
	assert.Error(t, err)
}
