package llm

import (
	"encoding/json"
	"fmt"

	"llm-dispatch/internal/config"
	"llm-dispatch/internal/domain/model"
)

// ProviderFromSeed turns a configured provider entry into a provider row.
// Model and output limits fall back to the vendor defaults for the kind.
func ProviderFromSeed(s config.ProviderSeed, vendors config.LLMConfig) (*model.Provider, error) {
	kind := model.ProviderKind(s.Kind)
	if !kind.Valid() {
		return nil, fmt.Errorf("provider %s: unsupported kind %q", s.Slug, s.Kind)
	}
	var vendor config.VendorConfig
	switch kind {
	case model.ProviderKindOpenAI:
		vendor = vendors.OpenAI
	case model.ProviderKindAnthropic:
		vendor = vendors.Anthropic
	case model.ProviderKindGemini:
		vendor = vendors.Gemini
	}

	settings := model.ProviderSettings{
		Model:           s.Model,
		MaxOutputTokens: s.MaxOutputTokens,
		Delivery:        s.Delivery,
	}
	if settings.Model == "" {
		settings.Model = vendor.DefaultModel
	}
	if settings.MaxOutputTokens == 0 {
		settings.MaxOutputTokens = vendor.MaxOutputTokens
	}
	if settings.Delivery == "" {
		settings.Delivery = model.DeliverySync
	}
	raw, err := json.Marshal(settings)
	if err != nil {
		return nil, err
	}

	name := s.Name
	if name == "" {
		name = s.Slug
	}
	return &model.Provider{
		Slug:           s.Slug,
		Kind:           kind,
		Name:           name,
		TimeoutSeconds: s.TimeoutSeconds,
		MaxRetries:     s.MaxRetries,
		Config:         raw,
		Enabled:        s.IsEnabled(),
	}, nil
}
