package model

import (
	"encoding/json"
	"time"
)

// ProviderKind is the closed set of LLM backends the registry can build clients for.
type ProviderKind string

const (
	ProviderKindOpenAI    ProviderKind = "openai"
	ProviderKindAnthropic ProviderKind = "anthropic"
	ProviderKindGemini    ProviderKind = "gemini"
)

func (k ProviderKind) Valid() bool {
	switch k {
	case ProviderKindOpenAI, ProviderKindAnthropic, ProviderKindGemini:
		return true
	}
	return false
}

// Delivery modes for a provider.
const (
	DeliverySync    = "sync"
	DeliveryWebhook = "webhook"
)

type Provider struct {
	ID             string          `json:"id"`
	Slug           string          `json:"slug"`
	Kind           ProviderKind    `json:"kind"`
	Name           string          `json:"name"`
	TimeoutSeconds int             `json:"timeout_seconds"`
	MaxRetries     int             `json:"max_retries"`
	Config         json.RawMessage `json:"config,omitempty"`
	Enabled        bool            `json:"enabled"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// ProviderSettings is the decoded form of Provider.Config.
type ProviderSettings struct {
	Model           string `json:"model"`
	MaxOutputTokens int    `json:"max_output_tokens"`
	Delivery        string `json:"delivery"`
}

func (p *Provider) Settings() ProviderSettings {
	var s ProviderSettings
	if len(p.Config) > 0 {
		_ = json.Unmarshal(p.Config, &s)
	}
	if s.Delivery == "" {
		s.Delivery = DeliverySync
	}
	return s
}

func (p *Provider) Timeout() time.Duration {
	if p.TimeoutSeconds <= 0 {
		return 60 * time.Second
	}
	return time.Duration(p.TimeoutSeconds) * time.Second
}
