package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"llm-dispatch/internal/config"
	"llm-dispatch/internal/domain"
	"llm-dispatch/internal/domain/model"
	"llm-dispatch/internal/domain/ports/adapter"
	"llm-dispatch/internal/domain/ports/repository"
)

// Clients holds one client per provider kind. A nil field means the kind is
// not configured in this process.
type Clients struct {
	OpenAI    adapter.LLMClient
	Anthropic adapter.LLMClient
	Gemini    adapter.LLMClient
}

// Registry resolves provider rows and maps them onto clients.
type Registry struct {
	providers   repository.ProviderRepository
	clients     Clients
	defaultSlug string
}

func NewRegistry(providers repository.ProviderRepository, clients Clients, defaultSlug string) *Registry {
	return &Registry{providers: providers, clients: clients, defaultSlug: defaultSlug}
}

// Resolve looks up an enabled provider by slug. An empty slug selects the
// default provider; unknown and disabled slugs are a ProviderNotFoundError.
func (r *Registry) Resolve(ctx context.Context, tx repository.Tx, slug string) (*model.Provider, error) {
	slug = strings.TrimSpace(slug)
	if slug == "" {
		slug = r.defaultSlug
	}
	p, err := r.providers.GetBySlug(ctx, tx, slug)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, &domain.ProviderNotFoundError{Slug: slug}
		}
		return nil, err
	}
	if !p.Enabled {
		return nil, &domain.ProviderNotFoundError{Slug: slug}
	}
	return p, nil
}

// ByID is used by the worker and webhook paths, which only carry provider ids.
// Disabled providers still resolve so in-flight jobs can finish.
func (r *Registry) ByID(ctx context.Context, id string) (*model.Provider, error) {
	return r.providers.GetByID(ctx, nil, id)
}

// Client returns the client for p.Kind.
func (r *Registry) Client(p *model.Provider) (adapter.LLMClient, error) {
	var c adapter.LLMClient
	switch p.Kind {
	case model.ProviderKindOpenAI:
		c = r.clients.OpenAI
	case model.ProviderKindAnthropic:
		c = r.clients.Anthropic
	case model.ProviderKindGemini:
		c = r.clients.Gemini
	default:
		return nil, fmt.Errorf("%w: %q", domain.ErrUnsupportedKind, p.Kind)
	}
	if c == nil {
		return nil, fmt.Errorf("%w: %s client not configured", domain.ErrUnsupportedKind, p.Kind)
	}
	return c, nil
}

// NewClientsFromConfig builds a client for every kind with an API key. In dev
// mode kinds without a key get an EchoClient.
func NewClientsFromConfig(ctx context.Context, cfg config.LLMConfig, dev bool, logger *zerolog.Logger) (Clients, error) {
	var out Clients
	wrap := func(c adapter.LLMClient) adapter.LLMClient {
		return NewLimitedClient(c, cfg.ConcurrentLimit, cfg.RequestsPerSecond)
	}
	for _, kind := range []model.ProviderKind{model.ProviderKindOpenAI, model.ProviderKindAnthropic, model.ProviderKindGemini} {
		var (
			c   adapter.LLMClient
			err error
		)
		switch kind {
		case model.ProviderKindOpenAI:
			if cfg.OpenAI.APIKey != "" {
				c, err = NewOpenAIAdapter(cfg.OpenAI)
			}
		case model.ProviderKindAnthropic:
			if cfg.Anthropic.APIKey != "" {
				c, err = NewAnthropicAdapter(cfg.Anthropic)
			}
		case model.ProviderKindGemini:
			if cfg.Gemini.APIKey != "" {
				c, err = NewGeminiAdapter(ctx, cfg.Gemini)
			}
		}
		if err != nil {
			return Clients{}, fmt.Errorf("init %s client: %w", kind, err)
		}
		if c == nil && dev {
			logger.Warn().Str("kind", string(kind)).Msg("no api key; using echo client")
			c = NewEchoClient(kind, 0)
		}
		if c == nil {
			logger.Warn().Str("kind", string(kind)).Msg("no api key; provider kind disabled")
			continue
		}
		switch kind {
		case model.ProviderKindOpenAI:
			out.OpenAI = wrap(c)
		case model.ProviderKindAnthropic:
			out.Anthropic = wrap(c)
		case model.ProviderKindGemini:
			out.Gemini = wrap(c)
		}
	}
	return out, nil
}
