package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"llm-dispatch/internal/domain/model"
	"llm-dispatch/internal/domain/ports/repository"
	"llm-dispatch/internal/infra/metrics"
	red "llm-dispatch/internal/infra/redis"
)

var _ repository.ProviderRepository = (*providerRepoCacheDecorator)(nil)

const providerListKey = "llm_provider:all_enabled"

func providerSlugKey(slug string) string { return fmt.Sprintf("llm_provider:slug:%s", slug) }
func providerIDKey(id string) string     { return fmt.Sprintf("llm_provider:id:%s", id) }

// providerRepoCacheDecorator caches provider lookups in redis. Providers change
// only through seeding, so a short TTL is enough to pick up edits.
type providerRepoCacheDecorator struct {
	inner  repository.ProviderRepository
	cache  red.RedisClient
	ttl    time.Duration
	logger *zerolog.Logger
}

func NewProviderRepoCacheDecorator(inner repository.ProviderRepository, cache red.RedisClient, ttl time.Duration, logger *zerolog.Logger) repository.ProviderRepository {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	l := logger.With().Str("component", "provider_cache").Logger()
	return &providerRepoCacheDecorator{inner: inner, cache: cache, ttl: ttl, logger: &l}
}

func (d *providerRepoCacheDecorator) GetBySlug(ctx context.Context, tx repository.Tx, slug string) (*model.Provider, error) {
	return d.cachedOne(ctx, "provider_slug", providerSlugKey(slug), func() (*model.Provider, error) {
		return d.inner.GetBySlug(ctx, tx, slug)
	})
}

func (d *providerRepoCacheDecorator) GetByID(ctx context.Context, tx repository.Tx, id string) (*model.Provider, error) {
	return d.cachedOne(ctx, "provider_id", providerIDKey(id), func() (*model.Provider, error) {
		return d.inner.GetByID(ctx, tx, id)
	})
}

func (d *providerRepoCacheDecorator) cachedOne(ctx context.Context, name, key string, load func() (*model.Provider, error)) (*model.Provider, error) {
	val, err := d.cache.Get(ctx, key)
	if err == nil {
		var p model.Provider
		if json.Unmarshal([]byte(val), &p) == nil {
			metrics.IncCacheRequest(name, metrics.CacheHit)
			return &p, nil
		}
	} else if !errors.Is(err, red.Nil) {
		metrics.IncCacheRequest(name, metrics.CacheError)
		d.logger.Warn().Err(err).Str("key", key).Msg("cache read failed")
	}

	metrics.IncCacheRequest(name, metrics.CacheMiss)
	p, err := load()
	if err != nil {
		return nil, err
	}
	if b, err := json.Marshal(p); err == nil {
		_ = d.cache.Set(ctx, key, b, d.ttl)
	}
	return p, nil
}

func (d *providerRepoCacheDecorator) ListEnabled(ctx context.Context, tx repository.Tx) ([]*model.Provider, error) {
	val, err := d.cache.Get(ctx, providerListKey)
	if err == nil {
		var ps []*model.Provider
		if json.Unmarshal([]byte(val), &ps) == nil {
			metrics.IncCacheRequest("provider_list", metrics.CacheHit)
			return ps, nil
		}
	}

	metrics.IncCacheRequest("provider_list", metrics.CacheMiss)
	ps, err := d.inner.ListEnabled(ctx, tx)
	if err != nil {
		return nil, err
	}
	if len(ps) > 0 {
		b, _ := json.Marshal(ps)
		_ = d.cache.Set(ctx, providerListKey, b, d.ttl)
	}
	return ps, nil
}

// Upsert must invalidate every key the provider may be cached under.
func (d *providerRepoCacheDecorator) Upsert(ctx context.Context, tx repository.Tx, p *model.Provider) error {
	if err := d.inner.Upsert(ctx, tx, p); err != nil {
		return err
	}
	_ = d.cache.Del(ctx, providerSlugKey(p.Slug), providerIDKey(p.ID), providerListKey)
	return nil
}
