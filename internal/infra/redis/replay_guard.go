// File: internal/infra/redis/replay_guard.go
package redis

import (
	"context"
	"fmt"
	"time"

	"llm-dispatch/internal/domain/ports/adapter"
)

var _ adapter.ReplayGuard = (*ReplayGuard)(nil)

// ReplayGuard marks webhook deliveries as seen with SETNX so a captured
// request cannot be replayed inside the timestamp tolerance window.
type ReplayGuard struct {
	cli    RedisClient
	prefix string
}

func NewReplayGuard(c RedisClient) *ReplayGuard {
	return &ReplayGuard{cli: c, prefix: "llm:webhook:seen:"}
}

func (g *ReplayGuard) FirstSeen(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := g.cli.SetNX(ctx, g.prefix+key, time.Now().Unix(), ttl)
	if err != nil {
		return false, fmt.Errorf("replay guard: %w", err)
	}
	return ok, nil
}

func (g *ReplayGuard) Forget(ctx context.Context, key string) error {
	if err := g.cli.Del(ctx, g.prefix+key); err != nil {
		return fmt.Errorf("replay guard: %w", err)
	}
	return nil
}
