package adapter

import (
	"context"
	"time"
)

// ReplayGuard remembers keys for ttl. FirstSeen returns true exactly once per
// key within that window, across every process sharing the guard. Forget
// releases a key whose delivery could not be applied so a redelivery is
// processed again.
type ReplayGuard interface {
	FirstSeen(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Forget(ctx context.Context, key string) error
}
