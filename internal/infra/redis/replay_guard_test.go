//go:build !integration

package redis

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRedis struct {
	mu   sync.Mutex
	data map[string]interface{}
	err  error
}

func (f *fakeRedis) Ping(ctx context.Context) error { return f.err }
func (f *fakeRedis) Set(ctx context.Context, key string, value interface{}, _ time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.data[key] = value
	return f.err
}
func (f *fakeRedis) SetNX(ctx context.Context, key string, value interface{}, _ time.Duration) (bool, error) {
	if f.err != nil {
		return false, f.err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.data[key]; ok {
		return false, nil
	}
	f.data[key] = value
	return true, nil
}
func (f *fakeRedis) Get(ctx context.Context, key string) (string, error) { return "", Nil }
func (f *fakeRedis) Del(ctx context.Context, keys ...string) error {
	if f.err != nil {
		return f.err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, k := range keys {
		delete(f.data, k)
	}
	return nil
}
func (f *fakeRedis) Close() error { return nil }

func TestReplayGuard(t *testing.T) {
	ctx := context.Background()
	g := NewReplayGuard(&fakeRedis{data: map[string]interface{}{}})

	first, err := g.FirstSeen(ctx, "sig-a", time.Minute)
	require.NoError(t, err)
	assert.True(t, first)

	again, err := g.FirstSeen(ctx, "sig-a", time.Minute)
	require.NoError(t, err)
	assert.False(t, again)

	other, err := g.FirstSeen(ctx, "sig-b", time.Minute)
	require.NoError(t, err)
	assert.True(t, other)
}

func TestReplayGuard_ForgetAllowsRedelivery(t *testing.T) {
	ctx := context.Background()
	g := NewReplayGuard(&fakeRedis{data: map[string]interface{}{}})

	first, err := g.FirstSeen(ctx, "sig-a", time.Minute)
	require.NoError(t, err)
	require.True(t, first)

	require.NoError(t, g.Forget(ctx, "sig-a"))

	again, err := g.FirstSeen(ctx, "sig-a", time.Minute)
	require.NoError(t, err)
	assert.True(t, again)
}

func TestReplayGuard_Error(t *testing.T) {
	g := NewReplayGuard(&fakeRedis{data: map[string]interface{}{}, err: errors.New("conn refused")})
	_, err := g.FirstSeen(context.Background(), "k", time.Minute)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "replay guard")
}
