//go:build !integration

package llm

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"llm-dispatch/internal/domain/model"
	"llm-dispatch/internal/domain/ports/adapter"
)

type slowClient struct {
	inFlight, peak int32
}

func (s *slowClient) Kind() model.ProviderKind { return model.ProviderKindGemini }
func (s *slowClient) Complete(ctx context.Context, req adapter.CompletionRequest) (*adapter.Completion, error) {
	n := atomic.AddInt32(&s.inFlight, 1)
	for {
		p := atomic.LoadInt32(&s.peak)
		if n <= p || atomic.CompareAndSwapInt32(&s.peak, p, n) {
			break
		}
	}
	time.Sleep(20 * time.Millisecond)
	atomic.AddInt32(&s.inFlight, -1)
	return &adapter.Completion{Text: "ok"}, nil
}

type dispatchingClient struct{ slowClient }

func (d *dispatchingClient) Dispatch(ctx context.Context, req adapter.CompletionRequest) (string, error) {
	return "req-1", nil
}
func (d *dispatchingClient) CancelRequest(ctx context.Context, id string) error { return nil }

func TestLimitedClient_BoundsConcurrency(t *testing.T) {
	inner := &slowClient{}
	c := NewLimitedClient(inner, 2, 0)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = c.Complete(context.Background(), adapter.CompletionRequest{Prompt: "x"})
		}()
	}
	wg.Wait()
	assert.LessOrEqual(t, atomic.LoadInt32(&inner.peak), int32(2))
}

func TestLimitedClient_RespectsContext(t *testing.T) {
	c := NewLimitedClient(&slowClient{}, 1, 0).(*limitedClient)
	c.sem <- struct{}{} // occupy the only slot
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := c.Complete(ctx, adapter.CompletionRequest{Prompt: "x"})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestLimitedClient_KeepsDispatcher(t *testing.T) {
	c := NewLimitedClient(&dispatchingClient{}, 2, 10)
	_, ok := c.(adapter.Dispatcher)
	assert.True(t, ok)
	_, ok = c.(adapter.Canceller)
	assert.True(t, ok)

	plain := NewLimitedClient(&slowClient{}, 2, 10)
	_, ok = plain.(adapter.Dispatcher)
	assert.False(t, ok)
}
