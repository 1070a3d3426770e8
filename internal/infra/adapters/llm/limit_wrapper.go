package llm

import (
	"context"

	"golang.org/x/time/rate"

	"llm-dispatch/internal/domain/model"
	"llm-dispatch/internal/domain/ports/adapter"
)

// Compile-time check
var (
	_ adapter.LLMClient  = (*limitedClient)(nil)
	_ adapter.Dispatcher = (*limitedDispatcher)(nil)
	_ adapter.Canceller  = (*limitedDispatcher)(nil)
)

type limitedClient struct {
	inner   adapter.LLMClient
	sem     chan struct{}
	limiter *rate.Limiter
}

// limitedDispatcher keeps the optional webhook capabilities of inner visible.
type limitedDispatcher struct {
	*limitedClient
	d adapter.Dispatcher
	c adapter.Canceller
}

// NewLimitedClient bounds in-flight calls to maxConcurrent and the call rate to
// rps (0 disables either bound).
func NewLimitedClient(inner adapter.LLMClient, maxConcurrent int, rps float64) adapter.LLMClient {
	if maxConcurrent <= 0 && rps <= 0 {
		return inner
	}
	l := &limitedClient{inner: inner}
	if maxConcurrent > 0 {
		l.sem = make(chan struct{}, maxConcurrent)
	}
	if rps > 0 {
		burst := int(rps)
		if burst < 1 {
			burst = 1
		}
		l.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
	d, okD := inner.(adapter.Dispatcher)
	c, okC := inner.(adapter.Canceller)
	if okD && okC {
		return &limitedDispatcher{limitedClient: l, d: d, c: c}
	}
	return l
}

func (l *limitedClient) acquire(ctx context.Context) (func(), error) {
	if l.limiter != nil {
		if err := l.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}
	if l.sem == nil {
		return func() {}, nil
	}
	select {
	case l.sem <- struct{}{}:
		return func() { <-l.sem }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (l *limitedClient) Kind() model.ProviderKind { return l.inner.Kind() }

func (l *limitedClient) Complete(ctx context.Context, req adapter.CompletionRequest) (*adapter.Completion, error) {
	release, err := l.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()
	return l.inner.Complete(ctx, req)
}

func (l *limitedDispatcher) Dispatch(ctx context.Context, req adapter.CompletionRequest) (string, error) {
	release, err := l.acquire(ctx)
	if err != nil {
		return "", err
	}
	defer release()
	return l.d.Dispatch(ctx, req)
}

// CancelRequest is not throttled; aborting work should never wait behind it.
func (l *limitedDispatcher) CancelRequest(ctx context.Context, providerRequestID string) error {
	return l.c.CancelRequest(ctx, providerRequestID)
}
