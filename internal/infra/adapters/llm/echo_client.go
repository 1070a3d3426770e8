package llm

import (
	"context"
	"time"

	"llm-dispatch/internal/domain/model"
	"llm-dispatch/internal/domain/ports/adapter"
)

var _ adapter.LLMClient = (*EchoClient)(nil)

// EchoClient answers every request with its own prompt. It stands in for
// real providers in -dev runs without API keys.
type EchoClient struct {
	kind  model.ProviderKind
	delay time.Duration
}

func NewEchoClient(kind model.ProviderKind, delay time.Duration) *EchoClient {
	return &EchoClient{kind: kind, delay: delay}
}

func (e *EchoClient) Kind() model.ProviderKind { return e.kind }

func (e *EchoClient) Complete(ctx context.Context, req adapter.CompletionRequest) (*adapter.Completion, error) {
	if e.delay > 0 {
		select {
		case <-time.After(e.delay):
		case <-ctx.Done():
			return nil, adapter.NewProviderError(string(e.kind), 0, ctx.Err())
		}
	}
	msgs := req.Messages()
	out := &adapter.Completion{
		Provider:     string(e.kind),
		Model:        modelOrDefault(req.Model, "echo"),
		Text:         msgs[len(msgs)-1].Content,
		FinishReason: "stop",
	}
	fillUsage(out, req)
	return out, nil
}
