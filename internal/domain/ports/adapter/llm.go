package adapter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	"llm-dispatch/internal/domain/model"
)

// Message represents a chat message.
type Message struct {
	Role    string `json:"role"` // "user", "assistant", "system"
	Content string `json:"content"`
}

// Usage for a single completion call.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// CompletionRequest is what a job turns into before it reaches a provider.
type CompletionRequest struct {
	JobID        string
	Model        string
	SystemPrompt string
	Prompt       string
	// Input is appended to the prompt as a JSON block when present.
	Input           json.RawMessage
	MaxOutputTokens int
}

// NewCompletionRequest builds the provider request for a job using the
// provider's configured model and output cap.
func NewCompletionRequest(p *model.Provider, j *model.Job) CompletionRequest {
	s := p.Settings()
	return CompletionRequest{
		JobID:           j.ID,
		Model:           s.Model,
		SystemPrompt:    j.SystemPrompt,
		Prompt:          j.Prompt,
		Input:           j.Input,
		MaxOutputTokens: s.MaxOutputTokens,
	}
}

// Messages flattens the request into chat messages.
func (r CompletionRequest) Messages() []Message {
	msgs := make([]Message, 0, 2)
	if r.SystemPrompt != "" {
		msgs = append(msgs, Message{Role: "system", Content: r.SystemPrompt})
	}
	content := r.Prompt
	if len(r.Input) > 0 && string(r.Input) != "null" {
		content += "\n\nInput:\n" + string(r.Input)
	}
	return append(msgs, Message{Role: "user", Content: content})
}

// Completion is the normalized provider response stored as the job result.
type Completion struct {
	Provider     string          `json:"provider"`
	Model        string          `json:"model"`
	Text         string          `json:"text"`
	FinishReason string          `json:"finish_reason,omitempty"`
	Usage        Usage           `json:"usage"`
	Raw          json.RawMessage `json:"raw,omitempty"`
}

// LLMClient is the port every provider backend implements.
type LLMClient interface {
	Kind() model.ProviderKind
	Complete(ctx context.Context, req CompletionRequest) (*Completion, error)
}

// Dispatcher is implemented by clients that can hand a request off to the
// provider and receive the result later through the webhook receiver.
type Dispatcher interface {
	Dispatch(ctx context.Context, req CompletionRequest) (providerRequestID string, err error)
}

// Canceller is implemented by clients whose provider can abort in-flight work.
type Canceller interface {
	CancelRequest(ctx context.Context, providerRequestID string) error
}

// ProviderError is the only error shape adapters return for upstream failures.
type ProviderError struct {
	Provider   string
	StatusCode int
	Transient  bool
	Err        error
}

func (e *ProviderError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s: upstream status %d", e.Provider, e.StatusCode)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s", e.Provider, Sanitize(e.Err.Error()))
	}
	return e.Provider + ": request failed"
}

func (e *ProviderError) Unwrap() error { return e.Err }

// NewProviderError classifies a failure by its HTTP status. A zero status means
// the request never got an answer (timeout, reset, DNS) and is retried.
func NewProviderError(provider string, status int, err error) *ProviderError {
	return &ProviderError{
		Provider:   provider,
		StatusCode: status,
		Transient:  IsTransientStatus(status),
		Err:        err,
	}
}

func IsTransientStatus(status int) bool {
	switch {
	case status == 0:
		return true
	case status == 408, status == 429:
		return true
	case status >= 500:
		return true
	}
	return false
}

// IsTransient reports whether err is worth another attempt. Errors that are not
// ProviderErrors are treated as transient; context cancellation is not.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Transient
	}
	return true
}

var (
	reConnString = regexp.MustCompile(`[a-z][a-z0-9+.-]*://[^\s"']+`)
	reBearer     = regexp.MustCompile(`(?i)(bearer|api[_-]?key|token|secret|password)[=: ]+[^\s"',]+`)
	reSKKey      = regexp.MustCompile(`\bsk-[A-Za-z0-9_-]{8,}`)
	reHostPort   = regexp.MustCompile(`\b[\w.-]+:\d{2,5}\b`)
	reStackFrame = regexp.MustCompile(`\s+at\s+\S+`)
)

const maxErrorLen = 300

// Sanitize strips anything from an error message that could leak
// infrastructure details before it is persisted on a job.
func Sanitize(msg string) string {
	if i := strings.IndexByte(msg, '\n'); i >= 0 {
		msg = msg[:i]
	}
	msg = reConnString.ReplaceAllString(msg, "[redacted]")
	msg = reBearer.ReplaceAllString(msg, "$1=[redacted]")
	msg = reSKKey.ReplaceAllString(msg, "[redacted]")
	msg = reHostPort.ReplaceAllString(msg, "[redacted]")
	msg = reStackFrame.ReplaceAllString(msg, "")
	msg = strings.TrimSpace(msg)
	if len(msg) > maxErrorLen {
		msg = msg[:maxErrorLen]
		// never leave half a multi-byte rune; the store rejects invalid UTF-8
		for len(msg) > 0 && !utf8.ValidString(msg) {
			msg = msg[:len(msg)-1]
		}
	}
	if msg == "" {
		return "request failed"
	}
	return msg
}
