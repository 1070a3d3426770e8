package llm

import (
	"context"
	"errors"
	"net"
	"regexp"
	"strconv"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/openai/openai-go/v2"

	"llm-dispatch/internal/domain/ports/adapter"
)

// genai reports API failures as "Error 429, Message: ..., Status: ...".
var genaiStatus = regexp.MustCompile(`^Error (\d{3})\b`)

// classify turns an SDK error into an adapter.ProviderError. Timeouts and
// network failures carry status 0 and are transient.
func classify(provider string, err error) error {
	if err == nil {
		return nil
	}
	var pe *adapter.ProviderError
	if errors.As(err, &pe) {
		return pe
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return adapter.NewProviderError(provider, 0, err)
	}

	var oe *openai.Error
	if errors.As(err, &oe) {
		return adapter.NewProviderError(provider, oe.StatusCode, errors.New(oe.Message))
	}
	var ae *anthropic.Error
	if errors.As(err, &ae) {
		// 529 is Anthropic's overload signal; >= 500 covers it
		return adapter.NewProviderError(provider, ae.StatusCode, errors.New(ae.Error()))
	}
	if m := genaiStatus.FindStringSubmatch(err.Error()); len(m) == 2 {
		code, _ := strconv.Atoi(m[1])
		return adapter.NewProviderError(provider, code, err)
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return adapter.NewProviderError(provider, 0, err)
	}
	return adapter.NewProviderError(provider, 0, err)
}
