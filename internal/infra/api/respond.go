package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"llm-dispatch/internal/domain"
	"llm-dispatch/internal/domain/ports/adapter"
	"llm-dispatch/internal/infra/logging"
)

const (
	msgInternal         = "Internal server error"
	msgUnauthorized     = "Unauthorized"
	msgMethodNotAllowed = "Method not allowed"
	msgNoCustomer       = "User is not associated with a customer"

	codeInvalidProvider = "INVALID_PROVIDER"
	codeRateLimited     = "RATE_LIMITED"
	codeProviderError   = "PROVIDER_ERROR"
	codeValidation      = "VALIDATION_ERROR"
	codeUnauthorized    = "UNAUTHORIZED"
	codeForbidden       = "FORBIDDEN"
	codeNotFound        = "NOT_FOUND"
	codeConflict        = "CONFLICT"
	codeInvalidSig      = "INVALID_SIGNATURE"
)

type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg, code string) {
	writeJSON(w, status, errorBody{Error: msg, Code: code})
}

// classifyError maps an error onto a status, a client-safe message and an
// optional code. Anything unrecognised is a 500 with a generic message.
func classifyError(err error) (int, string, string) {
	var (
		ve *domain.ValidationError
		pn *domain.ProviderNotFoundError
		rl *domain.RateLimitError
		ce *domain.ConflictError
		pe *adapter.ProviderError
	)
	switch {
	case errors.As(err, &ve):
		return http.StatusBadRequest, ve.Message, codeValidation
	case errors.As(err, &pn):
		return http.StatusBadRequest, pn.Error(), codeInvalidProvider
	case errors.As(err, &rl):
		return http.StatusTooManyRequests, rl.Error(), codeRateLimited
	case errors.As(err, &ce):
		return http.StatusConflict, ce.Error(), codeConflict
	case errors.Is(err, domain.ErrUnauthorized):
		return http.StatusUnauthorized, msgUnauthorized, codeUnauthorized
	case errors.Is(err, domain.ErrNoCustomer):
		return http.StatusForbidden, msgNoCustomer, codeForbidden
	case errors.Is(err, domain.ErrForbidden):
		return http.StatusForbidden, "Job belongs to another customer", codeForbidden
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound, "Job not found", codeNotFound
	case errors.Is(err, domain.ErrJobCancelled):
		return http.StatusConflict, "Job was cancelled while running", codeConflict
	case errors.Is(err, domain.ErrStateConflict):
		return http.StatusConflict, "Job is not in a cancellable state", codeConflict
	case errors.Is(err, domain.ErrInvalidSignature):
		return http.StatusBadRequest, "Invalid signature", codeInvalidSig
	case errors.Is(err, domain.ErrStaleWebhook):
		return http.StatusBadRequest, "Stale webhook timestamp", codeInvalidSig
	case errors.Is(err, domain.ErrUnknownEnvelope):
		return http.StatusBadRequest, "Unrecognized webhook payload", codeValidation
	case errors.Is(err, domain.ErrUnknownJob):
		return http.StatusBadRequest, "Unknown job", codeValidation
	case errors.Is(err, domain.ErrProviderFailed), errors.As(err, &pe):
		return http.StatusInternalServerError, "LLM request failed", codeProviderError
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "Request timed out", ""
	}
	return http.StatusInternalServerError, msgInternal, ""
}

// respondError writes the JSON error for err. 5xx causes are logged with the
// request ids; the client only sees the mapped message.
func respondError(w http.ResponseWriter, r *http.Request, logger *zerolog.Logger, err error) {
	status, msg, code := classifyError(err)
	if status >= http.StatusInternalServerError {
		logging.With(r.Context(), logger).Error().Err(err).Int("status", status).Msg("request failed")
	}
	var rl *domain.RateLimitError
	if errors.As(err, &rl) {
		secs := int(time.Until(rl.ResetAt).Seconds())
		if secs < 1 {
			secs = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(secs))
	}
	writeError(w, status, msg, code)
}
