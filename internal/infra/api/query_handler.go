package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/tidwall/gjson"

	"llm-dispatch/internal/domain"
	"llm-dispatch/internal/domain/model"
	"llm-dispatch/internal/usecase"
)

const maxQueryBody = 4 << 20

var featureSlugRe = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

type rateLimitBody struct {
	Used      int       `json:"used"`
	Quota     int       `json:"quota"`
	Remaining int       `json:"remaining"`
	ResetAt   time.Time `json:"reset_at"`
}

func newRateLimitBody(u *model.RateLimitUsage) *rateLimitBody {
	if u == nil {
		return nil
	}
	return &rateLimitBody{Used: u.Used, Quota: u.Quota, Remaining: u.Remaining(), ResetAt: u.ResetAt}
}

type queryResponse struct {
	JobID     string          `json:"job_id"`
	Status    model.JobStatus `json:"status"`
	Result    json.RawMessage `json:"result,omitempty"`
	RateLimit *rateLimitBody  `json:"rate_limit,omitempty"`
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	sess, r, ok := s.authenticate(w, r)
	if !ok {
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxQueryBody))
	if err != nil {
		var mbe *http.MaxBytesError
		if errors.As(err, &mbe) {
			writeError(w, http.StatusRequestEntityTooLarge, "Request body too large", codeValidation)
			return
		}
		writeError(w, http.StatusBadRequest, "Invalid JSON body", codeValidation)
		return
	}
	in, err := parseQuery(body)
	if err != nil {
		respondError(w, r, s.log, err)
		return
	}
	in.IdempotencyKey = r.Header.Get("Idempotency-Key")

	res, err := s.query.Submit(r.Context(), sess, in)
	if err != nil {
		respondError(w, r, s.log, err)
		return
	}

	out := queryResponse{
		JobID:     res.Job.ID,
		Status:    res.Job.Status,
		Result:    res.Job.Result,
		RateLimit: newRateLimitBody(res.RateLimit),
	}
	status := http.StatusOK
	if !res.Job.Status.IsTerminal() {
		status = http.StatusAccepted
	}
	if res.Replayed {
		w.Header().Set("Idempotent-Replayed", "true")
	}
	writeJSON(w, status, out)
}

// parseQuery validates the request shape field by field, in a fixed order,
// and stops at the first problem.
func parseQuery(body []byte) (usecase.QueryInput, error) {
	var in usecase.QueryInput
	if !gjson.ValidBytes(body) {
		return in, domain.NewValidationError("body", "Invalid JSON body")
	}
	root := gjson.ParseBytes(body)
	if !root.IsObject() {
		return in, domain.NewValidationError("body", "Invalid JSON body")
	}

	prompt := root.Get("prompt")
	switch {
	case !present(prompt):
		return in, domain.NewValidationError("prompt", "prompt is required")
	case prompt.Type != gjson.String:
		return in, domain.NewValidationError("prompt", "prompt must be a string")
	case prompt.Str == "":
		return in, domain.NewValidationError("prompt", "prompt is required")
	case strings.TrimSpace(prompt.Str) == "":
		return in, domain.NewValidationError("prompt", "prompt cannot be empty")
	case utf8.RuneCountInString(prompt.Str) > model.MaxPromptLength:
		return in, domain.NewValidationError("prompt", "prompt exceeds maximum length of %d characters", model.MaxPromptLength)
	}
	in.Prompt = prompt.Str

	if v := root.Get("feature_slug"); present(v) {
		switch {
		case v.Type != gjson.String:
			return in, domain.NewValidationError("feature_slug", "feature_slug must be a string")
		case utf8.RuneCountInString(v.Str) > model.MaxFeatureSlugLength:
			return in, domain.NewValidationError("feature_slug", "feature_slug exceeds maximum length of %d characters", model.MaxFeatureSlugLength)
		case !featureSlugRe.MatchString(v.Str):
			return in, domain.NewValidationError("feature_slug",
				"feature_slug may only contain letters, numbers, hyphens and underscores (A-Z, a-z, 0-9, -, _)")
		}
		in.FeatureSlug = v.Str
	}

	if v := root.Get("input"); present(v) {
		if !v.IsObject() {
			return in, domain.NewValidationError("input", "input must be an object")
		}
		in.Input = json.RawMessage(v.Raw)
	}

	for _, f := range []struct {
		name string
		dst  *string
	}{
		{"system_prompt", &in.SystemPrompt},
		{"provider_slug", &in.ProviderSlug},
	} {
		if v := root.Get(f.name); present(v) {
			if v.Type != gjson.String {
				return in, domain.NewValidationError(f.name, "%s must be a string", f.name)
			}
			*f.dst = v.Str
		}
	}

	in.Mode = usecase.ModeSync
	if v := root.Get("mode"); present(v) {
		if v.Type != gjson.String || (v.Str != usecase.ModeSync && v.Str != usecase.ModeAsync) {
			return in, domain.NewValidationError("mode", "mode must be one of: %s, %s", usecase.ModeSync, usecase.ModeAsync)
		}
		in.Mode = v.Str
	}
	return in, nil
}

// present treats an explicit null like an absent key.
func present(v gjson.Result) bool {
	return v.Exists() && v.Type != gjson.Null
}
