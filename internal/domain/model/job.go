package model

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"

	"llm-dispatch/internal/domain"
)

type JobStatus string

const (
	JobStatusQueued     JobStatus = "queued"
	JobStatusRunning    JobStatus = "running"
	JobStatusWaitingLLM JobStatus = "waiting_llm"
	JobStatusRetrying   JobStatus = "retrying"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusError      JobStatus = "error"
	JobStatusExhausted  JobStatus = "exhausted"
	JobStatusCancelled  JobStatus = "cancelled"
)

const (
	MaxPromptLength      = 100_000
	MaxFeatureSlugLength = 100
	CancelledMessage     = "cancelled"
)

// CancellableStatuses lists every non-terminal status.
var CancellableStatuses = []JobStatus{
	JobStatusQueued,
	JobStatusRunning,
	JobStatusWaitingLLM,
	JobStatusRetrying,
}

func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusError, JobStatusExhausted, JobStatusCancelled:
		return true
	}
	return false
}

func (s JobStatus) IsCancellable() bool {
	for _, c := range CancellableStatuses {
		if s == c {
			return true
		}
	}
	return false
}

func (s JobStatus) Valid() bool {
	return s.IsTerminal() || s.IsCancellable()
}

type Job struct {
	ID                string          `json:"id"`
	CustomerID        string          `json:"customer_id"`
	UserID            string          `json:"user_id,omitempty"`
	FeatureSlug       string          `json:"feature_slug,omitempty"`
	ProviderID        string          `json:"provider_id"`
	Prompt            string          `json:"prompt"`
	SystemPrompt      string          `json:"system_prompt,omitempty"`
	Input             json.RawMessage `json:"input,omitempty"`
	Status            JobStatus       `json:"status"`
	RetryCount        int             `json:"retry_count"`
	MaxRetries        int             `json:"max_retries"`
	IdempotencyKey    string          `json:"-"`
	ProviderRequestID string          `json:"-"`
	Result            json.RawMessage `json:"result,omitempty"`
	Error             string          `json:"error,omitempty"`
	LastError         string          `json:"-"`
	NextAttemptAt     *time.Time      `json:"-"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
	StartedAt         *time.Time      `json:"started_at,omitempty"`
	CompletedAt       *time.Time      `json:"completed_at,omitempty"`
	CancelledAt       *time.Time      `json:"cancelled_at,omitempty"`
}

// NewJob builds a queued job. Request-level validation happens before this;
// NewJob only enforces the invariants the store relies on.
func NewJob(customerID, userID string, provider *Provider, prompt string) (*Job, error) {
	if strings.TrimSpace(customerID) == "" || provider == nil {
		return nil, domain.ErrInvalidArgument
	}
	if strings.TrimSpace(prompt) == "" {
		return nil, domain.ErrInvalidArgument
	}
	now := time.Now().UTC()
	return &Job{
		ID:         uuid.NewString(),
		CustomerID: customerID,
		UserID:     userID,
		ProviderID: provider.ID,
		Prompt:     prompt,
		Status:     JobStatusQueued,
		MaxRetries: provider.MaxRetries,
		CreatedAt:  now,
		UpdatedAt:  now,
	}, nil
}

// CanRetry reports whether another attempt fits under the ceiling once
// RetryCount has been incremented for the current failure.
func (j *Job) CanRetry() bool {
	return j.RetryCount < j.MaxRetries
}

// Transition describes a guarded status change applied by the job store.
// The store only applies it when the job's current status is one of From.
type Transition struct {
	From              []JobStatus
	To                JobStatus
	Result            json.RawMessage
	Error             string
	RetryCount        *int
	NextAttemptAt     *time.Time
	ProviderRequestID string
}

func (t Transition) Allows(s JobStatus) bool {
	for _, f := range t.From {
		if f == s {
			return true
		}
	}
	return false
}

// Outcome returns the result and error the target status carries. Only
// terminal statuses carry either.
func (t Transition) Outcome() (json.RawMessage, string) {
	switch t.To {
	case JobStatusCompleted:
		return t.Result, ""
	case JobStatusError, JobStatusExhausted:
		return nil, t.Error
	case JobStatusCancelled:
		if t.Error == "" {
			return nil, CancelledMessage
		}
		return nil, t.Error
	}
	return nil, ""
}

// Apply mutates j as the store would. Callers must check Allows first.
func (t Transition) Apply(j *Job, now time.Time) {
	j.Status = t.To
	j.UpdatedAt = now
	if t.RetryCount != nil {
		j.RetryCount = *t.RetryCount
	}
	if t.ProviderRequestID != "" {
		j.ProviderRequestID = t.ProviderRequestID
	}
	j.NextAttemptAt = t.NextAttemptAt
	j.Result, j.Error = t.Outcome()
	switch t.To {
	case JobStatusRunning:
		if j.StartedAt == nil {
			j.StartedAt = &now
		}
	case JobStatusRetrying:
		j.LastError = t.Error
	case JobStatusCompleted, JobStatusError, JobStatusExhausted:
		j.CompletedAt = &now
	case JobStatusCancelled:
		j.CancelledAt = &now
	}
}

func ToRunning(from ...JobStatus) Transition {
	if len(from) == 0 {
		from = []JobStatus{JobStatusQueued}
	}
	return Transition{From: from, To: JobStatusRunning}
}

func ToCompleted(result json.RawMessage, from ...JobStatus) Transition {
	if len(from) == 0 {
		from = []JobStatus{JobStatusRunning}
	}
	return Transition{From: from, To: JobStatusCompleted, Result: result}
}

func ToFailed(status JobStatus, msg string, from ...JobStatus) Transition {
	if len(from) == 0 {
		from = []JobStatus{JobStatusRunning}
	}
	return Transition{From: from, To: status, Error: msg}
}

func ToRetrying(retryCount int, next time.Time, msg string) Transition {
	return Transition{
		From:          []JobStatus{JobStatusRunning},
		To:            JobStatusRetrying,
		Error:         msg,
		RetryCount:    &retryCount,
		NextAttemptAt: &next,
	}
}

func ToWaiting(providerRequestID string) Transition {
	return Transition{
		From:              []JobStatus{JobStatusRunning},
		To:                JobStatusWaitingLLM,
		ProviderRequestID: providerRequestID,
	}
}

func ToCancelled() Transition {
	return Transition{From: CancellableStatuses, To: JobStatusCancelled, Error: CancelledMessage}
}
