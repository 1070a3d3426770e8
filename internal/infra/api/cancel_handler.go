package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-playground/validator/v10"

	"llm-dispatch/internal/domain"
	"llm-dispatch/internal/domain/model"
)

const maxCancelBatch = 100

type cancelRequest struct {
	JobID  string   `json:"job_id" validate:"omitempty,uuid"`
	JobIDs []string `json:"job_ids" validate:"omitempty,max=100,dive,uuid"`
}

type cancelResult struct {
	JobID  string          `json:"job_id"`
	Status model.JobStatus `json:"status,omitempty"`
	Error  string          `json:"error,omitempty"`
	Code   string          `json:"code,omitempty"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	sess, r, ok := s.authenticate(w, r)
	if !ok {
		return
	}

	var req cancelRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10))
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON body", codeValidation)
		return
	}
	if err := validateCancel(&req); err != nil {
		respondError(w, r, s.log, err)
		return
	}

	if req.JobID != "" {
		job, err := s.cancel.Cancel(r.Context(), sess, req.JobID)
		if err != nil {
			respondError(w, r, s.log, err)
			return
		}
		writeJSON(w, http.StatusOK, cancelResult{JobID: job.ID, Status: job.Status})
		return
	}

	outcomes, err := s.cancel.CancelMany(r.Context(), sess, req.JobIDs)
	if err != nil {
		respondError(w, r, s.log, err)
		return
	}
	results := make([]cancelResult, 0, len(outcomes))
	for _, o := range outcomes {
		if o.Err != nil {
			_, msg, code := classifyError(o.Err)
			results = append(results, cancelResult{JobID: o.JobID, Error: msg, Code: code})
			continue
		}
		results = append(results, cancelResult{JobID: o.JobID, Status: o.Job.Status})
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": results})
}

func validateCancel(req *cancelRequest) error {
	req.JobID = strings.TrimSpace(req.JobID)
	switch {
	case req.JobID == "" && len(req.JobIDs) == 0:
		return domain.NewValidationError("job_id", "job_id or job_ids is required")
	case req.JobID != "" && len(req.JobIDs) > 0:
		return domain.NewValidationError("job_id", "provide either job_id or job_ids, not both")
	}
	err := validate.Struct(req)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return err
	}
	fe := verrs[0]
	switch {
	case fe.StructField() == "JobID":
		return domain.NewValidationError("job_id", "job_id must be a valid UUID")
	case fe.Tag() == "max":
		return domain.NewValidationError("job_ids", "job_ids must contain at most %d ids", maxCancelBatch)
	default:
		return domain.NewValidationError("job_ids", "job_ids must contain only valid UUIDs")
	}
}
