package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	sess, r, ok := s.authenticate(w, r)
	if !ok {
		return
	}
	id := chi.URLParam(r, "id")
	if _, err := uuid.Parse(id); err != nil {
		writeError(w, http.StatusBadRequest, "job id must be a valid UUID", codeValidation)
		return
	}
	job, err := s.jobs.Get(r.Context(), sess, id)
	if err != nil {
		respondError(w, r, s.log, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleRateLimit(w http.ResponseWriter, r *http.Request) {
	sess, r, ok := s.authenticate(w, r)
	if !ok {
		return
	}
	usage, err := s.jobs.RateLimit(r.Context(), sess)
	if err != nil {
		respondError(w, r, s.log, err)
		return
	}
	writeJSON(w, http.StatusOK, newRateLimitBody(usage))
}
