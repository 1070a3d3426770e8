package api

import (
	"io"
	"mime"
	"net/http"

	"llm-dispatch/internal/usecase"
)

const maxWebhookBody = 2 << 20

// handleWebhook needs no bearer token; the HMAC signature authenticates it.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	mt, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil || mt != "application/json" {
		writeError(w, http.StatusUnsupportedMediaType, "Content-Type must be application/json", "")
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON body", codeValidation)
		return
	}

	outcome, _, err := s.webhook.Receive(r.Context(), usecase.WebhookDelivery{
		Provider:  r.Header.Get("X-LLM-Provider"),
		Timestamp: r.Header.Get("X-LLM-Timestamp"),
		Signature: r.Header.Get("X-LLM-Signature"),
		JobID:     r.Header.Get("X-LLM-Job-Id"),
		Body:      body,
	})
	if err != nil {
		respondError(w, r, s.log, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": string(outcome)})
}
