//go:build !integration

package api

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"

	"llm-dispatch/internal/config"
)

func TestRecover_WritesJSON500(t *testing.T) {
	log := zerolog.Nop()
	h := Chain(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("dial postgres://user:pw@db:5432 failed")
	}), Recover(&log))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.JSONEq(t, `{"error":"Internal server error"}`, rec.Body.String())
}

func TestTraceID_KeepsIncomingHeader(t *testing.T) {
	h := Chain(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}), TraceID())

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Request-Id", "req-42")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, "req-42", rec.Header().Get("X-Request-Id"))
}

func TestCORS_FallsBackToFirstOrigin(t *testing.T) {
	h := Chain(http.NotFoundHandler(), CORS(config.CORSConfig{
		AllowedOrigins: []string{"https://a.example", "https://b.example"},
	}))

	req := httptest.NewRequest(http.MethodOptions, "/llm-query", nil)
	req.Header.Set("Origin", "https://evil.example")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "https://a.example", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.NotEmpty(t, rec.Header().Get("Access-Control-Allow-Headers"))
}
