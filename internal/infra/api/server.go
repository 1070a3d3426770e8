package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"llm-dispatch/internal/config"
	"llm-dispatch/internal/domain"
	"llm-dispatch/internal/domain/ports/adapter"
	"llm-dispatch/internal/infra/logging"
	"llm-dispatch/internal/usecase"
)

// Server holds the HTTP handlers of the dispatch API.
type Server struct {
	auth    adapter.Authenticator
	query   usecase.QueryUseCase
	cancel  usecase.CancelUseCase
	webhook usecase.WebhookUseCase
	jobs    usecase.JobUseCase
	ready   func(ctx context.Context) error
	log     *zerolog.Logger
}

type Deps struct {
	Auth    adapter.Authenticator
	Query   usecase.QueryUseCase
	Cancel  usecase.CancelUseCase
	Webhook usecase.WebhookUseCase
	Jobs    usecase.JobUseCase
	// Ready is checked by /health; nil means always ready.
	Ready  func(ctx context.Context) error
	Logger *zerolog.Logger
}

func NewServer(d Deps) *Server {
	l := d.Logger.With().Str("component", "api").Logger()
	return &Server{
		auth:    d.Auth,
		query:   d.Query,
		cancel:  d.Cancel,
		webhook: d.Webhook,
		jobs:    d.Jobs,
		ready:   d.Ready,
		log:     &l,
	}
}

// NewRouter mounts every endpoint behind the shared middleware stack.
func NewRouter(s *Server, srv config.ServerConfig, cors config.CORSConfig) *chi.Mux {
	r := chi.NewRouter()
	r.Use(
		TraceID(),
		RequestLog(s.log),
		Recover(s.log),
		CORS(cors),
		Timeout(srv.RequestTimeout),
	)
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, msgMethodNotAllowed, "")
	})
	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, "Not found", codeNotFound)
	})

	r.Post("/llm-query", s.handleQuery)
	r.Post("/llm-cancel", s.handleCancel)
	r.Post("/llm-webhook", s.handleWebhook)
	r.Get("/llm-jobs/{id}", s.handleGetJob)
	r.Get("/llm-rate-limit", s.handleRateLimit)
	r.Get("/health", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())
	return r
}

// authenticate resolves the caller or writes the 401/403 response.
func (s *Server) authenticate(w http.ResponseWriter, r *http.Request) (*adapter.Session, *http.Request, bool) {
	sess, err := s.auth.Authenticate(r)
	if err != nil {
		if !errors.Is(err, domain.ErrUnauthorized) {
			respondError(w, r, s.log, err)
			return nil, r, false
		}
		logging.With(r.Context(), s.log).Debug().Err(err).Msg("authentication failed")
		writeError(w, http.StatusUnauthorized, msgUnauthorized, codeUnauthorized)
		return nil, r, false
	}
	if !sess.User.HasCustomer() {
		writeError(w, http.StatusForbidden, msgNoCustomer, codeForbidden)
		return nil, r, false
	}
	ctx := logging.WithCustomerID(logging.WithUserID(r.Context(), sess.User.ID), sess.User.CustomerID)
	return sess, r.WithContext(ctx), true
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.ready != nil {
		if err := s.ready(r.Context()); err != nil {
			logging.With(r.Context(), s.log).Warn().Err(err).Msg("readiness check failed")
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
