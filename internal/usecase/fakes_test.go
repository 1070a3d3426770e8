//go:build !integration

package usecase

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"llm-dispatch/internal/domain"
	"llm-dispatch/internal/domain/model"
	"llm-dispatch/internal/domain/ports/adapter"
	"llm-dispatch/internal/domain/ports/repository"
	"llm-dispatch/internal/infra/db/memory"
)

// ---- Fakes ----

type fakeClient struct {
	mu        sync.Mutex
	kind      model.ProviderKind
	errs      []error // consumed in order; nil entries succeed
	calls     int
	dispatch  bool
	cancelled []string
	onCall    func()
}

func (f *fakeClient) Kind() model.ProviderKind { return f.kind }

func (f *fakeClient) Complete(ctx context.Context, req adapter.CompletionRequest) (*adapter.Completion, error) {
	f.mu.Lock()
	f.calls++
	var err error
	if len(f.errs) > 0 {
		err, f.errs = f.errs[0], f.errs[1:]
	}
	hook := f.onCall
	f.mu.Unlock()
	if hook != nil {
		hook()
	}
	if err != nil {
		return nil, err
	}
	return &adapter.Completion{
		Provider: string(f.kind),
		Model:    "test-model",
		Text:     "echo: " + req.Prompt,
		Usage:    adapter.Usage{PromptTokens: 3, CompletionTokens: 2, TotalTokens: 5},
	}, nil
}

// dispatchClient additionally supports webhook delivery and cancellation.
type dispatchClient struct {
	*fakeClient
}

func (d dispatchClient) Dispatch(ctx context.Context, req adapter.CompletionRequest) (string, error) {
	return "req-" + req.JobID, nil
}

func (d dispatchClient) CancelRequest(ctx context.Context, id string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cancelled = append(d.cancelled, id)
	return nil
}

type fakeRegistry struct {
	providers *memory.ProviderRepo
	clients   map[model.ProviderKind]adapter.LLMClient
	def       string
}

func (r *fakeRegistry) Resolve(ctx context.Context, tx repository.Tx, slug string) (*model.Provider, error) {
	if slug == "" {
		slug = r.def
	}
	p, err := r.providers.GetBySlug(ctx, tx, slug)
	if err != nil || !p.Enabled {
		return nil, &domain.ProviderNotFoundError{Slug: slug}
	}
	return p, nil
}

func (r *fakeRegistry) ByID(ctx context.Context, id string) (*model.Provider, error) {
	return r.providers.GetByID(ctx, nil, id)
}

func (r *fakeRegistry) Client(p *model.Provider) (adapter.LLMClient, error) {
	c, ok := r.clients[p.Kind]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrUnsupportedKind, p.Kind)
	}
	return c, nil
}

// strictJobs behaves like a database connection: calls on a done context
// fail, and queued errors fail the next FindByID calls.
type strictJobs struct {
	*memory.JobRepo
	mu       sync.Mutex
	findErrs []error
}

func (s *strictJobs) failNextFind(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.findErrs = append(s.findErrs, err)
}

func (s *strictJobs) FindByID(ctx context.Context, tx repository.Tx, id string) (*model.Job, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	var err error
	if len(s.findErrs) > 0 {
		err, s.findErrs = s.findErrs[0], s.findErrs[1:]
	}
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return s.JobRepo.FindByID(ctx, tx, id)
}

func (s *strictJobs) Transition(ctx context.Context, tx repository.Tx, id string, t model.Transition) (*model.Job, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.JobRepo.Transition(ctx, tx, id, t)
}

type env struct {
	jobs     *memory.JobRepo
	limits   *memory.RateLimitRepo
	registry *fakeRegistry
	openai   *fakeClient
	claude   *fakeClient
	exec     *JobExecutor
	log      *zerolog.Logger
}

func newEnv() *env {
	log := zerolog.New(io.Discard)
	openai := &fakeClient{kind: model.ProviderKindOpenAI}
	claude := &fakeClient{kind: model.ProviderKindAnthropic}
	providers := memory.NewProviderRepo(
		&model.Provider{Slug: "openai", Kind: model.ProviderKindOpenAI, Enabled: true, MaxRetries: 3, TimeoutSeconds: 5},
		&model.Provider{Slug: "claude-batch", Kind: model.ProviderKindAnthropic, Enabled: true, MaxRetries: 3,
			Config: []byte(`{"delivery":"webhook"}`)},
		&model.Provider{Slug: "gemini-batch", Kind: model.ProviderKindGemini, Enabled: true, MaxRetries: 3,
			Config: []byte(`{"delivery":"webhook"}`)},
		&model.Provider{Slug: "retired", Kind: model.ProviderKindOpenAI, Enabled: false},
	)
	reg := &fakeRegistry{
		providers: providers,
		clients: map[model.ProviderKind]adapter.LLMClient{
			model.ProviderKindOpenAI:    openai,
			model.ProviderKindAnthropic: dispatchClient{claude},
		},
		def: "openai",
	}
	jobs := memory.NewJobRepo(nil)
	return &env{
		jobs:     jobs,
		limits:   memory.NewRateLimitRepo(1000, time.Hour, nil),
		registry: reg,
		openai:   openai,
		claude:   claude,
		exec:     NewJobExecutor(jobs, reg, func(int) time.Duration { return time.Second }, &log),
		log:      &log,
	}
}

func session(userID, customerID string) *adapter.Session {
	return &adapter.Session{
		User: &model.User{ID: userID, CustomerID: customerID},
		DB:   memory.NewScope(customerID),
	}
}

// runningJob stores a job that a worker has already claimed.
func (e *env) runningJob(slug, customerID string) *model.Job {
	p, _ := e.registry.providers.GetBySlug(context.Background(), nil, slug)
	j, _ := model.NewJob(customerID, "u1", p, "hello")
	j.Status = model.JobStatusRunning
	e.jobs.Put(j)
	return j
}

func (e *env) provider(slug string) *model.Provider {
	p, _ := e.registry.providers.GetBySlug(context.Background(), nil, slug)
	return p
}
