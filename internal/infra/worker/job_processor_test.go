//go:build !integration

package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"llm-dispatch/internal/config"
	"llm-dispatch/internal/domain/model"
	"llm-dispatch/internal/domain/ports/adapter"
	"llm-dispatch/internal/infra/adapters/llm"
	"llm-dispatch/internal/infra/db/memory"
	"llm-dispatch/internal/usecase"
)

type scriptedClient struct {
	mu   sync.Mutex
	errs []error
	n    int
}

func (s *scriptedClient) Kind() model.ProviderKind { return model.ProviderKindOpenAI }
func (s *scriptedClient) Complete(ctx context.Context, req adapter.CompletionRequest) (*adapter.Completion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.n++
	if len(s.errs) > 0 {
		err := s.errs[0]
		s.errs = s.errs[1:]
		if err != nil {
			return nil, err
		}
	}
	return &adapter.Completion{Text: "done", Usage: adapter.Usage{TotalTokens: 1}}, nil
}

type fixture struct {
	jobs     *memory.JobRepo
	provider *model.Provider
	client   *scriptedClient
	proc     *JobProcessor
	pool     *Pool

	mu  sync.Mutex
	now time.Time
}

func (f *fixture) clock() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fixture) advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{now: time.Now().UTC(), client: &scriptedClient{}}
	f.jobs = memory.NewJobRepo(f.clock)
	f.provider = &model.Provider{Slug: "openai", Kind: model.ProviderKindOpenAI, Enabled: true, MaxRetries: 3, TimeoutSeconds: 5}
	providers := memory.NewProviderRepo(f.provider)
	stored, err := providers.GetBySlug(context.Background(), nil, "openai")
	require.NoError(t, err)
	f.provider = stored

	reg := llm.NewRegistry(providers, llm.Clients{OpenAI: f.client}, "openai")
	exec := usecase.NewJobExecutor(f.jobs, reg, func(int) time.Duration { return time.Minute }, discard())
	cfg := config.WorkerConfig{PollInterval: 10 * time.Millisecond, BatchSize: 10, Concurrency: 2, StaleAfter: 10 * time.Minute}
	f.proc = NewJobProcessor(f.jobs, reg, exec, cfg, discard())

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	f.pool = NewPool(cfg.Concurrency, discard())
	f.pool.Start(ctx)
	t.Cleanup(f.pool.Stop)
	return f
}

func (f *fixture) enqueue(t *testing.T) *model.Job {
	t.Helper()
	j, err := model.NewJob("c1", "u1", f.provider, "work")
	require.NoError(t, err)
	_, _, err = f.jobs.Create(context.Background(), nil, j)
	require.NoError(t, err)
	return j
}

func (f *fixture) waitFor(t *testing.T, id string, status model.JobStatus) *model.Job {
	t.Helper()
	var got *model.Job
	require.Eventually(t, func() bool {
		got, _ = f.jobs.FindByID(context.Background(), nil, id)
		return got != nil && got.Status == status
	}, 2*time.Second, 5*time.Millisecond)
	return got
}

func TestJobProcessor_CompletesQueuedJob(t *testing.T) {
	f := newFixture(t)
	j := f.enqueue(t)

	n, err := f.proc.PollOnce(context.Background(), f.pool)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got := f.waitFor(t, j.ID, model.JobStatusCompleted)
	assert.NotEmpty(t, got.Result)
	assert.NotNil(t, got.StartedAt)
}

func TestJobProcessor_RetriesThenExhausts(t *testing.T) {
	f := newFixture(t)
	transient := adapter.NewProviderError("openai", 503, errors.New("unavailable"))
	f.client.errs = []error{transient, transient, transient}
	j := f.enqueue(t)

	_, err := f.proc.PollOnce(context.Background(), f.pool)
	require.NoError(t, err)
	got := f.waitFor(t, j.ID, model.JobStatusRetrying)
	assert.Equal(t, 1, got.RetryCount)

	// not yet due
	n, err := f.proc.PollOnce(context.Background(), f.pool)
	require.NoError(t, err)
	assert.Zero(t, n)

	for attempt := 2; attempt <= 3; attempt++ {
		f.advance(2 * time.Minute)
		n, err = f.proc.PollOnce(context.Background(), f.pool)
		require.NoError(t, err)
		require.Equal(t, 1, n)
		if attempt < 3 {
			got = f.waitFor(t, j.ID, model.JobStatusRetrying)
			assert.Equal(t, attempt, got.RetryCount)
		}
	}
	got = f.waitFor(t, j.ID, model.JobStatusExhausted)
	assert.Equal(t, 3, got.RetryCount)
	assert.NotEmpty(t, got.Error)
	assert.Equal(t, 3, f.client.n)
}

func TestJobProcessor_PermanentErrorFailsOnce(t *testing.T) {
	f := newFixture(t)
	f.client.errs = []error{adapter.NewProviderError("openai", 401, errors.New("bad key"))}
	j := f.enqueue(t)

	_, err := f.proc.PollOnce(context.Background(), f.pool)
	require.NoError(t, err)
	got := f.waitFor(t, j.ID, model.JobStatusError)
	assert.Equal(t, 0, got.RetryCount)
	assert.Equal(t, "openai: upstream status 401", got.Error)
}

func TestJobProcessor_NoDoubleProcessing(t *testing.T) {
	f := newFixture(t)
	for i := 0; i < 6; i++ {
		f.enqueue(t)
	}

	var wg sync.WaitGroup
	total := make(chan int, 4)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			n, _ := f.proc.PollOnce(context.Background(), f.pool)
			total <- n
		}()
	}
	wg.Wait()
	close(total)
	sum := 0
	for n := range total {
		sum += n
	}
	assert.LessOrEqual(t, sum, 6)

	// drain what is left
	require.Eventually(t, func() bool {
		_, _ = f.proc.PollOnce(context.Background(), f.pool)
		f.client.mu.Lock()
		defer f.client.mu.Unlock()
		return f.client.n == 6
	}, 2*time.Second, 10*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	f.client.mu.Lock()
	defer f.client.mu.Unlock()
	assert.Equal(t, 6, f.client.n, "every job is attempted exactly once")
}

func TestReaper_Sweep(t *testing.T) {
	now := time.Now().UTC()
	jobs := memory.NewJobRepo(func() time.Time { return now })
	p := &model.Provider{ID: "p1", MaxRetries: 2}

	stuck, _ := model.NewJob("c1", "", p, "x")
	stuck.Status = model.JobStatusRunning
	stuck.UpdatedAt = now.Add(-time.Hour)
	jobs.Put(stuck)

	last, _ := model.NewJob("c1", "", p, "x")
	last.Status = model.JobStatusRunning
	last.RetryCount = 1
	last.UpdatedAt = now.Add(-time.Hour)
	jobs.Put(last)

	fresh, _ := model.NewJob("c1", "", p, "x")
	fresh.Status = model.JobStatusRunning
	fresh.UpdatedAt = now
	jobs.Put(fresh)

	r := NewReaper(jobs, config.WorkerConfig{StaleAfter: 10 * time.Minute, ReapInterval: time.Minute}, discard())
	r.now = func() time.Time { return now }
	n, err := r.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	got, _ := jobs.FindByID(context.Background(), nil, stuck.ID)
	assert.Equal(t, model.JobStatusRetrying, got.Status)
	got, _ = jobs.FindByID(context.Background(), nil, last.ID)
	assert.Equal(t, model.JobStatusExhausted, got.Status)
	assert.NotEmpty(t, got.Error)
	got, _ = jobs.FindByID(context.Background(), nil, fresh.ID)
	assert.Equal(t, model.JobStatusRunning, got.Status)
}

func TestReaper_SweepWaitingOnWebhook(t *testing.T) {
	ctx := context.Background()
	now := time.Now().UTC()
	providers := memory.NewProviderRepo(&model.Provider{Slug: "batch", Kind: model.ProviderKindAnthropic, MaxRetries: 3, TimeoutSeconds: 300})
	p, err := providers.GetBySlug(ctx, nil, "batch")
	require.NoError(t, err)
	jobs := memory.NewJobRepo(func() time.Time { return now }).WithProviders(providers)

	waiting := func(age time.Duration) *model.Job {
		j, _ := model.NewJob("c1", "", p, "x")
		j.Status = model.JobStatusWaitingLLM
		j.ProviderRequestID = "msgbatch_1"
		j.UpdatedAt = now.Add(-age)
		jobs.Put(j)
		return j
	}
	// stale_after is 10m and the provider timeout 5m
	abandoned := waiting(16 * time.Minute)
	pending := waiting(12 * time.Minute)

	r := NewReaper(jobs, config.WorkerConfig{StaleAfter: 10 * time.Minute, ReapInterval: time.Minute}, discard())
	r.now = func() time.Time { return now }
	n, err := r.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, _ := jobs.FindByID(ctx, nil, abandoned.ID)
	assert.Equal(t, model.JobStatusRetrying, got.Status)
	assert.Equal(t, 1, got.RetryCount)
	assert.Equal(t, "provider did not deliver a result before the timeout", got.LastError)
	got, _ = jobs.FindByID(ctx, nil, pending.ID)
	assert.Equal(t, model.JobStatusWaitingLLM, got.Status)
}
