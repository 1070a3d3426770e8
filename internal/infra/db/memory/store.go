// Package memory is an in-process implementation of the repository ports.
// It backs -dev runs without a database and the handler and worker tests.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"llm-dispatch/internal/domain"
	"llm-dispatch/internal/domain/model"
	"llm-dispatch/internal/domain/ports/adapter"
	"llm-dispatch/internal/domain/ports/repository"
)

var (
	_ repository.JobRepository       = (*JobRepo)(nil)
	_ repository.ProviderRepository  = (*ProviderRepo)(nil)
	_ repository.RateLimitRepository = (*RateLimitRepo)(nil)
	_ repository.Scope               = (*tenantScope)(nil)
	_ adapter.ReplayGuard            = (*ReplayGuard)(nil)
)

// Tenant is passed as the repository.Tx of a scoped run. Repositories hide
// rows of other customers from it, mirroring the database policies.
type Tenant struct {
	CustomerID string
}

func tenantOf(tx repository.Tx) (string, bool) {
	switch v := tx.(type) {
	case Tenant:
		return v.CustomerID, true
	case *Tenant:
		return v.CustomerID, true
	}
	return "", false
}

func visible(tx repository.Tx, customerID string) bool {
	c, scoped := tenantOf(tx)
	return !scoped || c == customerID
}

type tenantScope struct {
	customerID string
}

// NewScope returns a scope whose runs only see customerID's rows.
func NewScope(customerID string) repository.Scope {
	return &tenantScope{customerID: customerID}
}

func (s *tenantScope) Run(ctx context.Context, fn func(ctx context.Context, tx repository.Tx) error) error {
	return fn(ctx, Tenant{CustomerID: s.customerID})
}

// Clock is swappable in tests.
type Clock func() time.Time

// --- jobs ---

type JobRepo struct {
	mu        sync.Mutex
	jobs      map[string]*model.Job
	now       Clock
	providers *ProviderRepo
}

func NewJobRepo(now Clock) *JobRepo {
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &JobRepo{jobs: map[string]*model.Job{}, now: now}
}

// WithProviders lets ReclaimStale honor each provider's timeout for jobs
// waiting on a webhook. Without it the default provider timeout applies.
func (r *JobRepo) WithProviders(p *ProviderRepo) *JobRepo {
	r.providers = p
	return r
}

func clone(j *model.Job) *model.Job {
	c := *j
	return &c
}

func (r *JobRepo) Create(ctx context.Context, tx repository.Tx, job *model.Job) (*model.Job, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !visible(tx, job.CustomerID) {
		return nil, false, domain.ErrForbidden
	}
	if job.IdempotencyKey != "" {
		for _, j := range r.jobs {
			if j.CustomerID == job.CustomerID && j.IdempotencyKey == job.IdempotencyKey {
				return clone(j), false, nil
			}
		}
	}
	if _, ok := r.jobs[job.ID]; ok {
		return nil, false, domain.ErrAlreadyExists
	}
	now := r.now()
	stored := clone(job)
	stored.Status = model.JobStatusQueued
	stored.RetryCount = 0
	stored.CreatedAt, stored.UpdatedAt = now, now
	r.jobs[stored.ID] = stored
	return clone(stored), true, nil
}

func (r *JobRepo) FindByID(ctx context.Context, tx repository.Tx, id string) (*model.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.jobs[id]
	if !ok || !visible(tx, j.CustomerID) {
		return nil, domain.ErrNotFound
	}
	return clone(j), nil
}

func (r *JobRepo) FindByIdempotencyKey(ctx context.Context, tx repository.Tx, customerID, key string) (*model.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, j := range r.jobs {
		if j.CustomerID == customerID && j.IdempotencyKey == key && visible(tx, j.CustomerID) {
			return clone(j), nil
		}
	}
	return nil, domain.ErrNotFound
}

func (r *JobRepo) Transition(ctx context.Context, tx repository.Tx, id string, t model.Transition) (*model.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.jobs[id]
	if !ok || !visible(tx, j.CustomerID) {
		return nil, domain.ErrNotFound
	}
	if !t.Allows(j.Status) {
		return nil, &domain.ConflictError{JobID: id, Status: string(j.Status)}
	}
	t.Apply(j, r.now())
	return clone(j), nil
}

func (r *JobRepo) ClaimQueued(ctx context.Context, limit int) ([]*model.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	var ready []*model.Job
	for _, j := range r.jobs {
		switch {
		case j.Status == model.JobStatusQueued:
		case j.Status == model.JobStatusRetrying && (j.NextAttemptAt == nil || !j.NextAttemptAt.After(now)):
		default:
			continue
		}
		ready = append(ready, j)
	}
	sort.Slice(ready, func(a, b int) bool { return ready[a].CreatedAt.Before(ready[b].CreatedAt) })
	if limit > 0 && len(ready) > limit {
		ready = ready[:limit]
	}
	out := make([]*model.Job, 0, len(ready))
	for _, j := range ready {
		model.ToRunning(model.JobStatusQueued, model.JobStatusRetrying).Apply(j, now)
		out = append(out, clone(j))
	}
	return out, nil
}

const (
	reclaimedRunning = "worker stopped responding while the job was running"
	reclaimedWaiting = "provider did not deliver a result before the timeout"
)

func (r *JobRepo) ReclaimStale(ctx context.Context, cutoff time.Time) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	n := 0
	for _, j := range r.jobs {
		var msg string
		switch j.Status {
		case model.JobStatusRunning:
			if !j.UpdatedAt.Before(cutoff) {
				continue
			}
			msg = reclaimedRunning
		case model.JobStatusWaitingLLM:
			if !j.UpdatedAt.Before(cutoff.Add(-r.providerTimeout(ctx, j.ProviderID))) {
				continue
			}
			msg = reclaimedWaiting
		default:
			continue
		}
		retry := j.RetryCount + 1
		if retry < j.MaxRetries {
			model.ToRetrying(retry, now, msg).Apply(j, now)
		} else {
			tr := model.ToFailed(model.JobStatusExhausted, msg)
			tr.RetryCount = &retry
			tr.Apply(j, now)
		}
		n++
	}
	return n, nil
}

func (r *JobRepo) providerTimeout(ctx context.Context, providerID string) time.Duration {
	if r.providers != nil {
		if p, err := r.providers.GetByID(ctx, nil, providerID); err == nil {
			return p.Timeout()
		}
	}
	return (&model.Provider{}).Timeout()
}

// Put stores a job as-is. Tests use it to arrange arbitrary states.
func (r *JobRepo) Put(j *model.Job) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobs[j.ID] = clone(j)
}

// --- providers ---

type ProviderRepo struct {
	mu     sync.RWMutex
	bySlug map[string]*model.Provider
}

func NewProviderRepo(providers ...*model.Provider) *ProviderRepo {
	r := &ProviderRepo{bySlug: map[string]*model.Provider{}}
	for _, p := range providers {
		_ = r.Upsert(context.Background(), nil, p)
	}
	return r
}

func (r *ProviderRepo) GetBySlug(ctx context.Context, tx repository.Tx, slug string) (*model.Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.bySlug[slug]
	if !ok {
		return nil, domain.ErrNotFound
	}
	c := *p
	return &c, nil
}

func (r *ProviderRepo) GetByID(ctx context.Context, tx repository.Tx, id string) (*model.Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, p := range r.bySlug {
		if p.ID == id {
			c := *p
			return &c, nil
		}
	}
	return nil, domain.ErrNotFound
}

func (r *ProviderRepo) ListEnabled(ctx context.Context, tx repository.Tx) ([]*model.Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*model.Provider
	for _, p := range r.bySlug {
		if p.Enabled {
			c := *p
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].Slug < out[b].Slug })
	return out, nil
}

func (r *ProviderRepo) Upsert(ctx context.Context, tx repository.Tx, p *model.Provider) error {
	if !p.Kind.Valid() {
		return domain.ErrUnsupportedKind
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.bySlug[p.Slug]; ok {
		p.ID = existing.ID
		p.CreatedAt = existing.CreatedAt
	}
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now
	c := *p
	r.bySlug[p.Slug] = &c
	return nil
}

// --- rate limits ---

type window struct {
	used, quota int
	start       time.Time
	length      time.Duration
}

type RateLimitRepo struct {
	mu           sync.Mutex
	windows      map[string]*window
	defaultQuota int
	length       time.Duration
	now          Clock
}

func NewRateLimitRepo(defaultQuota int, length time.Duration, now Clock) *RateLimitRepo {
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &RateLimitRepo{windows: map[string]*window{}, defaultQuota: defaultQuota, length: length, now: now}
}

// SetUsage arranges a customer's window for tests.
func (r *RateLimitRepo) SetUsage(customerID string, used, quota int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.windows[customerID] = &window{used: used, quota: quota, start: r.now(), length: r.length}
}

func (r *RateLimitRepo) current(customerID string) *window {
	now := r.now()
	w, ok := r.windows[customerID]
	if !ok {
		w = &window{quota: r.defaultQuota, start: now, length: r.length}
		r.windows[customerID] = w
	}
	if !w.start.Add(w.length).After(now) {
		w.used, w.start = 0, now
	}
	return w
}

func (r *RateLimitRepo) Increment(ctx context.Context, tx repository.Tx, customerID string) (*model.RateLimitUsage, error) {
	if !visible(tx, customerID) {
		return nil, domain.ErrForbidden
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	w := r.current(customerID)
	allowed := w.used < w.quota
	if allowed {
		w.used++
	}
	return &model.RateLimitUsage{CustomerID: customerID, Allowed: allowed, Used: w.used, Quota: w.quota, ResetAt: w.start.Add(w.length)}, nil
}

func (r *RateLimitRepo) Check(ctx context.Context, tx repository.Tx, customerID string) (*model.RateLimitUsage, error) {
	if !visible(tx, customerID) {
		return nil, domain.ErrForbidden
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	w := r.current(customerID)
	return &model.RateLimitUsage{CustomerID: customerID, Allowed: w.used < w.quota, Used: w.used, Quota: w.quota, ResetAt: w.start.Add(w.length)}, nil
}

// --- replay guard ---

type ReplayGuard struct {
	mu   sync.Mutex
	seen map[string]time.Time
	now  Clock
}

func NewReplayGuard(now Clock) *ReplayGuard {
	if now == nil {
		now = time.Now
	}
	return &ReplayGuard{seen: map[string]time.Time{}, now: now}
}

func (g *ReplayGuard) FirstSeen(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	now := g.now()
	for k, exp := range g.seen {
		if !exp.After(now) {
			delete(g.seen, k)
		}
	}
	if _, ok := g.seen[key]; ok {
		return false, nil
	}
	g.seen[key] = now.Add(ttl)
	return true, nil
}

func (g *ReplayGuard) Forget(ctx context.Context, key string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.seen, key)
	return nil
}
