package worker

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"llm-dispatch/internal/config"
	"llm-dispatch/internal/domain/ports/repository"
	"llm-dispatch/internal/infra/metrics"
)

// Reaper returns jobs stranded in running by a crashed worker, or left
// waiting on a webhook that never arrived, to the queue. It is driven by a
// scheduler.Scheduler through Sweep.
type Reaper struct {
	jobs       repository.JobRepository
	staleAfter time.Duration
	now        func() time.Time
	log        *zerolog.Logger
}

func NewReaper(jobs repository.JobRepository, cfg config.WorkerConfig, logger *zerolog.Logger) *Reaper {
	l := logger.With().Str("component", "reaper").Logger()
	return &Reaper{
		jobs:       jobs,
		staleAfter: cfg.StaleAfter,
		now:        func() time.Time { return time.Now().UTC() },
		log:        &l,
	}
}

// Sweep reclaims every job that has been running longer than staleAfter, and
// every webhook job waiting longer than staleAfter plus its provider timeout.
func (r *Reaper) Sweep(ctx context.Context) (int, error) {
	n, err := r.jobs.ReclaimStale(ctx, r.now().Add(-r.staleAfter))
	if err != nil {
		return 0, err
	}
	if n > 0 {
		metrics.AddJobsReclaimed(n)
		r.log.Warn().Int("count", n).Dur("stale_after", r.staleAfter).Msg("reclaimed stale jobs")
	}
	return n, nil
}
