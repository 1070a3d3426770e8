package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Task is one periodic unit of work. It returns how many items it handled.
type Task func(ctx context.Context) (int, error)

// Scheduler periodically runs a Task, each run bounded by a timeout.
type Scheduler struct {
	name     string
	interval time.Duration
	timeout  time.Duration
	task     Task
	log      *zerolog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// New constructs a scheduler that runs task every interval.
// If interval <= 0 it defaults to 1 minute; a zero timeout uses the interval.
func New(name string, interval, timeout time.Duration, task Task, logger *zerolog.Logger) *Scheduler {
	if interval <= 0 {
		interval = time.Minute
	}
	if timeout <= 0 {
		timeout = interval
	}
	l := logger.With().Str("component", "scheduler").Str("task", name).Logger()
	return &Scheduler{name: name, interval: interval, timeout: timeout, task: task, log: &l}
}

// Start begins the loop in a background goroutine. Calling Start on a running
// scheduler has no effect.
func (s *Scheduler) Start(parentCtx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(parentCtx)
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.loop(ctx, s.done)
}

func (s *Scheduler) loop(ctx context.Context, done chan struct{}) {
	ticker := time.NewTicker(s.interval)
	defer func() {
		ticker.Stop()
		close(done)
	}()

	s.log.Info().Dur("interval", s.interval).Msg("started")
	for {
		select {
		case <-ctx.Done():
			s.log.Info().Msg("stopping")
			return
		case <-ticker.C:
			s.runOnce(ctx)
		}
	}
}

func (s *Scheduler) runOnce(ctx context.Context) {
	runCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	n, err := s.task(runCtx)
	if err != nil {
		if ctx.Err() == nil {
			s.log.Error().Err(err).Msg("run failed")
		}
		return
	}
	if n > 0 {
		s.log.Debug().Int("handled", n).Msg("run finished")
	}
}

// Stop cancels the scheduler and waits for the loop to finish. It is idempotent.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel = nil
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}
