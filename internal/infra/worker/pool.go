package worker

import (
	"context"
	"errors"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
)

var ErrPoolStopped = errors.New("worker pool stopped")

type Task func(ctx context.Context) error

// Pool runs submitted tasks on a fixed number of goroutines. Submit blocks
// while every worker is busy, so callers should size their batches with Free.
type Pool struct {
	wg    sync.WaitGroup
	tasks chan Task
	quit  chan struct{}
	once  sync.Once
	n     int
	busy  atomic.Int32
	log   *zerolog.Logger
}

func NewPool(workers int, logger *zerolog.Logger) *Pool {
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	return &Pool{tasks: make(chan Task), quit: make(chan struct{}), n: workers, log: logger}
}

func (p *Pool) Start(ctx context.Context) {
	for i := 0; i < p.n; i++ {
		p.wg.Add(1)
		go func(id int) {
			defer p.wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case <-p.quit:
					return
				case task := <-p.tasks:
					p.run(ctx, id, task)
				}
			}
		}(i)
	}
}

func (p *Pool) run(ctx context.Context, id int, task Task) {
	defer p.busy.Add(-1)
	defer func() {
		if r := recover(); r != nil {
			p.log.Error().Int("worker", id).Interface("panic", r).Msg("task panicked")
		}
	}()
	if err := task(ctx); err != nil {
		p.log.Error().Err(err).Int("worker", id).Msg("task error")
	}
}

// Stop waits for running tasks to return. Tasks observe shutdown through the
// context passed to Start.
func (p *Pool) Stop() {
	p.once.Do(func() { close(p.quit) })
	p.wg.Wait()
}

// Free is the number of workers not running a task.
func (p *Pool) Free() int {
	return p.n - int(p.busy.Load())
}

func (p *Pool) Submit(ctx context.Context, task Task) error {
	if task == nil {
		return errors.New("nil task")
	}
	p.busy.Add(1)
	select {
	case p.tasks <- task:
		return nil
	case <-ctx.Done():
		p.busy.Add(-1)
		return ctx.Err()
	case <-p.quit:
		p.busy.Add(-1)
		return ErrPoolStopped
	}
}
