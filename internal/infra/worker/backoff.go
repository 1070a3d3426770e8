package worker

import (
	"math"
	"math/rand/v2"
	"time"

	"llm-dispatch/internal/config"
)

// Backoff computes retry delays with equal jitter: half of the exponential
// step is fixed, the other half random.
type Backoff struct {
	Base       time.Duration
	Max        time.Duration
	Multiplier float64
	rand       func() float64
}

func NewBackoff(cfg config.BackoffConfig) *Backoff {
	return &Backoff{Base: cfg.Base, Max: cfg.Max, Multiplier: cfg.Multiplier, rand: rand.Float64}
}

// Delay returns the wait before attempt retry (1 for the first retry).
func (b *Backoff) Delay(retry int) time.Duration {
	if retry < 1 {
		retry = 1
	}
	mult := b.Multiplier
	if mult < 1 {
		mult = 1
	}
	d := float64(b.Base) * math.Pow(mult, float64(retry-1))
	if b.Max > 0 && d > float64(b.Max) {
		d = float64(b.Max)
	}
	half := d / 2
	return time.Duration(half + b.rand()*half)
}
