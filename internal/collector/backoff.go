package collector

import (
	"math/rand/v2"
	"time"
)

// backoff computes escalating retry delays with jitter so parallel
// collectors hitting the same dead host don't retry in lockstep.
type backoff struct {
	base       time.Duration
	max        time.Duration
	multiplier float64
	jitter     float64
	attempt    int
}

func newBackoff() *backoff {
	return &backoff{
		base:       time.Second,
		max:        10 * time.Second,
		multiplier: 2,
		jitter:     0.15,
	}
}

func (b *backoff) next() time.Duration {
	d := time.Duration(float64(b.base) * pow(b.multiplier, b.attempt))
	if d > b.max {
		d = b.max
	}
	d += time.Duration(rand.Float64() * b.jitter * float64(d))
	b.attempt++
	return d
}

func pow(base float64, exp int) float64 {
	out := 1.0
	for i := 0; i < exp; i++ {
		out *= base
	}
	return out
}
