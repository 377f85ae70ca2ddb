package conn

import (
	"math"
	"math/rand"
	"time"
)

// Backoff computes reconnect delays: min(Base*Multiplier^n, Max), perturbed
// by ±Jitter*delay and clamped to [Base, Max].
type Backoff struct {
	Base       time.Duration
	Max        time.Duration
	Multiplier float64
	Jitter     float64 // fraction in [0, 1)
}

func (b Backoff) withDefaults() Backoff {
	if b.Base <= 0 {
		b.Base = time.Second
	}
	if b.Max <= 0 {
		b.Max = 5 * time.Minute
	}
	if b.Max < b.Base {
		b.Max = b.Base
	}
	if b.Multiplier < 1 {
		b.Multiplier = 2
	}
	if b.Jitter < 0 || b.Jitter >= 1 {
		b.Jitter = 0.2
	}
	return b
}

// Nominal is the delay for attempt n before jitter.
func (b Backoff) Nominal(n int) time.Duration {
	b = b.withDefaults()
	if n < 0 {
		n = 0
	}
	d := float64(b.Base) * math.Pow(b.Multiplier, float64(n))
	if d >= float64(b.Max) || math.IsInf(d, 1) || math.IsNaN(d) {
		return b.Max
	}
	return time.Duration(d)
}

// Delay is Nominal(n) with jitter drawn from rnd (uniform in [0,1)).
func (b Backoff) Delay(n int, rnd func() float64) time.Duration {
	b = b.withDefaults()
	d := b.Nominal(n)
	if b.Jitter > 0 {
		if rnd == nil {
			rnd = rand.Float64
		}
		d += time.Duration((2*rnd() - 1) * b.Jitter * float64(d))
	}
	return clampDuration(d, b.Base, b.Max)
}
