package device

import (
	"math"
	"time"
)

// Backoff computes reconnect delays: base*2^attempt capped at Max, plus
// 10-50% random jitter so several clients do not reconnect in lockstep.
type Backoff struct {
	Base time.Duration
	Max  time.Duration

	// Rand returns a value in [0,1). Nil disables jitter.
	Rand func() float64
}

// Delay returns the wait before retry number attempt (0-based).
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	d := b.Base
	for i := 0; i < attempt; i++ {
		if (b.Max > 0 && d >= b.Max) || d > math.MaxInt64/2 {
			break
		}
		d <<= 1
	}
	if b.Max > 0 && d > b.Max {
		d = b.Max
	}
	if b.Rand != nil {
		//nolint:gosec // jitter, not security.
		d += time.Duration(float64(d) * (0.1 + 0.4*b.Rand()))
	}
	return d
}
