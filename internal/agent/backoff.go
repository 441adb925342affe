package agent

import (
	"math"
	"math/rand"
	"time"
)

// Delay returns the wait before reconnect attempt n (1-based). With jitter
// the delay is scaled by a factor in [0.5, 1.5).
func (b BackoffConfig) Delay(n int, rng *rand.Rand) time.Duration {
	if b.InitialDelay <= 0 {
		return 0
	}
	if n <= 1 {
		return b.InitialDelay
	}
	mult := math.Max(b.Multiplier, 1.0)
	d := float64(b.InitialDelay) * math.Pow(mult, float64(n-1))
	if b.MaxDelay > 0 {
		d = math.Min(d, float64(b.MaxDelay))
	}
	if b.Jitter {
		scale := 1.0
		if rng != nil {
			scale = 0.5 + rng.Float64()
		}
		d *= scale
	}
	return time.Duration(d)
}
