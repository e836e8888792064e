package channel

import (
	"math"
	"time"
)

// maxBackoff caps Delay when Max is unset so large attempt numbers cannot
// overflow time.Duration.
const maxBackoff = time.Hour

// Backoff computes the wait before reconnect attempt n (zero based):
// min(Base * Factor^n, Max).
type Backoff struct {
	Base   time.Duration
	Factor float64
	Max    time.Duration
}

func (b Backoff) Delay(n int) time.Duration {
	if n < 0 {
		n = 0
	}
	ceiling := b.Max
	if ceiling <= 0 {
		ceiling = maxBackoff
	}
	d := float64(b.Base) * math.Pow(b.Factor, float64(n))
	if math.IsNaN(d) || d > float64(ceiling) {
		return ceiling
	}
	if d < 0 {
		return 0
	}
	return time.Duration(d)
}
