package presence

import (
	"golang.org/x/time/rate"
)

// Throttle bounds how often a session may emit cursor updates, whatever its input event rate.
type Throttle struct {
	limiter *rate.Limiter
}

// NewThrottle allows hz updates per second with no burst.
func NewThrottle(hz float64) *Throttle {
	if hz <= 0 {
		hz = DefaultRate
	}
	return &Throttle{limiter: rate.NewLimiter(rate.Limit(hz), 1)}
}

// Allow reports whether an update may be sent now. Callers drop the update otherwise; the next one
// supersedes it.
func (t *Throttle) Allow() bool {
	return t.limiter.Allow()
}

// Palette is the cursor colour set handed out to anonymous sessions.
var Palette = []string{
	"#e74c3c", "#3498db", "#2ecc71", "#9b59b6",
	"#e67e22", "#1abc9c", "#e84393", "#00b894",
	"#fdcb6e", "#6c5ce7", "#00cec9", "#d63031",
}

func ColorFor(n int) string {
	return Palette[uint(n)%uint(len(Palette))]
}
