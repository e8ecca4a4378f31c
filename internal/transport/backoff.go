package transport

import "time"

// Backoff is the reconnect schedule: attempt n waits min(Base*2^n, Cap), and
// no attempt is scheduled once MaxAttempts have been made.
type Backoff struct {
	Base        time.Duration
	Cap         time.Duration
	MaxAttempts int
}

// DefaultBackoff is 1s doubling up to 10s, five attempts.
var DefaultBackoff = Backoff{
	Base:        time.Second,
	Cap:         10 * time.Second,
	MaxAttempts: 5,
}

// Delay returns the wait before reconnect attempt number attempt (0-based).
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	if attempt >= 32 {
		return b.Cap
	}
	d := b.Base << attempt
	if d <= 0 || d > b.Cap {
		return b.Cap
	}
	return d
}
