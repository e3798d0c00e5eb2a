package capacity

import "time"

// Backoff is an exponential delay with a ceiling:
//
//	delay(n) = min(Base * 2^(n-1), Max)
type Backoff struct {
	Base time.Duration
	Max  time.Duration
}

// DefaultBackoff matches the container runtime's cold restart profile.
var DefaultBackoff = Backoff{Base: time.Second, Max: 30 * time.Second}

// Delay returns the wait before reconnection attempt n (1-based). Attempt 0 is
// treated as attempt 1.
func (b Backoff) Delay(attempt uint) time.Duration {
	if b.Base <= 0 {
		return 0
	}
	limit := b.Max
	if limit < b.Base {
		limit = b.Base
	}

	d := b.Base
	for i := uint(1); i < attempt; i++ {
		if d >= limit/2 {
			return limit
		}
		d *= 2
	}
	if d > limit {
		return limit
	}
	return d
}
