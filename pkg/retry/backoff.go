package retry

import "time"

// Backoff computes base * 2^min(attempt, MaxExponent).
type Backoff struct {
	Base        time.Duration
	MaxExponent int
}

// DefaultBackoff is the schedule used for session recovery: 1s, 2s, 4s, then 8s.
func DefaultBackoff() Backoff {
	return Backoff{Base: time.Second, MaxExponent: 3}
}

// Delay returns the wait before retry number attempt (zero based).
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	if attempt > b.MaxExponent {
		attempt = b.MaxExponent
	}
	return b.Base << uint(attempt)
}

// Counter tracks attempts for one failure class against its maximum.
// A Max of zero means the class never exhausts.
type Counter struct {
	Max      int
	attempts int
}

// NewCounter returns a Counter that exhausts after max attempts.
func NewCounter(max int) *Counter {
	return &Counter{Max: max}
}

// Next records an attempt. It returns the attempt index to feed to
// Backoff.Delay and whether the attempt is still within budget.
func (c *Counter) Next() (int, bool) {
	n := c.attempts
	c.attempts++
	if c.Max > 0 && c.attempts > c.Max {
		return n, false
	}
	return n, true
}

// Attempts returns the number of attempts recorded since the last Reset.
func (c *Counter) Attempts() int {
	return c.attempts
}

func (c *Counter) Reset() {
	c.attempts = 0
}
