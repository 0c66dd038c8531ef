package clock

import "time"

// Clock abstracts the time operations used by session and connection timers so
// tests can drive them deterministically.
type Clock interface {
	Now() time.Time
	// AfterFunc calls f in its own goroutine (real) or synchronously during
	// Advance (fake) once d elapses.
	AfterFunc(d time.Duration, f func()) *Timer
}

// Timer is a cancellable handle for a pending AfterFunc call.
type Timer struct {
	stopFunc  func() bool
	resetFunc func(time.Duration) bool
}

// Stop prevents the timer from firing. It returns false if the timer already
// fired or was stopped. Stop on a nil Timer is a no-op.
func (t *Timer) Stop() bool {
	if t == nil {
		return false
	}
	return t.stopFunc()
}

// Reset reschedules the timer to fire after d. It returns true if the timer was
// still pending.
func (t *Timer) Reset(d time.Duration) bool {
	return t.resetFunc(d)
}

// Real returns a Clock backed by the time package.
func Real() Clock { return realClock{} }

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) AfterFunc(d time.Duration, f func()) *Timer {
	timer := time.AfterFunc(d, f)
	return &Timer{stopFunc: timer.Stop, resetFunc: timer.Reset}
}
