// Package clock abstracts the timers used by the session core so that
// connection timeouts, retry backoff, and settle windows can be driven
// deterministically in tests.
package clock

import (
	"time"

	"github.com/jonboulle/clockwork"
)

// Clock is the subset of the time package the core depends on.
type Clock interface {
	// Now returns the current time.
	Now() time.Time

	// AfterFunc calls f in its own goroutine (real) or synchronously
	// during Advance (fake) once d has elapsed.
	AfterFunc(d time.Duration, f func()) *Timer
}

// Timer is a cancelable scheduled call created by AfterFunc.
type Timer struct {
	stopFunc func() bool
}

// Stop prevents the Timer from firing. It returns false if the timer has
// already fired or been stopped. A nil Timer is safe to stop.
func (t *Timer) Stop() bool {
	if t == nil {
		return false
	}
	return t.stopFunc()
}

// Real returns the wall clock.
func Real() Clock { return realClock{clockwork.NewRealClock()} }

type realClock struct {
	c clockwork.Clock
}

func (r realClock) Now() time.Time { return r.c.Now() }

func (r realClock) AfterFunc(d time.Duration, f func()) *Timer {
	t := r.c.AfterFunc(d, f)
	return &Timer{stopFunc: t.Stop}
}
