package session

import (
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/1ureka/togetherly/internal/clock"
	"github.com/1ureka/togetherly/internal/transport"
)

// openBackOff picks the delay before the next endpoint open from the error
// of the last one: a taken identifier is retried right away under a
// fallback identifier, anything else waits the fixed delay.
type openBackOff struct {
	delay   time.Duration
	lastErr *error
}

func (b *openBackOff) NextBackOff() time.Duration {
	if errors.Is(*b.lastErr, transport.ErrUnavailableID) {
		return 0
	}
	return b.delay
}

func (b *openBackOff) Reset() {}

// clockTimer runs backoff waits on a clock.Clock.
type clockTimer struct {
	clk   clock.Clock
	c     chan time.Time
	timer *clock.Timer
}

var _ backoff.Timer = (*clockTimer)(nil)

func newClockTimer(clk clock.Clock) *clockTimer {
	return &clockTimer{clk: clk}
}

func (t *clockTimer) Start(d time.Duration) {
	c := make(chan time.Time, 1)
	t.c = c
	t.timer = t.clk.AfterFunc(d, func() { c <- t.clk.Now() })
}

func (t *clockTimer) Stop() { t.timer.Stop() }

func (t *clockTimer) C() <-chan time.Time { return t.c }
