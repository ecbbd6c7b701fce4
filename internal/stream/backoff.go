package stream

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// reconnectBackoff yields initial * 2^(attempt-1) capped at max, and stops
// after maxAttempts consecutive failures when maxAttempts > 0.
type reconnectBackoff struct {
	exp         *backoff.ExponentialBackOff
	attempts    int
	maxAttempts int
}

func newReconnectBackoff(initial, maxInterval time.Duration, maxAttempts int) *reconnectBackoff {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = initial
	exp.MaxInterval = maxInterval
	exp.Multiplier = 2
	exp.RandomizationFactor = 0
	exp.MaxElapsedTime = 0
	exp.Reset()
	return &reconnectBackoff{exp: exp, maxAttempts: maxAttempts}
}

// Next records a failed attempt and returns the wait before the next one.
// ok is false once the attempt budget is spent.
func (b *reconnectBackoff) Next() (wait time.Duration, ok bool) {
	b.attempts++
	wait = b.exp.NextBackOff()
	if wait == backoff.Stop {
		return 0, false
	}
	if b.maxAttempts > 0 && b.attempts >= b.maxAttempts {
		return wait, false
	}
	return wait, true
}

func (b *reconnectBackoff) Reset() {
	b.attempts = 0
	b.exp.Reset()
}

func (b *reconnectBackoff) Attempts() int { return b.attempts }
