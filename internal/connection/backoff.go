package connection

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// linearBackOff waits step, 2*step, 3*step and so on.
type linearBackOff struct {
	step time.Duration
	n    int
}

func (b *linearBackOff) NextBackOff() time.Duration {
	b.n++
	return b.step * time.Duration(b.n)
}

func (b *linearBackOff) Reset() {
	b.n = 0
}

// newReconnectBackOff returns the reconnect schedule: linear delays, then
// backoff.Stop once maxAttempts reconnects have been scheduled.
func newReconnectBackOff(step time.Duration, maxAttempts int) backoff.BackOff {
	if maxAttempts <= 0 {
		return &backoff.StopBackOff{}
	}
	return backoff.WithMaxRetries(&linearBackOff{step: step}, uint64(maxAttempts))
}
