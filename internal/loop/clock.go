package loop

import "github.com/jonboulle/clockwork"

// Clock abstracts time so timer-driven behaviour (heartbeat, reconnect
// backoff, queue TTL) can run against clockwork's fake clock in tests.
type Clock = clockwork.Clock

// Timer is a pending AfterFunc call.
type Timer = clockwork.Timer

// RealClock returns a Clock backed by package time.
func RealClock() Clock {
	return clockwork.NewRealClock()
}
