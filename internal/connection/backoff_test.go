package connection

import (
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/assert"
)

func TestReconnectBackOffIsLinearAndCapped(t *testing.T) {
	b := newReconnectBackOff(time.Second, 3)

	assert.Equal(t, time.Second, b.NextBackOff())
	assert.Equal(t, 2*time.Second, b.NextBackOff())
	assert.Equal(t, 3*time.Second, b.NextBackOff())
	assert.Equal(t, backoff.Stop, b.NextBackOff())
	assert.Equal(t, backoff.Stop, b.NextBackOff())

	b.Reset()
	assert.Equal(t, time.Second, b.NextBackOff())
}

func TestReconnectBackOffWithoutAttempts(t *testing.T) {
	for _, attempts := range []int{0, -1} {
		assert.Equal(t, backoff.Stop, newReconnectBackOff(time.Second, attempts).NextBackOff(), "attempts=%d", attempts)
	}
}
