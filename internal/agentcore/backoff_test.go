package agentcore

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReconnectBackoffCapsAtMax(t *testing.T) {
	b := newReconnectBackoff(100*time.Millisecond, time.Second)

	var last time.Duration
	for i := 0; i < 10; i++ {
		last = b.NextBackOff()
		assert.LessOrEqual(t, last, time.Second+time.Second) // bound + up to 1s jitter
	}
	assert.Equal(t, 10, b.Attempts())
}

func TestReconnectBackoffResetZeroesAttempts(t *testing.T) {
	b := newReconnectBackoff(100*time.Millisecond, time.Second)
	b.NextBackOff()
	b.NextBackOff()
	require.Equal(t, 2, b.Attempts())

	b.Reset()
	assert.Equal(t, 0, b.Attempts())
}

func TestNewReconnectBackoffAppliesDefaults(t *testing.T) {
	b := newReconnectBackoff(0, 0)
	assert.Equal(t, 500*time.Millisecond, b.base)
	assert.Equal(t, 60*time.Second, b.max)
}
