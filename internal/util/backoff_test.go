package util

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBackoffNextStaysUnderCap(t *testing.T) {
	b := NewBackoff()
	b.Base = 10 * time.Millisecond
	b.Max = 100 * time.Millisecond

	for i := 0; i < 20; i++ {
		d := b.Next()
		assert.GreaterOrEqual(t, d, time.Duration(0))
		assert.LessOrEqual(t, d, b.Max)
	}
}

func TestBackoffResetRestartsGrowth(t *testing.T) {
	b := NewBackoff()
	b.Base = 10 * time.Millisecond
	b.Max = time.Second
	b.Attempt = 5

	b.Reset()
	assert.Equal(t, 0, b.Attempt)
}
