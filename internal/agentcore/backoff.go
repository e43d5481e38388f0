// internal/agentcore/backoff.go
// Reconnect delay calculator for the agent controller (spec.md §4.6):
// min(base*2^attempts, max) plus up to one second of additive jitter. The
// formula itself is spec-literal and differs from cenkalti/backoff's default
// ExponentialBackOff (proportional randomization, not an additive cap), so
// reconnectBackoff implements cenkalti's own backoff.BackOff interface
// instead of reusing its calculator — the same "implement the interface,
// keep the formula" split the teacher's grpc_exporter.go reconnect takes
// with its *backoff.ExponentialBackOff field. Run wraps it in
// backoff.WithMaxRetries so MaxReconnectAttempts is enforced by the library,
// not a hand-rolled counter compare.
package agentcore

import (
	"math/rand"
	"time"

	"github.com/cenkalti/backoff/v4"
)

type reconnectBackoff struct {
	base     time.Duration
	max      time.Duration
	attempts int
}

var _ backoff.BackOff = (*reconnectBackoff)(nil)

func newReconnectBackoff(base, max time.Duration) *reconnectBackoff {
	if base <= 0 {
		base = 500 * time.Millisecond
	}
	if max <= 0 {
		max = 60 * time.Second
	}
	return &reconnectBackoff{base: base, max: max}
}

// NextBackOff returns the delay before the next reconnect attempt and
// advances the attempt counter, satisfying cenkalti/backoff's BackOff
// interface so Run can wrap it with backoff.WithMaxRetries.
func (b *reconnectBackoff) NextBackOff() time.Duration {
	bound := b.base << b.attempts
	if bound <= 0 || bound > b.max {
		bound = b.max
	}
	b.attempts++
	jitter := time.Duration(rand.Int63n(int64(time.Second) + 1))
	return bound + jitter
}

// Reset zeroes the attempt counter after a successful connection.
func (b *reconnectBackoff) Reset() { b.attempts = 0 }

// Attempts reports how many consecutive failed attempts have occurred.
func (b *reconnectBackoff) Attempts() int { return b.attempts }
