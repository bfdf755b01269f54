package sync

import (
	"math/rand/v2"
	"time"
)

// backoff yields exponentially growing, jittered delays between dial attempts
type backoff struct {
	initial time.Duration
	max     time.Duration
	current time.Duration
}

func newBackoff(initial, max time.Duration) *backoff {
	if initial <= 0 {
		initial = 100 * time.Millisecond
	}
	if max < initial {
		max = initial
	}
	return &backoff{initial: initial, max: max, current: initial}
}

// next returns a delay in [current/2, current) and doubles current up to max
func (b *backoff) next() time.Duration {
	d := b.current
	b.current = min(b.current*2, b.max)
	half := d / 2
	if half <= 0 {
		return d
	}
	return half + rand.N(half)
}

func (b *backoff) reset() {
	b.current = b.initial
}
