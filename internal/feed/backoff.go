package feed

import (
	"math/rand"
	"sync"
	"time"
)

const (
	backoffInitial    = 3 * time.Second
	backoffJitterSpan = 7 * time.Second
	backoffCap        = 60 * time.Second
)

// backoff tracks consecutive failures for one (stream, symbol) poller.
// The first failed attempt waits 3s, or a uniform random 3-10s when
// the venue signalled throttling, then doubles per consecutive
// failure up to 60s. Success resets it.
type backoff struct {
	mu       sync.Mutex
	failures int
	delay    time.Duration
	rng      *rand.Rand
}

func newBackoff() *backoff {
	return &backoff{rng: rand.New(rand.NewSource(time.Now().UnixNano()))}
}

// Next registers a failure and returns the delay before the retry.
func (b *backoff) Next(throttled bool) time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures++
	if b.failures == 1 {
		b.delay = backoffInitial
		if throttled {
			b.delay = backoffInitial + time.Duration(b.rng.Int63n(int64(backoffJitterSpan)))
		}
	} else {
		b.delay *= 2
		if b.delay > backoffCap {
			b.delay = backoffCap
		}
	}
	return b.delay
}

// Reset clears the failure streak after a success.
func (b *backoff) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
	b.delay = 0
}

// Failures returns the current consecutive failure count.
func (b *backoff) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}
