// Package conn owns the broker connection lifecycle: the connect/heartbeat/
// reconnect state machine, exponential backoff between attempts, and the
// pump that moves session events onto the bus.
package conn

import (
	"math/rand"
	"time"
)

// Backoff produces exponentially growing reconnect delays with jitter, so a
// fleet of clients does not hammer a recovering gateway in lockstep.
type Backoff struct {
	// Base is the first delay. Zero means 500ms.
	Base time.Duration
	// Max caps the delay. Zero means 30s.
	Max time.Duration
	// Jitter is the fraction of random spread applied to each delay
	// (0.2 means ±20%). Negative disables jitter.
	Jitter float64

	attempt int
}

// Next returns the delay before the next attempt and advances the schedule.
func (b *Backoff) Next() time.Duration {
	base := b.Base
	if base <= 0 {
		base = 500 * time.Millisecond
	}
	max := b.Max
	if max <= 0 {
		max = 30 * time.Second
	}

	d := base
	for i := 0; i < b.attempt; i++ {
		d *= 2
		if d >= max {
			d = max
			break
		}
	}
	b.attempt++

	if b.Jitter > 0 {
		spread := float64(d) * b.Jitter
		d = time.Duration(float64(d) - spread + rand.Float64()*2*spread)
	}
	if d > max {
		d = max
	}
	return d
}

// Reset restarts the schedule after a successful connect.
func (b *Backoff) Reset() {
	b.attempt = 0
}

// Attempt returns how many delays have been handed out since the last Reset.
func (b *Backoff) Attempt() int {
	return b.attempt
}
