package queue

import (
	"time"

	"catalogsync/internal/models"
)

const maxBackoff = time.Hour

type Backoff struct {
	Kind  models.BackoffKind
	Delay time.Duration
}

// Next returns the wait before the retry that follows attempt (1-based).
func (b Backoff) Next(attempt int) time.Duration {
	if b.Delay <= 0 {
		return 0
	}
	if b.Kind != models.BackoffExponential || attempt <= 1 {
		return b.Delay
	}
	d := b.Delay
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= maxBackoff {
			return maxBackoff
		}
	}
	return d
}

// Policy is the default retry configuration of a queue.
type Policy struct {
	Attempts int
	Backoff  Backoff
}
