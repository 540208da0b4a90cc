package delivery

import "time"

// Backoff doubles the delay after every failed attempt, starting at
// Min and capped at Max.
type Backoff struct {
	Min time.Duration
	Max time.Duration
}

var DefaultBackoff = Backoff{Min: time.Second, Max: 30 * time.Second}

// Delay for the given attempt, counting from 1.
func (b Backoff) Delay(attempt int) time.Duration {
	d := b.Min
	for i := 1; i < attempt && d < b.Max; i++ {
		d *= 2
	}
	if d > b.Max {
		d = b.Max
	}
	return d
}
