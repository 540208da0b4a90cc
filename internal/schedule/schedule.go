// Package schedule computes sampling deadlines on a fixed grid.
//
// Deadlines are multiples of the period counted from the Unix epoch,
// shifted by a phase. Two processes sampling with the same period
// therefore wake up at the same wall-clock instants, regardless of
// when they were started.
package schedule

import (
	"errors"
	"time"
)

var ErrInvalidPeriod = errors.New("period must be positive")

// NextDeadline returns the smallest t = k*period + phase with t > now.
//
// period must be positive.
func NextDeadline(now time.Time, period, phase time.Duration) time.Time {
	p := int64(period)
	pos := now.UnixNano() - int64(phase)
	k := floorDiv(pos, p) + 1
	return time.Unix(0, k*p+int64(phase))
}

func floorDiv(a, b int64) int64 {
	q := a / b
	if (a%b != 0) && ((a < 0) != (b < 0)) {
		q--
	}
	return q
}

// Schedule keeps the last deadline handed out so successive deadlines
// strictly increase, even if the wall clock steps backwards.
//
// A Schedule is owned by a single goroutine.
type Schedule struct {
	period time.Duration
	phase  time.Duration
	last   time.Time
}

func New(period, phase time.Duration) (*Schedule, error) {
	if period <= 0 {
		return nil, ErrInvalidPeriod
	}
	return &Schedule{period: period, phase: phase}, nil
}

func (s *Schedule) Period() time.Duration { return s.period }

// Next returns the next deadline after now, and the number of grid
// points that were skipped since the previous deadline because the
// caller was late.
func (s *Schedule) Next(now time.Time) (time.Time, int) {
	if !s.last.IsZero() && now.Before(s.last) {
		now = s.last
	}
	next := NextDeadline(now, s.period, s.phase)

	skipped := 0
	if !s.last.IsZero() {
		skipped = int(next.Sub(s.last)/s.period) - 1
	}
	s.last = next
	return next, skipped
}
