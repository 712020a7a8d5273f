package resilience

import "time"

// Schedule decides when a persisted unit of work (a message send) is tried
// again after a transient failure. Unlike RetryConfig it never sleeps: the
// next attempt time is stored and picked up by a later tick.
type Schedule struct {
	// MaxAttempts is the total number of attempts before giving up.
	MaxAttempts int
	Initial     time.Duration
	Max         time.Duration
	Multiplier  float64
}

// DefaultSchedule is 5 attempts backing off 5m, 10m, 20m, 40m, capped at 6h.
func DefaultSchedule() Schedule {
	return Schedule{MaxAttempts: 5, Initial: 5 * time.Minute, Max: 6 * time.Hour, Multiplier: 2}
}

// Next returns when to try again after attempts failed attempts, or false
// when the cap has been reached.
func (s Schedule) Next(attempts int, now time.Time) (time.Time, bool) {
	if s.MaxAttempts <= 0 {
		s = DefaultSchedule()
	}
	if attempts >= s.MaxAttempts {
		return time.Time{}, false
	}
	mult := s.Multiplier
	if mult <= 0 {
		mult = 2
	}
	return now.Add(Backoff(attempts-1, s.Initial, s.Max, mult)), true
}
