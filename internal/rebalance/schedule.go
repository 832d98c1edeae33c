package rebalance

import "time"

// Schedule decides the delay before the next cycle. It is in backoff mode
// after a failed cycle and back to the normal interval after any cycle that
// did not fail, skips included.
type Schedule struct {
	interval   time.Duration
	multiplier int
	backoff    bool
	failures   int
}

// NewSchedule returns a schedule in normal mode.
func NewSchedule(interval time.Duration, backoffMultiplier int) *Schedule {
	if backoffMultiplier < 1 {
		backoffMultiplier = 1
	}
	return &Schedule{interval: interval, multiplier: backoffMultiplier}
}

// Next records the result of a cycle and returns how long to wait before the
// following one.
func (s *Schedule) Next(failed bool) time.Duration {
	if failed {
		s.backoff = true
		s.failures++
		return s.BackoffInterval()
	}
	s.backoff = false
	s.failures = 0
	return s.interval
}

// Interval is the normal delay between cycles.
func (s *Schedule) Interval() time.Duration { return s.interval }

// BackoffInterval is the extended delay after a failed cycle.
func (s *Schedule) BackoffInterval() time.Duration {
	return s.interval * time.Duration(s.multiplier)
}

// InBackoff reports whether the last cycle failed.
func (s *Schedule) InBackoff() bool { return s.backoff }

// ConsecutiveFailures counts failed cycles since the last non-failed one.
func (s *Schedule) ConsecutiveFailures() int { return s.failures }
