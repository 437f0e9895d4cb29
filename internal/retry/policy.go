package retry

import "time"

// Policy maps an item's age to its next retry time. Attempt count never
// enters into it: a fresh failure schedules from the time of failure using
// the phase the item's age falls in.
type Policy struct {
	FastDelay time.Duration
	FastPhase time.Duration
	SlowDelay time.Duration
	MaxAge    time.Duration
}

var DefaultPolicy = Policy{
	FastDelay: 5 * time.Minute,
	FastPhase: time.Hour,
	SlowDelay: time.Hour,
	MaxAge:    48 * time.Hour,
}

// Next returns when an item enqueued at enqueuedAt should run again after a
// failure at now. expired is true once the item is at or past MaxAge.
func (p Policy) Next(enqueuedAt, now time.Time) (next time.Time, expired bool) {
	p = p.withDefaults()
	age := now.Sub(enqueuedAt)
	if age >= p.MaxAge {
		return time.Time{}, true
	}
	if age < p.FastPhase {
		next = now.Add(p.FastDelay)
	} else {
		next = now.Add(p.SlowDelay)
	}
	if next.Before(enqueuedAt) {
		next = enqueuedAt
	}
	return next, false
}

func (p Policy) Expired(enqueuedAt, now time.Time) bool {
	return now.Sub(enqueuedAt) >= p.withDefaults().MaxAge
}

func (p Policy) withDefaults() Policy {
	if p.FastDelay <= 0 {
		p.FastDelay = DefaultPolicy.FastDelay
	}
	if p.FastPhase <= 0 {
		p.FastPhase = DefaultPolicy.FastPhase
	}
	if p.SlowDelay <= 0 {
		p.SlowDelay = DefaultPolicy.SlowDelay
	}
	if p.MaxAge <= 0 {
		p.MaxAge = DefaultPolicy.MaxAge
	}
	return p
}
