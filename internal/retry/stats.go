package retry

import (
	"context"
	"time"
)

type AgeBuckets struct {
	UnderHour int `json:"under_1h"`
	UnderDay  int `json:"under_24h"`
	DayOrMore int `json:"over_24h"`
}

type Stats struct {
	Total    int        `json:"total"`
	DueNow   int        `json:"due_now"`
	ByAge    AgeBuckets `json:"by_age"`
	Oldest   *time.Time `json:"oldest_enqueued_at,omitempty"`
	NextDue  *time.Time `json:"next_retry_at,omitempty"`
	Attempts int        `json:"attempts"`
}

// Statistics summarizes the queue as of now. Age buckets are disjoint:
// under one hour, one to twenty-four hours, and the rest.
func (q *Queue) Statistics(ctx context.Context, now time.Time) (Stats, error) {
	items, err := q.Items(ctx)
	if err != nil {
		return Stats{}, err
	}
	var s Stats
	s.Total = len(items)
	for _, it := range items {
		if !it.NextRetryAt.After(now) {
			s.DueNow++
		}
		switch age := it.Age(now); {
		case age < time.Hour:
			s.ByAge.UnderHour++
		case age < 24*time.Hour:
			s.ByAge.UnderDay++
		default:
			s.ByAge.DayOrMore++
		}
		s.Attempts += it.AttemptCount
		if s.Oldest == nil || it.EnqueuedAt.Before(*s.Oldest) {
			t := it.EnqueuedAt
			s.Oldest = &t
		}
		if s.NextDue == nil || it.NextRetryAt.Before(*s.NextDue) {
			t := it.NextRetryAt
			s.NextDue = &t
		}
	}
	return s, nil
}
