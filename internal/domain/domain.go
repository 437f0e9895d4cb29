package domain

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

const (
	DateLayout = "2006-01-02"
	TimeLayout = "15:04"
)

type RowState string

const (
	StateUnscheduled RowState = "unscheduled"
	StateScheduled   RowState = "scheduled"
	StateCancelled   RowState = "cancelled"
	StateUpdated     RowState = "updated"
)

// Link is a URL with the text shown for it.
type Link struct {
	URL  string `json:"url,omitempty" yaml:"url"`
	Name string `json:"name,omitempty" yaml:"name"`
}

func (l Link) Empty() bool { return strings.TrimSpace(l.URL) == "" }

type Row struct {
	ID        string   `json:"id"`
	Position  int      `json:"position"`
	StartDate string   `json:"start_date,omitempty" format:"date"`
	StartTime string   `json:"start_time,omitempty"`
	Group     string   `json:"group,omitempty"`
	Route     Link     `json:"route"`
	Ride      Link     `json:"ride"`
	Leaders   []string `json:"leaders,omitempty"`
	Location  string   `json:"location,omitempty"`
	Address   string   `json:"address,omitempty"`
	State     RowState `json:"state" enum:"unscheduled,scheduled,cancelled,updated"`
	CreatedAt string   `json:"created_at" format:"date-time"`
	UpdatedAt string   `json:"updated_at" format:"date-time"`

	// Populated by the gate for the duration of one command.
	Errors   []string `json:"errors,omitempty"`
	Warnings []string `json:"warnings,omitempty"`
}

// Start combines StartDate and StartTime in loc. A missing time means midnight.
func (r Row) Start(loc *time.Location) (time.Time, error) {
	if loc == nil {
		loc = time.UTC
	}
	if strings.TrimSpace(r.StartDate) == "" {
		return time.Time{}, fmt.Errorf("row %d has no start date", r.Position)
	}
	layout, value := DateLayout, r.StartDate
	if strings.TrimSpace(r.StartTime) != "" {
		layout, value = DateLayout+" "+TimeLayout, r.StartDate+" "+r.StartTime
	}
	return time.ParseInLocation(layout, value, loc)
}

// Scheduled reports whether the row carries a remote ride reference.
func (r Row) Scheduled() bool { return !r.Ride.Empty() }

func (r Row) Label() string {
	parts := []string{fmt.Sprintf("Row %d", r.Position)}
	var detail []string
	if r.StartDate != "" {
		detail = append(detail, r.StartDate)
	}
	if r.Group != "" {
		detail = append(detail, r.Group)
	}
	if r.Ride.Name != "" {
		detail = append(detail, r.Ride.Name)
	}
	if len(detail) > 0 {
		parts = append(parts, "("+strings.Join(detail, " ")+")")
	}
	return strings.Join(parts, " ")
}

type ValidationResult struct {
	Errors   []string `json:"errors"`
	Warnings []string `json:"warnings"`
}

func (v ValidationResult) Blocked() bool { return len(v.Errors) > 0 }
func (v ValidationResult) Warned() bool  { return len(v.Errors) == 0 && len(v.Warnings) > 0 }
func (v ValidationResult) Clean() bool   { return len(v.Errors) == 0 && len(v.Warnings) == 0 }

// Operation is a remote mutation that can be replayed by the retry queue.
type Operation struct {
	Type   string          `json:"type"`
	RowID  string          `json:"row_id,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
}

type QueueItem struct {
	ID              string          `json:"id"`
	OperationType   string          `json:"operation_type"`
	RowID           string          `json:"row_id,omitempty"`
	OperationParams json.RawMessage `json:"operation_params,omitempty"`
	EnqueuedAt      time.Time       `json:"enqueued_at"`
	NextRetryAt     time.Time       `json:"next_retry_at"`
	AttemptCount    int             `json:"attempt_count"`
	LastError       *string         `json:"last_error,omitempty"`
}

func (q QueueItem) Operation() Operation {
	return Operation{Type: q.OperationType, RowID: q.RowID, Params: q.OperationParams}
}

func (q QueueItem) Age(now time.Time) time.Duration { return now.Sub(q.EnqueuedAt) }

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}
