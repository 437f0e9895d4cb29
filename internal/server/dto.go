package server

import (
	"encoding/json"
	"errors"
	"sort"
	"time"

	"rideline/internal/dispatch"
	"rideline/internal/domain"
	"rideline/internal/engine"
)

// Request payloads

type AddRowRequest struct {
	StartDate string   `json:"start_date" format:"date"`
	StartTime string   `json:"start_time,omitempty" pattern:"^[0-2][0-9]:[0-5][0-9]$"`
	Group     string   `json:"group,omitempty"`
	RouteURL  string   `json:"route_url,omitempty"`
	RouteName string   `json:"route_name,omitempty"`
	Leaders   []string `json:"leaders,omitempty"`
	Location  string   `json:"location,omitempty"`
	Address   string   `json:"address,omitempty"`
}

func (r AddRowRequest) row() domain.Row {
	return domain.Row{
		StartDate: r.StartDate,
		StartTime: r.StartTime,
		Group:     r.Group,
		Route:     domain.Link{URL: r.RouteURL, Name: r.RouteName},
		Leaders:   r.Leaders,
		Location:  r.Location,
		Address:   r.Address,
	}
}

type RunCommandRequest struct {
	Rows  []string `json:"rows" minItems:"1" doc:"Row ids or positions"`
	Force bool     `json:"force,omitempty" doc:"Skip state transition checks"`
}

// Responses

type RowIssues struct {
	ID       string   `json:"id"`
	Position int      `json:"position"`
	Errors   []string `json:"errors,omitempty"`
	Warnings []string `json:"warnings,omitempty"`
}

type RowFailure struct {
	ID          string `json:"id"`
	Position    int    `json:"position"`
	Error       string `json:"error"`
	QueuedRetry string `json:"queued_retry,omitempty" doc:"Retry item id when the change was queued"`
}

type RunCommandResponse struct {
	Command  string       `json:"command"`
	Aborted  bool         `json:"aborted"`
	Applied  []domain.Row `json:"applied"`
	Blocked  []RowIssues  `json:"blocked"`
	Warned   []RowIssues  `json:"warned"`
	Failed   []RowFailure `json:"failed"`
	Messages []string     `json:"messages"`
}

type QueueItemResponse struct {
	ID            string         `json:"id"`
	OperationType string         `json:"operation_type"`
	RowID         string         `json:"row_id,omitempty"`
	Params        map[string]any `json:"params,omitempty"`
	EnqueuedAt    time.Time      `json:"enqueued_at"`
	NextRetryAt   time.Time      `json:"next_retry_at"`
	AttemptCount  int            `json:"attempt_count"`
	LastError     string         `json:"last_error,omitempty"`
}

type ProcessRetriesResponse struct {
	Succeeded   []QueueItemResponse `json:"succeeded"`
	Rescheduled []QueueItemResponse `json:"rescheduled"`
	Expired     []QueueItemResponse `json:"expired"`
}

type EventResponse struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts" format:"date-time"`
	Type       string         `json:"type"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

// Conversion helpers

func issues(rows []*domain.Row) []RowIssues {
	out := make([]RowIssues, 0, len(rows))
	for _, r := range rows {
		out = append(out, RowIssues{ID: r.ID, Position: r.Position, Errors: r.Errors, Warnings: r.Warnings})
	}
	return out
}

// NewRunCommandResponse flattens a dispatch outcome for JSON output. Failed
// rows are ordered by position.
func NewRunCommandResponse(command string, out dispatch.Outcome, messages []string) RunCommandResponse {
	res := RunCommandResponse{
		Command:  command,
		Aborted:  out.Aborted,
		Applied:  make([]domain.Row, 0, len(out.Applied)),
		Blocked:  issues(out.Blocked),
		Warned:   issues(out.Warned),
		Failed:   []RowFailure{},
		Messages: nonNilSlice(messages),
	}
	for _, r := range out.Applied {
		res.Applied = append(res.Applied, *r)
	}
	positions := map[string]int{}
	for _, group := range [][]*domain.Row{out.Warned, out.Clean} {
		for _, r := range group {
			positions[r.ID] = r.Position
		}
	}
	for id, err := range out.Failed {
		f := RowFailure{ID: id, Position: positions[id], Error: err.Error()}
		var queued *engine.QueuedError
		if errors.As(err, &queued) {
			f.QueuedRetry = queued.ItemID
		}
		res.Failed = append(res.Failed, f)
	}
	sort.Slice(res.Failed, func(i, j int) bool { return res.Failed[i].Position < res.Failed[j].Position })
	return res
}

func queueItemResponse(it domain.QueueItem) QueueItemResponse {
	res := QueueItemResponse{
		ID:            it.ID,
		OperationType: it.OperationType,
		RowID:         it.RowID,
		EnqueuedAt:    it.EnqueuedAt,
		NextRetryAt:   it.NextRetryAt,
		AttemptCount:  it.AttemptCount,
	}
	if len(it.OperationParams) > 0 {
		res.Params = decodeJSONMap(string(it.OperationParams))
	}
	if it.LastError != nil {
		res.LastError = *it.LastError
	}
	return res
}

func queueItems(items []domain.QueueItem) []QueueItemResponse {
	out := make([]QueueItemResponse, 0, len(items))
	for _, it := range items {
		out = append(out, queueItemResponse(it))
	}
	return out
}

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		ActorID:    e.ActorID,
		Payload:    decodeJSONMap(e.Payload),
	}
}

// JSON helpers

func decodeJSONMap(raw string) map[string]any {
	if raw == "" {
		return nil
	}
	var obj map[string]any
	if err := json.Unmarshal([]byte(raw), &obj); err != nil {
		return nil
	}
	return obj
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
