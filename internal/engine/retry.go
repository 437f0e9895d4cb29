package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"rideline/internal/domain"
	"rideline/internal/events"
	"rideline/internal/remote"
	"rideline/internal/repo"
	"rideline/internal/retry"
)

const (
	opRideTag = "ride.tag"

	calendarCreate = "create"
	calendarUpdate = "update"
	calendarDelete = "delete"

	retryActor = "retry"
)

// ProcessRetries runs one pass over the retry queue as of now.
func (e *Engine) ProcessRetries(ctx context.Context) (retry.Result, error) {
	return e.Queue.ProcessDue(ctx, e.now(), e.Execute)
}

// Execute replays one queued operation with the engine's current
// credentials. Queued params never carry credentials.
func (e *Engine) Execute(ctx context.Context, op domain.Operation) error {
	switch {
	case op.Type == opRideTag:
		var m rideMutation
		if err := json.Unmarshal(op.Params, &m); err != nil {
			return fmt.Errorf("decode %s params: %w", op.Type, err)
		}
		return e.sendTags(ctx, m)
	case strings.HasPrefix(op.Type, "ride."):
		var m rideMutation
		if err := json.Unmarshal(op.Params, &m); err != nil {
			return fmt.Errorf("decode %s params: %w", op.Type, err)
		}
		if err := e.sendMutation(ctx, m); err != nil {
			return err
		}
		row, err := e.Repo.GetRow(ctx, op.RowID)
		if errors.Is(err, repo.ErrNotFound) {
			e.logger().Warn("retried ride has no local row", "row_id", op.RowID, "op", op.Type)
			return nil
		}
		if err != nil {
			return err
		}
		// The remote side is the record; the row follows it whatever
		// happened locally in the meantime.
		return e.applyMutation(ctx, &row, m, true, retryActor)
	case strings.HasPrefix(op.Type, "calendar."):
		var payload map[string]any
		if err := json.Unmarshal(op.Params, &payload); err != nil {
			return fmt.Errorf("decode %s params: %w", op.Type, err)
		}
		return e.postCalendar(ctx, strings.TrimPrefix(op.Type, "calendar."), payload)
	}
	return fmt.Errorf("unknown operation type %q", op.Type)
}

func (e *Engine) enqueue(ctx context.Context, opType, rowID string, params any) (domain.QueueItem, error) {
	data, err := json.Marshal(params)
	if err != nil {
		return domain.QueueItem{}, fmt.Errorf("encode %s params: %w", opType, err)
	}
	return e.Queue.Enqueue(ctx, domain.Operation{Type: opType, RowID: rowID, Params: data})
}

// followUpFailed handles a failed side effect of a change that already
// happened. Transient failures are queued; others are only logged.
func (e *Engine) followUpFailed(ctx context.Context, opType, rowID string, params any, err error) {
	if !remote.IsTransient(err) {
		e.logger().Warn("follow-up failed", "op", opType, "row_id", rowID, "error", err)
		return
	}
	item, qerr := e.enqueue(ctx, opType, rowID, params)
	if qerr != nil {
		e.logger().Error("follow-up not queued", "op", opType, "row_id", rowID, "error", qerr)
		return
	}
	e.logger().Info("follow-up queued", "op", opType, "row_id", rowID, "item_id", item.ID, "error", err)
}

func (e *Engine) calendarPayload(row domain.Row) map[string]any {
	payload := map[string]any{
		"row_id":   row.ID,
		"title":    row.Ride.Name,
		"ride_url": row.Ride.URL,
		"location": row.Location,
		"address":  row.Address,
	}
	if start, err := row.Start(e.location()); err == nil {
		payload["start"] = start.Format("2006-01-02T15:04:05-07:00")
	}
	return payload
}

// calendar mirrors a ride change to the club calendar when one is set up.
func (e *Engine) calendar(ctx context.Context, action string, row domain.Row) {
	if !e.Config.Calendar.Enabled || e.Config.Calendar.URL == "" {
		return
	}
	payload := e.calendarPayload(row)
	if err := e.postCalendar(ctx, action, payload); err != nil {
		e.followUpFailed(ctx, "calendar."+action, row.ID, payload, err)
	}
}

func (e *Engine) postCalendar(ctx context.Context, action string, payload map[string]any) error {
	body := make(map[string]any, len(payload)+1)
	for k, v := range payload {
		body[k] = v
	}
	body["action"] = action
	_, err := e.Transport.Send(ctx, remote.RemoteRequest{
		URL:    e.Config.Calendar.URL,
		Method: http.MethodPost,
		Headers: map[string]string{
			"Content-Type":      "application/json",
			"X-Rideline-Action": action,
		},
		Payload: body,
	})
	return err
}

// ReportExpired tells the user which row and operation the queue gave up on.
func (e *Engine) ReportExpired(ctx context.Context, item domain.QueueItem) {
	label := "no row"
	position := 0
	if item.RowID != "" {
		if row, err := e.Repo.GetRow(ctx, item.RowID); err == nil {
			label = row.Label()
			position = row.Position
		} else {
			label = "row " + item.RowID
		}
	}
	lastErr := ""
	if item.LastError != nil {
		lastErr = *item.LastError
	}
	e.logger().Warn("retry expired", "item_id", item.ID, "op", item.OperationType, "row_id", item.RowID, "attempt", item.AttemptCount, "error", lastErr)
	payload := events.EventPayload{
		"operation":   item.OperationType,
		"row_id":      item.RowID,
		"position":    position,
		"attempts":    item.AttemptCount,
		"last_error":  lastErr,
		"enqueued_at": item.EnqueuedAt,
	}
	if err := e.Events.Record(ctx, "retry.expired", events.KindRetry, item.ID, retryActor, payload); err != nil {
		e.logger().Error("record expiry", "item_id", item.ID, "error", err)
	}
	msg := fmt.Sprintf("Gave up retrying %s for %s after %d attempt(s)", item.OperationType, label, item.AttemptCount)
	if lastErr != "" {
		msg += ": " + lastErr
	}
	e.Notifier.ShowMessage(msg)
}
