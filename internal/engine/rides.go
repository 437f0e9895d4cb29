package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"rideline/internal/dispatch"
	"rideline/internal/domain"
	"rideline/internal/events"
	"rideline/internal/gate"
	"rideline/internal/remote"
)

const (
	cancelledPrefix = "CANCELLED: "
	eventsPath      = "/api/v1/events.json"
)

// QueuedError reports a row whose remote call failed transiently and was
// handed to the retry queue. The row keeps its old state until a retry
// succeeds.
type QueuedError struct {
	ItemID string
	Err    error
}

func (e *QueuedError) Error() string {
	return fmt.Sprintf("queued for retry as %s: %v", e.ItemID, e.Err)
}

func (e *QueuedError) Unwrap() error { return e.Err }

// rideMutation is everything needed to replay an idempotent change to an
// existing remote ride. It is what ride.* retry items carry.
type rideMutation struct {
	Command   gate.Command     `json:"command"`
	EventID   string           `json:"event_id"`
	RideURL   string           `json:"ride_url"`
	Method    string           `json:"method"`
	Payload   map[string]any   `json:"payload,omitempty"`
	TagAction remote.TagAction `json:"tag_action,omitempty"`
	Tags      []string         `json:"tags,omitempty"`
	RideName  string           `json:"ride_name"`
	Target    domain.RowState  `json:"target_state"`
}

func (e *Engine) baseURL() string {
	return strings.TrimRight(e.Config.Remote.BaseURL, "/")
}

func (e *Engine) eventURL(id string) string {
	return fmt.Sprintf("%s/api/v1/events/%s.json", e.baseURL(), id)
}

func (e *Engine) groupTag(group string) string {
	if g, ok := e.Config.Groups[group]; ok && g.Tag != "" {
		return g.Tag
	}
	return group
}

func (e *Engine) action(cmd gate.Command, force bool, actorID string) (dispatch.Action, error) {
	switch cmd {
	case gate.CommandSchedule:
		return func(ctx context.Context, row *domain.Row) error {
			return e.schedule(ctx, row, force, actorID)
		}, nil
	case gate.CommandCancel, gate.CommandReinstate, gate.CommandUnschedule, gate.CommandUpdate:
		return func(ctx context.Context, row *domain.Row) error {
			return e.mutate(ctx, cmd, row, force, actorID)
		}, nil
	}
	return nil, fmt.Errorf("unknown command %q", cmd)
}

func (e *Engine) eventPayload(row domain.Row, name string) map[string]any {
	leaders := make([]string, 0, len(row.Leaders))
	for _, l := range row.Leaders {
		if l = strings.TrimSpace(l); l != "" {
			leaders = append(leaders, l)
		}
	}
	if len(leaders) == 0 && e.Config.Defaults.Leader != "" {
		leaders = []string{e.Config.Defaults.Leader}
	}
	var desc []string
	if len(leaders) > 0 {
		desc = append(desc, "Ride Leader: "+strings.Join(leaders, ", "))
	}
	if row.Address != "" {
		desc = append(desc, "Address: "+row.Address)
	}
	event := map[string]any{
		"name":            name,
		"description":     strings.Join(desc, "\n\n"),
		"location":        row.Location,
		"organizer_names": leaders,
		"visibility":      "public",
	}
	if start, err := row.Start(e.location()); err == nil {
		event["starts_at"] = start.Format("2006-01-02T15:04:05-07:00")
	}
	if id, ok := remote.ExtractKindID(row.Route.URL, remote.KindRoutes); ok {
		event["route_ids"] = []string{id}
	}
	return map[string]any{"event": event}
}

type createdEvent struct {
	Event struct {
		ID  json.Number `json:"id"`
		URL string      `json:"url"`
	} `json:"event"`
}

// schedule creates the remote ride. Creation is not idempotent, so a failure
// is reported for the row and never queued.
func (e *Engine) schedule(ctx context.Context, row *domain.Row, force bool, actorID string) error {
	name := e.RideName(*row)
	rr, err := remote.PrepareRequest(&remote.Request{
		URL:     e.baseURL() + eventsPath,
		Method:  http.MethodPost,
		Payload: e.eventPayload(*row, name),
	}, e.Auth)
	if err != nil {
		return err
	}
	res, err := e.Transport.Send(ctx, rr)
	if err != nil {
		return fmt.Errorf("create ride: %w", err)
	}
	var created createdEvent
	if err := json.Unmarshal(res.Body, &created); err != nil {
		return fmt.Errorf("create ride: decode response: %w", err)
	}
	rideURL := created.Event.URL
	if rideURL == "" && created.Event.ID != "" {
		rideURL = fmt.Sprintf("%s/events/%s", e.baseURL(), created.Event.ID.String())
	}
	if rideURL == "" {
		return errors.New("create ride: response carries no event id")
	}

	from := row.State
	row.Ride = domain.Link{URL: rideURL, Name: name}
	row.State = domain.StateScheduled
	if err := e.transition(ctx, row, from, actorID, force, events.EventPayload{"command": string(gate.CommandSchedule)}); err != nil {
		return err
	}
	e.logger().Info("ride scheduled", "row_id", row.ID, "position", row.Position, "ride_url", rideURL)

	// The ride exists now; tag and calendar follow-ups go through the queue
	// if they fail.
	if tag := e.groupTag(row.Group); tag != "" {
		m := rideMutation{RideURL: rideURL, TagAction: remote.TagAdd, Tags: []string{tag}}
		if err := e.sendTags(ctx, m); err != nil {
			e.followUpFailed(ctx, opRideTag, row.ID, m, err)
		}
	}
	e.calendar(ctx, calendarCreate, *row)
	return nil
}

// buildMutation describes cmd against row's existing remote ride.
func (e *Engine) buildMutation(cmd gate.Command, row domain.Row) (rideMutation, error) {
	id, ok := remote.ExtractKindID(row.Ride.URL, remote.KindEvents)
	if !ok {
		return rideMutation{}, fmt.Errorf("ride url %q has no event id", row.Ride.URL)
	}
	m := rideMutation{Command: cmd, EventID: id, RideURL: row.Ride.URL, Method: http.MethodPut}
	base := strings.TrimPrefix(row.Ride.Name, cancelledPrefix)
	switch cmd {
	case gate.CommandUpdate:
		m.RideName = e.RideName(row)
		m.Payload = e.eventPayload(row, m.RideName)
		m.TagAction = remote.TagAdd
		m.Tags = []string{e.groupTag(row.Group)}
		m.Target = domain.StateUpdated
	case gate.CommandCancel:
		m.RideName = cancelledPrefix + base
		m.Payload = map[string]any{"event": map[string]any{"name": m.RideName}}
		m.TagAction = remote.TagAdd
		m.Tags = []string{"Cancelled"}
		m.Target = domain.StateCancelled
	case gate.CommandReinstate:
		m.RideName = base
		m.Payload = map[string]any{"event": map[string]any{"name": m.RideName}}
		m.TagAction = remote.TagRemove
		m.Tags = []string{"Cancelled"}
		m.Target = domain.StateScheduled
	case gate.CommandUnschedule:
		m.Method = http.MethodDelete
		m.Target = domain.StateUnscheduled
	default:
		return rideMutation{}, fmt.Errorf("unknown command %q", cmd)
	}
	return m, nil
}

// mutate applies an idempotent change. Transient remote failures queue the
// change and leave the row as it was.
func (e *Engine) mutate(ctx context.Context, cmd gate.Command, row *domain.Row, force bool, actorID string) error {
	m, err := e.buildMutation(cmd, *row)
	if err != nil {
		return err
	}
	// Nothing goes to the remote for a change the row could not record.
	if err := domain.EnsureTransition(row.State, m.Target, force); err != nil {
		return err
	}
	if err := e.sendMutation(ctx, m); err != nil {
		if !remote.IsTransient(err) {
			return err
		}
		item, qerr := e.enqueue(ctx, "ride."+string(cmd), row.ID, m)
		if qerr != nil {
			return fmt.Errorf("%v; enqueue retry: %w", err, qerr)
		}
		return &QueuedError{ItemID: item.ID, Err: err}
	}
	return e.applyMutation(ctx, row, m, force, actorID)
}

// sendMutation prepares the ride change and its tag change as one batch so
// a bad request fails before anything is sent.
func (e *Engine) sendMutation(ctx context.Context, m rideMutation) error {
	reqs := []*remote.Request{{URL: e.eventURL(m.EventID), Method: m.Method, Payload: m.Payload}}
	if m.TagAction != "" && len(m.Tags) > 0 {
		tagReq, err := remote.BatchUpdateTagsRequest(e.baseURL(), []string{m.RideURL}, m.TagAction, m.Tags, remote.KindEvents)
		if err != nil {
			return err
		}
		reqs = append(reqs, tagReq)
	}
	prepared, err := remote.PrepareBatchRequests(reqs, e.Auth)
	if err != nil {
		return err
	}
	for i, rr := range prepared {
		if _, err := e.Transport.Send(ctx, rr); err != nil {
			var te *remote.TransportError
			// Deleting a ride that is already gone is the outcome we wanted.
			if i == 0 && m.Method == http.MethodDelete && errors.As(err, &te) && te.StatusCode == http.StatusNotFound {
				continue
			}
			return err
		}
	}
	return nil
}

func (e *Engine) sendTags(ctx context.Context, m rideMutation) error {
	rr, err := remote.PrepareBatchUpdateTags(e.baseURL(), []string{m.RideURL}, m.TagAction, m.Tags, remote.KindEvents, e.Auth)
	if err != nil {
		return err
	}
	_, err = e.Transport.Send(ctx, rr)
	return err
}

// applyMutation records a remote change that has succeeded.
func (e *Engine) applyMutation(ctx context.Context, row *domain.Row, m rideMutation, force bool, actorID string) error {
	from := row.State
	row.State = m.Target
	if m.Target == domain.StateUnscheduled {
		row.Ride = domain.Link{}
	} else {
		row.Ride.Name = m.RideName
	}
	if err := e.transition(ctx, row, from, actorID, force, events.EventPayload{"command": string(m.Command), "ride_url": m.RideURL}); err != nil {
		return err
	}
	e.logger().Info("ride "+string(m.Command), "row_id", row.ID, "position", row.Position, "ride_url", m.RideURL)
	switch m.Command {
	case gate.CommandUnschedule:
		e.calendar(ctx, calendarDelete, *row)
	case gate.CommandReinstate:
		e.calendar(ctx, calendarCreate, *row)
	default:
		e.calendar(ctx, calendarUpdate, *row)
	}
	return nil
}
