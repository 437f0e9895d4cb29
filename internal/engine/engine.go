package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"rideline/internal/config"
	"rideline/internal/dispatch"
	"rideline/internal/domain"
	"rideline/internal/events"
	"rideline/internal/gate"
	"rideline/internal/notify"
	"rideline/internal/remote"
	"rideline/internal/repo"
	"rideline/internal/retry"
)

type Engine struct {
	DB        *sql.DB
	Repo      repo.Repo
	Events    events.Writer
	Config    *config.Config
	Transport remote.Transport
	Auth      remote.AuthContext
	Queue     *retry.Queue
	Notifier  dispatch.Notifier
	Logger    *slog.Logger
	Now       func() time.Time
}

// New wires an engine over the workspace database. The retry queue lives in
// the same database unless UseQueueStore swaps it.
func New(db *sql.DB, cfg *config.Config) *Engine {
	e := &Engine{
		DB:        db,
		Repo:      repo.Repo{DB: db},
		Config:    cfg,
		Transport: remote.NewHTTPTransport(cfg.RemoteTimeout()),
		Notifier:  &notify.Recorder{},
		Now:       time.Now,
	}
	e.Events = events.Writer{DB: db, Now: e.now}
	e.Queue = retry.NewQueue(repo.QueueStore{Repo: e.Repo}, cfg.RetryPolicy())
	e.Queue.Now = e.now
	e.Queue.Reporter = e
	return e
}

func (e *Engine) UseQueueStore(store retry.Persistence) {
	e.Queue.Store = store
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e *Engine) logger() *slog.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return slog.Default()
}

func (e *Engine) stamp() string {
	return e.now().UTC().Format(time.RFC3339)
}

func (e *Engine) location() *time.Location {
	loc, err := e.Config.Location()
	if err != nil {
		return time.UTC
	}
	return loc
}

// GateEnv builds the predicate environment from config.
func (e *Engine) GateEnv() gate.Env {
	return gate.Env{
		Now:           e.now,
		Location:      e.location(),
		Groups:        e.Config.GateGroups(),
		DefaultLeader: e.Config.Defaults.Leader,
	}
}

// AddRow appends a new unscheduled row with a fresh immutable id.
func (e *Engine) AddRow(ctx context.Context, row domain.Row, actorID string) (domain.Row, error) {
	if row.StartDate != "" {
		if _, err := time.Parse(domain.DateLayout, row.StartDate); err != nil {
			return domain.Row{}, fmt.Errorf("start date %q must be YYYY-MM-DD", row.StartDate)
		}
	}
	if row.StartTime != "" {
		if _, err := time.Parse(domain.TimeLayout, row.StartTime); err != nil {
			return domain.Row{}, fmt.Errorf("start time %q must be HH:MM", row.StartTime)
		}
	}
	if row.Location == "" {
		row.Location = e.Config.Defaults.Location
	}
	row.ID = uuid.NewString()
	row.State = domain.StateUnscheduled
	row.Ride = domain.Link{}
	row.CreatedAt = e.stamp()
	row.UpdatedAt = row.CreatedAt
	row.Errors, row.Warnings = nil, nil

	var out domain.Row
	err := e.Repo.WithTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		var err error
		out, err = e.Repo.AppendRow(ctx, row)
		if err != nil {
			return err
		}
		return e.Events.Append(ctx, tx, "row.added", events.KindRow, out.ID, actorID, events.EventPayload{
			"position": out.Position,
			"date":     out.StartDate,
			"group":    out.Group,
		})
	})
	if err != nil {
		return domain.Row{}, err
	}
	e.logger().Debug("row added", "row_id", out.ID, "position", out.Position)
	return out, nil
}

// ImportRows appends rows in order and stops at the first failure.
func (e *Engine) ImportRows(ctx context.Context, rows []domain.Row, actorID string) ([]domain.Row, error) {
	out := make([]domain.Row, 0, len(rows))
	for i, r := range rows {
		added, err := e.AddRow(ctx, r, actorID)
		if err != nil {
			return out, fmt.Errorf("import row %d: %w", i+1, err)
		}
		out = append(out, added)
	}
	return out, nil
}

// RunOptions select rows by id or position for one ride command. Notifier
// overrides the engine's for this run only.
type RunOptions struct {
	Command  gate.Command
	Refs     []string
	Force    bool
	ActorID  string
	Notifier dispatch.Notifier
}

// Run gates the selected rows and applies the command to the actionable
// ones. Per-row failures are in the outcome, not the error.
func (e *Engine) Run(ctx context.Context, opts RunOptions) (dispatch.Outcome, error) {
	if len(opts.Refs) == 0 {
		return dispatch.Outcome{}, errors.New("no rows selected")
	}
	errs, warns, err := e.GateEnv().Rules(opts.Command)
	if err != nil {
		return dispatch.Outcome{}, err
	}
	action, err := e.action(opts.Command, opts.Force, opts.ActorID)
	if err != nil {
		return dispatch.Outcome{}, err
	}
	rows, err := e.Repo.SelectRows(ctx, opts.Refs)
	if err != nil {
		return dispatch.Outcome{}, err
	}
	ptrs := make([]*domain.Row, len(rows))
	for i := range rows {
		ptrs[i] = &rows[i]
	}
	notifier := opts.Notifier
	if notifier == nil {
		notifier = e.Notifier
	}
	d := dispatch.Dispatcher{Command: string(opts.Command), Notifier: notifier, Logger: e.logger()}
	return d.ProcessRows(ctx, ptrs, errs, warns, action, opts.Force), nil
}

// transition saves row in its new state and records the change.
func (e *Engine) transition(ctx context.Context, row *domain.Row, from domain.RowState, actorID string, force bool, payload events.EventPayload) error {
	if err := domain.EnsureTransition(from, row.State, force); err != nil {
		return err
	}
	row.UpdatedAt = e.stamp()
	if payload == nil {
		payload = events.EventPayload{}
	}
	payload["from"] = string(from)
	payload["to"] = string(row.State)
	if _, ok := payload["ride_url"]; !ok {
		payload["ride_url"] = row.Ride.URL
	}
	payload["position"] = row.Position
	return e.Repo.WithTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		if err := e.Repo.SaveRow(ctx, *row); err != nil {
			return err
		}
		return e.Events.Append(ctx, tx, "row."+string(row.State), events.KindRow, row.ID, actorID, payload)
	})
}

// RideName is the remote event title for a row.
func (e *Engine) RideName(row domain.Row) string {
	parts := []string{row.Group}
	if start, err := row.Start(e.location()); err == nil {
		parts = append(parts, start.Format("Mon 01/02 15:04"))
	}
	if row.Route.Name != "" {
		parts = append(parts, row.Route.Name)
	}
	return strings.Join(parts, " ")
}
