package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"rideline/internal/domain"
	"rideline/internal/gate"
	"rideline/internal/metrics"
)

// Notifier is the user-facing surface the dispatcher reports through.
type Notifier interface {
	Confirm(message string) bool
	ShowMessage(message string)
	ShowSummary(rows []domain.Row)
}

// Action applies one command to one row. It owns every provider specific
// detail; the dispatcher only gates and sequences.
type Action func(ctx context.Context, row *domain.Row) error

type Dispatcher struct {
	Command  string
	Notifier Notifier
	Logger   *slog.Logger
}

// Outcome records what happened to each row. Failed is keyed by row id.
type Outcome struct {
	Blocked []*domain.Row
	Warned  []*domain.Row
	Clean   []*domain.Row
	Applied []*domain.Row
	Failed  map[string]error
	Aborted bool
}

// actionable keeps rows without errors in their original order.
func actionable(rows []*domain.Row) []*domain.Row {
	out := make([]*domain.Row, 0, len(rows))
	for _, r := range rows {
		if len(r.Errors) == 0 {
			out = append(out, r)
		}
	}
	return out
}

// ProcessRows gates every row, asks for confirmation unless force is set,
// then applies action to the rows without errors in the order given. A
// failing row does not stop the rest.
func (d Dispatcher) ProcessRows(ctx context.Context, rows []*domain.Row, errs, warns []gate.Predicate, action Action, force bool) Outcome {
	log := d.logger()
	out := Outcome{Failed: map[string]error{}}
	for _, r := range rows {
		res := gate.Evaluate(*r, errs, warns)
		r.Errors = res.Errors
		r.Warnings = res.Warnings
		switch {
		case res.Blocked():
			out.Blocked = append(out.Blocked, r)
		case res.Warned():
			out.Warned = append(out.Warned, r)
		default:
			out.Clean = append(out.Clean, r)
		}
	}
	metrics.RowsClassified.WithLabelValues(d.Command, "blocked").Add(float64(len(out.Blocked)))
	metrics.RowsClassified.WithLabelValues(d.Command, "warned").Add(float64(len(out.Warned)))
	metrics.RowsClassified.WithLabelValues(d.Command, "clean").Add(float64(len(out.Clean)))

	ready := actionable(rows)
	summary := Summary(d.Command, out)
	if len(ready) == 0 {
		log.Info("no actionable rows", "action", d.Command, "blocked", len(out.Blocked))
		d.Notifier.ShowSummary(snapshot(rows))
		d.Notifier.ShowMessage(summary)
		out.Aborted = true
		return out
	}
	if !force && !d.Notifier.Confirm(summary) {
		log.Info("declined", "action", d.Command, "rows", len(ready))
		metrics.ActionsTotal.WithLabelValues(d.Command, "aborted").Add(float64(len(ready)))
		out.Aborted = true
		return out
	}

	for _, r := range ready {
		if err := ctx.Err(); err != nil {
			out.Failed[r.ID] = err
			continue
		}
		if err := action(ctx, r); err != nil {
			log.Warn("row action failed", "action", d.Command, "row_id", r.ID, "position", r.Position, "error", err)
			metrics.ActionsTotal.WithLabelValues(d.Command, "failed").Inc()
			out.Failed[r.ID] = err
			continue
		}
		metrics.ActionsTotal.WithLabelValues(d.Command, "applied").Inc()
		out.Applied = append(out.Applied, r)
	}
	if len(out.Failed) > 0 {
		d.Notifier.ShowMessage(failureReport(d.Command, ready, out.Failed))
	}
	return out
}

func (d Dispatcher) logger() *slog.Logger {
	if d.Logger != nil {
		return d.Logger
	}
	return slog.Default()
}

// Summary renders the gate result for a confirmation prompt or a report.
func Summary(command string, out Outcome) string {
	var b strings.Builder
	if len(out.Blocked) > 0 {
		b.WriteString("Blocked (will be skipped):\n")
		for _, r := range out.Blocked {
			fmt.Fprintf(&b, "  %s: %s\n", r.Label(), strings.Join(r.Errors, "; "))
		}
	}
	if len(out.Warned) > 0 {
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		b.WriteString("Warnings:\n")
		for _, r := range out.Warned {
			fmt.Fprintf(&b, "  %s: %s\n", r.Label(), strings.Join(r.Warnings, "; "))
		}
	}
	if len(out.Clean) > 0 {
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		b.WriteString("Ready:\n")
		for _, r := range out.Clean {
			fmt.Fprintf(&b, "  %s\n", r.Label())
		}
	}
	n := len(out.Warned) + len(out.Clean)
	if b.Len() > 0 {
		b.WriteString("\n")
	}
	if n == 0 {
		fmt.Fprintf(&b, "No rows can be processed for %s.", command)
	} else {
		fmt.Fprintf(&b, "Proceed with %s for %d row(s)?", command, n)
	}
	return b.String()
}

func failureReport(command string, rows []*domain.Row, failed map[string]error) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s failed for %d row(s):\n", command, len(failed))
	for _, r := range rows {
		if err, ok := failed[r.ID]; ok {
			fmt.Fprintf(&b, "  %s: %v\n", r.Label(), err)
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

func snapshot(rows []*domain.Row) []domain.Row {
	out := make([]domain.Row, len(rows))
	for i, r := range rows {
		out[i] = *r
	}
	return out
}
