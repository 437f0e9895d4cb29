package gate

import (
	"fmt"
	"strings"
	"time"

	"rideline/internal/domain"
	"rideline/internal/remote"
)

type Command string

const (
	CommandSchedule   Command = "schedule"
	CommandCancel     Command = "cancel"
	CommandReinstate  Command = "reinstate"
	CommandUnschedule Command = "unschedule"
	CommandUpdate     Command = "update"
)

// Commands lists every command in menu order.
var Commands = []Command{CommandSchedule, CommandCancel, CommandReinstate, CommandUnschedule, CommandUpdate}

// Group is the configured shape of one ride group.
type Group struct {
	StartTime string
}

// Env carries what the predicates need beyond the row itself.
type Env struct {
	Now           func() time.Time
	Location      *time.Location
	Groups        map[string]Group
	DefaultLeader string
}

// Rules returns the error and warning predicates for cmd.
func (e Env) Rules(cmd Command) (errs, warns []Predicate, err error) {
	switch cmd {
	case CommandSchedule:
		errs = []Predicate{
			e.MissingDate, e.MissingStartTime, e.UnknownGroup, e.MissingRoute,
			e.UnresolvableRoute, e.AlreadyScheduled,
		}
		warns = []Predicate{e.InPast, e.NoLeader, e.NoLocation, e.OffScheduleStart}
	case CommandUpdate:
		errs = []Predicate{
			e.NotScheduled, e.NotManaged, e.CancelledRide, e.MissingDate,
			e.MissingStartTime, e.UnknownGroup, e.MissingRoute,
		}
		warns = []Predicate{e.InPast, e.NoLeader, e.NoLocation, e.OffScheduleStart}
	case CommandCancel:
		errs = []Predicate{e.NotScheduled, e.NotManaged, e.AlreadyCancelled}
		warns = []Predicate{e.InPast}
	case CommandReinstate:
		errs = []Predicate{e.NotManaged, e.NotCancelled}
		warns = []Predicate{e.InPast}
	case CommandUnschedule:
		errs = []Predicate{e.NotScheduled, e.NotManaged}
	default:
		return nil, nil, fmt.Errorf("unknown command %q", cmd)
	}
	return errs, warns, nil
}

func (e Env) MissingDate(r domain.Row) string {
	if strings.TrimSpace(r.StartDate) == "" {
		return "Missing date"
	}
	if _, err := time.Parse(domain.DateLayout, r.StartDate); err != nil {
		return fmt.Sprintf("Invalid date %q", r.StartDate)
	}
	return ""
}

func (e Env) MissingStartTime(r domain.Row) string {
	if strings.TrimSpace(r.StartTime) == "" {
		return "Missing start time"
	}
	if _, err := time.Parse(domain.TimeLayout, r.StartTime); err != nil {
		return fmt.Sprintf("Invalid start time %q", r.StartTime)
	}
	return ""
}

func (e Env) UnknownGroup(r domain.Row) string {
	if strings.TrimSpace(r.Group) == "" {
		return "Missing group"
	}
	if _, ok := e.Groups[r.Group]; !ok {
		return fmt.Sprintf("Unknown group %q", r.Group)
	}
	return ""
}

func (e Env) MissingRoute(r domain.Row) string {
	if r.Route.Empty() {
		return "Missing route"
	}
	return ""
}

func (e Env) UnresolvableRoute(r domain.Row) string {
	if r.Route.Empty() {
		return ""
	}
	if _, ok := remote.ExtractKindID(r.Route.URL, remote.KindRoutes); !ok {
		return fmt.Sprintf("Route URL %q is not a route", r.Route.URL)
	}
	return ""
}

func (e Env) AlreadyScheduled(r domain.Row) string {
	if r.Scheduled() {
		return "This ride has already been scheduled"
	}
	return ""
}

func (e Env) NotScheduled(r domain.Row) string {
	if !r.Scheduled() {
		return "This ride has not been scheduled"
	}
	return ""
}

// NotManaged flags rows whose ride link does not point at a remote event
// this engine can address.
func (e Env) NotManaged(r domain.Row) string {
	if !r.Scheduled() {
		return ""
	}
	if _, ok := remote.ExtractKindID(r.Ride.URL, remote.KindEvents); !ok {
		return "This ride is not managed by rideline"
	}
	return ""
}

func (e Env) AlreadyCancelled(r domain.Row) string {
	if r.State == domain.StateCancelled {
		return "This ride has already been cancelled"
	}
	return ""
}

// CancelledRide blocks edits that would drop the cancelled marker from the
// remote ride while the row stays cancelled.
func (e Env) CancelledRide(r domain.Row) string {
	if r.State == domain.StateCancelled {
		return "This ride is cancelled; reinstate it before updating"
	}
	return ""
}

func (e Env) NotCancelled(r domain.Row) string {
	if r.State != domain.StateCancelled {
		return "This ride is not cancelled"
	}
	return ""
}

func (e Env) InPast(r domain.Row) string {
	start, err := r.Start(e.Location)
	if err != nil {
		return ""
	}
	if start.Before(e.now()) {
		return "This ride is in the past"
	}
	return ""
}

func (e Env) NoLeader(r domain.Row) string {
	for _, l := range r.Leaders {
		if strings.TrimSpace(l) != "" {
			return ""
		}
	}
	if e.DefaultLeader != "" {
		return fmt.Sprintf("No leader given, %s will be used", e.DefaultLeader)
	}
	return "No leader given"
}

func (e Env) NoLocation(r domain.Row) string {
	if strings.TrimSpace(r.Location) == "" {
		return "No start location given"
	}
	return ""
}

func (e Env) OffScheduleStart(r domain.Row) string {
	g, ok := e.Groups[r.Group]
	if !ok || g.StartTime == "" || r.StartTime == "" {
		return ""
	}
	if g.StartTime != r.StartTime {
		return fmt.Sprintf("Start time %s differs from the %s start time of %s", r.StartTime, r.Group, g.StartTime)
	}
	return ""
}

func (e Env) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}
