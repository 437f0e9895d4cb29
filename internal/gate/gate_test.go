package gate

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rideline/internal/domain"
)

func testEnv() Env {
	return Env{
		Now:           func() time.Time { return time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC) },
		Location:      time.UTC,
		Groups:        map[string]Group{"Sat A": {StartTime: "08:00"}, "Sat B": {StartTime: "09:00"}},
		DefaultLeader: "Toby",
	}
}

func readyRow() domain.Row {
	return domain.Row{
		ID:        "r1",
		Position:  1,
		StartDate: "2026-03-07",
		StartTime: "08:00",
		Group:     "Sat A",
		Route:     domain.Link{URL: "https://ridewithgps.com/routes/123", Name: "Loop"},
		Leaders:   []string{"Ann"},
		Location:  "Cafe",
		State:     domain.StateUnscheduled,
	}
}

func TestEvaluateRunsAllPredicatesInOrder(t *testing.T) {
	var calls []string
	mk := func(name, msg string) Predicate {
		return func(domain.Row) string {
			calls = append(calls, name)
			return msg
		}
	}
	res := Evaluate(domain.Row{}, []Predicate{mk("e1", "first"), mk("e2", ""), mk("e3", "third")}, []Predicate{mk("w1", "warn")})
	assert.Equal(t, []string{"first", "third"}, res.Errors)
	assert.Equal(t, []string{"warn"}, res.Warnings)
	assert.Equal(t, []string{"e1", "e2", "e3", "w1"}, calls)
	assert.True(t, res.Blocked())
}

func TestEvaluateIsIdempotent(t *testing.T) {
	env := testEnv()
	errs, warns, err := env.Rules(CommandSchedule)
	require.NoError(t, err)
	row := readyRow()
	row.Leaders = nil
	row.StartTime = "08:30"

	first := Evaluate(row, errs, warns)
	second := Evaluate(row, errs, warns)
	assert.Equal(t, first, second)
	assert.Empty(t, first.Errors)
	assert.Len(t, first.Warnings, 2)
}

func TestScheduleRules(t *testing.T) {
	env := testEnv()
	errs, warns, err := env.Rules(CommandSchedule)
	require.NoError(t, err)

	res := Evaluate(readyRow(), errs, warns)
	assert.True(t, res.Clean(), "%+v", res)

	row := readyRow()
	row.StartDate = ""
	row.Group = "Sun"
	row.Route = domain.Link{URL: "https://example.com/map", Name: "x"}
	row.Ride = domain.Link{URL: "https://ridewithgps.com/events/9", Name: "Ride"}
	res = Evaluate(row, errs, warns)
	assert.Equal(t, []string{
		"Missing date",
		`Unknown group "Sun"`,
		`Route URL "https://example.com/map" is not a route`,
		"This ride has already been scheduled",
	}, res.Errors)
}

func TestScheduleWarnings(t *testing.T) {
	env := testEnv()
	errs, warns, err := env.Rules(CommandSchedule)
	require.NoError(t, err)

	row := readyRow()
	row.StartDate = "2026-02-01"
	row.Leaders = []string{" "}
	row.Location = ""
	row.StartTime = "07:30"
	res := Evaluate(row, errs, warns)
	assert.Empty(t, res.Errors)
	assert.True(t, res.Warned())
	assert.Equal(t, []string{
		"This ride is in the past",
		"No leader given, Toby will be used",
		"No start location given",
		"Start time 07:30 differs from the Sat A start time of 08:00",
	}, res.Warnings)
}

func TestCancelAndReinstateRules(t *testing.T) {
	env := testEnv()
	cancelErrs, cancelWarns, err := env.Rules(CommandCancel)
	require.NoError(t, err)
	reinstateErrs, reinstateWarns, err := env.Rules(CommandReinstate)
	require.NoError(t, err)

	unscheduled := readyRow()
	res := Evaluate(unscheduled, cancelErrs, cancelWarns)
	assert.Equal(t, []string{"This ride has not been scheduled"}, res.Errors)

	foreign := readyRow()
	foreign.Ride = domain.Link{URL: "https://meetup.com/rides/1", Name: "x"}
	foreign.State = domain.StateScheduled
	res = Evaluate(foreign, cancelErrs, cancelWarns)
	assert.Equal(t, []string{"This ride is not managed by rideline"}, res.Errors)

	scheduled := readyRow()
	scheduled.Ride = domain.Link{URL: "https://ridewithgps.com/events/9-sat-a", Name: "Sat A"}
	scheduled.State = domain.StateScheduled
	assert.True(t, Evaluate(scheduled, cancelErrs, cancelWarns).Clean())
	assert.Equal(t, []string{"This ride is not cancelled"}, Evaluate(scheduled, reinstateErrs, reinstateWarns).Errors)

	cancelled := scheduled
	cancelled.State = domain.StateCancelled
	assert.Equal(t, []string{"This ride has already been cancelled"}, Evaluate(cancelled, cancelErrs, cancelWarns).Errors)
	assert.True(t, Evaluate(cancelled, reinstateErrs, reinstateWarns).Clean())
}

func TestUnscheduleAndUpdateRules(t *testing.T) {
	env := testEnv()
	for _, cmd := range []Command{CommandUnschedule, CommandUpdate} {
		errs, warns, err := env.Rules(cmd)
		require.NoError(t, err)
		res := Evaluate(readyRow(), errs, warns)
		assert.Contains(t, res.Errors, "This ride has not been scheduled", cmd)
	}
}

func TestUpdateRulesBlockCancelledRide(t *testing.T) {
	errs, warns, err := testEnv().Rules(CommandUpdate)
	require.NoError(t, err)

	row := readyRow()
	row.Ride = domain.Link{URL: "https://ridewithgps.com/events/9-sat-a", Name: "CANCELLED: Sat A"}
	row.State = domain.StateCancelled
	res := Evaluate(row, errs, warns)
	assert.Equal(t, []string{"This ride is cancelled; reinstate it before updating"}, res.Errors)

	row.State = domain.StateUpdated
	assert.Empty(t, Evaluate(row, errs, warns).Errors)
}

func TestRulesUnknownCommand(t *testing.T) {
	_, _, err := testEnv().Rules("archive")
	require.Error(t, err)
}
