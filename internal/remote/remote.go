// Package remote defines the calendar collaborator the planner talks to and
// the value types passed across it.
package remote

import (
	"context"

	"calplan/internal/models"
)

// PrimaryCalendar is used when no calendar name is given.
const PrimaryCalendar = "primary"

// Calendar is a remote calendar service. Implementations wrap transport and
// authentication failures in *apperr.RemoteUnavailableError.
type Calendar interface {
	// ListOccurrences returns every occurrence, series instances expanded,
	// starting within [startISO, endISO].
	ListOccurrences(ctx context.Context, calendar, startISO, endISO string) ([]models.RemoteEvent, error)
	// CreateOneOff creates a single event and returns its id.
	CreateOneOff(ctx context.Context, calendar, subject, startISO, endISO string, attrs Attrs) (string, error)
	// CreateSeries creates a recurring series and returns the series id.
	CreateSeries(ctx context.Context, calendar string, series Series, attrs Attrs) (string, error)
	// DeleteByID removes an occurrence, a single event or a whole series.
	// It reports false when the id is unknown.
	DeleteByID(ctx context.Context, id string) (bool, error)
}

// Attrs are the optional event properties shared by one-offs and series.
type Attrs struct {
	TZ              string
	Location        string
	BodyHTML        string
	NoReminder      bool
	ReminderMinutes *int
}

// AttrsOf extracts the optional properties of a plan event.
func AttrsOf(ev models.Event) Attrs {
	a := Attrs{
		TZ:              ev.TZ,
		Location:        ev.Location,
		BodyHTML:        ev.BodyHTML,
		ReminderMinutes: ev.ReminderMinutes,
	}
	if ev.ReminderOn != nil && !*ev.ReminderOn {
		a.NoReminder = true
	}
	return a
}

// Series describes a recurring event to create.
type Series struct {
	Subject   string
	Repeat    string
	Interval  int
	ByDay     []string
	StartTime string
	EndTime   string
	StartDate string
	Until     string
	Count     int
	ExDates   []string
}

// SeriesOf extracts the recurrence of a plan event. A missing end_time falls
// back to start_time.
func SeriesOf(ev models.Event) Series {
	s := Series{
		Subject:   ev.Subject,
		Repeat:    ev.Repeat,
		Interval:  ev.Interval,
		ByDay:     ev.ByDay,
		StartTime: ev.StartTime,
		EndTime:   ev.EndTime,
		Count:     ev.Count,
		ExDates:   ev.ExDates,
	}
	if s.EndTime == "" {
		s.EndTime = s.StartTime
	}
	if ev.Range != nil {
		s.StartDate = ev.Range.StartDate
		s.Until = ev.Range.Until
	}
	return s
}

// Event converts the series back to a plan event so it can be expanded or
// rendered as a rule.
func (s Series) Event() models.Event {
	return models.Event{
		Subject:   s.Subject,
		Repeat:    s.Repeat,
		Interval:  s.Interval,
		ByDay:     s.ByDay,
		StartTime: s.StartTime,
		EndTime:   s.EndTime,
		Range:     &models.Range{StartDate: s.StartDate, Until: s.Until},
		Count:     s.Count,
		ExDates:   s.ExDates,
	}
}

// CalendarName returns name, or PrimaryCalendar when it is empty.
func CalendarName(name string) string {
	if name == "" {
		return PrimaryCalendar
	}
	return name
}
