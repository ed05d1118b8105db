package models

import "time"

// Repeat kinds understood by the plan. Only daily and weekly are expanded locally.
const (
	RepeatDaily   = "daily"
	RepeatWeekly  = "weekly"
	RepeatMonthly = "monthly"
)

// Event is the canonical plan entry.
// It is provider-neutral and holds either the one-off shape (Start/End) or the
// recurring shape (Repeat and friends), never both.
type Event struct {
	Subject  string `yaml:"subject,omitempty" json:"subject,omitempty"`
	Calendar string `yaml:"calendar,omitempty" json:"calendar,omitempty"`
	TZ       string `yaml:"tz,omitempty" json:"tz,omitempty"`
	Location string `yaml:"location,omitempty" json:"location,omitempty"`
	BodyHTML string `yaml:"body_html,omitempty" json:"body_html,omitempty"`

	// Repeat is daily, weekly or monthly. Interval and Count use 0 for absent.
	Repeat    string   `yaml:"repeat,omitempty" json:"repeat,omitempty"`
	Interval  int      `yaml:"interval,omitempty" json:"interval,omitempty"`
	ByDay     []string `yaml:"byday,omitempty" json:"byday,omitempty"`
	Range     *Range   `yaml:"range,omitempty" json:"range,omitempty"`
	StartTime string   `yaml:"start_time,omitempty" json:"start_time,omitempty"`
	EndTime   string   `yaml:"end_time,omitempty" json:"end_time,omitempty"`
	ExDates   []string `yaml:"exdates,omitempty" json:"exdates,omitempty"`

	// Start and End are ISO date-times for one-off events.
	Start string `yaml:"start,omitempty" json:"start,omitempty"`
	End   string `yaml:"end,omitempty" json:"end,omitempty"`

	Count int `yaml:"count,omitempty" json:"count,omitempty"`

	ReminderOn      *bool `yaml:"is_reminder_on,omitempty" json:"is_reminder_on,omitempty"`
	ReminderMinutes *int  `yaml:"reminder_minutes,omitempty" json:"reminder_minutes,omitempty"`
}

// Range bounds a recurring event. Both dates are inclusive YYYY-MM-DD strings.
type Range struct {
	StartDate string `yaml:"start_date,omitempty" json:"start_date,omitempty"`
	Until     string `yaml:"until,omitempty" json:"until,omitempty"`
}

// IsRecurring reports whether the event uses the recurring shape.
func (e Event) IsRecurring() bool {
	return e.Repeat != ""
}

// IsOneOff reports whether the event has both a start and an end.
func (e Event) IsOneOff() bool {
	return e.Start != "" && e.End != ""
}

// IsSeries reports whether the event carries enough fields to be created as a remote series.
func (e Event) IsSeries() bool {
	return e.Repeat != "" && e.StartTime != "" && e.Range != nil && e.Range.StartDate != ""
}

// Kind is a short label used in previews.
func (e Event) Kind() string {
	if e.Repeat != "" {
		return e.Repeat
	}
	return "one-off"
}

// Plan is the desired calendar state, in document order.
type Plan struct {
	Events []Event `yaml:"events" json:"events"`
}

// Occurrence is one concrete instance of an event, expressed as wall-clock times.
type Occurrence struct {
	Start time.Time
	End   time.Time
}

// MinuteLayout is the minute-precision ISO layout used for occurrence keys.
const MinuteLayout = "2006-01-02T15:04"

// StartISO returns the start formatted at minute precision.
func (o Occurrence) StartISO() string { return o.Start.Format(MinuteLayout) }

// EndISO returns the end formatted at minute precision.
func (o Occurrence) EndISO() string { return o.End.Format(MinuteLayout) }

// RemoteEvent is an occurrence as reported by the remote calendar.
type RemoteEvent struct {
	ID             string
	SeriesMasterID string // empty for single events
	Subject        string
	Start          string // ISO date-time as returned by the provider
	End            string
	Created        string // creation timestamp, when known
	Location       Location
}

// Location is a remote event location.
type Location struct {
	DisplayName string
	Address     *Address
}

// Address is the structured part of a location.
type Address struct {
	Street          string
	City            string
	State           string
	PostalCode      string
	CountryOrRegion string
}

// IsZero reports whether none of the address parts are set.
func (a *Address) IsZero() bool {
	if a == nil {
		return true
	}
	return a.Street == "" && a.City == "" && a.State == "" && a.PostalCode == "" && a.CountryOrRegion == ""
}
