// Package recur expands recurring plan entries into concrete occurrences and
// renders them as RFC 5545 rules for remote series creation.
package recur

import (
	"strconv"
	"strings"
	"time"

	"github.com/teambition/rrule-go"

	"calplan/internal/apperr"
	"calplan/internal/models"
)

// MaxDuration is the longest occurrence the expander emits. Anything of four
// hours or more is clipped to it.
const MaxDuration = 3*time.Hour + 59*time.Minute

var weekdays = map[string]rrule.Weekday{
	"MO": rrule.MO, "TU": rrule.TU, "WE": rrule.WE, "TH": rrule.TH,
	"FR": rrule.FR, "SA": rrule.SA, "SU": rrule.SU,
}

// Expand returns the occurrences of a daily or weekly event whose dates fall in
// the inclusive, day-aligned window [windowStart, windowEnd]. It never fails:
// monthly events, unknown kinds and incomplete events expand to nothing, and
// Check explains why.
//
// The rule is anchored at the series start (see FirstStart) rather than at the
// window, so splitting a window into disjoint day-aligned parts yields the same
// union and the dates match the series remote calendars create.
func Expand(ev models.Event, windowStart, windowEnd time.Time) []models.Occurrence {
	if Check(ev) != nil {
		return nil
	}
	freq, ok := frequency(ev.Repeat)
	if !ok || freq == rrule.MONTHLY {
		return nil
	}

	start, err := ParseDate(ev.Range.StartDate)
	if err != nil {
		return nil
	}
	anchor := seriesStart(start, freq, ev.ByDay)
	first := latest(anchor, day(windowStart))
	last := day(windowEnd)
	if ev.Range.Until != "" {
		until, err := ParseDate(ev.Range.Until)
		if err != nil {
			return nil
		}
		if until.Before(last) {
			last = until
		}
	}
	if first.After(last) {
		return nil
	}

	opt := rrule.ROption{
		Freq:     freq,
		Dtstart:  anchor,
		Interval: interval(ev),
		Count:    ev.Count,
	}
	if freq == rrule.WEEKLY {
		for _, code := range ev.ByDay {
			if wd, ok := weekdays[code]; ok {
				opt.Byweekday = append(opt.Byweekday, wd)
			}
		}
	}
	rule, err := rrule.NewRRule(opt)
	if err != nil {
		return nil
	}

	var set rrule.Set
	set.RRule(rule)
	for _, ex := range ev.ExDates {
		if d, err := ParseDate(ex); err == nil {
			set.ExDate(d)
		}
	}

	startClock, _ := parseClock(ev.StartTime)
	endClock, _ := parseClock(ev.EndTime)

	dates := set.Between(first, last, true)
	out := make([]models.Occurrence, 0, len(dates))
	for _, d := range dates {
		out = append(out, Combine(d, startClock, endClock))
	}
	return out
}

// Check reports why ev would expand to no occurrences. Monthly events pass:
// they are valid but never expanded locally.
func Check(ev models.Event) error {
	warn := func(reason string) error {
		return &apperr.RecurrenceWarning{Subject: ev.Subject, Reason: reason}
	}
	if ev.Repeat == "" {
		return warn("not a recurring event")
	}
	freq, ok := frequency(ev.Repeat)
	if !ok {
		return warn("unknown repeat kind " + strconv.Quote(ev.Repeat))
	}
	if freq == rrule.MONTHLY {
		return nil
	}
	if ev.StartTime == "" || ev.EndTime == "" {
		return warn("start_time and end_time are required")
	}
	if _, err := parseClock(ev.StartTime); err != nil {
		return warn("invalid start_time " + strconv.Quote(ev.StartTime))
	}
	if _, err := parseClock(ev.EndTime); err != nil {
		return warn("invalid end_time " + strconv.Quote(ev.EndTime))
	}
	if ev.Range == nil || ev.Range.StartDate == "" {
		return warn("range.start_date is required")
	}
	if _, err := ParseDate(ev.Range.StartDate); err != nil {
		return warn("invalid range.start_date " + strconv.Quote(ev.Range.StartDate))
	}
	if freq == rrule.WEEKLY && !hasKnownDay(ev.ByDay) {
		return warn("weekly recurrence without byday")
	}
	return nil
}

// Delegated reports whether the event is a recurrence that only the remote
// calendar can expand.
func Delegated(ev models.Event) bool {
	return strings.EqualFold(ev.Repeat, models.RepeatMonthly)
}

// Combine joins a date with start and end clock offsets. An end at or before the
// start rolls over to the next day, and spans of four hours or more are clipped
// to MaxDuration.
func Combine(date time.Time, start, end time.Duration) models.Occurrence {
	d := day(date)
	s := d.Add(start)
	e := d.Add(end)
	if !e.After(s) {
		e = e.AddDate(0, 0, 1)
	}
	if e.Sub(s) > MaxDuration {
		e = s.Add(MaxDuration)
	}
	return models.Occurrence{Start: s, End: e}
}

// ParseDate reads the date part of an ISO date or date-time as midnight UTC.
func ParseDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if d, _, ok := strings.Cut(s, "T"); ok {
		s = d
	}
	return time.Parse(time.DateOnly, s)
}

// parseClock reads HH:MM (seconds tolerated) as an offset from midnight.
func parseClock(s string) (time.Duration, error) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) < 2 || len(parts) > 3 {
		return 0, &strconv.NumError{Func: "parseClock", Num: s, Err: strconv.ErrSyntax}
	}
	hh, err := strconv.Atoi(parts[0])
	if err != nil || hh < 0 || hh > 23 {
		return 0, &strconv.NumError{Func: "parseClock", Num: s, Err: strconv.ErrRange}
	}
	mm, err := strconv.Atoi(parts[1])
	if err != nil || mm < 0 || mm > 59 {
		return 0, &strconv.NumError{Func: "parseClock", Num: s, Err: strconv.ErrRange}
	}
	return time.Duration(hh)*time.Hour + time.Duration(mm)*time.Minute, nil
}

func frequency(repeat string) (rrule.Frequency, bool) {
	switch strings.ToLower(strings.TrimSpace(repeat)) {
	case models.RepeatDaily:
		return rrule.DAILY, true
	case models.RepeatWeekly:
		return rrule.WEEKLY, true
	case models.RepeatMonthly:
		return rrule.MONTHLY, true
	}
	return 0, false
}

func interval(ev models.Event) int {
	if ev.Interval < 1 {
		return 1
	}
	return ev.Interval
}

func hasKnownDay(codes []string) bool {
	for _, c := range codes {
		if _, ok := weekdays[c]; ok {
			return true
		}
	}
	return false
}

func day(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

func latest(a, b time.Time) time.Time {
	if a.After(b) {
		return a
	}
	return b
}
