package recur

import (
	"fmt"
	"time"

	"github.com/teambition/rrule-go"

	"calplan/internal/models"
)

// RRule renders the event's recurrence as an RFC 5545 RRULE value (without the
// "RRULE:" prefix or a DTSTART). Until is taken as the end of that day in loc.
func RRule(ev models.Event, loc *time.Location) (string, error) {
	if loc == nil {
		loc = time.UTC
	}
	freq, ok := frequency(ev.Repeat)
	if !ok {
		return "", fmt.Errorf("unsupported repeat %q", ev.Repeat)
	}
	if ev.Range == nil || ev.Range.StartDate == "" {
		return "", fmt.Errorf("recurring event %q has no range.start_date", ev.Subject)
	}
	start, err := ParseDate(ev.Range.StartDate)
	if err != nil {
		return "", fmt.Errorf("invalid range.start_date: %w", err)
	}

	opt := rrule.ROption{
		Freq:     freq,
		Interval: interval(ev),
		Count:    ev.Count,
	}
	switch freq {
	case rrule.WEEKLY:
		for _, code := range ev.ByDay {
			if wd, ok := weekdays[code]; ok {
				opt.Byweekday = append(opt.Byweekday, wd)
			}
		}
		if len(opt.Byweekday) == 0 {
			return "", fmt.Errorf("weekly event %q has no byday", ev.Subject)
		}
	case rrule.MONTHLY:
		opt.Bymonthday = []int{start.Day()}
	}

	if ev.Range.Until != "" {
		until, err := ParseDate(ev.Range.Until)
		if err != nil {
			return "", fmt.Errorf("invalid range.until: %w", err)
		}
		opt.Until = time.Date(until.Year(), until.Month(), until.Day(), 23, 59, 59, 0, loc)
	}
	return opt.RRuleString(), nil
}

// FirstStart returns the start of the first occurrence on or after
// range.start_date, which remote calendars need as the series DTSTART.
func FirstStart(ev models.Event, loc *time.Location) (models.Occurrence, error) {
	if loc == nil {
		loc = time.UTC
	}
	start, err := ParseDate(ev.Range.StartDate)
	if err != nil {
		return models.Occurrence{}, fmt.Errorf("invalid range.start_date: %w", err)
	}
	sc, err := parseClock(ev.StartTime)
	if err != nil {
		return models.Occurrence{}, fmt.Errorf("invalid start_time %q", ev.StartTime)
	}
	endTime := ev.EndTime
	if endTime == "" {
		endTime = ev.StartTime
	}
	ec, err := parseClock(endTime)
	if err != nil {
		return models.Occurrence{}, fmt.Errorf("invalid end_time %q", endTime)
	}

	freq, _ := frequency(ev.Repeat)
	occ := Combine(seriesStart(start, freq, ev.ByDay), sc, ec)
	return models.Occurrence{
		Start: time.Date(occ.Start.Year(), occ.Start.Month(), occ.Start.Day(), occ.Start.Hour(), occ.Start.Minute(), 0, 0, loc),
		End:   time.Date(occ.End.Year(), occ.End.Month(), occ.End.Day(), occ.End.Hour(), occ.End.Minute(), 0, 0, loc),
	}, nil
}

// seriesStart is the first date on or after start that a weekly rule selects.
// Week counting for interval > 1 starts from it, so the expander and every
// remote series use it as DTSTART.
func seriesStart(start time.Time, freq rrule.Frequency, byday []string) time.Time {
	if freq != rrule.WEEKLY {
		return start
	}
	for i := 0; i < 7; i++ {
		d := start.AddDate(0, 0, i)
		if containsDay(byday, d.Weekday()) {
			return d
		}
	}
	return start
}

// WeekdayCode returns the two-letter code for a weekday.
func WeekdayCode(d time.Weekday) string {
	return [...]string{"SU", "MO", "TU", "WE", "TH", "FR", "SA"}[d]
}

func containsDay(codes []string, d time.Weekday) bool {
	want := WeekdayCode(d)
	for _, c := range codes {
		if c == want {
			return true
		}
	}
	return false
}
