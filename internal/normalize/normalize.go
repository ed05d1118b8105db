// Package normalize turns loosely written event mappings (hand-edited YAML,
// imported schedules, older plan files) into canonical models.Event values.
package normalize

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"calplan/internal/models"
)

// aliases lists, per canonical field, the accepted spellings in lookup order.
// The first spelling holding a usable value wins.
var aliases = map[string][]string{
	"subject":          {"subject", "Subject", "title", "summary"},
	"calendar":         {"calendar", "calendar_name", "calendarName"},
	"tz":               {"tz", "timezone", "timeZone", "time_zone"},
	"location":         {"location", "where"},
	"body_html":        {"body_html", "bodyHtml", "body", "notes", "description"},
	"repeat":           {"repeat", "recurrence", "frequency", "freq"},
	"interval":         {"interval", "every"},
	"byday":            {"byday", "byDay", "by_day", "days", "weekdays"},
	"start_time":       {"start_time", "startTime", "start-time"},
	"end_time":         {"end_time", "endTime", "end-time"},
	"exdates":          {"exdates", "exDates", "ex_dates", "exceptions", "exclusions"},
	"start":            {"start", "start_iso", "startIso"},
	"end":              {"end", "end_iso", "endIso"},
	"count":            {"count", "occurrences"},
	"is_reminder_on":   {"is_reminder_on", "isReminderOn", "reminder"},
	"reminder_minutes": {"reminder_minutes", "reminderMinutes", "reminder-minutes", "minutes_before"},

	// Range keys, first inside the nested "range" mapping, then at top level.
	"range.start_date": {"start_date", "startDate", "from"},
	"range.until":      {"until", "end_date", "endDate", "to"},
	"top.start_date":   {"start_date", "startDate", "range_start"},
	"top.until":        {"until", "end_date", "endDate", "range_until"},
}

var weekdayCodes = map[string]string{
	"mo": "MO", "mon": "MO", "monday": "MO",
	"tu": "TU", "tue": "TU", "tues": "TU", "tuesday": "TU",
	"we": "WE", "wed": "WE", "weds": "WE", "wednesday": "WE",
	"th": "TH", "thu": "TH", "thur": "TH", "thurs": "TH", "thursday": "TH",
	"fr": "FR", "fri": "FR", "friday": "FR",
	"sa": "SA", "sat": "SA", "saturday": "SA",
	"su": "SU", "sun": "SU", "sunday": "SU",
}

// Normalize maps a raw event onto the canonical schema. It never fails: values
// that cannot be coerced are dropped.
func Normalize(raw map[string]any) models.Event {
	ev := models.Event{
		Subject:   lookupString(raw, "subject"),
		Calendar:  lookupString(raw, "calendar"),
		TZ:        lookupString(raw, "tz"),
		Location:  lookupString(raw, "location"),
		BodyHTML:  lookupString(raw, "body_html"),
		Repeat:    strings.ToLower(lookupString(raw, "repeat")),
		StartTime: lookupString(raw, "start_time"),
		EndTime:   lookupString(raw, "end_time"),
		Start:     lookupString(raw, "start"),
		End:       lookupString(raw, "end"),
	}

	if n, ok := toInt(lookup(raw, "interval")); ok {
		ev.Interval = n
	}
	if n, ok := toInt(lookup(raw, "count")); ok {
		ev.Count = n
	}
	ev.ByDay = Weekdays(lookup(raw, "byday"))
	ev.ExDates = exDates(lookup(raw, "exdates"))
	ev.Range = dateRange(raw)

	if b, ok := toBool(lookup(raw, "is_reminder_on")); ok {
		ev.ReminderOn = &b
	}
	if n, ok := toInt(lookup(raw, "reminder_minutes")); ok {
		ev.ReminderMinutes = &n
	}

	if ev.Repeat != "" {
		ev.Start, ev.End = "", ""
	} else {
		ev.Interval, ev.Count = 0, 0
		ev.ByDay, ev.ExDates, ev.Range = nil, nil, nil
		ev.StartTime, ev.EndTime = "", ""
	}
	return ev
}

// Events normalises a list of raw mappings, preserving order.
func Events(raws []map[string]any) []models.Event {
	out := make([]models.Event, 0, len(raws))
	for _, raw := range raws {
		out = append(out, Normalize(raw))
	}
	return out
}

// ToRaw renders an event back to a raw mapping using canonical keys only.
// Normalize(ToRaw(ev)) returns ev for any normalised ev.
func ToRaw(ev models.Event) map[string]any {
	out := map[string]any{}
	put := func(k, v string) {
		if v != "" {
			out[k] = v
		}
	}
	put("subject", ev.Subject)
	put("calendar", ev.Calendar)
	put("tz", ev.TZ)
	put("location", ev.Location)
	put("body_html", ev.BodyHTML)
	put("repeat", ev.Repeat)
	if ev.Interval != 0 {
		out["interval"] = ev.Interval
	}
	if len(ev.ByDay) > 0 {
		out["byday"] = toAnySlice(ev.ByDay)
	}
	if ev.Range != nil {
		rng := map[string]any{}
		if ev.Range.StartDate != "" {
			rng["start_date"] = ev.Range.StartDate
		}
		if ev.Range.Until != "" {
			rng["until"] = ev.Range.Until
		}
		out["range"] = rng
	}
	put("start_time", ev.StartTime)
	put("end_time", ev.EndTime)
	if len(ev.ExDates) > 0 {
		out["exdates"] = toAnySlice(ev.ExDates)
	}
	put("start", ev.Start)
	put("end", ev.End)
	if ev.Count != 0 {
		out["count"] = ev.Count
	}
	if ev.ReminderOn != nil {
		out["is_reminder_on"] = *ev.ReminderOn
	}
	if ev.ReminderMinutes != nil {
		out["reminder_minutes"] = *ev.ReminderMinutes
	}
	return out
}

// Weekdays converts a weekday list or delimited string into two-letter codes,
// dropping unknown tokens and duplicates while keeping first-seen order.
func Weekdays(v any) []string {
	var tokens []string
	switch t := v.(type) {
	case string:
		tokens = strings.FieldsFunc(t, func(r rune) bool {
			return r == ',' || r == ';' || r == ' ' || r == '\t'
		})
	case []string:
		tokens = t
	case []any:
		for _, x := range t {
			if s := toString(x); s != "" {
				tokens = append(tokens, s)
			}
		}
	default:
		return nil
	}

	var out []string
	seen := map[string]bool{}
	for _, tok := range tokens {
		code, ok := weekdayCodes[strings.ToLower(strings.TrimSpace(tok))]
		if !ok || seen[code] {
			continue
		}
		seen[code] = true
		out = append(out, code)
	}
	return out
}

func dateRange(raw map[string]any) *models.Range {
	var rng models.Range
	if nested, ok := asMap(raw["range"]); ok {
		rng.StartDate = lookupString(nested, "range.start_date")
		rng.Until = lookupString(nested, "range.until")
	}
	if rng.StartDate == "" {
		rng.StartDate = lookupString(raw, "top.start_date")
	}
	if rng.Until == "" {
		rng.Until = lookupString(raw, "top.until")
	}
	if rng.StartDate == "" && rng.Until == "" {
		return nil
	}
	return &rng
}

func exDates(v any) []string {
	var items []string
	switch t := v.(type) {
	case string:
		items = strings.FieldsFunc(t, func(r rune) bool { return r == ',' || r == ';' })
	case []string:
		items = t
	case []any:
		for _, x := range t {
			items = append(items, toString(x))
		}
	case time.Time:
		items = []string{toString(t)}
	default:
		return nil
	}

	var out []string
	for _, it := range items {
		it = strings.TrimSpace(it)
		if d, _, _ := strings.Cut(it, "T"); d != "" {
			out = append(out, d)
		}
	}
	return out
}

// lookup returns the first aliased value that is present and non-empty.
func lookup(raw map[string]any, field string) any {
	for _, name := range aliases[field] {
		v, ok := raw[name]
		if !ok || v == nil {
			continue
		}
		if s, isString := v.(string); isString && strings.TrimSpace(s) == "" {
			continue
		}
		return v
	}
	return nil
}

func lookupString(raw map[string]any, field string) string {
	return toString(lookup(raw, field))
}

func toString(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(t)
	case time.Time:
		if t.Hour() == 0 && t.Minute() == 0 && t.Second() == 0 && t.Nanosecond() == 0 {
			return t.Format(time.DateOnly)
		}
		return t.Format("2006-01-02T15:04:05")
	case map[string]any, []any:
		return ""
	default:
		return strings.TrimSpace(fmt.Sprint(t))
	}
}

func toInt(v any) (int, bool) {
	switch t := v.(type) {
	case int:
		return t, true
	case int64:
		return int(t), true
	case uint64:
		return int(t), true
	case float64:
		if t != math.Trunc(t) {
			return 0, false
		}
		return int(t), true
	case string:
		n, err := strconv.Atoi(strings.TrimSpace(t))
		if err != nil {
			return 0, false
		}
		return n, true
	default:
		return 0, false
	}
}

func toBool(v any) (bool, bool) {
	switch t := v.(type) {
	case bool:
		return t, true
	case int:
		if t == 0 || t == 1 {
			return t == 1, true
		}
	case string:
		switch strings.ToLower(strings.TrimSpace(t)) {
		case "off", "none", "no", "false", "0":
			return false, true
		case "on", "yes", "true", "1":
			return true, true
		}
	}
	return false, false
}

func asMap(v any) (map[string]any, bool) {
	switch t := v.(type) {
	case map[string]any:
		return t, true
	case map[any]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[fmt.Sprint(k)] = val
		}
		return out, true
	}
	return nil, false
}

func toAnySlice(in []string) []any {
	out := make([]any, len(in))
	for i, s := range in {
		out[i] = s
	}
	return out
}
