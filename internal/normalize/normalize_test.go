package normalize

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"calplan/internal/models"
)

func TestNormalizeResolvesAliases(t *testing.T) {
	raw := map[string]any{
		"title":           "  Swim Lessons ",
		"calendarName":    "Kids",
		"timeZone":        "America/Toronto",
		"bodyHtml":        "<p>Bring goggles</p>",
		"recurrence":      "Weekly",
		"every":           "2",
		"byDay":           "Monday; wed, monday",
		"startTime":       "17:00",
		"end-time":        "17:30",
		"startDate":       "2025-01-06",
		"endDate":         "2025-03-31",
		"exceptions":      "2025-02-17T17:00:00, 2025-03-03",
		"isReminderOn":    "off",
		"reminderMinutes": 15.0,
	}

	ev := Normalize(raw)

	off := false
	fifteen := 15
	assert.Equal(t, models.Event{
		Subject:         "Swim Lessons",
		Calendar:        "Kids",
		TZ:              "America/Toronto",
		BodyHTML:        "<p>Bring goggles</p>",
		Repeat:          "weekly",
		Interval:        2,
		ByDay:           []string{"MO", "WE"},
		Range:           &models.Range{StartDate: "2025-01-06", Until: "2025-03-31"},
		StartTime:       "17:00",
		EndTime:         "17:30",
		ExDates:         []string{"2025-02-17", "2025-03-03"},
		ReminderOn:      &off,
		ReminderMinutes: &fifteen,
	}, ev)
}

func TestNormalizeNestedRangeWins(t *testing.T) {
	ev := Normalize(map[string]any{
		"subject":    "Run",
		"repeat":     "daily",
		"start_date": "2025-01-01",
		"range":      map[string]any{"from": "2025-02-01"},
		"until":      "2025-02-28",
	})
	require.NotNil(t, ev.Range)
	assert.Equal(t, "2025-02-01", ev.Range.StartDate)
	assert.Equal(t, "2025-02-28", ev.Range.Until)
}

func TestNormalizeKeepsOneShape(t *testing.T) {
	oneOff := Normalize(map[string]any{
		"subject":    "Dentist",
		"start":      "2025-01-15T10:00:00",
		"end":        "2025-01-15T11:00:00",
		"byday":      []any{"MO"},
		"start_time": "10:00",
	})
	assert.Equal(t, "2025-01-15T10:00:00", oneOff.Start)
	assert.Empty(t, oneOff.ByDay)
	assert.Empty(t, oneOff.StartTime)

	recurring := Normalize(map[string]any{
		"subject": "Dentist",
		"repeat":  "monthly",
		"start":   "2025-01-15T10:00:00",
		"end":     "2025-01-15T11:00:00",
	})
	assert.Empty(t, recurring.Start)
	assert.Empty(t, recurring.End)
}

func TestNormalizeDropsInvalidValues(t *testing.T) {
	ev := Normalize(map[string]any{
		"subject":          "",
		"repeat":           "weekly",
		"interval":         "every other",
		"count":            2.5,
		"byday":            []any{"funday", 7},
		"reminder":         "maybe",
		"reminder_minutes": "soon",
		"location":         "   ",
	})
	assert.Equal(t, models.Event{Repeat: "weekly"}, ev)
}

func TestNormalizeReminderSynonyms(t *testing.T) {
	for in, want := range map[any]bool{"yes": true, "ON": true, "1": true, "no": false, "none": false, true: true, 0: false} {
		ev := Normalize(map[string]any{"subject": "x", "reminder": in})
		require.NotNil(t, ev.ReminderOn, "input %v", in)
		assert.Equal(t, want, *ev.ReminderOn, "input %v", in)
	}
}

func TestNormalizeYAMLTimestamps(t *testing.T) {
	ev := Normalize(map[string]any{
		"subject": "Trip",
		"start":   time.Date(2025, 5, 1, 8, 30, 0, 0, time.UTC),
		"end":     time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC),
	})
	assert.Equal(t, "2025-05-01T08:30:00", ev.Start)
	assert.Equal(t, "2025-05-01", ev.End)
}

func TestWeekdays(t *testing.T) {
	assert.Equal(t, []string{"TU", "TH", "SA"}, Weekdays("tues thurs,Saturday"))
	assert.Equal(t, []string{"SU", "MO"}, Weekdays([]any{"Sun", "mo", "SU"}))
	assert.Nil(t, Weekdays(42))
	assert.Nil(t, Weekdays(""))
}

func TestNormalizeIsIdempotent(t *testing.T) {
	inputs := []map[string]any{
		{"subject": "Swim", "repeat": "WEEKLY", "byday": "mon,wed", "start_time": "17:00", "end_time": "17:30",
			"range": map[string]any{"start_date": "2025-01-06", "until": "2025-01-20"}, "exdates": "2025-01-13", "count": "4"},
		{"summary": "Dentist", "start_iso": "2025-01-15T10:00", "endIso": "2025-01-15T11:00", "reminder": false},
		{"subject": "Book club", "freq": "monthly", "interval": 1, "start_time": "19:00", "startDate": "2025-02-01", "minutes_before": 30},
		{"where": "Pool (North)"},
	}
	for _, raw := range inputs {
		once := Normalize(raw)
		twice := Normalize(ToRaw(once))
		assert.Equal(t, once, twice)
	}
}

func TestToRawSurvivesYAMLRoundTrip(t *testing.T) {
	on := true
	ev := models.Event{
		Subject:    "Swim",
		Repeat:     "weekly",
		ByDay:      []string{"MO"},
		StartTime:  "17:00",
		EndTime:    "17:30",
		Range:      &models.Range{StartDate: "2025-01-06"},
		ReminderOn: &on,
	}
	data, err := yaml.Marshal(ToRaw(ev))
	require.NoError(t, err)

	var back map[string]any
	require.NoError(t, yaml.Unmarshal(data, &back))
	assert.Equal(t, ev, Normalize(back))
}
