// Package keys derives the identity keys used to match planned occurrences
// against remote ones.
package keys

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"calplan/internal/models"
)

// SubjectKey is the case-folded, trimmed subject.
func SubjectKey(subject string) string {
	return strings.ToLower(strings.TrimSpace(subject))
}

// TimeKey identifies an occurrence by subject, start and end at minute precision.
func TimeKey(subject, start, end string) string {
	return SubjectKey(subject) + "|" + Minute(start) + "|" + Minute(end)
}

// OccurrenceKey is TimeKey for an expanded occurrence.
func OccurrenceKey(subject string, occ models.Occurrence) string {
	return SubjectKey(subject) + "|" + occ.StartISO() + "|" + occ.EndISO()
}

// Minute normalises an ISO-like date or date-time to YYYY-MM-DDTHH:MM.
// A trailing "Z", a UTC offset, seconds and fractional seconds are dropped and a
// bare date is read as midnight. Unparsable input yields "".
func Minute(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimRight(s, "Zz")
	if s == "" {
		return ""
	}

	date, clock, ok := strings.Cut(s, "T")
	if !ok {
		date, clock, ok = strings.Cut(s, " ")
	}
	if !ok {
		clock = "00:00"
	}
	if _, err := time.Parse(time.DateOnly, date); err != nil {
		return ""
	}

	clock = stripOffset(clock)
	parts := strings.Split(clock, ":")
	if len(parts) < 2 {
		return ""
	}
	hh, err := strconv.Atoi(parts[0])
	if err != nil || hh < 0 || hh > 23 {
		return ""
	}
	mm, err := strconv.Atoi(parts[1])
	if err != nil || mm < 0 || mm > 59 {
		return ""
	}
	return fmt.Sprintf("%sT%02d:%02d", date, hh, mm)
}

// stripOffset removes a "+hh:mm" or "-hh:mm" suffix from a clock value.
func stripOffset(clock string) string {
	if i := strings.IndexAny(clock, "+-"); i > 0 {
		return clock[:i]
	}
	return strings.TrimRight(clock, "Zz")
}
