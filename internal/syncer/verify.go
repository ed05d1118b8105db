package syncer

import (
	"context"
	"fmt"
	"strings"
	"time"

	"calplan/internal/apperr"
	"calplan/internal/keys"
	"calplan/internal/models"
	"calplan/internal/recur"
	"calplan/internal/remote"
)

const (
	// openRangeDays is the span checked for a series without an until date.
	openRangeDays = 28
	// maxVerifyDays caps the span checked for any single series.
	maxVerifyDays = 366
)

// VerifyOptions configures a Verify run. Zero From/To leave the plan ranges
// unbounded on that side.
type VerifyOptions struct {
	PlanPath string
	Calendar string
	From     time.Time
	To       time.Time
}

// Verify checks each weekly plan entry against the remote calendar and reports
// whether its occurrences already exist (duplicate) or not (missing). It never
// mutates the remote. An entry whose calendar cannot be listed is logged and
// skipped; only an unavailable remote stops the run.
func (s *Syncer) Verify(ctx context.Context, opts VerifyOptions) (*Report, error) {
	cal, err := s.remote()
	if err != nil {
		return nil, err
	}
	if !opts.From.IsZero() && !opts.To.IsZero() && opts.To.Before(opts.From) {
		return nil, apperr.Configf("--to %s is before --from %s", opts.To.Format(dateLayout), opts.From.Format(dateLayout))
	}
	p, err := s.store.Load(opts.PlanPath)
	if err != nil {
		return nil, err
	}

	report := &Report{}
	checked := 0
	for i, ev := range p.Events {
		if ev.Subject == "" || !strings.EqualFold(ev.Repeat, models.RepeatWeekly) {
			continue
		}
		if err := recur.Check(ev); err != nil {
			s.logWarnings([]error{err})
			continue
		}

		from, to, ok := verifyWindow(ev, opts.From, opts.To)
		if !ok {
			s.logger.Debug("Series range outside the verify window", "subject", ev.Subject)
			continue
		}
		expected := recur.Expand(ev, from, to)
		if len(expected) == 0 {
			s.logger.Debug("No expected occurrences in window", "subject", ev.Subject)
			continue
		}

		calendar := calendarFor(ev.Calendar, opts.Calendar)
		occ, err := cal.ListOccurrences(ctx, calendar, from.Format(dateLayout)+"T00:00:00", to.Format(dateLayout)+"T23:59:59")
		if err != nil {
			if apperr.IsRemoteUnavailable(err) {
				return report, fmt.Errorf("failed to list remote occurrences: %w", err)
			}
			s.logger.Warn("Unable to list events", "subject", ev.Subject, "calendar", remote.CalendarName(calendar), "error", err)
			continue
		}
		present := map[string]struct{}{}
		for _, r := range occ {
			present[keys.TimeKey(r.Subject, r.Start, r.End)] = struct{}{}
		}

		found := false
		for _, o := range expected {
			if _, ok := present[keys.OccurrenceKey(ev.Subject, o)]; ok {
				found = true
				break
			}
		}

		checked++
		status := "missing:  "
		if found {
			status = "duplicate:"
			report.Duplicates++
		} else {
			report.Missing++
		}
		report.addf("[%d] %s %s %s %s-%s in '%s'", i+1, status, ev.Subject, strings.Join(ev.ByDay, ","),
			ev.StartTime, ev.EndTime, remote.CalendarName(calendar))
	}

	report.addf("Checked %d recurring entries. Duplicates: %d, Missing: %d.", checked, report.Duplicates, report.Missing)
	return report, nil
}

// verifyWindow intersects the series range with the requested window. A series
// without an until date is checked for its first four weeks.
func verifyWindow(ev models.Event, from, to time.Time) (time.Time, time.Time, bool) {
	start, err := recur.ParseDate(ev.Range.StartDate)
	if err != nil {
		return time.Time{}, time.Time{}, false
	}
	end := start.AddDate(0, 0, openRangeDays-1)
	if ev.Range.Until != "" {
		if until, err := recur.ParseDate(ev.Range.Until); err == nil {
			end = until
		}
	}

	if !from.IsZero() && from.After(start) {
		start = dayOf(from)
	}
	if !to.IsZero() && to.Before(end) {
		end = dayOf(to)
	}
	if limit := start.AddDate(0, 0, maxVerifyDays-1); end.After(limit) {
		end = limit
	}
	return start, end, !end.Before(start)
}

func dayOf(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
