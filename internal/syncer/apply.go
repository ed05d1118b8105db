package syncer

import (
	"context"
	"strings"

	"calplan/internal/recur"
	"calplan/internal/remote"
)

// ApplyOptions configures an Apply run.
type ApplyOptions struct {
	PlanPath string
	Calendar string
	Apply    bool
}

// Apply creates every plan entry on the remote calendar without comparing
// against what is already there. The first failure stops the run and is
// returned as a *apperr.MutationError carrying the lines written so far.
func (s *Syncer) Apply(ctx context.Context, opts ApplyOptions) (*Report, error) {
	p, err := s.store.Load(opts.PlanPath)
	if err != nil {
		return nil, err
	}

	report := &Report{}
	if !opts.Apply {
		report.addf("[DRY RUN] %d events in plan:", len(p.Events))
		for _, ev := range p.Events {
			switch {
			case ev.Subject == "":
				report.addf("  - (no subject, skipped)")
			case ev.IsSeries():
				report.addf("  - %s (repeat=%s, byday=%s, %s-%s) in '%s'", ev.Subject, ev.Repeat,
					strings.Join(ev.ByDay, ","), ev.StartTime, ev.EndTime, remote.CalendarName(calendarFor(ev.Calendar, opts.Calendar)))
			case ev.IsOneOff():
				report.addf("  - %s @ %s→%s in '%s'", ev.Subject, ev.Start, ev.End, remote.CalendarName(calendarFor(ev.Calendar, opts.Calendar)))
			default:
				report.addf("  - %s (insufficient fields, skipped)", ev.Subject)
			}
		}
		return report, nil
	}

	cal, err := s.remote()
	if err != nil {
		return nil, err
	}
	s.logger.Info("Applying plan.", "events", len(p.Events))

	run := newRunner(AbortOnFirst, s.logger, report)
	for _, ev := range p.Events {
		calendar := calendarFor(ev.Calendar, opts.Calendar)
		switch {
		case ev.Subject == "":
			s.logger.Warn("Skipping event without subject")
			report.addf("Skipping event without subject")
		case ev.IsSeries():
			if err := recur.Check(ev); err != nil {
				s.logWarnings([]error{err})
				report.addf("Skipping event (%v)", err)
				continue
			}
			if err := run.do(ctx, "create event", ev.Subject, s.createSeries(cal, calendar, ev, report)); err != nil {
				return report, err
			}
		case ev.IsOneOff():
			if err := run.do(ctx, "create event", ev.Subject, s.createOneOff(cal, calendar, ev, report)); err != nil {
				return report, err
			}
		default:
			s.logger.Warn("Skipping event with insufficient fields", "subject", ev.Subject)
			report.addf("Skipping event (insufficient fields): %s", ev.Subject)
		}
	}

	report.addf("Applied %d events.", report.Created)
	s.logger.Info("Apply finished.", "created", report.Created)
	return report, nil
}
