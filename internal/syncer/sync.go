package syncer

import (
	"context"
	"fmt"
	"strings"
	"time"

	"calplan/internal/diff"
	"calplan/internal/models"
	"calplan/internal/remote"
)

// SyncOptions configures a Sync run. From and To are inclusive days.
type SyncOptions struct {
	PlanPath              string
	Calendar              string
	From                  time.Time
	To                    time.Time
	Mode                  diff.Mode
	Apply                 bool
	DeleteMissing         bool
	DeleteUnplannedSeries bool
}

// Sync reconciles the remote calendar with the plan over the window. Without
// Apply it only reports. With Apply, per-item failures are counted and
// returned together once everything else has run; an unavailable remote
// during creation stops the run before any deletion.
func (s *Syncer) Sync(ctx context.Context, opts SyncOptions) (*Report, error) {
	cal, err := s.remote()
	if err != nil {
		return nil, err
	}
	startISO, endISO, err := s.window(opts.From, opts.To)
	if err != nil {
		return nil, err
	}
	p, err := s.store.Load(opts.PlanPath)
	if err != nil {
		return nil, err
	}

	s.logger.Info("Starting sync.", "calendar", remote.CalendarName(opts.Calendar), "from", startISO, "to", endISO, "mode", opts.Mode)
	planIdx := diff.BuildPlanIndex(p.Events, opts.From, opts.To)
	s.logWarnings(planIdx.Warnings)

	occ, err := cal.ListOccurrences(ctx, opts.Calendar, startISO, endISO)
	if err != nil {
		return nil, fmt.Errorf("failed to list remote occurrences: %w", err)
	}
	s.logger.Info("Fetched remote occurrences.", "count", len(occ))

	d := diff.Compute(planIdx, diff.BuildRemoteIndex(occ), diff.Options{
		Mode:                  opts.Mode,
		DeleteMissing:         opts.DeleteMissing,
		DeleteUnplannedSeries: opts.DeleteUnplannedSeries,
	})

	report := &Report{}
	if !opts.Apply {
		s.preview(report, d, opts)
		return report, nil
	}

	run := newRunner(BestEffort, s.logger, report)
	for _, ev := range d.CreateSeries {
		if err := run.do(ctx, "create series", ev.Subject, s.createSeries(cal, opts.Calendar, ev, report)); err != nil {
			return report, err
		}
	}
	for _, ev := range d.CreateOneOffs {
		if err := run.do(ctx, "create event", ev.Subject, s.createOneOff(cal, opts.Calendar, ev, report)); err != nil {
			return report, err
		}
	}
	for _, r := range d.DeleteOccurrences {
		if err := run.do(ctx, "delete occurrence", r.Subject, s.deleteByID(cal, r.ID, fmt.Sprintf("%s @ %s", r.Subject, r.Start), report)); err != nil {
			return report, err
		}
	}
	for _, sid := range d.DeleteSeries {
		if err := run.do(ctx, "delete series", sid, s.deleteByID(cal, sid, "series "+sid, report)); err != nil {
			return report, err
		}
	}

	report.addf("Sync complete. Created: %d; Deleted: %d", report.Created, report.Deleted)
	s.logger.Info("Sync finished.", "created", report.Created, "deleted", report.Deleted, "failed", report.Failed)
	return report, run.err()
}

func (s *Syncer) preview(report *Report, d diff.Decisions, opts SyncOptions) {
	report.addf("[DRY-RUN] Sync window %s → %s on '%s'",
		opts.From.Format(dateLayout), opts.To.Format(dateLayout), remote.CalendarName(opts.Calendar))

	report.addf("Would create series: %d", len(d.CreateSeries))
	for _, ev := range sample(d.CreateSeries) {
		report.addf("  - %s (repeat=%s, byday=%s, start_time=%s)", ev.Subject, ev.Repeat, strings.Join(ev.ByDay, ","), ev.StartTime)
	}
	report.addf("Would create one-offs: %d", len(d.CreateOneOffs))
	for _, ev := range sample(d.CreateOneOffs) {
		report.addf("  - %s @ %s→%s", ev.Subject, ev.Start, ev.End)
	}

	if opts.DeleteMissing {
		mode := opts.Mode
		if mode == "" {
			mode = diff.ModeSubjectTime
		}
		report.addf("Would delete extraneous occurrences: %d (match=%s)", len(d.DeleteOccurrences), mode)
		for i, r := range d.DeleteOccurrences {
			if i == sampleLimit {
				break
			}
			report.addf("  - %s @ %s→%s", r.Subject, r.Start, r.End)
		}
	} else {
		report.addf("Delete extraneous: disabled (pass --delete-missing)")
	}
	if opts.DeleteUnplannedSeries {
		report.addf("Would delete entire unplanned series: %d", len(d.DeleteSeries))
	}
}

func sample(events []models.Event) []models.Event {
	if len(events) > sampleLimit {
		return events[:sampleLimit]
	}
	return events
}

func (s *Syncer) createSeries(cal remote.Calendar, calendar string, ev models.Event, report *Report) func(context.Context) (string, error) {
	return func(ctx context.Context) (string, error) {
		id, err := cal.CreateSeries(ctx, calendar, remote.SeriesOf(ev), remote.AttrsOf(ev))
		if err != nil {
			return "", err
		}
		report.Created++
		s.logger.Debug("Created series", "subject", ev.Subject, "id", id)
		return fmt.Sprintf("Created series: %s (id=%s)", ev.Subject, id), nil
	}
}

func (s *Syncer) createOneOff(cal remote.Calendar, calendar string, ev models.Event, report *Report) func(context.Context) (string, error) {
	return func(ctx context.Context) (string, error) {
		id, err := cal.CreateOneOff(ctx, calendar, ev.Subject, ev.Start, ev.End, remote.AttrsOf(ev))
		if err != nil {
			return "", err
		}
		report.Created++
		s.logger.Debug("Created event", "subject", ev.Subject, "id", id)
		return fmt.Sprintf("Created: %s (id=%s)", ev.Subject, id), nil
	}
}

func (s *Syncer) deleteByID(cal remote.Calendar, id, label string, report *Report) func(context.Context) (string, error) {
	return func(ctx context.Context) (string, error) {
		ok, err := cal.DeleteByID(ctx, id)
		if err != nil {
			return "", err
		}
		if !ok {
			s.logger.Debug("Nothing to delete", "id", id)
			return fmt.Sprintf("Already gone: %s", label), nil
		}
		report.Deleted++
		return fmt.Sprintf("Deleted: %s", label), nil
	}
}
