package syncer

import (
	"context"
	"fmt"
	"strings"
	"time"

	"calplan/internal/dedup"
	"calplan/internal/remote"
)

// DedupOptions configures a Dedup run over the inclusive day window.
type DedupOptions struct {
	Calendar string
	From     time.Time
	To       time.Time
	Policy   dedup.Policy
	Apply    bool
}

// Dedup finds recurring series that share a weekly slot and, with Apply,
// deletes all but the one the policy keeps. Deletion is best effort.
func (s *Syncer) Dedup(ctx context.Context, opts DedupOptions) (*Report, error) {
	cal, err := s.remote()
	if err != nil {
		return nil, err
	}
	startISO, endISO, err := s.window(opts.From, opts.To)
	if err != nil {
		return nil, err
	}

	occ, err := cal.ListOccurrences(ctx, opts.Calendar, startISO, endISO)
	if err != nil {
		return nil, fmt.Errorf("failed to list remote occurrences: %w", err)
	}
	groups := dedup.Groups(occ, opts.Policy)

	report := &Report{Duplicates: len(groups)}
	var doomed []string
	for _, g := range groups {
		report.addf("%s %s %s-%s: keep %s, delete %s", g.Subject, g.Weekday, g.StartTime, g.EndTime, g.Keep, strings.Join(g.Delete, ", "))
		doomed = append(doomed, g.Delete...)
	}
	prefix := ""
	if !opts.Apply {
		prefix = "[DRY-RUN] "
	}
	report.addf("%sFound %d duplicate groups in '%s'; series to delete: %d", prefix, len(groups), remote.CalendarName(opts.Calendar), len(doomed))
	if !opts.Apply {
		return report, nil
	}

	run := newRunner(BestEffort, s.logger, report)
	for _, sid := range doomed {
		if err := run.do(ctx, "delete series", sid, s.deleteByID(cal, sid, "series "+sid, report)); err != nil {
			return report, err
		}
	}
	report.addf("Dedup complete. Deleted: %d", report.Deleted)
	s.logger.Info("Dedup finished.", "groups", len(groups), "deleted", report.Deleted, "failed", report.Failed)
	return report, run.err()
}
